// Package catalog holds the immutable registry of test plans the service is
// allowed to execute. The catalog is loaded once from a YAML file at startup
// and never changes afterwards, so lookups are safe from any goroutine.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/perfinfra/jmrunner/types"
)

// ErrPlanNotFound is returned by Resolve for an unknown plan id.
var ErrPlanNotFound = errors.New("plan not found")

// Config contains catalog configuration.
type Config struct {
	Log             log.Logger
	CatalogFile     string
	RequirePlanFile bool // if set, plan files must exist on disk at load time
}

// Catalog is an immutable plan registry.
type Catalog struct {
	config Config
	plans  map[string]types.PlanDescriptor
	order  []string
}

type catalogFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	ID         string            `yaml:"id"`
	Profile    string            `yaml:"profile"`
	PlanFile   string            `yaml:"plan_file"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// New loads the plan catalog from cfg.CatalogFile.
func New(cfg Config) (*Catalog, error) {
	if cfg.CatalogFile == "" {
		return nil, fmt.Errorf("catalog file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}

	data, err := os.ReadFile(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}
	if len(file.Plans) == 0 {
		return nil, fmt.Errorf("catalog %s defines no plans", cfg.CatalogFile)
	}

	c := &Catalog{
		config: cfg,
		plans:  make(map[string]types.PlanDescriptor, len(file.Plans)),
	}
	for i, entry := range file.Plans {
		desc, err := entry.toDescriptor()
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if _, exists := c.plans[desc.ID]; exists {
			return nil, fmt.Errorf("catalog entry %d: duplicate plan id %q", i, desc.ID)
		}
		if cfg.RequirePlanFile {
			if _, err := os.Stat(desc.PlanFile); err != nil {
				return nil, fmt.Errorf("catalog entry %d: plan file %s: %w", i, desc.PlanFile, err)
			}
		}
		c.plans[desc.ID] = desc
		c.order = append(c.order, desc.ID)
	}
	sort.Strings(c.order)

	cfg.Log.Debug("Plan catalog loaded", "file", cfg.CatalogFile, "plans", len(c.plans))
	return c, nil
}

func (e planEntry) toDescriptor() (types.PlanDescriptor, error) {
	if e.ID == "" {
		return types.PlanDescriptor{}, fmt.Errorf("plan id is required")
	}
	profile, err := types.ParseProfile(e.Profile)
	if err != nil {
		return types.PlanDescriptor{}, fmt.Errorf("plan %q: %w", e.ID, err)
	}
	if e.PlanFile == "" {
		return types.PlanDescriptor{}, fmt.Errorf("plan %q: plan_file is required", e.ID)
	}
	params := make(map[string]string, len(e.Parameters))
	for k, v := range e.Parameters {
		params[k] = v
	}
	return types.PlanDescriptor{
		ID:                e.ID,
		Profile:           profile,
		PlanFile:          e.PlanFile,
		DefaultParameters: params,
	}, nil
}

// Resolve returns the descriptor for the given plan id, or ErrPlanNotFound.
func (c *Catalog) Resolve(planID string) (types.PlanDescriptor, error) {
	desc, ok := c.plans[planID]
	if !ok {
		return types.PlanDescriptor{}, fmt.Errorf("plan %q: %w", planID, ErrPlanNotFound)
	}
	return desc, nil
}

// Plans returns all descriptors sorted by plan id.
func (c *Catalog) Plans() []types.PlanDescriptor {
	out := make([]types.PlanDescriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}
