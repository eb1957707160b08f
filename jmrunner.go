package jmrunner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/perfinfra/jmrunner/api"
	"github.com/perfinfra/jmrunner/catalog"
	"github.com/perfinfra/jmrunner/engine"
	"github.com/perfinfra/jmrunner/registry"
	"github.com/perfinfra/jmrunner/service"
	"github.com/perfinfra/jmrunner/supervisor"
)

const engineCloseTimeout = 30 * time.Second

// Runner is the top level service. It wires the plan catalog, run registry,
// process supervisor and orchestration engine together and serves the HTTP
// API over them.
type Runner struct {
	ctx     context.Context
	config  *Config
	version string

	catalog  *catalog.Catalog
	registry *registry.Registry
	engine   *engine.Engine
	api      *api.Server
	sidecar  *service.Service

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Runner, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating runner with config",
		"catalogFile", config.CatalogFile,
		"runDir", config.RunDir,
		"listenAddr", config.ListenAddr,
		"pollInterval", config.PollInterval,
		"terminationGrace", config.TerminationGrace)

	cat, err := catalog.New(catalog.Config{
		Log:             config.Log,
		CatalogFile:     config.CatalogFile,
		RequirePlanFile: config.RequirePlanFiles,
	})
	if err != nil {
		return nil, NewConfigError(fmt.Errorf("failed to load plan catalog: %w", err))
	}

	reg := registry.NewRegistry(config.Log)

	sup, err := supervisor.New(supervisor.Config{
		Log:      config.Log,
		Profiles: config.Profiles,
	})
	if err != nil {
		return nil, NewConfigError(fmt.Errorf("failed to create supervisor: %w", err))
	}

	eng, err := engine.New(engine.Config{
		Log:              config.Log,
		Catalog:          cat,
		Registry:         reg,
		Runner:           sup,
		RunRoot:          config.RunDir,
		PollInterval:     config.PollInterval,
		TerminationGrace: config.TerminationGrace,
	})
	if err != nil {
		return nil, NewConfigError(fmt.Errorf("failed to create engine: %w", err))
	}

	return &Runner{
		ctx:              ctx,
		config:           config,
		version:          version,
		catalog:          cat,
		registry:         reg,
		engine:           eng,
		api:              api.NewServer(config.Log, eng),
		sidecar:          service.New().WithAddrs(config.HealthzAddr, config.MetricsAddr),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start brings up the sidecar listeners and the orchestration API.
// Start implements the cliapp.Lifecycle interface.
func (r *Runner) Start(ctx context.Context) error {
	r.ctx = ctx
	r.done = make(chan struct{})
	r.running.Store(true)

	r.config.Log.Info("Starting jmrunner", "version", r.version, "addr", r.config.ListenAddr)
	r.printCatalogTable()

	r.sidecar.Start(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.api.Start(r.config.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.config.Log.Error("API server failed", "err", err)
			r.shutdownCallback(NewServeError(err))
		}
	}()

	r.config.Log.Debug("jmrunner started successfully")
	return nil
}

// Stop stops the jmrunner service. In-flight engine processes are cancelled
// and their records finished before the listeners go away.
// Stop implements the cliapp.Lifecycle interface.
func (r *Runner) Stop(ctx context.Context) error {
	r.config.Log.Info("Stopping jmrunner")

	if !r.running.Load() {
		r.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	r.running.Store(false)

	if err := r.api.Shutdown(); err != nil {
		r.config.Log.Error("Error shutting down API server", "err", err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, engineCloseTimeout)
	defer cancel()
	if err := r.engine.Close(closeCtx); err != nil {
		r.config.Log.Error("Error closing engine", "err", err)
	}

	r.sidecar.Shutdown()

	close(r.done)

	r.config.Log.Info("jmrunner stopped successfully")
	return nil
}

// Stopped returns true if the jmrunner service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (r *Runner) Stopped() bool {
	return !r.running.Load()
}

// printCatalogTable prints the loaded plan catalog to the console.
func (r *Runner) printCatalogTable() {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Plan Catalog (%s)", r.config.CatalogFile))

	t.AppendHeader(table.Row{"ID", "Profile", "Plan File", "Default Parameters"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "ID", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Plan File", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Default Parameters", Align: text.AlignRight},
	})

	for _, plan := range r.catalog.Plans() {
		t.AppendRow(table.Row{
			plan.ID,
			string(plan.Profile),
			plan.PlanFile,
			len(plan.DefaultParameters),
		})
	}

	t.SetStyle(table.StyleLight)
	t.Render()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (r *Runner) WaitForShutdown(ctx context.Context) error {
	r.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		r.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}
