package jmrunner

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/perfinfra/jmrunner/flags"
	"github.com/perfinfra/jmrunner/supervisor"
	"github.com/perfinfra/jmrunner/types"
)

type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*t = TOMLDuration(d)
	return nil
}

type ServerConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	HealthzAddr string `toml:"healthz_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

type EngineConfig struct {
	Bin  string `toml:"bin"`
	Home string `toml:"home"`
}

// FileConfig is the on-disk TOML layout of the service configuration.
type FileConfig struct {
	Server           ServerConfig            `toml:"server"`
	Catalog          string                  `toml:"catalog"`
	RequirePlanFiles bool                    `toml:"require_plan_files"`
	RunDir           string                  `toml:"run_dir"`
	PollInterval     TOMLDuration            `toml:"poll_interval"`
	TerminationGrace TOMLDuration            `toml:"termination_grace"`
	LogLevel         string                  `toml:"log_level"`
	Profiles         map[string]EngineConfig `toml:"profiles"`
}

// Config holds the resolved application configuration.
type Config struct {
	ListenAddr       string
	HealthzAddr      string
	MetricsAddr      string
	CatalogFile      string
	RequirePlanFiles bool
	RunDir           string
	PollInterval     time.Duration
	TerminationGrace time.Duration
	Profiles         map[types.Profile]supervisor.EngineInstall
	Log              log.Logger
}

const (
	defaultListenAddr       = "0.0.0.0:8000"
	defaultRunDir           = "runs"
	defaultPollInterval     = 2 * time.Second
	defaultTerminationGrace = 10 * time.Second
)

// NewConfig reads the TOML service config and applies flag overrides on top.
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	if logger == nil {
		logger = log.New()
	}
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	configPath := ctx.String(flags.ConfigFile.Name)
	var file FileConfig
	if _, err := toml.DecodeFile(configPath, &file); err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	catalogFile := file.Catalog
	if v := ctx.String(flags.CatalogFile.Name); v != "" {
		catalogFile = v
	}
	if catalogFile == "" {
		return nil, errors.New("plan catalog file is required")
	}
	// Relative paths in the config file resolve against the config file's
	// directory, flag overrides against the working directory.
	if !filepath.IsAbs(catalogFile) && ctx.String(flags.CatalogFile.Name) == "" {
		catalogFile = filepath.Join(filepath.Dir(configPath), catalogFile)
	}
	absCatalog, err := filepath.Abs(catalogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for catalog '%s': %w", catalogFile, err)
	}

	listenAddr := file.Server.ListenAddr
	if v := ctx.String(flags.ListenAddr.Name); v != "" {
		listenAddr = v
	}
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}

	runDir := file.RunDir
	if v := ctx.String(flags.RunDir.Name); v != "" {
		runDir = v
	}
	if runDir == "" {
		runDir = defaultRunDir
	}
	absRunDir, err := filepath.Abs(runDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for run directory '%s': %w", runDir, err)
	}

	pollInterval := time.Duration(file.PollInterval)
	if v := ctx.Duration(flags.PollInterval.Name); v != 0 {
		pollInterval = v
	}
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}

	terminationGrace := time.Duration(file.TerminationGrace)
	if v := ctx.Duration(flags.TerminationGrace.Name); v != 0 {
		terminationGrace = v
	}
	if terminationGrace == 0 {
		terminationGrace = defaultTerminationGrace
	}

	profiles, err := resolveProfiles(file.Profiles)
	if err != nil {
		return nil, err
	}

	return &Config{
		ListenAddr:       listenAddr,
		HealthzAddr:      file.Server.HealthzAddr,
		MetricsAddr:      file.Server.MetricsAddr,
		CatalogFile:      absCatalog,
		RequirePlanFiles: file.RequirePlanFiles,
		RunDir:           absRunDir,
		PollInterval:     pollInterval,
		TerminationGrace: terminationGrace,
		Profiles:         profiles,
		Log:              logger,
	}, nil
}

// resolveProfiles validates the per-profile engine installations. Every
// profile needs its own binary and home directory so load and update runs
// never share engine state.
func resolveProfiles(raw map[string]EngineConfig) (map[types.Profile]supervisor.EngineInstall, error) {
	profiles := make(map[types.Profile]supervisor.EngineInstall, len(raw))
	for name, ec := range raw {
		profile, err := types.ParseProfile(name)
		if err != nil {
			return nil, fmt.Errorf("config profile '%s': %w", name, err)
		}
		if ec.Bin == "" {
			return nil, fmt.Errorf("config profile '%s': engine binary is required", name)
		}
		if ec.Home == "" {
			return nil, fmt.Errorf("config profile '%s': engine home is required", name)
		}
		absBin, err := filepath.Abs(ec.Bin)
		if err != nil {
			return nil, fmt.Errorf("config profile '%s': %w", name, err)
		}
		absHome, err := filepath.Abs(ec.Home)
		if err != nil {
			return nil, fmt.Errorf("config profile '%s': %w", name, err)
		}
		profiles[profile] = supervisor.EngineInstall{Bin: absBin, Home: absHome}
	}
	for _, p := range types.Profiles {
		if _, ok := profiles[p]; !ok {
			return nil, fmt.Errorf("config is missing an engine installation for profile '%s'", p)
		}
	}
	return profiles, nil
}

// LogLevelFromString parses a level name into a slog level for the eth
// log handlers.
func LogLevelFromString(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return log.LevelInfo, fmt.Errorf("invalid log level '%s'", level)
	}
}
