package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "JMRUNNER"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	ConfigFile = &cli.StringFlag{
		Name:     "config",
		Value:    "",
		Required: true,
		EnvVars:  prefixEnvVars("CONFIG"),
		Usage:    "Path to the service config file (eg. 'jmrunner.toml')",
	}
	CatalogFile = &cli.StringFlag{
		Name:    "catalog",
		Value:   "",
		EnvVars: prefixEnvVars("CATALOG"),
		Usage:   "Path to the plan catalog file, overrides the config file setting",
	}
	ListenAddr = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "",
		EnvVars: prefixEnvVars("LISTEN_ADDR"),
		Usage:   "Address for the orchestration API to listen on, overrides the config file setting",
	}
	RunDir = &cli.StringFlag{
		Name:    "run-dir",
		Value:   "",
		EnvVars: prefixEnvVars("RUN_DIR"),
		Usage:   "Root directory for per-run working directories, overrides the config file setting",
	}
	PollInterval = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   0,
		EnvVars: prefixEnvVars("POLL_INTERVAL"),
		Usage:   "Interval between engine process liveness polls (e.g. '2s')",
	}
	TerminationGrace = &cli.DurationFlag{
		Name:    "termination-grace",
		Value:   0,
		EnvVars: prefixEnvVars("TERMINATION_GRACE"),
		Usage:   "Grace period between SIGTERM and SIGKILL when cancelling a run (e.g. '10s')",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "Log level (trace, debug, info, warn, error)",
	}
	LogFormat = &cli.StringFlag{
		Name:    "log-format",
		Value:   "terminal",
		EnvVars: prefixEnvVars("LOG_FORMAT"),
		Usage:   "Log format (terminal, logfmt, json)",
	}
)

var requiredFlags = []cli.Flag{
	ConfigFile,
}

var optionalFlags = []cli.Flag{
	CatalogFile,
	ListenAddr,
	RunDir,
	PollInterval,
	TerminationGrace,
	LogLevel,
	LogFormat,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
