package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/perfinfra/jmrunner"
	"github.com/perfinfra/jmrunner/exitcodes"
	"github.com/perfinfra/jmrunner/flags"
)

var (
	Version   = "v0.3.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "jmrunner"
	app.Usage = "JMeter Run Orchestration Service"
	app.Description = "jmrunner schedules, supervises and tracks JMeter load test runs"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			if jmrunner.IsConfigError(err) {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.ConfigErr))
			} else {
				cli.HandleExitCoder(cli.Exit(err.Error(), exitcodes.ServeFailure))
			}
		}
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func run(ctx *cli.Context) error {
	logger, err := newLogger(ctx)
	if err != nil {
		return jmrunner.NewConfigError(err)
	}
	log.SetDefault(logger)

	cfg, err := jmrunner.NewConfig(ctx, logger)
	if err != nil {
		return jmrunner.NewConfigError(fmt.Errorf("failed to create config: %w", err))
	}

	appCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()

	serveErrCh := make(chan error, 1)
	shutdownCallback := func(err error) {
		select {
		case serveErrCh <- err:
		default:
		}
		cancel()
	}

	runner, err := jmrunner.New(appCtx, cfg, Version, shutdownCallback)
	if err != nil {
		return err
	}

	if err := runner.Start(appCtx); err != nil {
		return jmrunner.NewServeError(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", "signal", sig)
	case <-appCtx.Done():
	}

	if err := runner.Stop(context.Background()); err != nil {
		return jmrunner.NewServeError(err)
	}

	select {
	case err := <-serveErrCh:
		return err
	default:
		return nil
	}
}

func newLogger(ctx *cli.Context) (log.Logger, error) {
	lvl, err := jmrunner.LogLevelFromString(ctx.String(flags.LogLevel.Name))
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch ctx.String(flags.LogFormat.Name) {
	case "", "terminal":
		handler = log.NewTerminalHandlerWithLevel(os.Stdout, lvl, true)
	case "logfmt":
		handler = log.LogfmtHandlerWithLevel(os.Stdout, lvl)
	case "json":
		handler = log.JSONHandlerWithLevel(os.Stdout, lvl)
	default:
		return nil, fmt.Errorf("invalid log format '%s'", ctx.String(flags.LogFormat.Name))
	}
	return log.NewLogger(handler), nil
}
