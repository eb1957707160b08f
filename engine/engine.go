// Package engine coordinates run submissions: it resolves plans, enforces
// per-profile exclusivity, drives the process supervisor and keeps the run
// registry up to date. One supervision goroutine runs per active run.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/perfinfra/jmrunner/catalog"
	"github.com/perfinfra/jmrunner/metrics"
	"github.com/perfinfra/jmrunner/registry"
	"github.com/perfinfra/jmrunner/supervisor"
	"github.com/perfinfra/jmrunner/types"
)

const (
	DefaultPollInterval     = 2 * time.Second
	DefaultTerminationGrace = 10 * time.Second
)

// ErrShuttingDown is returned by Submit after the engine has been closed.
var ErrShuttingDown = errors.New("engine is shutting down")

// InvalidParametersError reports a malformed submission parameter set.
type InvalidParametersError struct {
	Reason string
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("invalid parameters: %s", e.Reason)
}

// ProcessRunner abstracts the process supervisor so tests can substitute a
// fake that deterministically emits exit codes and output.
type ProcessRunner interface {
	Start(desc types.PlanDescriptor, parameters map[string]string, runDir string) (supervisor.Handle, error)
}

// Config contains engine configuration.
type Config struct {
	Log              log.Logger
	Catalog          *catalog.Catalog
	Registry         *registry.Registry
	Runner           ProcessRunner
	RunRoot          string        // base directory for per-run directories
	PollInterval     time.Duration // supervision poll interval
	TerminationGrace time.Duration // graceful-shutdown window on cancel
}

// Engine is the run orchestration engine.
type Engine struct {
	log      log.Logger
	catalog  *catalog.Catalog
	registry *registry.Registry
	runner   ProcessRunner

	runRoot      string
	pollInterval time.Duration
	grace        time.Duration

	mu      sync.Mutex
	handles map[string]supervisor.Handle

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates an engine from the given collaborators.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("process runner is required")
	}
	if cfg.RunRoot == "" {
		return nil, errors.New("run root directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = DefaultTerminationGrace
	}
	return &Engine{
		log:          cfg.Log,
		catalog:      cfg.Catalog,
		registry:     cfg.Registry,
		runner:       cfg.Runner,
		runRoot:      cfg.RunRoot,
		pollInterval: cfg.PollInterval,
		grace:        cfg.TerminationGrace,
		handles:      make(map[string]supervisor.Handle),
		done:         make(chan struct{}),
	}, nil
}

var paramKeyRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validateParameters(params map[string]string) error {
	for k, v := range params {
		if k == "" {
			return &InvalidParametersError{Reason: "parameter key must not be empty"}
		}
		if !paramKeyRe.MatchString(k) {
			return &InvalidParametersError{Reason: fmt.Sprintf("parameter key %q contains invalid characters", k)}
		}
		if strings.ContainsAny(v, "\n\r") {
			return &InvalidParametersError{Reason: fmt.Sprintf("parameter %q value contains line breaks", k)}
		}
	}
	return nil
}

// Submit resolves the plan, enforces the per-profile exclusivity invariant
// and hands the run off to the process supervisor. On spawn success the run
// is RUNNING when Submit returns; on spawn failure the run is FAILED and the
// spawn error is returned. Exactly one of any set of concurrent submissions
// for the same profile succeeds.
func (e *Engine) Submit(planID string, overrides map[string]string) (types.RunSnapshot, error) {
	if e.closed.Load() {
		return types.RunSnapshot{}, ErrShuttingDown
	}

	desc, err := e.catalog.Resolve(planID)
	if err != nil {
		return types.RunSnapshot{}, err
	}
	if err := validateParameters(overrides); err != nil {
		return types.RunSnapshot{}, err
	}
	parameters := desc.MergedParameters(overrides)

	snap, err := e.registry.Create(desc, parameters)
	if err != nil {
		return types.RunSnapshot{}, err
	}
	metrics.RecordActiveRuns(desc.Profile, 1)
	e.log.Info("Run submitted", "run_id", snap.RunID, "plan", planID, "profile", desc.Profile)

	runDir := filepath.Join(e.runRoot, snap.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		spawnErr := &supervisor.SpawnError{PlanID: planID, Err: fmt.Errorf("creating run directory: %w", err)}
		return e.failSpawn(snap, spawnErr)
	}

	handle, err := e.runner.Start(desc, parameters, runDir)
	if err != nil {
		var spawnErr *supervisor.SpawnError
		if !errors.As(err, &spawnErr) {
			spawnErr = &supervisor.SpawnError{PlanID: planID, Err: err}
		}
		return e.failSpawn(snap, spawnErr)
	}

	// The handle must be registered before the record can show RUNNING, so
	// any Cancel that sees a RUNNING record also finds a handle to kill.
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		return e.reapAfterClose(snap, handle)
	}
	e.handles[snap.RunID] = handle
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.registry.MarkRunning(snap.RunID, handle.OutputPath()); err != nil {
		if errors.Is(err, registry.ErrAlreadyFinished) {
			// A cancel landed between record creation and spawn; reap the
			// fresh process without holding up the submitter.
			go func() {
				defer e.wg.Done()
				if terr := handle.Terminate(e.grace); terr != nil {
					e.log.Error("Failed to reap cancelled run", "run_id", snap.RunID, "err", terr)
				}
				e.dropHandle(snap.RunID)
				metrics.RecordActiveRuns(snap.Profile, 0)
			}()
			return e.registry.Get(snap.RunID)
		}
		e.log.Error("Failed to mark run running", "run_id", snap.RunID, "err", err)
	}

	go e.supervise(snap.RunID, desc.Profile, handle)

	return e.registry.Get(snap.RunID)
}

// reapAfterClose settles a run whose process spawned concurrently with Close.
// The shutdown snapshot missed the handle, so the submitter kills it here.
func (e *Engine) reapAfterClose(snap types.RunSnapshot, handle supervisor.Handle) (types.RunSnapshot, error) {
	e.log.Warn("Shutdown raced a submission; reaping fresh process", "run_id", snap.RunID)
	if terr := handle.Terminate(e.grace); terr != nil {
		e.log.Error("Failed to reap run during shutdown", "run_id", snap.RunID, "err", terr)
	}
	if _, err := e.registry.Finish(snap.RunID, types.RunStateCancelled, nil, "cancelled during shutdown"); err != nil && !errors.Is(err, registry.ErrAlreadyFinished) {
		e.log.Error("Failed to settle run during shutdown", "run_id", snap.RunID, "err", err)
	}
	metrics.RecordActiveRuns(snap.Profile, 0)
	return types.RunSnapshot{}, ErrShuttingDown
}

// failSpawn records a spawn failure on the run and surfaces it to the caller.
func (e *Engine) failSpawn(snap types.RunSnapshot, spawnErr *supervisor.SpawnError) (types.RunSnapshot, error) {
	e.log.Error("Engine spawn failed", "run_id", snap.RunID, "plan", snap.PlanID, "err", spawnErr)
	metrics.RecordSpawnError(snap.Profile)
	metrics.RecordActiveRuns(snap.Profile, 0)

	final, err := e.registry.Finish(snap.RunID, types.RunStateFailed, nil, spawnErr.Error())
	if err != nil {
		e.log.Error("Failed to record spawn failure", "run_id", snap.RunID, "err", err)
		final = snap
	}
	return final, spawnErr
}

// supervise polls the run's process until it exits or the engine shuts down.
func (e *Engine) supervise(runID string, profile types.Profile, handle supervisor.Handle) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			st := handle.Poll()
			if st.Running {
				continue
			}
			e.finishRun(runID, profile, handle, st.ExitCode)
			return
		}
	}
}

// lastOutputLine extracts the final non-empty line of the captured output for
// failure context.
func lastOutputLine(tail []byte) string {
	lines := bytes.Split(bytes.TrimSpace(tail), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(string(lines[i])); line != "" {
			return line
		}
	}
	return ""
}

// finishRun moves a run to its terminal state once its process has exited.
// A cancel request takes precedence over the exit code for labeling: a
// process that exits zero after cancel is still CANCELLED.
func (e *Engine) finishRun(runID string, profile types.Profile, handle supervisor.Handle, exitCode int) {
	snap, err := e.registry.Get(runID)
	if err != nil {
		e.log.Error("Finished run has no record", "run_id", runID, "err", err)
		return
	}

	state := types.RunStateCompleted
	errMsg := ""
	switch {
	case snap.CancelRequested:
		state = types.RunStateCancelled
	case exitCode != 0:
		state = types.RunStateFailed
		errMsg = fmt.Sprintf("engine exited with code %d", exitCode)
		if line := lastOutputLine(handle.Tail()); line != "" {
			errMsg = fmt.Sprintf("%s: %s", errMsg, line)
		}
	}

	code := exitCode
	final, err := e.registry.Finish(runID, state, &code, errMsg)
	if err != nil {
		// Lost the race against another finisher; the record is settled.
		if !errors.Is(err, registry.ErrAlreadyFinished) {
			e.log.Error("Failed to finish run", "run_id", runID, "err", err)
		}
		e.dropHandle(runID)
		return
	}

	e.dropHandle(runID)
	metrics.RecordRunFinished(profile, state, final.EndedAt.Sub(final.StartedAt))
	metrics.RecordActiveRuns(profile, 0)
	e.log.Info("Run finished",
		"run_id", runID, "profile", profile, "state", state, "exit_code", exitCode)
}

func (e *Engine) dropHandle(runID string) {
	e.mu.Lock()
	delete(e.handles, runID)
	e.mu.Unlock()
}

func (e *Engine) handle(runID string) supervisor.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[runID]
}

// Cancel requests cancellation of a non-terminal run. It blocks up to the
// termination grace period plus a bounded kill-confirmation window. If the
// process cannot be confirmed dead the run is marked STUCK and the
// TerminationError is returned; otherwise the run ends CANCELLED.
func (e *Engine) Cancel(runID string) error {
	snap, err := e.registry.RequestCancel(runID)
	if err != nil {
		return err
	}
	e.log.Info("Cancel requested", "run_id", runID, "profile", snap.Profile)

	handle := e.handle(runID)
	if handle == nil {
		// Handles are registered before records go RUNNING, so a nil handle
		// means the run is still PENDING. Settle the record directly; if a
		// process is mid-spawn the submitter will see the finished record
		// and reap it.
		_, err := e.registry.Finish(runID, types.RunStateCancelled, nil, "cancelled before process start")
		if err != nil && !errors.Is(err, registry.ErrAlreadyFinished) {
			return err
		}
		return nil
	}

	if err := handle.Terminate(e.grace); err != nil {
		var termErr *supervisor.TerminationError
		if errors.As(err, &termErr) {
			metrics.RecordTermination("stuck")
			if serr := e.registry.MarkStuck(runID); serr != nil && !errors.Is(serr, registry.ErrAlreadyFinished) {
				e.log.Error("Failed to mark run stuck", "run_id", runID, "err", serr)
			}
			e.log.Error("Run stuck: process outlived forced kill", "run_id", runID, "pid", termErr.PID)
			return err
		}
		return err
	}

	metrics.RecordTermination("confirmed")
	st := handle.Poll()
	e.finishRun(runID, snap.Profile, handle, st.ExitCode)
	return nil
}

// Status returns a snapshot of the run. It never blocks on supervision.
func (e *Engine) Status(runID string) (types.RunSnapshot, error) {
	return e.registry.Get(runID)
}

// Runs returns snapshots of all runs, newest first.
func (e *Engine) Runs() []types.RunSnapshot {
	return e.registry.List()
}

// ActiveRun returns the non-terminal run for a profile, if any.
func (e *Engine) ActiveRun(profile types.Profile) (types.RunSnapshot, bool) {
	return e.registry.Active(profile)
}

// Plans returns the plan catalog.
func (e *Engine) Plans() []types.PlanDescriptor {
	return e.catalog.Plans()
}

// Close stops accepting submissions, terminates any live runs and waits for
// supervision goroutines to drain or the context to expire.
func (e *Engine) Close(ctx context.Context) error {
	// The flag flips under the same lock that guards handle registration, so
	// a racing Submit either lands its handle in this snapshot or observes
	// closed and reaps its own process.
	e.mu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return nil
	}
	live := make(map[string]supervisor.Handle, len(e.handles))
	for id, h := range e.handles {
		live[id] = h
	}
	e.mu.Unlock()
	e.log.Info("Engine shutting down")

	for runID, handle := range live {
		snap, err := e.registry.RequestCancel(runID)
		if err != nil {
			continue
		}
		if err := handle.Terminate(e.grace); err != nil {
			e.log.Error("Failed to terminate run during shutdown", "run_id", runID, "err", err)
			_ = e.registry.MarkStuck(runID)
			continue
		}
		st := handle.Poll()
		e.finishRun(runID, snap.Profile, handle, st.ExitCode)
	}

	close(e.done)

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		e.log.Warn("Timed out waiting for supervision goroutines", "err", ctx.Err())
		return ctx.Err()
	}
}
