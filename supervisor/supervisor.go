// Package supervisor owns the lifecycle of the external test-execution
// engine processes: spawning, non-blocking liveness polling, output capture
// and bounded termination. It knows nothing about run records; the
// orchestration engine drives it and interprets the outcomes.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/perfinfra/jmrunner/types"
)

const (
	// OutputFileName is the combined stdout/stderr capture inside a run dir.
	OutputFileName = "output.log"
	// resultsFileName receives the engine's sample results (-l).
	resultsFileName = "results.jtl"
	// engineLogFileName receives the engine's own log (-j).
	engineLogFileName = "jmeter.log"

	// killConfirmWindow bounds how long Terminate waits for the process to
	// disappear after a forced kill before giving up with TerminationError.
	killConfirmWindow = 2 * time.Second
)

// Status is the result of a non-blocking liveness poll.
type Status struct {
	Running  bool
	ExitCode int // valid only when Running is false
}

// Handle is a live reference to a spawned engine process.
type Handle interface {
	// Poll reports whether the process is still running. It never blocks.
	Poll() Status
	// Terminate requests graceful shutdown of the process group and, after
	// the grace period, forcibly kills it. Returns nil once the process is
	// confirmed gone, or a TerminationError if it outlived the forced kill.
	Terminate(grace time.Duration) error
	// PID returns the OS process id of the top-level engine process.
	PID() int
	// OutputPath returns the path of the captured combined output.
	OutputPath() string
	// Tail returns the most recent captured output bytes.
	Tail() []byte
}

// EngineInstall points at one installation of the test-execution engine.
// The packaging ships two separate installations, one per profile, so each
// profile carries its own binary and home directory.
type EngineInstall struct {
	Bin  string
	Home string
}

// Config contains supervisor configuration.
type Config struct {
	Log      log.Logger
	Profiles map[types.Profile]EngineInstall
}

// Supervisor spawns and supervises engine processes.
type Supervisor struct {
	log      log.Logger
	profiles map[types.Profile]EngineInstall
}

// New validates the configured engine installations and returns a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("no engine installations configured")
	}
	for profile, install := range cfg.Profiles {
		if !profile.Valid() {
			return nil, fmt.Errorf("engine install for unknown profile %q", profile)
		}
		if install.Bin == "" {
			return nil, fmt.Errorf("profile %s: engine binary is required", profile)
		}
	}
	return &Supervisor{log: cfg.Log, profiles: cfg.Profiles}, nil
}

// Start spawns the engine process for the given plan and parameter set,
// capturing its combined output under runDir. Spawn failures are returned
// synchronously as *SpawnError; no process exists when an error is returned.
func (s *Supervisor) Start(desc types.PlanDescriptor, parameters map[string]string, runDir string) (Handle, error) {
	install, ok := s.profiles[desc.Profile]
	if !ok {
		return nil, &SpawnError{PlanID: desc.ID, Err: fmt.Errorf("no engine installation for profile %s", desc.Profile)}
	}

	if info, err := os.Stat(install.Bin); err != nil {
		return nil, &SpawnError{PlanID: desc.ID, Err: fmt.Errorf("engine binary %s: %w", install.Bin, err)}
	} else if info.IsDir() {
		return nil, &SpawnError{PlanID: desc.ID, Err: fmt.Errorf("engine binary %s is a directory", install.Bin)}
	}
	if install.Home != "" {
		if info, err := os.Stat(install.Home); err != nil {
			return nil, &SpawnError{PlanID: desc.ID, Err: fmt.Errorf("engine home %s: %w", install.Home, err)}
		} else if !info.IsDir() {
			return nil, &SpawnError{PlanID: desc.ID, Err: fmt.Errorf("engine home %s is not a directory", install.Home)}
		}
	}

	out, err := newOutputFile(filepath.Join(runDir, OutputFileName))
	if err != nil {
		return nil, &SpawnError{PlanID: desc.ID, Err: err}
	}

	args := buildArgs(desc, parameters, runDir)
	cmd := exec.Command(install.Bin, args...)
	cmd.Dir = install.Home
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), "JMETER_HOME="+install.Home)
	configureProcessGroup(cmd)

	s.log.Info("Spawning engine process",
		"plan", desc.ID, "profile", desc.Profile, "bin", install.Bin, "run_dir", runDir)
	s.log.Debug("Engine invocation", "args", args)

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, &SpawnError{PlanID: desc.ID, Err: err}
	}

	h := &processHandle{
		cmd:  cmd,
		out:  out,
		log:  s.log.New("plan", desc.ID, "pid", cmd.Process.Pid),
		done: make(chan struct{}),
	}
	go h.waitForExit()
	return h, nil
}

// buildArgs assembles the non-GUI engine invocation:
//
//	<bin> -n -t <planFile> -l <runDir>/results.jtl -j <runDir>/jmeter.log -Jkey=value ...
func buildArgs(desc types.PlanDescriptor, parameters map[string]string, runDir string) []string {
	args := []string{
		"-n",
		"-t", desc.PlanFile,
		"-l", filepath.Join(runDir, resultsFileName),
		"-j", filepath.Join(runDir, engineLogFileName),
	}
	keys := make([]string, 0, len(parameters))
	for k := range parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("-J%s=%s", k, parameters[k]))
	}
	return args
}

// processHandle implements Handle for a real OS process.
type processHandle struct {
	cmd  *exec.Cmd
	out  *outputFile
	log  log.Logger
	done chan struct{}

	exitCode int // written once by waitForExit before done closes
}

var _ Handle = (*processHandle)(nil)

func (h *processHandle) waitForExit() {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
			h.log.Error("Engine process wait failed", "err", err)
		}
	}

	// Flush the captured output before the exit status becomes observable,
	// so no reader sees a finished run with missing output bytes.
	if cerr := h.out.Close(); cerr != nil {
		h.log.Error("Failed to flush engine output", "err", cerr)
	}

	h.exitCode = code
	close(h.done)
	h.log.Debug("Engine process exited", "exit_code", code)
}

func (h *processHandle) Poll() Status {
	select {
	case <-h.done:
		return Status{Running: false, ExitCode: h.exitCode}
	default:
		return Status{Running: true}
	}
}

func (h *processHandle) Terminate(grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	pid := h.cmd.Process.Pid
	h.log.Info("Terminating engine process group", "grace", grace)
	if err := terminateGroup(pid); err != nil {
		// The group may have disappeared between the poll and the signal.
		h.log.Debug("Graceful signal failed", "err", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	h.log.Warn("Engine process outlived grace period, killing process group")
	if err := killGroup(pid); err != nil {
		h.log.Debug("Forced kill failed", "err", err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(killConfirmWindow):
		return &TerminationError{PID: pid, Grace: grace.String()}
	}
}

func (h *processHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *processHandle) OutputPath() string {
	return h.out.path
}

func (h *processHandle) Tail() []byte {
	return h.out.Tail()
}
