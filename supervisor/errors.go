package supervisor

import "fmt"

// SpawnError indicates the engine process could not be started at all. The
// run never leaves the caller's hands: no process exists and the record goes
// straight to FAILED.
type SpawnError struct {
	PlanID string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn engine for plan %s: %v", e.PlanID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TerminationError indicates a cancel could not confirm process death within
// the grace period plus the forced-kill confirmation window.
type TerminationError struct {
	PID   int
	Grace string
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("process %d still alive after graceful signal and forced kill (grace %s)", e.PID, e.Grace)
}
