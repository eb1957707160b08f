package types

import "time"

// RunState represents the lifecycle state of a run.
type RunState string

const (
	RunStatePending   RunState = "PENDING"
	RunStateRunning   RunState = "RUNNING"
	RunStateStuck     RunState = "STUCK"
	RunStateCompleted RunState = "COMPLETED"
	RunStateFailed    RunState = "FAILED"
	RunStateCancelled RunState = "CANCELLED"
)

// Terminal reports whether s is a final state. STUCK is deliberately
// non-terminal: it marks a run whose process could not be confirmed dead and
// needs operator intervention, which must stay distinguishable from RUNNING.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

func (s RunState) String() string {
	return string(s)
}

// RunSnapshot is a point-in-time, read-only view of a run record. Snapshots
// are plain values; callers can hold them without synchronization.
type RunSnapshot struct {
	RunID           string            `json:"runId"`
	PlanID          string            `json:"planId"`
	Profile         Profile           `json:"profile"`
	State           RunState          `json:"state"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	StartedAt       time.Time         `json:"startedAt"`
	EndedAt         *time.Time        `json:"endedAt,omitempty"`
	ExitCode        *int              `json:"exitCode,omitempty"`
	OutputPath      string            `json:"outputPath,omitempty"`
	CancelRequested bool              `json:"cancelRequested"`
	Error           string            `json:"error,omitempty"`
}
