// Package registry tracks active and historical run records. It is the only
// shared mutable structure in the service; all mutation goes through the
// orchestration engine. The active-run index is guarded per profile so LOAD
// and UPDATE submissions never contend on the same lock.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/perfinfra/jmrunner/types"
)

var (
	// ErrRunNotFound is returned for lookups of unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrProfileBusy is returned by Create when another run of the same
	// profile is still non-terminal.
	ErrProfileBusy = errors.New("profile already has an active run")
	// ErrAlreadyFinished is returned by transitions on a terminal record.
	ErrAlreadyFinished = errors.New("run already finished")
)

// runRecord is the mutable backing store for one run. Fields are guarded by
// the registry locks; callers only ever see RunSnapshot copies.
type runRecord struct {
	id              string
	planID          string
	profile         types.Profile
	state           types.RunState
	parameters      map[string]string
	startedAt       time.Time
	endedAt         *time.Time
	exitCode        *int
	outputPath      string
	cancelRequested bool
	errMsg          string
}

func (r *runRecord) snapshot() types.RunSnapshot {
	params := make(map[string]string, len(r.parameters))
	for k, v := range r.parameters {
		params[k] = v
	}
	return types.RunSnapshot{
		RunID:           r.id,
		PlanID:          r.planID,
		Profile:         r.profile,
		State:           r.state,
		Parameters:      params,
		StartedAt:       r.startedAt,
		EndedAt:         r.endedAt,
		ExitCode:        r.exitCode,
		OutputPath:      r.outputPath,
		CancelRequested: r.cancelRequested,
		Error:           r.errMsg,
	}
}

// profileSlot holds the active (non-terminal) run for one profile.
type profileSlot struct {
	mu     sync.Mutex
	active *runRecord
}

// Registry is the run record store. Records are created on submission and
// never deleted; retention is an external concern.
type Registry struct {
	log log.Logger

	mu      sync.RWMutex // guards records
	records map[string]*runRecord

	slots map[types.Profile]*profileSlot
}

// NewRegistry creates an empty run registry.
func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.New()
	}
	slots := make(map[types.Profile]*profileSlot, len(types.Profiles))
	for _, p := range types.Profiles {
		slots[p] = &profileSlot{}
	}
	return &Registry{
		log:     logger,
		records: make(map[string]*runRecord),
		slots:   slots,
	}
}

// newRunID generates run ids of the form 20260831-142301-9f3c21ab, sortable
// by submission time with a random suffix for uniqueness.
func newRunID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// Create registers a new PENDING run for the given plan. The busy check and
// record creation are atomic with respect to other Create calls for the same
// profile; exactly one of any set of racing submissions succeeds.
func (r *Registry) Create(desc types.PlanDescriptor, parameters map[string]string) (types.RunSnapshot, error) {
	slot, ok := r.slots[desc.Profile]
	if !ok {
		return types.RunSnapshot{}, fmt.Errorf("unknown profile %q", desc.Profile)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.active != nil {
		return types.RunSnapshot{}, fmt.Errorf("profile %s busy with run %s: %w",
			desc.Profile, slot.active.id, ErrProfileBusy)
	}

	now := time.Now()
	rec := &runRecord{
		id:         newRunID(now),
		planID:     desc.ID,
		profile:    desc.Profile,
		state:      types.RunStatePending,
		parameters: parameters,
		startedAt:  now,
	}

	r.mu.Lock()
	r.records[rec.id] = rec
	r.mu.Unlock()

	slot.active = rec

	r.log.Debug("Run record created", "run_id", rec.id, "plan", rec.planID, "profile", rec.profile)
	return rec.snapshot(), nil
}

func (r *Registry) get(runID string) (*runRecord, *profileSlot, error) {
	r.mu.RLock()
	rec, ok := r.records[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}
	return rec, r.slots[rec.profile], nil
}

// Get returns a snapshot of the run, or ErrRunNotFound.
func (r *Registry) Get(runID string) (types.RunSnapshot, error) {
	rec, slot, err := r.get(runID)
	if err != nil {
		return types.RunSnapshot{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return rec.snapshot(), nil
}

// List returns snapshots of all runs, newest first.
func (r *Registry) List() []types.RunSnapshot {
	r.mu.RLock()
	recs := make([]*runRecord, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]types.RunSnapshot, 0, len(recs))
	for _, rec := range recs {
		slot := r.slots[rec.profile]
		slot.mu.Lock()
		out = append(out, rec.snapshot())
		slot.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Active returns the non-terminal run for the given profile, if any.
func (r *Registry) Active(profile types.Profile) (types.RunSnapshot, bool) {
	slot, ok := r.slots[profile]
	if !ok {
		return types.RunSnapshot{}, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.active == nil {
		return types.RunSnapshot{}, false
	}
	return slot.active.snapshot(), true
}

// MarkRunning transitions a PENDING run to RUNNING and records where its
// output is captured.
func (r *Registry) MarkRunning(runID, outputPath string) error {
	rec, slot, err := r.get(runID)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if rec.state.Terminal() {
		return fmt.Errorf("run %s: %w", runID, ErrAlreadyFinished)
	}
	rec.state = types.RunStateRunning
	rec.outputPath = outputPath
	return nil
}

// MarkStuck flags a run whose process could not be confirmed dead. The run
// stays non-terminal and keeps its active slot so the profile cannot start a
// new run on top of a possibly-alive process.
func (r *Registry) MarkStuck(runID string) error {
	rec, slot, err := r.get(runID)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if rec.state.Terminal() {
		return fmt.Errorf("run %s: %w", runID, ErrAlreadyFinished)
	}
	rec.state = types.RunStateStuck
	return nil
}

// RequestCancel marks the run as cancel-requested. Returns the resulting
// snapshot so the caller can see whether the run is still live.
func (r *Registry) RequestCancel(runID string) (types.RunSnapshot, error) {
	rec, slot, err := r.get(runID)
	if err != nil {
		return types.RunSnapshot{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if rec.state.Terminal() {
		return rec.snapshot(), fmt.Errorf("run %s: %w", runID, ErrAlreadyFinished)
	}
	rec.cancelRequested = true
	return rec.snapshot(), nil
}

// Finish moves a run to a terminal state, setting endedAt and exitCode
// together exactly once, and frees the profile's active slot. A second Finish
// for the same run returns ErrAlreadyFinished and changes nothing.
// Cancellation intent takes precedence over the exit code: if a cancel was
// requested before the record settles, COMPLETED and FAILED are recorded as
// CANCELLED. The re-check happens under the profile lock so a cancel racing
// the supervision loop cannot be lost.
func (r *Registry) Finish(runID string, state types.RunState, exitCode *int, errMsg string) (types.RunSnapshot, error) {
	if !state.Terminal() {
		return types.RunSnapshot{}, fmt.Errorf("state %s is not terminal", state)
	}
	rec, slot, err := r.get(runID)
	if err != nil {
		return types.RunSnapshot{}, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if rec.state.Terminal() {
		return rec.snapshot(), fmt.Errorf("run %s: %w", runID, ErrAlreadyFinished)
	}

	if rec.cancelRequested && state != types.RunStateCancelled {
		state = types.RunStateCancelled
		errMsg = ""
	}

	now := time.Now()
	rec.state = state
	rec.endedAt = &now
	rec.exitCode = exitCode
	rec.errMsg = errMsg

	if slot.active == rec {
		slot.active = nil
	}

	r.log.Debug("Run finished", "run_id", runID, "state", state, "exit_code", exitCode)
	return rec.snapshot(), nil
}
