package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfinfra/jmrunner/types"
)

var (
	loadPlan = types.PlanDescriptor{
		ID:       "KAFKA_OrderLoad_10K",
		Profile:  types.ProfileLoad,
		PlanFile: "plans/kafka_order_load_10k.jmx",
	}
	updatePlan = types.PlanDescriptor{
		ID:       "KAFKA_OrderUpdate_1K",
		Profile:  types.ProfileUpdate,
		PlanFile: "plans/kafka_order_update_1k.jmx",
	}
)

func intPtr(i int) *int { return &i }

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(nil)

	snap, err := r.Create(loadPlan, map[string]string{"threads": "200"})
	require.NoError(t, err)
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, types.RunStatePending, snap.State)
	assert.Equal(t, types.ProfileLoad, snap.Profile)
	assert.Equal(t, "200", snap.Parameters["threads"])
	assert.Nil(t, snap.EndedAt)
	assert.Nil(t, snap.ExitCode)

	got, err := r.Get(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, snap.RunID, got.RunID)

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestProfileExclusivity(t *testing.T) {
	r := NewRegistry(nil)

	first, err := r.Create(loadPlan, nil)
	require.NoError(t, err)

	// Same profile is blocked while the first run is non-terminal.
	_, err = r.Create(loadPlan, nil)
	assert.ErrorIs(t, err, ErrProfileBusy)

	// The other profile is unaffected.
	_, err = r.Create(updatePlan, nil)
	require.NoError(t, err)

	// Once the first run finishes, the profile frees up.
	_, err = r.Finish(first.RunID, types.RunStateCompleted, intPtr(0), "")
	require.NoError(t, err)

	_, err = r.Create(loadPlan, nil)
	assert.NoError(t, err)
}

func TestConcurrentCreateExactlyOneWins(t *testing.T) {
	r := NewRegistry(nil)

	const callers = 32
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Create(loadPlan, nil)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrProfileBusy)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestFinishExactlyOnce(t *testing.T) {
	r := NewRegistry(nil)

	snap, err := r.Create(loadPlan, nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkRunning(snap.RunID, "/tmp/out.log"))

	done, err := r.Finish(snap.RunID, types.RunStateCompleted, intPtr(0), "")
	require.NoError(t, err)
	require.NotNil(t, done.EndedAt)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	firstEnd := *done.EndedAt

	// Second Finish must not alter the record.
	time.Sleep(5 * time.Millisecond)
	again, err := r.Finish(snap.RunID, types.RunStateFailed, intPtr(1), "late")
	assert.ErrorIs(t, err, ErrAlreadyFinished)
	assert.Equal(t, types.RunStateCompleted, again.State)
	assert.Equal(t, firstEnd, *again.EndedAt)
	assert.Equal(t, 0, *again.ExitCode)
}

func TestFinishRequiresTerminalState(t *testing.T) {
	r := NewRegistry(nil)
	snap, err := r.Create(loadPlan, nil)
	require.NoError(t, err)

	_, err = r.Finish(snap.RunID, types.RunStateRunning, nil, "")
	assert.Error(t, err)
}

func TestConcurrentFinishSingleWinner(t *testing.T) {
	r := NewRegistry(nil)
	snap, err := r.Create(loadPlan, nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkRunning(snap.RunID, ""))

	states := []types.RunState{types.RunStateCompleted, types.RunStateFailed, types.RunStateCancelled}
	var wg sync.WaitGroup
	errs := make([]error, len(states))
	for i, st := range states {
		wg.Add(1)
		go func(i int, st types.RunState) {
			defer wg.Done()
			_, errs[i] = r.Finish(snap.RunID, st, intPtr(i), "")
		}(i, st)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRequestCancel(t *testing.T) {
	r := NewRegistry(nil)
	snap, err := r.Create(loadPlan, nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkRunning(snap.RunID, ""))

	got, err := r.RequestCancel(snap.RunID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	_, err = r.Finish(snap.RunID, types.RunStateCancelled, intPtr(0), "")
	require.NoError(t, err)

	_, err = r.RequestCancel(snap.RunID)
	assert.ErrorIs(t, err, ErrAlreadyFinished)

	_, err = r.RequestCancel("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelPrecedenceOverExitCode(t *testing.T) {
	r := NewRegistry(nil)
	snap, err := r.Create(loadPlan, nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkRunning(snap.RunID, ""))

	_, err = r.RequestCancel(snap.RunID)
	require.NoError(t, err)

	// The supervision loop observed a clean exit, but the cancel request
	// was already recorded: the run must settle as CANCELLED.
	final, err := r.Finish(snap.RunID, types.RunStateCompleted, intPtr(0), "")
	require.NoError(t, err)
	assert.Equal(t, types.RunStateCancelled, final.State)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
}

func TestMarkStuckKeepsProfileBusy(t *testing.T) {
	r := NewRegistry(nil)
	snap, err := r.Create(loadPlan, nil)
	require.NoError(t, err)
	require.NoError(t, r.MarkRunning(snap.RunID, ""))
	require.NoError(t, r.MarkStuck(snap.RunID))

	got, err := r.Get(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateStuck, got.State)
	assert.False(t, got.State.Terminal())

	// A stuck run still owns the profile; the process may be alive.
	_, err = r.Create(loadPlan, nil)
	assert.ErrorIs(t, err, ErrProfileBusy)

	// It can still be resolved later.
	_, err = r.Finish(snap.RunID, types.RunStateCancelled, nil, "killed by operator")
	require.NoError(t, err)
	_, err = r.Create(loadPlan, nil)
	assert.NoError(t, err)
}

func TestActive(t *testing.T) {
	r := NewRegistry(nil)

	_, ok := r.Active(types.ProfileLoad)
	assert.False(t, ok)

	snap, err := r.Create(loadPlan, nil)
	require.NoError(t, err)

	active, ok := r.Active(types.ProfileLoad)
	require.True(t, ok)
	assert.Equal(t, snap.RunID, active.RunID)

	_, ok = r.Active(types.ProfileUpdate)
	assert.False(t, ok)

	_, err = r.Finish(snap.RunID, types.RunStateFailed, intPtr(2), "boom")
	require.NoError(t, err)
	_, ok = r.Active(types.ProfileLoad)
	assert.False(t, ok)
}

func TestListNewestFirst(t *testing.T) {
	r := NewRegistry(nil)

	first, err := r.Create(loadPlan, nil)
	require.NoError(t, err)
	_, err = r.Finish(first.RunID, types.RunStateCompleted, intPtr(0), "")
	require.NoError(t, err)

	second, err := r.Create(loadPlan, nil)
	require.NoError(t, err)

	third, err := r.Create(updatePlan, nil)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, first.RunID, list[2].RunID)
	ids := []string{list[0].RunID, list[1].RunID}
	assert.Contains(t, ids, second.RunID)
	assert.Contains(t, ids, third.RunID)
}
