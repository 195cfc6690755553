package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-sys/spokectl/internal/phase"
	"github.com/meridian-sys/spokectl/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, nil)
}

// TestSetStateRoundTrip verifies GetState returns what SetState wrote.
func TestSetStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "fra", phase.Preflight.String(), "starting", nil))

	got, err := s.GetState(ctx, "fra")
	require.NoError(t, err)
	assert.Equal(t, phase.Preflight.String(), got)
}

// TestSetStateAppendsOneTransition verifies each SetState call appends
// exactly one transition.
func TestSetStateAppendsOneTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "fra", phase.Preflight.String(), "", nil))
	require.NoError(t, s.SetState(ctx, "fra", phase.Initialization.String(), "", nil))
	require.NoError(t, s.SetState(ctx, "fra", phase.MongoDBInit.String(), "", nil))

	transitions, err := s.Transitions(ctx, "fra")
	require.NoError(t, err)
	require.Len(t, transitions, 3)

	assert.Equal(t, StateUnknown, transitions[0].FromState)
	assert.Equal(t, phase.Preflight.String(), transitions[0].ToState)
	assert.Equal(t, phase.Preflight.String(), transitions[1].FromState)
	assert.Equal(t, phase.Initialization.String(), transitions[1].ToState)
	assert.Equal(t, phase.MongoDBInit.String(), transitions[2].ToState)
}

// TestGetStateUnknownInstance verifies never-deployed instances return
// the UNKNOWN sentinel, not an error.
func TestGetStateUnknownInstance(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetState(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, got)
}

// TestSetStateRejectsInvalidName verifies names outside the phase set
// and terminal values are rejected.
func TestSetStateRejectsInvalidName(t *testing.T) {
	s := newTestStore(t)

	err := s.SetState(context.Background(), "fra", "HALFWAY_DONE", "", nil)
	require.ErrorIs(t, err, ErrInvalidState)

	transitions, err := s.Transitions(context.Background(), "fra")
	require.NoError(t, err)
	assert.Empty(t, transitions)
}

// TestRollbackState verifies rollback moves to the previous
// transition's from-state and appends, never edits, the log.
func TestRollbackState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "fra", phase.Preflight.String(), "", nil))
	require.NoError(t, s.SetState(ctx, "fra", phase.Initialization.String(), "", nil))

	require.NoError(t, s.RollbackState(ctx, "fra", "schema conflict"))

	got, err := s.GetState(ctx, "fra")
	require.NoError(t, err)
	assert.Equal(t, phase.Preflight.String(), got)

	transitions, err := s.Transitions(ctx, "fra")
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	last := transitions[2]
	assert.Equal(t, phase.Initialization.String(), last.FromState)
	assert.Equal(t, phase.Preflight.String(), last.ToState)
	assert.Equal(t, "schema conflict", last.Reason)
}

// TestRollbackStateNoHistory verifies rollback without transitions
// fails with ErrNoTransitions.
func TestRollbackStateNoHistory(t *testing.T) {
	s := newTestStore(t)

	err := s.RollbackState(context.Background(), "fresh", "nope")
	require.ErrorIs(t, err, ErrNoTransitions)
}

// TestInstancesAreIsolated verifies state for one instance never leaks
// into another.
func TestInstancesAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, "fra", phase.Services.String(), "", nil))
	require.NoError(t, s.SetState(ctx, "deu", phase.Preflight.String(), "", nil))

	fra, err := s.GetState(ctx, "fra")
	require.NoError(t, err)
	deu, err := s.GetState(ctx, "deu")
	require.NoError(t, err)

	assert.Equal(t, phase.Services.String(), fra)
	assert.Equal(t, phase.Preflight.String(), deu)

	transitions, err := s.Transitions(ctx, "deu")
	require.NoError(t, err)
	assert.Len(t, transitions, 1)
}

// TestStepLifecycle verifies one attempt stays one row as it moves
// from PENDING through IN_PROGRESS to a terminal status.
func TestStepLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.StartStep(ctx, "fra", phase.MongoDBInit)
	require.NoError(t, err)

	steps, err := s.Steps(ctx, "fra")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, StepPending, steps[0].Status)
	assert.False(t, steps[0].StartedAt.IsZero())
	assert.True(t, steps[0].FinishedAt.IsZero())

	require.NoError(t, s.UpdateStep(ctx, "fra", seq, func(st *Step) {
		st.Status = StepInProgress
	}))
	require.NoError(t, s.UpdateStep(ctx, "fra", seq, func(st *Step) {
		st.Status = StepFailed
		st.FinishedAt = time.Now().UTC()
		st.Error = "connection refused"
	}))

	steps, err = s.Steps(ctx, "fra")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, StepFailed, steps[0].Status)
	assert.Equal(t, "connection refused", steps[0].Error)
	assert.False(t, steps[0].FinishedAt.IsZero())
}

// TestStepRowPerAttempt verifies retries accumulate one row per attempt
// in order.
func TestStepRowPerAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, terminal := range []StepStatus{StepFailed, StepFailed, StepCompleted} {
		seq, err := s.StartStep(ctx, "fra", phase.MongoDBInit)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStep(ctx, "fra", seq, func(st *Step) {
			st.Status = terminal
			st.FinishedAt = time.Now().UTC()
		}))
	}

	steps, err := s.Steps(ctx, "fra")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, StepFailed, steps[0].Status)
	assert.Equal(t, StepCompleted, steps[2].Status)
}

// TestUpdateStepUnknownSeq verifies updates against a never-started
// attempt are rejected.
func TestUpdateStepUnknownSeq(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateStep(context.Background(), "fra", 99, func(st *Step) {
		st.Status = StepCompleted
	})
	require.Error(t, err)
}
