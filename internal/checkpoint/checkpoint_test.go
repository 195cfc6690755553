package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-sys/spokectl/internal/phase"
	"github.com/meridian-sys/spokectl/internal/state"
	"github.com/meridian-sys/spokectl/internal/storage"
)

func newTestStore(t *testing.T, snapshots *Snapshotter) (*Store, *state.Store) {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	states := state.NewStore(db, nil)
	return NewStore(db, states, snapshots, nil), states
}

// TestMarkCompleteIdempotent verifies re-marking a phase overwrites the
// checkpoint and never produces a duplicate listing.
func TestMarkCompleteIdempotent(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", time.Second, nil))
	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", 3*time.Second, nil))

	cps, err := s.ListCompleted(ctx, "fra")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, 3*time.Second, cps[0].Duration)
}

// TestMarkCompleteRejectsInvalidPhase verifies out-of-set names fail
// with InvalidPhase and create nothing.
func TestMarkCompleteRejectsInvalidPhase(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	err := s.MarkComplete(ctx, "fra", "WARMUP", time.Second, nil)
	require.ErrorIs(t, err, phase.ErrInvalidPhase)

	cps, err := s.ListCompleted(ctx, "fra")
	require.NoError(t, err)
	assert.Empty(t, cps)
}

// TestNextPhaseFollowsOrder walks the documented resume scenario:
// after PREFLIGHT through MONGODB_INIT, the next phase is SERVICES;
// after everything through KAS_INIT, it is COMPLETE.
func TestNextPhaseFollowsOrder(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	for _, p := range []phase.Phase{phase.Preflight, phase.Initialization, phase.MongoDBInit} {
		require.NoError(t, s.MarkComplete(ctx, "fra", p.String(), time.Second, nil))
	}

	next, err := s.NextPhase(ctx, "fra")
	require.NoError(t, err)
	assert.Equal(t, phase.Services, next)

	for _, p := range []phase.Phase{
		phase.Services, phase.OrchestrationDB, phase.KeycloakConfig,
		phase.RealmVerify, phase.KASRegister, phase.Seeding, phase.KASInit,
	} {
		require.NoError(t, s.MarkComplete(ctx, "fra", p.String(), time.Second, nil))
	}

	next, err = s.NextPhase(ctx, "fra")
	require.NoError(t, err)
	assert.Equal(t, phase.Complete, next)
}

// TestCompleteEndsResume verifies marking COMPLETE empties NextPhase
// and makes CanResume false.
func TestCompleteEndsResume(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", time.Second, nil))

	canResume, err := s.CanResume(ctx, "fra")
	require.NoError(t, err)
	assert.True(t, canResume)

	require.NoError(t, s.MarkComplete(ctx, "fra", "COMPLETE", time.Second, nil))

	next, err := s.NextPhase(ctx, "fra")
	require.NoError(t, err)
	assert.Equal(t, phase.Phase(""), next)

	canResume, err = s.CanResume(ctx, "fra")
	require.NoError(t, err)
	assert.False(t, canResume)
}

// TestCanResumeFreshInstance verifies an instance without checkpoints
// cannot resume.
func TestCanResumeFreshInstance(t *testing.T) {
	s, _ := newTestStore(t, nil)

	canResume, err := s.CanResume(context.Background(), "fresh")
	require.NoError(t, err)
	assert.False(t, canResume)
}

// TestClearRequiresConfirmation verifies the destructive operations
// demand the instance code as confirmation token.
func TestClearRequiresConfirmation(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", time.Second, nil))

	require.ErrorIs(t, s.ClearAll(ctx, "fra", ""), ErrConfirmationRequired)
	require.ErrorIs(t, s.ClearAll(ctx, "fra", "deu"), ErrConfirmationRequired)
	require.ErrorIs(t, s.ClearPhase(ctx, "fra", "PREFLIGHT", ""), ErrConfirmationRequired)

	cps, err := s.ListCompleted(ctx, "fra")
	require.NoError(t, err)
	require.Len(t, cps, 1)

	require.NoError(t, s.ClearAll(ctx, "fra", "fra"))
	cps, err = s.ListCompleted(ctx, "fra")
	require.NoError(t, err)
	assert.Empty(t, cps)
}

// TestValidateStateFlagsGaps verifies a completed phase behind an
// incomplete earlier phase is reported, not corrected.
func TestValidateStateFlagsGaps(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", time.Second, nil))
	require.NoError(t, s.MarkComplete(ctx, "fra", "SERVICES", time.Second, nil))

	res, err := s.ValidateState(ctx, "fra")
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.Len(t, res.Violations, 1)
	assert.Contains(t, res.Violations[0], "SERVICES")

	// The inconsistent checkpoint is still there.
	done, err := s.IsComplete(ctx, "fra", phase.Services)
	require.NoError(t, err)
	assert.True(t, done)
}

// TestValidateStateCleanPrefix verifies a proper prefix passes.
func TestValidateStateCleanPrefix(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", time.Second, nil))
	require.NoError(t, s.MarkComplete(ctx, "fra", "INITIALIZATION", time.Second, nil))

	res, err := s.ValidateState(ctx, "fra")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.Violations)
}

// TestBuildReport verifies the stable report shape.
func TestBuildReport(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", 90*time.Second, nil))

	rep, err := s.BuildReport(ctx, "fra", "spoke")
	require.NoError(t, err)
	assert.Equal(t, "fra", rep.InstanceCode)
	assert.Equal(t, "spoke", rep.DeploymentType)
	assert.True(t, rep.CanResume)
	require.Len(t, rep.Phases, 1)
	assert.Equal(t, "PREFLIGHT", rep.Phases[0].Phase)
	assert.Equal(t, 90.0, rep.Phases[0].Duration)
}

// TestSnapshotAndRestore round-trips live config through a snapshot:
// the file is mutated after checkpointing and restore brings the
// original content back.
func TestSnapshotAndRestore(t *testing.T) {
	liveDir := t.TempDir()
	snapRoot := t.TempDir()
	ctx := context.Background()

	configFile := filepath.Join(liveDir, "realm.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("realm: original\n"), 0o644))

	snapshots := &Snapshotter{
		Root:    snapRoot,
		LiveDir: func(string) (string, error) { return liveDir, nil },
	}
	s, states := newTestStore(t, snapshots)

	require.NoError(t, states.SetState(ctx, "fra", "PREFLIGHT", "", nil))
	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", time.Second, nil))
	require.NoError(t, states.SetState(ctx, "fra", "INITIALIZATION", "", nil))

	require.NoError(t, os.WriteFile(configFile, []byte("realm: broken\n"), 0o644))

	require.NoError(t, s.Restore(ctx, "fra", phase.Preflight, StrategyConfig, nil, "bad edit"))

	restored, err := os.ReadFile(configFile)
	require.NoError(t, err)
	assert.Equal(t, "realm: original\n", string(restored))

	st, err := states.GetState(ctx, "fra")
	require.NoError(t, err)
	assert.Equal(t, "PREFLIGHT", st)
}

// TestRestoreDetectsCorruptSnapshot verifies a tampered snapshot fails
// the manifest check and leaves live config untouched.
func TestRestoreDetectsCorruptSnapshot(t *testing.T) {
	liveDir := t.TempDir()
	snapRoot := t.TempDir()
	ctx := context.Background()

	configFile := filepath.Join(liveDir, "realm.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("realm: original\n"), 0o644))

	snapshots := &Snapshotter{
		Root:    snapRoot,
		LiveDir: func(string) (string, error) { return liveDir, nil },
	}
	s, states := newTestStore(t, snapshots)

	require.NoError(t, states.SetState(ctx, "fra", "PREFLIGHT", "", nil))
	require.NoError(t, s.MarkComplete(ctx, "fra", "PREFLIGHT", time.Second, nil))

	cp, err := s.Get(ctx, "fra", phase.Preflight)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cp.SnapshotDir, "realm.yaml"), []byte("tampered"), 0o644))

	require.NoError(t, os.WriteFile(configFile, []byte("realm: live\n"), 0o644))

	err = s.Restore(ctx, "fra", phase.Preflight, StrategyConfig, nil, "rollback")
	require.ErrorIs(t, err, ErrSnapshotCorrupt)

	live, err := os.ReadFile(configFile)
	require.NoError(t, err)
	assert.Equal(t, "realm: live\n", string(live))
}
