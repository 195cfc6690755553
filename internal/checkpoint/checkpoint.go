// Package checkpoint persists per-phase completion markers and the
// configuration snapshots that make resume and rollback possible.
//
// One checkpoint exists per (instance, phase). Re-marking a phase
// overwrites the previous checkpoint and its snapshot. Checkpoints are
// consumed read-only by resume logic and rollback; they are deleted
// only by explicit operator action.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridian-sys/spokectl/internal/phase"
	"github.com/meridian-sys/spokectl/internal/state"
	"github.com/meridian-sys/spokectl/internal/storage"
	"github.com/meridian-sys/spokectl/pkg/logging"
)

const keyPrefix = "ckpt/"

// ErrConfirmationRequired is returned by the destructive operations
// when the confirmation token does not match the instance code.
var ErrConfirmationRequired = errors.New("checkpoint: confirmation token does not match instance code")

// ErrNotFound is returned when a requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is the durable record of one completed phase.
type Checkpoint struct {
	InstanceCode string            `json:"instance_code"`
	Phase        phase.Phase       `json:"phase"`
	CreatedAt    time.Time         `json:"created_at"`
	Duration     time.Duration     `json:"duration"`
	SnapshotDir  string            `json:"snapshot_dir,omitempty"`
	Manifest     map[string]string `json:"manifest,omitempty"`
	Data         map[string]any    `json:"data,omitempty"`
}

// Store reads and writes checkpoints.
//
// # Thread Safety
//
// Safe for concurrent use. All writes go through serializable badger
// transactions; snapshot directory writes are scoped per (instance,
// phase) and the pipeline holds the instance lock while writing.
type Store struct {
	db        *storage.DB
	states    *state.Store
	snapshots *Snapshotter
	log       *logging.Logger
}

// NewStore wires a checkpoint store. snapshots may be nil, in which
// case checkpoints carry no config snapshot and Restore can only roll
// back state, not files.
func NewStore(db *storage.DB, states *state.Store, snapshots *Snapshotter, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Discard()
	}
	return &Store{db: db, states: states, snapshots: snapshots, log: log}
}

func key(instance string, p phase.Phase) []byte {
	return []byte(keyPrefix + instance + "/" + p.String())
}

// MarkComplete records a phase as complete, overwriting any previous
// checkpoint for the same (instance, phase).
//
// # Inputs
//
//   - instance: Instance code
//   - phaseName: Must be a member of the closed phase set
//   - duration: How long the phase ran
//   - data: Optional phase-specific payload, stored verbatim
//
// # Outputs
//
//   - error: phase.ErrInvalidPhase for names outside the set; no
//     checkpoint is created in that case
func (s *Store) MarkComplete(ctx context.Context, instance, phaseName string, duration time.Duration, data map[string]any) error {
	p, err := phase.Parse(phaseName)
	if err != nil {
		return err
	}

	cp := Checkpoint{
		InstanceCode: instance,
		Phase:        p,
		CreatedAt:    time.Now().UTC(),
		Duration:     duration,
		Data:         data,
	}

	if s.snapshots != nil {
		dir, manifest, err := s.snapshots.Take(instance, p)
		if err != nil {
			return fmt.Errorf("snapshot config for %s/%s: %w", instance, p, err)
		}
		cp.SnapshotDir = dir
		cp.Manifest = manifest
	}

	err = s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		return storage.SetJSON(txn, key(instance, p), cp)
	})
	if err != nil {
		return err
	}

	s.log.Info("phase checkpointed",
		"instance", instance,
		"phase", p.String(),
		"duration", duration.Round(time.Millisecond),
		"snapshot_files", len(cp.Manifest),
	)
	return nil
}

// IsComplete reports whether a phase has a checkpoint.
func (s *Store) IsComplete(ctx context.Context, instance string, p phase.Phase) (bool, error) {
	var found bool
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var cp Checkpoint
		ok, err := storage.GetJSON(txn, key(instance, p), &cp)
		found = ok
		return err
	})
	return found, err
}

// Get returns one checkpoint, or ErrNotFound.
func (s *Store) Get(ctx context.Context, instance string, p phase.Phase) (*Checkpoint, error) {
	var cp Checkpoint
	var found bool
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		ok, err := storage.GetJSON(txn, key(instance, p), &cp)
		found = ok
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, instance, p)
	}
	return &cp, nil
}

// ListCompleted returns the instance's checkpoints in phase order.
// A phase never appears twice.
func (s *Store) ListCompleted(ctx context.Context, instance string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.IterateJSON(txn, keyPrefix+instance+"/", func(cp Checkpoint) {
			out = append(out, cp)
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Phase.Before(out[j].Phase)
	})
	return out, nil
}

// NextPhase returns the first phase in order without a checkpoint, or
// "" once COMPLETE has been marked.
func (s *Store) NextPhase(ctx context.Context, instance string) (phase.Phase, error) {
	done, err := s.completedSet(ctx, instance)
	if err != nil {
		return "", err
	}
	if done[phase.Complete] {
		return "", nil
	}
	for _, p := range phase.All() {
		if !done[p] {
			return p, nil
		}
	}
	return "", nil
}

// CanResume reports whether a partial deployment can continue: at
// least one checkpoint exists and COMPLETE is not among them.
func (s *Store) CanResume(ctx context.Context, instance string) (bool, error) {
	done, err := s.completedSet(ctx, instance)
	if err != nil {
		return false, err
	}
	return len(done) > 0 && !done[phase.Complete], nil
}

// ClearPhase deletes one checkpoint and its snapshot. Destructive;
// confirm must equal the instance code.
func (s *Store) ClearPhase(ctx context.Context, instance, phaseName, confirm string) error {
	if confirm != instance {
		return ErrConfirmationRequired
	}
	p, err := phase.Parse(phaseName)
	if err != nil {
		return err
	}

	err = s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key(instance, p))
	})
	if err != nil {
		return err
	}
	if s.snapshots != nil {
		if err := s.snapshots.Remove(instance, p); err != nil {
			s.log.Warn("snapshot removal failed", "instance", instance, "phase", p.String(), "error", err)
		}
	}
	s.log.Info("checkpoint cleared", "instance", instance, "phase", p.String())
	return nil
}

// ClearAll deletes every checkpoint for an instance. Destructive;
// confirm must equal the instance code.
func (s *Store) ClearAll(ctx context.Context, instance, confirm string) error {
	if confirm != instance {
		return ErrConfirmationRequired
	}

	err := s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		return storage.DeletePrefix(txn, keyPrefix+instance+"/")
	})
	if err != nil {
		return err
	}
	if s.snapshots != nil {
		if err := s.snapshots.RemoveAll(instance); err != nil {
			s.log.Warn("snapshot removal failed", "instance", instance, "error", err)
		}
	}
	s.log.Info("all checkpoints cleared", "instance", instance)
	return nil
}

// ValidationResult is the outcome of a checkpoint consistency check.
type ValidationResult struct {
	OK         bool
	Violations []string
}

// ValidateState checks that the completed phases form a prefix of the
// phase order: no phase may be complete while an earlier one is not.
// Violations are reported, never auto-corrected.
func (s *Store) ValidateState(ctx context.Context, instance string) (ValidationResult, error) {
	done, err := s.completedSet(ctx, instance)
	if err != nil {
		return ValidationResult{}, err
	}

	res := ValidationResult{OK: true}
	seenGap := false
	var gapAt phase.Phase
	for _, p := range phase.All() {
		if !done[p] {
			if !seenGap {
				seenGap = true
				gapAt = p
			}
			continue
		}
		if seenGap {
			res.OK = false
			res.Violations = append(res.Violations,
				fmt.Sprintf("phase %s is complete but earlier phase %s is not", p, gapAt))
		}
	}
	return res, nil
}

// PhaseReport is one entry in the external report.
type PhaseReport struct {
	Phase       string    `json:"phase"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    float64   `json:"duration"`
}

// Report is the stable JSON shape consumed by external tooling.
// Field names and ordering are part of the contract.
type Report struct {
	InstanceCode   string        `json:"instance_code"`
	DeploymentType string        `json:"deployment_type"`
	CanResume      bool          `json:"can_resume"`
	Phases         []PhaseReport `json:"phases"`
}

// BuildReport assembles the report for one instance.
func (s *Store) BuildReport(ctx context.Context, instance, deploymentType string) (*Report, error) {
	cps, err := s.ListCompleted(ctx, instance)
	if err != nil {
		return nil, err
	}
	canResume, err := s.CanResume(ctx, instance)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		InstanceCode:   instance,
		DeploymentType: deploymentType,
		CanResume:      canResume,
		Phases:         make([]PhaseReport, 0, len(cps)),
	}
	for _, cp := range cps {
		rep.Phases = append(rep.Phases, PhaseReport{
			Phase:       cp.Phase.String(),
			CompletedAt: cp.CreatedAt,
			Duration:    cp.Duration.Seconds(),
		})
	}
	return rep, nil
}

func (s *Store) completedSet(ctx context.Context, instance string) (map[phase.Phase]bool, error) {
	done := make(map[phase.Phase]bool)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.IterateJSON(txn, keyPrefix+instance+"/", func(cp Checkpoint) {
			done[cp.Phase] = true
		})
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}
