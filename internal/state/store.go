// Package state implements the durable deployment state store: one live
// state row per instance plus an append-only transition log.
//
// This is the engine's single source of truth for "where is instance X".
// The hard invariant here is atomicity: a state mutation and its
// transition-log append happen in one transaction or not at all. Both the
// checkpoint store and the pipeline executor make resume decisions that
// trust this invariant.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridian-sys/spokectl/internal/phase"
	"github.com/meridian-sys/spokectl/internal/storage"
)

// Terminal and sentinel states beyond the phase set.
const (
	// StateFailed marks an instance whose pipeline failed and whose
	// rollback also failed or was not possible.
	StateFailed = "FAILED"

	// StateRolledBack marks an instance restored to its last good
	// checkpoint after a fatal failure.
	StateRolledBack = "ROLLED_BACK"

	// StateUnknown is returned for instances that have never been
	// deployed. It is a sentinel, not an error: probing code treats
	// "never deployed" uniformly with any other state.
	StateUnknown = "UNKNOWN"
)

// ErrNoTransitions is returned by RollbackState when the instance has no
// transition history to roll back through.
var ErrNoTransitions = errors.New("state: no transitions recorded")

// ErrInvalidState is returned when a state name is neither a phase nor a
// terminal value.
var ErrInvalidState = errors.New("state: invalid state name")

// DeploymentState is the live state row for one instance.
type DeploymentState struct {
	InstanceCode string         `json:"instance_code"`
	State        string         `json:"state"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Transition is one entry of the append-only transition log. Entries are
// never deleted or edited; a rollback is recorded as a new transition.
type Transition struct {
	InstanceCode string    `json:"instance_code"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// StepStatus is the lifecycle of one phase attempt.
type StepStatus string

// Step statuses.
const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
)

// Step records one attempt of one phase. A retried phase produces
// multiple rows; this is step-level observability distinct from the
// single live DeploymentState.
type Step struct {
	InstanceCode string      `json:"instance_code"`
	Phase        phase.Phase `json:"phase"`
	Status       StepStatus  `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at,omitzero"`
	Error        string      `json:"error,omitempty"`
}

// Store persists deployment states, transitions, and step history.
//
// # Thread Safety
//
// Safe for concurrent use. Writes for the same instance are expected to
// be serialized by the advisory lock manager; cross-instance writes never
// contend on keys.
type Store struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewStore creates a state store on the given database.
func NewStore(db *storage.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{db: db, logger: logger}
}

func stateKey(instance string) []byte {
	return []byte("state/" + instance)
}

func translogPrefix(instance string) string {
	return "translog/" + instance + "/"
}

func translogSeqKey(instance string) []byte {
	return []byte("translog_seq/" + instance)
}

func stepPrefix(instance string) string {
	return "step/" + instance + "/"
}

func stepSeqKey(instance string) []byte {
	return []byte("step_seq/" + instance)
}

// validState accepts phase names plus the terminal values.
func validState(s string) bool {
	if phase.Phase(s).Valid() {
		return true
	}
	return s == StateFailed || s == StateRolledBack
}

// SetState moves an instance to a new state.
//
// # Description
//
// Writes the live state row and appends the corresponding Transition in
// a single transaction. Partial writes cannot occur: either both land or
// neither does.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - instance: Instance code (e.g. "fra")
//   - newState: A phase name or FAILED / ROLLED_BACK
//   - reason: Recorded on the transition (may be empty)
//   - metadata: Optional free-form metadata stored on the state row
//
// # Outputs
//
//   - error: ErrInvalidState for names outside the allowed set, or a
//     storage error
func (s *Store) SetState(ctx context.Context, instance, newState, reason string, metadata map[string]any) error {
	if !validState(newState) {
		return fmt.Errorf("%w: %q", ErrInvalidState, newState)
	}

	now := time.Now().UTC()
	err := s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		from := StateUnknown
		if existing, err := readState(txn, instance); err != nil {
			return err
		} else if existing != nil {
			from = existing.State
		}

		row := DeploymentState{
			InstanceCode: instance,
			State:        newState,
			Metadata:     metadata,
			UpdatedAt:    now,
		}
		if err := storage.SetJSON(txn, stateKey(instance), row); err != nil {
			return err
		}

		return appendTransition(txn, Transition{
			InstanceCode: instance,
			FromState:    from,
			ToState:      newState,
			Reason:       reason,
			OccurredAt:   now,
		})
	})
	if err != nil {
		return fmt.Errorf("state: set %s=%s: %w", instance, newState, err)
	}

	s.logger.Debug("state transition",
		"instance", instance,
		"to", newState,
		"reason", reason)
	return nil
}

// GetState returns the current state of an instance.
//
// Unknown instances return StateUnknown, never an error, so callers can
// treat "never deployed" uniformly.
func (s *Store) GetState(ctx context.Context, instance string) (string, error) {
	result := StateUnknown
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		row, err := readState(txn, instance)
		if err != nil {
			return err
		}
		if row != nil {
			result = row.State
		}
		return nil
	})
	if err != nil {
		return StateUnknown, fmt.Errorf("state: get %s: %w", instance, err)
	}
	return result, nil
}

// Get returns the full state row, or nil for unknown instances.
func (s *Store) Get(ctx context.Context, instance string) (*DeploymentState, error) {
	var row *DeploymentState
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		row, err = readState(txn, instance)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("state: get %s: %w", instance, err)
	}
	return row, nil
}

// RollbackState moves the instance back to the from_state of its most
// recent transition.
//
// # Description
//
// This is recorded as a new transition (to preserve the append-only log),
// not an edit of history. Returns ErrNoTransitions when there is nothing
// to roll back through.
func (s *Store) RollbackState(ctx context.Context, instance, reason string) error {
	now := time.Now().UTC()
	err := s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		last, err := lastTransition(txn, instance)
		if err != nil {
			return err
		}
		if last == nil {
			return ErrNoTransitions
		}

		row := DeploymentState{
			InstanceCode: instance,
			State:        last.FromState,
			UpdatedAt:    now,
		}
		if err := storage.SetJSON(txn, stateKey(instance), row); err != nil {
			return err
		}

		return appendTransition(txn, Transition{
			InstanceCode: instance,
			FromState:    last.ToState,
			ToState:      last.FromState,
			Reason:       reason,
			OccurredAt:   now,
		})
	})
	if err != nil {
		if errors.Is(err, ErrNoTransitions) {
			return err
		}
		return fmt.Errorf("state: rollback %s: %w", instance, err)
	}

	s.logger.Info("state rolled back", "instance", instance, "reason", reason)
	return nil
}

// Transitions returns the full transition log for an instance, oldest
// first. Returns an empty slice for unknown instances.
func (s *Store) Transitions(ctx context.Context, instance string) ([]Transition, error) {
	var out []Transition
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.IterateJSON(txn, translogPrefix(instance), func(t Transition) {
			out = append(out, t)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state: transitions %s: %w", instance, err)
	}
	return out, nil
}

// Duration returns the time between the first and the most recent
// transition. Used for deployment duration reporting.
func (s *Store) Duration(ctx context.Context, instance string) (time.Duration, error) {
	transitions, err := s.Transitions(ctx, instance)
	if err != nil {
		return 0, err
	}
	if len(transitions) < 2 {
		return 0, nil
	}
	return transitions[len(transitions)-1].OccurredAt.Sub(transitions[0].OccurredAt), nil
}

// StartStep appends a step-history row for one phase attempt and
// returns its sequence number.
//
// The row is born PENDING and is moved through IN_PROGRESS to a
// terminal status by UpdateStep at the same sequence, so one attempt is
// always exactly one row. An attempt that dies mid-phase leaves its
// non-terminal row behind as evidence it started.
func (s *Store) StartStep(ctx context.Context, instance string, p phase.Phase) (uint64, error) {
	var seq uint64
	err := s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		var err error
		seq, err = storage.NextSeq(txn, stepSeqKey(instance))
		if err != nil {
			return err
		}
		return storage.SetJSON(txn, storage.SeqKey(stepPrefix(instance), seq), Step{
			InstanceCode: instance,
			Phase:        p,
			Status:       StepPending,
			StartedAt:    time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("state: start step %s/%s: %w", instance, p, err)
	}
	return seq, nil
}

// UpdateStep rewrites the step row at seq through mutate. Fails with a
// wrapped badger.ErrKeyNotFound when no row was started at that
// sequence.
func (s *Store) UpdateStep(ctx context.Context, instance string, seq uint64, mutate func(*Step)) error {
	err := s.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		key := storage.SeqKey(stepPrefix(instance), seq)
		var step Step
		found, err := storage.GetJSON(txn, key, &step)
		if err != nil {
			return err
		}
		if !found {
			return badger.ErrKeyNotFound
		}
		mutate(&step)
		return storage.SetJSON(txn, key, step)
	})
	if err != nil {
		return fmt.Errorf("state: update step %s/%d: %w", instance, seq, err)
	}
	return nil
}

// Steps returns the step history for an instance, oldest first.
func (s *Store) Steps(ctx context.Context, instance string) ([]Step, error) {
	var out []Step
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.IterateJSON(txn, stepPrefix(instance), func(st Step) {
			out = append(out, st)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("state: steps %s: %w", instance, err)
	}
	return out, nil
}

// readState returns the state row inside a transaction, nil if absent.
func readState(txn *badger.Txn, instance string) (*DeploymentState, error) {
	item, err := txn.Get(stateKey(instance))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var row DeploymentState
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &row)
	}); err != nil {
		return nil, err
	}
	return &row, nil
}

// appendTransition appends to the transition log within txn.
func appendTransition(txn *badger.Txn, t Transition) error {
	seq, err := storage.NextSeq(txn, translogSeqKey(t.InstanceCode))
	if err != nil {
		return err
	}
	return storage.SetJSON(txn, storage.SeqKey(translogPrefix(t.InstanceCode), seq), t)
}

// lastTransition returns the newest transition within txn, nil if none.
func lastTransition(txn *badger.Txn, instance string) (*Transition, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = []byte(translogPrefix(instance))
	it := txn.NewIterator(opts)
	defer it.Close()

	// Seek to the end of the prefix range; 0xff sorts after any hex digit.
	it.Seek([]byte(translogPrefix(instance) + "\xff"))
	if !it.Valid() {
		return nil, nil
	}

	var t Transition
	if err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, &t)
	}); err != nil {
		return nil, err
	}
	return &t, nil
}
