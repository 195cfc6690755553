// Package breaker implements durable circuit breakers keyed by logical
// operation name.
//
// # States
//
//   - Closed: normal operation, calls flow through
//   - Open: circuit tripped, calls are rejected immediately
//   - HalfOpen: testing recovery, exactly one trial call allowed
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └───[success]◄── HALF_OPEN ◄──┘
//	                    [retry-after]
//
// Breakers protect a downstream dependency (a Keycloak token endpoint, a
// Terraform backend), not a per-instance resource, so they are shared
// across all instance pipelines. Every transition and failure count is
// persisted: each phase may run as a separate CLI invocation, and an
// in-memory-only breaker would quietly reset on every one of them.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/meridian-sys/spokectl/internal/storage"
)

// State is the position of a breaker's state machine.
type State string

// Breaker states.
const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
// It is recoverable in principle but must never trigger an actual retry
// attempt while the breaker stays open.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// Config controls breaker behavior. All breakers in a registry share one
// configuration; the protected operations are peers (external services),
// not a mixed bag needing per-op tuning.
type Config struct {
	// FailureThreshold is the number of failures within Window that
	// trips a closed breaker. Default: 5.
	FailureThreshold int

	// Window is the rolling window for counting failures. Default: 10m.
	Window time.Duration

	// OpenTimeout is the initial time an open breaker rejects calls
	// before allowing a half-open trial. Doubles on every failed trial.
	// Default: 30s.
	OpenTimeout time.Duration

	// MaxBackoff caps the doubled open timeout. Default: 15m.
	MaxBackoff time.Duration

	// OnTransition is invoked (synchronously) after a persisted state
	// change. Used to feed metrics.
	OnTransition func(op string, from, to State)
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           10 * time.Minute,
		OpenTimeout:      30 * time.Second,
		MaxBackoff:       15 * time.Minute,
	}
}

// Record is the persisted per-operation breaker row.
type Record struct {
	OperationName string    `json:"operation_name"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	WindowStart   time.Time `json:"window_start,omitzero"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
	RetryAfter    time.Time `json:"retry_after,omitzero"`
	Backoff       int64     `json:"backoff_ns,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Registry manages the breakers for all named operations.
//
// # Thread Safety
//
// Safe for concurrent use from multiple instance pipelines. A per-process
// mutex serializes admission per operation; cross-process races fall back
// to the database's transaction conflict detection.
type Registry struct {
	db     *storage.DB
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	ops map[string]*sync.Mutex
}

// NewRegistry creates a breaker registry on the given database.
func NewRegistry(db *storage.DB, cfg Config, logger *slog.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		db:     db,
		cfg:    cfg,
		logger: logger,
		ops:    make(map[string]*sync.Mutex),
	}
}

func breakerKey(op string) []byte {
	return []byte("breaker/" + op)
}

// opLock returns the per-operation admission mutex, creating it lazily.
func (r *Registry) opLock(op string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ops[op]
	if !ok {
		l = &sync.Mutex{}
		r.ops[op] = l
	}
	return l
}

// Init ensures a closed breaker row exists for an operation. Calling it
// for an existing operation is a no-op.
func (r *Registry) Init(ctx context.Context, op string) error {
	err := r.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		var rec Record
		found, err := storage.GetJSON(txn, breakerKey(op), &rec)
		if err != nil || found {
			return err
		}
		return storage.SetJSON(txn, breakerKey(op), Record{
			OperationName: op,
			State:         Closed,
			UpdatedAt:     time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("breaker: init %s: %w", op, err)
	}
	return nil
}

// Execute runs fn under the breaker for op.
//
// # Description
//
// Rejects immediately with ErrCircuitOpen while the breaker is open and
// retry-after has not elapsed. Once it elapses, the breaker moves to
// half-open and admits exactly one trial call: success closes it with a
// reset failure count, failure re-opens it with doubled backoff.
//
// # Inputs
//
//   - ctx: Context passed through to fn
//   - op: Logical operation name (e.g. "keycloak-token")
//   - fn: The protected call
//
// # Outputs
//
//   - error: ErrCircuitOpen if rejected, otherwise fn's error
func (r *Registry) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	l := r.opLock(op)
	l.Lock()
	admitted, err := r.admit(ctx, op)
	l.Unlock()
	if err != nil {
		return err
	}
	if !admitted {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, op)
	}

	callErr := fn(ctx)

	l.Lock()
	recordErr := r.recordResult(ctx, op, callErr)
	l.Unlock()
	if recordErr != nil {
		// The call outcome matters more than the bookkeeping failure.
		r.logger.Error("breaker state update failed", "operation", op, "error", recordErr)
	}
	return callErr
}

// admit decides whether a call may proceed, transitioning OPEN→HALF_OPEN
// when retry-after has elapsed.
func (r *Registry) admit(ctx context.Context, op string) (bool, error) {
	admitted := false
	var from, to State

	err := r.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		rec, err := loadOrNew(txn, op)
		if err != nil {
			return err
		}
		from, to = rec.State, rec.State
		now := time.Now().UTC()

		switch rec.State {
		case Closed:
			admitted = true
			return nil

		case Open:
			if now.Before(rec.RetryAfter) {
				return nil
			}
			rec.State = HalfOpen
			rec.UpdatedAt = now
			to = HalfOpen
			admitted = true
			return storage.SetJSON(txn, breakerKey(op), rec)

		case HalfOpen:
			// A trial is already in flight somewhere; reject until it
			// resolves. The single-trial guarantee lives here. A trial
			// older than the open timeout never resolved (crashed caller,
			// lost result write), so its claim expires and a new trial
			// takes over.
			if now.Sub(rec.UpdatedAt) <= r.cfg.OpenTimeout {
				return nil
			}
			rec.UpdatedAt = now
			admitted = true
			return storage.SetJSON(txn, breakerKey(op), rec)

		default:
			return fmt.Errorf("breaker: corrupt state %q for %s", rec.State, op)
		}
	})
	if err != nil {
		return false, fmt.Errorf("breaker: admit %s: %w", op, err)
	}

	if from != to {
		r.notify(op, from, to)
	}
	return admitted, nil
}

// recordResult folds a call outcome into the persisted state machine.
func (r *Registry) recordResult(ctx context.Context, op string, callErr error) error {
	var from, to State

	err := r.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		rec, err := loadOrNew(txn, op)
		if err != nil {
			return err
		}
		from = rec.State
		now := time.Now().UTC()

		if callErr == nil {
			switch rec.State {
			case HalfOpen:
				// Trial succeeded: full reset.
				rec.State = Closed
				rec.FailureCount = 0
				rec.Backoff = 0
				rec.OpenedAt = time.Time{}
				rec.RetryAfter = time.Time{}
				rec.WindowStart = time.Time{}
			case Closed:
				rec.FailureCount = 0
				rec.WindowStart = time.Time{}
			}
		} else {
			switch rec.State {
			case Closed:
				if rec.WindowStart.IsZero() || now.Sub(rec.WindowStart) > r.cfg.Window {
					// New rolling window.
					rec.WindowStart = now
					rec.FailureCount = 0
				}
				rec.FailureCount++
				if rec.FailureCount >= r.cfg.FailureThreshold {
					rec.State = Open
					rec.OpenedAt = now
					rec.Backoff = int64(r.cfg.OpenTimeout)
					rec.RetryAfter = now.Add(r.cfg.OpenTimeout)
				}
			case HalfOpen:
				// Trial failed: back to open with doubled backoff.
				rec.FailureCount++
				backoff := time.Duration(rec.Backoff) * 2
				if backoff <= 0 {
					backoff = r.cfg.OpenTimeout
				}
				if backoff > r.cfg.MaxBackoff {
					backoff = r.cfg.MaxBackoff
				}
				rec.State = Open
				rec.OpenedAt = now
				rec.Backoff = int64(backoff)
				rec.RetryAfter = now.Add(backoff)
			}
		}

		rec.UpdatedAt = now
		to = rec.State
		return storage.SetJSON(txn, breakerKey(op), rec)
	})
	if err != nil {
		return err
	}

	if from != to {
		r.notify(op, from, to)
	}
	return nil
}

// GetState returns the breaker state for an operation. Unknown operations
// report Closed, matching a freshly initialized breaker.
func (r *Registry) GetState(ctx context.Context, op string) (State, error) {
	rec, err := r.GetRecord(ctx, op)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// GetRecord returns the full persisted row for an operation.
func (r *Registry) GetRecord(ctx context.Context, op string) (Record, error) {
	rec := Record{OperationName: op, State: Closed}
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := storage.GetJSON(txn, breakerKey(op), &rec)
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("breaker: read %s: %w", op, err)
	}
	return rec, nil
}

// List returns all persisted breaker rows, for operator inspection.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storage.IterateJSON(txn, "breaker/", func(rec Record) {
			out = append(out, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("breaker: list: %w", err)
	}
	return out, nil
}

// Reset forces a breaker back to closed with cleared counters. Operator
// override for when the downstream has been fixed out of band.
func (r *Registry) Reset(ctx context.Context, op string) error {
	var from State
	err := r.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		rec, err := loadOrNew(txn, op)
		if err != nil {
			return err
		}
		from = rec.State
		return storage.SetJSON(txn, breakerKey(op), Record{
			OperationName: op,
			State:         Closed,
			UpdatedAt:     time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("breaker: reset %s: %w", op, err)
	}
	if from != Closed {
		r.notify(op, from, Closed)
	}
	return nil
}

func (r *Registry) notify(op string, from, to State) {
	r.logger.Info("breaker transition", "operation", op, "from", from, "to", to)
	if r.cfg.OnTransition != nil {
		r.cfg.OnTransition(op, from, to)
	}
}

func loadOrNew(txn *badger.Txn, op string) (Record, error) {
	rec := Record{OperationName: op, State: Closed}
	_, err := storage.GetJSON(txn, breakerKey(op), &rec)
	return rec, err
}
