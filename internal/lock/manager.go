// Package lock implements per-instance advisory locks on top of the
// engine database.
//
// One holder at a time per instance code. Locks are advisory: they gate
// pipeline mutations, never reads. A holder that dies without releasing
// leaves a row that expires after its TTL, so a later run is not blocked
// forever. This is the one place where failing open after a timeout is
// correct; everywhere else the engine fails closed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/meridian-sys/spokectl/internal/storage"
)

// ErrNotHeld is returned by Release when this manager does not hold the
// lock.
var ErrNotHeld = errors.New("lock: not held by this session")

// DefaultTTL bounds how long a crashed holder can block an instance.
const DefaultTTL = 30 * time.Minute

// pollInterval paces blocking acquisition attempts.
const pollInterval = 100 * time.Millisecond

// Info is the persisted lock row for one instance.
type Info struct {
	InstanceCode string    `json:"instance_code"`
	Holder       string    `json:"holder"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has lapsed.
func (i Info) Expired() bool {
	return time.Now().After(i.ExpiresAt)
}

// Manager acquires and releases per-instance advisory locks.
//
// # Description
//
// Each Manager represents one logical holder (a session UUID minted at
// construction). Re-acquiring a lock already held by the same Manager
// succeeds and refreshes the TTL, so a pipeline can call sub-steps that
// also request the lock.
//
// # Thread Safety
//
// Safe for concurrent use. Contention between processes is resolved by
// the database's transaction conflict detection: two simultaneous
// claimants race on the same key and exactly one commit wins.
type Manager struct {
	db     *storage.DB
	holder string
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager creates a lock manager with its own holder identity.
func NewManager(db *storage.DB, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		db:     db,
		holder: uuid.NewString(),
		ttl:    ttl,
		logger: logger,
	}
}

// Holder returns this manager's holder identity.
func (m *Manager) Holder() string {
	return m.holder
}

func lockKey(instance string) []byte {
	return []byte("lock/" + instance)
}

// Acquire attempts to take the lock for an instance.
//
// # Description
//
// Blocks up to timeout, polling until the lock is free, expired, or
// already ours. A timeout of 0 is a single non-blocking try.
//
// # Inputs
//
//   - ctx: Context for cancellation (bounds the wait alongside timeout)
//   - instance: Instance code to lock
//   - timeout: Maximum time to wait; 0 = try once
//
// # Outputs
//
//   - bool: True if the lock was acquired
//   - error: Storage failure or the caller's ctx.Err(); contention is
//     reported as (false, nil)
func (m *Manager) Acquire(ctx context.Context, instance string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return m.tryAcquire(ctx, instance)
	}

	backoff := retry.WithMaxDuration(timeout, retry.NewConstant(pollInterval))
	var contended = errors.New("lock contended")

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := m.tryAcquire(ctx, instance)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(contended)
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The caller gave up. Cancellation surfaces as an error,
			// never as contention.
			return false, ctxErr
		}
		if errors.Is(err, contended) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// tryAcquire is a single claim attempt.
func (m *Manager) tryAcquire(ctx context.Context, instance string) (bool, error) {
	acquired := false
	err := m.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var existing Info
		found, err := storage.GetJSON(txn, lockKey(instance), &existing)
		if err != nil {
			return err
		}

		if found && !existing.Expired() && existing.Holder != m.holder {
			// Held by a live foreign session.
			return nil
		}

		if found && existing.Expired() && existing.Holder != m.holder {
			m.logger.Warn("claiming expired lock",
				"instance", instance,
				"stale_holder", existing.Holder,
				"expired_at", existing.ExpiresAt)
		}

		now := time.Now().UTC()
		info := Info{
			InstanceCode: instance,
			Holder:       m.holder,
			AcquiredAt:   now,
			ExpiresAt:    now.Add(m.ttl),
		}
		if found && existing.Holder == m.holder {
			// Re-entrant: keep the original acquisition time.
			info.AcquiredAt = existing.AcquiredAt
		}
		if err := storage.SetJSON(txn, lockKey(instance), info); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// Lost a race with another claimant.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", instance, err)
	}

	if acquired {
		m.logger.Debug("lock acquired", "instance", instance, "holder", m.holder)
	}
	return acquired, nil
}

// Release gives up the lock for an instance.
//
// Returns ErrNotHeld if the lock is absent, expired, or held by someone
// else; releasing a foreign holder's lock is never allowed.
func (m *Manager) Release(ctx context.Context, instance string) error {
	err := m.db.UpdateWithRetry(ctx, func(txn *badger.Txn) error {
		var existing Info
		found, err := storage.GetJSON(txn, lockKey(instance), &existing)
		if err != nil {
			return err
		}
		if !found || existing.Holder != m.holder {
			return ErrNotHeld
		}
		return txn.Delete(lockKey(instance))
	})
	if err != nil {
		if errors.Is(err, ErrNotHeld) {
			return err
		}
		return fmt.Errorf("lock: release %s: %w", instance, err)
	}

	m.logger.Debug("lock released", "instance", instance, "holder", m.holder)
	return nil
}

// IsHeld reports whether any live holder currently has the instance lock.
// Expired rows count as not held.
func (m *Manager) IsHeld(ctx context.Context, instance string) (bool, error) {
	held := false
	err := m.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var existing Info
		found, err := storage.GetJSON(txn, lockKey(instance), &existing)
		if err != nil {
			return err
		}
		held = found && !existing.Expired()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lock: check %s: %w", instance, err)
	}
	return held, nil
}

// Get returns the current lock row for an instance, nil if absent.
// Expired rows are returned as-is; callers decide how to present them.
func (m *Manager) Get(ctx context.Context, instance string) (*Info, error) {
	var info *Info
	err := m.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var existing Info
		found, err := storage.GetJSON(txn, lockKey(instance), &existing)
		if err != nil {
			return err
		}
		if found {
			info = &existing
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock: get %s: %w", instance, err)
	}
	return info, nil
}
