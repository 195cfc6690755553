// Package storage provides the embedded BadgerDB instance backing every
// durable structure in the engine: deployment state, the transition log,
// checkpoints, advisory locks, circuit breakers, the error audit trail,
// step history, and duration metrics.
//
// BadgerDB gives serializable transactions with conflict detection and
// synchronous writes, which is what "atomic with its transition-log
// append" requires. The engine deliberately has no other write path:
// components receive a *DB and compose their mutations into single
// transactions.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config holds configuration for the engine database.
type Config struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Used by tests; a production engine must never run in-memory,
	// resumability depends on the database surviving the process.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true. Tests may disable for speed.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	// Default: 0.5.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes, periodic GC.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// DB wraps the BadgerDB handle with lifecycle management and the
// transaction helpers the stores are built on.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent read-write transactions touching
// the same keys fail with badger.ErrConflict; WithTxn surfaces that to
// the caller, and UpdateWithRetry resolves it by re-running the mutation.
type DB struct {
	*badger.DB
	cfg    Config
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens the engine database.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *DB: The opened database. Caller must Close() when done.
//   - error: Non-nil if the path is invalid or the database is held
//     by another process.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("storage: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("storage: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db := &DB{DB: bdb, cfg: cfg}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stopGC = make(chan struct{})
		db.doneGC = make(chan struct{})
		go db.gcLoop()
	}
	return db, nil
}

// OpenInMemory opens an in-memory database for tests.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		<-d.doneGC
		d.stopGC = nil
	}
	return d.DB.Close()
}

func (d *DB) gcLoop() {
	defer close(d.doneGC)

	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()

	ratio := d.cfg.GCDiscardRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if d.cfg.Logger != nil {
					d.cfg.Logger.Warn("value log GC error", "error", err)
				}
			}
		}
	}
}

// WithTxn executes fn inside a read-write transaction.
//
// The transaction commits if fn returns nil and is discarded otherwise.
// A badger.ErrConflict from the commit is returned as-is; callers that
// race (the breaker registry, concurrent pipelines) should use
// UpdateWithRetry instead.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("storage: context cancelled: %w", err)
	}

	txn := d.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn executes fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("storage: context cancelled: %w", err)
	}

	txn := d.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// maxTxnRetries bounds conflict-resolution retries. Conflicts are rare
// (they need two writers on the same key in the same instant) so a small
// number is plenty.
const maxTxnRetries = 5

// UpdateWithRetry executes fn inside a read-write transaction, retrying
// on commit conflicts.
//
// fn may be invoked multiple times and must be idempotent with respect to
// any state outside the transaction.
func (d *DB) UpdateWithRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = d.WithTxn(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("storage: transaction conflict persisted after %d attempts: %w", maxTxnRetries, err)
}

// NextSeq atomically increments and returns the sequence counter stored
// at key within the given transaction. Used for append-only logs
// (transition log, error audit trail, step history) whose keys must sort
// in insertion order.
func NextSeq(txn *badger.Txn, key []byte) (uint64, error) {
	var seq uint64
	item, err := txn.Get(key)
	switch {
	case err == nil:
		err = item.Value(func(val []byte) error {
			if len(val) == 8 {
				seq = binary.BigEndian.Uint64(val)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
		// First entry
	default:
		return 0, err
	}

	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := txn.Set(key, buf); err != nil {
		return 0, err
	}
	return seq, nil
}

// SeqKey renders a sequence-numbered key under prefix so that
// lexicographic iteration order equals insertion order.
func SeqKey(prefix string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefix, seq))
}

// SetJSON marshals v and stores it at key within txn.
func SetJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// GetJSON loads and unmarshals the value at key into v.
//
// Returns (false, nil) when the key does not exist, so callers can
// distinguish "absent" from "corrupt".
func GetJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, err
	}
	return true, nil
}

// IterateJSON walks all values under prefix in key order, decoding each
// into T. Sequence-numbered keys therefore iterate in insertion order.
func IterateJSON[T any](txn *badger.Txn, prefix string, fn func(T)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return err
		}
		fn(v)
	}
	return nil
}

// DeletePrefix removes every key under prefix within txn.
func DeletePrefix(txn *badger.Txn, prefix string) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
