package store

import (
	"context"
	"errors"
	"strings"

	logx "github.com/MASITH-developpement/Azalscore-sub012/pkg/logx"
)

// Kind partitions records by entity type.
type Kind string

const (
	KindDefinition Kind = "definition"
	KindInstance   Kind = "instance"
	KindQueue      Kind = "queue"
	KindWorker     Kind = "worker"
	KindLock       Kind = "lock"
	KindEvent      Kind = "event"
	KindDedup      Kind = "dedup"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")

	// ErrVersionConflict means the expected version did not match; the caller
	// should re-read and retry its transition.
	ErrVersionConflict = errors.New("record version conflict")
)

// Record is one stored entity. Data is the JSON encoding of the domain type.
type Record struct {
	Key     string
	Version int64
	Data    []byte
}

// Store is the persistence port behind the scheduling core.
//
// Conditional writes (Create, CompareAndSwap) are the only primitives the
// dispatch/lock/retry logic relies on for mutual exclusion, so any backend
// with a conditional-write operation (SQL, key-value, document) can implement
// it without touching the core.
type Store interface {
	Get(ctx context.Context, kind Kind, key string) (Record, error)

	// Put upserts unconditionally and returns the new version.
	Put(ctx context.Context, kind Kind, key string, data []byte) (int64, error)

	// Create inserts a new record; fails with ErrExists when the key is taken.
	Create(ctx context.Context, kind Kind, key string, data []byte) (int64, error)

	// CompareAndSwap replaces the record only if its current version matches
	// expect. Returns the new version, or ErrVersionConflict / ErrNotFound.
	CompareAndSwap(ctx context.Context, kind Kind, key string, expect int64, data []byte) (int64, error)

	Delete(ctx context.Context, kind Kind, key string) error

	// CompareAndDelete removes the record only if its version matches expect.
	CompareAndDelete(ctx context.Context, kind Kind, key string, expect int64) error

	// Scan visits every record of a kind. fn returning false stops the scan.
	// Iteration order is unspecified.
	Scan(ctx context.Context, kind Kind, fn func(Record) bool) error

	Close() error
}

// Config selects and configures a backend.
//
// Driver values:
//   - "memory" (default): mutex-guarded in-process maps, single-node only
//   - "sqlite": durable single-node database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout int // sqlite only, milliseconds; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
