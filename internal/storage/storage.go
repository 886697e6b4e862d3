// Package storage is the store boundary: the Session and Dialect interfaces the
// pipeline talks to, and a registry of backends.
//
// Backends register themselves from init() (see internal/storage/all); callers
// only import storage and pick a backend by Config.Kind.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownKind is returned by Open for an unregistered backend kind.
var ErrUnknownKind = errors.New("unknown storage kind")

// Config is what a backend factory needs to connect.
type Config struct {
	Kind string

	// Hosts is used by cassandra, DSN by the SQL backends.
	Hosts []string
	DSN   string

	Username    string
	Password    string
	Consistency string
	Timeout     time.Duration

	Logger *zap.Logger
}

// Rows is a fully materialized query result.
type Rows struct {
	Columns []string
	Values  [][]any
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Dialect renders the statements whose syntax differs between stores.
type Dialect interface {
	// CreateTableSQL renders an idempotent CREATE TABLE for t.
	CreateTableSQL(t TableSpec) (string, error)

	// DropTableSQL renders an idempotent DROP TABLE.
	DropTableSQL(table string) string

	// InsertSQL renders a parameterized insert of columns into t with one
	// placeholder per column, in column order. Writing a row whose primary key
	// already exists overwrites it.
	InsertSQL(t TableSpec, columns []string) (string, error)

	// LimitSQL appends a row limit. It returns false when the store cannot limit
	// in SQL and the caller must truncate.
	LimitSQL(query string, n int) (string, bool)
}

// Session is one connection to a store. It is used from a single goroutine.
type Session interface {
	Dialect

	Kind() string

	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, stmt string, args ...any) error

	// Query runs a statement and materializes every row.
	Query(ctx context.Context, stmt string, args ...any) (*Rows, error)

	// CreateKeyspace creates the namespace tables live in, if missing.
	CreateKeyspace(ctx context.Context, name string, replicationFactor int) error

	// UseKeyspace makes name the default namespace for later statements.
	UseKeyspace(ctx context.Context, name string) error

	// Close releases the connection. Safe to call more than once.
	Close()
}

// Factory connects a Session for a registered kind.
type Factory func(ctx context.Context, cfg Config) (Session, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind.
//
// Panics when kind is empty, f is nil, or kind is already registered, so a
// misconfigured build fails at init rather than at first use.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open connects a Session using the backend registered for cfg.Kind.
func Open(ctx context.Context, cfg Config) (Session, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}
	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %s (registered: %v)", ErrUnknownKind, cfg.Kind, Kinds())
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Kind, err)
	}
	return s, nil
}
