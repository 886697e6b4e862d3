// Package storagetest provides an in-memory storage.Session that records
// statements, for tests of code that drives a store.
package storagetest

import (
	"context"
	"sync"

	"musicetl/internal/storage"
	"musicetl/internal/storage/cassandra"
)

// Call is one recorded statement.
type Call struct {
	Stmt string
	Args []any
}

// Fake records every statement and renders CQL through the cassandra dialect.
// Set the hooks to inject failures or results.
type Fake struct {
	cassandra.Dialect

	// ExecErr, when set, decides the error for each Exec.
	ExecErr func(stmt string, args []any) error
	// QueryFn, when set, answers Query; otherwise Query returns empty rows.
	QueryFn func(stmt string, args []any) (*storage.Rows, error)
	// KeyspaceErr is returned by CreateKeyspace when set.
	KeyspaceErr error

	mu        sync.Mutex
	execs     []Call
	queries   []Call
	keyspaces []string
	used      string
	closed    int
}

func (f *Fake) Kind() string { return "fake" }

func (f *Fake) Exec(ctx context.Context, stmt string, args ...any) error {
	f.mu.Lock()
	f.execs = append(f.execs, Call{Stmt: stmt, Args: args})
	hook := f.ExecErr
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		return hook(stmt, args)
	}
	return nil
}

func (f *Fake) Query(ctx context.Context, stmt string, args ...any) (*storage.Rows, error) {
	f.mu.Lock()
	f.queries = append(f.queries, Call{Stmt: stmt, Args: args})
	hook := f.QueryFn
	f.mu.Unlock()
	if hook != nil {
		return hook(stmt, args)
	}
	return &storage.Rows{}, nil
}

func (f *Fake) CreateKeyspace(ctx context.Context, name string, replicationFactor int) error {
	if f.KeyspaceErr != nil {
		return f.KeyspaceErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyspaces = append(f.keyspaces, name)
	return nil
}

func (f *Fake) UseKeyspace(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = name
	return nil
}

func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

// Execs returns the recorded Exec calls.
func (f *Fake) Execs() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.execs...)
}

// ExecStmts returns just the statements of the recorded Exec calls.
func (f *Fake) ExecStmts() []string {
	calls := f.Execs()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Stmt
	}
	return out
}

// Queries returns the recorded Query calls.
func (f *Fake) Queries() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.queries...)
}

// Keyspaces returns the keyspaces created so far.
func (f *Fake) Keyspaces() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keyspaces...)
}

// Used returns the keyspace last passed to UseKeyspace.
func (f *Fake) Used() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// Closed returns how many times Close was called.
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ storage.Session = (*Fake)(nil)
