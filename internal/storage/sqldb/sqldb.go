// Package sqldb is the database/sql plumbing shared by the sqlite and mssql
// backends: one pinned connection, Exec, and fully materialized queries.
//
// The connection is pinned because keyspace selection (USE, in-memory sqlite)
// is per-connection state that a pool would silently lose.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"musicetl/internal/storage"
)

// Conn wraps a single database/sql connection.
type Conn struct {
	db   *sql.DB
	conn *sql.Conn
	log  *zap.Logger

	closeOnce sync.Once
}

// Open opens driverName/dsn and pins one connection.
func Open(ctx context.Context, driverName, dsn string, log *zap.Logger) (*Conn, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s: empty dsn", driverName)
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}
	return &Conn{db: db, conn: conn, log: log}, nil
}

// Exec runs a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, stmt string, args ...any) error {
	c.log.Debug("exec", zap.String("stage", "store"), zap.String("stmt", stmt), zap.Int("args", len(args)))
	_, err := c.conn.ExecContext(ctx, stmt, args...)
	return err
}

// Query runs stmt and reads every row. []byte values come back as strings.
func (c *Conn) Query(ctx context.Context, stmt string, args ...any) (*storage.Rows, error) {
	c.log.Debug("query", zap.String("stage", "store"), zap.String("stmt", stmt))
	rows, err := c.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return ScanAll(rows)
}

// Close releases the pinned connection and the pool.
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		_ = c.db.Close()
	})
}

// RowScanner is the part of *sql.Rows that ScanAll needs.
type RowScanner interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// ScanAll materializes rows.
func ScanAll(rows RowScanner) (*storage.Rows, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &storage.Rows{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
