// Package sqlite is the SQLite store backend, used for local dry runs and tests.
//
// SQLite has a single namespace per database file, so keyspaces are accepted and
// ignored; the DSN picks the database.
package sqlite

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"musicetl/internal/storage"
	"musicetl/internal/storage/sqldb"
)

// Kind is the registry name of this backend.
const Kind = "sqlite"

func init() {
	storage.Register(Kind, New)
}

// Session implements storage.Session for SQLite.
type Session struct {
	*sqldb.Conn
	Dialect

	log *zap.Logger
}

// New opens cfg.DSN (a file path, "file:..." URI or ":memory:").
func New(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	conn, err := sqldb.Open(ctx, "sqlite", cfg.DSN, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Session{Conn: conn, log: cfg.Logger}, nil
}

func (s *Session) Kind() string { return Kind }

// CreateKeyspace is a no-op.
func (s *Session) CreateKeyspace(ctx context.Context, name string, replicationFactor int) error {
	if !storage.ValidIdent(name) {
		return fmt.Errorf("sqlite: invalid keyspace %q", name)
	}
	s.log.Debug("keyspace ignored", zap.String("stage", "keyspace"), zap.String("keyspace", name))
	return nil
}

// UseKeyspace is a no-op.
func (s *Session) UseKeyspace(ctx context.Context, name string) error { return nil }

// Dialect renders SQLite statements.
type Dialect struct{}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlType(cqlType string) (string, error) {
	switch strings.ToLower(cqlType) {
	case "text", "varchar", "ascii":
		return "TEXT", nil
	case "int", "bigint", "smallint", "boolean":
		return "INTEGER", nil
	case "float", "double":
		return "REAL", nil
	}
	return "", fmt.Errorf("sqlite: unsupported type %q", cqlType)
}

// CreateTableSQL renders CREATE TABLE IF NOT EXISTS with a composite primary key.
// Clustering order has no storage meaning here; queries sort with ORDER BY.
func (Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := sqlType(c.Type)
		if err != nil {
			return "", err
		}
		def := sqlIdent(c.Name) + " " + typ
		if t.IsKey(c.Name) {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	keys := t.PrimaryKey.Columns()
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = sqlIdent(k)
	}
	parts = append(parts, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", sqlIdent(t.Name), strings.Join(parts, ", ")), nil
}

func (Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + sqlIdent(table)
}

// InsertSQL renders INSERT OR REPLACE, which overwrites on primary key conflict.
func (Dialect) InsertSQL(t storage.TableSpec, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("sqlite: insert into %s: no columns", t.Name)
	}
	cols := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		if _, ok := t.Column(c); !ok {
			return "", fmt.Errorf("sqlite: insert into %s: unknown column %s", t.Name, c)
		}
		cols[i] = sqlIdent(c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		sqlIdent(t.Name), strings.Join(cols, ", "), strings.Join(marks, ", ")), nil
}

func (Dialect) LimitSQL(query string, n int) (string, bool) {
	return fmt.Sprintf("%s LIMIT %d", strings.TrimRight(strings.TrimSpace(query), ";"), n), true
}

var _ storage.Session = (*Session)(nil)
