// Package mssql is the Microsoft SQL Server store backend.
//
// A keyspace maps to a database. USE is connection state, so the session runs on
// one pinned connection (see sqldb).
package mssql

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"musicetl/internal/storage"
	"musicetl/internal/storage/sqldb"
)

// Kind is the registry name of this backend.
const Kind = "mssql"

func init() {
	storage.Register(Kind, New)
}

// Session implements storage.Session for SQL Server.
type Session struct {
	*sqldb.Conn
	Dialect

	log *zap.Logger
}

// New opens cfg.DSN with the "sqlserver" driver.
func New(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	conn, err := sqldb.Open(ctx, "sqlserver", cfg.DSN, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Session{Conn: conn, log: cfg.Logger}, nil
}

func (s *Session) Kind() string { return Kind }

// CreateKeyspace creates database name if it does not exist.
func (s *Session) CreateKeyspace(ctx context.Context, name string, replicationFactor int) error {
	if !storage.ValidIdent(name) {
		return fmt.Errorf("mssql: invalid keyspace %q", name)
	}
	return s.Exec(ctx, fmt.Sprintf("IF DB_ID(N'%s') IS NULL CREATE DATABASE %s", name, mssqlIdent(name)))
}

func (s *Session) UseKeyspace(ctx context.Context, name string) error {
	if !storage.ValidIdent(name) {
		return fmt.Errorf("mssql: invalid keyspace %q", name)
	}
	return s.Exec(ctx, "USE "+mssqlIdent(name))
}

// Dialect renders T-SQL statements.
type Dialect struct{}

func mssqlIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

// mssqlType maps CQL types. Key text columns get a bounded length because index
// keys are limited to 900 bytes per row (3 x 150 nvarchar fits).
func mssqlType(cqlType string, key bool) (string, error) {
	switch strings.ToLower(cqlType) {
	case "text", "varchar", "ascii":
		if key {
			return "NVARCHAR(150)", nil
		}
		return "NVARCHAR(MAX)", nil
	case "int":
		return "INT", nil
	case "smallint":
		return "SMALLINT", nil
	case "bigint":
		return "BIGINT", nil
	case "float":
		return "REAL", nil
	case "double":
		return "FLOAT(53)", nil
	case "boolean":
		return "BIT", nil
	}
	return "", fmt.Errorf("mssql: unsupported type %q", cqlType)
}

// CreateTableSQL guards CREATE TABLE with OBJECT_ID since T-SQL has no IF NOT EXISTS.
func (Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		key := t.IsKey(c.Name)
		typ, err := mssqlType(c.Type, key)
		if err != nil {
			return "", err
		}
		null := " NULL"
		if key {
			null = " NOT NULL"
		}
		parts = append(parts, mssqlIdent(c.Name)+" "+typ+null)
	}
	parts = append(parts, "PRIMARY KEY ("+joinIdents(t.PrimaryKey.Columns(), "")+")")

	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		t.Name, mssqlIdent(t.Name), strings.Join(parts, ", ")), nil
}

func (Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + mssqlIdent(table)
}

// InsertSQL renders a MERGE keyed on the primary key, so a reload overwrites.
func (Dialect) InsertSQL(t storage.TableSpec, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("mssql: insert into %s: no columns", t.Name)
	}
	params := make([]string, len(columns))
	var sets []string
	for i, c := range columns {
		if _, ok := t.Column(c); !ok {
			return "", fmt.Errorf("mssql: insert into %s: unknown column %s", t.Name, c)
		}
		params[i] = fmt.Sprintf("@p%d", i+1)
		if !t.IsKey(c) {
			sets = append(sets, fmt.Sprintf("tgt.%s = src.%s", mssqlIdent(c), mssqlIdent(c)))
		}
	}
	keys := t.PrimaryKey.Columns()
	on := make([]string, len(keys))
	for i, k := range keys {
		on[i] = fmt.Sprintf("tgt.%s = src.%s", mssqlIdent(k), mssqlIdent(k))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (VALUES (%s)) AS src (%s) ON %s",
		mssqlIdent(t.Name), strings.Join(params, ", "), joinIdents(columns, ""), strings.Join(on, " AND "))
	if len(sets) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		joinIdents(columns, ""), joinIdents(columns, "src."))
	return b.String(), nil
}

// LimitSQL reports false: TOP must go after SELECT and the query text is not
// parsed, so the runner truncates client-side.
func (Dialect) LimitSQL(query string, n int) (string, bool) {
	return query, false
}

func joinIdents(cols []string, prefix string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

var _ storage.Session = (*Session)(nil)
