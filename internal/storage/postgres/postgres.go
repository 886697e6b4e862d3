// Package postgres is the PostgreSQL store backend.
//
// A keyspace maps to a schema; UseKeyspace sets search_path on the session's
// single connection so the unqualified validation queries resolve.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"musicetl/internal/storage"
)

// Kind is the registry name of this backend.
const Kind = "postgres"

const closeTimeout = 5 * time.Second

func init() {
	storage.Register(Kind, New)
}

// Session implements storage.Session over one pgx connection.
type Session struct {
	Dialect

	conn *pgx.Conn
	log  *zap.Logger

	closeOnce sync.Once
}

// New connects to cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres: empty dsn")
	}
	pcfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		pcfg.ConnectTimeout = cfg.Timeout
	}
	if cfg.Username != "" {
		pcfg.User = cfg.Username
	}
	if cfg.Password != "" {
		pcfg.Password = cfg.Password
	}
	conn, err := pgx.ConnectConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, log: cfg.Logger}, nil
}

func (s *Session) Kind() string { return Kind }

func (s *Session) Exec(ctx context.Context, stmt string, args ...any) error {
	s.log.Debug("exec", zap.String("stage", "store"), zap.String("stmt", stmt), zap.Int("args", len(args)))
	_, err := s.conn.Exec(ctx, stmt, args...)
	return err
}

func (s *Session) Query(ctx context.Context, stmt string, args ...any) (*storage.Rows, error) {
	s.log.Debug("query", zap.String("stage", "store"), zap.String("stmt", stmt))
	rows, err := s.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	out := &storage.Rows{Columns: make([]string, len(fds))}
	for i, fd := range fds {
		out.Columns[i] = fd.Name
	}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateKeyspace creates schema name. Replication is a cluster concern here.
func (s *Session) CreateKeyspace(ctx context.Context, name string, replicationFactor int) error {
	if !storage.ValidIdent(name) {
		return fmt.Errorf("postgres: invalid keyspace %q", name)
	}
	return s.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgIdent(name))
}

func (s *Session) UseKeyspace(ctx context.Context, name string) error {
	if !storage.ValidIdent(name) {
		return fmt.Errorf("postgres: invalid keyspace %q", name)
	}
	return s.Exec(ctx, "SET search_path TO "+pgIdent(name))
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = s.conn.Close(ctx)
	})
}

// Dialect renders PostgreSQL statements.
type Dialect struct{}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func pgType(cqlType string) (string, error) {
	switch strings.ToLower(cqlType) {
	case "text", "varchar", "ascii":
		return "text", nil
	case "int":
		return "integer", nil
	case "smallint":
		return "smallint", nil
	case "bigint":
		return "bigint", nil
	case "float":
		return "real", nil
	case "double":
		return "double precision", nil
	case "boolean":
		return "boolean", nil
	}
	return "", fmt.Errorf("postgres: unsupported type %q", cqlType)
}

func (Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return "", err
		}
		def := pgIdent(c.Name) + " " + typ
		if t.IsKey(c.Name) {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	parts = append(parts, "PRIMARY KEY ("+joinIdents(t.PrimaryKey.Columns())+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgIdent(t.Name), strings.Join(parts, ", ")), nil
}

func (Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + pgIdent(table)
}

// InsertSQL renders INSERT ... ON CONFLICT (pk) DO UPDATE so a reload overwrites
// rows with the same key. A table whose columns are all key columns uses DO NOTHING.
func (Dialect) InsertSQL(t storage.TableSpec, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("postgres: insert into %s: no columns", t.Name)
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	var updates []string
	for i, c := range columns {
		if _, ok := t.Column(c); !ok {
			return "", fmt.Errorf("postgres: insert into %s: unknown column %s", t.Name, c)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("$%d", i+1))
		if !t.IsKey(c) {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
		}
	}
	b.WriteString(") ON CONFLICT (")
	b.WriteString(joinIdents(t.PrimaryKey.Columns()))
	b.WriteString(") DO ")
	if len(updates) == 0 {
		b.WriteString("NOTHING")
	} else {
		b.WriteString("UPDATE SET ")
		b.WriteString(strings.Join(updates, ", "))
	}
	return b.String(), nil
}

func (Dialect) LimitSQL(query string, n int) (string, bool) {
	return fmt.Sprintf("%s LIMIT %d", strings.TrimRight(strings.TrimSpace(query), ";"), n), true
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}

var _ storage.Session = (*Session)(nil)
