// Package cassandra is the Apache Cassandra store backend, the pipeline's primary target.
package cassandra

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"musicetl/internal/storage"
)

// Kind is the registry name of this backend.
const Kind = "cassandra"

// DefaultHosts are used when the config names none.
var DefaultHosts = []string{"127.0.0.1"}

const (
	defaultTimeout    = 5 * time.Second
	defaultNumRetries = 3
)

func init() {
	storage.Register(Kind, New)
}

// Session implements storage.Session over a gocql session.
//
// gocql does not accept USE statements, so UseKeyspace reconnects with the
// keyspace set on the cluster config.
type Session struct {
	Dialect

	cfg      storage.Config
	session  *gocql.Session
	keyspace string
	log      *zap.Logger

	closeOnce sync.Once
}

// New connects to the cluster in cfg.Hosts without a keyspace.
func New(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = DefaultHosts
	}
	cluster, err := newCluster(cfg, "")
	if err != nil {
		return nil, err
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, session: session, log: cfg.Logger}, nil
}

func newCluster(cfg storage.Config, keyspace string) (*gocql.ClusterConfig, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.One
	if cfg.Consistency != "" {
		c, err := gocql.ParseConsistencyWrapper(strings.ToUpper(cfg.Consistency))
		if err != nil {
			return nil, fmt.Errorf("cassandra: %w", err)
		}
		cluster.Consistency = c
	}
	cluster.Timeout = defaultTimeout
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	cluster.ConnectTimeout = cluster.Timeout
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: defaultNumRetries}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return cluster, nil
}

func (s *Session) Kind() string { return Kind }

func (s *Session) Exec(ctx context.Context, stmt string, args ...any) error {
	s.log.Debug("exec", zap.String("stage", "store"), zap.String("stmt", stmt), zap.Int("args", len(args)))
	return s.session.Query(stmt, args...).WithContext(ctx).Exec()
}

func (s *Session) Query(ctx context.Context, stmt string, args ...any) (*storage.Rows, error) {
	s.log.Debug("query", zap.String("stage", "store"), zap.String("stmt", stmt))
	iter := s.session.Query(stmt, args...).WithContext(ctx).Iter()

	cols := iter.Columns()
	out := &storage.Rows{Columns: make([]string, len(cols))}
	for i, c := range cols {
		out.Columns[i] = c.Name
	}
	for {
		m := make(map[string]any, len(cols))
		if !iter.MapScan(m) {
			break
		}
		row := make([]any, len(cols))
		for i, c := range cols {
			row[i] = m[c.Name]
		}
		out.Values = append(out.Values, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateKeyspace creates name with SimpleStrategy replication.
func (s *Session) CreateKeyspace(ctx context.Context, name string, replicationFactor int) error {
	stmt, err := Dialect{}.CreateKeyspaceSQL(name, replicationFactor)
	if err != nil {
		return err
	}
	return s.Exec(ctx, stmt)
}

// UseKeyspace replaces the session with one bound to name.
func (s *Session) UseKeyspace(ctx context.Context, name string) error {
	if !storage.ValidIdent(name) {
		return fmt.Errorf("cassandra: invalid keyspace %q", name)
	}
	if name == s.keyspace {
		return nil
	}
	cluster, err := newCluster(s.cfg, name)
	if err != nil {
		return err
	}
	next, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("cassandra: use %s: %w", name, err)
	}
	s.session.Close()
	s.session = next
	s.keyspace = name
	s.log.Debug("keyspace set", zap.String("stage", "keyspace"), zap.String("keyspace", name))
	return nil
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.session != nil {
			s.session.Close()
		}
	})
}

// Dialect renders CQL.
type Dialect struct{}

// CreateKeyspaceSQL renders CREATE KEYSPACE IF NOT EXISTS with SimpleStrategy.
func (Dialect) CreateKeyspaceSQL(name string, replicationFactor int) (string, error) {
	if !storage.ValidIdent(name) {
		return "", fmt.Errorf("cassandra: invalid keyspace %q", name)
	}
	if replicationFactor < 1 {
		return "", fmt.Errorf("cassandra: replication factor must be >= 1, got %d", replicationFactor)
	}
	return fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = {'class': 'SimpleStrategy', 'replication_factor': %d}",
		name, replicationFactor), nil
}

// CreateTableSQL renders
//
//	CREATE TABLE IF NOT EXISTS t (c type, ..., PRIMARY KEY ((p, ...), c, ...))
//
// with a CLUSTERING ORDER BY clause when the key has clustering columns.
func (Dialect) CreateTableSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(t.Name)
	b.WriteString(" (")
	for _, c := range t.Columns {
		b.WriteString(c.Name)
		b.WriteString(" ")
		b.WriteString(strings.ToLower(c.Type))
		b.WriteString(", ")
	}
	b.WriteString("PRIMARY KEY (")
	b.WriteString(t.PrimaryKey.CQL())
	b.WriteString("))")

	if len(t.PrimaryKey.Clustering) > 0 {
		order := make([]string, len(t.PrimaryKey.Clustering))
		for i, c := range t.PrimaryKey.Clustering {
			dir := "ASC"
			if c.Desc {
				dir = "DESC"
			}
			order[i] = c.Name + " " + dir
		}
		b.WriteString(" WITH CLUSTERING ORDER BY (")
		b.WriteString(strings.Join(order, ", "))
		b.WriteString(")")
	}
	return b.String(), nil
}

func (Dialect) DropTableSQL(table string) string {
	return "DROP TABLE IF EXISTS " + table
}

// InsertSQL renders a plain INSERT; in CQL an insert with an existing key is an upsert.
func (Dialect) InsertSQL(t storage.TableSpec, columns []string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("cassandra: insert into %s: no columns", t.Name)
	}
	marks := make([]string, len(columns))
	for i, c := range columns {
		if _, ok := t.Column(c); !ok {
			return "", fmt.Errorf("cassandra: insert into %s: unknown column %s", t.Name, c)
		}
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.Name, strings.Join(columns, ", "), strings.Join(marks, ", ")), nil
}

func (Dialect) LimitSQL(query string, n int) (string, bool) {
	return fmt.Sprintf("%s LIMIT %d", strings.TrimRight(strings.TrimSpace(query), ";"), n), true
}

var _ storage.Session = (*Session)(nil)
