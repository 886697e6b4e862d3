// Package tables creates and drops the query tables.
//
// Each statement runs independently: a failed DROP or CREATE is recorded and
// logged, and the remaining tables are still processed.
package tables

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"musicetl/internal/metrics"
	"musicetl/internal/report"
	"musicetl/internal/storage"
)

// Manager issues DDL through a store session.
type Manager struct {
	Session storage.Session
	Logger  *zap.Logger
}

// New returns a Manager for s.
func New(s storage.Session, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{Session: s, Logger: log}
}

func (m *Manager) log() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

// EnsureKeyspace creates the keyspace if missing and makes it current.
// Unlike table DDL, a failure here is returned: nothing else can run without it.
func (m *Manager) EnsureKeyspace(ctx context.Context, name string, replicationFactor int) error {
	start := time.Now()
	if err := m.Session.CreateKeyspace(ctx, name, replicationFactor); err != nil {
		metrics.RecordStatement(string(report.OpKeyspace), name, "error")
		return fmt.Errorf("create keyspace %s: %w", name, err)
	}
	if err := m.Session.UseKeyspace(ctx, name); err != nil {
		metrics.RecordStatement(string(report.OpKeyspace), name, "error")
		return fmt.Errorf("use keyspace %s: %w", name, err)
	}
	metrics.RecordStatement(string(report.OpKeyspace), name, "ok")
	m.log().Info("keyspace ready",
		zap.String("stage", "keyspace"),
		zap.String("keyspace", name),
		zap.Int("replication_factor", replicationFactor),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// DropTables issues one DROP TABLE IF EXISTS per name.
func (m *Manager) DropTables(ctx context.Context, names []string) []report.OpResult {
	out := make([]report.OpResult, 0, len(names))
	for _, name := range names {
		stmt := m.Session.DropTableSQL(name)
		res := m.exec(ctx, report.OpDrop, name, stmt)
		out = append(out, res)
	}
	return out
}

// CreateTable renders and executes the DDL for spec, logging the business
// statement the table serves alongside the rendered statement.
func (m *Manager) CreateTable(ctx context.Context, spec storage.TableSpec) report.OpResult {
	stmt, err := m.Session.CreateTableSQL(spec)
	if err != nil {
		m.log().Error("render ddl failed", zap.String("stage", "ddl"), zap.String("table", spec.Name), zap.Error(err))
		metrics.RecordStatement(string(report.OpCreate), spec.Name, "error")
		return report.OpResult{Op: report.OpCreate, Table: spec.Name, Err: err}
	}
	m.log().Info("create table",
		zap.String("stage", "ddl"),
		zap.String("table", spec.Name),
		zap.String("statement", spec.Statement),
		zap.String("ddl", stmt),
	)
	return m.exec(ctx, report.OpCreate, spec.Name, stmt)
}

// CreateTables runs CreateTable for every spec.
func (m *Manager) CreateTables(ctx context.Context, specs []storage.TableSpec) []report.OpResult {
	out := make([]report.OpResult, 0, len(specs))
	for _, s := range specs {
		out = append(out, m.CreateTable(ctx, s))
	}
	return out
}

func (m *Manager) exec(ctx context.Context, op report.Op, table, stmt string) report.OpResult {
	start := time.Now()
	err := m.Session.Exec(ctx, stmt)
	fields := []zap.Field{
		zap.String("stage", "ddl"),
		zap.String("op", string(op)),
		zap.String("table", table),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if err != nil {
		metrics.RecordStatement(string(op), table, "error")
		m.log().Error("ddl failed", append(fields, zap.String("stmt", stmt), zap.Error(err))...)
		return report.OpResult{Op: op, Table: table, Err: err}
	}
	metrics.RecordStatement(string(op), table, "ok")
	m.log().Debug("ddl ok", fields...)
	return report.OpResult{Op: op, Table: table}
}
