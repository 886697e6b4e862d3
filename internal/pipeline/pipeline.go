// Package pipeline wires the steps of a run together:
//
//	collect + flatten -> connect -> keyspace -> drop + create -> load -> validate -> teardown
//
// Flatten, connect and keyspace failures abort the run. Per-statement DDL, DML
// and query failures are recorded in the Summary and the run continues.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"musicetl/internal/config"
	"musicetl/internal/flatten"
	"musicetl/internal/loader"
	"musicetl/internal/metrics"
	"musicetl/internal/query"
	"musicetl/internal/report"
	"musicetl/internal/schema"
	"musicetl/internal/storage"
	"musicetl/internal/tables"
)

const maxShownFailures = 10

// OpenFunc connects a store session. storage.Open is the default.
type OpenFunc func(ctx context.Context, cfg storage.Config) (storage.Session, error)

// Pipeline runs the configured steps.
type Pipeline struct {
	Config config.Pipeline
	Logger *zap.Logger
	// Out receives validation query tables and the summary; nil discards them.
	Out io.Writer
	// Open connects the store; nil means storage.Open.
	Open OpenFunc
}

// Result is what a run produced.
type Result struct {
	Flatten flatten.Stats
	Load    loader.Stats
	Summary *report.Summary
}

func (p *Pipeline) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Pipeline) out() io.Writer {
	if p.Out == nil {
		return io.Discard
	}
	return p.Out
}

// StorageConfig maps the store section of the config onto storage.Config.
func StorageConfig(c config.Storage, log *zap.Logger) storage.Config {
	return storage.Config{
		Kind:        c.Kind,
		Hosts:       c.Hosts,
		DSN:         c.DSN,
		Username:    c.Username,
		Password:    c.Password,
		Consistency: c.Consistency,
		Timeout:     c.TimeoutDuration(),
		Logger:      log,
	}
}

// Flatten runs the flatten step alone.
func (p *Pipeline) Flatten(ctx context.Context) (flatten.Stats, error) {
	c := p.Config
	f := &flatten.Flattener{
		Include:  c.Source.Include,
		Encoding: c.Source.Parser.String("encoding", ""),
		Parser:   c.Source.Parser,
		Strict:   c.Runtime.StrictRows,
		Logger:   p.log(),
	}
	st, err := f.Run(ctx, c.Source.Dir, c.Output.Path)
	if err != nil {
		return st, err
	}
	fmt.Fprintf(p.out(), "%s: %d lines (%d rows from %d files; %d filtered, %d malformed)\n",
		c.Output.Path, st.Lines, st.Written, st.Files, st.Filtered, st.Malformed)
	return st, nil
}

// Connect opens the store session and makes the configured keyspace current.
// The caller owns the session and must Close it.
func (p *Pipeline) Connect(ctx context.Context, sum *report.Summary) (storage.Session, error) {
	open := p.Open
	if open == nil {
		open = storage.Open
	}
	start := time.Now()
	s, err := open(ctx, StorageConfig(p.Config.Storage, p.log()))
	if err != nil {
		metrics.RecordStep("connect", "error", time.Since(start))
		return nil, err
	}
	metrics.RecordStep("connect", "ok", time.Since(start))

	ks := p.Config.Storage.Keyspace
	err = tables.New(s, p.log()).EnsureKeyspace(ctx, ks, p.Config.Storage.ReplicationFactor)
	if sum != nil {
		sum.Add(report.OpResult{Op: report.OpKeyspace, Table: ks, Err: err})
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Load recreates the tables and loads the consolidated file into s.
func (p *Pipeline) Load(ctx context.Context, s storage.Session, sum *report.Summary) (loader.Stats, error) {
	specs := schema.Tables()
	if err := schema.Validate(specs, schema.DefaultColumnMap); err != nil {
		return loader.Stats{}, err
	}
	tm := tables.New(s, p.log())
	sum.AddAll(tm.DropTables(ctx, schema.TableNames()))
	sum.AddAll(tm.CreateTables(ctx, specs))

	l := &loader.Loader{
		Session:   s,
		Specs:     specs,
		Columns:   schema.DefaultColumnMap,
		ChunkSize: p.Config.Runtime.ChunkSize,
		Logger:    p.log(),
	}
	return l.Load(ctx, p.Config.Output.Path, sum)
}

// Validate runs the validation queries and prints their results.
func (p *Pipeline) Validate(ctx context.Context, s storage.Session, sum *report.Summary) {
	r := &query.Runner{Session: s, Out: p.out(), Logger: p.log()}
	sum.AddAll(r.RunAll(ctx, schema.Queries(), p.Config.Runtime.QueryLimit))
}

// Teardown drops the tables unless keep_tables is set.
func (p *Pipeline) Teardown(ctx context.Context, s storage.Session, sum *report.Summary) {
	if p.Config.Storage.KeepTables {
		p.log().Info("tables kept", zap.String("stage", "teardown"))
		return
	}
	sum.AddAll(tables.New(s, p.log()).DropTables(ctx, schema.TableNames()))
}

// Run executes every step. The returned error is fatal-class only; statement
// failures are in Result.Summary.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Summary: report.NewSummary()}
	log := p.log().With(zap.String("run_id", res.Summary.RunID))
	run := *p
	run.Logger = log
	defer func() {
		status := "ok"
		if res.Summary.TotalFailed() > 0 {
			status = "partial"
		}
		metrics.RecordStep("run", status, time.Since(start))
	}()

	st, err := run.Flatten(ctx)
	res.Flatten = st
	if err != nil {
		return res, err
	}

	s, err := run.Connect(ctx, res.Summary)
	if err != nil {
		return res, err
	}
	defer s.Close()

	ls, err := run.Load(ctx, s, res.Summary)
	res.Load = ls
	if err != nil {
		run.Teardown(ctx, s, res.Summary)
		return res, err
	}

	run.Validate(ctx, s, res.Summary)
	run.Teardown(ctx, s, res.Summary)

	log.Info("run done",
		zap.String("stage", "run"),
		zap.Int("rows", ls.Rows),
		zap.Int("failed", res.Summary.TotalFailed()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	res.Summary.Print(run.out(), maxShownFailures)
	if run.Config.Runtime.FailOnErrors {
		if err := res.Summary.Err(); err != nil {
			return res, fmt.Errorf("run %s: %w", res.Summary.RunID, err)
		}
	}
	return res, nil
}
