// Package query runs the validation queries and prints their results as tables.
package query

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"

	"musicetl/internal/metrics"
	"musicetl/internal/report"
	"musicetl/internal/schema"
	"musicetl/internal/storage"
)

// Runner executes queries against a session and writes results to Out.
type Runner struct {
	Session storage.Session
	Out     io.Writer
	Logger  *zap.Logger
}

func (r *Runner) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run executes q, applying limit when it is positive, and prints a banner, the
// result table and the row count. NULL values print as "NULL".
func (r *Runner) Run(ctx context.Context, q schema.Query, limit int) (*storage.Rows, error) {
	stmt := q.CQL
	clientLimit := 0
	if limit > 0 {
		var inSQL bool
		stmt, inSQL = r.Session.LimitSQL(stmt, limit)
		if !inSQL {
			clientLimit = limit
		}
	}

	start := time.Now()
	rows, err := r.Session.Query(ctx, stmt)
	if err != nil {
		metrics.RecordStatement(string(report.OpQuery), q.Table, "error")
		r.log().Error("query failed",
			zap.String("stage", "query"),
			zap.String("query", q.Name),
			zap.String("stmt", stmt),
			zap.Error(err),
		)
		return nil, fmt.Errorf("query %s: %w", q.Name, err)
	}
	metrics.RecordStatement(string(report.OpQuery), q.Table, "ok")
	if clientLimit > 0 && len(rows.Values) > clientLimit {
		rows.Values = rows.Values[:clientLimit]
	}

	r.log().Info("query done",
		zap.String("stage", "query"),
		zap.String("query", q.Name),
		zap.Int("rows", rows.Len()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)

	if r.Out != nil {
		Print(r.Out, q, stmt, rows)
	}
	return rows, nil
}

// RunAll runs each query in turn. A failed query is recorded and the next one
// still runs.
func (r *Runner) RunAll(ctx context.Context, qs []schema.Query, limit int) []report.OpResult {
	out := make([]report.OpResult, 0, len(qs))
	for _, q := range qs {
		_, err := r.Run(ctx, q, limit)
		out = append(out, report.OpResult{Op: report.OpQuery, Table: q.Table, Err: err})
	}
	return out
}

// Print renders one query result.
func Print(w io.Writer, q schema.Query, stmt string, rows *storage.Rows) {
	fmt.Fprintf(w, "-- %s: %s\n", q.Name, q.Statement)
	fmt.Fprintf(w, "%s\n", stmt)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault

	header := make(table.Row, len(rows.Columns))
	for i, c := range rows.Columns {
		header[i] = c
	}
	t.AppendHeader(header)
	for _, vals := range rows.Values {
		row := make(table.Row, len(vals))
		for i, v := range vals {
			row[i] = storage.FormatValue(v)
		}
		t.AppendRow(row)
	}
	t.Render()
	fmt.Fprintf(w, "(%d rows)\n\n", rows.Len())
}
