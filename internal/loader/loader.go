// Package loader inserts the consolidated file into every query table.
//
// The file is read in fixed-size chunks. Each row is written to each table with
// its own parameterized statement; a failed row+table is recorded in the run
// summary and loading continues. There is no retry and no rollback.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.uber.org/zap"

	"musicetl/internal/config"
	"musicetl/internal/datasource/file"
	"musicetl/internal/event"
	"musicetl/internal/metrics"
	csvparser "musicetl/internal/parser/csv"
	"musicetl/internal/report"
	"musicetl/internal/schema"
	"musicetl/internal/storage"
)

// ErrHeaderMismatch is returned when the consolidated file header is not the
// fixed flat-event header.
var ErrHeaderMismatch = errors.New("consolidated file header mismatch")

// DefaultChunkSize matches the batch size the loader has always used.
const DefaultChunkSize = 100000

// Stats counts what one Load did.
type Stats struct {
	Rows     int
	Chunks   int
	Inserted int
	Failed   int
}

// Loader writes consolidated rows to a set of tables.
type Loader struct {
	Session storage.Session
	Specs   []storage.TableSpec
	Columns schema.ColumnMap

	// ChunkSize is the number of rows read per chunk; <= 0 means DefaultChunkSize.
	ChunkSize int
	// Parser options for the consolidated file reader.
	Parser config.Options

	Logger *zap.Logger
}

// insertPlan is one table's insert statement with its bound fields, compiled
// once before the first row.
type insertPlan struct {
	table  string
	stmt   string
	fields []event.Field
	types  []string
}

func (l *Loader) compile() ([]insertPlan, error) {
	cm := l.Columns
	if cm == nil {
		cm = schema.DefaultColumnMap
	}
	if err := schema.Validate(l.Specs, cm); err != nil {
		return nil, err
	}
	plans := make([]insertPlan, 0, len(l.Specs))
	for _, spec := range l.Specs {
		cols := spec.ColumnNames()
		stmt, err := l.Session.InsertSQL(spec, cols)
		if err != nil {
			return nil, err
		}
		p := insertPlan{table: spec.Name, stmt: stmt}
		for _, c := range spec.Columns {
			p.fields = append(p.fields, cm[c.Name])
			p.types = append(p.types, c.Type)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// Load reads path and inserts every row into every table, recording each
// failed insert in sum. Returned errors are fatal: unreadable file, bad header,
// invalid table specs, or context cancellation.
func (l *Loader) Load(ctx context.Context, path string, sum *report.Summary) (Stats, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if sum == nil {
		sum = report.NewSummary()
	}
	start := time.Now()
	status := "error"
	defer func() { metrics.RecordStep("load", status, time.Since(start)) }()

	var st Stats
	plans, err := l.compile()
	if err != nil {
		return st, fmt.Errorf("load: %w", err)
	}

	rc, err := file.Open(path, "")
	if err != nil {
		return st, fmt.Errorf("load: %w", err)
	}
	defer rc.Close()

	r := csvparser.NewReader(rc, l.Parser)
	hdr, err := r.Header()
	if err != nil {
		return st, fmt.Errorf("load: %s: %w", path, err)
	}
	if !slices.Equal(hdr, event.Header()) {
		return st, fmt.Errorf("load: %s: %w: got %v", path, ErrHeaderMismatch, hdr)
	}

	size := l.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	line := 1
	for {
		chunkStart := time.Now()
		chunk, rerr := r.ReadChunk(ctx, size)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return st, fmt.Errorf("load: %s: %w", path, rerr)
		}
		if len(chunk) > 0 {
			st.Chunks++
			failedBefore := st.Failed
			for _, rec := range chunk {
				line++
				if err := ctx.Err(); err != nil {
					return st, err
				}
				l.loadRow(ctx, log, plans, line, rec, sum, &st)
			}
			metrics.RecordBatch()
			log.Info("chunk loaded",
				zap.String("stage", "load"),
				zap.Int("chunk", st.Chunks),
				zap.Int("rows", len(chunk)),
				zap.Int("failed", st.Failed-failedBefore),
				zap.Int64("duration_ms", time.Since(chunkStart).Milliseconds()),
			)
		}
		if rerr != nil {
			break
		}
	}

	metrics.RecordRecords("loaded", st.Rows)
	status = "ok"
	log.Info("load done",
		zap.String("stage", "load"),
		zap.String("file", path),
		zap.Int("rows", st.Rows),
		zap.Int("chunks", st.Chunks),
		zap.Int("inserted", st.Inserted),
		zap.Int("failed", st.Failed),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return st, nil
}

func (l *Loader) loadRow(ctx context.Context, log *zap.Logger, plans []insertPlan, line int, rec []string, sum *report.Summary, st *Stats) {
	st.Rows++
	row, err := event.FromRecord(rec)
	for _, p := range plans {
		res := report.OpResult{Op: report.OpInsert, Table: p.table, Line: line}
		if err != nil {
			res.Err = err
		} else {
			res.Err = l.insert(ctx, p, row)
		}
		sum.Add(res)
		if res.OK() {
			st.Inserted++
			metrics.RecordStatement(string(report.OpInsert), p.table, "ok")
			continue
		}
		st.Failed++
		metrics.RecordStatement(string(report.OpInsert), p.table, "error")
		log.Warn("insert failed",
			zap.String("stage", "load"),
			zap.String("table", p.table),
			zap.Int("line", line),
			zap.Error(res.Err),
		)
	}
}

func (l *Loader) insert(ctx context.Context, p insertPlan, row event.FlatEventRow) error {
	args := make([]any, len(p.fields))
	for i, f := range p.fields {
		v, err := storage.Coerce(p.types[i], row.Value(f))
		if err != nil {
			return fmt.Errorf("%s: %w", f.Header(), err)
		}
		args[i] = v
	}
	return l.Session.Exec(ctx, p.stmt, args...)
}
