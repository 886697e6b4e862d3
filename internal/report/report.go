// Package report collects per-statement outcomes of a run.
//
// DDL and DML failures do not stop a run. Each one is recorded as an OpResult
// and the Summary is printed at the end, so callers can see exactly which
// statements failed.
package report

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Op names the kind of statement an OpResult is for.
type Op string

const (
	OpKeyspace Op = "keyspace"
	OpDrop     Op = "drop"
	OpCreate   Op = "create"
	OpInsert   Op = "insert"
	OpQuery    Op = "query"
)

// OpResult is the outcome of one statement.
type OpResult struct {
	Op    Op
	Table string
	// Line is the consolidated-file line for inserts, 0 otherwise.
	Line int
	Err  error
}

// OK reports whether the statement succeeded.
func (r OpResult) OK() bool { return r.Err == nil }

func (r OpResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s %s: %v", r.Op, r.where(), r.Err)
	}
	return fmt.Sprintf("%s %s: ok", r.Op, r.where())
}

func (r OpResult) where() string {
	if r.Line > 0 {
		return fmt.Sprintf("%s line %d", r.Table, r.Line)
	}
	return r.Table
}

type counts struct{ ok, failed int }

// Summary aggregates results for one run.
//
// Successes are only counted; failures are kept up to MaxFailures so a bad
// input file cannot grow memory without bound.
type Summary struct {
	RunID   string
	Started time.Time

	// MaxFailures caps retained failures; 0 means 1000.
	MaxFailures int

	byOp     map[Op]*counts
	order    []Op
	failures []OpResult
	dropped  int
}

// NewSummary starts a summary with a fresh run id.
func NewSummary() *Summary {
	return &Summary{
		RunID:   uuid.NewString(),
		Started: time.Now(),
		byOp:    map[Op]*counts{},
	}
}

// Add records one result.
func (s *Summary) Add(r OpResult) {
	if s.byOp == nil {
		s.byOp = map[Op]*counts{}
	}
	c, ok := s.byOp[r.Op]
	if !ok {
		c = &counts{}
		s.byOp[r.Op] = c
		s.order = append(s.order, r.Op)
	}
	if r.OK() {
		c.ok++
		return
	}
	c.failed++
	limit := s.MaxFailures
	if limit <= 0 {
		limit = 1000
	}
	if len(s.failures) < limit {
		s.failures = append(s.failures, r)
	} else {
		s.dropped++
	}
}

// AddAll records several results.
func (s *Summary) AddAll(rs []OpResult) {
	for _, r := range rs {
		s.Add(r)
	}
}

// Succeeded returns the number of successful results for op.
func (s *Summary) Succeeded(op Op) int {
	if c, ok := s.byOp[op]; ok {
		return c.ok
	}
	return 0
}

// Failed returns the number of failed results for op.
func (s *Summary) Failed(op Op) int {
	if c, ok := s.byOp[op]; ok {
		return c.failed
	}
	return 0
}

// TotalFailed returns the number of failed results across ops.
func (s *Summary) TotalFailed() int {
	n := 0
	for _, c := range s.byOp {
		n += c.failed
	}
	return n
}

// Failures returns the retained failed results in the order they were added.
func (s *Summary) Failures() []OpResult {
	return append([]OpResult(nil), s.failures...)
}

// Err joins every retained failure, or returns nil when nothing failed.
func (s *Summary) Err() error {
	if s.TotalFailed() == 0 {
		return nil
	}
	errs := make([]error, 0, len(s.failures)+1)
	for _, f := range s.failures {
		errs = append(errs, fmt.Errorf("%s %s: %w", f.Op, f.where(), f.Err))
	}
	if s.dropped > 0 {
		errs = append(errs, fmt.Errorf("%d more failures not shown", s.dropped))
	}
	return errors.Join(errs...)
}

// Print writes a per-op table and the first failures to w.
func (s *Summary) Print(w io.Writer, maxShown int) {
	fmt.Fprintf(w, "run %s\n", s.RunID)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"op", "ok", "failed"})
	for _, op := range s.order {
		c := s.byOp[op]
		t.AppendRow(table.Row{string(op), c.ok, c.failed})
	}
	t.AppendFooter(table.Row{"elapsed", time.Since(s.Started).Truncate(time.Millisecond).String(), s.TotalFailed()})
	t.Render()

	if len(s.failures) == 0 {
		return
	}
	if maxShown <= 0 || maxShown > len(s.failures) {
		maxShown = len(s.failures)
	}
	for _, f := range s.failures[:maxShown] {
		fmt.Fprintf(w, "  FAILED %s\n", f)
	}
	if rest := s.TotalFailed() - maxShown; rest > 0 {
		fmt.Fprintf(w, "  ... and %d more\n", rest)
	}
}
