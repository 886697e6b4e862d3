// Package probe samples the consolidated file and reports how it fits the
// query tables before anything is written to a store.
//
// For each column it infers a coarse CQL type and a bounded distinct count.
// For each table it counts distinct primary-key tuples, which shows how many
// sampled rows an upsert would collapse, and flags declared column types the
// sample would not coerce into.
//
// Probing is best-effort: malformed lines are counted and skipped.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"musicetl/internal/config"
	"musicetl/internal/datasource/file"
	"musicetl/internal/event"
	csvparser "musicetl/internal/parser/csv"
	"musicetl/internal/schema"
	"musicetl/internal/storage"
)

const (
	// DefaultMaxRows bounds the sample.
	DefaultMaxRows = 10000

	// distinctCap bounds the distinct set kept per column.
	distinctCap = 10000
)

// Inferred type labels, narrowest first.
const (
	TypeEmpty  = "empty"
	TypeInt    = "int"
	TypeBigint = "bigint"
	TypeDouble = "double"
	TypeText   = "text"
)

// Options control sampling.
type Options struct {
	// MaxRows is the number of data rows read; <= 0 means DefaultMaxRows.
	MaxRows int
	Parser  config.Options
}

// ColumnStats describes one consolidated column in the sample.
type ColumnStats struct {
	Name     string
	Inferred string
	NonEmpty int
	Distinct int
	// Capped is set when Distinct stopped growing at the cap.
	Capped bool
}

// KeyStats describes one table's primary key over the sample.
type KeyStats struct {
	Table        string
	Key          string
	Rows         int
	DistinctKeys int
}

// Collapsed is the number of sampled rows an upsert would overwrite.
func (k KeyStats) Collapsed() int { return k.Rows - k.DistinctKeys }

// Mismatch is a declared table column the sample does not fit.
type Mismatch struct {
	Table    string
	Column   string
	Declared string
	Inferred string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s.%s declared %s but sample is %s", m.Table, m.Column, m.Declared, m.Inferred)
}

// Report is the result of one probe.
type Report struct {
	Path       string
	Rows       int
	Malformed  int
	Truncated  bool
	Columns    []ColumnStats
	Keys       []KeyStats
	Mismatches []Mismatch
}

// columnSample accumulates one column.
type columnSample struct {
	nonEmpty int
	distinct map[string]struct{}
	capped   bool

	allInt, allBigint, allFloat bool
}

func newColumnSample() *columnSample {
	return &columnSample{distinct: make(map[string]struct{}), allInt: true, allBigint: true, allFloat: true}
}

func (c *columnSample) add(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	c.nonEmpty++
	if !c.capped {
		c.distinct[v] = struct{}{}
		if len(c.distinct) >= distinctCap {
			c.capped = true
		}
	}
	if !c.allFloat {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		c.allInt, c.allBigint, c.allFloat = false, false, false
		return
	}
	if f != math.Trunc(f) {
		c.allInt, c.allBigint = false, false
		return
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		c.allInt = false
	}
	if f < math.MinInt64 || f > math.MaxInt64 {
		c.allBigint = false
	}
}

func (c *columnSample) inferred() string {
	switch {
	case c.nonEmpty == 0:
		return TypeEmpty
	case c.allInt:
		return TypeInt
	case c.allBigint:
		return TypeBigint
	case c.allFloat:
		return TypeDouble
	default:
		return TypeText
	}
}

// Fits reports whether values inferred as inferred coerce into declared.
func Fits(declared, inferred string) bool {
	if inferred == TypeEmpty || declared == "text" {
		return true
	}
	switch declared {
	case "int":
		return inferred == TypeInt
	case "bigint":
		return inferred == TypeInt || inferred == TypeBigint
	case "smallint":
		// A range check needs the values; int is the closest safe answer.
		return inferred == TypeInt
	case "float", "double":
		return inferred != TypeText
	default:
		return false
	}
}

// Probe samples the consolidated file at path against specs.
func Probe(ctx context.Context, path string, specs []storage.TableSpec, cm schema.ColumnMap, opt Options) (Report, error) {
	if cm == nil {
		cm = schema.DefaultColumnMap
	}
	if err := schema.Validate(specs, cm); err != nil {
		return Report{}, fmt.Errorf("probe: %w", err)
	}
	limit := opt.MaxRows
	if limit <= 0 {
		limit = DefaultMaxRows
	}

	rc, err := file.Open(path, "")
	if err != nil {
		return Report{}, fmt.Errorf("probe: %w", err)
	}
	defer rc.Close()

	r := csvparser.NewReader(rc, opt.Parser)
	hdr, err := r.Header()
	if err != nil {
		return Report{}, fmt.Errorf("probe: %s: %w", path, err)
	}

	rep := Report{Path: path}
	cols := make([]*columnSample, len(event.Fields()))
	for i := range cols {
		cols[i] = newColumnSample()
	}
	keys := make([]map[string]struct{}, len(specs))
	for i := range keys {
		keys[i] = make(map[string]struct{})
	}

	for rep.Rows+rep.Malformed < limit {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rep, fmt.Errorf("probe: %s: %w", path, err)
		}
		row, err := event.FromRecord(rec)
		if err != nil {
			rep.Malformed++
			continue
		}
		rep.Rows++
		for _, f := range event.Fields() {
			cols[f].add(row.Value(f))
		}
		for i, spec := range specs {
			keys[i][keyTuple(spec, cm, row)] = struct{}{}
		}
	}
	if rep.Rows+rep.Malformed >= limit {
		if _, err := r.Next(); err == nil {
			rep.Truncated = true
		}
	}

	// Header names come from the file so a renamed column shows up as-is.
	for _, f := range event.Fields() {
		name := f.Header()
		if int(f) < len(hdr) {
			name = hdr[f]
		}
		c := cols[f]
		rep.Columns = append(rep.Columns, ColumnStats{
			Name:     name,
			Inferred: c.inferred(),
			NonEmpty: c.nonEmpty,
			Distinct: len(c.distinct),
			Capped:   c.capped,
		})
	}
	for i, spec := range specs {
		rep.Keys = append(rep.Keys, KeyStats{
			Table:        spec.Name,
			Key:          spec.PrimaryKey.CQL(),
			Rows:         rep.Rows,
			DistinctKeys: len(keys[i]),
		})
		for _, c := range spec.Columns {
			inf := cols[cm[c.Name]].inferred()
			if !Fits(c.Type, inf) {
				rep.Mismatches = append(rep.Mismatches, Mismatch{Table: spec.Name, Column: c.Name, Declared: c.Type, Inferred: inf})
			}
		}
	}
	return rep, nil
}

// keyTuple joins a row's primary-key values with a separator that cannot occur
// in CSV text.
func keyTuple(spec storage.TableSpec, cm schema.ColumnMap, row event.FlatEventRow) string {
	cols := spec.PrimaryKey.Columns()
	vals := make([]string, len(cols))
	for i, c := range cols {
		vals[i] = row.Value(cm[c])
	}
	return strings.Join(vals, "\x00")
}

// Print renders the report as two tables and the mismatch list.
func Print(w io.Writer, rep Report) {
	fmt.Fprintf(w, "%s: %d rows sampled", rep.Path, rep.Rows)
	if rep.Malformed > 0 {
		fmt.Fprintf(w, ", %d malformed", rep.Malformed)
	}
	if rep.Truncated {
		fmt.Fprint(w, " (sample limit reached)")
	}
	fmt.Fprintln(w)

	ct := table.NewWriter()
	ct.SetOutputMirror(w)
	ct.Style().Format.Header = text.FormatDefault
	ct.AppendHeader(table.Row{"column", "type", "values", "distinct"})
	for _, c := range rep.Columns {
		distinct := strconv.Itoa(c.Distinct)
		if c.Capped {
			distinct += "+"
		}
		ct.AppendRow(table.Row{c.Name, c.Inferred, c.NonEmpty, distinct})
	}
	ct.Render()

	kt := table.NewWriter()
	kt.SetOutputMirror(w)
	kt.Style().Format.Header = text.FormatDefault
	kt.AppendHeader(table.Row{"table", "primary key", "rows", "distinct keys", "collapsed"})
	for _, k := range rep.Keys {
		kt.AppendRow(table.Row{k.Table, k.Key, k.Rows, k.DistinctKeys, k.Collapsed()})
	}
	kt.Render()

	ms := slices.Clone(rep.Mismatches)
	slices.SortStableFunc(ms, func(a, b Mismatch) int { return strings.Compare(a.Table+a.Column, b.Table+b.Column) })
	for _, m := range ms {
		fmt.Fprintf(w, "  MISMATCH %s\n", m)
	}
}
