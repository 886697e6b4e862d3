// Package csv reads delimited event files record by record or in fixed-size chunks.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"musicetl/internal/config"
)

// Reader wraps encoding/csv with the pipeline's parser options.
//
// Options:
//   - has_header (bool, default true): first record is a header and is not returned by Next.
//   - comma (rune, default ','), lazy_quotes (bool), trim_space (bool).
//   - fields_per_record (int, default 0 = variable): passed to encoding/csv when non-zero.
//   - header_map (map): renames header names after BOM/space cleanup.
//
// Records returned by Next and ReadChunk are owned by the caller.
type Reader struct {
	cr        *csv.Reader
	hasHeader bool
	trim      bool
	hm        map[string]string

	line      int
	header    []string
	headerErr error
	headerRd  bool
}

// NewReader builds a Reader over src.
func NewReader(src io.Reader, opt config.Options) *Reader {
	cr := csv.NewReader(src)
	cr.Comma = opt.Rune("comma", ',')
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	if n := opt.Int("fields_per_record", 0); n != 0 {
		cr.FieldsPerRecord = n
	} else {
		cr.FieldsPerRecord = -1
	}

	return &Reader{
		cr:        cr,
		hasHeader: opt.Bool("has_header", true),
		trim:      opt.Bool("trim_space", false),
		hm:        opt.StringMap("header_map"),
	}
}

// Line returns the 1-based number of the last record read, header included.
func (r *Reader) Line() int { return r.line }

// Header reads (once) and returns the cleaned header. Without has_header it returns nil.
func (r *Reader) Header() ([]string, error) {
	if !r.hasHeader {
		return nil, nil
	}
	if r.headerRd {
		return r.header, r.headerErr
	}
	r.headerRd = true

	hdr, err := r.read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("read header: empty input: %w", io.EOF)
		} else {
			err = fmt.Errorf("read header: %w", err)
		}
		r.headerErr = err
		return nil, err
	}
	out := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		h = strings.TrimSpace(h)
		if mapped, ok := r.hm[h]; ok {
			h = mapped
		}
		out[i] = h
	}
	r.header = out
	return out, nil
}

// Next returns the next data record, or io.EOF.
func (r *Reader) Next() ([]string, error) {
	if _, err := r.Header(); err != nil {
		return nil, err
	}
	rec, err := r.read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("csv read line %d: %w", r.line, err)
	}
	if r.trim {
		for i, v := range rec {
			rec[i] = strings.TrimSpace(v)
		}
	}
	return rec, nil
}

// ReadChunk returns up to n records. At end of input it returns the final
// (possibly empty) chunk together with io.EOF.
func (r *Reader) ReadChunk(ctx context.Context, n int) ([][]string, error) {
	if n <= 0 {
		n = 1
	}
	out := make([][]string, 0, n)
	for len(out) < n {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := r.Next()
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Each calls fn for every data record with its line number. It stops at the
// first error from the reader or fn. End of input is not an error.
func (r *Reader) Each(ctx context.Context, fn func(line int, rec []string) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(r.line, rec); err != nil {
			return err
		}
	}
}

func (r *Reader) read() ([]string, error) {
	rec, err := r.cr.Read()
	if err == nil || !errors.Is(err, io.EOF) {
		r.line++
	}
	return rec, err
}
