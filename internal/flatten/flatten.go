// Package flatten concatenates per-session event files into the consolidated
// CSV the loader reads.
package flatten

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"musicetl/internal/config"
	"musicetl/internal/datasource/file"
	"musicetl/internal/event"
	"musicetl/internal/metrics"
	csvparser "musicetl/internal/parser/csv"
)

// Stats counts what one Run saw.
type Stats struct {
	Files     int
	Read      int
	Written   int
	Filtered  int
	Malformed int

	// Lines is the physical line count of the output file, header included.
	// Quoted fields with embedded newlines add lines but not rows.
	Lines int
}

// Flattener turns a directory of raw event files into one quote-all CSV.
type Flattener struct {
	// Include filters file base names (filepath.Match); empty means all files.
	Include string
	// Encoding of the input files; empty means UTF-8 with optional BOM.
	Encoding string
	// Parser options for the input CSV reader.
	Parser config.Options
	// Strict makes the first malformed line fatal instead of counted.
	Strict bool

	Logger *zap.Logger
}

// Run reads every file under inputDir and writes the surviving rows to outputPath.
//
// The output is written to a temporary file in the same directory and renamed
// over outputPath, so a failed run never leaves a truncated file behind.
func (f *Flattener) Run(ctx context.Context, inputDir, outputPath string) (Stats, error) {
	log := f.Logger
	if log == nil {
		log = zap.NewNop()
	}
	start := time.Now()
	status := "error"
	defer func() { metrics.RecordStep("flatten", status, time.Since(start)) }()

	var st Stats
	files, err := file.ListFiles(inputDir, f.Include)
	if err != nil {
		return st, fmt.Errorf("flatten: %w", err)
	}
	st.Files = len(files)
	log.Info("files collected", zap.String("stage", "flatten"), zap.String("dir", inputDir), zap.Int("files", len(files)))

	dir := filepath.Dir(outputPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return st, fmt.Errorf("flatten: create temp output: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	w := csvparser.NewQuoteAllWriter(tmp)
	if err := w.Write(event.Header()); err != nil {
		return st, fmt.Errorf("flatten: write header: %w", err)
	}

	for _, path := range files {
		if err := f.flattenFile(ctx, log, path, w, &st); err != nil {
			return st, err
		}
	}

	if err := w.Flush(); err != nil {
		return st, fmt.Errorf("flatten: write %s: %w", outputPath, err)
	}
	if err := tmp.Chmod(outputMode(outputPath)); err != nil {
		return st, fmt.Errorf("flatten: chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return st, fmt.Errorf("flatten: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		return st, fmt.Errorf("flatten: rename to %s: %w", outputPath, err)
	}
	committed = true

	st.Lines = w.Lines()
	status = "ok"
	metrics.RecordRecords("read", st.Read)
	metrics.RecordRecords("written", st.Written)
	metrics.RecordRecords("filtered", st.Filtered)
	metrics.RecordRecords("malformed", st.Malformed)

	log.Info("flatten done",
		zap.String("stage", "flatten"),
		zap.String("output", outputPath),
		zap.Int("files", st.Files),
		zap.Int("read", st.Read),
		zap.Int("written", st.Written),
		zap.Int("filtered", st.Filtered),
		zap.Int("malformed", st.Malformed),
		zap.Int("lines", st.Lines),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return st, nil
}

// outputMode keeps the permissions of an existing output file. CreateTemp
// makes files 0600, which would otherwise replace them.
func outputMode(path string) os.FileMode {
	if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
		return fi.Mode().Perm()
	}
	return 0o644
}

func (f *Flattener) flattenFile(ctx context.Context, log *zap.Logger, path string, w *csvparser.QuoteAllWriter, st *Stats) error {
	rc, err := file.Open(path, f.Encoding)
	if err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	defer rc.Close()

	r := csvparser.NewReader(rc, f.Parser)
	if _, err := r.Header(); err != nil {
		if errors.Is(err, io.EOF) {
			log.Warn("empty input file", zap.String("stage", "flatten"), zap.String("file", path))
			return nil
		}
		return fmt.Errorf("flatten: %s: %w", path, err)
	}

	return r.Each(ctx, func(line int, rec []string) error {
		st.Read++
		row, err := event.Project(rec)
		switch {
		case err == nil:
		case errors.Is(err, event.ErrNoArtist):
			st.Filtered++
			return nil
		case errors.Is(err, event.ErrMalformedRow):
			st.Malformed++
			if f.Strict {
				return fmt.Errorf("flatten: %s line %d: %w", path, line, err)
			}
			log.Warn("malformed line skipped",
				zap.String("stage", "flatten"),
				zap.String("file", path),
				zap.Int("line", line),
				zap.Error(err),
			)
			return nil
		default:
			return fmt.Errorf("flatten: %s line %d: %w", path, line, err)
		}
		if err := w.Write(row.Record()); err != nil {
			return fmt.Errorf("flatten: write: %w", err)
		}
		st.Written++
		return nil
	})
}
