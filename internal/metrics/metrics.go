// Package metrics is the backend-neutral metrics facade used by the pipeline.
//
// Pipeline code calls the Record* helpers; cmd wires a concrete Backend
// (datadog, pushgateway) with SetBackend. The default backend discards everything.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions such as {"step": "load", "status": "ok"}.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer and submit explicitly.
type Flusher interface {
	Flush() error
}

// Metric names.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	BatchesTotal        = "etl_batches_total"
	StatementsTotal     = "etl_statements_total"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordStep counts one pipeline step and observes its duration.
func RecordStep(step, status string, d time.Duration) {
	b := current()
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts n records of a kind ("read", "written", "filtered",
// "malformed", "loaded", "failed").
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordBatch counts one loader chunk.
func RecordBatch() {
	current().IncCounter(BatchesTotal, 1, nil)
}

// RecordStatement counts one store statement by operation, table and status.
func RecordStatement(op, table, status string) {
	current().IncCounter(StatementsTotal, 1, Labels{"op": op, "table": table, "status": status})
}
