package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"musicetl/internal/metrics"
)

func TestNewBackend_Validation(t *testing.T) {
	if _, err := NewBackend("", "http://x"); err == nil {
		t.Fatalf("empty job: expected error")
	}
	if _, err := NewBackend("job", ""); err == nil {
		t.Fatalf("empty url: expected error")
	}
}

func TestFlush_PushesRegistry(t *testing.T) {
	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("musicetl", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend err=%v", err)
	}

	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": "loaded"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "flatten", "status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.2, metrics.Labels{"step": "flatten", "status": "ok"})
	b.IncCounter(metrics.BatchesTotal, 1, nil)

	mfs, err := b.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather err=%v", err)
	}
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{metrics.RecordsTotal, metrics.StepTotal, metrics.StepDurationSeconds, metrics.BatchesTotal} {
		if !names[want] {
			t.Fatalf("registry missing %s (have %v)", want, names)
		}
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush err=%v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || !strings.HasPrefix(paths[0], "PUT /metrics/job/musicetl") {
		t.Fatalf("push requests=%v", paths)
	}
}

func TestFlush_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("musicetl", srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(); err == nil {
		t.Fatalf("expected push error")
	}
}
