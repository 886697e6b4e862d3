// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Metrics are buffered in memory and submitted on a ticker (default once per
// minute) and once more on Close. A batch load is short, so most runs submit a
// single payload from Close; long loads still get a time series.
//
// Concurrency model:
//   - IncCounter/ObserveHistogram take the mutex and only touch maps.
//   - Flush snapshots and resets buffers under the mutex, then submits out-of-lock.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"musicetl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "musicetl".
	JobName string

	// Tags are extra Datadog tags (e.g. "service:musicetl").
	Tags []string

	// FlushEvery defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the subset of *datadogV2.MetricsApi used by Backend.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags  []string
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu      sync.Mutex
	buf     buffers
	lastErr error
}

// buffers is one collection window.
type buffers struct {
	steps      map[string]float64   // step\x00status -> count
	records    map[string]float64   // kind -> count
	statements map[string]float64   // op\x00table\x00status -> count
	durations  map[string][]float64 // step\x00status -> seconds
	batches    float64
}

func newBuffers() buffers {
	return buffers{
		steps:      make(map[string]float64),
		records:    make(map[string]float64),
		statements: make(map[string]float64),
		durations:  make(map[string][]float64),
	}
}

func (b buffers) isEmpty() bool {
	return len(b.steps) == 0 && len(b.records) == 0 && len(b.statements) == 0 &&
		len(b.durations) == 0 && b.batches == 0
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend and starts its flush loop.
//
// The client reads DD_API_KEY / DD_SITE from the environment; network errors
// surface from Flush, not from here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}
	job := opts.JobName
	if job == "" {
		job = "musicetl"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		buf:        newBuffers(),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if err := b.Flush(); err != nil {
				b.mu.Lock()
				b.lastErr = err
				b.mu.Unlock()
			}
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs a final Flush. Safe to call more than once.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
		err = b.Flush()
	})
	return err
}

// LastLoopError returns the last error seen by the periodic flush, if any.
func (b *Backend) LastLoopError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StepTotal:
		b.buf.steps[joinKey(labels["step"], labels["status"])] += delta
	case metrics.RecordsTotal:
		if kind := labels["kind"]; kind != "" {
			b.buf.records[kind] += delta
		}
	case metrics.StatementsTotal:
		b.buf.statements[joinKey(labels["op"], labels["table"], labels["status"])] += delta
	case metrics.BatchesTotal:
		b.buf.batches += delta
	}
}

// ObserveHistogram implements metrics.Backend. Only step durations are kept.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name != metrics.StepDurationSeconds {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	k := joinKey(labels["step"], labels["status"])
	b.buf.durations[k] = append(b.buf.durations[k], value)
}

func (b *Backend) snapshotAndReset() buffers {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf
	b.buf = newBuffers()
	return s
}

// Flush submits buffered metrics. Buffers are reset even when submission fails.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}
	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries is pure so naming and tagging can be tested without the network.
// Series are sorted by metric name then tags for stable payloads.
func (b *Backend) buildSeries(s buffers, nowUnix int64) []datadogV2.MetricSeries {
	var series []datadogV2.MetricSeries

	for k, v := range s.steps {
		p := splitKey(k, 2)
		series = append(series, point("musicetl.step.total", datadogV2.METRICINTAKETYPE_COUNT, v,
			withTags(b.baseTags, "step:"+p[0], "status:"+p[1]), nowUnix))
	}
	for kind, v := range s.records {
		series = append(series, point("musicetl.records.total", datadogV2.METRICINTAKETYPE_COUNT, v,
			withTags(b.baseTags, "kind:"+kind), nowUnix))
	}
	for k, v := range s.statements {
		p := splitKey(k, 3)
		series = append(series, point("musicetl.statements.total", datadogV2.METRICINTAKETYPE_COUNT, v,
			withTags(b.baseTags, "op:"+p[0], "table:"+p[1], "status:"+p[2]), nowUnix))
	}
	if s.batches != 0 {
		series = append(series, point("musicetl.batches.total", datadogV2.METRICINTAKETYPE_COUNT, s.batches, b.baseTags, nowUnix))
	}
	for k, samples := range s.durations {
		if len(samples) == 0 {
			continue
		}
		p := splitKey(k, 2)
		tags := withTags(b.baseTags, "step:"+p[0], "status:"+p[1])
		cp := append([]float64(nil), samples...)
		sort.Float64s(cp)
		var sum float64
		for _, v := range cp {
			sum += v
		}
		series = append(series,
			point("musicetl.step.duration_seconds.max", datadogV2.METRICINTAKETYPE_GAUGE, cp[len(cp)-1], tags, nowUnix),
			point("musicetl.step.duration_seconds.sum", datadogV2.METRICINTAKETYPE_GAUGE, sum, tags, nowUnix),
			point("musicetl.step.duration_seconds.p50", datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(cp, 0.50), tags, nowUnix),
		)
	}

	sort.SliceStable(series, func(i, j int) bool {
		if series[i].Metric != series[j].Metric {
			return series[i].Metric < series[j].Metric
		}
		return strings.Join(series[i].Tags, ",") < strings.Join(series[j].Tags, ",")
	})
	return series
}

func point(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func joinKey(parts ...string) string { return strings.Join(parts, "\x00") }

// splitKey splits k into exactly n parts; missing parts are "unknown".
func splitKey(k string, n int) []string {
	parts := strings.SplitN(k, "\x00", n)
	for len(parts) < n {
		parts = append(parts, "unknown")
	}
	return parts
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)
var _ metrics.Flusher = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:musicetl".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
