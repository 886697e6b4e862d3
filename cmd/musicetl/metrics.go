package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"musicetl/internal/config"
	"musicetl/internal/metrics"
	"musicetl/internal/metrics/datadog"
	"musicetl/internal/metrics/prompush"
)

const defaultPushgatewayURL = "http://localhost:9091"

type metricsBackend interface {
	metrics.Backend
	Close() error
}

// pushBackend adapts prompush, which flushes but does not close, to metricsBackend.
type pushBackend struct{ *prompush.Backend }

func (b pushBackend) Close() error { return b.Flush() }

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	newPushBackend = func(job, url string) (metricsBackend, error) {
		b, err := prompush.NewBackend(job, url)
		if err != nil {
			return nil, err
		}
		return pushBackend{b}, nil
	}
	setMetricsBackend = func(b metrics.Backend) { metrics.SetBackend(b) }
)

// metricsBackendName picks the backend: flag, then METRICS_BACKEND, then config.
func metricsBackendName(flag string, c config.Metrics, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if env := getenv("METRICS_BACKEND"); env != "" {
		return env
	}
	return c.Backend
}

// initMetrics installs the named backend. The returned cleanup is never nil and
// flushes the backend once.
func initMetrics(ctx context.Context, c config.Pipeline, backend string, log *zap.Logger) (func(), error) {
	noop := func() {}
	var (
		b   metricsBackend
		err error
	)
	switch backend {
	case "", "none":
		log.Debug("metrics disabled", zap.String("backend", backend))
		return noop, nil

	case "datadog":
		tags := append(append([]string(nil), c.Metrics.Tags...), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err = newDatadogBackend(ctx, datadog.Options{
			JobName:    c.Job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})

	case "pushgateway":
		url := c.Metrics.PushgatewayURL
		if env := os.Getenv("PUSHGATEWAY_URL"); env != "" {
			url = env
		}
		if url == "" {
			url = defaultPushgatewayURL
		}
		b, err = newPushBackend(c.Job, url)

	default:
		log.Warn("unknown metrics backend; metrics disabled", zap.String("backend", backend))
		return noop, nil
	}
	if err != nil {
		return noop, fmt.Errorf("init metrics %s: %w", backend, err)
	}

	setMetricsBackend(b)
	log.Info("metrics enabled", zap.String("backend", backend), zap.String("job", c.Job))
	return func() {
		if err := b.Close(); err != nil {
			log.Warn("metrics close error", zap.String("backend", backend), zap.Error(err))
		}
		setMetricsBackend(nil)
	}, nil
}
