// Package metrics exposes ingestion run metrics in the Prometheus format.
//
// Ingestion is a batch job, so metrics are pushed to a Pushgateway at the
// end of each invocation rather than scraped.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/txn2/f1db-ingest/pkg/history"
)

// DefaultJob is the Pushgateway job name used when none is configured.
const DefaultJob = "f1db_ingest"

// Metrics holds the run collectors and the registry they are bound to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	runs           *prometheus.CounterVec
	lastSuccess    prometheus.Gauge
	duration       prometheus.Histogram
	filesPublished prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "f1db_ingest_runs_total",
			Help: "Ingestion runs by outcome.",
		}, []string{"outcome"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "f1db_ingest_last_success_timestamp_seconds",
			Help: "Unix time of the last run that published new data.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "f1db_ingest_run_duration_seconds",
			Help:    "Wall time of ingestion runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		filesPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "f1db_ingest_files_published",
			Help: "Objects uploaded by the last successful run.",
		}),
	}
	m.registry.MustRegister(m.runs, m.lastSuccess, m.duration, m.filesPublished)
	return m
}

// Registry returns the registry the collectors are bound to.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(run history.Run) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(run.Outcome)).Inc()
	m.duration.Observe(float64(run.DurationMS) / 1000)
	if run.Outcome == history.OutcomeSucceeded {
		finished := run.StartedAt.Add(time.Duration(run.DurationMS) * time.Millisecond)
		m.lastSuccess.Set(float64(finished.Unix()))
		m.filesPublished.Set(float64(run.FilesPublished))
	}
}

// Push sends every collected metric to the Pushgateway at url, replacing
// the previous push for job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if job == "" {
		job = DefaultJob
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}
