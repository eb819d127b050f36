package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/txn2/f1db-ingest/pkg/history"
	"github.com/txn2/f1db-ingest/pkg/metrics"
	"github.com/txn2/f1db-ingest/pkg/storage"
)

// Fetcher downloads and unpacks release archives.
// *fetch.Fetcher satisfies this implicitly.
type Fetcher interface {
	Download(ctx context.Context, rawURL, destDir string) (string, error)
	Extract(archivePath, destDir string) (int, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(o *Orchestrator) {
		o.fetcher = f
	}
}

// WithPublisher sets the remote mirror. Required.
func WithPublisher(p storage.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithRecorder sets where finished runs are recorded.
func WithRecorder(r history.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithMetrics sets the run metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}
