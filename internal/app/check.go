package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/txn2/f1db-ingest/pkg/health"
	"github.com/txn2/f1db-ingest/pkg/version"
)

// pinger is implemented by publishers that can verify their bucket.
type pinger interface {
	Ping(ctx context.Context, bucket string) error
}

// Check runs the preflight checks for an ingestion run.
func (a *App) Check(ctx context.Context) health.Report {
	c := health.NewChecker(health.DefaultTimeout)

	c.Add("config", func(context.Context) error {
		return a.cfg.ValidateIngest()
	})
	c.Add("release_url", func(context.Context) error {
		if _, ok := version.Parse(a.cfg.Ingest.ReleaseURL); !ok {
			return fmt.Errorf("no version in %q; runs will be skipped", a.cfg.Ingest.ReleaseURL)
		}
		return nil
	})
	c.Add("raw_dir", func(context.Context) error {
		return checkWritable(a.cfg.Ingest.RawDir)
	})
	c.Add("database", func(ctx context.Context) error {
		if a.db == nil {
			return fmt.Errorf("no database configured: %w", health.ErrSkipped)
		}
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("pinging database: %w", err)
		}
		return nil
	})
	c.Add("storage", func(ctx context.Context) error {
		pub, err := a.ensurePublisher()
		if err != nil {
			return err
		}
		p, ok := pub.(pinger)
		if !ok {
			return fmt.Errorf("%s publisher has no remote: %w", pub.Name(), health.ErrSkipped)
		}
		return p.Ping(ctx, a.cfg.Ingest.Bucket)
	})

	return c.Run(ctx)
}

// checkWritable ensures dir exists and a file can be created in it.
func checkWritable(dir string) error {
	if dir == "" {
		return errors.New("raw directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".f1db-check-*")
	if err != nil {
		return fmt.Errorf("writing to %s: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
