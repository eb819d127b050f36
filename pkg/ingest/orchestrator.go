// Package ingest runs the version-gated F1DB ingestion workflow: check the
// release version against the local marker, and when it changed (or the run
// is forced) download, extract, merge into the raw directory, write the new
// marker and publish the tree to the remote mirror.
//
// At most one run may execute against a raw directory at a time. Callers
// serialize invocations.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/txn2/f1db-ingest/pkg/fetch"
	"github.com/txn2/f1db-ingest/pkg/history"
	"github.com/txn2/f1db-ingest/pkg/metrics"
	"github.com/txn2/f1db-ingest/pkg/storage"
	"github.com/txn2/f1db-ingest/pkg/version"
)

// Skip reasons reported in Result.SkipReason.
const (
	SkipUnparseableVersion = "version not found in release url"
	SkipVersionCurrent     = "no new version"
)

// Result describes a finished run.
type Result struct {
	RunID           string
	State           State
	PreviousVersion string
	NewVersion      string
	Forced          bool
	Skipped         bool
	SkipReason      string
	FilesExtracted  int
	FilesPublished  int
	Upload          *storage.UploadSummary
	Duration        time.Duration
}

// Orchestrator runs ingestion for one raw directory.
type Orchestrator struct {
	cfg       Config
	fetcher   Fetcher
	publisher storage.Publisher
	recorder  history.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New validates cfg and builds an Orchestrator. A publisher is required.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.publisher == nil {
		return nil, newError(KindConfiguration, "validating config", errors.New("publisher is required"))
	}
	if o.fetcher == nil {
		o.fetcher = fetch.New(fetch.WithLogger(o.logger))
	}
	if o.recorder == nil {
		o.recorder = history.NewNoopRecorder()
	}
	return o, nil
}

// Config returns the effective configuration, defaults applied.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// run carries the mutable state of one Ingest call.
type run struct {
	result  *Result
	record  *history.Run
	started time.Time
	logger  *slog.Logger

	// rawTouched is set once the raw directory may have been changed.
	rawTouched bool
}

func (r *run) enter(s State) {
	r.result.State = s
	r.logger.Debug("ingestion state", "state", string(s))
}

// Ingest performs one run. force bypasses only the version equality check.
//
// A release URL without a version is logged and reported as skipped with a
// nil error. Every outcome is recorded and observed before returning.
func (o *Orchestrator) Ingest(ctx context.Context, force bool) (*Result, error) {
	started := o.now()
	rec := history.NewRun(o.cfg.ReleaseURL, started)
	rec.Forced = force
	r := &run{
		result:  &Result{RunID: rec.ID, State: StateIdle, Forced: force},
		record:  rec,
		started: started,
		logger:  o.logger.With("run_id", rec.ID),
	}

	err := o.ingest(ctx, r, force)
	o.finish(ctx, r, err)
	return r.result, err
}

func (o *Orchestrator) ingest(ctx context.Context, r *run, force bool) error {
	cfg := o.cfg

	if err := os.MkdirAll(cfg.RawDir, 0o750); err != nil {
		return newError(KindIO, "creating raw directory", err)
	}

	r.enter(StateCheckingVersion)
	newVersion, ok := version.Parse(cfg.ReleaseURL)
	if !ok {
		r.logger.Error("could not parse version from release url", "url", cfg.ReleaseURL)
		r.skip(SkipUnparseableVersion)
		return nil
	}
	r.result.NewVersion = newVersion

	current, _, err := version.ReadMarker(cfg.RawDir)
	if err != nil {
		return newError(KindIO, "reading version marker", err)
	}
	r.result.PreviousVersion = current
	r.logger.Info("checked versions", "current", current, "new", newVersion)

	if current == newVersion && !force {
		r.logger.Info("no new version detected, skipping ingestion", "version", current)
		r.skip(SkipVersionCurrent)
		return nil
	}
	if force {
		r.logger.Info("forced ingestion", "version", newVersion)
	}

	r.enter(StatePreparing)
	dirs := cfg.staging()
	defer o.cleanup(r, dirs)
	for _, d := range dirs.all() {
		if err := resetDir(d); err != nil {
			return newError(KindIO, "preparing staging", err)
		}
	}

	r.enter(StateDownloading)
	archive, err := o.fetcher.Download(ctx, cfg.ReleaseURL, dirs.download)
	if err != nil {
		return newError(downloadKind(err), "downloading archive", err)
	}

	r.enter(StateExtracting)
	n, err := o.fetcher.Extract(archive, dirs.extract)
	if err != nil {
		return newError(extractKind(err), "extracting archive", err)
	}
	r.result.FilesExtracted = n

	r.enter(StateValidating)
	empty, err := isEmptyDir(dirs.extract)
	if err != nil {
		return newError(KindIO, "validating extraction", err)
	}
	if empty {
		r.logger.Error("extraction directory is empty", "dir", dirs.extract)
		return newError(KindMissingData, "validating extraction", fmt.Errorf("archive %s produced no entries", archive))
	}

	r.enter(StateMerging)
	if err := o.merge(r, dirs); err != nil {
		return err
	}
	if err := version.WriteMarker(cfg.RawDir, newVersion); err != nil {
		return newError(KindIO, "writing version marker", err)
	}
	r.logger.Info("updated local version", "version", newVersion)

	r.enter(StatePublishing)
	summary, err := o.publisher.Upload(ctx, cfg.Bucket, cfg.RawDir, cfg.Prefix)
	if err != nil {
		return newError(KindPublish, "publishing raw directory", err)
	}
	r.result.Upload = summary
	r.result.FilesPublished = summary.Objects
	r.logger.Info("published raw data",
		"publisher", o.publisher.Name(),
		"location", summary.Location.String(),
		"objects", summary.Objects,
	)

	r.enter(StateCleaningUp)
	return nil
}

// merge moves the extracted tree into the raw directory through the temp
// directory.
func (o *Orchestrator) merge(r *run, dirs stagingDirs) error {
	if _, err := moveEntries(dirs.extract, dirs.temp); err != nil {
		return newError(KindIO, "staging extracted entries", err)
	}
	r.rawTouched = true
	if o.cfg.CleanBeforeMerge {
		if err := ClearDirectory(o.cfg.RawDir); err != nil {
			return newError(KindIO, "clearing raw directory", err)
		}
		r.logger.Info("cleared raw directory", "dir", o.cfg.RawDir)
	}
	moved, err := moveEntries(dirs.temp, o.cfg.RawDir)
	if err != nil {
		return newError(KindIO, "merging into raw directory", err)
	}
	r.logger.Info("merged release into raw directory", "entries", moved, "dir", o.cfg.RawDir)
	return nil
}

// cleanup removes the staging directories, then the staging root when it
// is left empty. Failures are logged only.
func (o *Orchestrator) cleanup(r *run, dirs stagingDirs) {
	for _, d := range dirs.all() {
		if err := os.RemoveAll(d); err != nil {
			r.logger.Warn("removing staging directory", "dir", d, "error", err)
		}
	}
	if err := os.Remove(o.cfg.StagingDir); err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTEMPTY) {
		r.logger.Debug("removing staging root", "dir", o.cfg.StagingDir, "error", err)
	}
}

func (r *run) skip(reason string) {
	r.result.Skipped = true
	r.result.SkipReason = reason
	r.enter(StateSkippedNoOp)
}

// finish settles the terminal state and hands the run to the recorder and
// metrics.
func (o *Orchestrator) finish(ctx context.Context, r *run, err error) {
	res := r.result
	res.Duration = o.now().Sub(r.started)

	rec := r.record
	rec.DurationMS = res.Duration.Milliseconds()
	rec.PreviousVersion = res.PreviousVersion
	rec.NewVersion = res.NewVersion
	rec.FilesPublished = res.FilesPublished

	switch {
	case err != nil:
		failedIn := res.State
		res.State = StateFailed
		rec.Outcome = history.OutcomeFailed
		rec.ErrorKind = string(KindOf(err))
		rec.ErrorMessage = err.Error()
		r.logger.Error("ingestion failed",
			"state", string(failedIn),
			"kind", rec.ErrorKind,
			"raw_dir_mutated", r.rawTouched,
			"error", err,
		)
	case res.Skipped:
		rec.Outcome = history.OutcomeSkipped
	default:
		res.State = StateDone
		rec.Outcome = history.OutcomeSucceeded
		r.logger.Info("ingestion complete", "version", res.NewVersion, "duration", res.Duration)
	}
	rec.State = string(res.State)

	if recErr := o.recorder.Record(ctx, *rec); recErr != nil {
		r.logger.Warn("recording ingestion run", "error", recErr)
	}
	o.metrics.ObserveRun(*rec)
}

func downloadKind(err error) Kind {
	switch {
	case errors.Is(err, fetch.ErrNetwork):
		return KindNetwork
	case errors.Is(err, fetch.ErrMissingFile):
		return KindMissingData
	default:
		return KindIO
	}
}

func extractKind(err error) Kind {
	switch {
	case errors.Is(err, fetch.ErrMissingFile),
		errors.Is(err, fetch.ErrCorruptArchive),
		errors.Is(err, fetch.ErrUnsafePath):
		return KindMissingData
	default:
		return KindIO
	}
}
