// Package app wires configuration into the ingestion, transform and history
// components used by the f1db-ingest commands.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	_ "github.com/lib/pq" // postgres driver

	"github.com/txn2/f1db-ingest/pkg/config"
	"github.com/txn2/f1db-ingest/pkg/database/migrate"
	"github.com/txn2/f1db-ingest/pkg/fetch"
	"github.com/txn2/f1db-ingest/pkg/history"
	"github.com/txn2/f1db-ingest/pkg/history/postgres"
	"github.com/txn2/f1db-ingest/pkg/ingest"
	"github.com/txn2/f1db-ingest/pkg/metrics"
	"github.com/txn2/f1db-ingest/pkg/runner"
	"github.com/txn2/f1db-ingest/pkg/storage"
	"github.com/txn2/f1db-ingest/pkg/storage/s3"
	"github.com/txn2/f1db-ingest/pkg/transform"
)

// Version is set at build time.
var Version = "dev"

// ErrNoDatabase is returned by commands that need database.dsn.
var ErrNoDatabase = errors.New("database.dsn is required (or set " + config.EnvDatabaseURL + ")")

// App holds the components built from one configuration.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	publisher  storage.Publisher
	recorder   history.Recorder
	store      *postgres.Store
	db         *sql.DB
	ownsDB     bool
	metrics    *metrics.Metrics
	runner     runner.Runner
	httpClient *http.Client
	schema     schemaMigrator
	stdout     io.Writer
	stderr     io.Writer
}

// schemaMigrator holds the migration operations Migrate dispatches to.
type schemaMigrator struct {
	up      func(*sql.DB) error
	down    func(*sql.DB) error
	steps   func(*sql.DB, int) error
	version func(*sql.DB) (uint, bool, error)
}

var defaultSchema = schemaMigrator{
	up:      migrate.Run,
	down:    migrate.Down,
	steps:   migrate.Steps,
	version: migrate.Version,
}

// MigrateOptions selects what Migrate applies. The zero value applies every
// pending migration.
type MigrateOptions struct {
	// Down rolls back every migration.
	Down bool
	// Steps applies n migrations, rolling back when negative.
	Steps int
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger. Without it one is built from logging config.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		a.logger = l
	}
}

// WithPublisher overrides the publisher selected by storage.publisher.
func WithPublisher(p storage.Publisher) Option {
	return func(a *App) {
		a.publisher = p
	}
}

// WithRecorder overrides the recorder selected from database and history
// config.
func WithRecorder(r history.Recorder) Option {
	return func(a *App) {
		a.recorder = r
	}
}

// WithDB uses an open database instead of dialing database.dsn.
func WithDB(db *sql.DB) Option {
	return func(a *App) {
		a.db = db
	}
}

// WithRunner sets the runner dbt is started through.
func WithRunner(r runner.Runner) Option {
	return func(a *App) {
		a.runner = r
	}
}

// WithHTTPClient sets the client used to download releases.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) {
		a.httpClient = c
	}
}

// WithOutput sets where dbt output and logs are written.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(a *App) {
		a.stdout = stdout
		a.stderr = stderr
	}
}

// New validates cfg and builds an App.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		metrics: metrics.New(),
		schema:  defaultSchema,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		a.logger = cfg.Logging.NewLogger(a.stderr)
	}
	if a.runner == nil {
		a.runner = runner.NewExecRunner(a.logger)
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: cfg.Ingest.Timeout}
	}

	if err := a.initHistory(); err != nil {
		return nil, err
	}
	return a, nil
}

// initHistory picks the recorder: postgres when a database is configured,
// the JSON-lines file when history.file is set, otherwise none.
func (a *App) initHistory() error {
	if a.db == nil && a.cfg.Database.DSN != "" {
		db, err := openDB(a.cfg.Database)
		if err != nil {
			return err
		}
		a.db = db
		a.ownsDB = true
	}
	if a.db != nil {
		a.store = postgres.New(a.db, postgres.Config{RetentionDays: a.cfg.Database.RetentionDays})
	}

	if a.recorder != nil {
		return nil
	}
	switch {
	case a.store != nil:
		a.recorder = a.store
	case a.cfg.History.File != "":
		a.recorder = history.NewFileRecorder(a.cfg.History.File)
	default:
		a.recorder = history.NewNoopRecorder()
	}
	return nil
}

func openDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Logger returns the App's logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Metrics returns the run metrics.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Recorder returns the active history recorder.
func (a *App) Recorder() history.Recorder {
	return a.recorder
}

func (a *App) ensurePublisher() (storage.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	var err error
	switch a.cfg.Storage.Publisher {
	case config.PublisherMemory:
		a.publisher = storage.NewMemoryPublisher()
	case config.PublisherNoop:
		a.publisher = storage.NewNoopPublisher()
	default:
		a.publisher, err = s3.NewFromConfig(a.cfg.StorageSettings(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("creating publisher: %w", err)
		}
	}
	return a.publisher, nil
}

func (a *App) fetcher() *fetch.Fetcher {
	opts := []fetch.Option{
		fetch.WithLogger(a.logger),
		fetch.WithHTTPClient(a.httpClient),
	}
	if a.cfg.Ingest.UserAgent != "" {
		opts = append(opts, fetch.WithUserAgent(a.cfg.Ingest.UserAgent))
	}
	return fetch.New(opts...)
}

// Ingest runs one ingestion, then pushes metrics and prunes old history.
func (a *App) Ingest(ctx context.Context, force bool) (*ingest.Result, error) {
	if err := a.cfg.ValidateIngest(); err != nil {
		return nil, err
	}
	pub, err := a.ensurePublisher()
	if err != nil {
		return nil, &ingest.Error{Kind: ingest.KindConfiguration, Op: "creating publisher", Err: err}
	}

	orch, err := ingest.New(a.cfg.IngestSettings(),
		ingest.WithPublisher(pub),
		ingest.WithFetcher(a.fetcher()),
		ingest.WithRecorder(a.recorder),
		ingest.WithMetrics(a.metrics),
		ingest.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}

	res, runErr := orch.Ingest(ctx, force)
	a.afterRun(ctx)
	return res, runErr
}

// afterRun pushes metrics and prunes history. Failures are logged, never
// returned, so they cannot mask the run's own result.
func (a *App) afterRun(ctx context.Context) {
	job := a.cfg.Metrics.Job
	if job == "" {
		job = metrics.DefaultJob
	}
	if err := a.metrics.Push(ctx, a.cfg.Metrics.PushgatewayURL, job); err != nil {
		a.logger.Warn("failed to push metrics", "url", a.cfg.Metrics.PushgatewayURL, "error", err)
	}

	if a.store == nil {
		return
	}
	removed, err := a.store.Cleanup(ctx)
	if err != nil {
		a.logger.Warn("failed to clean up run history", "error", err)
		return
	}
	if removed > 0 {
		a.logger.Info("pruned run history", "removed", removed, "retention_days", a.cfg.Database.RetentionDays)
	}
}

// Transformer builds the dbt transformer.
func (a *App) Transformer() (*transform.Transformer, error) {
	return transform.New(a.cfg.TransformSettings(), a.runner,
		transform.WithLogger(a.logger),
		transform.WithOutput(a.stdout, a.stderr),
	)
}

// Transform runs dbt for one target.
func (a *App) Transform(ctx context.Context, target, selector string) error {
	t, err := a.Transformer()
	if err != nil {
		return err
	}
	if target == "" {
		return &ingest.Error{Kind: ingest.KindConfiguration, Op: "running transform", Err: transform.ErrTargetRequired}
	}
	_, err = t.Run(ctx, target, selector)
	return err
}

// RunPipeline ingests, then runs every dbt target. A skipped ingestion
// still runs the transforms.
func (a *App) RunPipeline(ctx context.Context, force bool) (*ingest.Result, error) {
	res, err := a.Ingest(ctx, force)
	if err != nil {
		return res, err
	}
	t, err := a.Transformer()
	if err != nil {
		return res, err
	}
	return res, t.RunPipeline(ctx)
}

// History lists recorded runs, newest first.
func (a *App) History(ctx context.Context, filter history.Filter) ([]history.Run, error) {
	runs, err := a.recorder.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing run history: %w", err)
	}
	return runs, nil
}

// LastRun returns the newest recorded run with outcome, or with any outcome
// when it is empty. It returns nil when no such run is recorded.
func (a *App) LastRun(ctx context.Context, outcome history.Outcome) (*history.Run, error) {
	run, err := a.recorder.Latest(ctx, outcome)
	if err != nil {
		return nil, fmt.Errorf("reading latest run: %w", err)
	}
	return run, nil
}

// Migrate applies schema migrations to the configured database and
// returns the resulting schema version.
func (a *App) Migrate(opts MigrateOptions) (uint, error) {
	if a.db == nil {
		return 0, &ingest.Error{Kind: ingest.KindConfiguration, Op: "running migrations", Err: ErrNoDatabase}
	}
	if opts.Down && opts.Steps != 0 {
		return 0, &ingest.Error{Kind: ingest.KindConfiguration, Op: "running migrations", Err: errors.New("down and steps cannot be combined")}
	}

	var err error
	switch {
	case opts.Down:
		err = a.schema.down(a.db)
	case opts.Steps != 0:
		err = a.schema.steps(a.db, opts.Steps)
	default:
		err = a.schema.up(a.db)
	}
	if err != nil {
		return 0, err
	}

	v, dirty, err := a.schema.version(a.db)
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	if dirty {
		a.logger.Warn("schema is dirty", "version", v)
	}
	return v, nil
}

func closeResource(errs *[]error, closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		*errs = append(*errs, err)
	}
}

// Close releases the publisher, the recorder and a database the App opened.
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		closeResource(&errs, a.publisher)
	}
	closeResource(&errs, a.recorder)
	if a.ownsDB {
		closeResource(&errs, a.db)
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing app: %w", errors.Join(errs...))
	}
	return nil
}
