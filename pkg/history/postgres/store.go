// Package postgres provides PostgreSQL storage for ingestion run history.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/f1db-ingest/pkg/history"
)

const (
	defaultRetentionDays = 90
	defaultListCapacity  = 50
	maxListCapacity      = 1000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// runColumns lists columns returned by run SELECT queries, in scan order.
var runColumns = []string{
	"id", "started_at", "duration_ms", "release_url",
	"previous_version", "new_version", "forced", "outcome",
	"state", "error_kind", "error_message", "files_published",
}

// Store implements history.Recorder using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	now           func() time.Time
}

// Config configures the PostgreSQL history store.
type Config struct {
	// RetentionDays bounds how long runs are kept by Cleanup.
	RetentionDays int
}

// New creates a new PostgreSQL history store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
		now:           time.Now,
	}
}

// Record inserts a finished run.
func (s *Store) Record(ctx context.Context, run history.Run) error {
	query, args, err := psq.Insert("ingestion_runs").
		Columns(runColumns...).
		Values(
			run.ID,
			run.StartedAt,
			run.DurationMS,
			run.ReleaseURL,
			run.PreviousVersion,
			run.NewVersion,
			run.Forced,
			string(run.Outcome),
			run.State,
			run.ErrorKind,
			run.ErrorMessage,
			run.FilesPublished,
		).ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting ingestion run: %w", err)
	}
	return nil
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, filter history.Filter) sq.SelectBuilder {
	if filter.Outcome != "" {
		qb = qb.Where(sq.Eq{"outcome": string(filter.Outcome)})
	}
	if filter.Since != nil {
		qb = qb.Where(sq.GtOrEq{"started_at": *filter.Since})
	}
	return qb
}

// List retrieves runs matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter history.Filter) ([]history.Run, error) {
	qb := applyFilter(psq.Select(runColumns...).From("ingestion_runs"), filter)
	qb = qb.OrderBy("started_at DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit)) // #nosec G115 -- checked positive
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building run query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ingestion runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultListCapacity
	if filter.Limit > 0 && filter.Limit <= maxListCapacity {
		allocCap = filter.Limit
	}
	runs := make([]history.Run, 0, allocCap)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ingestion run rows: %w", err)
	}
	return runs, nil
}

// Latest returns the newest run with outcome, or any outcome when empty.
func (s *Store) Latest(ctx context.Context, outcome history.Outcome) (*history.Run, error) {
	qb := applyFilter(psq.Select(runColumns...).From("ingestion_runs"), history.Filter{Outcome: outcome})
	query, args, err := qb.OrderBy("started_at DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building latest query: %w", err)
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // no run recorded
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (history.Run, error) {
	var run history.Run
	var outcome string

	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.DurationMS,
		&run.ReleaseURL,
		&run.PreviousVersion,
		&run.NewVersion,
		&run.Forced,
		&outcome,
		&run.State,
		&run.ErrorKind,
		&run.ErrorMessage,
		&run.FilesPublished,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return run, err
	}
	if err != nil {
		return run, fmt.Errorf("scanning ingestion run row: %w", err)
	}
	run.Outcome = history.Outcome(outcome)
	return run, nil
}

// Cleanup removes runs older than the retention period and reports how many
// were deleted.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingestion_runs WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up ingestion runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted runs: %w", err)
	}
	return n, nil
}

// Close releases resources. The database handle is owned by the caller.
func (*Store) Close() error {
	return nil
}

// Verify interface compliance.
var _ history.Recorder = (*Store)(nil)
