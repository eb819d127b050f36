package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/f1db-ingest/pkg/history"
)

const (
	testDurationMS     = 1234
	testFilesPublished = 14
	testListLimit      = 10
)

func newTestRun() history.Run {
	return history.Run{
		ID:              "run-123",
		StartedAt:       time.Date(2025, 3, 1, 6, 0, 0, 0, time.UTC),
		DurationMS:      testDurationMS,
		ReleaseURL:      "https://github.com/f1db/f1db/releases/download/v2025.3.0/f1db-csv.zip",
		PreviousVersion: "2025.2.0",
		NewVersion:      "2025.3.0",
		Forced:          false,
		Outcome:         history.OutcomeSucceeded,
		State:           "done",
		FilesPublished:  testFilesPublished,
	}
}

func addRunRow(rows *sqlmock.Rows, run history.Run) *sqlmock.Rows {
	return rows.AddRow(
		run.ID, run.StartedAt, run.DurationMS, run.ReleaseURL,
		run.PreviousVersion, run.NewVersion, run.Forced, string(run.Outcome),
		run.State, run.ErrorKind, run.ErrorMessage, run.FilesPublished,
	)
}

func TestNew(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	t.Run("custom retention", func(t *testing.T) {
		store := New(db, Config{RetentionDays: 30})
		assert.Equal(t, 30, store.retentionDays)
		assert.Equal(t, db, store.db)
	})

	t.Run("default retention when zero", func(t *testing.T) {
		store := New(db, Config{})
		assert.Equal(t, defaultRetentionDays, store.retentionDays)
	})
}

func TestRecord_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	run := newTestRun()

	mock.ExpectExec("INSERT INTO ingestion_runs").WithArgs(
		run.ID, run.StartedAt, run.DurationMS, run.ReleaseURL,
		run.PreviousVersion, run.NewVersion, run.Forced, string(run.Outcome),
		run.State, run.ErrorKind, run.ErrorMessage, run.FilesPublished,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, store.Record(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	mock.ExpectExec("INSERT INTO ingestion_runs").
		WillReturnError(errors.New("connection refused"))

	err = store.Record(context.Background(), newTestRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting ingestion run")
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_NoFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	run := newTestRun()
	mock.ExpectQuery("SELECT .+ FROM ingestion_runs ORDER BY started_at DESC").
		WillReturnRows(addRunRow(sqlmock.NewRows(runColumns), run))

	runs, err := store.List(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run, runs[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_AllFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run := newTestRun()

	mock.ExpectQuery("SELECT .+ FROM ingestion_runs WHERE .+ ORDER BY started_at DESC LIMIT 10").
		WithArgs("succeeded", since).
		WillReturnRows(addRunRow(sqlmock.NewRows(runColumns), run))

	runs, err := store.List(context.Background(), history.Filter{
		Outcome: history.OutcomeSucceeded,
		Since:   &since,
		Limit:   testListLimit,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	mock.ExpectQuery("SELECT .+ FROM ingestion_runs").WillReturnError(errors.New("timeout"))

	_, err = store.List(context.Background(), history.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "querying ingestion runs")
}

func TestList_ScanError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	mock.ExpectQuery("SELECT .+ FROM ingestion_runs").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("only-one-column"))

	_, err = store.List(context.Background(), history.Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanning ingestion run row")
}

func TestLatest(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		run := newTestRun()
		mock.ExpectQuery("SELECT .+ FROM ingestion_runs WHERE outcome = .+ LIMIT 1").
			WithArgs("succeeded").
			WillReturnRows(addRunRow(sqlmock.NewRows(runColumns), run))

		got, err := New(db, Config{}).Latest(context.Background(), history.OutcomeSucceeded)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "2025.3.0", got.NewVersion)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("none", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer func() { _ = db.Close() }()

		mock.ExpectQuery("SELECT .+ FROM ingestion_runs ORDER BY started_at DESC LIMIT 1").
			WillReturnRows(sqlmock.NewRows(runColumns))

		got, err := New(db, Config{}).Latest(context.Background(), "")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{RetentionDays: 7})
	now := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	mock.ExpectExec("DELETE FROM ingestion_runs WHERE started_at").
		WithArgs(now.AddDate(0, 0, -7)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_Error(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("DELETE FROM ingestion_runs").WillReturnError(errors.New("locked"))

	_, err = New(db, Config{}).Cleanup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleaning up ingestion runs")
}

func TestClose(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.NoError(t, New(db, Config{}).Close())
}
