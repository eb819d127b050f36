// Package history records the outcome of every ingestion run.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeSkipped is a run that changed nothing: the version was current
	// or could not be determined.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeSucceeded is a run that replaced local data and published it.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed is a run that stopped with an error.
	OutcomeFailed Outcome = "failed"
)

// Run is one recorded ingestion attempt.
type Run struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	DurationMS      int64     `json:"duration_ms"`
	ReleaseURL      string    `json:"release_url"`
	PreviousVersion string    `json:"previous_version,omitempty"`
	NewVersion      string    `json:"new_version,omitempty"`
	Forced          bool      `json:"forced"`
	Outcome         Outcome   `json:"outcome"`
	State           string    `json:"state"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	FilesPublished  int       `json:"files_published"`
}

// NewRun creates a run with a fresh ID.
func NewRun(releaseURL string, startedAt time.Time) *Run {
	return &Run{
		ID:         uuid.NewString(),
		StartedAt:  startedAt,
		ReleaseURL: releaseURL,
	}
}

// Filter selects recorded runs.
type Filter struct {
	Outcome Outcome
	Since   *time.Time
	Limit   int
}

// Recorder persists runs.
type Recorder interface {
	// Record stores a finished run.
	Record(ctx context.Context, run Run) error

	// List returns runs matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]Run, error)

	// Latest returns the newest run with the given outcome, or any outcome
	// when empty. It returns nil when nothing matches.
	Latest(ctx context.Context, outcome Outcome) (*Run, error)

	// Close releases resources.
	Close() error
}
