package history

import "context"

// NoopRecorder discards runs. Used when no database is configured.
type NoopRecorder struct{}

// NewNoopRecorder creates a new no-op recorder.
func NewNoopRecorder() *NoopRecorder {
	return &NoopRecorder{}
}

// Record does nothing.
func (*NoopRecorder) Record(_ context.Context, _ Run) error {
	return nil
}

// List returns no runs.
func (*NoopRecorder) List(_ context.Context, _ Filter) ([]Run, error) {
	return []Run{}, nil
}

// Latest returns nil.
func (*NoopRecorder) Latest(_ context.Context, _ Outcome) (*Run, error) {
	return nil, nil //nolint:nilnil // no run recorded
}

// Close is a no-op.
func (*NoopRecorder) Close() error {
	return nil
}

// Verify interface compliance.
var _ Recorder = (*NoopRecorder)(nil)
