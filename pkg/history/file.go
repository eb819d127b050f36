package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileRecorder appends runs as JSON lines to a local file. It is the
// fallback when no database is configured.
type FileRecorder struct {
	mu   sync.Mutex
	path string
}

// NewFileRecorder creates a recorder writing to path. The parent directory
// is created on first write.
func NewFileRecorder(path string) *FileRecorder {
	return &FileRecorder{path: path}
}

// Path returns the history file location.
func (r *FileRecorder) Path() string {
	return r.path
}

// Record appends run to the history file.
func (r *FileRecorder) Record(_ context.Context, run Run) error {
	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}
	// #nosec G304 -- path is operator configuration
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening history file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending run: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing history file: %w", err)
	}
	return nil
}

// List returns runs matching filter, newest first. A missing file yields no
// runs.
func (r *FileRecorder) List(_ context.Context, filter Filter) ([]Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// #nosec G304 -- path is operator configuration
	f, err := os.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Run{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening history file: %w", err)
	}
	defer func() { _ = f.Close() }()

	runs := []Run{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var run Run
		if err := json.Unmarshal(scanner.Bytes(), &run); err != nil {
			return nil, fmt.Errorf("decoding history line: %w", err)
		}
		if matches(run, filter) {
			runs = append(runs, run)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading history file: %w", err)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// Latest returns the newest run with outcome, or nil.
func (r *FileRecorder) Latest(ctx context.Context, outcome Outcome) (*Run, error) {
	runs, err := r.List(ctx, Filter{Outcome: outcome, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil //nolint:nilnil // no run recorded
	}
	return &runs[0], nil
}

func matches(run Run, filter Filter) bool {
	if filter.Outcome != "" && run.Outcome != filter.Outcome {
		return false
	}
	if filter.Since != nil && run.StartedAt.Before(*filter.Since) {
		return false
	}
	return true
}

// Close is a no-op; the file is opened per call.
func (*FileRecorder) Close() error {
	return nil
}

// Verify interface compliance.
var _ Recorder = (*FileRecorder)(nil)
