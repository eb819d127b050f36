package ingest

import (
	"errors"
	"fmt"
)

// Kind classifies ingestion failures by how far the run got and what an
// operator has to do about it.
type Kind string

const (
	// KindConfiguration is a missing or malformed required input. Nothing
	// was mutated.
	KindConfiguration Kind = "configuration"

	// KindNetwork is a failed download. Nothing was mutated.
	KindNetwork Kind = "network"

	// KindMissingData is an absent, unreadable or empty archive. Nothing
	// was mutated.
	KindMissingData Kind = "missing_data"

	// KindIO is a filesystem failure. It may happen after the raw directory
	// began changing, in which case the directory can be partially merged.
	KindIO Kind = "io"

	// KindPublish is an upload failure. Local data is already committed;
	// only the remote mirror is stale.
	KindPublish Kind = "publish"

	// KindUnknown is reported by KindOf for errors not produced here.
	KindUnknown Kind = "unknown"
)

// Error is returned by every failing ingestion operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCategory returns the kind as a string for callers that categorize
// errors without importing this package.
func (e *Error) ErrorCategory() string {
	return string(e.Kind)
}

// KindOf returns the kind of err, or "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
