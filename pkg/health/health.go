// Package health runs preflight checks against the dependencies an
// ingestion run needs and reports whether the job is ready to run.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Status is the outcome of one check.
type Status string

// Check outcomes.
const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Report states.
const (
	StateReady    = "ready"
	StateNotReady = "not_ready"
)

// DefaultTimeout bounds each check.
const DefaultTimeout = 10 * time.Second

// ErrSkipped is returned by a check that does not apply to the current
// configuration. Wrap it to give a reason.
var ErrSkipped = errors.New("skipped")

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc
}

// Result is the outcome of one named check.
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report collects check results in registration order.
type Report struct {
	State  string   `json:"state"`
	Checks []Result `json:"checks"`
}

// Ready reports whether no check failed.
func (r Report) Ready() bool {
	return r.State == StateReady
}

// WriteJSON writes r as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding health report: %w", err)
	}
	return nil
}

// WriteText writes one line per check.
func (r Report) WriteText(w io.Writer) {
	for _, c := range r.Checks {
		line := fmt.Sprintf("%-8s %s", c.Status, c.Name)
		if c.Detail != "" {
			line += ": " + c.Detail
		}
		_, _ = fmt.Fprintln(w, line)
	}
	_, _ = fmt.Fprintln(w, r.State)
}

// Checker runs registered checks in order. It is not safe for concurrent
// registration.
type Checker struct {
	checks  []check
	timeout time.Duration
	now     func() time.Time
}

// NewChecker creates a Checker bounding each check by timeout. A
// non-positive timeout uses DefaultTimeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{timeout: timeout, now: time.Now}
}

// Add registers a named check.
func (c *Checker) Add(name string, fn CheckFunc) {
	c.checks = append(c.checks, check{name: name, fn: fn})
}

// Run executes every check and returns the report. A failed check does not
// stop the ones after it.
func (c *Checker) Run(ctx context.Context) Report {
	report := Report{State: StateReady, Checks: make([]Result, 0, len(c.checks))}
	for _, chk := range c.checks {
		res := c.runOne(ctx, chk)
		if res.Status == StatusFailed {
			report.State = StateNotReady
		}
		report.Checks = append(report.Checks, res)
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, chk check) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := c.now()
	err := chk.fn(ctx)
	res := Result{Name: chk.name, Status: StatusOK, Duration: c.now().Sub(started)}

	switch {
	case err == nil:
	case errors.Is(err, ErrSkipped):
		res.Status = StatusSkipped
		res.Detail = err.Error()
	default:
		res.Status = StatusFailed
		res.Detail = err.Error()
	}
	return res
}
