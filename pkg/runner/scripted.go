package runner

import (
	"context"
	"io"
	"sync"
)

// Scripted is a Runner that records commands and replies from a script
// instead of starting processes. It backs dry runs and tests.
type Scripted struct {
	mu    sync.Mutex
	calls []Command

	// Respond produces the reply for cmd. Nil means success with no output.
	Respond func(cmd Command) (*Result, error)
}

// NewScripted creates a Scripted runner that succeeds with empty output
// unless Respond is set.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Run records cmd and returns the scripted reply. Output is copied to the
// command's writers the way ExecRunner streams it.
func (s *Scripted) Run(_ context.Context, cmd Command) (*Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	respond := s.Respond
	s.mu.Unlock()

	if respond == nil {
		return &Result{}, nil
	}
	res, err := respond(cmd)
	if res != nil {
		if cmd.Stdout != nil && res.Stdout != "" {
			_, _ = io.WriteString(cmd.Stdout, res.Stdout)
		}
		if cmd.Stderr != nil && res.Stderr != "" {
			_, _ = io.WriteString(cmd.Stderr, res.Stderr)
		}
	}
	return res, err
}

// Calls returns the recorded commands in order.
func (s *Scripted) Calls() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.calls))
	copy(out, s.calls)
	return out
}

// Verify interface compliance.
var _ Runner = (*Scripted)(nil)
