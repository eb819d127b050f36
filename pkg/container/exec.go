// Package container runs commands inside named Docker containers with
// "docker exec".
package container

import (
	"context"
	"slices"

	"github.com/txn2/f1db-ingest/pkg/runner"
)

// Default container and binary names used by the compose stack.
const (
	DefaultBinary           = "docker"
	DefaultIngestionName    = "ingestion"
	DefaultTransformName    = "dbt"
	DefaultIngestEntrypoint = "f1db-ingest"
)

// Exec builds and runs docker exec invocations.
type Exec struct {
	runner runner.Runner
	binary string
	tty    bool
}

// Option configures an Exec.
type Option func(*Exec)

// WithBinary overrides the docker binary.
func WithBinary(name string) Option {
	return func(e *Exec) {
		e.binary = name
	}
}

// WithTTY controls whether "-it" is passed. It is on by default.
func WithTTY(tty bool) Option {
	return func(e *Exec) {
		e.tty = tty
	}
}

// New creates an Exec running through r.
func New(r runner.Runner, opts ...Option) *Exec {
	e := &Exec{runner: r, binary: DefaultBinary, tty: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Command returns the invocation of program with args inside the named
// container.
func (e *Exec) Command(name, program string, args ...string) runner.Command {
	return e.Wrap(name, runner.Command{Name: program, Args: args})
}

// Wrap turns cmd into the equivalent docker exec invocation against the
// named container. Working directory and environment become -w and -e
// flags; stdio writers are carried over.
func (e *Exec) Wrap(name string, cmd runner.Command) runner.Command {
	args := []string{"exec"}
	if e.tty {
		args = append(args, "-it")
	}
	if cmd.Dir != "" {
		args = append(args, "-w", cmd.Dir)
	}
	for _, kv := range cmd.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, name, cmd.Name)
	args = append(args, cmd.Args...)

	return runner.Command{
		Name:   e.binary,
		Args:   args,
		Stdin:  cmd.Stdin,
		Stdout: cmd.Stdout,
		Stderr: cmd.Stderr,
	}
}

// Run executes cmd inside the named container.
func (e *Exec) Run(ctx context.Context, name string, cmd runner.Command) (*runner.Result, error) {
	return e.runner.Run(ctx, e.Wrap(name, cmd))
}

// IngestArgs returns the arguments for the in-container ingest command:
// "ingest", then "--force" when force is set and extra does not already
// carry "--force" or "-f", then extra unchanged.
func IngestArgs(force bool, extra []string) []string {
	args := []string{"ingest"}
	if force && !slices.Contains(extra, "--force") && !slices.Contains(extra, "-f") {
		args = append(args, "--force")
	}
	return append(args, extra...)
}
