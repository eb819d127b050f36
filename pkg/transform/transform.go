// Package transform runs dbt models against named targets.
package transform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/txn2/f1db-ingest/pkg/container"
	"github.com/txn2/f1db-ingest/pkg/runner"
)

// DefaultBinary is the dbt executable.
const DefaultBinary = "dbt"

// DefaultTargets is the pipeline order: raw staging, semi-curated, final.
var DefaultTargets = []string{"dev", "semi", "final"}

// ErrTargetRequired is returned when a run names no target.
var ErrTargetRequired = errors.New("target is required")

// Config configures a Transformer.
type Config struct {
	// Binary is the dbt executable. Defaults to "dbt".
	Binary string

	// ProjectDir is the dbt project directory, used as working directory.
	ProjectDir string

	// Container runs dbt inside the named container through Exec when set.
	Container string

	// Targets is the pipeline order. Defaults to DefaultTargets.
	Targets []string
}

// Transformer invokes dbt.
type Transformer struct {
	cfg    Config
	runner runner.Runner
	exec   *container.Exec
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithExec routes commands through docker exec. Required when
// Config.Container is set.
func WithExec(e *container.Exec) Option {
	return func(t *Transformer) {
		t.exec = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = l
	}
}

// WithOutput streams dbt output to stdout and stderr as it runs.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(t *Transformer) {
		t.stdout = stdout
		t.stderr = stderr
	}
}

// New creates a Transformer running commands through r.
func New(cfg Config, r runner.Runner, opts ...Option) (*Transformer, error) {
	if r == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = DefaultTargets
	}
	t := &Transformer{cfg: cfg, runner: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if cfg.Container != "" && t.exec == nil {
		t.exec = container.New(r)
	}
	return t, nil
}

// Targets returns the pipeline order.
func (t *Transformer) Targets() []string {
	return t.cfg.Targets
}

// Command returns the invocation for one target: "dbt run --target T",
// with "--select S" appended when selector is not empty.
func (t *Transformer) Command(target, selector string) runner.Command {
	args := []string{"run", "--target", target}
	if selector != "" {
		args = append(args, "--select", selector)
	}
	cmd := runner.Command{
		Name:   t.cfg.Binary,
		Args:   args,
		Dir:    t.cfg.ProjectDir,
		Stdout: t.stdout,
		Stderr: t.stderr,
	}
	if t.cfg.Container != "" {
		return t.exec.Wrap(t.cfg.Container, cmd)
	}
	return cmd
}

// Run executes dbt for target, optionally limited to selector.
func (t *Transformer) Run(ctx context.Context, target, selector string) (*runner.Result, error) {
	if target == "" {
		return nil, ErrTargetRequired
	}
	cmd := t.Command(target, selector)
	t.logger.Info("running dbt models", "target", target, "select", selector, "command", cmd.String())

	res, err := t.runner.Run(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("dbt run failed for target %s: %w", target, err)
	}
	t.logger.Info("dbt models complete", "target", target)
	return res, nil
}

// RunPipeline runs every target in order and stops at the first failure.
func (t *Transformer) RunPipeline(ctx context.Context) error {
	for _, target := range t.cfg.Targets {
		if _, err := t.Run(ctx, target, ""); err != nil {
			return err
		}
	}
	t.logger.Info("dbt pipeline complete", "targets", t.cfg.Targets)
	return nil
}
