// Package main provides race-cli, the host-side command that runs ingestion
// and dbt inside their containers with docker exec.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/txn2/f1db-ingest/internal/app"
	"github.com/txn2/f1db-ingest/internal/cli"
	"github.com/txn2/f1db-ingest/pkg/config"
	"github.com/txn2/f1db-ingest/pkg/container"
	"github.com/txn2/f1db-ingest/pkg/runner"
	"github.com/txn2/f1db-ingest/pkg/transform"
)

const dryRunFlag = "--dry-run"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil)
	stop()
	os.Exit(code)
}

// run executes args and returns the exit code. A leading --dry-run prints
// the docker commands without running them. r overrides the process
// runner when not nil.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, r runner.Runner) int {
	cfg, err := config.Load(os.Getenv("RACE_CLI_CONFIG"))
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := cfg.Logging.NewLogger(stderr)

	if len(args) > 0 && args[0] == dryRunFlag {
		args = args[1:]
		r = runner.NewScripted()
	}
	if r == nil {
		r = runner.NewExecRunner(logger)
	}

	h := &host{
		ctx:    ctx,
		cfg:    cfg,
		logger: logger,
		runner: r,
		exec: container.New(r,
			container.WithBinary(cfg.Container.Binary),
			container.WithTTY(cfg.Container.TTYEnabled()),
		),
		stdout: stdout,
		stderr: stderr,
	}

	if err := h.root().Execute(args); err != nil {
		var exitErr *runner.ExitError
		if !errors.As(err, &exitErr) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return runner.ExitCode(err)
	}
	return 0
}

type host struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	runner runner.Runner
	exec   *container.Exec
	stdout io.Writer
	stderr io.Writer
}

func (h *host) root() *cli.Command {
	return &cli.Command{
		Name:   "race-cli",
		Output: h.stderr,
		Description: `Host CLI for running ingestion and dbt transformation tasks.

race-cli delegates to the ingestion and dbt containers with "docker exec".
Run it on the host that runs Docker, not inside a container. Pass
--dry-run first to print the commands without running them.`,
		Usage: "race-cli [--dry-run] <command> [flags]",
		Subcommands: []*cli.Command{
			h.ingestCommand(),
			{
				Name:    "transform",
				Summary: "Run dbt transformations in the dbt container",
				Subcommands: []*cli.Command{
					h.transformRunCommand(),
					h.pipelineCommand(),
				},
			},
			{
				Name:    "version",
				Summary: "Print the version",
				Run: func([]string) error {
					_, _ = fmt.Fprintf(h.stdout, "race-cli version %s\n", app.Version)
					return nil
				},
			},
		},
	}
}

func (h *host) ingestCommand() *cli.Command {
	return &cli.Command{
		Name:    "ingest",
		Summary: "Run ingestion in the ingestion container",
		Description: `Run the full ingestion in the ingestion container. Use --force or -f
to bypass the version check. Every other argument is forwarded to the
in-container f1db-ingest ingest command.`,
		Usage:       "race-cli ingest [-f|--force] [args...]",
		PassThrough: true,
		Examples: []cli.Example{
			{Command: "race-cli ingest"},
			{Description: "Force a re-ingest into another prefix", Command: "race-cli ingest -f --prefix raw/backfill"},
		},
		Run: func(args []string) error {
			force, extra := splitForce(args)
			cmd := h.exec.Command(h.cfg.Container.Ingestion, h.cfg.Container.IngestEntrypoint,
				container.IngestArgs(force, extra)...)

			_, _ = fmt.Fprintln(h.stdout, "Starting ingestion process on host...")
			return h.execute(cmd, "Ingestion encountered an error:", "Ingestion error")
		},
	}
}

// splitForce removes -f and --force from args.
func splitForce(args []string) (bool, []string) {
	force := false
	extra := make([]string, 0, len(args))
	for _, a := range args {
		if a == "-f" || a == "--force" {
			force = true
			continue
		}
		extra = append(extra, a)
	}
	return force, extra
}

func (h *host) transformer() (*transform.Transformer, error) {
	return transform.New(transform.Config{
		Binary:    h.cfg.Transform.Binary,
		Container: h.cfg.Container.Transform,
		Targets:   h.cfg.Transform.Targets,
	}, h.runner, transform.WithExec(h.exec), transform.WithLogger(h.logger))
}

func (h *host) transformRunCommand() *cli.Command {
	var target, selector string
	return &cli.Command{
		Name:    "run",
		Summary: "Run dbt models for one target",
		Usage:   "race-cli transform run --target TARGET [--select SELECTOR]",
		Examples: []cli.Example{
			{Command: "race-cli transform run --target dev"},
			{Command: "race-cli transform run --target final --select +driver_standings"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
			fs.StringVar(&target, "target", "", "dbt target, e.g. dev, semi, final (required)")
			fs.StringVar(&selector, "select", "", "dbt model or tag selector, e.g. my_model, +tag_name")
			return fs
		},
		Run: func([]string) error {
			if target == "" {
				return transform.ErrTargetRequired
			}
			t, err := h.transformer()
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(h.stdout, "Starting transformation process on host...")
			if err := h.execute(t.Command(target, selector), "DBT encountered an error:", "DBT transformation error"); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(h.stdout, "DBT transformation completed successfully.")
			return nil
		},
	}
}

func (h *host) pipelineCommand() *cli.Command {
	return &cli.Command{
		Name:    "run-pipeline",
		Summary: "Run dbt for dev, semi and final in order",
		Run: func([]string) error {
			t, err := h.transformer()
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(h.stdout, "Starting full DBT pipeline on host...")
			for _, target := range t.Targets() {
				_, _ = fmt.Fprintf(h.stdout, "Running DBT for target: %s\n", target)
				failed := fmt.Sprintf("DBT encountered an error on target %s:", target)
				if err := h.execute(t.Command(target, ""), failed, "DBT pipeline error"); err != nil {
					return err
				}
			}
			_, _ = fmt.Fprintln(h.stdout, "DBT pipeline completed successfully.")
			return nil
		},
	}
}

// execute echoes cmd, runs it and forwards its captured stdout. A non-zero
// exit prints failed and the captured stderr and returns an ExitError
// carrying the child's code. Any other failure is reported with prefix.
func (h *host) execute(cmd runner.Command, failed, prefix string) error {
	_, _ = fmt.Fprintf(h.stdout, "Executing: %s\n", cmd.String())

	res, err := h.runner.Run(h.ctx, cmd)
	if res != nil {
		_, _ = io.WriteString(h.stdout, res.Stdout)
	}
	if err == nil {
		return nil
	}

	var exitErr *runner.ExitError
	if errors.As(err, &exitErr) {
		_, _ = fmt.Fprintln(h.stdout, failed)
		if res != nil {
			_, _ = io.WriteString(h.stderr, res.Stderr)
		}
		return exitErr
	}

	_, _ = fmt.Fprintf(h.stdout, "%s: %v\n", prefix, err)
	h.logger.Error(prefix, "command", cmd.String(), "error", err)
	return &runner.ExitError{Code: 1}
}
