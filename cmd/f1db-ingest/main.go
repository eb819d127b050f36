// Package main provides the f1db-ingest command run inside the ingestion
// container.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/txn2/f1db-ingest/internal/app"
	"github.com/txn2/f1db-ingest/internal/cli"
	"github.com/txn2/f1db-ingest/pkg/config"
	"github.com/txn2/f1db-ingest/pkg/history"
	"github.com/txn2/f1db-ingest/pkg/ingest"
	"github.com/txn2/f1db-ingest/pkg/runner"
	"github.com/txn2/f1db-ingest/pkg/storage"
)

const defaultHistoryLimit = 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, opts ...app.Option) int {
	root := newRootCommand(ctx, stdout, stderr, opts)
	if err := root.Execute(args); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return runner.ExitCode(err)
	}
	return 0
}

// env carries what every command needs to build an App.
type env struct {
	ctx        context.Context
	stdout     io.Writer
	stderr     io.Writer
	opts       []app.Option
	configPath string
}

func (e *env) addConfigFlag(fs *pflag.FlagSet) {
	fs.StringVar(&e.configPath, "config", "", "path to YAML configuration file")
}

func (e *env) load() (*config.Config, error) {
	return config.Load(e.configPath)
}

func (e *env) open(cfg *config.Config) (*app.App, error) {
	opts := append([]app.Option{app.WithOutput(e.stdout, e.stderr)}, e.opts...)
	return app.New(cfg, opts...)
}

func newRootCommand(ctx context.Context, stdout, stderr io.Writer, opts []app.Option) *cli.Command {
	e := &env{ctx: ctx, stdout: stdout, stderr: stderr, opts: opts}
	return &cli.Command{
		Name:   "f1db-ingest",
		Output: stderr,
		Description: `Ingest F1DB releases into the raw data directory and mirror them to
object storage, then run the dbt transformations.

Configuration comes from --config and the environment (F1DB_RELEASE_URL,
RAW_DATA_DIR, GCS_BUCKET, GCS_PREFIX, GCS_HMAC_ACCESS_KEY, GCS_HMAC_SECRET).`,
		Subcommands: []*cli.Command{
			ingestCommand(e),
			transformCommand(e),
			pipelineCommand(e),
			historyCommand(e),
			migrateCommand(e),
			checkCommand(e),
			versionCommand(stdout),
		},
	}
}

type ingestFlags struct {
	force      bool
	url        string
	rawDir     string
	bucket     string
	prefix     string
	stagingDir string
	clean      bool
	publisher  string
}

func (f *ingestFlags) register(fs *pflag.FlagSet) {
	fs.BoolVarP(&f.force, "force", "f", false, "ingest even if the release version matches the local one")
	fs.StringVar(&f.url, "url", "", "release archive URL (overrides "+config.EnvReleaseURL+")")
	fs.StringVar(&f.rawDir, "raw-dir", "", "raw data directory (overrides "+config.EnvRawDir+")")
	fs.StringVar(&f.bucket, "bucket", "", "destination bucket (overrides "+config.EnvBucket+")")
	fs.StringVar(&f.prefix, "prefix", "", "destination prefix (overrides "+config.EnvPrefix+")")
	fs.StringVar(&f.stagingDir, "staging-dir", "", "staging directory (overrides "+config.EnvStagingDir+")")
	fs.BoolVar(&f.clean, "clean", false, "clear the raw directory before merging the new release")
	fs.StringVar(&f.publisher, "publisher", "", "publisher: s3, memory or noop")
}

func (f *ingestFlags) apply(cfg *config.Config) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Ingest.ReleaseURL, f.url)
	override(&cfg.Ingest.RawDir, f.rawDir)
	override(&cfg.Ingest.Bucket, f.bucket)
	override(&cfg.Ingest.Prefix, f.prefix)
	override(&cfg.Ingest.StagingDir, f.stagingDir)
	override(&cfg.Storage.Publisher, f.publisher)
	if f.clean {
		cfg.Ingest.CleanBeforeMerge = true
	}
}

func ingestCommand(e *env) *cli.Command {
	var f ingestFlags
	return &cli.Command{
		Name:    "ingest",
		Summary: "Download, merge and publish the configured release",
		Description: `Download the release archive, merge it into the raw data directory,
record the version and mirror the directory to object storage.

The run is skipped when the release version matches the local version
marker, unless --force is given.`,
		Usage: "f1db-ingest ingest [--force] [--config FILE] [flags]",
		Examples: []cli.Example{
			{Description: "Ingest using environment configuration", Command: "f1db-ingest ingest"},
			{Description: "Re-ingest the current release", Command: "f1db-ingest ingest --force"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
			e.addConfigFlag(fs)
			f.register(fs)
			return fs
		},
		Run: func([]string) error {
			a, err := e.prepare(&f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			_, _ = fmt.Fprintln(e.stdout, "Starting ingestion process...")
			res, err := a.Ingest(e.ctx, f.force)
			if err != nil {
				return err
			}
			printResult(e.stdout, a.Config(), res)
			return nil
		},
	}
}

func (e *env) prepare(f *ingestFlags) (*app.App, error) {
	cfg, err := e.load()
	if err != nil {
		return nil, err
	}
	f.apply(cfg)
	return e.open(cfg)
}

func printResult(w io.Writer, cfg *config.Config, res *ingest.Result) {
	if res.Skipped {
		_, _ = fmt.Fprintf(w, "Skipped: %s (local version %q).\n", res.SkipReason, res.PreviousVersion)
		return
	}
	loc := storage.Location{Bucket: cfg.Ingest.Bucket, Prefix: cfg.Ingest.Prefix}
	size := "0 B"
	if res.Upload != nil {
		size = humanize.Bytes(uint64(res.Upload.Bytes)) // #nosec G115 -- sizes are never negative
	}
	_, _ = fmt.Fprintf(w, "Ingested version %s: %d files (%s) published to %s in %s.\n",
		res.NewVersion, res.FilesPublished, size, loc.String(), res.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintln(w, "Ingestion process completed successfully.")
}

func transformCommand(e *env) *cli.Command {
	var target, selector string
	return &cli.Command{
		Name:    "transform",
		Summary: "Run dbt models for one target",
		Usage:   "f1db-ingest transform --target TARGET [--select SELECTOR]",
		Examples: []cli.Example{
			{Command: "f1db-ingest transform --target dev"},
			{Command: "f1db-ingest transform --target final --select +driver_standings"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("transform", pflag.ContinueOnError)
			e.addConfigFlag(fs)
			fs.StringVar(&target, "target", "", "dbt target, e.g. dev, semi, final (required)")
			fs.StringVar(&selector, "select", "", "dbt model or tag selector")
			return fs
		},
		Run: func([]string) error {
			cfg, err := e.load()
			if err != nil {
				return err
			}
			a, err := e.open(cfg)
			if err != nil {
				return err
			}
			defer closeApp(a)

			_, _ = fmt.Fprintf(e.stdout, "Running dbt models for target: %s\n", target)
			return a.Transform(e.ctx, target, selector)
		},
	}
}

func pipelineCommand(e *env) *cli.Command {
	var f ingestFlags
	return &cli.Command{
		Name:    "run-pipeline",
		Summary: "Ingest, then run every dbt target in order",
		Description: `Run ingestion, then dbt for each configured target (dev, semi, final
by default), stopping at the first failing target. Transforms run even
when ingestion is skipped.`,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("run-pipeline", pflag.ContinueOnError)
			e.addConfigFlag(fs)
			f.register(fs)
			return fs
		},
		Run: func([]string) error {
			a, err := e.prepare(&f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			_, _ = fmt.Fprintln(e.stdout, "Starting full pipeline...")
			res, err := a.RunPipeline(e.ctx, f.force)
			if res != nil && err == nil {
				printResult(e.stdout, a.Config(), res)
			}
			if err != nil {
				return fmt.Errorf("pipeline failed: %w", err)
			}
			_, _ = fmt.Fprintln(e.stdout, "Pipeline completed successfully.")
			return nil
		},
	}
}

func historyCommand(e *env) *cli.Command {
	var (
		limit   int
		outcome string
		latest  bool
		asJSON  bool
	)
	return &cli.Command{
		Name:    "history",
		Summary: "List recorded ingestion runs",
		Description: `List recorded ingestion runs, newest first. Runs are read from the
database when database.dsn is set, otherwise from history.file. With
--latest only the newest matching run is shown, so
"history --latest --outcome succeeded" reports the last good ingest.`,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
			e.addConfigFlag(fs)
			fs.IntVar(&limit, "limit", defaultHistoryLimit, "maximum number of runs to show")
			fs.StringVar(&outcome, "outcome", "", "only show runs with this outcome: skipped, succeeded, failed")
			fs.BoolVar(&latest, "latest", false, "only show the newest matching run")
			fs.BoolVar(&asJSON, "json", false, "print runs as JSON lines")
			return fs
		},
		Run: func([]string) error {
			switch history.Outcome(outcome) {
			case "", history.OutcomeSkipped, history.OutcomeSucceeded, history.OutcomeFailed:
			default:
				return fmt.Errorf("unknown outcome %q", outcome)
			}

			cfg, err := e.load()
			if err != nil {
				return err
			}
			a, err := e.open(cfg)
			if err != nil {
				return err
			}
			defer closeApp(a)

			var runs []history.Run
			if latest {
				run, err := a.LastRun(e.ctx, history.Outcome(outcome))
				if err != nil {
					return err
				}
				if run != nil {
					runs = append(runs, *run)
				}
			} else {
				runs, err = a.History(e.ctx, history.Filter{Outcome: history.Outcome(outcome), Limit: limit})
				if err != nil {
					return err
				}
			}
			if asJSON {
				return writeJSON(e.stdout, runs)
			}
			writeTable(e.stdout, runs)
			return nil
		},
	}
}

func writeJSON(w io.Writer, runs []history.Run) error {
	enc := json.NewEncoder(w)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encoding run: %w", err)
		}
	}
	return nil
}

func writeTable(w io.Writer, runs []history.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tOUTCOME\tVERSION\tFORCED\tFILES\tDURATION\tERROR")
	for _, r := range runs {
		ver := r.NewVersion
		if ver == "" {
			ver = "-"
		}
		errText := "-"
		if r.ErrorKind != "" {
			errText = r.ErrorKind + ": " + r.ErrorMessage
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%s\t%s\n",
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Outcome,
			ver,
			r.Forced,
			r.FilesPublished,
			time.Duration(r.DurationMS)*time.Millisecond,
			errText,
		)
	}
	_ = tw.Flush()
}

func migrateCommand(e *env) *cli.Command {
	var opts app.MigrateOptions
	return &cli.Command{
		Name:    "migrate",
		Summary: "Apply run history schema migrations",
		Description: `Apply every pending migration. --steps applies or rolls back (negative)
a number of migrations; --down rolls back all of them, dropping the run
history.`,
		Examples: []cli.Example{
			{Description: "Roll back the newest migration", Command: "f1db-ingest migrate --steps=-1"},
		},
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
			e.addConfigFlag(fs)
			fs.BoolVar(&opts.Down, "down", false, "roll back every migration")
			fs.IntVar(&opts.Steps, "steps", 0, "number of migrations to apply, negative to roll back")
			return fs
		},
		Run: func([]string) error {
			cfg, err := e.load()
			if err != nil {
				return err
			}
			a, err := e.open(cfg)
			if err != nil {
				return err
			}
			defer closeApp(a)

			v, err := a.Migrate(opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(e.stdout, "Schema is at version %d.\n", v)
			return nil
		},
	}
}

func checkCommand(e *env) *cli.Command {
	var (
		f      ingestFlags
		asJSON bool
	)
	return &cli.Command{
		Name:    "check",
		Summary: "Check that configuration and dependencies are ready",
		Description: `Validate configuration, then probe the raw directory, the database and
the destination bucket. Exits 1 when any check fails.`,
		Flags: func() *pflag.FlagSet {
			fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
			e.addConfigFlag(fs)
			f.register(fs)
			fs.BoolVar(&asJSON, "json", false, "print the report as JSON")
			return fs
		},
		Run: func([]string) error {
			a, err := e.prepare(&f)
			if err != nil {
				return err
			}
			defer closeApp(a)

			report := a.Check(e.ctx)
			if asJSON {
				if err := report.WriteJSON(e.stdout); err != nil {
					return err
				}
			} else {
				report.WriteText(e.stdout)
			}
			if !report.Ready() {
				return errors.New("preflight checks failed")
			}
			return nil
		},
	}
}

func versionCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print the version",
		Run: func([]string) error {
			_, _ = fmt.Fprintf(stdout, "f1db-ingest version %s\n", app.Version)
			return nil
		},
	}
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Logger().Warn("closing", "error", err)
	}
}
