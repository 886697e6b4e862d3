package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"musicetl/internal/config"
	"musicetl/internal/pipeline"
	"musicetl/internal/probe"
	"musicetl/internal/report"
	"musicetl/internal/schema"
)

const maxShownFailures = 10

// usageError marks bad flags or arguments; runMain exits 2 for it.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// appDeps are the side-effecting constructors runMain uses, replaced in tests.
type appDeps struct {
	newLogger   func(verbose bool) (*zap.Logger, error)
	initMetrics func(ctx context.Context, c config.Pipeline, backend string, log *zap.Logger) (func(), error)
	open        pipeline.OpenFunc
	getenv      func(string) string
}

func defaultDeps() appDeps {
	return appDeps{
		newLogger:   newLogger,
		initMetrics: initMetrics,
		getenv:      os.Getenv,
	}
}

// newLogger builds the production logger with console encoding; -v lowers the
// level to debug.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

type globalOpts struct {
	configPath     string
	input          string
	output         string
	store          string
	hosts          []string
	dsn            string
	keyspace       string
	keepTables     bool
	limit          int
	metricsBackend string
	verbose        bool
}

type app struct {
	deps   appDeps
	stdout io.Writer
	stderr io.Writer

	opts globalOpts
	cfg  config.Pipeline
	log  *zap.Logger
}

// runMain executes the CLI and returns the process exit code: 0 on success,
// 1 on a failed run, 2 on a usage error.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	if deps.getenv == nil {
		deps.getenv = os.Getenv
	}
	a := &app{deps: deps, stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "musicetl: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		fmt.Fprintln(stderr, "Run 'musicetl --help' for usage.")
		return 2
	}
	return 1
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "musicetl",
		Short: "Flatten music-app event logs and load them into query tables",
		Long: `musicetl consolidates a directory of per-day event CSV files into one
quoted CSV, recreates three query-shaped tables in the configured store,
loads every row into each table and prints the validation queries.

Precedence for every setting: flag, then environment, then config file, then default.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVar(&a.opts.configPath, "config", "", "pipeline config file (JSON, or YAML for .yaml/.yml)")
	pf.StringVar(&a.opts.input, "input", "", "directory of per-day event CSV files")
	pf.StringVar(&a.opts.output, "output", "", "consolidated CSV path")
	pf.StringVar(&a.opts.store, "store", "", "store backend: cassandra, postgres, sqlite or mssql")
	pf.StringSliceVar(&a.opts.hosts, "hosts", nil, "cassandra contact points")
	pf.StringVar(&a.opts.dsn, "dsn", "", "connection string for the SQL backends")
	pf.StringVar(&a.opts.keyspace, "keyspace", "", "keyspace (schema or database on SQL backends)")
	pf.BoolVar(&a.opts.keepTables, "keep-tables", false, "skip dropping the tables at the end of a run")
	pf.IntVar(&a.opts.limit, "limit", 0, "rows shown per validation query; 0 shows all")
	pf.StringVar(&a.opts.metricsBackend, "metrics-backend", "", "metrics backend: none, datadog or pushgateway")
	pf.BoolVarP(&a.opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(a.runCmd(), a.flattenCmd(), a.loadCmd(), a.queryCmd(), a.probeCmd(), a.validateCmd())
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	log, err := a.deps.newLogger(a.opts.verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.log = log
	c, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	a.cfg = c
	return nil
}

// loadConfig layers flags and MUSICETL_* variables over the config file, then
// applies defaults.
func (a *app) loadConfig(cmd *cobra.Command) (config.Pipeline, error) {
	c, err := config.Read(a.opts.configPath)
	if err != nil {
		return config.Pipeline{}, err
	}

	env := a.deps.getenv
	fromEnv := func(dst *string, key string) {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	fromEnv(&c.Source.Dir, "MUSICETL_INPUT")
	fromEnv(&c.Output.Path, "MUSICETL_OUTPUT")
	fromEnv(&c.Storage.Kind, "MUSICETL_STORE")
	fromEnv(&c.Storage.DSN, "MUSICETL_DSN")
	fromEnv(&c.Storage.Keyspace, "MUSICETL_KEYSPACE")
	fromEnv(&c.Storage.Username, "MUSICETL_USERNAME")
	fromEnv(&c.Storage.Password, "MUSICETL_PASSWORD")
	if v := env("MUSICETL_HOSTS"); v != "" {
		c.Storage.Hosts = strings.Split(v, ",")
	}

	f := cmd.Flags()
	if f.Changed("input") {
		c.Source.Dir = a.opts.input
	}
	if f.Changed("output") {
		c.Output.Path = a.opts.output
	}
	if f.Changed("store") {
		c.Storage.Kind = a.opts.store
	}
	if f.Changed("hosts") {
		c.Storage.Hosts = a.opts.hosts
	}
	if f.Changed("dsn") {
		c.Storage.DSN = a.opts.dsn
	}
	if f.Changed("keyspace") {
		c.Storage.Keyspace = a.opts.keyspace
	}
	if f.Changed("keep-tables") {
		c.Storage.KeepTables = a.opts.keepTables
	}
	if f.Changed("limit") {
		c.Runtime.QueryLimit = a.opts.limit
	}
	c.Metrics.Backend = metricsBackendName(a.opts.metricsBackend, c.Metrics, env)

	c.ApplyDefaults()
	return c, nil
}

// checkConfig prints every issue and fails when any is an error.
func (a *app) checkConfig() error {
	issues := config.ValidatePipeline(a.cfg)
	for _, iss := range issues {
		fmt.Fprintln(a.stderr, iss)
	}
	if config.HasErrors(issues) {
		return errors.New("invalid configuration")
	}
	return nil
}

func (a *app) pipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{Config: a.cfg, Logger: a.log, Out: a.stdout, Open: a.deps.open}
}

// withMetrics runs fn with the configured metrics backend installed and
// flushes it afterwards.
func (a *app) withMetrics(ctx context.Context, fn func() error) error {
	cleanup, err := a.deps.initMetrics(ctx, a.cfg, a.cfg.Metrics.Backend, a.log)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn()
}

func (a *app) summaryErr(sum *report.Summary) error {
	sum.Print(a.stdout, maxShownFailures)
	if a.cfg.Runtime.FailOnErrors {
		return sum.Err()
	}
	return nil
}

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Flatten, load, validate and tear down",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			return a.withMetrics(cmd.Context(), func() error {
				_, err := a.pipeline().Run(cmd.Context())
				return err
			})
		},
	}
}

func (a *app) flattenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flatten",
		Short: "Write the consolidated CSV only",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			return a.withMetrics(cmd.Context(), func() error {
				_, err := a.pipeline().Flatten(cmd.Context())
				return err
			})
		},
	}
}

func (a *app) loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Recreate the tables and load an existing consolidated CSV",
		Long:  "Recreate the tables and load an existing consolidated CSV. Tables are left in place for 'query'.",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			return a.withMetrics(cmd.Context(), func() error {
				ctx := cmd.Context()
				p := a.pipeline()
				sum := report.NewSummary()
				s, err := p.Connect(ctx, sum)
				if err != nil {
					return err
				}
				defer s.Close()
				if _, err := p.Load(ctx, s, sum); err != nil {
					return err
				}
				return a.summaryErr(sum)
			})
		},
	}
}

func (a *app) queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "Run the validation queries against loaded tables",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			return a.withMetrics(cmd.Context(), func() error {
				ctx := cmd.Context()
				p := a.pipeline()
				sum := report.NewSummary()
				s, err := p.Connect(ctx, sum)
				if err != nil {
					return err
				}
				defer s.Close()
				p.Validate(ctx, s, sum)
				return a.summaryErr(sum)
			})
		},
	}
}

func (a *app) probeCmd() *cobra.Command {
	var sample int
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Sample the consolidated CSV and report key collisions and type fit",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			rep, err := probe.Probe(cmd.Context(), a.cfg.Output.Path, schema.Tables(), schema.DefaultColumnMap, probe.Options{MaxRows: sample})
			if err != nil {
				return err
			}
			probe.Print(a.stdout, rep)
			if len(rep.Mismatches) > 0 {
				return fmt.Errorf("%d column type mismatches", len(rep.Mismatches))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sample, "sample", probe.DefaultMaxRows, "data rows to read")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  noArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := a.checkConfig(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "configuration ok: store=%s keyspace=%s input=%s\n",
				a.cfg.Storage.Kind, a.cfg.Storage.Keyspace, a.cfg.Source.Dir)
			return nil
		},
	}
}
