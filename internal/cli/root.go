// Package cli provides the command-line interface for appfactory.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/appfactory/internal/config"
	"github.com/kingrea/appfactory/internal/factory"
	"github.com/kingrea/appfactory/internal/logging"
	"github.com/kingrea/appfactory/internal/pipeline"
)

// Version is set at build time.
var Version = "0.1.0"

// Option customizes the command tree, mainly for tests.
type Option func(*app)

// WithOutput redirects command output.
func WithOutput(out, errOut io.Writer) Option {
	return func(a *app) {
		a.out = out
		a.errOut = errOut
	}
}

// WithExecutor replaces the configured stage executor.
func WithExecutor(exec pipeline.Executor) Option {
	return func(a *app) {
		a.executor = exec
	}
}

// WithFactoryOptions passes extra options to the run manager.
func WithFactoryOptions(opts ...factory.Option) Option {
	return func(a *app) {
		a.factoryOpts = append(a.factoryOpts, opts...)
	}
}

// app holds the global flags and the lazily opened project.
type app struct {
	projectDir string
	engine     string
	verbose    bool

	out    io.Writer
	errOut io.Writer

	executor    pipeline.Executor
	factoryOpts []factory.Option

	cfg     *config.Config
	logger  *slog.Logger
	cleanup func() error
	factory *factory.Factory
}

// NewRootCommand builds the appfactory command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{out: os.Stdout, errOut: os.Stderr}
	for _, opt := range opts {
		opt(a)
	}
	return a.rootCommand()
}

// Execute runs the command line in args and returns the process exit code.
func Execute(ctx context.Context, args []string, opts ...Option) int {
	a := &app{out: os.Stdout, errOut: os.Stderr}
	for _, opt := range opts {
		opt(a)
	}
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if a.cleanup != nil {
		if cerr := a.cleanup(); cerr != nil {
			fmt.Fprintf(a.errOut, "Warning: close log file: %v\n", cerr)
		}
	}
	if err != nil {
		a.reportError(ctx, err)
	}
	return ExitCode(ctx, err)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "appfactory",
		Short: "Resumable research-to-build pipeline for app ideas",
		Long: `appfactory turns a research brief into ranked app ideas and drives each
idea through a fixed chain of stages to a materialized build.

Every stage artifact is written atomically and checked against the idea it
belongs to, so an interrupted run resumes exactly where it stopped.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			return a.open()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.PersistentFlags().StringVarP(&a.projectDir, "project", "p", ".", "project directory")
	root.PersistentFlags().StringVar(&a.engine, "engine", "", "model/engine id recorded on new runs")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		a.researchCommand(),
		a.buildCommand(),
		a.dreamCommand(),
		a.resumeCommand(),
		a.listCommand(),
		a.statusCommand(),
		a.leaderboardCommand(),
		a.buildsCommand(),
		a.unlockCommand(),
	)
	return root
}

// open loads the project configuration, sets up logging and wires the run
// manager.
func (a *app) open() error {
	dir, err := filepath.Abs(a.projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}
	if err := config.InitProjectDir(dir); err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	cfg.SetEngine(a.engine)
	a.cfg = cfg

	level := cfg.LogLevel()
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger, a.cleanup = logging.Setup(cfg.Layout().LogPath(), level)

	if a.executor != nil {
		opts := append([]factory.Option{
			factory.WithLogger(a.logger),
			factory.WithEngine(cfg.Project.Engine),
			factory.WithIdeaCount(cfg.Project.Research.Ideas),
		}, a.factoryOpts...)
		a.factory, err = factory.New(cfg.Layout(), a.executor, opts...)
		return err
	}
	a.factory, err = factory.Open(cfg, a.logger, a.factoryOpts...)
	return err
}
