package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/reflex/internal/authoring"
	"github.com/roach88/reflex/internal/config"
	"github.com/roach88/reflex/internal/engine"
	"github.com/roach88/reflex/internal/errs"
	"github.com/roach88/reflex/internal/storage"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Rules    string
	Database string
	Config   string
	Watch    bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine with a rules directory",
		Long: `Start the rules engine and keep it running until interrupted.

Rules load from the --rules directory. With --db the engine persists
facts, rules, versions and audit buckets to a SQLite database, restoring
them on the next start; without it all state is in-memory. With --watch
the rules directory is watched and changed files re-apply without a
restart.

Configuration comes from --config (YAML), overridden by REFLEX_*
environment variables. A .env file in the working directory is loaded
first if present.

Example:
  reflex run --rules ./rules
  reflex run --rules ./rules --db ./reflex.db --watch --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Rules, "rules", "", "path to the rules directory (required)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to a SQLite database for persistence")
	cmd.Flags().StringVar(&opts.Config, "config", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload rule files when they change")
	_ = cmd.MarkFlagRequired("rules")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	// .env never overrides variables that are already set, so real
	// environment wins.
	_ = godotenv.Load()

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}

	engineOpts := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
	}
	if opts.Database != "" {
		logger.Info("opening database", "path", opts.Database)
		st, err := storage.OpenSQLite(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("closing database", "error", closeErr)
			}
		}()
		engineOpts = append(engineOpts, engine.WithStorage(st))
	}

	eng := engine.New(engineOpts...)

	// Use the command's context if set (for testing), otherwise create one.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "start engine", err)
	}

	group, gctx := errgroup.WithContext(ctx)

	ruleCount := 0
	if opts.Watch {
		w, err := authoring.NewWatcher(opts.Rules, eng, authoring.WithWatchLogger(logger))
		if err != nil {
			stopEngine(eng, logger)
			return WrapExitError(ExitCommandError, "watch rules", err)
		}
		group.Go(func() error { return w.Run(gctx) })
	} else {
		set, err := authoring.LoadDir(opts.Rules)
		if err != nil {
			stopEngine(eng, logger)
			return WrapExitError(ExitCommandError, "load rules", err)
		}
		res, err := authoring.Apply(eng, set)
		if err != nil {
			stopEngine(eng, logger)
			return WrapExitError(ExitFailure, "apply rules", err)
		}
		ruleCount = len(set.Rules)
		logger.Info("rules loaded", "dir", opts.Rules, "result", res.String())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // prevent signal handler leak

	group.Go(func() error {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if opts.Watch {
		fmt.Fprintf(cmd.OutOrStdout(), "Engine started. Watching %s for rule changes.\n", opts.Rules)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Engine started. %d rules loaded.\n", ruleCount)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	err = group.Wait()
	stopEngine(eng, logger)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("engine stopped gracefully")
	return nil
}

// stopEngine shuts the engine down with a bounded grace period.
func stopEngine(eng *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil && !errs.IsStopped(err) {
		logger.Error("engine stop", "error", err)
	}
}
