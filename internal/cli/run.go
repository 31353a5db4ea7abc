package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/onceover/internal/config"
	"github.com/roach88/onceover/internal/fingerprint"
	"github.com/roach88/onceover/internal/history"
	"github.com/roach88/onceover/internal/lockdir"
	"github.com/roach88/onceover/internal/orchestrator"
	"github.com/roach88/onceover/internal/resultstore"
	"github.com/roach88/onceover/internal/timing"
)

// NoCacheEnv is the environment toggle equivalent of --no-cache.
const NoCacheEnv = "ONCEOVER_NO_CACHE"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	NoCache bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a command, coalescing with concurrent identical runs",
		Long: `Run a command under the cross-process coalescer.

At most one process executes the command for a given input state; every
other invoker gets the same output and exit code, either replayed from
the cache or followed live while the producer is still running.

The exit code is the command's own exit code.

Example:
  onceover run -- make test
  onceover run --no-cache -- npx tsc --noEmit`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCoalesced(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "skip cache reuse, always execute (still serialized)")

	return cmd
}

func runCoalesced(opts *RunOptions, argv []string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create cache dir", err)
	}

	results, err := resultstore.New(cfg.ResultsDir())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open result store", err)
	}

	locks := lockdir.New(cfg.LockDir())
	locks.StaleAfter = cfg.StaleAfter
	locks.Poll = timing.RetryPolicy{Interval: cfg.PollInterval}

	cwd, err := os.Getwd()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve working directory", err)
	}
	fingerprints := fingerprint.New(cwd)
	fingerprints.Extensions = cfg.UntrackedExtensions
	fingerprints.MaxFileSize = cfg.MaxUntrackedFileSize

	// History is observational: failure to open it degrades to no
	// recording, never to a failed run.
	var hist *history.Store
	if h, err := history.Open(cfg.HistoryPath()); err != nil {
		slog.Warn("history unavailable", "path", cfg.HistoryPath(), "error", err)
	} else {
		hist = h
		defer func() {
			if closeErr := hist.Close(); closeErr != nil {
				slog.Warn("error closing history", "error", closeErr)
			}
		}()
	}

	// Convert SIGINT/SIGTERM into context cancellation so the lock is
	// released and the replay log closed on the way out.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	orch := &orchestrator.Orchestrator{
		Fingerprints: fingerprints,
		Locks:        locks,
		Results:      results,
		History:      hist,
		Clock:        timing.SystemClock{},
		Poll:         timing.RetryPolicy{Interval: cfg.PollInterval},
		BypassCache:  opts.NoCache || os.Getenv(NoCacheEnv) == "1",
		Stdin:        cmd.InOrStdin(),
		Stdout:       cmd.OutOrStdout(),
		Stderr:       cmd.ErrOrStderr(),
	}

	code, err := orch.Run(ctx, argv)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return NewExitError(ExitFailure, "interrupted")
		}
		return WrapExitError(ExitFailure, "run failed", err)
	}
	if code != 0 {
		return ChildExitError(code)
	}
	return nil
}
