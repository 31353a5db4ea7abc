package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/onceover/internal/config"
	"github.com/roach88/onceover/internal/history"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// HistoryRow is the JSON shape of one listed session.
type HistoryRow struct {
	ID          string   `json:"id"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Argv        []string `json:"argv"`
	ExitCode    int      `json:"exit_code"`
	Source      string   `json:"source"`
	DurationMs  int64    `json:"duration_ms"`
	CreatedAt   string   `json:"created_at"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent coalesced runs",
		Long: `List recent runs recorded in the local history index, newest first.

The source column shows how each session got its answer: "run" means
this process executed the command, "cache" means a recorded result was
replayed, "tail" means a live producer's output was followed.

Examples:
  onceover history
  onceover history -n 50 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of entries to list")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open history", err)
	}
	defer hist.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := hist.List(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list history", err)
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	formatter.VerboseLog("history database: %s", cfg.HistoryPath())

	if opts.Format == "json" {
		rows := make([]HistoryRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, HistoryRow{
				ID:          e.ID,
				Fingerprint: e.Fingerprint,
				Argv:        e.Argv,
				ExitCode:    e.ExitCode,
				Source:      string(e.Source),
				DurationMs:  e.Duration.Milliseconds(),
				CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
		return formatter.Success(rows)
	}

	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, e := range entries {
		fp := e.Fingerprint
		if fp == "" {
			fp = "(uncached)"
		} else if len(fp) > 12 {
			fp = fp[:12]
		}
		fmt.Fprintf(w, "%s  %-5s  exit %-3d  %-12s  %s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Source,
			e.ExitCode,
			fp,
			strings.Join(e.Argv, " "),
		)
	}
	return nil
}
