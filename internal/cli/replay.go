package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/onceover/internal/config"
	"github.com/roach88/onceover/internal/replaylog"
	"github.com/roach88/onceover/internal/resultstore"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Info bool // print the result record instead of replaying output
}

// ReplayInfo is the record shape for --info output.
type ReplayInfo struct {
	Fingerprint string   `json:"fingerprint"`
	Argv        []string `json:"argv"`
	ExitCode    int      `json:"exit_code"`
	CreatedAt   string   `json:"created_at"`
	Platform    string   `json:"platform"`
	ReplayFile  string   `json:"replay_file"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <fingerprint>",
		Short: "Replay a cached run's output and exit code",
		Long: `Replay the recorded output of a cached run, byte for byte, on the
original streams, and exit with the recorded exit code.

Exit codes:
  the recorded run's exit code on success
  2 - command error (no cached result, unreadable store)

Examples:
  onceover replay 4f2a9c...
  onceover replay 4f2a9c... --info --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Info, "info", false, "print the result record instead of replaying output")

	return cmd
}

func runReplay(opts *ReplayOptions, fp string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	results, err := resultstore.New(cfg.ResultsDir())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open result store", err)
	}

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	res, err := results.Lookup(fp)
	if err != nil {
		return WrapExitError(ExitCommandError, "cache lookup failed", err)
	}
	if res == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("no cached result for %s", fp))
	}
	formatter.VerboseLog("replay log: %s", results.ReplayPath(res))

	if opts.Info {
		info := ReplayInfo{
			Fingerprint: res.Fingerprint,
			Argv:        res.Argv,
			ExitCode:    res.ExitCode,
			CreatedAt:   res.CreatedAt.String(),
			Platform:    res.Host.Platform,
			ReplayFile:  res.ReplayFile,
		}
		if opts.Format == "json" {
			return formatter.Success(info)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Fingerprint: %s\n", info.Fingerprint)
		fmt.Fprintf(w, "Command:     %v\n", info.Argv)
		fmt.Fprintf(w, "Exit code:   %d\n", info.ExitCode)
		fmt.Fprintf(w, "Created:     %s\n", info.CreatedAt)
		fmt.Fprintf(w, "Platform:    %s\n", info.Platform)
		return nil
	}

	if err := replaylog.Replay(results.ReplayPath(res), cmd.OutOrStdout(), cmd.ErrOrStderr()); err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err)
	}
	if res.ExitCode != 0 {
		return ChildExitError(res.ExitCode)
	}
	return nil
}
