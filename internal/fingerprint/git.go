package fingerprint

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// GitRunner abstracts git plumbing invocations so the computer can be
// exercised in tests without a real repository.
type GitRunner interface {
	// Run executes git with the given arguments and returns stdout.
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecGit runs the real git binary in a fixed working directory.
type ExecGit struct {
	// Dir is the worktree to operate in. Empty means the process cwd.
	Dir string
}

// Run shells out to git. A missing binary or a non-zero exit both
// surface as errors; the computer turns any of them into "no
// fingerprint" rather than crashing the caller.
func (g ExecGit) Run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %v: %w (%s)", args, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}
