package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig points the cache at a per-test directory so tests
// never touch the user's real cache.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "onceover.cue")
	content := fmt.Sprintf("cacheDir: %q\n", filepath.Join(dir, "cache"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execCommand(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errBuf)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errBuf.String(), err
}

func TestRunCommand_RelaysOutput(t *testing.T) {
	cfg := writeTestConfig(t)

	stdout, stderr, err := execCommand(t,
		"run", "--config", cfg, "--", "sh", "-c", "echo hello; echo warn 1>&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", stdout)
	assert.Contains(t, stderr, "warn")
}

func TestRunCommand_PropagatesExitCode(t *testing.T) {
	cfg := writeTestConfig(t)

	_, _, err := execCommand(t,
		"run", "--config", cfg, "--", "sh", "-c", "exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, GetExitCode(err))
	assert.Empty(t, err.Error(), "child exit codes carry no message of their own")
}

func TestRunCommand_NoCacheFlag(t *testing.T) {
	cfg := writeTestConfig(t)

	stdout, _, err := execCommand(t,
		"run", "--config", cfg, "--no-cache", "--", "sh", "-c", "echo fresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", stdout)
}

func TestRunCommand_SpawnFailure(t *testing.T) {
	cfg := writeTestConfig(t)

	_, _, err := execCommand(t,
		"run", "--config", cfg, "--", filepath.Join(t.TempDir(), "no-such-binary"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRunCommand_MissingConfig(t *testing.T) {
	_, _, err := execCommand(t,
		"run", "--config", filepath.Join(t.TempDir(), "absent.cue"), "--", "true")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunCommand_RequiresCommand(t *testing.T) {
	cfg := writeTestConfig(t)

	_, _, err := execCommand(t, "run", "--config", cfg)
	require.Error(t, err)
}
