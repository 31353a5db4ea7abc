package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/onceover/internal/fingerprint"
	"github.com/roach88/onceover/internal/lockdir"
	"github.com/roach88/onceover/internal/replaylog"
	"github.com/roach88/onceover/internal/resultstore"
	"github.com/roach88/onceover/internal/testutil"
	"github.com/roach88/onceover/internal/timing"
)

// stubGit answers the plumbing queries with fixed, well-formed output,
// so fingerprints are stable across a test without a real repository.
type stubGit struct{}

func (stubGit) Run(_ context.Context, args ...string) ([]byte, error) {
	switch args[0] {
	case "rev-parse":
		return []byte("0123abcd\n"), nil
	default:
		return nil, nil
	}
}

// brokenGit fails every query, which makes fingerprinting unavailable.
type brokenGit struct{}

func (brokenGit) Run(context.Context, ...string) ([]byte, error) {
	return nil, fmt.Errorf("not a git repository")
}

type fixture struct {
	t       *testing.T
	root    string
	clock   *testutil.FakeClock
	locks   *lockdir.Coordinator
	results *resultstore.Store
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	clock := testutil.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	locks := lockdir.New(filepath.Join(root, "lockdir"))
	locks.Clock = clock

	results, err := resultstore.New(filepath.Join(root, "results"))
	require.NoError(t, err)

	f := &fixture{t: t, root: root, clock: clock, locks: locks, results: results}
	f.orch = &Orchestrator{
		Fingerprints: &fingerprint.Computer{Git: stubGit{}, Dir: root},
		Locks:        locks,
		Results:      results,
		Clock:        clock,
		Poll:         timing.RetryPolicy{Interval: 50 * time.Millisecond},
		Stdin:        bytes.NewReader(nil),
		Stdout:       &f.stdout,
		Stderr:       &f.stderr,
	}
	return f
}

func (f *fixture) fingerprint(argv []string) string {
	f.t.Helper()
	fp, err := f.orch.Fingerprints.Compute(context.Background(), argv)
	require.NoError(f.t, err)
	return fp
}

// holder simulates another process owning the lock: a second coordinator
// over the same directory, sharing the fake clock.
func (f *fixture) holder() *lockdir.Coordinator {
	other := lockdir.New(f.locks.Dir)
	other.Clock = f.clock
	return other
}

// markerScript builds an argv that appends a line to path on every real
// execution, so tests can count how many times the child actually ran.
func markerScript(path string) []string {
	return []string{"sh", "-c", fmt.Sprintf("echo ran >> %s; echo out; echo err 1>&2", path)}
}

func markerRuns(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "ran")
}

func TestRun_ExecutesAndRecordsResult(t *testing.T) {
	f := newFixture(t)
	argv := []string{"sh", "-c", "echo out; echo err 1>&2; exit 3"}
	fp := f.fingerprint(argv)

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 3, code)
	require.Equal(t, "out\n", f.stdout.String())
	require.Equal(t, "err\n", f.stderr.String())

	res, err := f.results.Lookup(fp)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, argv, res.Argv)

	// Lock is released on the way out.
	lease, err := f.locks.TryAcquire()
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestRun_SecondInvocationReplaysWithoutExecuting(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(f.root, "marker")
	argv := markerScript(marker)

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, 1, markerRuns(t, marker))
	firstOut, firstErr := f.stdout.String(), f.stderr.String()

	f.stdout.Reset()
	f.stderr.Reset()
	f.clock.Advance(time.Second)

	code, err = f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, 1, markerRuns(t, marker), "cache hit must not re-execute")
	require.Equal(t, firstOut, f.stdout.String())
	require.Equal(t, firstErr, f.stderr.String())
}

func TestRun_BypassCacheReExecutes(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(f.root, "marker")
	argv := markerScript(marker)

	_, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	f.orch.BypassCache = true

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, 2, markerRuns(t, marker))
}

func TestRun_ContendedCachedAnswerWinsImmediately(t *testing.T) {
	f := newFixture(t)
	argv := []string{"sh", "-c", "echo never"}
	fp := f.fingerprint(argv)

	runID := resultstore.NewRunID(f.clock.Now(), 424242)
	writer, err := replaylog.Create(f.results.ReplayLogPath(fp, runID))
	require.NoError(t, err)
	require.NoError(t, writer.Append(replaylog.StreamStdout, []byte("cached\n")))
	require.NoError(t, writer.Close())
	_, err = f.results.Write(resultstore.Result{
		Fingerprint: fp,
		Argv:        argv,
		ExitCode:    7,
		CreatedAt:   f.clock.Now(),
		Host:        resultstore.CurrentHost(),
		ReplayFile:  fmt.Sprintf("%s.%s.replay.bin", fp, runID),
	}, runID)
	require.NoError(t, err)

	lease, err := f.holder().TryAcquire()
	require.NoError(t, err)
	defer lease.Release()

	slept := false
	f.clock.OnSleep = func() { slept = true }

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 7, code)
	require.Equal(t, "cached\n", f.stdout.String())
	require.False(t, slept, "a known answer must not wait on the lock")
}

func TestRun_StaleLockReclaimedThenExecutes(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(f.root, "marker")
	argv := markerScript(marker)

	_, err := f.holder().TryAcquire()
	require.NoError(t, err)

	f.locks.Alive = testutil.DeadProcess
	f.clock.Advance(31 * time.Second)

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, 1, markerRuns(t, marker))
}

func TestRun_LiveOwnerIsNeverPreempted(t *testing.T) {
	f := newFixture(t)
	argv := []string{"sh", "-c", "echo never"}

	holderLease, err := f.holder().TryAcquire()
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	// The owner stays alive for a few poll rounds, then releases without
	// publishing anything; the orchestrator must win the lock and run.
	rounds := 0
	f.clock.OnSleep = func() {
		rounds++
		if rounds == 3 {
			require.NoError(t, holderLease.Release())
		}
	}

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.GreaterOrEqual(t, rounds, 3)
}

func TestRun_FollowerTailsLiveProducer(t *testing.T) {
	f := newFixture(t)
	argv := []string{"sh", "-c", "echo never"}
	fp := f.fingerprint(argv)

	holderLease, err := f.holder().TryAcquire()
	require.NoError(t, err)
	defer holderLease.Release()

	// The producer's log carries this process's pid and a start time no
	// earlier than the owner record, which is what ties it to the owner.
	runID := resultstore.NewRunID(f.clock.Now(), os.Getpid())
	writer, err := replaylog.Create(f.results.ReplayLogPath(fp, runID))
	require.NoError(t, err)
	require.NoError(t, writer.Append(replaylog.StreamStdout, []byte("one\n")))

	step := 0
	f.clock.OnSleep = func() {
		step++
		if step != 1 {
			return
		}
		require.NoError(t, writer.Append(replaylog.StreamStderr, []byte("two\n")))
		require.NoError(t, writer.Close())
		_, err := f.results.Write(resultstore.Result{
			Fingerprint: fp,
			Argv:        argv,
			ExitCode:    5,
			CreatedAt:   f.clock.Now(),
			Host:        resultstore.CurrentHost(),
			ReplayFile:  fmt.Sprintf("%s.%s.replay.bin", fp, runID),
		}, runID)
		require.NoError(t, err)
	}

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 5, code)
	require.Equal(t, "one\n", f.stdout.String())
	require.Equal(t, "two\n", f.stderr.String())
}

func TestRun_TailOnCorruptFrameWaitsForResultWithoutReEmitting(t *testing.T) {
	f := newFixture(t)
	argv := []string{"sh", "-c", "echo never"}
	fp := f.fingerprint(argv)

	holderLease, err := f.holder().TryAcquire()
	require.NoError(t, err)
	defer holderLease.Release()

	runID := resultstore.NewRunID(f.clock.Now(), os.Getpid())
	logPath := f.results.ReplayLogPath(fp, runID)
	writer, err := replaylog.Create(logPath)
	require.NoError(t, err)
	require.NoError(t, writer.Append(replaylog.StreamStdout, []byte("one\n")))
	require.NoError(t, writer.Close())

	// A torn write left a header declaring an absurd payload length.
	file, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = file.Write([]byte{1, 0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	sleeps := 0
	f.clock.OnSleep = func() {
		sleeps++
		if sleeps != 1 {
			return
		}
		_, err := f.results.Write(resultstore.Result{
			Fingerprint: fp,
			Argv:        argv,
			ExitCode:    4,
			CreatedAt:   f.clock.Now(),
			Host:        resultstore.CurrentHost(),
			ReplayFile:  fmt.Sprintf("%s.%s.replay.bin", fp, runID),
		}, runID)
		require.NoError(t, err)
	}

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 4, code)
	require.Equal(t, "one\n", f.stdout.String(),
		"frames before the corruption relay exactly once")
	require.GreaterOrEqual(t, sleeps, 1,
		"waiting for the result goes through the poll interval")
}

func TestRun_ProducerDiedWithoutResultFallsBackToExecute(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(f.root, "marker")
	argv := markerScript(marker)
	fp := f.fingerprint(argv)

	holderLease, err := f.holder().TryAcquire()
	require.NoError(t, err)

	runID := resultstore.NewRunID(f.clock.Now(), os.Getpid())
	writer, err := replaylog.Create(f.results.ReplayLogPath(fp, runID))
	require.NoError(t, err)
	require.NoError(t, writer.Append(replaylog.StreamStdout, []byte("partial\n")))
	require.NoError(t, writer.Close())

	// The producer vanishes mid-run: lock gone, no result ever written.
	f.clock.OnSleep = func() {
		_ = holderLease.Release()
	}

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, 1, markerRuns(t, marker))
	require.Equal(t, "partial\nout\n", f.stdout.String())
}

func TestRun_SpawnFailureReleasesLock(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Run(context.Background(), []string{filepath.Join(f.root, "no-such-binary")})
	require.Error(t, err)

	lease, err := f.locks.TryAcquire()
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestRun_EmptyArgvIsAnError(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestRun_FingerprintUnavailableStillExecutes(t *testing.T) {
	f := newFixture(t)
	f.orch.Fingerprints = &fingerprint.Computer{Git: brokenGit{}, Dir: f.root}
	marker := filepath.Join(f.root, "marker")
	argv := markerScript(marker)

	code, err := f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, 1, markerRuns(t, marker))

	// No fingerprint means no cached record, only the uncached recording.
	entries, err := os.ReadDir(f.results.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		require.NotContains(t, entry.Name(), ".json")
	}

	// And the next invocation executes again.
	f.clock.Advance(time.Second)
	code, err = f.orch.Run(context.Background(), argv)
	require.NoError(t, err)
	require.Equal(t, 0, code)
	require.Equal(t, 2, markerRuns(t, marker))
}

func TestRun_CancellationWhileWaiting(t *testing.T) {
	f := newFixture(t)
	argv := []string{"sh", "-c", "echo never"}

	_, err := f.holder().TryAcquire()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f.clock.OnSleep = cancel

	_, err = f.orch.Run(ctx, argv)
	require.ErrorIs(t, err, context.Canceled)
}
