package lockdir

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/onceover/internal/testutil"
	"github.com/roach88/onceover/internal/timing"
)

func newTestCoordinator(t *testing.T, clock timing.Clock, alive LivenessProbe) *Coordinator {
	t.Helper()
	return &Coordinator{
		Dir:        filepath.Join(t.TempDir(), "lockdir"),
		Clock:      clock,
		Alive:      alive,
		StaleAfter: DefaultStaleAfter,
		Poll:       timing.RetryPolicy{Interval: DefaultPollInterval},
	}
}

func TestTryAcquire_WritesOwnerRecord(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCoordinator(t, clock, testutil.LiveProcess)

	lease, err := c.TryAcquire()
	require.NoError(t, err)
	defer lease.Release()

	data, err := os.ReadFile(filepath.Join(c.Dir, "owner.json"))
	require.NoError(t, err)

	var owner Owner
	require.NoError(t, json.Unmarshal(data, &owner))
	require.Equal(t, os.Getpid(), owner.PID)
	require.Equal(t, clock.Now().UnixMilli(), owner.StartedAtMs)
}

func TestTryAcquire_Contended(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewFakeClock(time.Unix(0, 0)), testutil.LiveProcess)

	lease, err := c.TryAcquire()
	require.NoError(t, err)
	defer lease.Release()

	_, err = c.TryAcquire()
	require.ErrorIs(t, err, ErrContended)
}

func TestRelease_Idempotent(t *testing.T) {
	c := newTestCoordinator(t, testutil.NewFakeClock(time.Unix(0, 0)), testutil.LiveProcess)

	lease, err := c.TryAcquire()
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	require.NoError(t, lease.Release())
	require.False(t, c.Held())

	// Lock is free again for the next contender.
	lease2, err := c.TryAcquire()
	require.NoError(t, err)
	require.NoError(t, lease2.Release())
}

func TestReclaimIfStale_DeadAndAged(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCoordinator(t, clock, testutil.DeadProcess)

	lease, err := c.TryAcquire()
	require.NoError(t, err)
	_ = lease // deliberately never released: simulates a crashed holder

	// Not old enough yet: dead owner alone is not reclaimable.
	clock.Advance(DefaultStaleAfter - time.Second)
	reclaimed, err := c.ReclaimIfStale()
	require.NoError(t, err)
	require.False(t, reclaimed)
	require.True(t, c.Held())

	// Past the threshold the lock goes away.
	clock.Advance(2 * time.Second)
	reclaimed, err = c.ReclaimIfStale()
	require.NoError(t, err)
	require.True(t, reclaimed)
	require.False(t, c.Held())
}

func TestReclaimIfStale_LiveOwnerNeverPreempted(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCoordinator(t, clock, testutil.LiveProcess)

	lease, err := c.TryAcquire()
	require.NoError(t, err)
	defer lease.Release()

	// A legitimately long-running command under a live process is
	// never reclaimed, regardless of age.
	clock.Advance(24 * time.Hour)
	reclaimed, err := c.ReclaimIfStale()
	require.NoError(t, err)
	require.False(t, reclaimed)
	require.True(t, c.Held())
}

func TestReclaimIfStale_MissingOwnerRecordLeftAlone(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	c := newTestCoordinator(t, clock, testutil.DeadProcess)

	// Directory exists but owner.json does not: holder may be between
	// mkdir and the record write.
	require.NoError(t, os.Mkdir(c.Dir, 0o755))
	clock.Advance(time.Hour)

	reclaimed, err := c.ReclaimIfStale()
	require.NoError(t, err)
	require.False(t, reclaimed)
	require.True(t, c.Held())
}

func TestAcquireBlocking_WaitsForRelease(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(1000, 0))
	c := newTestCoordinator(t, clock, testutil.LiveProcess)

	holder, err := c.TryAcquire()
	require.NoError(t, err)

	// Release the lock from "another process" after two poll cycles.
	polls := 0
	clock.OnSleep = func() {
		polls++
		if polls == 2 {
			require.NoError(t, holder.Release())
		}
	}

	lease, err := c.AcquireBlocking(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	require.GreaterOrEqual(t, polls, 2)
}

func TestAcquireBlocking_ReclaimsStaleThenWins(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := newTestCoordinator(t, clock, testutil.DeadProcess)

	// Plant a lock whose owner is dead and already past the threshold.
	_, err := c.TryAcquire()
	require.NoError(t, err)
	clock.Advance(DefaultStaleAfter + time.Second)

	lease, err := c.AcquireBlocking(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	// The winner's own record replaced the stale one.
	owner, err := c.ReadOwner()
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), owner.PID)
}

func TestAcquireBlocking_Cancellation(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	c := newTestCoordinator(t, clock, testutil.LiveProcess)

	holder, err := c.TryAcquire()
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	clock.OnSleep = cancel

	_, err = c.AcquireBlocking(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestProcessAlive_SelfAndBogus(t *testing.T) {
	require.True(t, ProcessAlive(os.Getpid()))
	require.False(t, ProcessAlive(0))
	require.False(t, ProcessAlive(-1))
}
