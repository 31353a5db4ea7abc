// Package timing provides the injectable clock and polling policy used
// by the lock coordinator and the run orchestrator.
//
// All cross-process waiting in onceover is advisory polling: there is no
// portable blocking primitive for "another process released a directory".
// Every loop that sleeps does so through a Clock so tests can drive the
// same code synchronously with a logical clock instead of real sleeps.
package timing

import (
	"context"
	"time"
)

// Clock abstracts wall-clock reads and interruptible sleeps.
//
// Production code uses SystemClock. Tests inject a deterministic
// implementation (see internal/testutil) so staleness thresholds and
// poll intervals can be exercised without real elapsed time.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time

	// Sleep blocks for d or until ctx is cancelled, whichever comes
	// first. Returns ctx.Err() on cancellation, nil otherwise.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the production Clock backed by the time package.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits using a timer so cancellation is honored promptly.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryPolicy describes a fixed-interval polling loop.
//
// Polling is the expected common case under lock contention, not an
// error path, so the interval balances responsiveness against
// filesystem load rather than backing off.
type RetryPolicy struct {
	// Interval between attempts.
	Interval time.Duration
}

// Wait sleeps one interval on the given clock.
func (p RetryPolicy) Wait(ctx context.Context, clock Clock) error {
	return clock.Sleep(ctx, p.Interval)
}
