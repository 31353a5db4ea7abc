// Package testutil provides deterministic substitutes for the injectable
// pieces of the coalescer: the clock behind every polling loop and the
// liveness probe behind stale-lock reclamation.
package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a logical clock that advances only when asked.
//
// Sleep never blocks: it advances the clock by the requested duration
// and invokes the optional OnSleep hook, so polling loops written
// against timing.Clock can be driven synchronously in tests. Poll-loop
// tests use the hook to perform "another process did something" side
// effects between iterations (release a lock, publish a result).
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time

	// OnSleep, if set, runs after each Sleep advances the clock.
	OnSleep func()
}

// NewFakeClock creates a clock pinned at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the clock's current instant.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d without blocking, then runs OnSleep.
// Honors context cancellation so loop-termination paths stay testable.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	hook := c.OnSleep
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ctx.Err()
}

// Advance moves the clock forward by d without a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// DeadProcess is a liveness probe that reports every pid as gone.
func DeadProcess(int) bool { return false }

// LiveProcess is a liveness probe that reports every pid as alive.
func LiveProcess(int) bool { return true }
