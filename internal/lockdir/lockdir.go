// Package lockdir implements directory-based cross-process mutual
// exclusion with owner metadata and stale-owner reclamation.
//
// The lock is a directory: creating a directory that does not exist is
// atomic on every platform we care about, so "I created it" is a
// correct test-and-set. The holder records itself in owner.json inside
// the directory; contenders use that record to decide whether the
// holder is provably dead and old enough to reclaim.
//
// There is no fairness among simultaneous waiters; the next mkdir
// winner is whichever process the OS schedules first.
package lockdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/roach88/onceover/internal/timing"
)

// Defaults for the polling loop and the reclamation threshold. A live
// owner is never preempted no matter how old; the threshold only
// applies once the liveness probe says the recorded pid is gone.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultStaleAfter   = 30 * time.Second
)

// ErrContended reports that the lock directory already exists.
var ErrContended = errors.New("lockdir: lock held by another process")

// Owner is the record the holder writes inside the lock directory.
type Owner struct {
	PID         int   `json:"pid"`
	StartedAtMs int64 `json:"startedAtMs"`
}

// StartedAt returns the owner's start time as a time.Time.
func (o Owner) StartedAt() time.Time {
	return time.UnixMilli(o.StartedAtMs)
}

// LivenessProbe reports whether the process with the given pid exists.
// Injectable so tests can simulate dead owners without killing anything.
type LivenessProbe func(pid int) bool

// Coordinator manages one lock directory.
type Coordinator struct {
	// Dir is the lock directory path.
	Dir string

	// Clock drives waiting and staleness arithmetic.
	Clock timing.Clock

	// Alive is the liveness probe for recorded owner pids.
	Alive LivenessProbe

	// StaleAfter is the minimum age of a dead owner's record before
	// forced reclamation.
	StaleAfter time.Duration

	// Poll is the retry cadence for AcquireBlocking.
	Poll timing.RetryPolicy
}

// New returns a Coordinator with production defaults rooted at dir.
func New(dir string) *Coordinator {
	return &Coordinator{
		Dir:        dir,
		Clock:      timing.SystemClock{},
		Alive:      ProcessAlive,
		StaleAfter: DefaultStaleAfter,
		Poll:       timing.RetryPolicy{Interval: DefaultPollInterval},
	}
}

// TryAcquire attempts the atomic mkdir test-and-set.
//
// On success the caller holds the lock: an owner record naming this
// process is written and a release handle returned. ErrContended means
// some other process got there first (or still holds it).
func (c *Coordinator) TryAcquire() (*Lease, error) {
	if err := os.Mkdir(c.Dir, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, ErrContended
		}
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	owner := Owner{PID: os.Getpid(), StartedAtMs: c.Clock.Now().UnixMilli()}
	if err := c.writeOwner(owner); err != nil {
		// Keep the lock anyway: exclusion is intact, only the metadata
		// is missing, and a reclaiming contender treats a record-less
		// lock as unreadable rather than stale.
		return &Lease{dir: c.Dir, owner: owner}, nil
	}
	return &Lease{dir: c.Dir, owner: owner}, nil
}

// AcquireBlocking retries TryAcquire forever at the poll interval,
// reclaiming the lock first whenever the recorded owner is provably
// dead and past the staleness threshold. Cancellation is the only way
// out besides winning.
func (c *Coordinator) AcquireBlocking(ctx context.Context) (*Lease, error) {
	for {
		if _, err := c.ReclaimIfStale(); err != nil {
			return nil, err
		}

		lease, err := c.TryAcquire()
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrContended) {
			return nil, err
		}

		if err := c.Poll.Wait(ctx, c.Clock); err != nil {
			return nil, err
		}
	}
}

// ReadOwner parses owner.json from the lock directory.
func (c *Coordinator) ReadOwner() (Owner, error) {
	data, err := os.ReadFile(filepath.Join(c.Dir, "owner.json"))
	if err != nil {
		return Owner{}, fmt.Errorf("read lock owner: %w", err)
	}
	var owner Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return Owner{}, fmt.Errorf("parse lock owner: %w", err)
	}
	return owner, nil
}

// Held reports whether the lock directory currently exists.
func (c *Coordinator) Held() bool {
	_, err := os.Stat(c.Dir)
	return err == nil
}

// ReclaimIfStale force-removes the lock if its recorded owner is both
// dead and older than StaleAfter. Returns true when a reclamation
// actually happened. A missing lock, a live owner, an unreadable owner
// record, or a dead-but-recent owner all leave the lock alone.
func (c *Coordinator) ReclaimIfStale() (bool, error) {
	owner, err := c.ReadOwner()
	if err != nil {
		// No lock, or a holder that has created the directory but not
		// yet written its record. Either way, nothing to reclaim.
		return false, nil
	}
	if c.Alive(owner.PID) {
		return false, nil
	}
	age := c.Clock.Now().Sub(owner.StartedAt())
	if age < c.StaleAfter {
		return false, nil
	}

	if err := os.RemoveAll(c.Dir); err != nil {
		return false, fmt.Errorf("reclaim stale lock: %w", err)
	}
	return true, nil
}

// writeOwner records the holder's identity inside the lock directory.
func (c *Coordinator) writeOwner(owner Owner) error {
	data, err := json.Marshal(owner)
	if err != nil {
		return fmt.Errorf("marshal lock owner: %w", err)
	}
	path := filepath.Join(c.Dir, "owner.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write lock owner: %w", err)
	}
	return nil
}

// Lease is the release capability returned by a successful acquire.
//
// Release must run on every exit path: the orchestrator defers it in
// its outermost scope and the CLI converts SIGINT/SIGTERM into context
// cancellation so the deferred release still executes.
type Lease struct {
	dir   string
	owner Owner
}

// Owner returns the record written when the lease was acquired.
func (l *Lease) Owner() Owner { return l.owner }

// Release deletes the lock directory and its owner record. Idempotent:
// releasing an already-released (or reclaimed) lease is a no-op.
func (l *Lease) Release() error {
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ProcessAlive is the production liveness probe: signal 0 tests for
// process existence without delivering anything. EPERM still means the
// process exists, just under another uid.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
