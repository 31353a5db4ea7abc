package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/onceover/internal/fingerprint"
	"github.com/roach88/onceover/internal/history"
	"github.com/roach88/onceover/internal/lockdir"
	"github.com/roach88/onceover/internal/replaylog"
	"github.com/roach88/onceover/internal/resultstore"
	"github.com/roach88/onceover/internal/timing"
)

// uncachedPrefix names replay logs of runs that have no fingerprint.
// Followers never look for these; the log still exists so a crash
// leaves the same forensics behind either way.
const uncachedPrefix = "uncached"

// Orchestrator wires the coalescer's parts together for one process.
type Orchestrator struct {
	// Fingerprints derives the content identity. Nil disables caching
	// outright (every run behaves as fingerprint-unavailable).
	Fingerprints *fingerprint.Computer

	// Locks serializes execution across processes.
	Locks *lockdir.Coordinator

	// Results is the content-addressed cache of finished runs.
	Results *resultstore.Store

	// History records finished sessions. Optional; never fatal.
	History *history.Store

	// Clock drives polling and run-id timestamps.
	Clock timing.Clock

	// Poll is the cadence for the contended-side polling loop.
	Poll timing.RetryPolicy

	// BypassCache skips cache lookup, tail-attachment, and result
	// reuse while still honoring the lock.
	BypassCache bool

	// Caller streams. The child inherits Stdin; Stdout/Stderr receive
	// live, tailed, or replayed output.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes one coalesced invocation and returns the exit code the
// caller must propagate. The error return is reserved for failures
// that have no exit code to report (spawn failure, lock I/O errors,
// cancellation).
func (o *Orchestrator) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("no command given")
	}

	started := o.Clock.Now()
	fp := o.computeFingerprint(ctx, argv)

	for {
		lease, err := o.Locks.TryAcquire()
		if err == nil {
			return o.lockWon(ctx, fp, argv, lease, started)
		}
		if !errors.Is(err, lockdir.ErrContended) {
			return 0, err
		}

		code, retry, err := o.lockLost(ctx, fp, argv, started)
		if err != nil {
			return 0, err
		}
		if !retry {
			return code, nil
		}
		// Producer vanished or the lock was reclaimed: take it from
		// the top with a fresh acquire attempt.
	}
}

// computeFingerprint degrades to "" on any failure: no cache for this
// invocation, execution still serialized by the lock.
func (o *Orchestrator) computeFingerprint(ctx context.Context, argv []string) string {
	if o.Fingerprints == nil {
		return ""
	}
	fp, err := o.Fingerprints.Compute(ctx, argv)
	if err != nil {
		slog.Debug("fingerprint unavailable, caching disabled for this run", "error", err)
		return ""
	}
	return fp
}

// lockWon holds the lock: last-chance cache check, then execute.
func (o *Orchestrator) lockWon(ctx context.Context, fp string, argv []string, lease *lockdir.Lease, started time.Time) (code int, err error) {
	defer func() {
		if relErr := lease.Release(); relErr != nil && err == nil {
			slog.Warn("lock release failed", "error", relErr)
		}
	}()

	// A racer may have finished and released between our first lookup
	// and winning the lock.
	if res := o.cachedResult(fp); res != nil {
		code, err := o.replayResult(res)
		if err != nil {
			return 0, err
		}
		o.record(ctx, fp, argv, code, history.SourceCache, started)
		return code, nil
	}

	logPrefix := fp
	if logPrefix == "" {
		logPrefix = uncachedPrefix
	}
	runID := resultstore.NewRunID(o.Clock.Now(), os.Getpid())
	logPath := o.Results.ReplayLogPath(logPrefix, runID)

	logWriter, err := replaylog.Create(logPath)
	if err != nil {
		return 0, err
	}
	code, execErr := o.execute(ctx, argv, logWriter)
	if closeErr := logWriter.Close(); closeErr != nil {
		slog.Warn("replay log close failed", "error", closeErr)
	}
	if execErr != nil {
		// Spawn failure is fatal; the deferred release and the close
		// above have already run by the time the caller sees this.
		return 0, execErr
	}

	if fp != "" {
		res := resultstore.Result{
			Fingerprint: fp,
			Argv:        argv,
			ExitCode:    code,
			CreatedAt:   o.Clock.Now(),
			Host:        resultstore.CurrentHost(),
			ReplayFile:  fmt.Sprintf("%s.%s.replay.bin", fp, runID),
		}
		if _, err := o.Results.Write(res, runID); err != nil {
			slog.Warn("result write failed", "error", err)
		}
	}

	o.record(ctx, fp, argv, code, history.SourceRun, started)
	return code, nil
}

// lockLost handles contention. Returns retry=true when the caller
// should go back to TryLock.
func (o *Orchestrator) lockLost(ctx context.Context, fp string, argv []string, started time.Time) (code int, retry bool, err error) {
	// A known answer beats waiting, even while someone else holds the
	// lock: the cached result is already final.
	if res := o.cachedResult(fp); res != nil {
		code, err := o.replayResult(res)
		if err != nil {
			return 0, false, err
		}
		o.record(ctx, fp, argv, code, history.SourceCache, started)
		return code, false, nil
	}

	for {
		if _, err := o.Locks.ReclaimIfStale(); err != nil {
			return 0, false, err
		}
		if !o.Locks.Held() {
			return 0, true, nil
		}

		if fp != "" {
			if res := o.cachedResult(fp); res != nil {
				code, err := o.replayResult(res)
				if err != nil {
					return 0, false, err
				}
				o.record(ctx, fp, argv, code, history.SourceCache, started)
				return code, false, nil
			}

			if ref, ok := o.liveLogForOwner(fp); ok {
				code, done, err := o.tail(ctx, fp, ref)
				if err != nil {
					return 0, false, err
				}
				if done {
					o.record(ctx, fp, argv, code, history.SourceTail, started)
					return code, false, nil
				}
				// Producer died without publishing a result.
				return 0, true, nil
			}
		}

		if err := o.Poll.Wait(ctx, o.Clock); err != nil {
			return 0, false, err
		}
	}
}

// liveLogForOwner finds a replay log that belongs to the current lock
// owner's run: same pid, started no earlier than the owner's recorded
// start time. An older log with a matching pid is a leftover from a
// previous run on a recycled pid and must not be followed.
func (o *Orchestrator) liveLogForOwner(fp string) (resultstore.ReplayLogRef, bool) {
	if o.BypassCache {
		return resultstore.ReplayLogRef{}, false
	}
	owner, err := o.Locks.ReadOwner()
	if err != nil {
		return resultstore.ReplayLogRef{}, false
	}
	refs, err := o.Results.FindReplayLogs(fp)
	if err != nil {
		return resultstore.ReplayLogRef{}, false
	}
	for _, ref := range refs {
		if ref.PID == owner.PID && ref.StartedAtMs >= owner.StartedAtMs {
			return ref, true
		}
	}
	return resultstore.ReplayLogRef{}, false
}

// tail follows a live replay log until the producer's result appears
// and every byte has been relayed, or until the producer provably
// vanished. done=false means "give up following, retry from TryLock".
func (o *Orchestrator) tail(ctx context.Context, fp string, ref resultstore.ReplayLogRef) (code int, done bool, err error) {
	tailer := replaylog.NewTailer(ref.Path)
	// A corrupt header poisons the log: the frames before it have been
	// relayed, the ones after it can never be parsed. Re-tailing from
	// offset zero would duplicate the already-emitted prefix, so the
	// loop keeps polling for the producer's result instead of reading.
	poisoned := false
	for {
		// Drain everything currently available.
		for !poisoned {
			frame, ok, err := tailer.Next()
			if err != nil {
				slog.Debug("tail stopped on corrupt frame", "error", err)
				poisoned = true
				break
			}
			if !ok {
				break
			}
			if err := o.emitFrame(frame); err != nil {
				return 0, false, err
			}
		}

		if res := o.cachedResult(fp); res != nil {
			if poisoned {
				// The recording cannot be drained further; the exit
				// code still resolves from the result.
				return res.ExitCode, true, nil
			}
			caught, err := tailer.CaughtUp()
			if err != nil {
				return 0, false, err
			}
			if caught {
				return res.ExitCode, true, nil
			}
			// Result is in but bytes are still pending; keep draining.
		} else if !o.Locks.Held() {
			// Producer gone, no result ever appeared.
			return 0, false, nil
		}

		if err := o.Poll.Wait(ctx, o.Clock); err != nil {
			return 0, false, err
		}
	}
}

// emitFrame routes one tailed frame to the caller's streams.
func (o *Orchestrator) emitFrame(frame replaylog.Frame) error {
	dst := o.Stdout
	if frame.Stream == replaylog.StreamStderr {
		dst = o.Stderr
	}
	if _, err := dst.Write(frame.Payload); err != nil {
		return fmt.Errorf("relay tailed output: %w", err)
	}
	return nil
}

// cachedResult looks up fp, honoring the bypass toggle. A nil return
// means miss (or caching disabled); lookup I/O errors are logged and
// treated as misses, since execution can always proceed without cache.
func (o *Orchestrator) cachedResult(fp string) *resultstore.Result {
	if fp == "" || o.BypassCache {
		return nil
	}
	res, err := o.Results.Lookup(fp)
	if err != nil {
		slog.Warn("cache lookup failed", "error", err)
		return nil
	}
	return res
}

// replayResult plays a finished run's log to the caller's streams and
// returns its exit code.
func (o *Orchestrator) replayResult(res *resultstore.Result) (int, error) {
	if err := replaylog.Replay(o.Results.ReplayPath(res), o.Stdout, o.Stderr); err != nil {
		return 0, err
	}
	return res.ExitCode, nil
}

// record appends a history entry. Best effort by design: the history
// index is observational and must never fail a run.
func (o *Orchestrator) record(ctx context.Context, fp string, argv []string, code int, source history.Source, started time.Time) {
	if o.History == nil {
		return
	}
	entry := history.Entry{
		Fingerprint: fp,
		Argv:        argv,
		ExitCode:    code,
		Source:      source,
		Duration:    o.Clock.Now().Sub(started),
		CreatedAt:   o.Clock.Now(),
	}
	if err := o.History.Record(ctx, entry); err != nil {
		slog.Debug("history record failed", "error", err)
	}
}
