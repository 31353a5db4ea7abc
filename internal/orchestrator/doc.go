// Package orchestrator drives one invocation end to end: fingerprint
// the input state, race for the lock, and either execute the command
// while recording its output, or reuse another process's finished or
// in-flight run.
//
// The state machine is small and worth keeping in your head:
//
//	ComputingFingerprint → TryLock → LockWon | LockLost
//
// LockWon re-checks the cache (a racer may have finished between our
// first lookup and winning), then spawns the child with inherited
// stdin and captured output, teeing every chunk to the caller's
// streams and to a fresh replay log. LockLost prefers a cached answer,
// then a live log it can tail, then falls back to waiting for the lock.
//
// At most one producer exists per fingerprint's active run, so a
// follower's replayed bytes are frame-for-frame identical to what the
// producer wrote; there is never any merging across producers.
package orchestrator
