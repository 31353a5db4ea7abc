package resultstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Run identifiers name one producing process's recording:
// <unixMillis>.<pid>. The timestamp makes collisions practically
// impossible and lets a follower compare a log's start time against
// the lock owner's recorded start, without opening the file.

// NewRunID builds a run identifier from a start instant and a pid.
func NewRunID(startedAt time.Time, pid int) string {
	return fmt.Sprintf("%d.%d", startedAt.UnixMilli(), pid)
}

// ReplayLogRef points at one run's replay log in the results directory.
type ReplayLogRef struct {
	Path        string
	RunID       string
	StartedAtMs int64
	PID         int
}

// FindReplayLogs returns refs for every <fingerprint>.<runID>.replay.bin
// currently present, including logs still being written. Files whose
// run id does not parse are skipped.
func (s *Store) FindReplayLogs(fingerprint string) ([]ReplayLogRef, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan results dir: %w", err)
	}

	var refs []ReplayLogRef
	for _, entry := range entries {
		name := entry.Name()
		rest, ok := strings.CutPrefix(name, fingerprint+".")
		if !ok {
			continue
		}
		runID, ok := strings.CutSuffix(rest, ".replay.bin")
		if !ok {
			continue
		}
		startedMs, pid, err := parseRunID(runID)
		if err != nil {
			continue
		}
		refs = append(refs, ReplayLogRef{
			Path:        filepath.Join(s.dir, name),
			RunID:       runID,
			StartedAtMs: startedMs,
			PID:         pid,
		})
	}
	return refs, nil
}

func parseRunID(runID string) (startedMs int64, pid int, err error) {
	msPart, pidPart, ok := strings.Cut(runID, ".")
	if !ok {
		return 0, 0, fmt.Errorf("malformed run id %q", runID)
	}
	startedMs, err = strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed run id %q: %w", runID, err)
	}
	pid, err = strconv.Atoi(pidPart)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed run id %q: %w", runID, err)
	}
	return startedMs, pid, nil
}
