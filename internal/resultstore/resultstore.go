// Package resultstore persists finished runs as content-addressed JSON
// records next to their binary replay logs.
//
// Records are write-once: every write is an exclusive create, and a
// filename collision (a racing writer finishing the same fingerprint)
// retries once under a unique secondary name instead of overwriting.
// Nothing in this package ever mutates or deletes an existing entry;
// garbage collection is somebody else's problem.
package resultstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// HostInfo identifies the machine and toolchain a result was produced on.
type HostInfo struct {
	Platform       string `json:"platform"`
	RuntimeVersion string `json:"runtimeVersion"`
}

// CurrentHost describes this process's platform and Go runtime.
func CurrentHost() HostInfo {
	return HostInfo{
		Platform:       runtime.GOOS + "/" + runtime.GOARCH,
		RuntimeVersion: runtime.Version(),
	}
}

// Result is the durable record of one finished run.
type Result struct {
	Fingerprint string    `json:"fingerprint"`
	Argv        []string  `json:"argv"`
	ExitCode    int       `json:"exitCode"`
	CreatedAt   time.Time `json:"createdAt"`
	Host        HostInfo  `json:"host"`

	// LogDir is kept for on-disk shape compatibility; replay logs live
	// in the results directory itself, so it is always null.
	LogDir *string `json:"logDir"`

	// ReplayFile is the replay log's path relative to the results dir.
	ReplayFile string `json:"replayFile"`
}

// candidate mirrors Result but makes exitCode optional, so lookup can
// reject records that never carried a numeric exit code.
type candidate struct {
	Fingerprint string   `json:"fingerprint"`
	Argv        []string `json:"argv"`
	ExitCode    *int     `json:"exitCode"`
	CreatedAt   string   `json:"createdAt"`
	Host        HostInfo `json:"host"`
	LogDir      *string  `json:"logDir"`
	ReplayFile  string   `json:"replayFile"`
}

// Store is a directory of result records and replay logs.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the results directory path.
func (s *Store) Dir() string { return s.dir }

// ReplayLogPath returns the canonical path for a run's replay log:
// <fingerprint>.<runID>.replay.bin inside the results directory.
func (s *Store) ReplayLogPath(fingerprint, runID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.replay.bin", fingerprint, runID))
}

// Write persists a result under <fingerprint>.json via exclusive
// create. If that name already exists (a racing writer for the very
// same fingerprint), it retries once as <fingerprint>.<runID>.json.
// Returns the path actually written.
func (s *Store) Write(res Result, runID string) (string, error) {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}

	primary := filepath.Join(s.dir, res.Fingerprint+".json")
	if err := writeExclusive(primary, data); err == nil {
		return primary, nil
	} else if !os.IsExist(err) {
		return "", fmt.Errorf("write result: %w", err)
	}

	secondary := filepath.Join(s.dir, fmt.Sprintf("%s.%s.json", res.Fingerprint, runID))
	if err := writeExclusive(secondary, data); err != nil {
		return "", fmt.Errorf("write result (secondary): %w", err)
	}
	return secondary, nil
}

// Lookup scans for records named <fingerprint>.json or
// <fingerprint>.<anything>.json, validates each candidate, and returns
// the most recently modified valid one, or nil if none qualify.
//
// A candidate is valid only if it carries a numeric exit code and its
// replay log still exists on disk; a cached answer whose recording is
// gone cannot honor the "full output, correct exit code" contract.
func (s *Store) Lookup(fingerprint string) (*Result, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan results dir: %w", err)
	}

	var (
		best      *Result
		bestMtime time.Time
	)
	for _, entry := range entries {
		name := entry.Name()
		if !matchesFingerprint(name, fingerprint) {
			continue
		}
		res, ok := s.parseCandidate(filepath.Join(s.dir, name))
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if best == nil || info.ModTime().After(bestMtime) {
			best = res
			bestMtime = info.ModTime()
		}
	}
	return best, nil
}

// matchesFingerprint accepts <fp>.json and <fp>.<runID>.json, and
// rejects replay logs and other fingerprints. Full-string equality on
// the fingerprint segment: prefixes never match.
func matchesFingerprint(name, fingerprint string) bool {
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	rest, ok := strings.CutPrefix(name, fingerprint+".")
	if !ok {
		return false
	}
	if rest == "json" {
		return true
	}
	// <runID>.json, but never the replay companion files.
	return strings.HasSuffix(rest, ".json") && !strings.Contains(rest, ".replay.")
}

// parseCandidate loads and validates one record file.
func (s *Store) parseCandidate(path string) (*Result, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var c candidate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, false
	}
	if c.ExitCode == nil || c.ReplayFile == "" {
		return nil, false
	}
	replayPath := filepath.Join(s.dir, c.ReplayFile)
	if _, err := os.Stat(replayPath); err != nil {
		return nil, false
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, c.CreatedAt)
	return &Result{
		Fingerprint: c.Fingerprint,
		Argv:        c.Argv,
		ExitCode:    *c.ExitCode,
		CreatedAt:   createdAt,
		Host:        c.Host,
		LogDir:      c.LogDir,
		ReplayFile:  c.ReplayFile,
	}, true
}

// ReplayPath resolves a result's replay log to an absolute path.
func (s *Store) ReplayPath(res *Result) string {
	return filepath.Join(s.dir, res.ReplayFile)
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
