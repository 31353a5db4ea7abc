// Package config loads onceover's settings from an optional CUE file.
//
// Everything has a working default; the file only overrides. A
// malformed file is a command error (exit 2), never a silent fallback.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue/cuecontext"
)

// DefaultFileName is looked up in the working directory when no
// explicit --config path is given.
const DefaultFileName = "onceover.cue"

// Config holds the resolved settings for one invocation.
type Config struct {
	// CacheDir roots the on-disk layout: lockdir/, results/, history.db.
	CacheDir string

	// PollInterval is the cadence for lock and tail polling.
	PollInterval time.Duration

	// StaleAfter is the dead-owner age threshold for lock reclamation.
	StaleAfter time.Duration

	// MaxUntrackedFileSize caps per-file fingerprint hashing.
	MaxUntrackedFileSize int64

	// UntrackedExtensions is the fingerprint inclusion allow-list.
	// Empty means the fingerprint package's defaults.
	UntrackedExtensions []string
}

// fileConfig mirrors the CUE schema; durations arrive as strings.
type fileConfig struct {
	CacheDir             string   `json:"cacheDir"`
	PollInterval         string   `json:"pollInterval"`
	StaleAfter           string   `json:"staleAfter"`
	MaxUntrackedFileSize int64    `json:"maxUntrackedFileSize"`
	UntrackedExtensions  []string `json:"untrackedExtensions"`
}

// Default returns the built-in configuration.
func Default() Config {
	cacheDir := "onceover-cache"
	if base, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(base, "onceover")
	}
	return Config{
		CacheDir:             cacheDir,
		PollInterval:         200 * time.Millisecond,
		StaleAfter:           30 * time.Second,
		MaxUntrackedFileSize: 20 << 20,
	}
}

// Load resolves the configuration: defaults overridden by the CUE file
// at path. An empty path means "use DefaultFileName if present". A
// missing file is not an error; a file that fails to compile or decode
// is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	ctx := cuecontext.New()
	value := ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return Config{}, fmt.Errorf("compile config %s: %w", path, err)
	}

	var fc fileConfig
	if err := value.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	if fc.CacheDir != "" {
		cfg.CacheDir = fc.CacheDir
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: pollInterval: %w", path, err)
		}
		cfg.PollInterval = d
	}
	if fc.StaleAfter != "" {
		d, err := time.ParseDuration(fc.StaleAfter)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: staleAfter: %w", path, err)
		}
		cfg.StaleAfter = d
	}
	if fc.MaxUntrackedFileSize > 0 {
		cfg.MaxUntrackedFileSize = fc.MaxUntrackedFileSize
	}
	if len(fc.UntrackedExtensions) > 0 {
		cfg.UntrackedExtensions = fc.UntrackedExtensions
	}
	return cfg, nil
}

// LockDir returns the lock directory path under the cache root.
func (c Config) LockDir() string { return filepath.Join(c.CacheDir, "lockdir") }

// ResultsDir returns the result-store directory under the cache root.
func (c Config) ResultsDir() string { return filepath.Join(c.CacheDir, "results") }

// HistoryPath returns the run-history database path.
func (c Config) HistoryPath() string { return filepath.Join(c.CacheDir, "history.db") }
