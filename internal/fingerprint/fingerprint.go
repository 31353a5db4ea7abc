// Package fingerprint derives a content-addressed identity for "this
// exact input state": would running the check command now produce the
// same result as the last recorded run?
//
// The fingerprint covers the committed revision, the staged and
// unstaged diffs, the relevant untracked files, the caller's argument
// list, and the host platform/runtime. Any failure to read or hash an
// input yields no fingerprint at all; the orchestrator then skips
// caching for the invocation and simply serializes via the lock. A
// degraded environment (git absent, shallow checkout, bare directory)
// must never crash the caller.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// hashDomain is the domain-separation prefix for the final digest.
// The version suffix enables future algorithm migration: bumping it
// invalidates every cached result at once, which is exactly what a
// change to fingerprint semantics requires.
const hashDomain = "onceover/fingerprint/v1"

// headSentinel stands in for the revision id when the repository has
// no resolvable HEAD (fresh init, detached oddities).
const headSentinel = "no-head"

// MaxUntrackedFileSize bounds per-file hashing cost: untracked files
// larger than this are excluded from the fingerprint entirely.
const MaxUntrackedFileSize = 20 << 20 // 20 MiB

// ErrUnavailable reports that no fingerprint could be computed. The
// orchestrator treats it as "never cache, still serialize via the lock".
var ErrUnavailable = errors.New("fingerprint: unavailable")

// DefaultExtensions is the inclusion allow-list for untracked files:
// source and config formats whose content plausibly changes a check's
// outcome. Everything else (build artifacts, media, archives) is noise.
var DefaultExtensions = []string{
	".c", ".cc", ".cpp", ".css", ".cue", ".go", ".h", ".hpp", ".html",
	".js", ".json", ".jsx", ".md", ".mod", ".py", ".rs", ".sh", ".sql",
	".sum", ".toml", ".ts", ".tsx", ".yaml", ".yml",
}

// Computer derives fingerprints for one worktree.
type Computer struct {
	// Git runs source-control plumbing. Injectable for tests.
	Git GitRunner

	// Dir is the worktree root untracked paths are resolved against.
	Dir string

	// Extensions is the untracked-file inclusion allow-list. Empty
	// means DefaultExtensions.
	Extensions []string

	// MaxFileSize caps per-file hashing. Zero means the default cap.
	MaxFileSize int64
}

// New returns a Computer over the worktree at dir using the real git.
func New(dir string) *Computer {
	return &Computer{Git: ExecGit{Dir: dir}, Dir: dir}
}

// Compute derives the fingerprint for the given argument list against
// the current worktree state. Read-only. Returns ErrUnavailable
// (wrapped) when any input cannot be obtained.
func (c *Computer) Compute(ctx context.Context, argv []string) (string, error) {
	head, err := c.head(ctx)
	if err != nil {
		return "", err
	}
	diffCached, err := c.Git.Run(ctx, "diff", "--cached")
	if err != nil {
		return "", fmt.Errorf("%w: staged diff: %v", ErrUnavailable, err)
	}
	diffWorking, err := c.Git.Run(ctx, "diff")
	if err != nil {
		return "", fmt.Errorf("%w: unstaged diff: %v", ErrUnavailable, err)
	}
	untracked, err := c.untrackedDigest(ctx)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	writeSection(h, "head", []byte(head))
	writeSection(h, "diff-cached", hashBytes(diffCached))
	writeSection(h, "diff-working", hashBytes(diffWorking))
	writeSection(h, "untracked", []byte(untracked))
	for i, arg := range argv {
		writeSection(h, fmt.Sprintf("argv[%d]", i), []byte(arg))
	}
	writeSection(h, "platform", []byte(runtime.GOOS+"/"+runtime.GOARCH))
	writeSection(h, "runtime", []byte(runtime.Version()))

	return hex.EncodeToString(h.Sum(nil)), nil
}

// head resolves the committed revision id, or the sentinel when the
// repository has no HEAD yet. A git binary that cannot run at all is
// indistinguishable here, but the diff steps will fail too and the
// whole computation degrades to ErrUnavailable.
func (c *Computer) head(ctx context.Context) (string, error) {
	out, err := c.Git.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		if isExecFailure(err) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return headSentinel, nil
	}
	return strings.TrimSpace(string(out)), nil
}

// untrackedDigest hashes every allow-listed untracked file as a sorted,
// newline-joined list of (NFC path, content hash) pairs. File order on
// disk never influences the result; argv order always does.
func (c *Computer) untrackedDigest(ctx context.Context) (string, error) {
	// -z gives NUL-delimited raw paths; without it git quote-escapes
	// non-ASCII names (core.quotePath) and the stat below would miss
	// the real file.
	out, err := c.Git.Run(ctx, "ls-files", "--others", "--exclude-standard", "-z")
	if err != nil {
		return "", fmt.Errorf("%w: untracked listing: %v", ErrUnavailable, err)
	}

	maxSize := c.MaxFileSize
	if maxSize == 0 {
		maxSize = MaxUntrackedFileSize
	}

	var lines []string
	for _, path := range strings.Split(string(out), "\x00") {
		if path == "" {
			continue
		}
		if !c.included(path) {
			continue
		}
		full := filepath.Join(c.Dir, path)
		info, err := os.Stat(full)
		if err != nil {
			return "", fmt.Errorf("%w: stat %s: %v", ErrUnavailable, path, err)
		}
		if !info.Mode().IsRegular() || info.Size() > maxSize {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
		}
		normPath := norm.NFC.String(path)
		lines = append(lines, normPath+"\x00"+hex.EncodeToString(hashBytes(data)))
	}
	sort.Strings(lines)

	return hex.EncodeToString(hashBytes([]byte(strings.Join(lines, "\n")))), nil
}

// included applies the extension allow-list.
func (c *Computer) included(path string) bool {
	exts := c.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range exts {
		if ext == allowed {
			return true
		}
	}
	return false
}

// writeSection feeds one labelled, length-prefixed input into the
// digest. Length prefixes keep adjacent sections from bleeding into
// each other ("ab"+"c" vs "a"+"bc").
func writeSection(h io.Writer, label string, value []byte) {
	var len4 [4]byte
	h.Write([]byte(label))
	h.Write([]byte{0x00})
	binary.BigEndian.PutUint32(len4[:], uint32(len(value)))
	h.Write(len4[:])
	h.Write(value)
}

// hashBytes is a one-shot SHA-256.
func hashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// isExecFailure reports whether err looks like "git itself could not
// run" rather than "git ran and said no".
func isExecFailure(err error) bool {
	return errors.Is(err, os.ErrNotExist) || strings.Contains(err.Error(), "executable file not found")
}
