package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/onceover/internal/replaylog"
)

// relayChunkSize is the read granularity for the output tee. One read
// becomes one replay frame, so interleaving is preserved at whatever
// granularity the child flushes.
const relayChunkSize = 32 * 1024

// execute spawns the external command with inherited stdin and captured
// output: every chunk goes to the caller's stream and to the replay log
// simultaneously. Returns the child's exit code.
//
// Inability to start the command at all is the one fatal error in this
// subsystem; it is returned as an error, not an exit code.
func (o *Orchestrator) execute(ctx context.Context, argv []string, log *replaylog.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = o.Stdin

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("capture stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("capture stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	// Both relay goroutines append to one log; the mutex keeps each
	// frame a single contiguous write.
	var logMu sync.Mutex
	appendFrame := func(stream replaylog.Stream, chunk []byte) {
		logMu.Lock()
		defer logMu.Unlock()
		if err := log.Append(stream, chunk); err != nil {
			// A failed append truncates the recording, which readers
			// already tolerate; the live caller still gets everything.
			slog.Warn("replay log append failed", "error", err)
		}
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		return relay(stdoutPipe, o.Stdout, replaylog.StreamStdout, appendFrame)
	})
	g.Go(func() error {
		return relay(stderrPipe, o.Stderr, replaylog.StreamStderr, appendFrame)
	})
	relayErr := g.Wait()

	waitErr := cmd.Wait()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("wait for %s: %w", argv[0], waitErr)
	}
	if relayErr != nil {
		return 0, relayErr
	}
	return 0, nil
}

// relay copies one pipe to the caller's stream while recording every
// chunk. The caller-stream write happens first so a follower can never
// be ahead of the invoking terminal.
func relay(src io.Reader, dst io.Writer, stream replaylog.Stream, record func(replaylog.Stream, []byte)) error {
	buf := make([]byte, relayChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("relay output: %w", werr)
			}
			record(stream, buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read child output: %w", err)
		}
	}
}
