package replaylog

import (
	"fmt"
	"os"
)

// Writer appends frames to a brand-new replay log.
//
// Thread-safety: Writer is not synchronized. The runner serializes
// appends by funneling both relay goroutines through a mutex-guarded
// tee (see internal/orchestrator), so each frame reaches the file as
// one contiguous write.
type Writer struct {
	f    *os.File
	path string
}

// Create opens a new log at path in exclusive-create mode.
//
// Run identifiers embed a timestamp and process id, so an existing file
// means something is seriously wrong; Create fails loudly rather than
// appending to another run's recording.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create replay log: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// Append records one frame: header and payload in a single write so a
// concurrent tailer never sees a torn frame.
func (w *Writer) Append(stream Stream, payload []byte) error {
	buf, err := EncodeFrame(stream, payload)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("append replay frame: %w", err)
	}
	return nil
}

// Path returns the log's filesystem path.
func (w *Writer) Path() string { return w.path }

// Close flushes and closes the log, making it immutable.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close replay log: %w", err)
	}
	return nil
}
