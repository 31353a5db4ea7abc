package replaylog

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Tailer follows a log that may still be growing.
//
// The tailer holds a byte cursor into the file. Each call to Next
// re-stats the file and, if a complete frame lies beyond the cursor,
// returns it and advances. Deciding when to poll again and when to
// stop following is the caller's job: the orchestrator stops once a
// matching cached result exists and the cursor has caught up, or once
// the producer's lock is gone with no result ever published.
type Tailer struct {
	path   string
	offset int64
}

// NewTailer starts a tailer at the beginning of the log at path. The
// file may not exist yet; Next reports "not ready" until it does.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Next returns the next complete frame past the cursor.
//
// ok is false when no full frame is available yet: the producer may
// still be mid-write, or the file may not exist. A corrupt header is
// reported as an error so the orchestrator can stop following a log
// that will never parse further.
func (t *Tailer) Next() (frame Frame, ok bool, err error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Frame{}, false, nil
		}
		return Frame{}, false, fmt.Errorf("open tailed log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Frame{}, false, fmt.Errorf("stat tailed log: %w", err)
	}
	avail := info.Size() - t.offset
	if avail < headerSize {
		return Frame{}, false, nil
	}

	header := make([]byte, headerSize)
	if _, err := f.ReadAt(header, t.offset); err != nil {
		return Frame{}, false, nil
	}
	length := binary.BigEndian.Uint32(header[1:headerSize])
	if length > MaxPayload {
		return Frame{}, false, fmt.Errorf("%w: declared length %d exceeds %d", ErrCorrupt, length, MaxPayload)
	}
	total := int64(headerSize) + int64(length)
	if avail < total {
		// Header landed but the payload is still being written.
		return Frame{}, false, nil
	}

	buf := make([]byte, total)
	if _, err := f.ReadAt(buf, t.offset); err != nil {
		return Frame{}, false, nil
	}
	frame, n, err := DecodeFrame(buf)
	if err != nil {
		return Frame{}, false, err
	}
	t.offset += int64(n)
	return frame, true, nil
}

// CaughtUp reports whether the cursor has consumed every byte currently
// in the file. Used as the tail-termination check once a result exists.
func (t *Tailer) CaughtUp() (bool, error) {
	info, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return t.offset == 0, nil
		}
		return false, fmt.Errorf("stat tailed log: %w", err)
	}
	return t.offset >= info.Size(), nil
}

// Offset returns the current cursor position in bytes.
func (t *Tailer) Offset() int64 { return t.offset }
