package replaylog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Replay reads a finished log from start to end, emitting each payload
// to the writer implied by its stream tag.
//
// A short header, truncated payload, or corrupt length ends replay
// early without raising an error: the recording up to that point is
// still byte-exact, and the caller's exit code comes from the result
// store, not from the log. Write errors on the destination streams are
// surfaced, since losing replayed output defeats the point.
func Replay(path string, stdout, stderr io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open replay log: %w", err)
	}
	defer f.Close()
	return replayFrom(f, stdout, stderr)
}

// replayFrom drains complete frames from r until EOF or corruption.
func replayFrom(r io.Reader, stdout, stderr io.Writer) error {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			// EOF is the normal end; a partial header is a truncated
			// recording and ends replay the same silent way.
			return nil
		}
		length := binary.BigEndian.Uint32(header[1:headerSize])
		if length > MaxPayload {
			return nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil
		}
		if err := emit(Stream(header[0]), payload, stdout, stderr); err != nil {
			return err
		}
	}
}

// emit writes a payload to the stream its tag names. Unknown tags go to
// stdout, matching DecodeFrame.
func emit(stream Stream, payload []byte, stdout, stderr io.Writer) error {
	dst := stdout
	if stream == StreamStderr {
		dst = stderr
	}
	if _, err := dst.Write(payload); err != nil {
		return fmt.Errorf("emit replayed frame: %w", err)
	}
	return nil
}
