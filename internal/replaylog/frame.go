package replaylog

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Stream identifies which output stream a frame belongs to.
type Stream byte

const (
	// StreamStdout tags frames carrying the child's standard output.
	StreamStdout Stream = 1
	// StreamStderr tags frames carrying the child's standard error.
	StreamStderr Stream = 2
)

const (
	// headerSize is the fixed frame header: 1-byte tag + 4-byte length.
	headerSize = 5

	// MaxPayload is the sanity ceiling on a single frame's payload.
	// A declared length above this is treated as corruption, not data.
	MaxPayload = 64 << 20 // 64 MiB
)

// ErrIncomplete reports that the buffer does not yet hold a full frame.
// For a tailer this means "poll again later"; for a full replay it
// means the recording was truncated and replay stops early.
var ErrIncomplete = errors.New("replaylog: incomplete frame")

// ErrCorrupt reports a frame whose declared length exceeds MaxPayload.
var ErrCorrupt = errors.New("replaylog: corrupt frame header")

// Frame is one decoded unit of recorded output.
type Frame struct {
	Stream  Stream
	Payload []byte
}

// EncodeFrame serializes a frame as header+payload in one buffer so the
// writer can issue it as a single atomic write.
func EncodeFrame(stream Stream, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds %d", ErrCorrupt, len(payload), MaxPayload)
	}
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(stream)
	binary.BigEndian.PutUint32(buf[1:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf, nil
}

// DecodeFrame parses the first frame in buf.
//
// Returns the frame and the number of bytes consumed. ErrIncomplete is
// returned when buf holds less than a complete frame; ErrCorrupt when
// the header declares a payload beyond MaxPayload. Unknown stream tags
// are normalized to StreamStdout.
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < headerSize {
		return Frame{}, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf[1:headerSize])
	if length > MaxPayload {
		return Frame{}, 0, fmt.Errorf("%w: declared length %d exceeds %d", ErrCorrupt, length, MaxPayload)
	}
	total := headerSize + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}

	stream := Stream(buf[0])
	if stream != StreamStdout && stream != StreamStderr {
		stream = StreamStdout
	}

	payload := make([]byte, length)
	copy(payload, buf[headerSize:total])
	return Frame{Stream: stream, Payload: payload}, total, nil
}
