// Package channel provides the multi-part request/response message primitive used by every
// session of the control server. A message is an ordered list of opaque byte frames.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxMessageSize bounds a single encoded message.
const MaxMessageSize = 64 << 20

var (
	// ErrMalformed marks framing errors. The message boundary is intact, so the caller may
	// log the message and keep reading.
	ErrMalformed = errors.New("malformed message")

	// ErrEmptyMessage is returned for messages that carry no frames.
	ErrEmptyMessage = fmt.Errorf("%w: zero frames", ErrMalformed)

	// ErrTruncated is returned when frame lengths disagree with the message body.
	ErrTruncated = fmt.Errorf("%w: truncated frame", ErrMalformed)

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("channel closed")
)

// EncodeMessage encodes frames as a frame count followed by length-prefixed frames.
func EncodeMessage(frames [][]byte) []byte {
	size := 4
	for _, f := range frames {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(frames)))
	for _, f := range frames {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

// DecodeMessage splits an encoded message body back into frames.
func DecodeMessage(body []byte) ([][]byte, error) {
	if len(body) < 4 {
		return nil, ErrTruncated
	}
	count := binary.BigEndian.Uint32(body)
	if count == 0 {
		return nil, ErrEmptyMessage
	}
	rest := body[4:]
	// Every frame needs at least its length prefix.
	if uint64(count)*4 > uint64(len(rest)) {
		return nil, ErrTruncated
	}

	frames := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, ErrTruncated
		}
		n := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if uint64(n) > uint64(len(rest)) {
			return nil, ErrTruncated
		}
		frame := make([]byte, n)
		copy(frame, rest[:n])
		frames = append(frames, frame)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}
	return frames, nil
}

func copyFrames(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
