package channel

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePreservesFrameBoundaries(t *testing.T) {
	frames := [][]byte{[]byte("RUN"), {}, []byte("a=1\nb=2"), {0x00, 0xff}}

	got, err := DecodeMessage(EncodeMessage(frames))
	require.NoError(t, err)
	require.Len(t, got, len(frames))
	for i := range frames {
		assert.Equal(t, frames[i], got[i], "frame %d", i)
	}
}

func TestDecodeMessageRejectsZeroFrames(t *testing.T) {
	_, err := DecodeMessage(EncodeMessage(nil))
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeMessageRejectsTruncatedFrames(t *testing.T) {
	body := EncodeMessage([][]byte{[]byte("VERSION")})

	_, err := DecodeMessage(body[:len(body)-2])
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeMessage(body[:2])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeMessageRejectsHugeFrameCount(t *testing.T) {
	body := binary.BigEndian.AppendUint32(nil, 1<<31)
	_, err := DecodeMessage(body)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeMessageRejectsTrailingBytes(t *testing.T) {
	body := append(EncodeMessage([][]byte{[]byte("x")}), 0x01)
	_, err := DecodeMessage(body)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseEndpoint(t *testing.T) {
	u, err := ParseEndpoint("localhost:9000")
	require.NoError(t, err)
	assert.Equal(t, SchemeTCP, u.Scheme)
	assert.Equal(t, "localhost:9000", u.Host)

	u, err = ParseEndpoint("ws://127.0.0.1:8090/control")
	require.NoError(t, err)
	assert.Equal(t, SchemeWS, u.Scheme)
	assert.Equal(t, "/control", u.Path)

	_, err = ParseEndpoint("udp://localhost:1")
	require.Error(t, err)

	_, err = ParseEndpoint("")
	require.Error(t, err)
}
