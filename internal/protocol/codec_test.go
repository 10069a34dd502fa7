package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt32RoundTrip(t *testing.T) {
	for _, n := range []int32{0, 1, 7, -1, 1 << 30, -(1 << 31)} {
		got, err := DecodeInt32(EncodeInt32(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
	assert.Equal(t, []byte{0, 0, 0, 2}, EncodeInt32(2))

	_, err := DecodeInt32([]byte{1, 2})
	require.Error(t, err)
}

func TestErrorFrame(t *testing.T) {
	frame := ErrorFrame(assert.AnError)
	detail, ok := IsError(frame)
	require.True(t, ok)
	assert.Equal(t, assert.AnError.Error(), detail)

	_, ok = IsError([]byte("finished"))
	assert.False(t, ok)
	_, ok = IsError([]byte("ERRORS"))
	assert.False(t, ok)
}

func TestEncodeValueTypes(t *testing.T) {
	data, err := EncodeValue([]float64{1.5, 2})
	require.NoError(t, err)
	var floats []float64
	require.NoError(t, DecodeInto(data, &floats))
	assert.Equal(t, []float64{1.5, 2}, floats)

	data, err = EncodeValue(map[string]interface{}{"a": "b"})
	require.NoError(t, err)
	v, err := DecodeValue(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": "b"}, v)

	day := time.Date(2000, 1, 3, 0, 0, 0, 0, time.UTC)
	data, err = EncodeValue(day)
	require.NoError(t, err)
	var got time.Time
	require.NoError(t, DecodeInto(data, &got))
	assert.True(t, day.Equal(got))
}

func TestEncodeValueRejectsFunctions(t *testing.T) {
	_, err := EncodeValue(func() {})
	require.ErrorIs(t, err, ErrNotSerializable)

	_, err = EncodeValue([]interface{}{1, make(chan int)})
	require.ErrorIs(t, err, ErrNotSerializable)
}

func TestFrames(t *testing.T) {
	frames := Frames(CmdGet, "Report.Date")
	require.Len(t, frames, 2)
	assert.Equal(t, "GET", string(frames[0]))
}

func TestNamedArgs(t *testing.T) {
	frames, err := NamedArgs(ArgAmount, 12.5, ArgField, 1)
	require.NoError(t, err)
	require.Len(t, frames, 4)
	assert.Equal(t, ArgAmount, string(frames[0]))

	args, err := ParseNamedArgs(frames)
	require.NoError(t, err)
	assert.Equal(t, 12.5, args[ArgAmount])
	assert.EqualValues(t, 1, args[ArgField])

	_, err = ParseNamedArgs(frames[:3])
	assert.Error(t, err)
	_, err = NamedArgs("amount")
	assert.Error(t, err)
}
