package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Time:    cbor.TimeRFC3339,
		TimeTag: cbor.EncTagRequired,
		Sort:    cbor.SortCanonical,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ErrNotSerializable is returned when a value has no binary encoding.
var ErrNotSerializable = errors.New("value is not serializable")

// Frame converts a text argument to a frame.
func Frame(s string) []byte {
	return []byte(s)
}

// Frames converts text arguments to frames.
func Frames(args ...string) [][]byte {
	frames := make([][]byte, len(args))
	for i, a := range args {
		frames[i] = []byte(a)
	}
	return frames
}

// ErrorFrame renders err as the single text frame reported to a controller.
func ErrorFrame(err error) []byte {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	return []byte(ErrorMarker + "\n" + detail)
}

// IsError reports whether a frame carries an error payload and returns its detail.
func IsError(frame []byte) (string, bool) {
	s := string(frame)
	if s == ErrorMarker {
		return "", true
	}
	if !strings.HasPrefix(s, ErrorMarker+"\n") {
		return "", false
	}
	return strings.TrimPrefix(s, ErrorMarker+"\n"), true
}

// EncodeInt32 encodes n as a fixed-width big-endian integer.
func EncodeInt32(n int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	return buf
}

// DecodeInt32 decodes a fixed-width big-endian integer.
func DecodeInt32(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("expected 4-byte integer, got %d bytes", len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// EncodeValue encodes a typed value (numbers, strings, arrays, maps, times).
func EncodeValue(v interface{}) ([]byte, error) {
	if err := checkSerializable(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	return data, nil
}

// DecodeValue decodes a typed value produced by EncodeValue or by a controller.
func DecodeValue(data []byte) (interface{}, error) {
	var v interface{}
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// DecodeInto decodes a typed value into out.
func DecodeInto(data []byte, out interface{}) error {
	if err := decMode.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

func checkSerializable(v reflect.Value) error {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("%w: %s", ErrNotSerializable, v.Type())
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkSerializable(v.Elem())
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkSerializable(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkSerializable(iter.Value()); err != nil {
				return err
			}
		}
	}
	return nil
}

// NamedArgs encodes key/value pairs as alternating text and value frames.
func NamedArgs(pairs ...interface{}) ([][]byte, error) {
	if len(pairs)%2 != 0 {
		return nil, fmt.Errorf("named arguments need key/value pairs")
	}
	frames := make([][]byte, 0, len(pairs))
	for i := 0; i < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			return nil, fmt.Errorf("argument name %v is not a string", pairs[i])
		}
		value, err := EncodeValue(pairs[i+1])
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", key, err)
		}
		frames = append(frames, []byte(key), value)
	}
	return frames, nil
}

// ParseNamedArgs decodes alternating text and value frames.
func ParseNamedArgs(frames [][]byte) (map[string]interface{}, error) {
	if len(frames)%2 != 0 {
		return nil, fmt.Errorf("named arguments need key/value pairs, got %d frames", len(frames))
	}
	args := make(map[string]interface{}, len(frames)/2)
	for i := 0; i < len(frames); i += 2 {
		v, err := DecodeValue(frames[i+1])
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", frames[i], err)
		}
		args[string(frames[i])] = v
	}
	return args, nil
}
