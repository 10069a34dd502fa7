package engine

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	timeType  = reflect.TypeOf(time.Time{})
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02", "2006/01/02"}

type segment struct {
	name     string
	index    int
	hasIndex bool
}

// parsePath splits "[Scope].A.B[2]" into its scope ("" for relative paths) and segments.
func parsePath(path string) (string, []segment, error) {
	rest := strings.TrimSpace(path)
	if rest == "" {
		return "", nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	scope := ""
	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated scope in %q", path)
		}
		scope = rest[1:end]
		if scope == "" {
			return "", nil, fmt.Errorf("empty scope in %q", path)
		}
		rest = rest[end+1:]
		if rest == "" {
			return scope, nil, nil
		}
		if rest[0] != '.' {
			return "", nil, fmt.Errorf("expected '.' after scope in %q", path)
		}
		rest = rest[1:]
	}
	var segs []segment
	for _, part := range strings.Split(rest, ".") {
		seg, err := parseSegment(part)
		if err != nil {
			return "", nil, fmt.Errorf("path %q: %w", path, err)
		}
		segs = append(segs, seg)
	}
	return scope, segs, nil
}

func parseSegment(part string) (segment, error) {
	if part == "" {
		return segment{}, fmt.Errorf("empty segment")
	}
	open := strings.IndexByte(part, '[')
	if open < 0 {
		return segment{name: part}, nil
	}
	if !strings.HasSuffix(part, "]") || open == 0 {
		return segment{}, fmt.Errorf("malformed index in %q", part)
	}
	idx, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil {
		return segment{}, fmt.Errorf("malformed index in %q", part)
	}
	if idx < 0 {
		return segment{}, ErrNegativeIndex
	}
	return segment{name: part[:open], index: idx, hasIndex: true}, nil
}

// handle is a resolved variable. set is nil for read-only variables.
type handle struct {
	path      string
	canonical string
	owner     Model
	typ       reflect.Type
	get       func() (interface{}, error)
	set       func(reflect.Value) error
}

func (h *handle) Path() string { return h.path }

func (h *handle) Canonical() string { return h.canonical }

func canonicalPath(node *Node, segs []segment) string {
	var b strings.Builder
	b.WriteString("[" + node.name + "]")
	for _, seg := range segs {
		b.WriteString("." + seg.name)
		if seg.hasIndex {
			b.WriteString("[" + strconv.Itoa(seg.index) + "]")
		}
	}
	return b.String()
}

// resolvePath walks segs from start: first through child nodes, then through the model's
// exported fields, zero-argument methods and string-keyed map entries.
func resolvePath(path string, start *Node, segs []segment) (*handle, error) {
	node := start
	i := 0
	for ; i < len(segs) && !segs[i].hasIndex; i++ {
		child := node.child(segs[i].name)
		if child == nil {
			break
		}
		node = child
	}
	canonical := canonicalPath(node, segs[i:])
	if i == len(segs) {
		model := node.model
		return &handle{
			path:      path,
			canonical: canonical,
			typ:       reflect.TypeOf(model),
			get:       func() (interface{}, error) { return model, nil },
		}, nil
	}

	cur := reflect.ValueOf(node.model).Elem()
	var h *handle
	for ; i < len(segs); i++ {
		if h != nil {
			// a previous segment ended on a method result or map entry
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		seg := segs[i]
		last := i == len(segs)-1
		if cur.Kind() == reflect.Pointer {
			if cur.IsNil() {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			cur = cur.Elem()
		}
		switch cur.Kind() {
		case reflect.Struct:
			if m := cur.Addr().MethodByName(seg.name); m.IsValid() {
				if seg.hasIndex || !accessor(m.Type()) {
					return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
				}
				h = methodHandle(path, m)
				continue
			}
			sf, ok := cur.Type().FieldByName(seg.name)
			if !ok || !sf.IsExported() {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			cur = cur.FieldByIndex(sf.Index)
		case reflect.Map:
			if cur.Type().Key().Kind() != reflect.String || seg.hasIndex {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			h = mapHandle(path, cur, seg.name)
			continue
		default:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if seg.hasIndex {
			if cur.Kind() != reflect.Slice && cur.Kind() != reflect.Array {
				return nil, fmt.Errorf("%w: %s is not an array", ErrNotFound, path)
			}
			if seg.index >= cur.Len() {
				return nil, fmt.Errorf("%w: %s has %d elements", ErrIndexOutOfRange, path, cur.Len())
			}
			if last {
				h = elementHandle(path, cur, seg.index)
				continue
			}
			cur = cur.Index(seg.index)
		}
	}
	if h == nil {
		h = fieldHandle(path, cur)
	}
	h.canonical = canonical
	h.owner = node.model
	return h, nil
}

func accessor(t reflect.Type) bool {
	if t.NumIn() != 0 {
		return false
	}
	switch t.NumOut() {
	case 1:
		return t.Out(0) != errorType
	case 2:
		return t.Out(1) == errorType
	}
	return false
}

func methodHandle(path string, m reflect.Value) *handle {
	return &handle{
		path: path,
		typ:  m.Type().Out(0),
		get: func() (interface{}, error) {
			out := m.Call(nil)
			if len(out) == 2 && !out[1].IsNil() {
				return nil, out[1].Interface().(error)
			}
			return out[0].Interface(), nil
		},
	}
}

func mapHandle(path string, m reflect.Value, key string) *handle {
	k := reflect.ValueOf(key).Convert(m.Type().Key())
	return &handle{
		path: path,
		typ:  m.Type().Elem(),
		get: func() (interface{}, error) {
			v := m.MapIndex(k)
			if !v.IsValid() {
				return nil, nil
			}
			return v.Interface(), nil
		},
		set: func(v reflect.Value) error {
			if m.IsNil() {
				if !m.CanSet() {
					return fmt.Errorf("%w: %s", ErrReadOnly, path)
				}
				m.Set(reflect.MakeMap(m.Type()))
			}
			m.SetMapIndex(k, v)
			return nil
		},
	}
}

func elementHandle(path string, seq reflect.Value, index int) *handle {
	return &handle{
		path: path,
		typ:  seq.Type().Elem(),
		get: func() (interface{}, error) {
			if index >= seq.Len() {
				return nil, fmt.Errorf("%w: %s has %d elements", ErrIndexOutOfRange, path, seq.Len())
			}
			return seq.Index(index).Interface(), nil
		},
		set: func(v reflect.Value) error {
			if index >= seq.Len() {
				return fmt.Errorf("%w: %s has %d elements", ErrIndexOutOfRange, path, seq.Len())
			}
			seq.Index(index).Set(v)
			return nil
		},
	}
}

func fieldHandle(path string, f reflect.Value) *handle {
	h := &handle{
		path: path,
		typ:  f.Type(),
		get:  func() (interface{}, error) { return f.Interface(), nil },
	}
	if f.CanSet() {
		h.set = func(v reflect.Value) error {
			f.Set(v)
			return nil
		}
	}
	return h
}

// coerce converts value to t. Array variables only accept sequences and scalar variables only
// accept scalars; sequence elements are converted one by one.
func coerce(path string, value interface{}, t reflect.Type) (reflect.Value, error) {
	items, isList := listItems(value)
	if t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 {
		if !isList {
			return reflect.Value{}, mismatch(path, t, value)
		}
		out := reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			ev, err := coerceScalar(path, item, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	}
	if isList {
		return reflect.Value{}, mismatch(path, t, value)
	}
	return coerceScalar(path, value, t)
}

func listItems(value interface{}) ([]interface{}, bool) {
	if value == nil {
		return nil, false
	}
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, false
	}
	if v.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	items := make([]interface{}, v.Len())
	for i := range items {
		items[i] = v.Index(i).Interface()
	}
	return items, true
}

func coerceScalar(path string, value interface{}, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		return reflect.Value{}, mismatch(path, t, value)
	}
	v := reflect.ValueOf(value)
	fail := func() (reflect.Value, error) { return reflect.Value{}, mismatch(path, t, value) }

	if t == timeType {
		switch x := value.(type) {
		case time.Time:
			return reflect.ValueOf(x), nil
		case string:
			for _, layout := range dateLayouts {
				if ts, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
					return reflect.ValueOf(ts), nil
				}
			}
		}
		return fail()
	}

	switch t.Kind() {
	case reflect.Float32, reflect.Float64:
		var f float64
		switch {
		case isInt(v):
			f = float64(v.Int())
		case isUint(v):
			f = float64(v.Uint())
		case isFloat(v):
			f = v.Float()
		case v.Kind() == reflect.String:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
			if err != nil {
				return fail()
			}
			f = parsed
		default:
			return fail()
		}
		out := reflect.New(t).Elem()
		out.SetFloat(f)
		return out, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch {
		case isInt(v):
			n = v.Int()
		case isUint(v):
			if v.Uint() > 1<<63-1 {
				return fail()
			}
			n = int64(v.Uint())
		case isFloat(v):
			if v.Float() != float64(int64(v.Float())) {
				return fail()
			}
			n = int64(v.Float())
		case v.Kind() == reflect.String:
			parsed, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
			if err != nil {
				return fail()
			}
			n = parsed
		default:
			return fail()
		}
		out := reflect.New(t).Elem()
		if out.OverflowInt(n) {
			return fail()
		}
		out.SetInt(n)
		return out, nil
	case reflect.String:
		if v.Kind() != reflect.String {
			return fail()
		}
		return v.Convert(t), nil
	case reflect.Bool:
		switch v.Kind() {
		case reflect.Bool:
			return v.Convert(t), nil
		case reflect.String:
			b, err := strconv.ParseBool(strings.TrimSpace(v.String()))
			if err != nil {
				return fail()
			}
			return reflect.ValueOf(b).Convert(t), nil
		}
		return fail()
	}
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	return fail()
}

func isInt(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isFloat(v reflect.Value) bool {
	return v.Kind() == reflect.Float32 || v.Kind() == reflect.Float64
}

// DeepCopy returns a copy of v that shares no slices, maps or pointers with it.
func DeepCopy(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	return deepCopy(reflect.ValueOf(v)).Interface()
}

func deepCopy(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(deepCopy(v.Index(i)))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(deepCopy(v.Elem()))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(deepCopy(v.Elem()))
		return out
	case reflect.Struct:
		if v.Type() == timeType {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if out.Field(i).CanSet() {
				out.Field(i).Set(deepCopy(v.Field(i)))
			}
		}
		return out
	}
	return v
}
