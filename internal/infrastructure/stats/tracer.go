package stats

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// TraceRecord is [tag, peerConnectionID, data, timestampMillis].
type TraceRecord []any

// TraceSlice is the result of Tracer.Take.
type TraceSlice struct {
	Snapshot []TraceRecord
	rollback func()
}

// Rollback puts the snapshot back in front of whatever was traced since Take.
func (s TraceSlice) Rollback() {
	if s.rollback != nil {
		s.rollback()
	}
}

// Tracer buffers protocol events until the stats reporter ships them.
type Tracer struct {
	mu      sync.Mutex
	buffer  []TraceRecord
	enabled bool
	now     func() time.Time
}

func NewTracer() *Tracer {
	return &Tracer{enabled: true, now: time.Now}
}

// Trace appends a record. An empty pcID is encoded as null.
func (t *Tracer) Trace(tag, pcID string, data any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	var id any
	if pcID != "" {
		id = pcID
	}
	t.buffer = append(t.buffer, TraceRecord{tag, id, Sanitize(data), t.now().UnixMilli()})
}

// Take swaps the buffer for an empty one.
func (t *Tracer) Take() TraceSlice {
	t.mu.Lock()
	snapshot := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	return TraceSlice{
		Snapshot: snapshot,
		rollback: func() {
			if len(snapshot) == 0 {
				return
			}
			t.mu.Lock()
			defer t.mu.Unlock()
			merged := make([]TraceRecord, 0, len(snapshot)+len(t.buffer))
			merged = append(merged, snapshot...)
			t.buffer = append(merged, t.buffer...)
		},
	}
}

// SetEnabled toggles tracing; any change clears the buffer.
func (t *Tracer) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == enabled {
		return
	}
	t.enabled = enabled
	t.buffer = nil
}

func (t *Tracer) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Tracer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

func (t *Tracer) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer = nil
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	durationTyp = reflect.TypeOf(time.Duration(0))
)

// Sanitize turns v into values encoding/json can always serialize:
// times become epoch millis, byte slices hex, structs and maps plain maps.
func Sanitize(v any) any {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case time.Time:
		return x.UnixMilli()
	case time.Duration:
		return x.Milliseconds()
	case []byte:
		return hex.EncodeToString(x)
	case error:
		return x.Error()
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return x
	}
	return sanitizeValue(reflect.ValueOf(v))
}

func sanitizeValue(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Invalid:
		return nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		if rv.Elem().CanInterface() {
			return Sanitize(rv.Elem().Interface())
		}
		return sanitizeValue(rv.Elem())
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Type() == durationTyp {
			return time.Duration(rv.Int()).Milliseconds()
		}
		if s, ok := stringer(rv); ok {
			return s
		}
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if s, ok := stringer(rv); ok {
			return s
		}
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return hex.EncodeToString(rv.Bytes())
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = sanitizeValue(rv.Index(i))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitizeValue(iter.Value())
		}
		return out
	case reflect.Struct:
		if rv.Type() == timeType {
			return rv.Interface().(time.Time).UnixMilli()
		}
		return sanitizeStruct(rv)
	}
	if rv.CanInterface() {
		return fmt.Sprint(rv.Interface())
	}
	return nil
}

func sanitizeStruct(rv reflect.Value) map[string]any {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		out[name] = sanitizeValue(rv.Field(i))
	}
	return out
}

// stringer renders named enum-like integers (e.g. webrtc.ICEConnectionState) by name.
func stringer(rv reflect.Value) (string, bool) {
	if rv.Type().PkgPath() == "" || !rv.CanInterface() {
		return "", false
	}
	if s, ok := rv.Interface().(fmt.Stringer); ok {
		return s.String(), true
	}
	return "", false
}
