package session

import (
	"fmt"
	"reflect"
	"strings"
)

// WrapperMarker is the key that tags a map as a wrapper around an inner
// value, e.g. {"$wrapper": true, "Value": 42} from a configuration file.
const WrapperMarker = "$wrapper"

// maxUnwrap bounds nested unboxing so a self-referencing box cannot loop.
const maxUnwrap = 32

// Wrapped carries an inner value. Normalize replaces it with Value.
type Wrapped struct {
	Value any
}

// Unboxer is implemented by language-specific boxes around a plain value.
type Unboxer interface {
	Unbox() any
}

// exporter matches runtime values that can export themselves to Go,
// such as goja.Value.
type exporter interface {
	Export() any
}

// MaxDepth bounds how deeply containers may nest in a value handed to or
// from a runtime. Self-referencing values always exceed it.
const MaxDepth = 64

// ErrTooDeep is returned for values nested deeper than MaxDepth.
var ErrTooDeep = fmt.Errorf("value nested deeper than %d levels", MaxDepth)

// Normalize strips boxing from v so every binding reaches a runtime as a
// plain Go value: nil, bool, numbers, string, []any or map[string]any.
// Maps and slices are normalized recursively into fresh containers. A value
// nested deeper than MaxDepth normalizes to nil; use Convert to detect it.
func Normalize(v any) any {
	out, err := normalize(v, 0)
	if err != nil {
		return nil
	}
	return out
}

// Convert is Normalize that reports ErrTooDeep instead of dropping the value.
func Convert(v any) (any, error) {
	return normalize(v, 0)
}

func normalize(v any, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}
	for range maxUnwrap {
		next, unwrapped := unwrap(v)
		if !unwrapped {
			break
		}
		v = next
	}

	switch val := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalize(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := normalize(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalize(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out, nil
	}

	return normalizeReflect(v, depth)
}

// NormalizeAll normalizes every value of vars into a new map.
func NormalizeAll(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = Normalize(v)
	}
	return out
}

func unwrap(v any) (any, bool) {
	switch val := v.(type) {
	case Wrapped:
		return val.Value, true
	case *Wrapped:
		if val == nil {
			return nil, true
		}
		return val.Value, true
	case Unboxer:
		return val.Unbox(), true
	case exporter:
		return val.Export(), true
	case map[string]any:
		if marked, _ := val[WrapperMarker].(bool); marked {
			return wrapperValue(val), true
		}
	}
	return v, false
}

func wrapperValue(m map[string]any) any {
	if inner, ok := m["Value"]; ok {
		return inner
	}
	for k, inner := range m {
		if strings.EqualFold(k, "value") {
			return inner
		}
	}
	return nil
}

// normalizeReflect handles typed maps, slices and pointers that the fast
// path above does not cover.
func normalizeReflect(v any, depth int) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), depth+1)
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := normalize(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(iter.Key().Interface())] = n
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes()), nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			n, err := normalize(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return v, nil
}
