package expression

import (
	"encoding/json"
	"reflect"
	"time"
)

var (
	timeType       = reflect.TypeOf(time.Time{})
	jsonNumberType = reflect.TypeOf(json.Number(""))
)

// Sanitize returns a deep copy of v holding only JSON-safe values: nil, bools,
// numbers, strings, json.Number, time.Time, string-keyed maps and slices.
// Pointers and interfaces are followed. Functions, channels, structs and other
// values are dropped, as is everything nested deeper than maxDepth.
func Sanitize(v any, maxDepth int) any {
	out, _ := sanitize(reflect.ValueOf(v), 0, maxDepth)
	return out
}

// sanitize reports ok=false when the value must be dropped from its parent
func sanitize(v reflect.Value, depth, maxDepth int) (any, bool) {
	if depth > maxDepth {
		return nil, false
	}

	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return nil, true
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil, true
	}

	switch v.Type() {
	case timeType:
		return v.Interface(), true
	case jsonNumberType:
		return v.Interface(), true
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), true
	case reflect.String:
		return v.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint(), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		if v.IsNil() {
			return nil, true
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			if val, ok := sanitize(iter.Value(), depth+1, maxDepth); ok {
				out[iter.Key().String()] = val
			}
		}
		return out, true

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, true
		}
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			if val, ok := sanitize(v.Index(i), depth+1, maxDepth); ok {
				out = append(out, val)
			}
		}
		return out, true
	}

	return nil, false
}
