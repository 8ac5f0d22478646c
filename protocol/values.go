package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Map is a decoded JSON object.
type Map = map[string]any

// IsObject reports whether v is a JSON object.
func IsObject(v any) bool {
	_, ok := v.(Map)
	return ok
}

// Finite converts JSON numbers and numeric strings to float64, rejecting NaN
// and infinities.
func Finite(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// FinitePtr is Finite returning nil for non-numbers.
func FinitePtr(v any) *float64 {
	f, ok := Finite(v)
	if !ok {
		return nil
	}
	return &f
}

// String returns m[key] when it is a string.
func String(m Map, key string) string {
	s, _ := m[key].(string)
	return s
}

// TrimmedString returns the whitespace-trimmed string at key.
func TrimmedString(m Map, key string) string {
	return strings.TrimSpace(String(m, key))
}

// Float returns m[key] when it is a finite number.
func Float(m Map, key string) (float64, bool) {
	return Finite(m[key])
}

// Bool reports whether m[key] is exactly true.
func Bool(m Map, key string) bool {
	b, ok := m[key].(bool)
	return ok && b
}

// Object returns m[key] when it is a JSON object.
func Object(m Map, key string) (Map, bool) {
	o, ok := m[key].(Map)
	return o, ok
}

// Path walks dotted segments through nested objects.
func Path(m Map, path ...string) (any, bool) {
	var cur any = m
	for _, seg := range path {
		obj, ok := cur.(Map)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone deep-copies nested objects and arrays.
func Clone(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Map:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// ToMap round-trips a value through JSON into a Map.
func ToMap(v any) (Map, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Map
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
