package message

import "math"

// CBOR integers decode into uint64 (non-negative) or int64 (negative) when the
// target is an interface value. The accessors below hide that split.

// Int returns m[key] as an int64.
func Int(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint32:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// Uint returns m[key] as a uint64. Negative values are rejected.
func Uint(m map[string]any, key string) (uint64, bool) {
	n, ok := Int(m, key)
	if ok && n >= 0 {
		return uint64(n), true
	}
	if v, isU := m[key].(uint64); isU {
		return v, true
	}
	return 0, false
}

// Float returns m[key] as a float64.
func Float(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	if n, ok := Int(m, key); ok {
		return float64(n), true
	}
	return 0, false
}

// String returns m[key] as a string.
func String(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// Bool returns m[key] as a bool.
func Bool(m map[string]any, key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

// Bytes returns m[key] as a byte string.
func Bytes(m map[string]any, key string) ([]byte, bool) {
	v, ok := m[key].([]byte)
	return v, ok
}
