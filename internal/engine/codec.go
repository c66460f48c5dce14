package engine

import (
	"bytes"
	"encoding/json"
	"time"
)

// encodeVariables serializes variables for a TEXT column.
func encodeVariables(vars map[string]any) (string, error) {
	if len(vars) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// decodeVariables is the inverse of encodeVariables. Integral numbers come
// back as int64, other numbers as float64.
func decodeVariables(s string) (map[string]any, error) {
	out := map[string]any{}
	if s == "" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	for k, v := range out {
		out[k] = normalizeNumbers(v)
	}
	return out, nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
