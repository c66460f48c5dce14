package rest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Typed value types understood by the engine.
const (
	TypeString  = "String"
	TypeBoolean = "Boolean"
	TypeInteger = "Integer"
	TypeLong    = "Long"
	TypeShort   = "Short"
	TypeDouble  = "Double"
	TypeDate    = "Date"
	TypeJSON    = "Json"
	TypeNull    = "Null"
)

// DateFormat is the engine's date layout.
const DateFormat = "2006-01-02T15:04:05.000-0700"

// TypedValue is the wire form of one process variable.
type TypedValue struct {
	Value     json.RawMessage `json:"value"`
	Type      string          `json:"type"`
	ValueInfo map[string]any  `json:"valueInfo,omitempty"`
}

// EncodeVariables converts Go values into typed values. Values without a
// primitive mapping are sent as Json.
func EncodeVariables(vars map[string]any) (map[string]TypedValue, error) {
	if vars == nil {
		return nil, nil
	}
	out := make(map[string]TypedValue, len(vars))
	for name, v := range vars {
		tv, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("rest: variable %q: %w", name, err)
		}
		out[name] = tv
	}
	return out, nil
}

// EncodeValue converts a single Go value into a typed value.
func EncodeValue(v any) (TypedValue, error) {
	var typ string
	switch x := v.(type) {
	case nil:
		return TypedValue{Value: json.RawMessage("null"), Type: TypeNull}, nil
	case TypedValue:
		return x, nil
	case string:
		typ = TypeString
	case bool:
		typ = TypeBoolean
	case int8, int16, int32, uint8, uint16:
		typ = TypeInteger
	case int:
		typ = intType(int64(x))
	case int64:
		typ = TypeLong
	case uint, uint32, uint64:
		typ = TypeLong
	case float32, float64:
		typ = TypeDouble
	case time.Time:
		v = x.Format(DateFormat)
		typ = TypeDate
	case json.RawMessage:
		v = string(x)
		typ = TypeJSON
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return TypedValue{}, err
		}
		v = string(raw)
		typ = TypeJSON
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return TypedValue{}, err
	}
	return TypedValue{Value: raw, Type: typ}, nil
}

func intType(n int64) string {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return TypeInteger
	}
	return TypeLong
}

// DecodeVariables converts typed values back into Go values: String to
// string, Boolean to bool, Integer/Short/Long to int64, Double to float64,
// Date to time.Time, Json to the result of json.Unmarshal into any, Null to
// nil. Unknown types decode as their plain JSON value.
func DecodeVariables(vars map[string]TypedValue) (map[string]any, error) {
	out := make(map[string]any, len(vars))
	for name, tv := range vars {
		v, err := DecodeValue(tv)
		if err != nil {
			return nil, fmt.Errorf("rest: variable %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// DecodeValue converts a single typed value into a Go value.
func DecodeValue(tv TypedValue) (any, error) {
	if len(tv.Value) == 0 || string(tv.Value) == "null" || tv.Type == TypeNull {
		return nil, nil
	}

	switch tv.Type {
	case TypeString:
		var s string
		err := json.Unmarshal(tv.Value, &s)
		return s, err
	case TypeBoolean:
		var b bool
		err := json.Unmarshal(tv.Value, &b)
		return b, err
	case TypeInteger, TypeShort, TypeLong:
		var n int64
		err := json.Unmarshal(tv.Value, &n)
		return n, err
	case TypeDouble:
		var f float64
		err := json.Unmarshal(tv.Value, &f)
		return f, err
	case TypeDate:
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return nil, err
		}
		return parseTime(s)
	case TypeJSON:
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return nil, err
		}
		var v any
		err := json.Unmarshal([]byte(s), &v)
		return v, err
	default:
		var v any
		err := json.Unmarshal(tv.Value, &v)
		return v, err
	}
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(DateFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
