package vitals

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Replicated JSON columns reach us in one of three shapes depending on the
// upstream driver: plain object text, raw UTF-8 bytes of object text, or a
// JSON string that itself contains encoded JSON. DecodeObject folds all
// three into one path so decoders downstream only ever see a parsed map.
func DecodeObject(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty JSON column")
	}
	if !utf8.Valid(trimmed) {
		return nil, errors.New("JSON column is not valid UTF-8")
	}

	v, err := decodeAny(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse JSON column: %w", err)
	}
	// A top-level string means the payload was encoded twice.
	if s, ok := v.(string); ok {
		v, err = decodeAny([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("parse nested JSON column: %w", err)
		}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("JSON column holds %T, want object", v)
	}
	return obj, nil
}

func decodeAny(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// ChannelFrom extracts the {unit, values} block stored under key.
func ChannelFrom(obj map[string]any, key string) (Channel, error) {
	block, ok := obj[key].(map[string]any)
	if !ok {
		return Channel{}, fmt.Errorf("channel %q missing or malformed", key)
	}
	unit, _ := block["unit"].(string)
	rawValues, ok := block["values"].([]any)
	if !ok {
		return Channel{}, fmt.Errorf("channel %q has no values array", key)
	}
	values := make([]float64, len(rawValues))
	for i, rv := range rawValues {
		f, err := Float(rv)
		if err != nil {
			return Channel{}, fmt.Errorf("channel %q value %d: %w", key, i, err)
		}
		values[i] = f
	}
	return Channel{Unit: unit, Values: values}, nil
}

// Float coerces a decoded JSON scalar to float64. Upstream emits numbers
// as strings often enough that both forms have to parse.
func Float(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
