package protocol

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/yartinzz/DTICU-Ventilator/internal/vitals"
)

// Sanitize makes a decoded payload safe for the JSON text protocol: byte
// slices become UTF-8 strings, or base64 when the bytes are not valid
// UTF-8, and containers are walked recursively. Values that are already
// JSON-safe pass through untouched.
func Sanitize(v any) any {
	switch val := v.(type) {
	case []byte:
		if utf8.Valid(val) {
			return string(val)
		}
		return base64.StdEncoding.EncodeToString(val)
	case map[string]any:
		return sanitizeMap(val)
	case vitals.Metrics:
		return vitals.Metrics(sanitizeMap(val))
	case vitals.QRSInfo:
		return vitals.QRSInfo{
			Analysis: sanitizeMap(val.Analysis),
			Vitals:   sanitizeMap(val.Vitals),
		}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		out[k] = Sanitize(item)
	}
	return out
}
