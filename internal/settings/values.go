package settings

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Int returns the integer setting for key, or def when unset or unparsable.
func Int(key string, def int64) int64 {
	raw, ok := DBConfigValue(key)
	if !ok {
		return def
	}
	n, okParse := ParseInt(raw)
	if !okParse {
		return def
	}
	return n
}

// Seconds returns a duration setting stored as whole seconds, or def when unset or not positive.
func Seconds(key string, def time.Duration) time.Duration {
	n := Int(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// String returns the string setting for key, or def when unset or empty.
func String(key, def string) string {
	raw, ok := DBConfigValue(key)
	if !ok {
		return def
	}
	if s := ParseString(raw); s != "" {
		return s
	}
	return def
}

// ParseInt accepts JSON numbers, numeric strings and {"value": ...} wrappers.
func ParseInt(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var n int64
	if errUnmarshal := json.Unmarshal(raw, &n); errUnmarshal == nil {
		return n, true
	}
	var f float64
	if errUnmarshal := json.Unmarshal(raw, &f); errUnmarshal == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return 0, false
		}
		return int64(f), true
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		parsed, errParse := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if errParse == nil {
			return parsed, true
		}
		return 0, false
	}
	if inner, ok := unwrapValue(raw); ok {
		return ParseInt(inner)
	}
	return 0, false
}

// ParseString extracts a trimmed string from a JSON string or {"value": ...} wrapper.
func ParseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if errUnmarshal := json.Unmarshal(raw, &s); errUnmarshal == nil {
		return strings.TrimSpace(s)
	}
	if inner, ok := unwrapValue(raw); ok {
		return ParseString(inner)
	}
	return ""
}

func unwrapValue(raw json.RawMessage) (json.RawMessage, bool) {
	var wrapper struct {
		Value json.RawMessage `json:"value"`
	}
	if errUnmarshal := json.Unmarshal(raw, &wrapper); errUnmarshal != nil || len(wrapper.Value) == 0 {
		return nil, false
	}
	return wrapper.Value, true
}
