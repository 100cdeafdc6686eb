package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseTimeLeft converts a go-away time-left value to a duration. Accepted
// forms are duration strings ("5s", "1.5s", "500ms", "2m"), bare numeric
// strings and numbers in seconds, and {seconds, nanos} objects where seconds
// may itself be a string. Negative values clamp to zero and values too large
// for a Duration saturate.
func ParseTimeLeft(v any) (time.Duration, bool) {
	switch t := v.(type) {
	case string:
		return parseTimeLeftString(t)
	case float64:
		return secondsToDuration(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return secondsToDuration(f)
	case int:
		return secondsToDuration(float64(t))
	case int64:
		return secondsToDuration(float64(t))
	case map[string]any:
		return parseTimeLeftObject(t)
	default:
		return 0, false
	}
}

func parseTimeLeftString(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil {
		return clampDuration(d), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsToDuration(f)
	}
	return 0, false
}

func parseTimeLeftObject(m map[string]any) (time.Duration, bool) {
	secondsRaw, hasSeconds := m["seconds"]
	nanosRaw, hasNanos := m["nanos"]
	if !hasSeconds && !hasNanos {
		return 0, false
	}

	var secs, nanos float64
	if hasSeconds {
		f, ok := toFloat(secondsRaw)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		secs = f
	}
	if hasNanos {
		f, ok := toFloat(nanosRaw)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		nanos = f
	}
	return nanosToDuration(secs*float64(time.Second) + nanos), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func secondsToDuration(secs float64) (time.Duration, bool) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, false
	}
	return nanosToDuration(secs * float64(time.Second)), true
}

// nanosToDuration converts without float overflow: values past the
// Duration range saturate at its maximum.
func nanosToDuration(ns float64) time.Duration {
	if ns >= math.MaxInt64 {
		return math.MaxInt64
	}
	return clampDuration(time.Duration(ns))
}

func clampDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
