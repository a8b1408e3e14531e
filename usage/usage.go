// Package usage parses heterogeneous upstream usage payloads and
// scores a key's health from them.
package usage

import (
	"encoding/json"
	"math"
)

// Status is the health classification a key is scored into.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusWarn      Status = "warn"
	StatusBlocked   Status = "blocked"
	StatusExhausted Status = "exhausted"
)

// WindowLimit is one entry of Usage.Limits: a windowed quota.
type WindowLimit struct {
	WindowSeconds float64
	Used          float64
	Limit         float64
}

// Usage is an immutable snapshot parsed from an upstream usage
// payload
type Usage struct {
	RemainingPercent *float64
	Used             *float64
	Limit            *float64
	Remaining        *float64
	ResetHint        string
	Email            string
	Limits           []WindowLimit
	Raw              json.RawMessage
}

// commonly seen key names across provider usage payloads; observed
// shapes vary, so Parse tries each in order of preference.
var percentKeys = []string{"remaining_percent", "percent_remaining", "remainingPercent"}
var usedKeys = []string{"used", "usage", "tokens_used", "spent"}
var limitKeys = []string{"limit", "quota", "total", "cap"}
var remainingKeys = []string{"remaining", "remaining_quota"}
var resetHintKeys = []string{"reset_hint", "reset", "resets_at", "reset_at"}
var emailKeys = []string{"email", "account_email", "user_email"}

// Parse extracts a Usage snapshot from raw upstream JSON. It never
// fails: malformed or unrecognized shapes
// yield a zero-value Usage (all fields nil/empty) so callers can
// still record the raw body for debugging.
func Parse(raw []byte) Usage {
	u := Usage{Raw: json.RawMessage(append([]byte{}, raw...))}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return u
	}

	var explicitPercent *float64
	if v := findFloat(doc, percentKeys); v != nil {
		explicitPercent = v
	}

	var used, limit, remaining *float64
	used = findFloat(doc, usedKeys)
	limit = findFloat(doc, limitKeys)
	remaining = findFloat(doc, remainingKeys)

	var derivedPercent *float64
	var derivedRemaining *float64
	if used != nil && limit != nil && *limit > 0 {
		r := math.Max(*limit-*used, 0)
		derivedRemaining = &r
		p := r / *limit * 100
		derivedPercent = &p
	}

	if limitsRaw, ok := doc["limits"]; ok {
		if arr, ok := limitsRaw.([]interface{}); ok {
			best := bestWindow(arr)
			if best != nil {
				u.Limits = parseLimits(arr)
				if derivedPercent == nil && best.Limit > 0 {
					r := math.Max(best.Limit-best.Used, 0)
					p := r / best.Limit * 100
					derivedPercent = &p
					derivedRemaining = &r
				}
			}
		}
	}

	switch {
	case explicitPercent != nil && derivedPercent != nil:
		if math.Abs(*explicitPercent-*derivedPercent) > 1 {
			u.RemainingPercent = derivedPercent
		} else {
			u.RemainingPercent = explicitPercent
		}
	case explicitPercent != nil:
		u.RemainingPercent = explicitPercent
	case derivedPercent != nil:
		u.RemainingPercent = derivedPercent
	}

	u.Used = used
	u.Limit = limit
	if remaining != nil {
		u.Remaining = remaining
	} else {
		u.Remaining = derivedRemaining
	}

	if s := findString(doc, resetHintKeys); s != "" {
		u.ResetHint = s
	}
	if s := findString(doc, emailKeys); s != "" {
		u.Email = s
	}

	return u
}

func findFloat(doc map[string]interface{}, keys []string) *float64 {
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			if f, ok := toFloat(v); ok {
				return &f
			}
		}
	}
	return nil
}

func findString(doc map[string]interface{}, keys []string) string {
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		// best-effort only; most providers send numbers, not strings.
		var f float64
		if _, err := jsonNumber(n, &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func jsonNumber(s string, out *float64) (int, error) {
	return 0, json.Unmarshal([]byte(s), out)
}

type window struct {
	Seconds float64
	Used    float64
	Limit   float64
}

func parseLimits(arr []interface{}) []WindowLimit {
	out := make([]WindowLimit, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		w := toWindow(m)
		if w == nil {
			continue
		}
		out = append(out, WindowLimit{WindowSeconds: w.Seconds, Used: w.Used, Limit: w.Limit})
	}
	return out
}

func bestWindow(arr []interface{}) *window {
	var best *window
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		w := toWindow(m)
		if w == nil {
			continue
		}
		if best == nil || w.Seconds > best.Seconds {
			best = w
		}
	}
	return best
}

func toWindow(m map[string]interface{}) *window {
	w := &window{}
	if v := findFloat(m, []string{"window_seconds", "window", "interval_seconds"}); v != nil {
		w.Seconds = *v
	} else {
		return nil
	}
	if v := findFloat(m, usedKeys); v != nil {
		w.Used = *v
	}
	if v := findFloat(m, limitKeys); v != nil {
		w.Limit = *v
	}
	return w
}
