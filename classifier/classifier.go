// Package classifier maps an upstream (status, body) pair to a
// taxonomy of outcomes, expressed as a value rather than scattered
// if-statements so the table is easy to enumerate in tests.
package classifier

import (
	"strconv"
	"strings"
	"time"
)

// Outcome is the sum type of what the classifier decided: a no-op
// record, an exhaustion (rotation cooldown), or a block (longer-lived,
// reason-carrying).
type Outcome struct {
	Kind     Kind
	Reason   string // set only for Block
	Duration float64 // seconds; meaningless for Record
}

// Kind enumerates the three possible outcome shapes.
type Kind int

const (
	KindRecord Kind = iota
	KindExhaust
	KindBlock
)

// BillingTokens is the configured set of substrings that identify a
// billing-related rejection when no dedicated status code (402) is
// used. Extensible via configuration; English and Chinese defaults
// cover the common upstream phrasings.
var BillingTokens = []string{
	"payment",
	"billing",
	"insufficient quota",
	"balance",
	"余额不足",
}

// Config carries the durations the classifier needs, read once from
// settings.
type Config struct {
	RotationCooldownSeconds float64
	PaymentBlockSeconds     float64
	BillingTokens           []string
}

// Classify implements the status/body taxonomy table.
func Classify(cfg Config, status int, body []byte, headers map[string]string) Outcome {
	tokens := cfg.BillingTokens
	if tokens == nil {
		tokens = BillingTokens
	}

	switch {
	case status >= 200 && status < 400:
		return Outcome{Kind: KindRecord}
	case status == 401:
		return Outcome{Kind: KindRecord}
	case status == 402 || matchesBillingToken(body, tokens):
		return Outcome{Kind: KindBlock, Reason: "payment_required", Duration: cfg.PaymentBlockSeconds}
	case status == 403:
		return Outcome{Kind: KindExhaust, Duration: cfg.RotationCooldownSeconds}
	case status == 429:
		return Outcome{Kind: KindExhaust, Duration: retryAfterOrDefault(headers, cfg.RotationCooldownSeconds)}
	case status >= 500 && status < 600:
		return Outcome{Kind: KindExhaust, Duration: minFloat(cfg.RotationCooldownSeconds, 60)}
	default:
		return Outcome{Kind: KindRecord}
	}
}

func matchesBillingToken(body []byte, tokens []string) bool {
	if len(body) == 0 {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, t := range tokens {
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// retryAfterOrDefault parses Retry-After as integer seconds or an
// HTTP-date, falling back to fallback when absent or unparseable.
func retryAfterOrDefault(headers map[string]string, fallback float64) float64 {
	raw, ok := headers["Retry-After"]
	if !ok || raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		return float64(secs)
	}
	if t, err := time.Parse(time.RFC1123, raw); err == nil {
		d := time.Until(t).Seconds()
		if d > 0 {
			return d
		}
	}
	return fallback
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
