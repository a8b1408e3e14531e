// Package clock provides the gateway's single source of wall-clock time
// and request identifiers, so tests can substitute a fake clock instead
// of every component calling time.Now() directly.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time. The default implementation wraps
// time.Now; tests inject a Fixed or Manual clock to control cooldown
// and debounce timing deterministically.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by the system clock.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// System is the shared production clock instance.
var System Clock = Real{}

// Fixed is a Clock that always returns the same instant. Useful for
// tests asserting exact cooldown expiry boundaries.
type Fixed struct {
	At time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.At }

// Manual is a mutable Clock for tests that need to advance time between
// assertions without sleeping.
type Manual struct {
	at time.Time
}

// NewManual creates a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{at: start}
}

// Now returns the current manual instant.
func (m *Manual) Now() time.Time { return m.at }

// Advance moves the manual clock forward by d.
func (m *Manual) Advance(d time.Duration) { m.at = m.at.Add(d) }

// Set pins the manual clock to t.
func (m *Manual) Set(t time.Time) { m.at = t }

// NewRequestID returns a 16-byte random hex request id, used as
// TraceEntry.request_id.
func NewRequestID() string {
	id := uuid.New()
	// UUID's raw 16 bytes hex-encoded without dashes gives the "16-byte
	// random hex" shape this calls for.
	raw := id[:]
	const hextable = "0123456789abcdef"
	buf := make([]byte, 32)
	for i, b := range raw {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}
