package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedClock(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fixed{At: at}
	assert.Equal(t, at, c.Now())
	assert.Equal(t, at, c.Now())
}

func TestManualClockAdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	require.Equal(t, start, m.Now())

	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())

	later := start.Add(24 * time.Hour)
	m.Set(later)
	assert.Equal(t, later, m.Now())
}

func TestNewRequestIDShapeAndUniqueness(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()

	require.Len(t, a, 32)
	require.Len(t, b, 32)
	assert.NotEqual(t, a, b)

	for _, r := range a {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected rune %q", r)
	}
}

func TestRealClockAdvancesWithWallTime(t *testing.T) {
	r := Real{}
	t1 := r.Now()
	time.Sleep(time.Millisecond)
	t2 := r.Now()
	assert.True(t, t2.After(t1) || t2.Equal(t1))
}
