// Package state implements the gateway's rotation state: an in-memory
// singleton mutated under a single mutex and debounce-flushed to a
// JSON document on disk.
package state

import (
	"time"
)

// CurrentSchemaVersion is the schema version this build writes and
// expects to read (after migration). Loading a document with a newer
// version is a fatal startup error.
const CurrentSchemaVersion = 3

// Blocked reasons for KeyState.BlockedReason.
const (
	BlockedAuth             = "auth"
	BlockedPaymentRequired  = "payment_required"
	BlockedManual           = "manual"
)

// KeyState is the mutable per-label state.
// Zero value is the "never used" state for a freshly registered label.
type KeyState struct {
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	RequestCount   int64      `json:"request_count"`
	Err401         int64      `json:"err_401"`
	Err403         int64      `json:"err_403"`
	Err429         int64      `json:"err_429"`
	Err5xx         int64      `json:"err_5xx"`
	ExhaustedUntil *time.Time `json:"exhausted_until,omitempty"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
	BlockedReason  string     `json:"blocked_reason,omitempty"`
}

// Clone returns a deep copy so snapshots handed out to readers cannot
// be mutated by the caller.
func (k *KeyState) Clone() *KeyState {
	if k == nil {
		return &KeyState{}
	}
	c := *k
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		c.LastUsedAt = &t
	}
	if k.ExhaustedUntil != nil {
		t := *k.ExhaustedUntil
		c.ExhaustedUntil = &t
	}
	if k.BlockedUntil != nil {
		t := *k.BlockedUntil
		c.BlockedUntil = &t
	}
	return &c
}

// ErrorRateForScoring computes the scoring error rate:
// (err_429 + err_5xx) / max(request_count, 1).
func (k *KeyState) ErrorRateForScoring() float64 {
	denom := k.RequestCount
	if denom < 1 {
		denom = 1
	}
	return float64(k.Err429+k.Err5xx) / float64(denom)
}

// ErrorRateForHealth implements the operator-facing error rate:
// (err_403 + err_429 + err_5xx) / max(request_count, 1).
func (k *KeyState) ErrorRateForHealth() float64 {
	denom := k.RequestCount
	if denom < 1 {
		denom = 1
	}
	return float64(k.Err403+k.Err429+k.Err5xx) / float64(denom)
}

// Data is the whole rotation-state singleton. It is exclusively
// owned by the Store and mutated only while
// the Store's lock is held.
type Data struct {
	SchemaVersion       int                  `json:"schema_version"`
	ActiveIndex         int                  `json:"active_index"`
	RotationIndex       int                  `json:"rotation_index"`
	AutoRotate          bool                 `json:"auto_rotate"`
	LastHealthRefreshAt *time.Time           `json:"last_health_refresh_at,omitempty"`
	Keys                map[string]*KeyState `json:"keys"`
}

// Clone deep-copies Data, including every KeyState, for handing to
// readers outside the lock.
func (d *Data) Clone() *Data {
	c := &Data{
		SchemaVersion: d.SchemaVersion,
		ActiveIndex:   d.ActiveIndex,
		RotationIndex: d.RotationIndex,
		AutoRotate:    d.AutoRotate,
		Keys:          make(map[string]*KeyState, len(d.Keys)),
	}
	if d.LastHealthRefreshAt != nil {
		t := *d.LastHealthRefreshAt
		c.LastHealthRefreshAt = &t
	}
	for label, ks := range d.Keys {
		c.Keys[label] = ks.Clone()
	}
	return c
}

func zeroed() *Data {
	return &Data{
		SchemaVersion: CurrentSchemaVersion,
		ActiveIndex:   0,
		RotationIndex: 0,
		AutoRotate:    true,
		Keys:          make(map[string]*KeyState),
	}
}

// reconcile inserts a zeroed KeyState for every registry label missing
// from the document; orphan labels (present on disk, absent from the
// registry) are left untouched.
func reconcile(d *Data, labels []string) {
	if d.Keys == nil {
		d.Keys = make(map[string]*KeyState)
	}
	for _, label := range labels {
		if _, ok := d.Keys[label]; !ok {
			d.Keys[label] = &KeyState{}
		}
	}
}
