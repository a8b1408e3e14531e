// Package rotation implements the eligibility predicate and the two
// selection strategies: round-robin auto-rotation and resource-scored
// manual rotation.
//
// Every function here operates on a *state.Data already protected by
// the caller's lock (state.Store.WithLock) — rotation never acquires
// locks itself.
package rotation

import (
	"errors"
	"fmt"
	"time"

	"github.com/almazom/kmi-rotor/registry"
	"github.com/almazom/kmi-rotor/state"
	"github.com/almazom/kmi-rotor/usage"
)

// ErrNoEligibleKeys is returned by RotateManual when no candidate
// passes the eligibility predicate.
var ErrNoEligibleKeys = errors.New("rotation: no eligible keys")

func isBlocked(ks *state.KeyState, now time.Time) bool {
	if ks == nil || ks.BlockedReason == "" {
		return false
	}
	if ks.BlockedUntil == nil {
		return true
	}
	return now.Before(*ks.BlockedUntil)
}

func isExhausted(ks *state.KeyState, now time.Time) bool {
	if ks == nil || ks.ExhaustedUntil == nil {
		return false
	}
	return now.Before(*ks.ExhaustedUntil)
}

// IsEligible implements the eligibility predicate. health may be nil
// when no HealthInfo is available for the label yet. When strict is
// set, a missing health entry makes the key ineligible outright,
// rather than falling through to the disabled/blocked/exhausted
// checks alone.
func IsEligible(cred registry.Credential, ks *state.KeyState, now time.Time, health *usage.Info, strict bool) bool {
	if cred.Disabled {
		return false
	}
	if strict && health == nil {
		return false
	}
	if ks != nil && ks.Err401 > 0 {
		return false
	}
	if isExhausted(ks, now) {
		return false
	}
	if isBlocked(ks, now) {
		return false
	}
	if health != nil && (health.Status == usage.StatusBlocked || health.Status == usage.StatusExhausted) {
		return false
	}
	return true
}

func keyStateFor(d *state.Data, label string) *state.KeyState {
	if d.Keys == nil {
		return nil
	}
	return d.Keys[label]
}

// SelectRoundRobin implements a two-pass auto-rotation selector: a
// healthy-first scan, then a fall-back scan over any eligible key. It
// is kept as two clearly separated loops rather than folded into one
// scored pass.
//
// On selection it advances rotation_index and updates last_used_at on
// the winning KeyState. It returns ok=false if both passes are empty.
// When strict is set, a key absent from health is treated as
// ineligible in both passes.
func SelectRoundRobin(reg *registry.Registry, d *state.Data, health map[string]usage.Info, strict bool, now time.Time) (label string, ok bool) {
	n := reg.Len()
	if n == 0 {
		return "", false
	}
	start := ((d.RotationIndex % n) + n) % n

	// First pass: only keys whose cached health is explicitly healthy.
	if health != nil {
		for i := 0; i < n; i++ {
			idx := (start + i) % n
			cred := reg.At(idx)
			ks := keyStateFor(d, cred.Label)
			h, hasHealth := health[cred.Label]
			var hp *usage.Info
			if hasHealth {
				hp = &h
			}
			if !IsEligible(cred, ks, now, hp, strict) {
				continue
			}
			if hasHealth && h.Status == usage.StatusHealthy {
				return commitRoundRobin(d, idx, n, cred.Label, now), true
			}
		}
	}

	// Second pass: any eligible key regardless of health status.
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		cred := reg.At(idx)
		ks := keyStateFor(d, cred.Label)
		var hp *usage.Info
		if health != nil {
			if h, ok := health[cred.Label]; ok {
				hp = &h
			}
		}
		if !IsEligible(cred, ks, now, hp, strict) {
			continue
		}
		return commitRoundRobin(d, idx, n, cred.Label, now), true
	}

	return "", false
}

func commitRoundRobin(d *state.Data, selectedIdx, n int, label string, now time.Time) string {
	d.RotationIndex = (selectedIdx + 1) % n
	ks := keyStateFor(d, label)
	if ks == nil {
		ks = &state.KeyState{}
		d.Keys[label] = ks
	}
	ks.LastUsedAt = &now
	return label
}

// SelectActiveOrNext implements the "use active, else next eligible"
// strategy used when auto-rotation is disabled. It does not advance
// rotation_index. When strict is set, a key absent from health is
// treated as ineligible.
func SelectActiveOrNext(reg *registry.Registry, d *state.Data, health map[string]usage.Info, strict bool, now time.Time) (label string, ok bool) {
	n := reg.Len()
	if n == 0 {
		return "", false
	}
	if cred, exists := reg.ActiveKey(d.ActiveIndex); exists {
		ks := keyStateFor(d, cred.Label)
		var hp *usage.Info
		if health != nil {
			if h, ok := health[cred.Label]; ok {
				hp = &h
			}
		}
		if IsEligible(cred, ks, now, hp, strict) {
			ks2 := keyStateFor(d, cred.Label)
			if ks2 == nil {
				ks2 = &state.KeyState{}
				d.Keys[cred.Label] = ks2
			}
			ks2.LastUsedAt = &now
			return cred.Label, true
		}
	}
	for i := 0; i < n; i++ {
		cred := reg.At(i)
		ks := keyStateFor(d, cred.Label)
		var hp *usage.Info
		if health != nil {
			if h, ok := health[cred.Label]; ok {
				hp = &h
			}
		}
		if !IsEligible(cred, ks, now, hp, strict) {
			continue
		}
		d.ActiveIndex = i
		ks2 := keyStateFor(d, cred.Label)
		if ks2 == nil {
			ks2 = &state.KeyState{}
			d.Keys[cred.Label] = ks2
		}
		ks2.LastUsedAt = &now
		return cred.Label, true
	}
	return "", false
}

func statusRank(s usage.Status) int {
	switch s {
	case usage.StatusHealthy:
		return 0
	case usage.StatusWarn:
		return 1
	default:
		return 2
	}
}

type candidate struct {
	idx   int
	label string
	score [3]float64 // status_rank, -remaining_percent_or_1.0, error_rate
}

func less(a, b [3]float64) bool {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func equal(a, b [3]float64) bool {
	return a == b
}

func scoreFor(d *state.Data, health map[string]usage.Info, label string) [3]float64 {
	var status usage.Status = usage.StatusWarn
	remaining := 1.0
	var errRate float64
	if h, ok := health[label]; ok {
		status = h.Status
		if h.RemainingPercent != nil {
			remaining = *h.RemainingPercent / 100
		}
		errRate = h.ErrorRate
	} else if ks := keyStateFor(d, label); ks != nil {
		errRate = ks.ErrorRateForHealth()
	}
	return [3]float64{float64(statusRank(status)), -remaining, errRate}
}

// RotateManual implements resource-scored manual rotation,
// including the deterministic stay-reason strings used by the admin
// surface. When strict is set, a key absent from health is treated
// as ineligible.
func RotateManual(reg *registry.Registry, d *state.Data, health map[string]usage.Info, strict bool, preferNextOnTie bool, now time.Time) (label string, rotated bool, reason string, err error) {
	n := reg.Len()
	var candidates []candidate
	for i := 0; i < n; i++ {
		cred := reg.At(i)
		ks := keyStateFor(d, cred.Label)
		var hp *usage.Info
		if h, ok := health[cred.Label]; ok {
			hp = &h
		}
		if !IsEligible(cred, ks, now, hp, strict) {
			continue
		}
		candidates = append(candidates, candidate{idx: i, label: cred.Label, score: scoreFor(d, health, cred.Label)})
	}
	if len(candidates) == 0 {
		return "", false, "", ErrNoEligibleKeys
	}

	best := candidates[0].score
	for _, c := range candidates[1:] {
		if less(c.score, best) {
			best = c.score
		}
	}
	var bestCandidates []candidate
	for _, c := range candidates {
		if equal(c.score, best) {
			bestCandidates = append(bestCandidates, c)
		}
	}

	currentLabel := ""
	if cred, ok := reg.ActiveKey(d.ActiveIndex); ok {
		currentLabel = cred.Label
	}

	currentIsBest := false
	for _, c := range bestCandidates {
		if c.label == currentLabel {
			currentIsBest = true
			break
		}
	}

	if currentIsBest {
		if preferNextOnTie && len(bestCandidates) > 1 {
			next := nextAfter(bestCandidates, currentLabel)
			ks := keyStateFor(d, next.label)
			if ks == nil {
				ks = &state.KeyState{}
				d.Keys[next.label] = ks
			}
			d.ActiveIndex = next.idx
			ks.LastUsedAt = &now
			return next.label, true, "Tie for best; rotating to next.", nil
		}
		runner := nextBestNonCurrent(candidates, currentLabel, best)
		return currentLabel, false, stayReason(d, health, currentLabel, runner), nil
	}

	winner := bestCandidates[0]
	for _, c := range bestCandidates {
		if c.idx < winner.idx {
			winner = c
		}
	}
	ks := keyStateFor(d, winner.label)
	if ks == nil {
		ks = &state.KeyState{}
		d.Keys[winner.label] = ks
	}
	d.ActiveIndex = winner.idx
	ks.LastUsedAt = &now
	return winner.label, true, "", nil
}

func nextAfter(cands []candidate, current string) candidate {
	sortedByIdx := append([]candidate{}, cands...)
	for i := 0; i < len(sortedByIdx); i++ {
		for j := i + 1; j < len(sortedByIdx); j++ {
			if sortedByIdx[j].idx < sortedByIdx[i].idx {
				sortedByIdx[i], sortedByIdx[j] = sortedByIdx[j], sortedByIdx[i]
			}
		}
	}
	for i, c := range sortedByIdx {
		if c.label == current {
			return sortedByIdx[(i+1)%len(sortedByIdx)]
		}
	}
	return sortedByIdx[0]
}

func nextBestNonCurrent(cands []candidate, current string, best [3]float64) *candidate {
	var runner *candidate
	for i := range cands {
		c := cands[i]
		if c.label == current {
			continue
		}
		if runner == nil || less(c.score, runner.score) {
			runner = &c
		}
	}
	return runner
}

// stayReason renders the deterministic stay-reason messages.
func stayReason(d *state.Data, health map[string]usage.Info, current string, runner *candidate) string {
	if runner == nil {
		return fmt.Sprintf("Current key already ranks best (status=%s).", statusOf(health, current))
	}

	curScore := scoreFor(d, health, current)
	if equal(curScore, runner.score) {
		if pct, ok := remainingPercentOf(health, current); ok {
			return fmt.Sprintf("Current key ties for best remaining quota (%.0f%%). Keeping current over %s.", pct, runner.label)
		}
		return fmt.Sprintf("Current key ties for best score. Keeping current over %s.", runner.label)
	}

	curPct, curOK := remainingPercentOf(health, current)
	runnerPct, runnerOK := remainingPercentOf(health, runner.label)
	if curOK && runnerOK {
		return fmt.Sprintf("Current key has higher remaining quota (%.0f%%), next best %s has %.0f%%.", curPct, runner.label, runnerPct)
	}

	curErr := errorRateOf(d, health, current)
	runnerErr := errorRateOf(d, health, runner.label)
	if curErr != runnerErr {
		return fmt.Sprintf("Current key has lower error rate (%.1f%%), next best %s has %.1f%%.", curErr*100, runner.label, runnerErr*100)
	}

	curStatus := statusOf(health, current)
	runnerStatus := statusOf(health, runner.label)
	if curStatus != runnerStatus {
		return fmt.Sprintf("Current key has better status (%s), next best %s has (%s).", curStatus, runner.label, runnerStatus)
	}

	return fmt.Sprintf("Current key already ranks best (status=%s).", curStatus)
}

func statusOf(health map[string]usage.Info, label string) usage.Status {
	if h, ok := health[label]; ok {
		return h.Status
	}
	return usage.StatusWarn
}

func remainingPercentOf(health map[string]usage.Info, label string) (float64, bool) {
	if h, ok := health[label]; ok && h.RemainingPercent != nil {
		return *h.RemainingPercent, true
	}
	return 0, false
}

func errorRateOf(d *state.Data, health map[string]usage.Info, label string) float64 {
	if h, ok := health[label]; ok {
		return h.ErrorRate
	}
	if ks := keyStateFor(d, label); ks != nil {
		return ks.ErrorRateForHealth()
	}
	return 0
}
