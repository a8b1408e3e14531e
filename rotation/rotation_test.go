package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almazom/kmi-rotor/registry"
	"github.com/almazom/kmi-rotor/state"
	"github.com/almazom/kmi-rotor/usage"
)

func pct(v float64) *float64 { return &v }

func newRegistry(t *testing.T, labels ...string) *registry.Registry {
	t.Helper()
	creds := make([]registry.Credential, 0, len(labels))
	for _, l := range labels {
		creds = append(creds, registry.NewCredential(l, "secret-"+l, "", 0, false))
	}
	reg, err := registry.New(creds)
	require.NoError(t, err)
	return reg
}

func freshData(labels ...string) *state.Data {
	keys := make(map[string]*state.KeyState, len(labels))
	for _, l := range labels {
		keys[l] = &state.KeyState{}
	}
	return &state.Data{Keys: keys, AutoRotate: true}
}

func TestIsEligibleRejectsDisabledCredential(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, true)
	assert.False(t, IsEligible(cred, &state.KeyState{}, time.Now(), nil, false))
}

func TestIsEligibleRejectsAny401(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, false)
	ks := &state.KeyState{Err401: 1}
	assert.False(t, IsEligible(cred, ks, time.Now(), nil, false))
}

func TestIsEligibleRejectsActiveExhaustedWindow(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, false)
	future := time.Now().Add(time.Hour)
	ks := &state.KeyState{ExhaustedUntil: &future}
	assert.False(t, IsEligible(cred, ks, time.Now(), nil, false))
}

func TestIsEligibleAllowsExpiredExhaustedWindow(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, false)
	past := time.Now().Add(-time.Hour)
	ks := &state.KeyState{ExhaustedUntil: &past}
	assert.True(t, IsEligible(cred, ks, time.Now(), nil, false))
}

func TestIsEligibleRejectsBlockedWithNoDeadline(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, false)
	ks := &state.KeyState{BlockedReason: state.BlockedManual}
	assert.False(t, IsEligible(cred, ks, time.Now(), nil, false))
}

func TestIsEligibleRejectsHealthBlockedOrExhausted(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, false)
	h := &usage.Info{Status: usage.StatusBlocked}
	assert.False(t, IsEligible(cred, &state.KeyState{}, time.Now(), h, false))
}

func TestIsEligibleNonStrictAllowsMissingHealth(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, false)
	assert.True(t, IsEligible(cred, &state.KeyState{}, time.Now(), nil, false))
}

func TestIsEligibleStrictRejectsMissingHealth(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, false)
	assert.False(t, IsEligible(cred, &state.KeyState{}, time.Now(), nil, true))
}

func TestIsEligibleStrictAllowsPresentHealthyEntry(t *testing.T) {
	cred := registry.NewCredential("a", "s", "", 0, false)
	h := &usage.Info{Status: usage.StatusHealthy}
	assert.True(t, IsEligible(cred, &state.KeyState{}, time.Now(), h, true))
}

func TestSelectRoundRobinPrefersHealthyInFirstPass(t *testing.T) {
	reg := newRegistry(t, "a", "b", "c")
	d := freshData("a", "b", "c")
	now := time.Now()
	health := map[string]usage.Info{
		"a": {Status: usage.StatusWarn},
		"b": {Status: usage.StatusHealthy},
		"c": {Status: usage.StatusHealthy},
	}
	label, ok := SelectRoundRobin(reg, d, health, false, now)
	require.True(t, ok)
	assert.Equal(t, "b", label)
	assert.Equal(t, 2, d.RotationIndex)
	require.NotNil(t, d.Keys["b"].LastUsedAt)
}

func TestSelectRoundRobinFallsBackWhenNoneHealthy(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	now := time.Now()
	health := map[string]usage.Info{
		"a": {Status: usage.StatusWarn},
		"b": {Status: usage.StatusWarn},
	}
	label, ok := SelectRoundRobin(reg, d, health, false, now)
	require.True(t, ok)
	assert.Equal(t, "a", label)
}

func TestSelectRoundRobinReturnsFalseWhenNoneEligible(t *testing.T) {
	reg := newRegistry(t, "a")
	d := freshData("a")
	d.Keys["a"].Err401 = 1
	_, ok := SelectRoundRobin(reg, d, nil, false, time.Now())
	assert.False(t, ok)
}

func TestSelectRoundRobinStrictExcludesLabelsMissingFromHealth(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	health := map[string]usage.Info{
		"b": {Status: usage.StatusHealthy},
	}
	label, ok := SelectRoundRobin(reg, d, health, true, time.Now())
	require.True(t, ok)
	assert.Equal(t, "b", label)
}

func TestSelectRoundRobinStrictReturnsFalseWhenAllLabelsMissingFromHealth(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	_, ok := SelectRoundRobin(reg, d, map[string]usage.Info{}, true, time.Now())
	assert.False(t, ok)
}

func TestSelectActiveOrNextKeepsCurrentWhenEligible(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	d.ActiveIndex = 1
	label, ok := SelectActiveOrNext(reg, d, nil, false, time.Now())
	require.True(t, ok)
	assert.Equal(t, "b", label)
	assert.Equal(t, 1, d.ActiveIndex)
}

func TestSelectActiveOrNextAdvancesWhenCurrentIneligible(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	d.Keys["a"].Err401 = 1
	d.ActiveIndex = 0
	label, ok := SelectActiveOrNext(reg, d, nil, false, time.Now())
	require.True(t, ok)
	assert.Equal(t, "b", label)
	assert.Equal(t, 1, d.ActiveIndex)
}

func TestSelectActiveOrNextStrictSkipsActiveKeyMissingFromHealth(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	d.ActiveIndex = 0
	health := map[string]usage.Info{
		"b": {Status: usage.StatusHealthy},
	}
	label, ok := SelectActiveOrNext(reg, d, health, true, time.Now())
	require.True(t, ok)
	assert.Equal(t, "b", label)
	assert.Equal(t, 1, d.ActiveIndex)
}

func TestRotateManualErrorsWhenNoEligibleKeys(t *testing.T) {
	reg := newRegistry(t, "a")
	d := freshData("a")
	d.Keys["a"].Err401 = 1
	_, _, _, err := RotateManual(reg, d, nil, false, false, time.Now())
	assert.ErrorIs(t, err, ErrNoEligibleKeys)
}

func TestRotateManualSwitchesToBetterScoredKey(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	d.ActiveIndex = 0
	health := map[string]usage.Info{
		"a": {Status: usage.StatusWarn, RemainingPercent: pct(10)},
		"b": {Status: usage.StatusHealthy, RemainingPercent: pct(90)},
	}
	label, rotated, reason, err := RotateManual(reg, d, health, false, false, time.Now())
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, "b", label)
	assert.Empty(t, reason)
	assert.Equal(t, 1, d.ActiveIndex)
}

func TestRotateManualStaysWhenCurrentAlreadyBest(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	d.ActiveIndex = 0
	health := map[string]usage.Info{
		"a": {Status: usage.StatusHealthy, RemainingPercent: pct(90)},
		"b": {Status: usage.StatusWarn, RemainingPercent: pct(10)},
	}
	label, rotated, reason, err := RotateManual(reg, d, health, false, false, time.Now())
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, "a", label)
	assert.NotEmpty(t, reason)
}

func TestRotateManualPreferNextOnTieRotatesEvenWhenBest(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	d.ActiveIndex = 0
	health := map[string]usage.Info{
		"a": {Status: usage.StatusHealthy, RemainingPercent: pct(50)},
		"b": {Status: usage.StatusHealthy, RemainingPercent: pct(50)},
	}
	label, rotated, reason, err := RotateManual(reg, d, health, false, true, time.Now())
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, "b", label)
	assert.Contains(t, reason, "Tie for best")
}

func TestRotateManualStrictExcludesCandidateMissingFromHealth(t *testing.T) {
	reg := newRegistry(t, "a", "b")
	d := freshData("a", "b")
	health := map[string]usage.Info{
		"a": {Status: usage.StatusHealthy, RemainingPercent: pct(90)},
	}
	label, rotated, _, err := RotateManual(reg, d, health, true, false, time.Now())
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, "a", label)
}
