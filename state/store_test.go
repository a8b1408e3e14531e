package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almazom/kmi-rotor/clock"
)

func TestLoadMissingFileYieldsZeroedReconciled(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(filepath.Join(dir, "state.json"), []string{"a", "b"}, clock.System, nil)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, CurrentSchemaVersion, snap.SchemaVersion)
	assert.True(t, snap.AutoRotate)
	assert.Contains(t, snap.Keys, "a")
	assert.Contains(t, snap.Keys, "b")
}

func TestLoadCorruptFileQuarantinesAndStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	s, err := Load(path, []string{"a"}, clock.System, nil)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, s.Snapshot().SchemaVersion)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	foundQuarantine := false
	for _, e := range entries {
		if e.Name() != "state.json" {
			foundQuarantine = true
		}
	}
	assert.True(t, foundQuarantine, "expected a quarantined copy of the corrupt document")
}

func TestLoadMigratesV1Document(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	raw := `{"schema_version":1,"active_index":0,"keys":{"a":{"request_count":5,"error_count":2}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	s, err := Load(path, []string{"a"}, clock.System, nil)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, CurrentSchemaVersion, snap.SchemaVersion)
	assert.Equal(t, int64(2), snap.Keys["a"].Err5xx)
}

func TestLoadRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	raw := `{"schema_version":99,"keys":{}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	_, err := Load(path, nil, clock.System, nil)
	assert.Error(t, err)
}

func TestRecordRequestIncrementsCountersByStatus(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"), []string{"a"}, clock.System, nil)
	require.NoError(t, err)

	s.RecordRequest("a", 429)
	s.RecordRequest("a", 200)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.Keys["a"].RequestCount)
	assert.Equal(t, int64(1), snap.Keys["a"].Err429)
}

func TestMarkExhaustedAndIsExhausted(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := Load(filepath.Join(t.TempDir(), "state.json"), []string{"a"}, clk, nil)
	require.NoError(t, err)

	s.MarkExhausted("a", 30)
	assert.True(t, s.IsExhausted("a"))

	clk.Advance(31 * time.Second)
	assert.False(t, s.IsExhausted("a"))
}

func TestMarkBlockedIndefiniteVsTimed(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := Load(filepath.Join(t.TempDir(), "state.json"), []string{"a", "b"}, clk, nil)
	require.NoError(t, err)

	s.MarkBlocked("a", BlockedManual, 0)
	assert.True(t, s.IsBlocked("a"))
	clk.Advance(24 * time.Hour)
	assert.True(t, s.IsBlocked("a"))

	s.MarkBlocked("b", BlockedAuth, 10)
	assert.True(t, s.IsBlocked("b"))
	clk.Advance(11 * time.Second)
	assert.False(t, s.IsBlocked("b"))
}

func TestClearBlockUnblocksImmediately(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"), []string{"a"}, clock.System, nil)
	require.NoError(t, err)

	s.MarkBlocked("a", BlockedManual, 0)
	require.True(t, s.IsBlocked("a"))

	s.ClearBlock("a")
	assert.False(t, s.IsBlocked("a"))
}

func TestSaveAndReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Load(path, []string{"a"}, clock.System, nil)
	require.NoError(t, err)
	s.RecordRequest("a", 200)
	require.NoError(t, s.Save())

	reloaded, err := Load(path, []string{"a"}, clock.System, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reloaded.Snapshot().Keys["a"].RequestCount)
}

func TestStartStopFlushesDirtyStateOnStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Load(path, []string{"a"}, clock.System, nil)
	require.NoError(t, err)
	s.Start()
	s.RecordRequest("a", 200)
	s.Stop()

	reloaded, err := Load(path, []string{"a"}, clock.System, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reloaded.Snapshot().Keys["a"].RequestCount)
}

func TestWithLockExposesMutableData(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "state.json"), []string{"a"}, clock.System, nil)
	require.NoError(t, err)

	s.WithLock(func(d *Data) {
		d.ActiveIndex = 3
	})
	assert.Equal(t, 3, s.Snapshot().ActiveIndex)
}

func TestDefaultPathJoinsStateDir(t *testing.T) {
	assert.Equal(t, filepath.Join("foo", "state.json"), DefaultPath("foo"))
}
