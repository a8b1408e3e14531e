package filelock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")

	l := New(target)
	require.NoError(t, l.Lock())
	require.NoError(t, l.Unlock())

	_, err := os.Stat(target + ".lock")
	assert.NoError(t, err)
}

func TestUnlockWithoutLockIsNoop(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "x"))
	assert.NoError(t, l.Unlock())
}

func TestWithLockRunsFnAndReleases(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")

	ran := false
	err := WithLock(target, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	l := New(target)
	require.NoError(t, l.Lock())
	require.NoError(t, l.Unlock())
}

func TestWithLockSerializesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.json")

	var active int
	var maxActive int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = WithLock(target, func() error {
				active++
				if active > maxActive {
					maxActive = active
				}
				time.Sleep(5 * time.Millisecond)
				active--
				return nil
			})
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	assert.LessOrEqual(t, maxActive, 1)
}

func TestAtomicWriteCreatesTargetWithContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "data.json")

	require.NoError(t, AtomicWrite(target, []byte(`{"a":1}`)))

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(content))

	_, err = os.Stat(target + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestAtomicWriteOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "data.json")

	require.NoError(t, AtomicWrite(target, []byte("first")))
	require.NoError(t, AtomicWrite(target, []byte("second")))

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))
}
