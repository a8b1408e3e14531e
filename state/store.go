package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/almazom/kmi-rotor/clock"
	"github.com/almazom/kmi-rotor/filelock"
)

// DebounceWindow is the consolidation window: after a MarkDirty
// signal the flusher waits this long for further signals, resetting
// the timer on each, before writing once.
const DebounceWindow = 50 * time.Millisecond

// Store owns the in-memory rotation-state singleton and debounces its
// persistence to <state_dir>/state.json. It is the sole owner of
// Data; all mutation methods take the lock internally.
type Store struct {
	mu   sync.Mutex
	data Data

	path  string
	clock clock.Clock
	log   *logrus.Logger

	dirty   bool
	dirtyCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// Load reads <path>; if absent it returns a fresh zeroed Data, if
// corrupt it moves the file aside with a timestamped suffix and
// returns zeroed state, otherwise it runs schema migration and
// reconciles registry labels into the keys map.
func Load(path string, labels []string, clk clock.Clock, log *logrus.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		clock:   clk,
		log:     log,
		dirtyCh: make(chan struct{}, 1),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.data = *zeroed()
		reconcile(&s.data, labels)
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.quarantine(path, clk)
		s.data = *zeroed()
		reconcile(&s.data, labels)
		return s, nil
	}

	migrated, err := migrateToCurrent(doc)
	if err != nil {
		return nil, err
	}

	reencoded, err := json.Marshal(migrated)
	if err != nil {
		return nil, err
	}
	var data Data
	if err := json.Unmarshal(reencoded, &data); err != nil {
		s.quarantine(path, clk)
		s.data = *zeroed()
		reconcile(&s.data, labels)
		return s, nil
	}

	if data.Keys == nil {
		data.Keys = make(map[string]*KeyState)
	}
	reconcile(&data, labels)
	s.data = data
	return s, nil
}

// quarantine renames a corrupt document aside with a timestamped
// suffix so a fresh zeroed document can take its place.
func (s *Store) quarantine(path string, clk clock.Clock) {
	suffix := clk.Now().UTC().Format("20060102T150405.000000000Z")
	dest := path + ".corrupt." + suffix
	if err := os.Rename(path, dest); err != nil && s.log != nil {
		s.log.WithError(err).Warnf("state: failed to quarantine corrupt document %s", path)
	} else if s.log != nil {
		s.log.Warnf("state: quarantined corrupt document %s -> %s", path, dest)
	}
}

// Snapshot returns a deep copy of the current state, safe for readers
// outside the lock.
func (s *Store) Snapshot() *Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

// WithLock runs fn with exclusive access to the live Data. fn must
// not retain the passed pointer beyond the call.
func (s *Store) WithLock(fn func(d *Data)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

// errorCounterFor maps an HTTP status to the KeyState counter it
// increments.
func errorCounterFor(ks *KeyState, status int) {
	switch {
	case status == 401:
		ks.Err401++
	case status == 402:
		// billing errors block rather than count
	case status == 403:
		ks.Err403++
	case status == 429:
		ks.Err429++
	case status >= 500 && status < 600:
		ks.Err5xx++
	}
}

// RecordRequest increments request_count and the relevant error
// counter, and sets last_used_at.
func (s *Store) RecordRequest(label string, status int) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.ensureKey(label)
	ks.RequestCount++
	errorCounterFor(ks, status)
	ks.LastUsedAt = &now
	s.dirtyLocked()
}

// MarkExhausted sets exhausted_until = now + seconds.
func (s *Store) MarkExhausted(label string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.ensureKey(label)
	until := s.clock.Now().Add(time.Duration(seconds * float64(time.Second)))
	ks.ExhaustedUntil = &until
	s.dirtyLocked()
}

// MarkBlocked sets blocked_until and blocked_reason. seconds <= 0
// means indefinite (blocked_until left nil; only ClearBlock unblocks).
func (s *Store) MarkBlocked(label, reason string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.ensureKey(label)
	ks.BlockedReason = reason
	if seconds <= 0 {
		ks.BlockedUntil = nil
	} else {
		until := s.clock.Now().Add(time.Duration(seconds * float64(time.Second)))
		ks.BlockedUntil = &until
	}
	s.dirtyLocked()
}

// ClearBlock zeros the block fields for label.
func (s *Store) ClearBlock(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks := s.ensureKey(label)
	ks.BlockedUntil = nil
	ks.BlockedReason = ""
	s.dirtyLocked()
}

// IsBlocked reports whether label is currently blocked. An indefinite
// block (BlockedUntil == nil but BlockedReason set) is always blocked.
func (s *Store) IsBlocked(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.data.Keys[label]
	if !ok {
		return false
	}
	if ks.BlockedReason == "" {
		return false
	}
	if ks.BlockedUntil == nil {
		return true
	}
	return s.clock.Now().Before(*ks.BlockedUntil)
}

// IsExhausted reports whether label is currently exhausted.
func (s *Store) IsExhausted(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.data.Keys[label]
	if !ok || ks.ExhaustedUntil == nil {
		return false
	}
	return s.clock.Now().Before(*ks.ExhaustedUntil)
}

func (s *Store) ensureKey(label string) *KeyState {
	if s.data.Keys == nil {
		s.data.Keys = make(map[string]*KeyState)
	}
	ks, ok := s.data.Keys[label]
	if !ok {
		ks = &KeyState{}
		s.data.Keys[label] = ks
	}
	return ks
}

// MarkDirty signals the background flusher without blocking; callers
// must never be made to wait on the flusher.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.dirtyCh <- struct{}{}:
	default:
	}
}

func (s *Store) dirtyLocked() {
	s.dirty = true
	select {
	case s.dirtyCh <- struct{}{}:
	default:
	}
}

// Save performs an atomic write of the full document under the file
// lock. It is intended to be called only by the background flusher or
// by Stop's final synchronous flush.
func (s *Store) Save() error {
	s.mu.Lock()
	snapshot := s.data.Clone()
	s.dirty = false
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	return filelock.WithLock(s.path, func() error {
		return filelock.AtomicWrite(s.path, data)
	})
}

// Start launches the debounce flusher goroutine. Calling Start twice
// is a no-op.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.flushLoop()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-s.dirtyCh:
			if timer == nil {
				timer = time.NewTimer(DebounceWindow)
			} else {
				timer.Reset(DebounceWindow)
			}
			timerC = timer.C
		case <-timerC:
			if err := s.Save(); err != nil && s.log != nil {
				s.log.WithError(err).Error("state: debounced flush failed")
			}
			timerC = nil
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Stop signals the flusher to exit and performs a final synchronous
// write regardless of debounce window state.
func (s *Store) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		close(s.stopCh)
		<-s.doneCh
	}

	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		if err := s.Save(); err != nil && s.log != nil {
			s.log.WithError(err).Error("state: final flush on stop failed")
		}
	}
}

// Path returns the backing document path, used by admin introspection.
func (s *Store) Path() string { return s.path }

// ensureDir creates dir (and its parents) with owner-only
// permissions. Nothing in this package calls it at present.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}

// DefaultPath joins stateDir with the canonical state.json name.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, "state.json")
}
