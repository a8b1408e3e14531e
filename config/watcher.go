package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// CredentialWatcher watches a credentials file for changes and invokes
// onReload (debounced) when it's rewritten. The running registry is
// immutable once built, so onReload is expected to validate the new
// file and warn operators to restart, not swap live credentials in
// place.
type CredentialWatcher struct {
	path             string
	debounceInterval time.Duration
	log              *logrus.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCredentialWatcher constructs a watcher for path. debounceInterval
// defaults to 250ms if zero, absorbing the burst of events many editors
// and `mv`-based atomic replace patterns generate for one logical
// change.
func NewCredentialWatcher(path string, debounceInterval time.Duration, log *logrus.Logger) *CredentialWatcher {
	if debounceInterval <= 0 {
		debounceInterval = 250 * time.Millisecond
	}
	return &CredentialWatcher{path: path, debounceInterval: debounceInterval, log: log}
}

// Watch blocks until ctx is cancelled or Stop is called, calling
// onReload (best-effort; errors are logged, never fatal) each time the
// file settles after a write.
func (w *CredentialWatcher) Watch(ctx context.Context, onReload func() error) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	defer close(w.doneCh)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		return err
	}

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounceInterval)
			debounceCh = debounceTimer.C
		case <-debounceCh:
			debounceCh = nil
			if err := onReload(); err != nil && w.log != nil {
				w.log.WithError(err).Warn("config: credential reload failed")
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.WithError(err).Warn("config: credential watcher error")
			}
		}
	}
}

// Stop signals Watch to return and waits for it to exit. A no-op if
// Watch was never started.
func (w *CredentialWatcher) Stop() {
	w.mu.Lock()
	running := w.running
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()
	if !running {
		return
	}
	close(stopCh)
	<-doneCh
}
