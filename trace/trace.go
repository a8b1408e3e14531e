// Package trace appends structured request records to a JSON-lines
// file, with size-based rotation and a bounded asynchronous queue once
// the background consumer is running.
package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/almazom/kmi-rotor/filelock"
)

// QueueCapacity is the fixed bounded-queue size; entries are dropped
// once it fills rather than blocking request handling.
const QueueCapacity = 1000

// dropLogInterval bounds how often a burst of queue-full drops is
// logged, so a sustained overload doesn't itself become a log-volume
// problem.
const dropLogInterval = 10 * time.Second

// Entry is one TraceEntry record, serialized as a single JSON line.
type Entry struct {
	SchemaVersion int       `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Status        int       `json:"status"`
	LatencyMS     int64     `json:"latency_ms"`
	KeyLabel      string    `json:"key_label,omitempty"`
	KeyHash       string    `json:"key_hash,omitempty"`
	RotationIndex int       `json:"rotation_index"`
	PromptHint    string    `json:"prompt_hint,omitempty"`
	PromptFirst   string    `json:"prompt_first_word,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
}

// EntrySchemaVersion is the TraceEntry schema version written by this
// build.
const EntrySchemaVersion = 1

// Config carries the rotation knobs read from configuration.
type Config struct {
	MaxBytes   int64
	MaxBackups int
}

// Sink owns the trace.jsonl file: synchronous writes until Start is
// called, then a single consumer draining a bounded queue.
type Sink struct {
	path string
	cfg  Config
	log  *logrus.Logger

	queue   chan Entry
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	dropMu       sync.Mutex
	drops        int64
	lastDropLog  time.Time
}

// New constructs a Sink writing to <stateDir>/trace/trace.jsonl.
func New(stateDir string, cfg Config, log *logrus.Logger) *Sink {
	return &Sink{
		path: filepath.Join(stateDir, "trace", "trace.jsonl"),
		cfg:  cfg,
		log:  log,
	}
}

// Path returns the backing trace file path.
func (s *Sink) Path() string { return s.path }

// Start launches the single consumer goroutine; Write becomes
// non-blocking (queued) from this point until Stop.
func (s *Sink) Start() {
	s.queue = make(chan Entry, QueueCapacity)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	go s.consume()
}

// Stop drains the remaining queue synchronously, then returns.
func (s *Sink) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.queue)
	<-s.doneCh
}

func (s *Sink) consume() {
	defer close(s.doneCh)
	for entry := range s.queue {
		if err := s.appendLocked(entry); err != nil && s.log != nil {
			s.log.WithError(err).Error("trace: append failed")
		}
	}
}

// Write records one entry. Before Start is called it writes
// synchronously; afterward it enqueues, dropping the entry if the
// queue is full and rate-limiting the "drops" log line.
func (s *Sink) Write(entry Entry) {
	entry.SchemaVersion = EntrySchemaVersion
	if !s.running {
		if err := s.appendLocked(entry); err != nil && s.log != nil {
			s.log.WithError(err).Error("trace: synchronous append failed")
		}
		return
	}
	select {
	case s.queue <- entry:
	default:
		s.recordDrop()
	}
}

func (s *Sink) recordDrop() {
	s.dropMu.Lock()
	defer s.dropMu.Unlock()
	s.drops++
	now := time.Now()
	if now.Sub(s.lastDropLog) < dropLogInterval {
		return
	}
	s.lastDropLog = now
	if s.log != nil {
		s.log.Warnf("trace: queue full, dropped %d entries since last report", s.drops)
	}
	s.drops = 0
}

// appendLocked performs the rotate-then-append sequence under the
// file lock shared with every other writer of this path.
func (s *Sink) appendLocked(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	return filelock.WithLock(s.path, func() error {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return err
		}
		if err := s.rotateIfNeeded(); err != nil {
			return err
		}
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(line)
		return err
	})
}

// rotateIfNeeded renames backups and the active file once it has
// crossed MaxBytes. MaxBackups <= 0 deletes the file in place of
// rotating it.
func (s *Sink) rotateIfNeeded() error {
	if s.cfg.MaxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < s.cfg.MaxBytes {
		return nil
	}

	if s.cfg.MaxBackups <= 0 {
		return os.Remove(s.path)
	}

	for n := s.cfg.MaxBackups; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", s.path, n)
		dst := fmt.Sprintf("%s.%d", s.path, n+1)
		if n == s.cfg.MaxBackups {
			os.Remove(dst)
		}
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return err
			}
		}
	}
	return os.Rename(s.path, s.path+".1")
}

// Confidence reports rotation fairness over the last n entries of the
// trace file: 100 minus the largest per-label deviation from a
// uniform share, rounded to two decimals. Used by external validation
// only; the pipeline never calls it.
func Confidence(path string, n int) (float64, error) {
	entries, err := tailEntries(path, n)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	counts := make(map[string]int)
	for _, e := range entries {
		if e.KeyLabel == "" {
			continue
		}
		counts[e.KeyLabel]++
	}
	if len(counts) == 0 {
		return 0, nil
	}

	expected := float64(len(entries)) / float64(len(counts))
	var maxDeviation float64
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		dev := abs(float64(counts[label])-expected) / expected
		if dev > maxDeviation {
			maxDeviation = dev
		}
	}

	confidence := 100 - maxDeviation*100
	return roundTo2(confidence), nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func roundTo2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

// tailEntries reads the last n lines of path as Entry records,
// tolerating a trailing partial line from an in-progress append.
func tailEntries(path string, n int) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	lines := bytes.Split(bytes.TrimRight(raw, "\n"), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
