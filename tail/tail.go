// Package tail mirrors append-only JSONL transcript logs written by agent
// sessions this process does not own, such as a CLI running in a raw
// terminal. It tracks byte offsets for incremental reads, recovers from
// truncation and rotation, and notices when a newer log supersedes the one
// being tailed.
package tail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentdeck/agentdeck-core/logger"
)

const (
	// DefaultAppearanceAttempts bounds how long Watch waits for a known
	// log file to show up before reporting not-found.
	DefaultAppearanceAttempts = 60
	// DefaultAppearanceInterval is the delay between appearance checks.
	DefaultAppearanceInterval = 1 * time.Second
	// DefaultPollInterval is the interval-based change check. It runs
	// alongside native notifications so filesystems without reliable
	// notification still make progress.
	DefaultPollInterval = 1500 * time.Millisecond

	logSuffix = ".jsonl"
)

// TimeoutError reports that a known log never appeared within the bounded
// appearance-polling window. The session keeps running, just unmirrored.
type TimeoutError struct {
	Scope string
	LogID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("log %s did not appear in %s", e.LogID, e.Scope)
}

// Entry is one decoded transcript line. Raw preserves the original JSON.
type Entry struct {
	Type string
	Raw  json.RawMessage
}

// Callbacks receive tail updates. All callbacks are invoked from the
// watcher's own goroutine; implementations must not call back into the
// Tailer for the same consumer and should return quickly.
type Callbacks struct {
	// OnEntries delivers newly appended transcript entries, in file order.
	OnEntries func(consumerID string, entries []Entry)

	// OnReset invalidates everything delivered so far and replaces it with
	// the given full content. Fired after truncation, in-place rewrite, or
	// when a newer log supersedes the current one.
	OnReset func(consumerID string, entries []Entry)

	// OnError reports a non-fatal watch failure, such as a *TimeoutError
	// when a known log never appeared.
	OnError func(consumerID string, err error)
}

// Config tunes the tailer's timing. Zero values use the defaults.
type Config struct {
	AppearanceAttempts int
	AppearanceInterval time.Duration
	PollInterval       time.Duration
}

func (c Config) withDefaults() Config {
	if c.AppearanceAttempts == 0 {
		c.AppearanceAttempts = DefaultAppearanceAttempts
	}
	if c.AppearanceInterval == 0 {
		c.AppearanceInterval = DefaultAppearanceInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Tailer manages per-consumer log watchers. Each consumer owns at most one
// watcher; watching again replaces the previous one.
type Tailer struct {
	config    Config
	callbacks Callbacks

	// newWatcher builds the native filesystem watcher; replaceable in tests.
	newWatcher func() (*fsnotify.Watcher, error)

	mu       sync.Mutex
	watchers map[string]*watcher
}

// NewTailer creates a Tailer delivering updates through callbacks.
func NewTailer(config Config, callbacks Callbacks) *Tailer {
	return &Tailer{
		config:     config.withDefaults(),
		callbacks:  callbacks,
		newWatcher: fsnotify.NewWatcher,
		watchers:   make(map[string]*watcher),
	}
}

// watcher tails one log file for one consumer.
type watcher struct {
	consumerID string
	scope      string
	logID      string // empty means scan the scope for the newest log

	path    string
	offset  int64
	partial []byte

	cancel context.CancelFunc
	done   chan struct{}
}

// Watch starts tailing for consumerID. If logID is non-empty the watcher
// attaches to that specific log, polling for its appearance first. If empty,
// the watcher attaches to the most recently modified log in scope and keeps
// watching for a newer one to supersede it.
//
// A second Watch for the same consumer tears down the previous watcher.
func (t *Tailer) Watch(consumerID, scope, logID string) {
	t.Unwatch(consumerID)

	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		consumerID: consumerID,
		scope:      scope,
		logID:      logID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	t.mu.Lock()
	t.watchers[consumerID] = w
	t.mu.Unlock()

	go t.run(ctx, w)
}

// Unwatch stops tailing for consumerID and releases the watcher's file
// handles and timers. Unwatching an unknown consumer is a no-op.
func (t *Tailer) Unwatch(consumerID string) {
	t.mu.Lock()
	w, ok := t.watchers[consumerID]
	if ok {
		delete(t.watchers, consumerID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	w.cancel()
	<-w.done
}

// Close tears down every watcher.
func (t *Tailer) Close() {
	t.mu.Lock()
	watchers := make([]*watcher, 0, len(t.watchers))
	for id, w := range t.watchers {
		watchers = append(watchers, w)
		delete(t.watchers, id)
	}
	t.mu.Unlock()

	for _, w := range watchers {
		w.cancel()
		<-w.done
	}
}

// ReadAll is a one-shot hydration read of an entire log.
func ReadAll(scope, logID string) ([]Entry, error) {
	path := filepath.Join(scope, logID+logSuffix)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log %s: %w", logID, err)
	}
	entries, _ := decodeLines(data)
	return entries, nil
}

func (t *Tailer) run(ctx context.Context, w *watcher) {
	defer close(w.done)
	log := logger.WithComponent("tail").With("consumerID", w.consumerID)

	if w.logID != "" {
		w.path = filepath.Join(w.scope, w.logID+logSuffix)
		if !t.awaitAppearance(ctx, w.path) {
			if ctx.Err() != nil {
				return
			}
			log.Warn("log never appeared", "path", w.path)
			if t.callbacks.OnError != nil {
				t.callbacks.OnError(w.consumerID, &TimeoutError{Scope: w.scope, LogID: w.logID})
			}
			return
		}
		// Attach at the current end; history comes from ReadAll.
		if fi, err := os.Stat(w.path); err == nil {
			w.offset = fi.Size()
		}
	} else if path := newestLog(w.scope); path != "" {
		w.path = path
		if fi, err := os.Stat(path); err == nil {
			w.offset = fi.Size()
		}
	}

	// Native notifications and interval polling run together; either one
	// observing a change is enough, and the offset comparison makes the
	// duplicate wakeups harmless.
	var events chan fsnotify.Event
	var errs chan error
	fsw, err := t.newWatcher()
	if err != nil {
		log.Warn("native file watching unavailable, polling only", "error", err)
	} else {
		defer fsw.Close()
		if err := fsw.Add(w.scope); err != nil {
			log.Warn("failed to watch scope directory, polling only", "scope", w.scope, "error", err)
		} else {
			events = fsw.Events
			errs = fsw.Errors
		}
	}

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
			continue
		}
		t.check(w, log)
	}
}

// awaitAppearance polls for the file until it exists or the attempt budget
// runs out. Returns false on timeout or cancellation.
func (t *Tailer) awaitAppearance(ctx context.Context, path string) bool {
	for i := 0; i < t.config.AppearanceAttempts; i++ {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(t.config.AppearanceInterval):
		}
	}
	_, err := os.Stat(path)
	return err == nil
}

// check is the single change-detection path both the ticker and native
// notifications funnel into.
func (t *Tailer) check(w *watcher, log *slog.Logger) {
	// When no specific log was requested, a newer log in the scope
	// supersedes the current one (covers session resets).
	if w.logID == "" {
		if newest := newestLog(w.scope); newest != "" && newest != w.path {
			log.Debug("switching to newer log", "from", w.path, "to", newest)
			w.path = newest
			w.offset = 0
			w.partial = nil
			t.reset(w, log)
			return
		}
	}
	if w.path == "" {
		return
	}

	fi, err := os.Stat(w.path)
	if err != nil {
		return
	}
	size := fi.Size()

	switch {
	case size < w.offset:
		// In-place rewrite or truncation: everything delivered so far is
		// stale, re-read from scratch.
		log.Debug("log shrank, resetting", "path", w.path, "size", size, "offset", w.offset)
		w.offset = 0
		w.partial = nil
		t.reset(w, log)
	case size > w.offset:
		t.readIncrement(w, size, log)
	}
}

// reset re-reads the whole file and delivers it as replacement content.
func (t *Tailer) reset(w *watcher, log *slog.Logger) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.Warn("failed to re-read log", "path", w.path, "error", err)
		return
	}
	entries, rest := decodeLines(data)
	w.offset = int64(len(data))
	w.partial = rest
	if t.callbacks.OnReset != nil {
		t.callbacks.OnReset(w.consumerID, entries)
	}
}

// readIncrement reads [offset, size) and delivers the complete lines in it.
// A trailing partial line is held until its newline arrives.
func (t *Tailer) readIncrement(w *watcher, size int64, log *slog.Logger) {
	f, err := os.Open(w.path)
	if err != nil {
		log.Warn("failed to open log", "path", w.path, "error", err)
		return
	}
	defer f.Close()

	chunk := make([]byte, size-w.offset)
	n, err := f.ReadAt(chunk, w.offset)
	if n == 0 && err != nil {
		log.Warn("failed to read log increment", "path", w.path, "error", err)
		return
	}
	w.offset += int64(n)

	data := append(w.partial, chunk[:n]...)
	entries, rest := decodeLines(data)
	w.partial = rest

	if len(entries) > 0 && t.callbacks.OnEntries != nil {
		t.callbacks.OnEntries(w.consumerID, entries)
	}
}

// decodeLines decodes the complete JSONL lines in data and returns the
// trailing partial line, if any. Undecodable lines and entries without a
// recognized type are skipped.
func decodeLines(data []byte) ([]Entry, []byte) {
	var entries []Entry
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		data = data[idx+1:]
		if entry, ok := decodeLine(line); ok {
			entries = append(entries, entry)
		}
	}
	if len(data) == 0 {
		return entries, nil
	}
	rest := make([]byte, len(data))
	copy(rest, data)
	return entries, rest
}

func decodeLine(line []byte) (Entry, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Entry{}, false
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &head); err != nil {
		return Entry{}, false
	}
	if head.Type == "" {
		return Entry{}, false
	}
	return Entry{Type: head.Type, Raw: json.RawMessage(trimmed)}, true
}

// newestLog returns the most recently modified log file in scope, or "".
func newestLog(scope string) string {
	dirEntries, err := os.ReadDir(scope)
	if err != nil {
		return ""
	}

	var newest string
	var newestMod time.Time
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), logSuffix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = de.Name()
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return ""
	}
	return filepath.Join(scope, newest)
}
