package manager

import (
	"strings"
	"sync"
	"time"
)

const (
	// DeltaBatchCap is the hard cap on buffered deltas; hitting it forces
	// an immediate flush to bound memory and latency under pathological
	// delta rates.
	DeltaBatchCap = 500

	// DefaultCoalesceInterval is how long after the first buffered delta a
	// batch is flushed when nothing else forces it out sooner.
	DefaultCoalesceInterval = 50 * time.Millisecond
)

// coalescer batches rapid text deltas for one session so observers see a few
// larger updates instead of a flood of tiny ones. Order is preserved: a
// batch is always the concatenation of deltas in arrival order, and callers
// flush before delivering any non-delta event.
type coalescer struct {
	sessionID string
	interval  time.Duration
	emit      func(sessionID, text string)

	mu    sync.Mutex
	buf   []string
	timer *time.Timer
}

func newCoalescer(sessionID string, interval time.Duration, emit func(sessionID, text string)) *coalescer {
	if interval <= 0 {
		interval = DefaultCoalesceInterval
	}
	return &coalescer{
		sessionID: sessionID,
		interval:  interval,
		emit:      emit,
	}
}

// add buffers one delta. The first delta in an empty buffer arms the flush
// timer; reaching DeltaBatchCap flushes immediately.
func (c *coalescer) add(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, text)
	if len(c.buf) >= DeltaBatchCap {
		c.emitLocked()
		return
	}
	if len(c.buf) == 1 {
		c.timer = time.AfterFunc(c.interval, c.flush)
	}
}

// flush delivers whatever is buffered. Safe to call at any time; an empty
// buffer is a no-op. flush does not return until any batch being delivered
// has been handed to emit, so a caller that flushes before publishing its
// own event cannot overtake a batch the timer is still delivering.
func (c *coalescer) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked()
}

// stop cancels the pending timer and discards buffered deltas.
func (c *coalescer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.buf = nil
}

// emitLocked drains the buffer, disarms the timer, and delivers the batch.
// The emit call happens under mu: draining and delivering are one atomic
// step, so batches reach emit in the order they were drained. Caller must
// hold mu; emit must not call back into the coalescer.
func (c *coalescer) emitLocked() {
	if len(c.buf) == 0 {
		return
	}
	batch := strings.Join(c.buf, "")
	c.buf = c.buf[:0]
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.emit(c.sessionID, batch)
}
