package tail

import (
	"regexp"
	"sync"
	"time"
)

// State classifies what an externally-owned session appears to be doing,
// derived from its output stream. It is a heuristic: the session's process
// is not observable directly, only its transcript.
type State string

const (
	// StateRunning means output arrived recently.
	StateRunning State = "running"
	// StateIdle means no output within the silence window.
	StateIdle State = "idle"
	// StateAttention means recent output matched a pattern that usually
	// indicates the session is waiting on the user, like a permission
	// prompt.
	StateAttention State = "attention"
	// StateDone means the session was marked finished.
	StateDone State = "done"
)

// DefaultSilenceTimeout is how long without output before a running session
// is considered idle.
const DefaultSilenceTimeout = 10 * time.Second

// Monitor derives a session State from observed output.
type Monitor struct {
	mu        sync.Mutex
	patterns  []*regexp.Regexp
	silence   time.Duration
	lastData  time.Time
	attention bool
	done      bool
	now       func() time.Time
}

// NewMonitor creates a Monitor. A recent output line matching any of
// patterns flips the state to attention until further output arrives.
// A zero silence uses DefaultSilenceTimeout.
func NewMonitor(patterns []*regexp.Regexp, silence time.Duration) *Monitor {
	if silence == 0 {
		silence = DefaultSilenceTimeout
	}
	return &Monitor{
		patterns: patterns,
		silence:  silence,
		now:      time.Now,
	}
}

// Observe records a line of session output.
func (m *Monitor) Observe(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return
	}
	m.lastData = m.now()
	m.attention = false
	for _, p := range m.patterns {
		if p.MatchString(text) {
			m.attention = true
			break
		}
	}
}

// MarkDone pins the state to done. Further output is ignored.
func (m *Monitor) MarkDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = true
}

// State returns the current classification.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.done:
		return StateDone
	case m.attention:
		return StateAttention
	case m.lastData.IsZero(), m.now().Sub(m.lastData) > m.silence:
		return StateIdle
	default:
		return StateRunning
	}
}
