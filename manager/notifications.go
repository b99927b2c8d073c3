package manager

import (
	"sync"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck-core/agent"
	"github.com/agentdeck/agentdeck-core/logger"
	"github.com/agentdeck/agentdeck-core/stream"
)

// NotificationKind discriminates what a Notification carries.
type NotificationKind string

const (
	// KindEvent carries a single non-delta stream event.
	KindEvent NotificationKind = "event"
	// KindDeltaBatch carries coalesced text deltas as one string.
	KindDeltaBatch NotificationKind = "delta_batch"
	// KindTurnEnded carries the result of a finished turn.
	KindTurnEnded NotificationKind = "turn_ended"
	// KindTitle carries a freshly generated session title.
	KindTitle NotificationKind = "title"
)

// Notification is one update fanned out to all observers.
type Notification struct {
	SessionID string
	Kind      NotificationKind

	Event     *stream.Event     // set for KindEvent
	DeltaText string            // set for KindDeltaBatch
	Result    *agent.TurnResult // set for KindTurnEnded
	Title     string            // set for KindTitle
}

// observerBuffer bounds each observer's channel. A slow observer whose
// buffer fills loses notifications rather than stalling the pipeline.
const observerBuffer = 256

// observerRegistry fans notifications out to subscribers.
type observerRegistry struct {
	mu        sync.RWMutex
	observers map[string]chan Notification
	closed    bool
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{
		observers: make(map[string]chan Notification),
	}
}

// subscribe registers a new observer and returns its ID and channel.
func (r *observerRegistry) subscribe() (string, <-chan Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Notification, observerBuffer)
	if r.closed {
		close(ch)
		return id, ch
	}
	r.observers[id] = ch
	return id, ch
}

// unsubscribe removes an observer and closes its channel. Unknown IDs are a
// no-op.
func (r *observerRegistry) unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.observers[id]
	if !ok {
		return
	}
	delete(r.observers, id)
	close(ch)
}

// publish delivers a notification to every observer without blocking.
// Observers whose buffers are full miss the notification.
func (r *observerRegistry) publish(n Notification) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, ch := range r.observers {
		select {
		case ch <- n:
		default:
			logger.WithSession(n.SessionID).Warn("observer buffer full, dropping notification",
				"observerID", id, "kind", string(n.Kind))
		}
	}
}

// close shuts down all observers.
func (r *observerRegistry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, ch := range r.observers {
		delete(r.observers, id)
		close(ch)
	}
}
