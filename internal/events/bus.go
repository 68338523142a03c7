package events

import (
	"log/slog"
	"sync"

	"github.com/locomote-sh/content-server/internal/logfields"
)

// Handler processes an Event. Handlers run synchronously on the
// publisher's goroutine and must not block for long.
type Handler func(Event)

// Bus is a simple synchronous pub/sub event bus. Subscribers are
// registered at startup by the composition root.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	mirror      Mirror // optional external mirror (NATS)
}

// Mirror forwards published events to an external system.
type Mirror interface {
	Publish(e Event) error
}

// NewBus creates an empty bus.
func NewBus() *Bus { return &Bus{subscribers: map[string][]Handler{}} }

// SetMirror attaches an external mirror. Mirror failures are logged, never
// propagated: local cache invalidation must not depend on the network.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	b.mirror = m
	b.mu.Unlock()
}

// Subscribe registers a handler for a given event name.
func (b *Bus) Subscribe(event string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[event] = append(b.subscribers[event], h)
	b.mu.Unlock()
}

// Publish delivers an event to all handlers synchronously, then mirrors
// it if a mirror is attached.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.subscribers[e.Name()]...)
	mirror := b.mirror
	b.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}

	if mirror != nil {
		if err := mirror.Publish(e); err != nil {
			slog.Warn("Event mirror publish failed",
				slog.String("event", e.Name()), logfields.Error(err))
		}
	}
}
