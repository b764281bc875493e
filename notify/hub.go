// birch/notify/hub.go
package notify

import (
	"sync"

	"birch/models"
)

// Hub routes events to live listeners keyed by a caller-scoped identifier.
// A caller may hold several streams (multiple tabs); a slow listener is
// skipped rather than blocking the publisher.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]map[chan models.Event]struct{}
	closed    bool
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[string]map[chan models.Event]struct{})}
}

// Subscribe registers a listener for a caller id. The returned cancel
// function must be called when the stream ends.
func (h *Hub) Subscribe(callerID string) (<-chan models.Event, func()) {
	ch := make(chan models.Event, 8)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	set, ok := h.listeners[callerID]
	if !ok {
		set = make(map[chan models.Event]struct{})
		h.listeners[callerID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	ch <- models.Event{Kind: models.EventOpen}

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.listeners[callerID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.listeners, callerID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every live stream of a caller. Full
// channels are dropped, not waited on.
func (h *Hub) Publish(callerID string, event models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners[callerID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close sends a close event to every listener and shuts the hub down.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.listeners {
		for ch := range set {
			select {
			case ch <- models.Event{Kind: models.EventClose}:
			default:
			}
			close(ch)
		}
	}
	h.listeners = make(map[string]map[chan models.Event]struct{})
}
