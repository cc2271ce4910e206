package syncer

import (
	"sync"

	"github.com/Alaa-nl/phytod/internal/series"
)

// Event carries freshly synced readings to live subscribers.
type Event struct {
	DeviceID string           `json:"device_id"`
	Quantity string           `json:"quantity"`
	Readings []series.Reading `json:"readings"`
}

// Hub fans sync events out to WebSocket subscribers. Slow subscribers drop
// events instead of blocking the sync loop.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
