// Package uibridge is the process-local HTTP surface: the UI renderer
// posts button presses and subscribes to screen broadcasts over SSE, and
// the ops side scrapes health and metrics. Nothing here is reachable
// from outside the machine.
package uibridge

import (
	"log/slog"
	"sync"

	"teller/internal/session"
)

const subscriberBuffer = 16

// Hub fans controller broadcasts out to every connected renderer. It
// implements session.UI; Broadcast never blocks, a subscriber that stops
// draining loses updates rather than wedging the controller.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan session.Broadcast]struct{}
	last   *session.Broadcast
	logger *slog.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[chan session.Broadcast]struct{}),
		logger: logger.With("component", "uibridge"),
	}
}

// Broadcast delivers one update to every subscriber.
func (h *Hub) Broadcast(b session.Broadcast) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &b
	for ch := range h.subs {
		select {
		case ch <- b:
		default:
			h.logger.Warn("dropping broadcast for slow subscriber", "action", b.Action)
		}
	}
}

// Subscribe registers a renderer. The previous broadcast, when any, is
// replayed first so a reconnecting renderer paints the current screen
// immediately. The returned cancel must be called on disconnect.
func (h *Hub) Subscribe() (<-chan session.Broadcast, func()) {
	ch := make(chan session.Broadcast, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	if h.last != nil {
		ch <- *h.last
	}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
