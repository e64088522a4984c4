// Package broadcast fans ledger changes out to live observers.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onnwee/karma-tender/telemetry"
)

// EventName is the name observers subscribe to on the SSE stream.
const EventName = "karma:update"

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 16

// Event describes one ledger mutation.
type Event struct {
	At     time.Time
	User   string
	Source string
	Value  decimal.Decimal
	Delta  decimal.Decimal
}

// MarshalJSON writes Value and Delta as JSON numbers.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		User   string          `json:"user"`
		Value  json.RawMessage `json:"value"`
		Delta  json.RawMessage `json:"delta"`
		Source string          `json:"source"`
		At     time.Time       `json:"at"`
	}{
		User:   e.User,
		Value:  json.RawMessage(e.Value.String()),
		Delta:  json.RawMessage(e.Delta.String()),
		Source: e.Source,
		At:     e.At,
	})
}

// Hub delivers each published event to every current subscriber without
// blocking the publisher. A subscriber whose queue is full misses the event.
// Late subscribers get no backlog.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	buffer int
}

// NewHub returns a hub with the given per-subscriber buffer (DefaultBuffer
// when buffer <= 0).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Publish offers ev to every subscriber.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			telemetry.IncBroadcastDropped()
			telemetry.LoggerWithCorr(ctx).Debug("observer queue full, event dropped",
				slog.Uint64("subscriber", id), slog.String("user", ev.User), slog.String("component", "broadcast"))
		}
	}
}

// Subscribe registers a new observer. The returned cancel func unregisters
// it and closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()
	telemetry.AddBroadcastSubscribers(1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
			telemetry.AddBroadcastSubscribers(-1)
		})
	}
}

// Subscribers reports the number of live observers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
