// Package stream fans gate verdicts out to live subscribers.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"nexus/pkg/gate"
)

const (
	EventReady   = "ready"
	EventVerdict = "gate.verdict"
)

const defaultBuffer = 32

// Event is one message on the stream. Seq increases by one per published
// event, so a consumer that sees a gap knows it was too slow.
type Event struct {
	Seq  uint64          `json:"seq,omitempty"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data as the payload. Unencodable data leaves it empty.
func NewEvent(eventType string, data any) Event {
	evt := Event{Type: eventType, At: time.Now().UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			evt.Data = raw
		}
	}
	return evt
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	id      uint64
	hub     *Hub
	dropped atomic.Int64
	once    sync.Once
}

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Hub never blocks publishers: a subscriber whose buffer is full misses the
// event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	seq     atomic.Uint64
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]*Subscription{}}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Publish stamps evt with the next sequence number and offers it to every
// subscriber.
func (h *Hub) Publish(evt Event) {
	evt.Seq = h.seq.Add(1)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Subscribers counts open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped totals missed deliveries across all subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Record publishes a gate decision as a verdict event.
func (h *Hub) Record(_ context.Context, d gate.Decision) {
	h.Publish(NewEvent(EventVerdict, d))
}
