// Package eventstream is the SSE fan-out for pool status and request
// lifecycle events (SPEC_FULL.md §4.6).
package eventstream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// SchemaVersion is embedded in every published event.
const SchemaVersion = 1

// EventType names one of the events the stream publishes.
type EventType string

const (
	// EventPoolStatus is emitted every 3s with per-tier pool snapshots.
	EventPoolStatus EventType = "pool-status"
	// EventRequestStart is emitted when the Request Handler begins a request.
	EventRequestStart EventType = "request-start"
	// EventRequestComplete is emitted on success or a terminal failure.
	EventRequestComplete EventType = "request-complete"
)

// TierPoolStatus is one model's entry in its tier's list inside a pool-status
// event's Pools field.
type TierPoolStatus struct {
	Model          string `json:"model"`
	InFlight       int    `json:"inFlight"`
	MaxConcurrency int    `json:"maxConcurrency"`
	Available      bool   `json:"available"`
	CooldownMs     int    `json:"cooldownMs"`
}

// Event is one message on the stream. Seq increases monotonically per Bus.
type Event struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion int       `json:"schemaVersion"`
	Type          EventType `json:"type"`

	// Request-lifecycle fields.
	RequestID  string  `json:"requestId,omitempty"`
	TraceID    string  `json:"traceId,omitempty"`
	Model      string  `json:"model,omitempty"`
	Tier       string  `json:"tier,omitempty"`
	KeyIndex   int     `json:"keyIndex,omitempty"`
	LatencyMs  float64 `json:"latencyMs,omitempty"`
	Success    bool    `json:"success,omitempty"`
	ErrorKind  string  `json:"errorKind,omitempty"`

	// pool-status fields.
	Pools map[string][]TierPoolStatus `json:"pools,omitempty"`
}

// JSON renders the event as a JSON byte slice for the SSE `data:` line.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a buffered channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory, non-blocking pub/sub fan-out.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	seq         uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber with a buffered channel of bufSize
// (default 64 if non-positive).
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{C: make(chan Event, bufSize), done: make(chan struct{})}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its done channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish stamps the event with a sequence number, timestamp, and schema
// version, then fans it out to every subscriber without blocking: a
// subscriber whose buffer is full has the event dropped (§5 backpressure).
func (b *Bus) Publish(e Event) {
	e.Seq = atomic.AddUint64(&b.seq, 1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.SchemaVersion = SchemaVersion

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
