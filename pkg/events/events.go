// Package events provides a listener bus for data-access telemetry.
//
// Subsystems publish named events (query timings, leaks, timeouts) and
// external monitoring subscribes with plain callbacks. This is in-process
// observability, not a wire protocol.
package events

import (
	"sync"
	"time"
)

// Event names form the contract external tooling depends on.
const (
	EventQuery            = "query"
	EventSlowQuery        = "slow-query"
	EventVerySlowQuery    = "very-slow-query"
	EventQueryError       = "query-error"
	EventConnectionLeak   = "connection-leak"
	EventConnectionClosed = "connection-closed"
	EventAcquireTimeout   = "acquire-timeout"
	EventError            = "error"
)

// Event carries the name, payload, and emit time of a single occurrence.
type Event struct {
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler receives emitted events. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(Event)

// Bus dispatches events to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	allHnd   []Handler
	emitted  uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a specific event name.
func (b *Bus) Subscribe(name string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHnd = append(b.allHnd, h)
}

// Emit dispatches an event to all matching handlers. A nil Bus is a no-op
// so subsystems can publish unconditionally.
func (b *Bus) Emit(name string, payload map[string]interface{}) {
	if b == nil {
		return
	}

	ev := Event{
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	named := b.handlers[name]
	all := b.allHnd
	b.mu.RUnlock()

	b.mu.Lock()
	b.emitted++
	b.mu.Unlock()

	for _, h := range named {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}

// Emitted returns the total number of events emitted.
func (b *Bus) Emitted() uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emitted
}
