package events

import (
	"sync"

	"fassetd/core/types"
)

// Event represents a structured state change emitted by the protocol engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payloader is implemented by events that carry a canonical typed payload.
type Payloader interface {
	Event() *types.Event
}

// MemoryEmitter buffers emitted events in order. It backs the RPC event feed
// and keeps tests deterministic.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []*types.Event
	limit  int
}

// NewMemoryEmitter constructs a buffered emitter retaining at most limit
// events; a non-positive limit keeps everything.
func NewMemoryEmitter(limit int) *MemoryEmitter {
	return &MemoryEmitter{limit: limit}
}

// Emit implements the Emitter interface.
func (m *MemoryEmitter) Emit(evt Event) {
	if m == nil || evt == nil {
		return
	}
	payloader, ok := evt.(Payloader)
	if !ok {
		return
	}
	payload := payloader.Event()
	if payload == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, payload)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
}

// Events returns a snapshot of the buffered events in emission order.
func (m *MemoryEmitter) Events() []*types.Event {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Event, len(m.events))
	copy(out, m.events)
	return out
}
