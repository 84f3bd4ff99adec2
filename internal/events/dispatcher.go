package events

import (
	"sync"
	"time"
)

// DispatcherEvent is one entry of the engine-level audit log.
type DispatcherEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // scheduler, worker-N, system
	Message   string    `json:"message"`
}

// DispatcherLog is an append-only ring of at most SystemRingSize entries,
// not persisted across restart. Entries are also published to the system
// topic so live subscribers see them.
type DispatcherLog struct {
	mu   sync.Mutex
	ring []DispatcherEvent
	bus  *Bus
}

// NewDispatcherLog creates the audit log. bus may be nil in tests.
func NewDispatcherLog(bus *Bus) *DispatcherLog {
	return &DispatcherLog{bus: bus}
}

// SystemEvent appends an entry. Implements the store's audit sink.
func (d *DispatcherLog) SystemEvent(source, message string) {
	ev := DispatcherEvent{Timestamp: time.Now().UTC(), Source: source, Message: message}
	d.mu.Lock()
	d.ring = append(d.ring, ev)
	if len(d.ring) > SystemRingSize {
		d.ring = d.ring[len(d.ring)-SystemRingSize:]
	}
	d.mu.Unlock()
	if d.bus != nil {
		d.bus.Publish(TopicSystem, ev)
	}
}

// Recent returns up to limit most recent entries, newest first.
func (d *DispatcherLog) Recent(limit int) []DispatcherEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.ring) {
		limit = len(d.ring)
	}
	out := make([]DispatcherEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = d.ring[len(d.ring)-1-i]
	}
	return out
}
