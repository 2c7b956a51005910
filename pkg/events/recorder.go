package events

import (
	"context"
	"sync"
)

// Recorder is a synchronous Emitter that keeps every event in memory. It is
// used by tests and by callers that need to inspect what a mutation emitted.
type Recorder struct {
	mu     sync.Mutex
	events []DomainEvent
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records evt
func (r *Recorder) Emit(_ context.Context, evt DomainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DomainEvent, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given type
func (r *Recorder) OfType(typ Type) []DomainEvent {
	var out []DomainEvent
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets all recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
