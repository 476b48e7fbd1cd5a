package events

import "tokensale/core/types"

// Event represents a structured state change emitted by the sale.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry a canonical attribute map.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (audit store, metrics).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans every event out to each configured emitter in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Recorder keeps emitted events in memory. Tests use it to assert on emitted
// payloads.
type Recorder struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) { r.Events = append(r.Events, evt) }

// Types returns the event types recorded so far.
func (r *Recorder) Types() []string {
	out := make([]string, 0, len(r.Events))
	for _, evt := range r.Events {
		out = append(out, evt.EventType())
	}
	return out
}
