package types

// Event represents a typed event emitted during state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// NewEvent returns an event of the given type with an initialised attribute
// map.
func NewEvent(eventType string) *Event {
	return &Event{Type: eventType, Attributes: make(map[string]string)}
}

// With sets an attribute and returns the event for chaining.
func (e *Event) With(key, value string) *Event {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}
