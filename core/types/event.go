package types

// Event represents a typed event emitted during settlement and dispute
// state transitions.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// NewEvent builds an event, copying attrs so later caller mutation is not
// observed by subscribers.
func NewEvent(eventType string, attrs map[string]string) *Event {
	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	return &Event{Type: eventType, Attributes: copied}
}
