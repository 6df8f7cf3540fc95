package api

import "time"

// SourceType identifies the external system an Event came from.
type SourceType string

const (
	SourceEmail       SourceType = "email"
	SourceChat        SourceType = "chat"
	SourceTaskTracker SourceType = "task_tracker"
)

// Sources lists every known source type in a stable order.
var Sources = []SourceType{SourceEmail, SourceChat, SourceTaskTracker}

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceEmail, SourceChat, SourceTaskTracker:
		return true
	}
	return false
}

// Event is an immutable record of something that happened externally.
// It is created by ingress and never modified afterwards.
type Event struct {
	ID     string
	Source SourceType

	// ExternalID is the provider's own identifier for the notification
	// (message id, event id). Empty when the provider supplies none.
	// (Source, ExternalID) is unique across stored events.
	ExternalID string

	// Kind is the provider event type (for example "app_mention"), taken
	// from the payload's "type" field when present.
	Kind string

	ReceivedAt    time.Time
	Payload       map[string]any
	CorrelationID string
}

// Field returns the payload value for key, or nil when absent.
func (e *Event) Field(key string) any {
	if e == nil || e.Payload == nil {
		return nil
	}
	return e.Payload[key]
}

// StringField returns the payload value for key if it is a string.
func (e *Event) StringField(key string) (string, bool) {
	s, ok := e.Field(key).(string)
	return s, ok
}

// UnroutedRecord is the observable outcome of an Event that matched no
// routing rule. No execution exists for such an event.
type UnroutedRecord struct {
	EventID       string
	CorrelationID string
	Source        SourceType
	RecordedAt    time.Time
	Reason        string
}
