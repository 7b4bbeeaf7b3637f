package domain

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies the kind of event being published. Names are dotted
// and form the wire contract with plugins and UI processes.
type EventType string

const (
	EventPersonaCreated   EventType = "persona.created"
	EventPersonaUpdated   EventType = "persona.updated"
	EventPersonaActivated EventType = "persona.activated"
	EventPersonaDeleted   EventType = "persona.deleted"

	EventMemoryAdded    EventType = "memory.added"
	EventMemoryUpdated  EventType = "memory.updated"
	EventMemorySearched EventType = "memory.searched"

	EventPluginAccessRequested EventType = "plugin.request.persona.access"
	EventPluginAccessGranted   EventType = "plugin.persona.permission.granted"
	EventPluginAccessDenied    EventType = "plugin.persona.permission.denied"
	EventPluginViolation       EventType = "plugin.security.violation"
)

// Namespace returns the leading segment of the event type ("persona", "memory", ...).
func (t EventType) Namespace() string {
	if i := strings.IndexByte(string(t), '.'); i >= 0 {
		return string(t)[:i]
	}
	return string(t)
}

// Priority is an advisory hint carried on the envelope. The bus does not
// reorder dispatches by priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority. The empty value is valid and
// treated as normal.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Event is the envelope delivered to subscribers. Payload is always the
// validated, canonical form of what the publisher sent.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"eventType"`
	Timestamp   time.Time       `json:"timestamp"`
	TriggeredBy string          `json:"triggeredBy,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// EventHandler is invoked once per dispatch. A returned error or a panic marks
// that dispatch as failed; it never affects other subscribers.
type EventHandler func(ctx context.Context, event Event) error

// PublishOptions carries optional envelope metadata.
type PublishOptions struct {
	TriggeredBy string
	Priority    Priority
}

// PublishResult summarizes one fan-out.
type PublishResult struct {
	EventID     string        `json:"eventId"`
	Subscribers int           `json:"subscribers"`
	Delivered   int           `json:"delivered"`
	Failed      int           `json:"failed"`
	Denied      int           `json:"denied"`
	Duration    time.Duration `json:"durationNs"`
}
