// pkg/events/event.go
package events

import (
	"strings"
	"time"
)

// EventType is the closed set of agent action kinds the engine understands.
type EventType string

const (
	EventRead     EventType = "read"
	EventWrite    EventType = "write"
	EventEdit     EventType = "edit"
	EventBash     EventType = "bash"
	EventWebFetch EventType = "webfetch"
	EventOther    EventType = "other"
)

// AllEventTypes lists every EventType in declaration order.
var AllEventTypes = []EventType{EventRead, EventWrite, EventEdit, EventBash, EventWebFetch, EventOther}

// ParseEventType maps a tool name or event type string onto an EventType.
// Matching is case-insensitive; anything unrecognised becomes EventOther.
func ParseEventType(s string) EventType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "notebookread":
		return EventRead
	case "write":
		return EventWrite
	case "edit", "multiedit", "notebookedit":
		return EventEdit
	case "bash", "shell":
		return EventBash
	case "webfetch", "web_fetch", "fetch":
		return EventWebFetch
	default:
		return EventOther
	}
}

// Valid reports whether t is one of the declared event types.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SecurityEvent is one observed agent action. It is created once by ingestion
// and never modified afterwards; the engine stores it verbatim in its
// session's buffer.
type SecurityEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"event_type"`
	Target    string    `json:"target"` // path, URL or command line
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	WriteMode *bool     `json:"write_mode,omitempty"`
}

// IsWrite reports whether the event mutates state. An explicit WriteMode wins;
// otherwise write and edit events count as writes.
func (e SecurityEvent) IsWrite() bool {
	if e.WriteMode != nil {
		return *e.WriteMode
	}
	return e.Type == EventWrite || e.Type == EventEdit
}
