// Package events defines the ordered event stream an orchestration session
// publishes to its subscribers, with a bounded replay buffer.
package events

import (
	"time"
)

// EventType represents the type of event a session published.
type EventType string

const (
	// EventTypeLog is a line of agent progress or thinking.
	EventTypeLog EventType = "log"
	// EventTypePlan carries the current (live or final) plan snapshot.
	EventTypePlan EventType = "plan"
	// EventTypeStatus is a human-readable session status message.
	EventTypeStatus EventType = "status"
	// EventTypeError reports a failure; the session ends in error.
	EventTypeError EventType = "error"
	// EventTypeExit is always the last event of a session.
	EventTypeExit EventType = "exit"
)

// IsTerminal reports whether no events follow this type.
func (t EventType) IsTerminal() bool {
	return t == EventTypeExit
}

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is one entry in a session's stream. Seq is assigned by the buffer
// and increases by one per event within a session.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  EventSeverity  `json:"severity"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExitData is the payload of an exit event.
type ExitData struct {
	Status   string `json:"status"`
	ExitCode int    `json:"exitCode"`
}
