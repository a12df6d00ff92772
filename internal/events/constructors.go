package events

import (
	"time"

	"github.com/google/uuid"
)

func newEvent(t EventType, sessionID string, severity EventSeverity, message string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Severity:  severity,
		Message:   message,
		Data:      data,
	}
}

// NewLogEvent creates a log event for one line of agent output.
func NewLogEvent(sessionID, message string) *Event {
	return newEvent(EventTypeLog, sessionID, SeverityInfo, message, nil)
}

// NewPlanEvent creates a plan event. final distinguishes the normalized
// final plan from a live draft snapshot.
func NewPlanEvent(sessionID string, plan any, final bool) *Event {
	return newEvent(EventTypePlan, sessionID, SeverityInfo, "", map[string]any{
		"plan":  plan,
		"final": final,
	})
}

// NewStatusEvent creates a status event.
func NewStatusEvent(sessionID, status, message string) *Event {
	return newEvent(EventTypeStatus, sessionID, SeverityInfo, message, map[string]any{"status": status})
}

// NewErrorEvent creates an error event.
func NewErrorEvent(sessionID, message string) *Event {
	return newEvent(EventTypeError, sessionID, SeverityError, message, nil)
}

// NewExitEvent creates the terminal exit event.
func NewExitEvent(sessionID string, data ExitData) *Event {
	severity := SeverityInfo
	if data.Status != "completed" {
		severity = SeverityWarning
	}
	return newEvent(EventTypeExit, sessionID, severity, "", map[string]any{
		"status":   data.Status,
		"exitCode": data.ExitCode,
	})
}
