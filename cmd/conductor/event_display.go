package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/beatline/conductor/internal/events"
	"github.com/beatline/conductor/internal/orchestration"
)

// displayEvent prints one session event as a single colored line. Live
// plan drafts print a short wave count; the final plan prints every wave.
func displayEvent(w io.Writer, event *events.Event) {
	timestamp := event.Timestamp.Format("15:04:05")
	typeColor := color.New(color.FgMagenta)
	severityColor := getSeverityColor(event.Severity)

	message := event.Message
	var details []string
	switch event.Type {
	case events.EventTypePlan:
		plan := planFromData(event.Data)
		if plan == nil {
			return
		}
		if getBoolField(event.Data, "final", false) {
			message = fmt.Sprintf("final plan: %d waves, %d unassigned", len(plan.Waves), len(plan.UnassignedBeatIDs))
			details = planLines(plan)
		} else {
			message = fmt.Sprintf("draft: %d waves", len(plan.Waves))
		}
	case events.EventTypeExit:
		message = fmt.Sprintf("%s (exit code %d)",
			getStringField(event.Data, "status", "unknown"),
			getIntField(event.Data, "exitCode", 0))
	}

	fmt.Fprintf(w, "%s [%s] %s: %s\n",
		getEventEmoji(event),
		timestamp,
		typeColor.Sprint(event.Type),
		severityColor.Sprint(truncateString(message, 100)),
	)
	for _, line := range details {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func getEventEmoji(event *events.Event) string {
	switch event.Type {
	case events.EventTypePlan:
		return "🗺️"
	case events.EventTypeStatus:
		return "📌"
	case events.EventTypeExit:
		if getStringField(event.Data, "status", "") == string(orchestration.StatusCompleted) {
			return "✅"
		}
		return "🏁"
	}
	switch event.Severity {
	case events.SeverityWarning:
		return "⚠️"
	case events.SeverityError:
		return "❌"
	default:
		return "•"
	}
}

func getSeverityColor(severity events.EventSeverity) *color.Color {
	switch severity {
	case events.SeverityWarning:
		return color.New(color.FgYellow)
	case events.SeverityError:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}

// planLines renders a plan as one line per wave plus its beats.
func planLines(plan *orchestration.Plan) []string {
	var lines []string
	for _, w := range plan.Waves {
		lines = append(lines, fmt.Sprintf("%s %s", green(fmt.Sprintf("Wave %d:", w.Index)), w.Name))
		if w.Objective != "" {
			lines = append(lines, "  "+gray(truncateString(w.Objective, 90)))
		}
		for _, ref := range w.Beats {
			lines = append(lines, fmt.Sprintf("  - %s %s", cyan(ref.ID), ref.Title))
		}
		if len(w.ExternalIDs) > 0 {
			lines = append(lines, "  "+yellow("unknown: "+strings.Join(w.ExternalIDs, ", ")))
		}
	}
	if len(plan.UnassignedBeatIDs) > 0 {
		lines = append(lines, yellow("Unassigned: ")+strings.Join(plan.UnassignedBeatIDs, ", "))
	}
	return lines
}

// planFromData reads the plan payload, which is a *Plan in-process and a
// decoded JSON object when the event came off the wire.
func planFromData(data map[string]any) *orchestration.Plan {
	switch p := data["plan"].(type) {
	case *orchestration.Plan:
		return p
	case nil:
		return nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil
		}
		var plan orchestration.Plan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return nil
		}
		return &plan
	}
}

func getStringField(data map[string]any, key, defaultValue string) string {
	if val, ok := data[key].(string); ok {
		return val
	}
	return defaultValue
}

func getIntField(data map[string]any, key string, defaultValue int) int {
	if val, ok := data[key].(int); ok {
		return val
	}
	if val, ok := data[key].(float64); ok {
		return int(val)
	}
	return defaultValue
}

func getBoolField(data map[string]any, key string, defaultValue bool) bool {
	if val, ok := data[key].(bool); ok {
		return val
	}
	return defaultValue
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
