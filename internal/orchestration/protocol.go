package orchestration

import (
	"encoding/json"
	"strings"
)

// Protocol event names an agent writes, one JSON object per line.
const (
	protoThinking  = "thinking"
	protoWaveDraft = "wave_draft"
	protoPlanFinal = "plan_final"
)

// protocolLine is one decoded mini-protocol line.
type protocolLine struct {
	Event   string          `json:"event"`
	Text    string          `json:"text"`
	Message string          `json:"message"`
	Wave    json.RawMessage `json:"wave"`
	Plan    json.RawMessage `json:"plan"`
}

// parseProtocolLine decodes line when it is a JSON object with an event
// field. ok is false for anything else.
func parseProtocolLine(line string) (protocolLine, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return protocolLine{}, false
	}
	var pl protocolLine
	if err := json.Unmarshal([]byte(trimmed), &pl); err != nil || pl.Event == "" {
		return protocolLine{}, false
	}
	return pl, true
}

// note is the human-readable text of a thinking line.
func (pl protocolLine) note() string {
	if pl.Text != "" {
		return pl.Text
	}
	return pl.Message
}

// lineBuffer splits streamed text into complete lines, holding back an
// unterminated tail until more text or a flush arrives.
type lineBuffer struct {
	partial strings.Builder
}

// write appends text and returns every line it completed.
func (lb *lineBuffer) write(text string) []string {
	var lines []string
	for {
		i := strings.IndexByte(text, '\n')
		if i == -1 {
			lb.partial.WriteString(text)
			return lines
		}
		lb.partial.WriteString(text[:i])
		lines = append(lines, strings.TrimSuffix(lb.partial.String(), "\r"))
		lb.partial.Reset()
		text = text[i+1:]
	}
}

// flush returns the unterminated tail, if any.
func (lb *lineBuffer) flush() (string, bool) {
	if lb.partial.Len() == 0 {
		return "", false
	}
	s := lb.partial.String()
	lb.partial.Reset()
	return s, true
}
