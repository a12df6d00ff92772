package agent

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// Dialect names the stdout protocol an agent speaks.
type Dialect string

const (
	DialectClaude Dialect = "claude"
	DialectCodex  Dialect = "codex"
	DialectPlain  Dialect = "plain"
)

// IsValid reports whether d is one of the supported dialects.
func (d Dialect) IsValid() bool {
	switch d {
	case DialectClaude, DialectCodex, DialectPlain:
		return true
	}
	return false
}

// Kind is the normalized shape of one agent output event.
type Kind string

const (
	// KindDelta is a fragment of streamed assistant text.
	KindDelta Kind = "stream_event"
	// KindMessage is a complete assistant message.
	KindMessage Kind = "assistant"
	// KindResult is the agent's terminal result.
	KindResult Kind = "result"
	// KindExit is always the last event: the process has exited.
	KindExit Kind = "exit"
)

// Event is one normalized output event.
type Event struct {
	Kind    Kind
	Text    string
	IsError bool
	// ExitCode and Err are set on KindExit only.
	ExitCode int
	Err      error
}

// Normalizer converts one raw stdout line into zero or more events.
type Normalizer interface {
	Normalize(line string) []Event
}

// NormalizerFor returns the normalizer for d. Unknown dialects read as plain.
func NormalizerFor(d Dialect) Normalizer {
	switch d {
	case DialectClaude:
		return claudeNormalizer{}
	case DialectCodex:
		return codexNormalizer{}
	}
	return plainNormalizer{}
}

// ResolveDialect picks the dialect for a descriptor: the explicit setting
// when valid, otherwise inferred from the command name.
func ResolveDialect(d Descriptor) Dialect {
	if d.Dialect.IsValid() {
		return d.Dialect
	}
	base := strings.ToLower(filepath.Base(d.Command))
	switch {
	case strings.HasPrefix(base, "claude"):
		return DialectClaude
	case strings.HasPrefix(base, "codex"):
		return DialectCodex
	}
	return DialectPlain
}

// plainNormalizer treats every line as a complete line of assistant text.
type plainNormalizer struct{}

func (plainNormalizer) Normalize(line string) []Event {
	return []Event{{Kind: KindDelta, Text: line + "\n"}}
}

// claudeLine covers the stream-json records the claude CLI prints.
type claudeLine struct {
	Type  string `json:"type"`
	Event *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

type claudeNormalizer struct{}

func (claudeNormalizer) Normalize(line string) []Event {
	var l claudeLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		// Non-JSON noise is still text the agent printed.
		return plainNormalizer{}.Normalize(line)
	}
	switch l.Type {
	case "stream_event":
		if l.Event != nil && l.Event.Delta != nil && l.Event.Delta.Type == "text_delta" {
			return []Event{{Kind: KindDelta, Text: l.Event.Delta.Text}}
		}
	case "assistant":
		if l.Message == nil {
			return nil
		}
		var b strings.Builder
		for _, c := range l.Message.Content {
			if c.Type == "text" {
				b.WriteString(c.Text)
			}
		}
		if b.Len() > 0 {
			return []Event{{Kind: KindMessage, Text: b.String()}}
		}
	case "result":
		return []Event{{Kind: KindResult, Text: l.Result, IsError: l.IsError || strings.HasPrefix(l.Subtype, "error")}}
	}
	return nil
}

// codexLine covers the JSONL records `codex exec --json` prints.
type codexLine struct {
	Type string `json:"type"`
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type codexNormalizer struct{}

func (codexNormalizer) Normalize(line string) []Event {
	var l codexLine
	if err := json.Unmarshal([]byte(line), &l); err != nil {
		return plainNormalizer{}.Normalize(line)
	}
	switch l.Type {
	case "item.completed":
		if l.Item != nil && l.Item.Type == "agent_message" {
			return []Event{{Kind: KindMessage, Text: l.Item.Text}}
		}
	case "turn.completed":
		return []Event{{Kind: KindResult}}
	case "turn.failed":
		msg := "turn failed"
		if l.Error != nil && l.Error.Message != "" {
			msg = l.Error.Message
		}
		return []Event{{Kind: KindResult, Text: msg, IsError: true}}
	case "error":
		return []Event{{Kind: KindResult, Text: l.Message, IsError: true}}
	}
	return nil
}
