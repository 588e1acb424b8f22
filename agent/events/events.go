// Package events implements the child-process stdout grammar consumed
// by the agent runtime: a stream of newline-delimited
// records, each either a tagged structured event or raw text
// (text/thinking/tool_*/result). Scanning uses a bufio.Scanner with an
// enlarged buffer; malformed lines are logged and skipped rather than
// aborting the whole read.
package events

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
)

// Kind is the tag of a structured event.
type Kind string

const (
	KindText          Kind = "text"
	KindThinkingStart  Kind = "thinking_start"
	KindThinking       Kind = "thinking"
	KindToolStart      Kind = "tool_start"
	KindToolCall       Kind = "tool_call"
	KindToolInput      Kind = "tool_input"
	KindToolResult     Kind = "tool_result"
	KindResult         Kind = "result"
)

// Event is one parsed line of child stdout. Fields not relevant to Kind
// are left zero.
type Event struct {
	Kind     Kind   `json:"type"`
	Text     string `json:"text,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	Input    any    `json:"input,omitempty"`
	Content  any    `json:"content,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Error    string `json:"error,omitempty"`
	Output   any    `json:"output,omitempty"`

	// Raw is the exact line that produced this event, always set —
	// AGENT_OUTPUT messages carry this verbatim in content.data.line
	// regardless of whether the line parsed as structured.
	Raw string `json:"-"`
}

// IsTerminal reports whether ev is the final "result" event of a child
// process's run.
func (ev Event) IsTerminal() bool {
	return ev.Kind == KindResult
}

// ParseLine decodes one stdout line. A line that parses as JSON with a
// recognized "type" tag becomes a structured Event; anything else
// (plain text, JSON without a "type" field, malformed JSON) becomes a
// KindText event carrying the raw line: non-empty lines that are not
// valid structured events are surfaced as raw text.
// Empty lines are dropped (ok=false).
func ParseLine(line []byte) (Event, bool) {
	if len(line) == 0 {
		return Event{}, false
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err == nil && isKnownKind(ev.Kind) {
		ev.Raw = string(line)
		return ev, true
	}
	return Event{Kind: KindText, Text: string(line), Raw: string(line)}, true
}

func isKnownKind(k Kind) bool {
	switch k {
	case KindText, KindThinkingStart, KindThinking, KindToolStart, KindToolCall, KindToolInput, KindToolResult, KindResult:
		return true
	default:
		return false
	}
}

// Scan reads newline-delimited records from r, invoking fn for each
// parsed Event in order. Scan stops and returns the scanner's error (if
// any) once r is exhausted or fn returns false.
func Scan(r io.Reader, fn func(Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		ev, ok := ParseLine(line)
		if !ok {
			continue
		}
		if !fn(ev) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("agent/events: stdout scan error", "err", err)
		return err
	}
	return nil
}
