package events

import (
	"strings"
	"testing"
)

func TestParseLineStructuredEvent(t *testing.T) {
	ev, ok := ParseLine([]byte(`{"type":"tool_call","toolName":"bash","input":{"cmd":"ls"}}`))
	if !ok {
		t.Fatal("expected a parsed event")
	}
	if ev.Kind != KindToolCall {
		t.Errorf("Kind = %q, want %q", ev.Kind, KindToolCall)
	}
	if ev.ToolName != "bash" {
		t.Errorf("ToolName = %q, want %q", ev.ToolName, "bash")
	}
	if ev.Raw == "" {
		t.Error("Raw must always carry the original line")
	}
}

func TestParseLineResultEvent(t *testing.T) {
	ev, ok := ParseLine([]byte(`{"type":"result","success":true,"output":{"summary":"ok"}}`))
	if !ok {
		t.Fatal("expected a parsed event")
	}
	if !ev.IsTerminal() {
		t.Error("result event must be terminal")
	}
	if !ev.Success {
		t.Error("Success = false, want true")
	}
	out, _ := ev.Output.(map[string]any)
	if out["summary"] != "ok" {
		t.Errorf("Output = %v, want summary=ok", ev.Output)
	}
}

func TestParseLineUnknownTagBecomesText(t *testing.T) {
	line := `{"type":"usage_report","tokens":12}`
	ev, ok := ParseLine([]byte(line))
	if !ok {
		t.Fatal("expected a parsed event")
	}
	if ev.Kind != KindText {
		t.Errorf("Kind = %q, want %q for an unknown tag", ev.Kind, KindText)
	}
	if ev.Text != line {
		t.Errorf("Text = %q, want the raw line", ev.Text)
	}
}

func TestParseLineMalformedJSONBecomesText(t *testing.T) {
	ev, ok := ParseLine([]byte(`not json at all`))
	if !ok {
		t.Fatal("expected a parsed event")
	}
	if ev.Kind != KindText || ev.Text != "not json at all" {
		t.Errorf("got Kind=%q Text=%q, want raw-text passthrough", ev.Kind, ev.Text)
	}
}

func TestParseLineEmptyDropped(t *testing.T) {
	if _, ok := ParseLine(nil); ok {
		t.Error("empty line must be dropped")
	}
}

func TestScanDeliversInOrderAndSkipsBlanks(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"thinking_start"}`,
		``,
		`{"type":"text","text":"hello"}`,
		`plain stderr-ish noise`,
		`{"type":"result","success":true}`,
	}, "\n")

	var kinds []Kind
	if err := Scan(strings.NewReader(input), func(ev Event) bool {
		kinds = append(kinds, ev.Kind)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := []Kind{KindThinkingStart, KindText, KindText, KindResult}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(kinds), kinds, len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d: Kind = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestScanStopsWhenFnReturnsFalse(t *testing.T) {
	input := "{\"type\":\"text\",\"text\":\"a\"}\n{\"type\":\"text\",\"text\":\"b\"}\n"
	n := 0
	if err := Scan(strings.NewReader(input), func(Event) bool {
		n++
		return false
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 1 {
		t.Errorf("fn invoked %d times after returning false, want 1", n)
	}
}
