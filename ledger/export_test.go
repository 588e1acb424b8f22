package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/zeroshot-dev/zeroshot/message"
)

func TestExportJSONLRoundTrips(t *testing.T) {
	ctx := t.Context()
	l := openTest(t)

	topics := []string{"ISSUE_OPENED", "AGENT_OUTPUT", "CLUSTER_COMPLETE"}
	for _, topic := range topics {
		if _, err := l.Append(ctx, message.Message{Topic: topic, Sender: "system", Receiver: "broadcast"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := l.ExportJSONL(ctx, &buf); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}

	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	var got []message.Message
	scanner := bufio.NewScanner(dec)
	for scanner.Scan() {
		var m message.Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("unmarshal exported line: %v", err)
		}
		got = append(got, m)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(got) != len(topics) {
		t.Fatalf("exported %d messages, want %d", len(got), len(topics))
	}
	for i, m := range got {
		if m.Topic != topics[i] {
			t.Errorf("message %d: topic = %q, want %q", i, m.Topic, topics[i])
		}
		if m.Sequence != int64(i+1) {
			t.Errorf("message %d: sequence = %d, want %d", i, m.Sequence, i+1)
		}
	}
}

func TestExportJSONLEmptyLedger(t *testing.T) {
	l := openTest(t)

	var buf bytes.Buffer
	if err := l.ExportJSONL(t.Context(), &buf); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}

	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	scanner := bufio.NewScanner(dec)
	if scanner.Scan() {
		t.Errorf("expected no lines from an empty ledger, got %q", scanner.Text())
	}
}
