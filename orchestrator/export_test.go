package orchestrator

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
)

func TestExportClusterLive(t *testing.T) {
	o := New(Options{StorageDir: t.TempDir(), Backend: newFakeBackend()})
	c, err := o.StartCluster(t.Context(), StartOptions{Config: clusterconfig.Config{}, Input: Input{Text: "task"}})
	if err != nil {
		t.Fatalf("StartCluster: %v", err)
	}

	var buf bytes.Buffer
	if err := o.ExportCluster(t.Context(), c.ID(), &buf); err != nil {
		t.Fatalf("ExportCluster: %v", err)
	}

	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	lines := 0
	scanner := bufio.NewScanner(dec)
	for scanner.Scan() {
		lines++
	}
	if lines < 1 {
		t.Error("export must contain at least the initial input message")
	}
}

func TestExportClusterUnknownID(t *testing.T) {
	o := New(Options{StorageDir: t.TempDir(), Backend: newFakeBackend()})
	var buf bytes.Buffer
	if err := o.ExportCluster(t.Context(), "missing", &buf); err == nil {
		t.Fatal("expected an error exporting an unknown cluster")
	}
}
