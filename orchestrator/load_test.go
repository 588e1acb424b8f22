package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/message"
)

func TestLoadRemovesOrphanWithoutLedgerFile(t *testing.T) {
	dir := t.TempDir()
	o := New(Options{StorageDir: dir})

	rec := &clusterconfig.Record{ID: "orphan", State: clusterconfig.StateRunning}
	if err := o.saveOwned(map[string]*clusterconfig.Record{"orphan": rec}, nil); err != nil {
		t.Fatal(err)
	}

	if err := o.Load(t.Context()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reg, err := o.loadRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg["orphan"]; ok {
		t.Error("expected orphaned registry entry removed")
	}
}

func TestLoadReattachesClusterWithLedger(t *testing.T) {
	dir := t.TempDir()
	o := New(Options{StorageDir: dir})

	l, err := ledger.Open(dir, "cl1")
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	msg := message.Message{Topic: message.TopicIssueOpened, Sender: message.SenderOrchestrator, Receiver: message.ReceiverBroadcast}
	if _, err := l.Append(t.Context(), msg); err != nil {
		t.Fatal(err)
	}
	l.Close()

	rec := &clusterconfig.Record{ID: "cl1", State: clusterconfig.StateRunning}
	if err := o.saveOwned(map[string]*clusterconfig.Record{"cl1": rec}, nil); err != nil {
		t.Fatal(err)
	}

	if err := o.Load(t.Context()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, ok := o.cluster("cl1"); !ok {
		t.Error("expected cl1 reattached into the live cluster map")
	}
}

func TestLoadMarksCorruptedWhenLedgerEmpty(t *testing.T) {
	dir := t.TempDir()
	o := New(Options{StorageDir: dir})

	// Open and immediately close, leaving a valid but message-less ledger.
	l, err := ledger.Open(dir, "cl2")
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	rec := &clusterconfig.Record{ID: "cl2", State: clusterconfig.StateRunning}
	if err := o.saveOwned(map[string]*clusterconfig.Record{"cl2": rec}, nil); err != nil {
		t.Fatal(err)
	}

	if err := o.Load(t.Context()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	reg, err := o.loadRegistry()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reg["cl2"]
	if !ok {
		t.Fatal("expected cl2 present in registry")
	}
	if got.State != clusterconfig.StateCorrupted {
		t.Errorf("state = %v, want %v", got.State, clusterconfig.StateCorrupted)
	}
}

func TestLoadNoopWhenRegistryEmpty(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.Load(t.Context()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(o.storageDir, "clusters.json")); !os.IsNotExist(err) {
		t.Errorf("expected no registry file written for an empty Load, stat err = %v", err)
	}
}
