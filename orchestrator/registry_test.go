package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(Options{StorageDir: t.TempDir()})
}

func TestLoadRegistryMissingFileIsEmpty(t *testing.T) {
	o := newTestOrchestrator(t)
	reg, err := o.loadRegistry()
	if err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	if len(reg) != 0 {
		t.Errorf("reg = %+v, want empty", reg)
	}
}

func TestSaveOwnedThenLoadRoundTrips(t *testing.T) {
	o := newTestOrchestrator(t)
	rec := &clusterconfig.Record{ID: "c1", State: clusterconfig.StateRunning}
	if err := o.saveOwned(map[string]*clusterconfig.Record{"c1": rec}, nil); err != nil {
		t.Fatalf("saveOwned: %v", err)
	}
	reg, err := o.loadRegistry()
	if err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	got, ok := reg["c1"]
	if !ok {
		t.Fatal("expected c1 in registry")
	}
	if got.State != clusterconfig.StateRunning {
		t.Errorf("state = %v, want %v", got.State, clusterconfig.StateRunning)
	}
}

func TestSaveOwnedRemoval(t *testing.T) {
	o := newTestOrchestrator(t)
	rec := &clusterconfig.Record{ID: "c1"}
	if err := o.saveOwned(map[string]*clusterconfig.Record{"c1": rec}, nil); err != nil {
		t.Fatal(err)
	}
	if err := o.saveOwned(nil, map[string]bool{"c1": true}); err != nil {
		t.Fatal(err)
	}
	reg, err := o.loadRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg["c1"]; ok {
		t.Error("expected c1 removed from registry")
	}
}

// TestSaveOwnedDoesNotClobberSiblingEntries exercises the
// read-merge-write guarantee: a write by one Orchestrator process must
// preserve entries written by a sibling process owning disjoint
// clusters.
func TestSaveOwnedDoesNotClobberSiblingEntries(t *testing.T) {
	dir := t.TempDir()
	a := New(Options{StorageDir: dir})
	b := New(Options{StorageDir: dir})

	if err := a.saveOwned(map[string]*clusterconfig.Record{"a1": {ID: "a1"}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.saveOwned(map[string]*clusterconfig.Record{"b1": {ID: "b1"}}, nil); err != nil {
		t.Fatal(err)
	}

	reg, err := a.loadRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reg["a1"]; !ok {
		t.Error("expected a1 preserved")
	}
	if _, ok := reg["b1"]; !ok {
		t.Error("expected b1 from sibling process preserved")
	}
}

func TestReadRegistryFileMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusters.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readRegistryFile(path); err == nil {
		t.Error("expected error parsing malformed registry file")
	}
}

// TestSaveOwnedWaitsForBusyLock covers the registry-lock-busy boundary:
// a writer finding the advisory lock held waits (with the
// bounded retry loop) and completes once the holder releases, rather
// than failing fast or writing partially.
func TestSaveOwnedWaitsForBusyLock(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := os.MkdirAll(o.storageDir, 0o755); err != nil {
		t.Fatal(err)
	}

	holder := flock.New(o.lockPath())
	if err := holder.Lock(); err != nil {
		t.Fatalf("acquire holder lock: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- o.saveOwned(map[string]*clusterconfig.Record{
			"c1": {ID: "c1", State: clusterconfig.StateStopped},
		}, nil)
	}()

	select {
	case err := <-done:
		t.Fatalf("saveOwned returned while the lock was held (err=%v)", err)
	case <-time.After(150 * time.Millisecond):
	}

	if err := holder.Unlock(); err != nil {
		t.Fatalf("release holder lock: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("saveOwned after lock release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("saveOwned did not complete after the lock was released")
	}

	reg, err := o.loadRegistry()
	if err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	if _, ok := reg["c1"]; !ok {
		t.Error("expected c1 written once the lock freed up")
	}
}
