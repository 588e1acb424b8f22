package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zeroshot-dev/zeroshot/agent"
	"github.com/zeroshot-dev/zeroshot/bus"
	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/message"
)

// fakeWorkspace is a test double for isolation.Workspace, used to
// assert the preservation contract without a container runtime or git:
// Stop must preserve, Kill must delete.
type fakeWorkspace struct {
	mu      sync.Mutex
	cwd     string
	stopped int
	killed  int
}

func (w *fakeWorkspace) CWD() string { return w.cwd }

func (w *fakeWorkspace) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped++
	return nil
}

func (w *fakeWorkspace) Kill(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.killed++
	return nil
}

func (w *fakeWorkspace) Record() any { return nil }

func (w *fakeWorkspace) counts() (stopped, killed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped, w.killed
}

// TestStopPreservesWorkspace covers the stop half of the preservation
// contract: StopCluster calls the workspace's Stop (preserve),
// never its Kill, and the registry entry survives in StateStopped so a
// later resume can find it.
func TestStopPreservesWorkspace(t *testing.T) {
	o := New(Options{StorageDir: t.TempDir(), Backend: newFakeBackend()})

	// A config whose worker has no hook: the cluster stays running until
	// the test stops it explicitly.
	cfg := clusterconfig.Config{Agents: []clusterconfig.AgentConfig{{
		ID: "worker", Role: "worker", Prompt: "p",
		Triggers: []clusterconfig.Trigger{{Topic: message.TopicIssueOpened}},
	}}}
	c, err := o.StartCluster(t.Context(), StartOptions{Config: cfg, Input: Input{Text: "go"}})
	if err != nil {
		t.Fatalf("StartCluster: %v", err)
	}

	ws := &fakeWorkspace{cwd: t.TempDir()}
	c.mu.Lock()
	c.workspace = ws
	c.mu.Unlock()

	if err := o.StopCluster(t.Context(), c.ID()); err != nil {
		t.Fatalf("StopCluster: %v", err)
	}

	stopped, killed := ws.counts()
	if stopped != 1 || killed != 0 {
		t.Errorf("workspace stop/kill = %d/%d, want 1/0 (stop preserves)", stopped, killed)
	}

	reg, err := o.loadRegistry()
	if err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	rec, ok := reg[c.ID()]
	if !ok {
		t.Fatal("stopped cluster must keep its registry entry (resume depends on it)")
	}
	if rec.State != clusterconfig.StateStopped {
		t.Errorf("registry state = %v, want stopped", rec.State)
	}
	if rec.PID != 0 {
		t.Errorf("registry pid = %d, want 0 after stop", rec.PID)
	}
}

// TestKillDeletesWorkspaceAndRegistryEntry: after kill, the workspace
// is deleted and the registry holds no entry for the cluster.
func TestKillDeletesWorkspaceAndRegistryEntry(t *testing.T) {
	o := New(Options{StorageDir: t.TempDir(), Backend: newFakeBackend()})

	cfg := clusterconfig.Config{Agents: []clusterconfig.AgentConfig{{
		ID: "worker", Role: "worker", Prompt: "p",
		Triggers: []clusterconfig.Trigger{{Topic: message.TopicIssueOpened}},
	}}}
	c, err := o.StartCluster(t.Context(), StartOptions{Config: cfg, Input: Input{Text: "go"}})
	if err != nil {
		t.Fatalf("StartCluster: %v", err)
	}

	ws := &fakeWorkspace{cwd: t.TempDir()}
	c.mu.Lock()
	c.workspace = ws
	c.mu.Unlock()

	if err := o.KillCluster(t.Context(), c.ID()); err != nil {
		t.Fatalf("KillCluster: %v", err)
	}

	stopped, killed := ws.counts()
	if killed != 1 || stopped != 0 {
		t.Errorf("workspace stop/kill = %d/%d, want 0/1 (kill deletes)", stopped, killed)
	}

	reg, err := o.loadRegistry()
	if err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	if _, ok := reg[c.ID()]; ok {
		t.Error("killed cluster must be removed from the registry")
	}
	if _, ok := o.cluster(c.ID()); ok {
		t.Error("killed cluster must be dropped from the in-process map")
	}
}

// TestStopAwaitsInitializationBarrier covers the interrupt-during-start
// boundary: a stop issued while the cluster is still
// initializing must block on the barrier instead of racing the initial
// publish (which would leave a zero-message "corrupted" entry behind).
func TestStopAwaitsInitializationBarrier(t *testing.T) {
	o := New(Options{StorageDir: t.TempDir(), Backend: newFakeBackend()})

	l, err := ledger.Open(o.storageDir, "pending")
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	c := &Cluster{
		rec:         clusterconfig.Record{ID: "pending", State: clusterconfig.StateInitializing, CreatedAt: time.Now().UnixMilli()},
		ledger:      l,
		bus:         bus.New(l, bus.Options{}),
		agents:      make(map[string]*agent.Runtime),
		initBarrier: make(chan struct{}),
		owner:       o,
	}
	o.mu.Lock()
	o.clusters["pending"] = c
	o.mu.Unlock()

	stopDone := make(chan error, 1)
	go func() { stopDone <- o.StopCluster(context.Background(), "pending") }()

	select {
	case err := <-stopDone:
		t.Fatalf("StopCluster returned before the barrier was released (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Simulate start finishing: publish the initial message, then
	// release the barrier.
	if _, err := c.bus.Publish(t.Context(), message.Message{Topic: message.TopicIssueOpened}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c.releaseBarrier()

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("StopCluster after barrier release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StopCluster did not complete after the barrier was released")
	}

	if got := c.Record().State; got != clusterconfig.StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	n, err := c.ledger.Count(t.Context())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n < 1 {
		t.Error("a stopped cluster must hold at least its initial message (never zero, never corrupted)")
	}
}

// TestZeroAgentClusterCompletesCleanly covers the zero-agent boundary:
// a cluster with no agents starts fine, does nothing, and an
// immediate CLUSTER_COMPLETE causes a clean stop.
func TestZeroAgentClusterCompletesCleanly(t *testing.T) {
	o := New(Options{StorageDir: t.TempDir(), Backend: newFakeBackend()})

	c, err := o.StartCluster(t.Context(), StartOptions{Config: clusterconfig.Config{}, Input: Input{Text: "noop"}})
	if err != nil {
		t.Fatalf("StartCluster: %v", err)
	}

	if _, err := c.bus.Publish(t.Context(), message.Message{
		Topic:  message.TopicClusterComplete,
		Sender: message.SenderSystem,
	}); err != nil {
		t.Fatalf("Publish CLUSTER_COMPLETE: %v", err)
	}

	waitForClusterState(t, o, c.ID(), clusterconfig.StateStopped, 2*time.Second)
}

// TestStopClusterUnknownID covers the rejection path.
func TestStopClusterUnknownID(t *testing.T) {
	o := New(Options{StorageDir: t.TempDir(), Backend: newFakeBackend()})
	if err := o.StopCluster(t.Context(), "nope"); err == nil {
		t.Fatal("expected an error stopping an unknown cluster")
	}
}

// TestStopIsIdempotent verifies a second stop is a no-op rather than an
// error or a double workspace teardown.
func TestStopIsIdempotent(t *testing.T) {
	o := New(Options{StorageDir: t.TempDir(), Backend: newFakeBackend()})
	c, err := o.StartCluster(t.Context(), StartOptions{Config: clusterconfig.Config{}, Input: Input{Text: "x"}})
	if err != nil {
		t.Fatalf("StartCluster: %v", err)
	}

	ws := &fakeWorkspace{}
	c.mu.Lock()
	c.workspace = ws
	c.mu.Unlock()

	if err := o.StopCluster(t.Context(), c.ID()); err != nil {
		t.Fatalf("first StopCluster: %v", err)
	}
	if err := o.StopCluster(t.Context(), c.ID()); err != nil {
		t.Fatalf("second StopCluster: %v", err)
	}
	if stopped, _ := ws.counts(); stopped != 1 {
		t.Errorf("workspace.Stop called %d times across two stops, want 1", stopped)
	}
}
