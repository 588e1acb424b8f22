package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zeroshot-dev/zeroshot/agent"
	"github.com/zeroshot-dev/zeroshot/agent/events"
	"github.com/zeroshot-dev/zeroshot/clusterconfig"
)

// scriptedRun is one queued response for fakeBackend.Start: the events a
// child process would have streamed, plus the error its Wait would
// return (nil on success).
type scriptedRun struct {
	events []events.Event
	err    error
}

// fakeBackend is a test double for agent.Backend: instead of spawning
// a real process, it hands
// back a scripted sequence of events, consumed FIFO across every Start
// call. A queue drained without a matching scriptedRun falls back to a
// single successful empty "result" event, so agents the test doesn't
// care about still complete instead of hanging.
type fakeBackend struct {
	mu      sync.Mutex
	queue   []scriptedRun
	started []agent.Options
}

func newFakeBackend(runs ...scriptedRun) *fakeBackend {
	return &fakeBackend{queue: runs}
}

func (b *fakeBackend) Start(ctx context.Context, opts agent.Options) (agent.Session, error) {
	b.mu.Lock()
	b.started = append(b.started, opts)
	var run scriptedRun
	if len(b.queue) > 0 {
		run = b.queue[0]
		b.queue = b.queue[1:]
	} else {
		run = scriptedRun{events: []events.Event{{Kind: events.KindResult, Success: true, Output: map[string]any{}}}}
	}
	b.mu.Unlock()

	ch := make(chan events.Event, len(run.events))
	for _, ev := range run.events {
		ch <- ev
	}
	close(ch)
	return &fakeSession{ch: ch, err: run.err}, nil
}

func (b *fakeBackend) startedCommands() []agent.Options {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]agent.Options, len(b.started))
	copy(out, b.started)
	return out
}

// fakeSession is the agent.Session fakeBackend hands back: its event
// channel is already fully populated and closed, and Wait returns
// immediately with whatever error the scriptedRun carried.
type fakeSession struct {
	ch  chan events.Event
	err error
}

func (s *fakeSession) Events() <-chan events.Event { return s.ch }
func (s *fakeSession) Wait() error                 { return s.err }
func (s *fakeSession) Signal() error               { return nil }
func (s *fakeSession) Kill() error                 { return nil }
func (s *fakeSession) PID() int                    { return 0 }

// resultEvent is a convenience scriptedRun for an agent that succeeds
// once and produces output.
func resultEvent(output any) scriptedRun {
	return scriptedRun{events: []events.Event{{Kind: events.KindResult, Success: true, Output: output}}}
}

// failureEvent is a convenience scriptedRun for an agent whose child
// process exits non-zero every attempt (so retries exhaust immediately
// in tests that set Retry.MaxAttempts: 1).
func failureEvent(reason string) scriptedRun {
	return scriptedRun{events: []events.Event{{Kind: events.KindResult, Success: false, Error: reason}}}
}

// waitForClusterState polls the cluster's live record until it reaches
// want or the timeout elapses, failing the test otherwise. Scenario
// tests exercise goroutine-driven state transitions (trigger ->
// executeTask -> hook -> bus subscriber), so there is no single call to
// block on.
func waitForClusterState(t *testing.T, o *Orchestrator, id string, want clusterconfig.State, timeout time.Duration) clusterconfig.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last clusterconfig.Record
	for time.Now().Before(deadline) {
		if c, ok := o.cluster(id); ok {
			last = c.Record()
			if last.State == want {
				return last
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("cluster %s: state = %v, want %v (timed out)", id, last.State, want)
	return clusterconfig.Record{}
}
