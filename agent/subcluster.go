package agent

import (
	"context"
	"fmt"

	"github.com/zeroshot-dev/zeroshot/agent/events"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// ChildInput is the input shape for starting a nested cluster, mirroring
// the "Input shape for a cluster start".
type ChildInput struct {
	Issue string
	Text  string
	BMAD  string
}

// ChildOutcome is the terminal result of a nested cluster's run.
type ChildOutcome struct {
	Success bool
	Output  any
	Error   string
}

// Starter is the small interface a subcluster agent needs from its
// owning orchestrator: start a nested cluster and await its terminal
// outcome. It is deliberately narrower than the full orchestrator type,
// for testability and decoupling as much as for avoiding the
// agent -> orchestrator -> agent import cycle.
type Starter interface {
	StartChild(ctx context.Context, template string, params map[string]any, input ChildInput) (clusterID string, err error)
	AwaitChild(ctx context.Context, clusterID string) (ChildOutcome, error)
	StopChild(ctx context.Context, clusterID string) error
	KillChild(ctx context.Context, clusterID string) error
}

// SubclusterBackend implements Backend by delegating "task execution"
// to a nested orchestrator instance. One
// SubclusterBackend is constructed per subcluster agent, with its
// template/params baked in from clusterconfig.AgentConfig.
type SubclusterBackend struct {
	Starter  Starter
	Template string
	Params   map[string]any
}

type subclusterSession struct {
	starter   Starter
	clusterID string
	evCh      chan events.Event
	done      chan struct{}
	waitErr   error
}

// Start launches the nested cluster and returns a Session whose single
// terminal event mirrors the child's CLUSTER_COMPLETE/CLUSTER_FAILED
// outcome — the subcluster agent gets no finer-grained streaming than
// that, since the nested orchestrator's own bus already carries the
// full blow-by-blow for anyone tailing it directly. Awaiting the child
// starts immediately in the background so Events() and Wait() can be
// driven concurrently by the caller, same as execSession.
func (b SubclusterBackend) Start(ctx context.Context, opts Options) (Session, error) {
	id, err := b.Starter.StartChild(ctx, b.Template, b.Params, ChildInput{Text: opts.Prompt})
	if err != nil {
		return nil, fmt.Errorf("%w: start subcluster: %v", zserr.ErrChildSpawn, err)
	}
	s := &subclusterSession{starter: b.Starter, clusterID: id, evCh: make(chan events.Event, 1), done: make(chan struct{})}
	go s.awaitAndClose()
	return s, nil
}

func (s *subclusterSession) awaitAndClose() {
	defer close(s.done)
	defer close(s.evCh)
	outcome, err := s.starter.AwaitChild(context.Background(), s.clusterID)
	if err != nil {
		s.waitErr = fmt.Errorf("%w: await subcluster %s: %v", zserr.ErrChildSpawn, s.clusterID, err)
		return
	}
	s.evCh <- events.Event{Kind: events.KindResult, Success: outcome.Success, Output: outcome.Output, Error: outcome.Error}
	if !outcome.Success {
		s.waitErr = fmt.Errorf("%w: subcluster %s failed: %s", zserr.ErrChildSpawn, s.clusterID, outcome.Error)
	}
}

func (s *subclusterSession) Events() <-chan events.Event { return s.evCh }

func (s *subclusterSession) Wait() error {
	<-s.done
	return s.waitErr
}

func (s *subclusterSession) Signal() error {
	return s.starter.StopChild(context.Background(), s.clusterID)
}

func (s *subclusterSession) Kill() error {
	return s.starter.KillChild(context.Background(), s.clusterID)
}

// PID returns 0: a subcluster agent has no local child process of its
// own to sample — the nested orchestrator's own agents have theirs.
func (s *subclusterSession) PID() int { return 0 }
