package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/zeroshot-dev/zeroshot/agent"
	"github.com/zeroshot-dev/zeroshot/bus"
	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/isolation"
	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// Input is the accepted shape for a cluster start: exactly one of
// Issue, Text, or BMAD is set. Resolution of Issue/BMAD into prompt
// text is an external
// collaborator's job (issue fetching, BMAD parsing); by the time Input
// reaches StartCluster, Text is expected to already hold the resolved
// task description, with Issue/BMAD preserved only as provenance data.
type Input struct {
	Issue string
	Text  string
	BMAD  string
	Data  map[string]any // identifier/title, when available
}

// IsolationMode selects how StartCluster prepares the cluster's
// workspace.
type IsolationMode string

const (
	IsolationNone      IsolationMode = ""
	IsolationContainer IsolationMode = "container"
	IsolationWorktree  IsolationMode = "worktree"
)

// StartOptions configures StartCluster.
type StartOptions struct {
	ClusterID string // empty: generated
	Config    clusterconfig.Config
	Input     Input
	Isolation IsolationMode
}

// StartCluster creates a new cluster and brings it to the running
// state, following a strict ordering invariant:
// subscriptions are wired before agents start, and agents start before
// the initial input message is published, so a fast-completing agent's
// CLUSTER_COMPLETE can never be missed.
func (o *Orchestrator) StartCluster(ctx context.Context, opts StartOptions) (*Cluster, error) {
	opts.Config = applyEnvOverrides(opts.Config)
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", zserr.ErrOperationValidation, err)
	}

	id := opts.ClusterID
	if id == "" {
		id = clusterIDFromEnv()
	}
	if id == "" {
		id = newClusterID()
	}

	l, err := ledger.Open(o.storageDir, id)
	if err != nil {
		return nil, err
	}
	b := bus.New(l, bus.Options{})

	clusterCtx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		rec: clusterconfig.Record{
			ID:        id,
			Config:    opts.Config,
			State:     clusterconfig.StateInitializing,
			CreatedAt: time.Now().UnixMilli(),
		},
		ledger:      l,
		bus:         b,
		agents:      make(map[string]*agent.Runtime),
		initBarrier: make(chan struct{}),
		cancel:      cancel,
		owner:       o,
	}

	workspace, err := o.prepareWorkspace(clusterCtx, id, opts.Isolation)
	if err != nil {
		cancel()
		_ = l.Close()
		return nil, err
	}
	c.workspace = workspace
	c.applyWorkspaceRecord()

	o.mu.Lock()
	o.clusters[id] = c
	o.mu.Unlock()

	// Step 5: wire every orchestrator-level subscription before any
	// agent starts.
	o.wireClusterSubscriptions(c)

	// Step 4+6: instantiate and start agents, injected with the
	// workspace's CWD.
	cwd := ""
	if workspace != nil {
		cwd = workspace.CWD()
	}
	for _, ac := range opts.Config.Agents {
		if ac.CWD == "" {
			ac.CWD = cwd
		}
		o.startAgent(c, ac)
	}

	// Step 7: publish the initial input message.
	initialMsg := inputMessage(opts.Input)
	if _, err := c.bus.Publish(clusterCtx, initialMsg); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: publish initial message: %v", zserr.ErrStorage, err)
	}

	// Step 8: resolve the initialization barrier.
	c.releaseBarrier()

	c.mu.Lock()
	c.rec.State = clusterconfig.StateRunning
	c.mu.Unlock()

	// Step 9: persist the registry.
	if err := o.persist(c); err != nil {
		return nil, err
	}

	return c, nil
}

func (o *Orchestrator) prepareWorkspace(ctx context.Context, clusterID string, mode IsolationMode) (isolation.Workspace, error) {
	switch mode {
	case IsolationNone:
		return nil, nil
	case IsolationContainer:
		mounts, err := isolation.ResolveHostMounts(o.dockerMounts)
		if err != nil {
			return nil, err
		}
		ws := &isolation.ContainerWorkspace{
			ClusterID:  clusterID,
			SourceDir:  o.sourceDir,
			ScratchDir: o.scratchDir,
			BackupDir:  o.tfstateBackupDir,
			Mounts:     mounts,
		}
		if err := ws.Prepare(ctx); err != nil {
			return nil, err
		}
		return ws, nil
	case IsolationWorktree:
		ws := &isolation.WorktreeWorkspace{
			ClusterID:  clusterID,
			RepoRoot:   o.sourceDir,
			ScratchDir: o.scratchDir,
			BackupDir:  o.tfstateBackupDir,
		}
		if err := ws.Prepare(ctx); err != nil {
			return nil, err
		}
		return ws, nil
	default:
		return nil, fmt.Errorf("%w: unknown isolation mode %q", zserr.ErrIsolation, mode)
	}
}

// applyWorkspaceRecord snapshots the workspace's Record() into the
// cluster's persisted IsolationInfo/WorktreeInfo field, whichever type
// it returns.
func (c *Cluster) applyWorkspaceRecord() {
	if c.workspace == nil {
		return
	}
	switch rec := c.workspace.Record().(type) {
	case *clusterconfig.IsolationInfo:
		c.rec.Isolation = rec
	case *clusterconfig.WorktreeInfo:
		c.rec.Worktree = rec
	}
}

// startAgent constructs and starts one agent.Runtime, wiring it to the
// cluster's bus/ledger/view and the orchestrator's escalation callbacks.
func (o *Orchestrator) startAgent(c *Cluster, ac clusterconfig.AgentConfig) {
	var backend agent.Backend
	if ac.Type == clusterconfig.AgentTypeSubcluster {
		backend = agent.SubclusterBackend{Starter: c, Template: ac.SubclusterTemplate, Params: ac.SubclusterParams}
	} else {
		backend = o.backend
	}

	rt := agent.New(ac, agent.Deps{
		ClusterID:   c.rec.ID,
		CreatedAt:   c.rec.CreatedAt,
		Bus:         c.bus,
		Ledger:      c.ledger,
		ClusterView: c,
		Backend:     backend,
		Retry:       o.retry,
		Logger:      o.log,
		OnHookError: func(agentID, role string, err error) {
			o.handleHookError(c, agentID, role, err)
		},
		OnExhausted: func(agentID, role string, attempts int) {
			o.handleAgentExhausted(c, agentID, role, attempts)
		},
	})

	c.mu.Lock()
	c.agents[ac.ID] = rt
	c.mu.Unlock()

	rt.Start(context.Background())
}

// inputMessage builds the single initial message StartCluster
// publishes: typically ISSUE_OPENED, with content.text
// holding the resolved task and content.data carrying identifiers.
func inputMessage(in Input) message.Message {
	topic := message.TopicIssueOpened
	text := in.Text
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}
	switch {
	case in.Issue != "":
		data["issue"] = in.Issue
	case in.BMAD != "":
		data["bmad"] = in.BMAD
	}
	return message.Message{
		Topic:    topic,
		Sender:   message.SenderOrchestrator,
		Receiver: message.ReceiverBroadcast,
		Content:  message.Content{Text: text, Data: data},
	}
}

func (o *Orchestrator) persist(c *Cluster) error {
	rec := c.Record()
	return o.saveOwned(map[string]*clusterconfig.Record{rec.ID: &rec}, nil)
}
