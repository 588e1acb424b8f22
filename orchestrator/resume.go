package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeroshot-dev/zeroshot/agent"
	"github.com/zeroshot-dev/zeroshot/bus"
	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/isolation"
	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// ResumeCluster re-enters a cluster that was previously stopped or that
// failed, per the two resume cases. prompt, if non-empty, is
// appended to whatever resume context is synthesized.
func (o *Orchestrator) ResumeCluster(ctx context.Context, id string, prompt string) error {
	c, ok := o.cluster(id)
	if !ok {
		loaded, err := o.reattach(ctx, id)
		if err != nil {
			return err
		}
		c = loaded
	}

	c.mu.Lock()
	state := c.rec.State
	failureInfo := c.rec.FailureInfo
	c.mu.Unlock()

	if err := o.reattachWorkspace(ctx, c); err != nil {
		return err
	}

	switch state {
	case clusterconfig.StateFailed:
		return o.resumeFailed(ctx, c, failureInfo, prompt)
	case clusterconfig.StateStopped, clusterconfig.StateZombie:
		return o.resumeStopped(ctx, c, prompt)
	default:
		return fmt.Errorf("%w: cluster %s is not stopped or failed (state=%s)", zserr.ErrResumeNotPossible, id, state)
	}
}

// reattach reloads a cluster's persisted Record and ledger in a process
// that does not have it live in memory: agent configs are
// reconstructed, not agent processes, and the agentStates snapshot is
// restored for display only. Agent Runtimes are not
// recreated here — resumeFailed/resumeStopped start exactly the agents
// they need.
func (o *Orchestrator) reattach(ctx context.Context, id string) (*Cluster, error) {
	reg, err := o.loadRegistry()
	if err != nil {
		return nil, err
	}
	rec, ok := reg[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown cluster %s", zserr.ErrResumeNotPossible, id)
	}

	l, err := ledger.Open(o.storageDir, id)
	if err != nil {
		return nil, err
	}
	count, err := l.Count(ctx)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	if count == 0 {
		// A loaded cluster with zero messages indicates an interrupt
		// during the initialization barrier window.
		rec.State = clusterconfig.StateCorrupted
	}

	_, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		rec:         rec,
		ledger:      l,
		bus:         bus.New(l, bus.Options{}),
		agents:      make(map[string]*agent.Runtime),
		initBarrier: make(chan struct{}),
		cancel:      cancel,
		owner:       o,
	}
	c.releaseBarrier() // a reattached cluster already published its initial message in a prior process

	o.wireClusterSubscriptions(c)

	o.mu.Lock()
	o.clusters[id] = c
	o.mu.Unlock()

	return c, nil
}

func (o *Orchestrator) reattachWorkspace(ctx context.Context, c *Cluster) error {
	if c.workspace != nil {
		return nil
	}
	c.mu.Lock()
	iso := c.rec.Isolation
	wt := c.rec.Worktree
	c.mu.Unlock()

	switch {
	case iso != nil && iso.Enabled:
		ws := &isolation.ContainerWorkspace{ClusterID: c.rec.ID, SourceDir: o.sourceDir, ScratchDir: o.scratchDir, BackupDir: o.tfstateBackupDir}
		if err := ws.Resume(ctx, iso.WorkDir); err != nil {
			return err
		}
		c.workspace = ws
		return nil
	case wt != nil && wt.Enabled:
		ws := &isolation.WorktreeWorkspace{ClusterID: c.rec.ID, RepoRoot: o.sourceDir, ScratchDir: o.scratchDir, BackupDir: o.tfstateBackupDir}
		if err := ws.Resume(ctx, wt.Path, wt.Branch); err != nil {
			return err
		}
		c.workspace = ws
		return nil
	default:
		return nil
	}
}

// resumeContextMessages bounds how many recent AGENT_OUTPUT and
// VALIDATION_RESULT messages are folded into a failed agent's resume
// context.
const resumeContextMessages = 10

// resumeFailed implements the failed-cluster resume case:
// locate the failed agent via failureInfo (or, absent that, the
// earliest AGENT_ERROR in the ledger), build a resume context from
// recent AGENT_OUTPUT/VALIDATION_RESULT messages, and re-enter that
// agent with an explicit "you previously failed" preamble.
func (o *Orchestrator) resumeFailed(ctx context.Context, c *Cluster, info *clusterconfig.FailureInfo, prompt string) error {
	agentID := ""
	reason := ""
	if info != nil {
		agentID = info.AgentID
		reason = info.Reason
	}
	if agentID == "" {
		msgs, err := c.ledger.Query(ctx, ledger.QueryOpts{Topic: message.TopicAgentError})
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("%w: no failureInfo and no AGENT_ERROR in ledger for cluster %s", zserr.ErrResumeNotPossible, c.rec.ID)
		}
		if data, ok := msgs[0].Content.Data.(map[string]any); ok {
			agentID, _ = data["agentId"].(string)
			reason, _ = data["error"].(string)
		}
	}
	if agentID == "" {
		return fmt.Errorf("%w: could not determine failed agent for cluster %s", zserr.ErrResumeNotPossible, c.rec.ID)
	}

	ac, ok := c.rec.Config.AgentByID(agentID)
	if !ok {
		return fmt.Errorf("%w: failed agent %s no longer in config", zserr.ErrResumeNotPossible, agentID)
	}

	o.startAgent(c, ac)

	c.mu.Lock()
	c.rec.State = clusterconfig.StateRunning
	c.rec.FailureInfo = nil
	rt := c.agents[agentID]
	c.mu.Unlock()

	preamble := fmt.Sprintf("you previously failed: %s", reason)
	if ctxText := o.recentResumeContext(ctx, c); ctxText != "" {
		preamble += "\n\nrecent activity:\n" + ctxText
	}
	if prompt != "" {
		preamble += "\n" + prompt
	}
	resumeMsg := message.Message{Topic: message.TopicAgentError, Sender: message.SenderOrchestrator, Content: message.Content{Text: prompt}}
	rt.Resume(ctx, resumeMsg, preamble)

	return o.persist(c)
}

// resumeStopped implements the cleanly-stopped resume case:
// locate the most recent workflow-trigger message and
// re-trigger agents whose configured triggers (including predicate
// scripts) match it.
func (o *Orchestrator) resumeStopped(ctx context.Context, c *Cluster, prompt string) error {
	var trigger *message.Message
	for topic := range message.WorkflowTriggerTopics {
		m, ok, err := c.ledger.FindLast(ctx, topic)
		if err != nil {
			return err
		}
		if ok && (trigger == nil || m.Sequence > trigger.Sequence) {
			found := m
			trigger = &found
		}
	}

	for _, ac := range c.rec.Config.Agents {
		o.startAgent(c, ac)
	}

	c.mu.Lock()
	c.rec.State = clusterconfig.StateRunning
	c.mu.Unlock()

	if trigger == nil {
		root, ok, err := c.ledger.FindLast(ctx, message.TopicIssueOpened)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no workflow trigger in ledger for cluster %s", zserr.ErrResumeNotPossible, c.rec.ID)
		}
		// Republish as a fresh message: the ledger's id column is unique,
		// so the copy read back from it must not carry the old id/sequence.
		root.ID = ""
		root.Sequence = 0
		root.Metadata = mergeResumeMeta(root.Metadata)
		if _, err := c.bus.Publish(ctx, root); err != nil {
			return err
		}
		return o.persist(c)
	}

	trigger.ID = ""
	trigger.Sequence = 0
	trigger.Metadata = mergeResumeMeta(trigger.Metadata)
	if prompt != "" {
		trigger.Content.Text += "\n" + prompt
	}
	if _, err := c.bus.Publish(ctx, *trigger); err != nil {
		return err
	}
	return o.persist(c)
}

// recentResumeContext collects the last resumeContextMessages entries
// across AGENT_OUTPUT and VALIDATION_RESULT, merged in sequence order,
// and renders them as plain lines for a resume preamble.
func (o *Orchestrator) recentResumeContext(ctx context.Context, c *Cluster) string {
	outputs, err := c.ledger.Query(ctx, ledger.QueryOpts{Topic: message.TopicAgentOutput})
	if err != nil {
		return ""
	}
	validations, err := c.ledger.Query(ctx, ledger.QueryOpts{Topic: message.TopicValidationResult})
	if err != nil {
		return ""
	}
	merged := append(outputs, validations...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Sequence < merged[j].Sequence })
	if len(merged) > resumeContextMessages {
		merged = merged[len(merged)-resumeContextMessages:]
	}

	var b strings.Builder
	for _, m := range merged {
		text := m.Content.Text
		if text == "" {
			if data, err := json.Marshal(m.Content.Data); err == nil {
				text = string(data)
			}
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Topic, m.Sender, text)
	}
	return b.String()
}

func mergeResumeMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["_resumed"] = true
	return out
}
