package orchestrator

import (
	"context"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/message"
)

// wireClusterSubscriptions subscribes the orchestrator itself to its
// control topics — CLUSTER_COMPLETE, CLUSTER_FAILED,
// CLUSTER_OPERATIONS, AGENT_ERROR, AGENT_LIFECYCLE — before any agent in
// the cluster is started. This must run before startAgent so a
// fast-completing agent can never publish CLUSTER_COMPLETE before the
// orchestrator is listening.
func (o *Orchestrator) wireClusterSubscriptions(c *Cluster) {
	subs := []*struct {
		topic   string
		handler func(message.Message)
	}{
		{message.TopicClusterComplete, func(msg message.Message) { o.handleClusterComplete(c, msg) }},
		{message.TopicClusterFailed, func(msg message.Message) { o.handleClusterFailed(c, msg) }},
		{message.TopicClusterOperations, func(msg message.Message) { o.handleOperationsChain(c, msg) }},
		{message.TopicAgentError, func(msg message.Message) { o.handleAgentErrorMessage(c, msg) }},
	}
	for _, s := range subs {
		sub := c.bus.Subscribe(s.topic)
		handler := s.handler
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for msg := range sub.C() {
				handler(msg)
			}
		}()
	}
}

func (o *Orchestrator) handleClusterComplete(c *Cluster, msg message.Message) {
	o.log.Info("cluster complete", "cluster", c.rec.ID)
	_ = o.StopCluster(context.Background(), c.rec.ID)
}

func (o *Orchestrator) handleClusterFailed(c *Cluster, msg message.Message) {
	reason := ""
	if m, ok := msg.Content.Data.(map[string]any); ok {
		if r, ok := m["reason"].(string); ok {
			reason = r
		}
	}
	o.log.Warn("cluster failed", "cluster", c.rec.ID, "reason", reason)
	c.mu.Lock()
	c.rec.FailureInfo = &clusterconfig.FailureInfo{Reason: reason, Sequence: msg.Sequence}
	c.mu.Unlock()
	_ = o.StopCluster(context.Background(), c.rec.ID)
}

// handleAgentErrorMessage implements the escalation rule:
// an AGENT_ERROR from a non-validator role after max attempts stops the
// cluster with a recorded failureInfo. Validator-role errors are part of
// a feedback loop and never stop the cluster.
func (o *Orchestrator) handleAgentErrorMessage(c *Cluster, msg message.Message) {
	data, _ := msg.Content.Data.(map[string]any)
	role, _ := data["role"].(string)
	terminal, _ := data["terminal"].(bool)
	if role == "validator" || !terminal {
		return
	}

	agentID, _ := data["agentId"].(string)
	attempts, _ := data["attempts"].(float64)
	errMsg, _ := data["error"].(string)

	c.mu.Lock()
	c.rec.FailureInfo = &clusterconfig.FailureInfo{
		AgentID: agentID, Role: role, Reason: errMsg,
		Attempts: int(attempts), Sequence: msg.Sequence,
	}
	c.rec.State = clusterconfig.StateFailed
	c.mu.Unlock()

	o.log.Warn("agent exhausted retries, stopping cluster", "cluster", c.rec.ID, "agent", agentID, "attempts", int(attempts))
	_ = o.StopCluster(context.Background(), c.rec.ID)
}

func (o *Orchestrator) handleHookError(c *Cluster, agentID, role string, err error) {
	o.log.Warn("onComplete hook failed, treating as cluster-affecting failure", "cluster", c.rec.ID, "agent", agentID, "role", role, "err", err)
	if role == "validator" {
		return
	}
	c.mu.Lock()
	c.rec.FailureInfo = &clusterconfig.FailureInfo{AgentID: agentID, Role: role, Reason: err.Error()}
	c.rec.State = clusterconfig.StateFailed
	c.mu.Unlock()
	_ = o.StopCluster(context.Background(), c.rec.ID)
}

func (o *Orchestrator) handleAgentExhausted(c *Cluster, agentID, role string, attempts int) {
	if role == "validator" {
		return
	}
	c.mu.Lock()
	c.rec.FailureInfo = &clusterconfig.FailureInfo{AgentID: agentID, Role: role, Reason: "agent exhausted retries", Attempts: attempts}
	c.rec.State = clusterconfig.StateFailed
	c.mu.Unlock()
	o.log.Warn("agent exhausted, stopping cluster", "cluster", c.rec.ID, "agent", agentID, "attempts", attempts)
	_ = o.StopCluster(context.Background(), c.rec.ID)
}
