package orchestrator

import (
	"context"
	"fmt"

	"github.com/zeroshot-dev/zeroshot/agent"
	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// Cluster implements agent.Starter so a subcluster agent's "task
// execution" can recursively start a nested cluster through the same
// Orchestrator that owns the parent.

// StartChild resolves template with params and starts it as a new
// cluster owned by the same orchestrator, returning the child's id.
func (c *Cluster) StartChild(ctx context.Context, tplName string, params map[string]any, input agent.ChildInput) (string, error) {
	if c.owner.templates == nil {
		return "", fmt.Errorf("%w: no template registry configured for subcluster start", zserr.ErrTemplate)
	}
	cfg, err := c.owner.templates.Resolve(tplName, params)
	if err != nil {
		return "", err
	}
	child, err := c.owner.StartCluster(ctx, StartOptions{
		Config: cfg,
		Input:  Input{Issue: input.Issue, Text: input.Text, BMAD: input.BMAD},
	})
	if err != nil {
		return "", err
	}
	return child.ID(), nil
}

// AwaitChild blocks until the child cluster publishes CLUSTER_COMPLETE
// or CLUSTER_FAILED, returning the corresponding outcome.
func (c *Cluster) AwaitChild(ctx context.Context, clusterID string) (agent.ChildOutcome, error) {
	child, ok := c.owner.cluster(clusterID)
	if !ok {
		return agent.ChildOutcome{}, fmt.Errorf("%w: unknown child cluster %s", zserr.ErrChildSpawn, clusterID)
	}

	completeSub := child.bus.Subscribe(message.TopicClusterComplete)
	failedSub := child.bus.Subscribe(message.TopicClusterFailed)
	defer completeSub.Unsubscribe()
	defer failedSub.Unsubscribe()

	// The child has been running since StartChild returned; a fast child
	// may already have published its terminal message before the
	// subscriptions above existed. The ledger holds it either way.
	if m, ok, err := child.ledger.FindLast(ctx, message.TopicClusterComplete); err == nil && ok {
		return agent.ChildOutcome{Success: true, Output: m.Content.Data}, nil
	}
	if m, ok, err := child.ledger.FindLast(ctx, message.TopicClusterFailed); err == nil && ok {
		reason := ""
		if d, ok := m.Content.Data.(map[string]any); ok {
			reason, _ = d["reason"].(string)
		}
		return agent.ChildOutcome{Success: false, Error: reason}, nil
	}

	select {
	case msg := <-completeSub.C():
		return agent.ChildOutcome{Success: true, Output: msg.Content.Data}, nil
	case msg := <-failedSub.C():
		reason := ""
		if m, ok := msg.Content.Data.(map[string]any); ok {
			if r, ok := m["reason"].(string); ok {
				reason = r
			}
		}
		return agent.ChildOutcome{Success: false, Error: reason}, nil
	case <-ctx.Done():
		return agent.ChildOutcome{}, fmt.Errorf("%w: await child %s: %v", zserr.ErrChildTimeout, clusterID, ctx.Err())
	}
}

// StopChild gracefully stops the nested cluster.
func (c *Cluster) StopChild(ctx context.Context, clusterID string) error {
	return c.owner.StopCluster(ctx, clusterID)
}

// KillChild tears down the nested cluster entirely.
func (c *Cluster) KillChild(ctx context.Context, clusterID string) error {
	return c.owner.KillCluster(ctx, clusterID)
}
