package orchestrator

import (
	"context"
	"fmt"

	"github.com/zeroshot-dev/zeroshot/agent"
	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// StopCluster awaits the initialization barrier, then signals every
// agent to cease accepting new
// triggers and terminate in-flight child processes gracefully,
// escalating to force-kill after stopGraceDeadline. The workspace and
// its container (if any) are *preserved*, not deleted, so Resume can
// re-enter the same state.
func (o *Orchestrator) StopCluster(ctx context.Context, id string) error {
	c, ok := o.cluster(id)
	if !ok {
		return fmt.Errorf("%w: unknown cluster %s", zserr.ErrStorage, id)
	}

	barrierCtx, cancel := timeoutCtx(initBarrierTimeout)
	defer cancel()
	if err := c.awaitBarrier(barrierCtx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.rec.State == clusterconfig.StateStopped || c.rec.State == clusterconfig.StateKilled {
		c.mu.Unlock()
		return nil
	}
	// wasFailed is captured before the transient StateStopping mark so
	// the final state below can restore it: a cluster that stops because
	// an agent exhausted its retries must persist as failed, not as a clean stop.
	wasFailed := c.rec.State == clusterconfig.StateFailed
	if !wasFailed {
		c.rec.State = clusterconfig.StateStopping
	}
	agents := make([]*agent.Runtime, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.Unlock()

	for _, a := range agents {
		a.Stop(stopGraceDeadline)
	}

	if c.workspace != nil {
		if err := c.workspace.Stop(ctx); err != nil {
			o.log.Warn("workspace stop failed", "cluster", id, "err", err)
		}
	}

	c.mu.Lock()
	if !wasFailed {
		c.rec.State = clusterconfig.StateStopped
	}
	c.rec.PID = 0
	c.mu.Unlock()

	return o.persist(c)
}

// KillCluster bypasses graceful shutdown, force-terminates every agent's
// child process immediately, deletes the workspace and container
// entirely, closes the ledger, and removes the cluster's registry entry
// (a killed cluster cannot be resumed).
func (o *Orchestrator) KillCluster(ctx context.Context, id string) error {
	c, ok := o.cluster(id)
	if !ok {
		return fmt.Errorf("%w: unknown cluster %s", zserr.ErrStorage, id)
	}

	c.mu.Lock()
	c.rec.State = clusterconfig.StateKilled
	agents := make([]*agent.Runtime, 0, len(c.agents))
	for _, a := range c.agents {
		agents = append(agents, a)
	}
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	for _, a := range agents {
		a.Stop(0)
	}

	if c.workspace != nil {
		if err := c.workspace.Kill(ctx); err != nil {
			o.log.Warn("workspace kill failed", "cluster", id, "err", err)
		}
	}
	if err := c.ledger.Close(); err != nil {
		o.log.Warn("ledger close failed", "cluster", id, "err", err)
	}

	o.mu.Lock()
	delete(o.clusters, id)
	o.mu.Unlock()

	return o.saveOwned(nil, map[string]bool{id: true})
}
