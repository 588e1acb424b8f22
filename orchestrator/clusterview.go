package orchestrator

import (
	"github.com/zeroshot-dev/zeroshot/sandbox"
)

// Agents implements sandbox.ClusterView, exposed to trigger/transform
// scripts as `cluster.getAgents()`.
func (c *Cluster) Agents() []sandbox.AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sandbox.AgentInfo, 0, len(c.agents))
	for _, a := range c.agents {
		st := a.State()
		out = append(out, sandbox.AgentInfo{ID: a.ID(), Role: a.Role(), State: string(st.State)})
	}
	return out
}

// AgentsByRole implements sandbox.ClusterView's
// `cluster.getAgentsByRole(role)`.
func (c *Cluster) AgentsByRole(role string) []sandbox.AgentInfo {
	all := c.Agents()
	out := all[:0]
	for _, info := range all {
		if info.Role == role {
			out = append(out, info)
		}
	}
	return out
}
