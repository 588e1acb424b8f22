package clusterconfig

import (
	"fmt"
)

// Validate checks structural consistency of a resolved Config: unique
// agent ids, every trigger topic non-empty, subcluster agents carrying
// a template name. It is run after template resolution and again, on
// the hypothetical post-chain agent set, before a CLUSTER_OPERATIONS
// chain is allowed to execute.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent config missing id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if err := a.Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", a.ID, err)
		}
	}
	return nil
}

// Validate checks a single agent's required fields.
func (a AgentConfig) Validate() error {
	if a.Role == "" {
		return fmt.Errorf("role is required")
	}
	if a.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	for _, trig := range a.Triggers {
		if err := trig.Validate(); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	}
	if a.Type == AgentTypeSubcluster && a.SubclusterTemplate == "" {
		return fmt.Errorf("subcluster agent requires subclusterTemplate")
	}
	return nil
}

// Validate checks a trigger's topic pattern is present.
func (t Trigger) Validate() error {
	if t.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if t.Logic != nil && t.Logic.Script == "" {
		return fmt.Errorf("logic.script is required when logic is present")
	}
	return nil
}

// AgentByID returns the agent with the given id, or ok=false.
func (c Config) AgentByID(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// WithAgent returns a copy of c with agent appended, or c unchanged if
// an agent with the same id already exists.
func (c Config) WithAgent(agent AgentConfig) Config {
	if _, ok := c.AgentByID(agent.ID); ok {
		return c
	}
	out := c.Clone()
	out.Agents = append(out.Agents, agent)
	return out
}

// WithoutAgents returns a copy of c with the given agent ids removed.
func (c Config) WithoutAgents(ids []string) Config {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := Config{Agents: make([]AgentConfig, 0, len(c.Agents))}
	for _, a := range c.Agents {
		if !drop[a.ID] {
			out.Agents = append(out.Agents, a)
		}
	}
	return out
}

// WithAgentUpdated returns a copy of c with the named agent's fields
// shallow-merged from updates (the update_agent operation).
// Unknown fields in updates are ignored; recognized keys: "prompt",
// "model", "cwd", "maxTokens".
func (c Config) WithAgentUpdated(id string, updates map[string]any) (Config, error) {
	out := c.Clone()
	for i := range out.Agents {
		if out.Agents[i].ID != id {
			continue
		}
		if v, ok := updates["prompt"].(string); ok {
			out.Agents[i].Prompt = v
		}
		if v, ok := updates["model"].(string); ok {
			out.Agents[i].Model = v
		}
		if v, ok := updates["cwd"].(string); ok {
			out.Agents[i].CWD = v
		}
		if v, ok := updates["maxTokens"].(float64); ok {
			out.Agents[i].MaxTokens = int(v)
		}
		return out, nil
	}
	return c, fmt.Errorf("update_agent: unknown agent id %q", id)
}
