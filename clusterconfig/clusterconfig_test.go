package clusterconfig

import "testing"

func TestConfigValidateDuplicateID(t *testing.T) {
	c := Config{Agents: []AgentConfig{
		{ID: "a", Role: "worker", Prompt: "do work"},
		{ID: "a", Role: "validator", Prompt: "check work"},
	}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestConfigValidateMissingPrompt(t *testing.T) {
	c := Config{Agents: []AgentConfig{{ID: "a", Role: "worker"}}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected missing prompt error")
	}
}

func TestConfigValidateSubclusterRequiresTemplate(t *testing.T) {
	c := Config{Agents: []AgentConfig{
		{ID: "sub", Role: "subcluster", Prompt: "delegate", Type: AgentTypeSubcluster},
	}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected subclusterTemplate error")
	}
}

func TestConfigValidateOK(t *testing.T) {
	c := Config{Agents: []AgentConfig{
		{ID: "a", Role: "worker", Prompt: "do work", Triggers: []Trigger{{Topic: "ISSUE_OPENED"}}},
	}}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithAgentSkipsDuplicate(t *testing.T) {
	c := Config{Agents: []AgentConfig{{ID: "a", Role: "worker", Prompt: "p"}}}
	out := c.WithAgent(AgentConfig{ID: "a", Role: "other", Prompt: "q"})
	if len(out.Agents) != 1 {
		t.Fatalf("got %d agents, want 1", len(out.Agents))
	}
	if out.Agents[0].Role != "worker" {
		t.Errorf("Role = %q, want worker (original preserved)", out.Agents[0].Role)
	}
}

func TestWithoutAgents(t *testing.T) {
	c := Config{Agents: []AgentConfig{
		{ID: "a", Role: "worker", Prompt: "p"},
		{ID: "b", Role: "validator", Prompt: "q"},
	}}
	out := c.WithoutAgents([]string{"a"})
	if len(out.Agents) != 1 || out.Agents[0].ID != "b" {
		t.Fatalf("got %+v, want only agent b", out.Agents)
	}
}

func TestWithAgentUpdatedMerge(t *testing.T) {
	c := Config{Agents: []AgentConfig{{ID: "a", Role: "worker", Prompt: "p", Model: "fast"}}}
	out, err := c.WithAgentUpdated("a", map[string]any{"model": "strong", "maxTokens": float64(4096)})
	if err != nil {
		t.Fatalf("WithAgentUpdated: %v", err)
	}
	a, _ := out.AgentByID("a")
	if a.Model != "strong" {
		t.Errorf("Model = %q, want strong", a.Model)
	}
	if a.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", a.MaxTokens)
	}
	if a.Prompt != "p" {
		t.Errorf("Prompt = %q, want unchanged p", a.Prompt)
	}
}

func TestWithAgentUpdatedUnknownID(t *testing.T) {
	c := Config{Agents: []AgentConfig{{ID: "a", Role: "worker", Prompt: "p"}}}
	if _, err := c.WithAgentUpdated("missing", map[string]any{"model": "x"}); err == nil {
		t.Fatal("expected error for unknown agent id")
	}
}
