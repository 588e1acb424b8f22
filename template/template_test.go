package template

import (
	"reflect"
	"testing"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
)

func TestResolveMissingRequiredParams(t *testing.T) {
	tpl := Template{
		Name:           "needs-param",
		RequiredParams: []string{"model"},
		Agents:         []AgentTemplate{{ID: "w", Role: "worker", Prompt: "do {{model}} work"}},
	}
	if _, err := Resolve(tpl, nil); err == nil {
		t.Fatal("expected missing params error")
	}
}

func TestResolveSubstitutesParams(t *testing.T) {
	tpl := Template{
		Name:           "simple",
		RequiredParams: []string{"model"},
		Agents:         []AgentTemplate{{ID: "w", Role: "worker", Model: "{{model}}", Prompt: "use {{model}}"}},
	}
	cfg, err := Resolve(tpl, map[string]any{"model": "opus"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(cfg.Agents) != 1 {
		t.Fatalf("got %d agents, want 1", len(cfg.Agents))
	}
	if cfg.Agents[0].Model != "opus" {
		t.Errorf("Model = %q, want opus", cfg.Agents[0].Model)
	}
	if cfg.Agents[0].Prompt != "use opus" {
		t.Errorf("Prompt = %q, want %q", cfg.Agents[0].Prompt, "use opus")
	}
}

func TestResolveExpandsRepeat(t *testing.T) {
	tpl := Template{
		Name:           "expand",
		RequiredParams: []string{"validator_count"},
		Agents: []AgentTemplate{
			{ID: "validator", Role: "validator", Repeat: "validator_count", Prompt: "review #{{ordinal}}"},
		},
	}
	cfg, err := Resolve(tpl, map[string]any{"validator_count": 3})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(cfg.Agents) != 3 {
		t.Fatalf("got %d agents, want 3", len(cfg.Agents))
	}
	wantIDs := []string{"validator-1", "validator-2", "validator-3"}
	for i, a := range cfg.Agents {
		if a.ID != wantIDs[i] {
			t.Errorf("agent %d id = %q, want %q", i, a.ID, wantIDs[i])
		}
	}
	if cfg.Agents[1].Prompt != "review #2" {
		t.Errorf("Prompt = %q, want %q", cfg.Agents[1].Prompt, "review #2")
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	tpl := Template{
		Name:           "det",
		RequiredParams: []string{"model"},
		Agents:         []AgentTemplate{{ID: "w", Role: "worker", Model: "{{model}}", Prompt: "p"}},
	}
	params := map[string]any{"model": "sonnet"}
	a, err := Resolve(tpl, params)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := Resolve(tpl, params)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(a.Agents[0], b.Agents[0]) {
		t.Errorf("resolution not deterministic: %+v vs %+v", a.Agents[0], b.Agents[0])
	}
}

func TestResolvePreservesFeedbackLoopTrigger(t *testing.T) {
	tpl := Template{
		Name: "feedback",
		Agents: []AgentTemplate{{
			ID:     "worker",
			Role:   "worker",
			Prompt: "p",
			Triggers: []clusterconfig.Trigger{
				{Topic: "VALIDATION_RESULT", Logic: &clusterconfig.Logic{Script: "context.message.content.data.approved === false"}},
			},
		}},
	}
	cfg, err := Resolve(tpl, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	trig := cfg.Agents[0].Triggers[0]
	if trig.Topic != "VALIDATION_RESULT" || trig.Logic == nil || trig.Logic.Script == "" {
		t.Errorf("feedback trigger not preserved: %+v", trig)
	}
}
