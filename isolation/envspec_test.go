package isolation

import (
	"reflect"
	"testing"
)

func TestResolveEnvForcedBypassesHost(t *testing.T) {
	t.Setenv("EDITOR", "vim")
	got := ResolveEnv([]EnvSpec{{Forced: "EDITOR=nano"}})
	want := []string{"EDITOR=nano"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ResolveEnv = %v, want %v", got, want)
	}
}

func TestResolveEnvGlobMatchesHostVars(t *testing.T) {
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("AWS_PROFILE", "default")
	t.Setenv("UNRELATED", "x")

	got := ResolveEnv([]EnvSpec{{Pattern: "AWS_*"}})
	m := map[string]bool{}
	for _, kv := range got {
		m[kv] = true
	}
	if !m["AWS_REGION=us-east-1"] || !m["AWS_PROFILE=default"] {
		t.Errorf("ResolveEnv = %v, want AWS_REGION and AWS_PROFILE entries", got)
	}
	for _, kv := range got {
		if kv == "UNRELATED=x" {
			t.Errorf("ResolveEnv matched unrelated var: %v", got)
		}
	}
}

func TestResolveEnvLaterSpecOverridesSameName(t *testing.T) {
	got := ResolveEnv([]EnvSpec{
		{Forced: "MODEL=a"},
		{Forced: "MODEL=b"},
	})
	want := []string{"MODEL=b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ResolveEnv = %v, want %v", got, want)
	}
}

func TestResolveEnvDeterministicOrder(t *testing.T) {
	specs := []EnvSpec{{Forced: "B=2"}, {Forced: "A=1"}}
	first := ResolveEnv(specs)
	second := ResolveEnv(specs)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("ResolveEnv not deterministic: %v vs %v", first, second)
	}
	want := []string{"B=2", "A=1"} // input order preserved, not sorted
	if !reflect.DeepEqual(first, want) {
		t.Errorf("ResolveEnv = %v, want %v", first, want)
	}
}

func TestResolveEnvIgnoresMalformedForced(t *testing.T) {
	got := ResolveEnv([]EnvSpec{{Forced: "NOVALUE"}})
	if len(got) != 0 {
		t.Errorf("ResolveEnv = %v, want empty for malformed forced spec", got)
	}
}
