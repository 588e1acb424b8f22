package agent

import (
	"errors"
	"testing"
)

func TestSubstituteTemplateKnownVars(t *testing.T) {
	vars := templateVars{
		clusterID: "cl-1",
		createdAt: 1000,
		iteration: 2,
		result:    map[string]any{"branch": "main", "count": 3},
	}
	tests := []struct {
		in   string
		want string
	}{
		{"{{cluster.id}}", `"cl-1"`},
		{"{{cluster.createdAt}}", "1000"},
		{"{{iteration}}", "2"},
		{"{{result.branch}}", `"main"`},
		{"{{result.count}}", "3"},
	}
	for _, tc := range tests {
		got, err := substituteTemplate(tc.in, vars)
		if err != nil {
			t.Errorf("substituteTemplate(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("substituteTemplate(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSubstituteTemplateErrorMessage(t *testing.T) {
	vars := templateVars{taskErr: errors.New("boom")}
	got, err := substituteTemplate("{{error.message}}", vars)
	if err != nil {
		t.Fatal(err)
	}
	if got != `"boom"` {
		t.Errorf("got %q, want %q", got, `"boom"`)
	}
}

func TestSubstituteTemplateUnresolvedKnownKeyErrors(t *testing.T) {
	vars := templateVars{} // no taskErr set
	_, err := substituteTemplate("{{error.message}}", vars)
	if err == nil {
		t.Fatal("expected error for unresolved error.message with no task error")
	}
}

func TestSubstituteTemplatePassesThroughUnknownPlaceholders(t *testing.T) {
	got, err := substituteTemplate("{{some.other.thing}}", templateVars{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "{{some.other.thing}}" {
		t.Errorf("got %q, want unchanged passthrough", got)
	}
}

func TestSubstituteTemplateMixedText(t *testing.T) {
	vars := templateVars{clusterID: "abc", iteration: 5}
	got, err := substituteTemplate("cluster {{cluster.id}} on iteration {{iteration}}", vars)
	if err != nil {
		t.Fatal(err)
	}
	want := `cluster "abc" on iteration 5`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
