// Package template implements the Template Resolver: pure
// parameter substitution over a base workflow template, producing a
// self-contained clusterconfig.Config. Resolve has no I/O, no
// time.Now(), and generates no random ids, so resolving the same base
// with the same params is always deterministic.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// Template is a base workflow definition: a set of agent templates plus
// the parameters it requires before it can be resolved.
type Template struct {
	Name           string          `yaml:"name" json:"name"`
	RequiredParams []string        `yaml:"requiredParams" json:"requiredParams"`
	Agents         []AgentTemplate `yaml:"agents" json:"agents"`
}

// AgentTemplate is one agent definition within a Template. Repeat, when
// set, names a param holding an integer count; the agent is expanded
// into that many concrete agents with "-N" suffixed ids.
type AgentTemplate struct {
	ID           string                 `yaml:"id" json:"id"`
	Role         string                 `yaml:"role" json:"role"`
	Model        string                 `yaml:"model,omitempty" json:"model,omitempty"`
	Triggers     []clusterconfig.Trigger `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Prompt       string                 `yaml:"prompt" json:"prompt"`
	Hooks        []clusterconfig.Hook   `yaml:"hooks,omitempty" json:"hooks,omitempty"`
	CWD          string                 `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Type         clusterconfig.AgentType `yaml:"type,omitempty" json:"type,omitempty"`
	MaxTokens    int                    `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`
	Repeat       string                 `yaml:"repeat,omitempty" json:"repeat,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Resolve validates params against base.RequiredParams and substitutes
// them into every agent definition, expanding any Repeat-marked agent
// template into N concrete agents.
func Resolve(base Template, params map[string]any) (clusterconfig.Config, error) {
	if err := checkRequired(base, params); err != nil {
		return clusterconfig.Config{}, err
	}

	cfg := clusterconfig.Config{}
	for _, at := range base.Agents {
		count := 1
		if at.Repeat != "" {
			raw, ok := params[at.Repeat]
			if !ok {
				return clusterconfig.Config{}, fmt.Errorf("%w: repeat param %q not provided for agent %q", zserr.ErrMissingParams, at.Repeat, at.ID)
			}
			n, err := toInt(raw)
			if err != nil {
				return clusterconfig.Config{}, fmt.Errorf("%w: repeat param %q: %v", zserr.ErrMissingParams, at.Repeat, err)
			}
			count = n
		}

		for i := 0; i < count; i++ {
			scoped := params
			id := at.ID
			if at.Repeat != "" {
				scoped = withIndex(params, i)
				id = fmt.Sprintf("%s-%d", at.ID, i+1)
			}
			agent := clusterconfig.AgentConfig{
				ID:        substitute(id, scoped),
				Role:      at.Role,
				Model:     substitute(at.Model, scoped),
				Prompt:    substitute(at.Prompt, scoped),
				CWD:       substitute(at.CWD, scoped),
				Type:      at.Type,
				MaxTokens: at.MaxTokens,
				Triggers:  substituteTriggers(at.Triggers, scoped),
				Hooks:     substituteHooks(at.Hooks, scoped),
			}
			cfg.Agents = append(cfg.Agents, agent)
		}
	}

	if err := cfg.Validate(); err != nil {
		return clusterconfig.Config{}, fmt.Errorf("%w: resolved config invalid: %v", zserr.ErrTemplate, err)
	}
	return cfg, nil
}

func checkRequired(base Template, params map[string]any) error {
	var missing []string
	for _, name := range base.RequiredParams {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: missing required params: %s", zserr.ErrMissingParams, strings.Join(missing, ", "))
}

func withIndex(params map[string]any, i int) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["index"] = i
	out["ordinal"] = i + 1
	return out
}

// substitute replaces every {{name}} or {{name.field}} placeholder in s
// with the stringified value from params; an unresolved known
// placeholder is left as-is rather than failing, since the template
// resolver's only contract is parameter substitution — downstream
// TemplateError handling for unresolved *runtime* variables (cluster.id,
// result.*, etc.) belongs to the hook engine at publish time, not here.
func substitute(s string, params map[string]any) string {
	if s == "" {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		if v, ok := lookup(params, key); ok {
			return stringify(v)
		}
		return match
	})
}

func lookup(params map[string]any, key string) (any, bool) {
	parts := strings.SplitN(key, ".", 2)
	v, ok := params[parts[0]]
	if !ok || len(parts) == 1 {
		return v, ok
	}
	if m, ok := v.(map[string]any); ok {
		return lookup(m, parts[1])
	}
	return nil, false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("cannot convert %T to int", v)
	}
}

func substituteTriggers(triggers []clusterconfig.Trigger, params map[string]any) []clusterconfig.Trigger {
	if triggers == nil {
		return nil
	}
	out := make([]clusterconfig.Trigger, len(triggers))
	for i, t := range triggers {
		out[i] = clusterconfig.Trigger{
			Topic:  substitute(t.Topic, params),
			Action: substitute(t.Action, params),
		}
		if t.Logic != nil {
			out[i].Logic = &clusterconfig.Logic{Script: t.Logic.Script}
		}
	}
	return out
}

func substituteHooks(hooks []clusterconfig.Hook, params map[string]any) []clusterconfig.Hook {
	if hooks == nil {
		return nil
	}
	out := make([]clusterconfig.Hook, len(hooks))
	for i, h := range hooks {
		cfg := make(map[string]any, len(h.Config))
		for k, v := range h.Config {
			if s, ok := v.(string); ok {
				cfg[k] = substitute(s, params)
			} else {
				cfg[k] = v
			}
		}
		out[i] = clusterconfig.Hook{Action: h.Action, Config: cfg, Transform: h.Transform}
	}
	return out
}
