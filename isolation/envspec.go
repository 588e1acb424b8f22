package isolation

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvSpec describes one entry of a container's env passthrough list:
// a simple name, a glob pattern, or a forced NAME=VALUE spec. Exactly
// one of Pattern or Forced is set.
type EnvSpec struct {
	Pattern string // a plain name ("EDITOR") or glob ("AWS_*")
	Forced  string // "NAME=VALUE", bypassing the host environment entirely
}

// ResolveEnv expands specs against the host environment into a final
// "NAME=VALUE" slice suitable for a container's --env flags. Order is
// deterministic (input order, each name appearing once — a later spec
// overrides an earlier one for the same name) so two resolutions of the
// same specs+environment always produce the same result.
func ResolveEnv(specs []EnvSpec) []string {
	out := make(map[string]string)
	var order []string
	set := func(name, value string) {
		if _, seen := out[name]; !seen {
			order = append(order, name)
		}
		out[name] = value
	}

	hostEnv := os.Environ()
	for _, spec := range specs {
		if spec.Forced != "" {
			name, value, ok := strings.Cut(spec.Forced, "=")
			if ok {
				set(name, value)
			}
			continue
		}
		for _, kv := range hostEnv {
			name, value, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if matched, _ := filepath.Match(spec.Pattern, name); matched {
				set(name, value)
			}
		}
	}

	result := make([]string, 0, len(order))
	for _, name := range order {
		result = append(result, name+"="+out[name])
	}
	return result
}
