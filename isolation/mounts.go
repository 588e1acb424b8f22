package isolation

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeroshot-dev/zeroshot/zserr"
)

// EnvDockerMounts is the JSON environment override for the container
// mount table: it is overlaid last, on top of both the
// preset table and any user-settings mounts.
const EnvDockerMounts = "ZEROSHOT_DOCKER_MOUNTS"

// ResolveHostMounts composes the effective container mount table:
// presets, then user-settings overrides, then the ZEROSHOT_DOCKER_MOUNTS
// environment override, keyed by container path so a later layer
// replaces rather than duplicates an earlier one's entry. An entry with
// an empty hostPath removes the preset for that container path.
func ResolveHostMounts(user []HostMount) ([]HostMount, error) {
	layers := [][]HostMount{DefaultHostMounts(), user}

	if raw := os.Getenv(EnvDockerMounts); raw != "" {
		var envMounts []HostMount
		if err := json.Unmarshal([]byte(raw), &envMounts); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", zserr.ErrIsolation, EnvDockerMounts, err)
		}
		layers = append(layers, envMounts)
	}

	byPath := map[string]HostMount{}
	var order []string
	for _, layer := range layers {
		for _, m := range layer {
			if _, seen := byPath[m.ContainerPath]; !seen {
				order = append(order, m.ContainerPath)
			}
			byPath[m.ContainerPath] = m
		}
	}

	out := make([]HostMount, 0, len(order))
	for _, p := range order {
		m := byPath[p]
		if m.HostPath == "" {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
