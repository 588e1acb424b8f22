package orchestrator

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/message"
)

// Environment variables the engine consumes.
const (
	// EnvClusterID overrides the generated cluster id.
	EnvClusterID = "ZEROSHOT_CLUSTER_ID"
	// EnvWorkers, when > 1, injects a parallelism instruction into every
	// worker-role agent's prompt.
	EnvWorkers = "ZEROSHOT_WORKERS"
	// EnvPR enables injection of a PR-creation agent. Actually opening
	// the pull request is the child process's (external collaborator's)
	// job; the engine only adds the agent that asks for it.
	EnvPR = "ZEROSHOT_PR"
)

func clusterIDFromEnv() string {
	return os.Getenv(EnvClusterID)
}

func workersFromEnv() int {
	n, err := strconv.Atoi(os.Getenv(EnvWorkers))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func prEnabledFromEnv() bool {
	v := os.Getenv(EnvPR)
	return v != "" && v != "0" && !strings.EqualFold(v, "false")
}

// applyEnvOverrides returns cfg adjusted for the per-invocation
// environment: the ZEROSHOT_WORKERS parallelism instruction and the
// ZEROSHOT_PR agent injection. The input is never mutated.
func applyEnvOverrides(cfg clusterconfig.Config) clusterconfig.Config {
	out := cfg.Clone()

	if n := workersFromEnv(); n > 1 {
		for i := range out.Agents {
			if out.Agents[i].Role == "worker" {
				out.Agents[i].Prompt += fmt.Sprintf(
					"\n\nYou may split independent parts of this task across up to %d parallel workers.", n)
			}
		}
	}

	if prEnabledFromEnv() {
		if _, exists := out.AgentByID("pr-creator"); !exists {
			out.Agents = append(out.Agents, prCreatorAgent())
		}
	}
	return out
}

func prCreatorAgent() clusterconfig.AgentConfig {
	return clusterconfig.AgentConfig{
		ID:     "pr-creator",
		Role:   "pr",
		Prompt: "Open a pull request for the approved implementation. Summarize the change and link the originating issue.",
		Triggers: []clusterconfig.Trigger{{
			Topic: message.TopicValidationResult,
			Logic: &clusterconfig.Logic{Script: "context.message.content.data.approved === true"},
		}},
	}
}
