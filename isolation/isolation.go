// Package isolation implements the Isolation Manager:
// per-cluster workspace isolation as either a fresh git worktree or a
// containerized copy of the target repository. Both implementations
// satisfy the same Workspace interface so the orchestrator never needs
// to branch on isolation mode.
//
// Both shell out the same way: exec.CommandContext with cmd.Dir set,
// stderr captured to a buffer for error messages, and detached contexts
// for cleanup that must survive a cancelled parent.
package isolation

import (
	"context"
	"time"
)

// Workspace is a prepared, isolated working directory for one cluster's
// agents to run their child processes in.
type Workspace interface {
	// CWD returns the working directory agents should run in.
	CWD() string

	// Stop preserves the workspace (and, for container isolation, the
	// container) so a later Resume can reuse it as-is.
	Stop(ctx context.Context) error

	// Kill deletes the workspace (and container, if any) entirely;
	// nothing the workspace created survives.
	Kill(ctx context.Context) error

	// Record returns the persisted isolation/worktree metadata for the
	// cluster registry (clusterconfig.IsolationInfo / WorktreeInfo).
	Record() any
}

// SourceExcludes are directory/file globs never copied into a fresh
// workspace: VCS metadata, dependency
// caches, and OS cruft that would bloat the copy and is either
// regenerable or actively harmful to duplicate (a stale .git would
// confuse the fresh VCS init).
var SourceExcludes = []string{
	".git", ".hg", ".svn",
	"node_modules", ".venv", "venv", "__pycache__",
	".pytest_cache", ".mypy_cache", ".ruff_cache",
	".DS_Store", "*.pyc",
}

// HostMount is one entry of the configurable container mount table:
// a preset table overlaid by user settings and an environment override.
type HostMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly,omitempty"`
}

// DefaultHostMounts is the preset table overlaid by
// ZEROSHOT_DOCKER_MOUNTS / settings.Fields.DockerMounts.
func DefaultHostMounts() []HostMount {
	return []HostMount{
		{HostPath: "~/.gitconfig", ContainerPath: "/root/.gitconfig", ReadOnly: true},
	}
}

// StopGraceDeadline is how long Stop waits for a graceful container
// stop before it is force-removed.
const StopGraceDeadline = 10 * time.Second
