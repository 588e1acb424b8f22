package isolation

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// WorktreeBranch is the deterministic branch name for a cluster's
// worktree.
func WorktreeBranch(clusterID string) string {
	return "zeroshot/" + clusterID
}

// WorktreeWorkspace isolates a cluster with a `git worktree add` checkout
// rooted at a temp path, avoiding both the container runtime dependency
// and the cost of a full directory copy. Same
// exec.CommandContext/cmd.Dir/stderr-buffer idiom as ContainerWorkspace.
type WorktreeWorkspace struct {
	ClusterID string
	RepoRoot  string // the git repository the worktree is added from
	ScratchDir string // parent dir for worktree checkouts
	BackupDir  string // durable per-cluster backup dir for terraform.tfstate on kill

	path   string
	branch string
}

// Prepare runs `git worktree add -b <branch> <path>` rooted at RepoRoot.
func (w *WorktreeWorkspace) Prepare(ctx context.Context) error {
	w.branch = WorktreeBranch(w.ClusterID)
	w.path = filepath.Join(w.ScratchDir, w.ClusterID)

	if err := os.MkdirAll(w.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir scratch dir: %v", zserr.ErrIsolation, err)
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", w.branch, w.path)
	cmd.Dir = w.RepoRoot
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: git worktree add: %v: %s", zserr.ErrIsolation, err, stderr.String())
	}
	return nil
}

// CWD is the worktree's checkout path — where agents run their child
// processes.
func (w *WorktreeWorkspace) CWD() string { return w.path }

// Stop is a no-op beyond preserving the worktree on disk: there is no
// container to shut down, and the workspace itself
// must survive stop for resume to reuse it unchanged.
func (w *WorktreeWorkspace) Stop(ctx context.Context) error {
	return nil
}

// Resume re-attaches to a preserved worktree path left by a prior Stop.
// Fails loudly if the path is gone.
func (w *WorktreeWorkspace) Resume(ctx context.Context, preservedPath, preservedBranch string) error {
	if _, err := os.Stat(preservedPath); err != nil {
		return fmt.Errorf("%w: resume: preserved worktree %s missing: %v", zserr.ErrResumeNotPossible, preservedPath, err)
	}
	w.path = preservedPath
	w.branch = preservedBranch
	return nil
}

// Kill removes the worktree via `git worktree remove --force` and
// deletes the branch, leaving nothing behind. Before removal, any
// terraform.tfstate at the worktree root is backed up.
func (w *WorktreeWorkspace) Kill(ctx context.Context) error {
	if err := backupTerraformState(w.BackupDir, w.ClusterID, w.path); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", w.path)
	cmd.Dir = w.RepoRoot
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: git worktree remove: %v: %s", zserr.ErrIsolation, err, stderr.String())
	}

	branchCmd := exec.CommandContext(ctx, "git", "branch", "-D", w.branch)
	branchCmd.Dir = w.RepoRoot
	var branchStderr bytes.Buffer
	branchCmd.Stderr = &branchStderr
	if err := branchCmd.Run(); err != nil {
		return fmt.Errorf("%w: git branch -D: %v: %s", zserr.ErrIsolation, err, branchStderr.String())
	}
	return nil
}

// Record returns the persisted worktree metadata for the cluster
// registry (clusterconfig.Record.Worktree).
func (w *WorktreeWorkspace) Record() any {
	return &clusterconfig.WorktreeInfo{
		Enabled:  true,
		Path:     w.path,
		Branch:   w.branch,
		RepoRoot: w.RepoRoot,
		WorkDir:  w.path,
	}
}
