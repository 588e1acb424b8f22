package isolation

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}

func initWorktreeTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, "", "init", dir)
	runGit(t, dir, "config", "user.name", "Test")
	runGit(t, dir, "config", "user.email", "test@test.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "init")
	return dir
}

func TestWorktreeBranchDeterministic(t *testing.T) {
	if got, want := WorktreeBranch("abc123"), "zeroshot/abc123"; got != want {
		t.Errorf("WorktreeBranch = %q, want %q", got, want)
	}
}

func TestWorktreeWorkspacePrepareAndKill(t *testing.T) {
	repo := initWorktreeTestRepo(t)
	scratch := t.TempDir()

	w := &WorktreeWorkspace{
		ClusterID:  "cl1",
		RepoRoot:   repo,
		ScratchDir: scratch,
	}
	if err := w.Prepare(t.Context()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := os.Stat(filepath.Join(w.CWD(), "README.md")); err != nil {
		t.Errorf("expected checkout to contain README.md: %v", err)
	}

	if err := w.Kill(t.Context()); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, err := os.Stat(w.CWD()); !os.IsNotExist(err) {
		t.Errorf("expected worktree dir removed after Kill, stat err = %v", err)
	}

	cmd := exec.Command("git", "rev-parse", "--verify", WorktreeBranch("cl1"))
	cmd.Dir = repo
	if err := cmd.Run(); err == nil {
		t.Error("expected branch deleted after Kill")
	}
}

func TestWorktreeWorkspaceStopThenResume(t *testing.T) {
	repo := initWorktreeTestRepo(t)
	scratch := t.TempDir()

	w := &WorktreeWorkspace{
		ClusterID:  "cl2",
		RepoRoot:   repo,
		ScratchDir: scratch,
	}
	if err := w.Prepare(t.Context()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	preservedPath := w.CWD()
	preservedBranch := w.branch

	if err := w.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(preservedPath); err != nil {
		t.Errorf("expected worktree preserved after Stop: %v", err)
	}

	w2 := &WorktreeWorkspace{ClusterID: "cl2", RepoRoot: repo, ScratchDir: scratch}
	if err := w2.Resume(t.Context(), preservedPath, preservedBranch); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if w2.CWD() != preservedPath {
		t.Errorf("CWD after resume = %q, want %q", w2.CWD(), preservedPath)
	}
}

func TestWorktreeWorkspaceResumeFailsWhenMissing(t *testing.T) {
	repo := initWorktreeTestRepo(t)
	w := &WorktreeWorkspace{ClusterID: "cl3", RepoRoot: repo, ScratchDir: t.TempDir()}
	err := w.Resume(t.Context(), filepath.Join(t.TempDir(), "gone"), WorktreeBranch("cl3"))
	if err == nil {
		t.Fatal("expected error resuming missing worktree")
	}
}
