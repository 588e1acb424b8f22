package isolation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// ContainerWorkspace isolates a cluster by copying the target repository
// into a scratch directory and running a named Docker container mounted
// on that copy. All docker interaction shells out directly:
// exec.CommandContext, cmd.Dir, stderr captured to a buffer for the
// returned error.
type ContainerWorkspace struct {
	ClusterID string
	SourceDir string
	ScratchDir string // parent dir for the per-cluster copy, e.g. ~/.zeroshot/workspaces
	Image      string
	Mounts     []HostMount
	Env        []EnvSpec
	CredsDir   string // ephemeral per-cluster credential directory, bind-mounted read-only
	BackupDir  string // durable per-cluster backup dir for terraform.tfstate on kill

	workDir     string
	containerID string
}

// ContainerName is deterministic from the cluster id.
func ContainerName(clusterID string) string {
	return "zeroshot-" + clusterID
}

// Prepare copies SourceDir into a fresh scratch directory, removes any
// stale container with the same deterministic name, and starts the new
// container mounted on the copy. Called once at cluster start.
func (w *ContainerWorkspace) Prepare(ctx context.Context) error {
	w.workDir = filepath.Join(w.ScratchDir, w.ClusterID)
	if err := CopyTree(w.SourceDir, w.workDir, SourceExcludes); err != nil {
		return fmt.Errorf("%w: copy workspace: %v", zserr.ErrIsolation, err)
	}

	name := ContainerName(w.ClusterID)
	_ = w.removeStale(ctx, name) // best-effort; a fresh start always wins the name

	args := []string{"run", "-d", "--name", name}
	args = append(args, "-v", w.workDir+":/workspace")
	args = append(args, "-v", dependencyCacheVolume+":/root/.npm")
	if w.CredsDir != "" {
		args = append(args, "-v", w.CredsDir+":/root/.zeroshot-creds:ro")
	}
	for _, m := range w.Mounts {
		spec := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, kv := range ResolveEnv(w.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, "-w", "/workspace", w.imageOrDefault(), "sleep", "infinity")

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: docker run: %v: %s", zserr.ErrIsolation, err, stderr.String())
	}
	w.containerID = name

	w.installDependencies(ctx)
	return nil
}

func (w *ContainerWorkspace) imageOrDefault() string {
	if w.Image != "" {
		return w.Image
	}
	return "ubuntu:24.04"
}

func (w *ContainerWorkspace) removeStale(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	return cmd.Run()
}

// CWD is the in-container working directory agents should prefix their
// child-process invocations with via `docker exec -w`.
func (w *ContainerWorkspace) CWD() string { return "/workspace" }

// HostWorkDir is the on-host copy backing the container's /workspace
// mount — the directory that survives a stop and is reused on resume.
func (w *ContainerWorkspace) HostWorkDir() string { return w.workDir }

// Stop preserves the on-host workspace copy and attempts a graceful
// `docker stop` of the container without removing it, so resume can
// re-enter the same state. If the container is already gone (host
// restart between stop calls), that's not an error.
func (w *ContainerWorkspace) Stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, StopGraceDeadline)
	defer cancel()
	cmd := exec.CommandContext(stopCtx, "docker", "stop", w.containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil && !strings.Contains(stderr.String(), "No such container") {
		return fmt.Errorf("%w: docker stop: %v: %s", zserr.ErrIsolation, err, stderr.String())
	}
	return nil
}

// Resume recreates the container against the preserved on-host
// workspace. Fails loudly if the
// preserved directory is missing, since that indicates the cluster was
// killed rather than stopped.
func (w *ContainerWorkspace) Resume(ctx context.Context, preservedWorkDir string) error {
	w.workDir = preservedWorkDir
	if _, err := os.Stat(w.workDir); err != nil {
		return fmt.Errorf("%w: resume: preserved workspace %s missing: %v", zserr.ErrResumeNotPossible, w.workDir, err)
	}
	return w.Prepare(ctx)
}

// Kill removes the container and deletes the on-host workspace copy
// entirely.
// Before deletion, any terraform.tfstate at the workspace root is backed
// up.
func (w *ContainerWorkspace) Kill(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", w.containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil && !strings.Contains(stderr.String(), "No such container") {
		return fmt.Errorf("%w: docker rm: %v: %s", zserr.ErrIsolation, err, stderr.String())
	}
	if w.workDir != "" {
		if err := backupTerraformState(w.BackupDir, w.ClusterID, w.workDir); err != nil {
			return err
		}
		if err := os.RemoveAll(w.workDir); err != nil {
			return fmt.Errorf("%w: remove workspace: %v", zserr.ErrIsolation, err)
		}
	}
	return nil
}

// Record returns the persisted isolation metadata for the cluster
// registry (clusterconfig.Record.Isolation).
func (w *ContainerWorkspace) Record() any {
	return &clusterconfig.IsolationInfo{
		Enabled:     true,
		ContainerID: w.containerID,
		Image:       w.imageOrDefault(),
		WorkDir:     w.workDir,
	}
}

// Exec runs argv inside the running container, in /workspace, returning
// combined stdout/stderr on failure for diagnostics. Used by agents for
// their child-process invocations when container isolation is active.
func (w *ContainerWorkspace) Exec(ctx context.Context, argv []string) *exec.Cmd {
	args := append([]string{"exec", "-i", "-w", "/workspace", w.containerID}, argv...)
	return exec.CommandContext(ctx, "docker", args...)
}

// dependencyCacheVolume is the named docker volume mounted at the
// container's npm cache path, shared across clusters so a later
// cluster's install can hit a pre-baked cache.
const dependencyCacheVolume = "zeroshot-dep-cache"

// dependencyInstallDeadline bounds one install attempt, so a cold
// package cache doesn't block cluster start indefinitely.
const dependencyInstallDeadline = 3 * time.Minute

const (
	installAttempts  = 3
	installBaseDelay = 5 * time.Second
)

// dependencyManifest returns the install manifest present in workDir,
// if any. Only package.json is recognized.
func dependencyManifest(workDir string) (string, bool) {
	p := filepath.Join(workDir, "package.json")
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return "package.json", true
}

// installDependencies best-effort installs the workspace's dependency
// tree inside the container when the copy carries a manifest. Each
// attempt first tries the cache-backed install (npm ci against the
// shared cache volume, offline-preferred), then falls back to a full
// install; attempts are retried with doubling backoff. Failure is
// non-fatal — agents may never need the dependency tree, so a dead
// registry must not fail cluster start.
func (w *ContainerWorkspace) installDependencies(ctx context.Context) {
	manifest, ok := dependencyManifest(w.workDir)
	if !ok {
		return
	}
	// A preserved workspace re-entered on resume already carries its
	// dependency tree; reinstalling would mutate state stop promised to
	// keep.
	if _, err := os.Stat(filepath.Join(w.workDir, "node_modules")); err == nil {
		return
	}

	delay := installBaseDelay
	var lastErr error
	for attempt := 1; attempt <= installAttempts; attempt++ {
		if err := w.runInstall(ctx, []string{"npm", "ci", "--prefer-offline", "--no-audit"}); err == nil {
			return
		}
		lastErr = w.runInstall(ctx, []string{"npm", "install", "--no-audit"})
		if lastErr == nil {
			return
		}
		if attempt == installAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
	slog.Warn("isolation: dependency install failed, continuing without",
		"cluster", w.ClusterID, "manifest", manifest, "attempts", installAttempts, "err", lastErr)
}

func (w *ContainerWorkspace) runInstall(ctx context.Context, argv []string) error {
	installCtx, cancel := context.WithTimeout(ctx, dependencyInstallDeadline)
	defer cancel()
	cmd := w.Exec(installCtx, argv)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, stderr.String())
	}
	return nil
}
