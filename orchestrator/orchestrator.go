// Package orchestrator implements the Orchestrator: the
// owner of every cluster running in this process. It persists a shared,
// cross-process registry file, enforces the strict subscribe-before-start
// ordering invariant at cluster start, executes CLUSTER_OPERATIONS chains,
// and resolves completion/failure/resume.
//
// One struct owns the live state, every mutation goes through a method
// that logs the transition via slog, and cleanup is always run through
// a single deferred path.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeroshot-dev/zeroshot/agent"
	"github.com/zeroshot-dev/zeroshot/bus"
	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/isolation"
	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/template"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// initBarrierTimeout bounds how long Stop waits for a cluster's
// initialization barrier before proceeding.
const initBarrierTimeout = 30 * time.Second

// stopGraceDeadline bounds how long Stop waits for agents to terminate
// their in-flight child processes gracefully before force-killing them.
const stopGraceDeadline = 15 * time.Second

// Options configures a new Orchestrator.
type Options struct {
	StorageDir string
	Templates  *template.Registry
	Logger     *slog.Logger

	// IsolationScratchDir is the parent directory fresh workspace
	// copies and worktrees are created under.
	IsolationScratchDir string
	// SourceDir is the repository isolation workspaces are copied or
	// worktree'd from.
	SourceDir string
	// TFStateBackupDir is the durable per-cluster backup directory
	// workspaces copy a terraform.tfstate into before deletion on kill
	//. Defaults to
	// "<StorageDir>/tfstate-backups" when empty.
	TFStateBackupDir string

	// DockerMounts are user-settings mount overrides for container
	// isolation, layered over the preset table and under the
	// ZEROSHOT_DOCKER_MOUNTS environment override.
	DockerMounts []isolation.HostMount

	// Backend overrides the child-process backend every non-subcluster
	// agent is constructed with. Nil (the production default) leaves
	// agent.New to fall back to agent.ExecBackend{}; tests inject a fake
	// here to drive agent behavior without spawning real processes.
	Backend agent.Backend

	// Retry overrides every agent's retry/backoff policy. Zero value
	// (the production default) leaves agent.New to fall back to
	// agent.DefaultRetryPolicy(); tests shrink MaxAttempts/BaseDelay so
	// an exhausted-retries scenario doesn't wait on real backoff sleeps.
	Retry agent.RetryPolicy
}

// Orchestrator owns every cluster running in this process.
type Orchestrator struct {
	storageDir       string
	scratchDir       string
	sourceDir        string
	tfstateBackupDir string
	dockerMounts     []isolation.HostMount
	templates        *template.Registry
	backend          agent.Backend
	retry            agent.RetryPolicy
	log              *slog.Logger

	mu       sync.Mutex
	clusters map[string]*Cluster
}

// New constructs an Orchestrator. Call Load to reattach to any clusters
// a prior process left registered.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	backupDir := opts.TFStateBackupDir
	if backupDir == "" {
		backupDir = filepath.Join(opts.StorageDir, "tfstate-backups")
	}
	return &Orchestrator{
		storageDir:       opts.StorageDir,
		scratchDir:       opts.IsolationScratchDir,
		sourceDir:        opts.SourceDir,
		tfstateBackupDir: backupDir,
		dockerMounts:     opts.DockerMounts,
		templates:        opts.Templates,
		backend:          opts.Backend,
		retry:            opts.Retry,
		log:              log,
		clusters:         make(map[string]*Cluster),
	}
}

// Cluster is the live, in-process representation of one cluster
//.
type Cluster struct {
	rec clusterconfig.Record

	ledger    *ledger.Ledger
	bus       *bus.Bus
	workspace isolation.Workspace

	mu     sync.Mutex
	agents map[string]*agent.Runtime

	initBarrier chan struct{}
	barrierOnce sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup

	owner *Orchestrator
}

// ID returns the cluster's id.
func (c *Cluster) ID() string { return c.rec.ID }

// Record returns a snapshot of the cluster's persisted fields, with a
// fresh AgentStates slice populated from the live agents.
func (c *Cluster) Record() clusterconfig.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.rec
	rec.AgentStates = make([]clusterconfig.AgentRuntimeState, 0, len(c.agents))
	for _, a := range c.agents {
		rec.AgentStates = append(rec.AgentStates, a.State())
	}
	return rec
}

func (c *Cluster) releaseBarrier() {
	c.barrierOnce.Do(func() { close(c.initBarrier) })
}

func (c *Cluster) awaitBarrier(ctx context.Context) error {
	select {
	case <-c.initBarrier:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: cluster %s initialization barrier not released in time", zserr.ErrStorage, c.rec.ID)
	}
}

func (o *Orchestrator) cluster(id string) (*Cluster, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.clusters[id]
	return c, ok
}

func newClusterID() string {
	return uuid.NewString()
}

func timeoutCtx(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
