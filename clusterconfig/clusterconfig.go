// Package clusterconfig defines the schema types shared by the template
// resolver and the orchestrator: Cluster metadata, agent configuration,
// triggers, hooks, and the runtime-state snapshot used for cross-process
// status display. Types here are pure data — no behavior, no I/O — so
// that both a live *orchestrator.Cluster and a resolved template can
// produce the same shape without an import cycle.
package clusterconfig

// State is a cluster's lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateKilled        State = "killed"
	StateFailed        State = "failed"
	StateZombie        State = "zombie"
	StateCorrupted     State = "corrupted"
)

// AgentState is an agent's runtime state, observable as AGENT_LIFECYCLE
// messages.
type AgentState string

const (
	AgentStateIdle          AgentState = "idle"
	AgentStateEvaluating    AgentState = "evaluating"
	AgentStateExecutingTask AgentState = "executing_task"
	AgentStateError         AgentState = "error"
	AgentStateStopped       AgentState = "stopped"
)

// AgentType distinguishes a normal task-executing agent from one that
// delegates to a nested orchestrator.
type AgentType string

const (
	AgentTypeDefault    AgentType = ""
	AgentTypeSubcluster AgentType = "subcluster"
)

// Transform describes a script that turns an agent's result into a
// message payload.
type Transform struct {
	Engine string `json:"engine" yaml:"engine"` // only "javascript" is supported
	Script string `json:"script" yaml:"script"`
}

// Hook is an action run at a lifecycle point (currently only
// "onComplete" is wired by the agent runtime).
type Hook struct {
	Action    string         `json:"action" yaml:"action"` // "publish_message" | "execute_system_command"
	Config    map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Transform *Transform     `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Logic is a sandbox-evaluated predicate attached to a Trigger.
type Logic struct {
	Script string `json:"script" yaml:"script"`
}

// Trigger binds a topic pattern (exact, "*", or "PREFIX_*") to an
// action, optionally gated by a predicate script.
type Trigger struct {
	Topic  string `json:"topic" yaml:"topic"`
	Action string `json:"action,omitempty" yaml:"action,omitempty"` // "execute_task" | "stop_cluster" | custom
	Logic  *Logic `json:"logic,omitempty" yaml:"logic,omitempty"`
}

// AgentConfig is the static configuration for one agent within a
// cluster.
type AgentConfig struct {
	ID           string         `json:"id" yaml:"id"`
	Role         string         `json:"role" yaml:"role"`
	Model        string         `json:"model,omitempty" yaml:"model,omitempty"`
	Triggers     []Trigger      `json:"triggers" yaml:"triggers"`
	Prompt       string         `json:"prompt" yaml:"prompt"`
	Hooks        []Hook         `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	CWD          string         `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Type         AgentType      `json:"type,omitempty" yaml:"type,omitempty"`
	StrictSchema bool           `json:"strictSchema,omitempty" yaml:"strictSchema,omitempty"`
	JSONSchema   map[string]any `json:"jsonSchema,omitempty" yaml:"jsonSchema,omitempty"`
	MaxTokens    int            `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`

	// SubclusterTemplate/SubclusterParams are only meaningful when
	// Type == AgentTypeSubcluster: they name the nested cluster's
	// template and resolution params.
	SubclusterTemplate string         `json:"subclusterTemplate,omitempty" yaml:"subclusterTemplate,omitempty"`
	SubclusterParams   map[string]any `json:"subclusterParams,omitempty" yaml:"subclusterParams,omitempty"`
}

// Config is a resolved, self-contained set of agent definitions — the
// output of template.Resolve and the input to orchestrator.Start. Being
// self-contained and re-loadable is a hard contract: the
// `load_config` cluster operation persists exactly this shape.
type Config struct {
	Agents []AgentConfig `json:"agents" yaml:"agents"`
}

// Clone returns a deep-enough copy of c for use as the base of a
// shallow-merge update (CLUSTER_OPERATIONS' update_agent), so mutating
// the copy never aliases the live config's slices.
func (c Config) Clone() Config {
	out := Config{Agents: make([]AgentConfig, len(c.Agents))}
	copy(out.Agents, c.Agents)
	return out
}

// AgentRuntimeState is the cross-process-visible snapshot of one
// agent's live state.
type AgentRuntimeState struct {
	AgentID       string     `json:"agentId"`
	State         AgentState `json:"state"`
	Iteration     int        `json:"iteration"`
	CurrentTaskID string     `json:"currentTaskId,omitempty"`
	ProcessPID    int        `json:"processPid,omitempty"`
	LastOutputAt  int64      `json:"lastOutputAt,omitempty"` // unix millis
}

// FailureInfo records why a cluster stopped with StateFailed.
type FailureInfo struct {
	AgentID   string `json:"agentId,omitempty"`
	Role      string `json:"role,omitempty"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"` // ledger sequence of the triggering AGENT_ERROR, if known
}

// IsolationInfo is the persisted record of a cluster's container
// isolation, if any.
type IsolationInfo struct {
	Enabled     bool   `json:"enabled"`
	ContainerID string `json:"containerId,omitempty"`
	Image       string `json:"image,omitempty"`
	WorkDir     string `json:"workDir,omitempty"`
}

// WorktreeInfo is the persisted record of a cluster's worktree
// isolation, if any.
type WorktreeInfo struct {
	Enabled  bool   `json:"enabled"`
	Path     string `json:"path,omitempty"`
	Branch   string `json:"branch,omitempty"`
	RepoRoot string `json:"repoRoot,omitempty"`
	WorkDir  string `json:"workDir,omitempty"`
}

// Record is the persisted, cross-process view of a cluster — exactly
// the shape the registry file stores. The live
// orchestrator.Cluster embeds a Record plus in-process-only handles
// (Ledger, Bus, agent objects, init barrier) that never round-trip
// through JSON.
type Record struct {
	ID          string              `json:"id"`
	Config      Config              `json:"config"`
	State       State               `json:"state"`
	CreatedAt   int64               `json:"createdAt"`
	PID         int                 `json:"pid,omitempty"`
	FailureInfo *FailureInfo        `json:"failureInfo,omitempty"`
	Isolation   *IsolationInfo      `json:"isolation,omitempty"`
	Worktree    *WorktreeInfo       `json:"worktree,omitempty"`
	AgentStates []AgentRuntimeState `json:"agentStates,omitempty"`
}
