// Package message defines the immutable unit of communication that flows
// through a cluster's ledger and bus: the Message. It has no dependents
// below it in the import graph — ledger, bus, sandbox, agent, isolation
// and orchestrator all build on these types without adding state of their
// own.
package message

import (
	"time"

	"github.com/maruel/ksid"
)

// Well-known senders/receivers.
const (
	SenderSystem       = "system"
	SenderOrchestrator = "orchestrator"
	ReceiverBroadcast  = "broadcast"
)

// Well-known topics referenced directly by the orchestrator and agent
// runtime. Agent-defined topics are free-form strings.
const (
	TopicIssueOpened                  = "ISSUE_OPENED"
	TopicPlanReady                    = "PLAN_READY"
	TopicImplementationReady          = "IMPLEMENTATION_READY"
	TopicValidationResult             = "VALIDATION_RESULT"
	TopicConductorEscalate            = "CONDUCTOR_ESCALATE"
	TopicAgentLifecycle               = "AGENT_LIFECYCLE"
	TopicAgentOutput                  = "AGENT_OUTPUT"
	TopicAgentError                   = "AGENT_ERROR"
	TopicClusterComplete              = "CLUSTER_COMPLETE"
	TopicClusterFailed                = "CLUSTER_FAILED"
	TopicClusterOperations            = "CLUSTER_OPERATIONS"
	TopicClusterOperationsFailed      = "CLUSTER_OPERATIONS_FAILED"
	TopicClusterOperationsValidation  = "CLUSTER_OPERATIONS_VALIDATION_FAILED"
)

// WorkflowTriggerTopics is the set of topics resume uses to locate the
// re-entry point of a cleanly-stopped cluster.
var WorkflowTriggerTopics = map[string]bool{
	TopicIssueOpened:         true,
	TopicPlanReady:           true,
	TopicImplementationReady: true,
	TopicValidationResult:    true,
	TopicConductorEscalate:   true,
}

// Content is the payload carried by a Message. Text is a human-readable
// rendering (or the sole payload for simple messages); Data is an
// arbitrary tagged value (decoded JSON: map[string]any, []any, or a
// scalar) for structured consumption by hooks and the sandbox.
type Content struct {
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Message is immutable once Append has returned a Sequence for it. Its
// invariants are enforced
// by the ledger, not by this type itself (a plain struct has no way to
// prevent a caller from mutating its own copy — the ledger is the only
// party that hands out Sequence numbers, and after persistence returns
// a Message a fresh copy is always read back from storage).
type Message struct {
	ID          string         `json:"id"`
	ClusterID   string         `json:"cluster_id"`
	Sequence    int64          `json:"sequence"`
	Timestamp   int64          `json:"timestamp"`
	Topic       string         `json:"topic"`
	Sender      string         `json:"sender"`
	Receiver    string         `json:"receiver"`
	Content     Content        `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SenderModel string         `json:"sender_model,omitempty"`
}

// NewID returns a fresh, chronologically-sortable message id. Using a
// K-sortable id (rather than a raw counter) means ids stay stable and
// comparable even across the multiple processes that may be tailing or
// appending to the same cluster's ledger file.
func NewID() string {
	return ksid.NewID().String()
}

// Now returns the current wall-clock time in milliseconds, the unit
// Message.Timestamp is stored in.
func Now() int64 {
	return time.Now().UnixMilli()
}

// MatchesTopic implements the trigger topic grammar:
// an exact match, "*" matches everything, and "PREFIX_*" matches any
// topic starting with "PREFIX_".
func MatchesTopic(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return pattern == topic
}
