// Package sandbox implements the Logic Engine: restricted
// JavaScript evaluation of trigger predicates and hook transform
// scripts, built on github.com/dop251/goja, the de facto standard
// pure-Go ECMAScript implementation.
//
// A fresh goja.Runtime is constructed for every single evaluation; nothing
// is pooled or reused across calls, let alone across clusters, so no
// cross-cluster state can leak through the engine itself.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// AgentInfo is the read-only agent summary exposed to scripts via
// cluster.getAgents()/getAgentsByRole(role).
type AgentInfo struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	State string `json:"state"`
}

// LedgerView is the read-only subset of ledger.Ledger the sandbox may
// call, auto-scoped to one cluster id by the caller constructing it —
// scripts never receive a cluster id parameter to forge.
type LedgerView interface {
	Query(ctx context.Context, topic string, sinceSeq int64, limit int) ([]message.Message, error)
	FindLast(ctx context.Context, topic string) (message.Message, bool, error)
	Count(ctx context.Context, topic string) (int64, error)
}

// ClusterView is the read-only agent roster exposed as `cluster` in
// scripts.
type ClusterView interface {
	Agents() []AgentInfo
	AgentsByRole(role string) []AgentInfo
}

// Logger is the restricted logging sink exposed as `helpers.log`; it
// writes to the bus rather than directly to stdout/stderr so sandboxed
// script output stays attributable to the cluster that produced it.
type Logger interface {
	Log(level, msg string)
}

// TriggerContext is the input to EvaluateTrigger.
type TriggerContext struct {
	Message   message.Message
	Iteration int
	Ledger    LedgerView
	Cluster   ClusterView
	Logger    Logger
}

// TransformContext is the input to EvaluateTransform.
type TransformContext struct {
	Result      any // the agent's parsed "result" output, or nil
	Error       error
	ClusterID   string
	CreatedAt   int64
	Iteration   int
	Ledger      LedgerView
	Cluster     ClusterView
	Logger      Logger

	// AgentID and TaskID identify the owning agent/task for a
	// MissingOutputError's required diagnostic.
	AgentID string
	TaskID  string
}

// TransformOutput is the required shape of a transform script's return
// value.
type TransformOutput struct {
	Topic   string
	Content message.Content
}

const (
	triggerTimeout   = 1 * time.Second
	transformTimeout = 5 * time.Second
)

// EvaluateTrigger runs script in a fresh sandboxed runtime and returns
// its boolean result. Any non-boolean result, thrown error, or timeout
// is treated as false rather than surfaced as a failure —
// callers that want to log the reason should inspect the returned error,
// which is non-nil only to explain why the result was coerced to false.
func EvaluateTrigger(ctx context.Context, script string, tc TriggerContext) (bool, error) {
	rt := newRuntime()
	installContext(ctx, rt, tc.Ledger, tc.Cluster, tc.Logger)

	obj := rt.NewObject()
	_ = obj.Set("message", toJSValue(rt, tc.Message))
	_ = obj.Set("iteration", tc.Iteration)
	freeze(rt, obj)
	_ = rt.Set("context", obj)

	v, err := runWithTimeout(rt, script, triggerTimeout)
	if err != nil {
		return false, fmt.Errorf("%w: %v", zserr.ErrSandbox, err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false, fmt.Errorf("%w: trigger predicate returned no value", zserr.ErrSandbox)
	}
	b, ok := v.Export().(bool)
	if !ok {
		return false, fmt.Errorf("%w: trigger predicate returned non-boolean %T", zserr.ErrSandbox, v.Export())
	}
	return b, nil
}

// resultFieldRe finds every "result.<field>" reference in a transform
// script's source, used by EvaluateTransform's early MissingOutputError
// check.
var resultFieldRe = regexp.MustCompile(`result\.([A-Za-z_][A-Za-z0-9_]*)`)

// EvaluateTransform runs script and validates its return shape. If
// script textually references "result.X" but tc.Result is absent, or
// tc.Result is an object missing X, it fails fast with
// ErrMissingOutput before even invoking the runtime, so the diagnostic
// names the missing field instead of a generic undefined-property throw.
func EvaluateTransform(ctx context.Context, script string, tc TransformContext) (TransformOutput, error) {
	if missing, ok := missingResultField(script, tc.Result); ok {
		return TransformOutput{}, fmt.Errorf(
			"%w: script references result.%s but agent output %s (agent=%s task=%s iteration=%d outputLen=%d)",
			zserr.ErrMissingOutput, missing, missingOutputReason(tc.Result),
			tc.AgentID, tc.TaskID, tc.Iteration, observedOutputLen(tc.Result),
		)
	}

	rt := newRuntime()
	installContext(ctx, rt, tc.Ledger, tc.Cluster, tc.Logger)

	obj := rt.NewObject()
	_ = obj.Set("result", rt.ToValue(tc.Result))
	if tc.Error != nil {
		errObj := rt.NewObject()
		_ = errObj.Set("message", tc.Error.Error())
		_ = obj.Set("error", errObj)
	} else {
		_ = obj.Set("error", goja.Null())
	}
	clusterObj := rt.NewObject()
	_ = clusterObj.Set("id", tc.ClusterID)
	_ = clusterObj.Set("createdAt", tc.CreatedAt)
	_ = obj.Set("cluster", clusterObj)
	_ = obj.Set("iteration", tc.Iteration)
	freeze(rt, obj)
	_ = rt.Set("context", obj)

	v, err := runWithTimeout(rt, script, transformTimeout)
	if err != nil {
		return TransformOutput{}, fmt.Errorf("%w: %v", zserr.ErrSandbox, err)
	}
	exported, ok := v.Export().(map[string]any)
	if !ok {
		return TransformOutput{}, fmt.Errorf("%w: transform script must return an object", zserr.ErrScriptContract)
	}
	topic, _ := exported["topic"].(string)
	if topic == "" {
		return TransformOutput{}, fmt.Errorf("%w: transform result missing required field \"topic\"", zserr.ErrScriptContract)
	}
	content := message.Content{}
	if c, ok := exported["content"].(map[string]any); ok {
		if text, ok := c["text"].(string); ok {
			content.Text = text
		}
		content.Data = c["data"]
	} else if _, present := exported["content"]; !present {
		return TransformOutput{}, fmt.Errorf("%w: transform result missing required field \"content\"", zserr.ErrScriptContract)
	}
	return TransformOutput{Topic: topic, Content: content}, nil
}

// newRuntime constructs a runtime with the host-reflection and
// dangerous-global surface removed: no filesystem, network, process
// spawning, or access to Go values beyond what installContext exposes.
// goja exposes no filesystem, network, or process APIs unless the
// embedder wires them in, so the default runtime plus the frozen
// context objects is the whole containment story.
func newRuntime() *goja.Runtime {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.UncapFieldNameMapper())
	return rt
}

func runWithTimeout(rt *goja.Runtime, script string, timeout time.Duration) (goja.Value, error) {
	timer := time.AfterFunc(timeout, func() {
		rt.Interrupt("sandbox: script exceeded its time budget")
	})
	defer timer.Stop()

	v, err := rt.RunString(script)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// installContext exposes the `ledger`, `cluster`, and `helpers`
// namespaces. Each is a Go-backed object so scripts
// cannot replace or introspect its implementation.
func installContext(ctx context.Context, rt *goja.Runtime, lv LedgerView, cv ClusterView, logger Logger) {
	ledgerObj := rt.NewObject()
	_ = ledgerObj.Set("query", func(call goja.FunctionCall) goja.Value {
		topic := call.Argument(0).String()
		since := int64(call.Argument(1).ToInteger())
		limit := int(call.Argument(2).ToInteger())
		if lv == nil {
			return goja.Undefined()
		}
		msgs, err := lv.Query(ctx, topic, since, limit)
		if err != nil {
			panic(rt.ToValue(err.Error()))
		}
		return toJSValue(rt, msgs)
	})
	_ = ledgerObj.Set("findLast", func(call goja.FunctionCall) goja.Value {
		topic := call.Argument(0).String()
		if lv == nil {
			return goja.Null()
		}
		m, ok, err := lv.FindLast(ctx, topic)
		if err != nil {
			panic(rt.ToValue(err.Error()))
		}
		if !ok {
			return goja.Null()
		}
		return toJSValue(rt, m)
	})
	_ = ledgerObj.Set("count", func(call goja.FunctionCall) goja.Value {
		topic := call.Argument(0).String()
		if lv == nil {
			return rt.ToValue(0)
		}
		n, err := lv.Count(ctx, topic)
		if err != nil {
			panic(rt.ToValue(err.Error()))
		}
		return rt.ToValue(n)
	})
	freeze(rt, ledgerObj)
	_ = rt.Set("ledger", ledgerObj)

	clusterObj := rt.NewObject()
	_ = clusterObj.Set("getAgents", func(call goja.FunctionCall) goja.Value {
		if cv == nil {
			return toJSValue(rt, []AgentInfo{})
		}
		return toJSValue(rt, cv.Agents())
	})
	_ = clusterObj.Set("getAgentsByRole", func(call goja.FunctionCall) goja.Value {
		role := call.Argument(0).String()
		if cv == nil {
			return toJSValue(rt, []AgentInfo{})
		}
		return toJSValue(rt, cv.AgentsByRole(role))
	})
	freeze(rt, clusterObj)
	_ = rt.Set("cluster", clusterObj)

	helpersObj := rt.NewObject()
	_ = helpersObj.Set("allResponded", func(call goja.FunctionCall) goja.Value {
		agentIDs := exportStringSlice(call.Argument(0))
		topic := call.Argument(1).String()
		since := int64(call.Argument(2).ToInteger())
		if lv == nil {
			return rt.ToValue(false)
		}
		msgs, err := lv.Query(ctx, topic, since, 0)
		if err != nil {
			panic(rt.ToValue(err.Error()))
		}
		responded := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			responded[m.Sender] = true
		}
		for _, id := range agentIDs {
			if !responded[id] {
				return rt.ToValue(false)
			}
		}
		return rt.ToValue(true)
	})
	_ = helpersObj.Set("hasConsensus", func(call goja.FunctionCall) goja.Value {
		topic := call.Argument(0).String()
		since := int64(call.Argument(1).ToInteger())
		if lv == nil {
			return rt.ToValue(false)
		}
		msgs, err := lv.Query(ctx, topic, since, 0)
		if err != nil {
			panic(rt.ToValue(err.Error()))
		}
		if len(msgs) == 0 {
			return rt.ToValue(false)
		}
		for _, m := range msgs {
			data, ok := m.Content.Data.(map[string]any)
			if !ok {
				return rt.ToValue(false)
			}
			if approved, ok := data["approved"].(bool); !ok || !approved {
				return rt.ToValue(false)
			}
		}
		return rt.ToValue(true)
	})
	_ = helpersObj.Set("getConfig", func(call goja.FunctionCall) goja.Value {
		complexity := call.Argument(0).String()
		taskType := call.Argument(1).String()
		return toJSValue(rt, routeConfig(complexity, taskType))
	})
	_ = helpersObj.Set("log", func(call goja.FunctionCall) goja.Value {
		level := call.Argument(0).String()
		msg := call.Argument(1).String()
		if logger != nil {
			logger.Log(level, msg)
		}
		return goja.Undefined()
	})
	freeze(rt, helpersObj)
	_ = rt.Set("helpers", helpersObj)
}

func exportStringSlice(v goja.Value) []string {
	raw, ok := v.Export().([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toJSValue(rt *goja.Runtime, v any) goja.Value {
	return rt.ToValue(v)
}

// routeConfig is helpers.getConfig(complexity, taskType): a
// conductor's trigger or transform script calls it to pick the base
// template and params for a load_config CLUSTER_OPERATIONS entry,
// keyed off its own classification of the triggering issue rather than
// a hardcoded base name. The base names and their params match
// template/builtins: single-worker and debug-workflow take no params
// beyond model; worker-validator and full-workflow also need
// validator_count.
func routeConfig(complexity, taskType string) map[string]any {
	model := "sonnet"
	switch strings.ToLower(complexity) {
	case "low":
		model = "haiku"
	case "high":
		model = "opus"
	}

	if strings.EqualFold(taskType, "bug") || strings.EqualFold(taskType, "debug") {
		return map[string]any{
			"base":   "debug-workflow",
			"params": map[string]any{"model": model},
		}
	}

	switch strings.ToLower(complexity) {
	case "low":
		return map[string]any{
			"base":   "single-worker",
			"params": map[string]any{"model": model},
		}
	case "high":
		return map[string]any{
			"base":   "full-workflow",
			"params": map[string]any{"model": model, "validator_count": 2},
		}
	default:
		return map[string]any{
			"base":   "worker-validator",
			"params": map[string]any{"model": model, "validator_count": 1},
		}
	}
}

// missingResultField reports the first "result.<field>" reference in
// script that tc.Result cannot satisfy: every reference is missing when
// result itself is absent, and a reference is missing when result is a
// parsed object lacking that key. A non-object, non-nil result (e.g. a
// raw string the agent emitted) is left to the runtime to fail
// naturally when the script dereferences it.
func missingResultField(script string, result any) (string, bool) {
	matches := resultFieldRe.FindAllStringSubmatch(script, -1)
	if len(matches) == 0 {
		return "", false
	}
	if result == nil {
		return matches[0][1], true
	}
	obj, ok := result.(map[string]any)
	if !ok {
		return "", false
	}
	for _, m := range matches {
		if _, present := obj[m[1]]; !present {
			return m[1], true
		}
	}
	return "", false
}

func missingOutputReason(result any) string {
	if result == nil {
		return "was absent"
	}
	return "was missing that key"
}

// observedOutputLen is the output-length figure a MissingOutputError
// diagnostic carries: the byte length of whatever the agent actually
// produced, however it is shaped.
func observedOutputLen(result any) int {
	switch v := result.(type) {
	case nil:
		return 0
	case string:
		return len(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return 0
		}
		return len(b)
	}
}

// freeze applies Object.freeze to obj so scripts cannot add, remove, or
// reassign properties on the namespaces we expose: the context
// prototype chain stays frozen.
func freeze(rt *goja.Runtime, obj *goja.Object) {
	objectCtor := rt.GlobalObject().Get("Object")
	if objectCtor == nil {
		return
	}
	if freezeFn, ok := goja.AssertFunction(objectCtor.ToObject(rt).Get("freeze")); ok {
		_, _ = freezeFn(goja.Undefined(), obj)
	}
}
