package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/sandbox"
	"github.com/zeroshot-dev/zeroshot/shellutil"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// runOnComplete executes every configured hook after a task finishes
//. The first
// hook error aborts the remaining hooks and is returned to the caller,
// which treats it as zserr.ErrHook (propagated, never swallowed).
func (r *Runtime) runOnComplete(result any, taskErr error, iter int, taskID string) error {
	for _, hook := range r.cfg.Hooks {
		if err := r.runHook(hook, result, taskErr, iter, taskID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) runHook(hook clusterconfig.Hook, result any, taskErr error, iter int, taskID string) error {
	switch hook.Action {
	case "publish_message":
		return r.runPublishHook(hook, result, taskErr, iter, taskID)
	case "execute_system_command":
		return r.runShellHook(hook)
	default:
		return fmt.Errorf("%w: %q", zserr.ErrUnknownHookAction, hook.Action)
	}
}

func (r *Runtime) runPublishHook(hook clusterconfig.Hook, result any, taskErr error, iter int, taskID string) error {
	if hook.Transform != nil {
		if hook.Transform.Engine != "javascript" {
			return fmt.Errorf("%w: unsupported transform engine %q", zserr.ErrScriptContract, hook.Transform.Engine)
		}
		out, err := sandbox.EvaluateTransform(r.ctx, hook.Transform.Script, sandbox.TransformContext{
			Result:    result,
			Error:     taskErr,
			ClusterID: r.deps.ClusterID,
			CreatedAt: r.deps.CreatedAt,
			Iteration: iter,
			Ledger:    r.lv,
			Cluster:   r.deps.ClusterView,
			Logger:    busLogger{bus: r.deps.Bus, clusterID: r.deps.ClusterID, senderID: r.cfg.ID},
			AgentID:   r.cfg.ID,
			TaskID:    taskID,
		})
		if err != nil {
			return err
		}
		_, pubErr := r.deps.Bus.Publish(r.ctx, message.Message{
			Topic:    out.Topic,
			Sender:   r.cfg.ID,
			Receiver: message.ReceiverBroadcast,
			Content:  out.Content,
		})
		return pubErr
	}

	vars := templateVars{clusterID: r.deps.ClusterID, createdAt: r.deps.CreatedAt, iteration: iter, result: result, taskErr: taskErr}
	topicRaw, _ := hook.Config["topic"].(string)
	topic, err := substituteTemplate(topicRaw, vars)
	if err != nil {
		return err
	}
	content := message.Content{}
	if textRaw, ok := hook.Config["text"].(string); ok {
		text, err := substituteTemplate(textRaw, vars)
		if err != nil {
			return err
		}
		content.Text = text
	}
	if data, ok := hook.Config["data"]; ok {
		content.Data = data
	}
	_, pubErr := r.deps.Bus.Publish(r.ctx, message.Message{
		Topic:    topic,
		Sender:   r.cfg.ID,
		Receiver: message.ReceiverBroadcast,
		Content:  content,
	})
	return pubErr
}

func (r *Runtime) runShellHook(hook clusterconfig.Hook) error {
	raw, _ := hook.Config["command"].(string)
	if raw == "" {
		return fmt.Errorf("%w: execute_system_command hook missing \"command\"", zserr.ErrUnknownHookAction)
	}
	args, err := shellutil.Split(raw)
	if err != nil || len(args) == 0 {
		return fmt.Errorf("%w: parse command %q: %v", zserr.ErrHook, raw, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.cfg.CWD
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: execute_system_command %q: %v: %s", zserr.ErrHook, raw, err, out)
	}
	return nil
}

// templateVars is the substitution source for the bus-side
// template engine: {{cluster.id}}, {{cluster.createdAt}}, {{iteration}},
// {{error.message}}, {{result.<field>}}.
type templateVars struct {
	clusterID string
	createdAt int64
	iteration int
	result    any
	taskErr   error
}

var templatePlaceholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

var knownTemplatePrefixes = []string{"cluster.", "iteration", "error.", "result."}

// substituteTemplate replaces every known {{...}} placeholder in s with
// its serialized value (booleans/numbers/nulls unquoted, strings
// quoted-and-escaped). Unsubstituted *known*
// placeholders are a TemplateError; unrecognized "{{...}}" text passes
// through untouched, since it may be arbitrary user content.
func substituteTemplate(s string, vars templateVars) (string, error) {
	var firstErr error
	out := templatePlaceholderRe.ReplaceAllStringFunc(s, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		if !isKnownTemplateKey(key) {
			return match
		}
		v, ok := resolveTemplateVar(key, vars)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: unresolved template variable %q", zserr.ErrTemplate, key)
			}
			return match
		}
		return serializeTemplateValue(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func isKnownTemplateKey(key string) bool {
	for _, p := range knownTemplatePrefixes {
		if strings.HasPrefix(key, p) || key == strings.TrimSuffix(p, ".") {
			return true
		}
	}
	return false
}

func resolveTemplateVar(key string, vars templateVars) (any, bool) {
	switch {
	case key == "cluster.id":
		return vars.clusterID, true
	case key == "cluster.createdAt":
		return vars.createdAt, true
	case key == "iteration":
		return vars.iteration, true
	case key == "error.message":
		if vars.taskErr == nil {
			return nil, false
		}
		return vars.taskErr.Error(), true
	case strings.HasPrefix(key, "result."):
		field := strings.TrimPrefix(key, "result.")
		m, ok := vars.result.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[field]
		return v, ok
	}
	return nil, false
}

func serializeTemplateValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case int, int64, float64:
		return fmt.Sprint(t)
	case string:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
