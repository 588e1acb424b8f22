// Package agent implements the Agent Runtime: the
// cooperative state machine that wakes on matching bus messages,
// evaluates sandboxed trigger predicates, spawns a child process with a
// synthesized prompt, streams its output back onto the bus, and runs
// hooks on completion. The state machine is a mutex-guarded struct
// holding the live session, explicit state setters, and slog.Info/Warn
// calls at every transition.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/zeroshot-dev/zeroshot/bus"
	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/ledger"
	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/procmetrics"
	"github.com/zeroshot-dev/zeroshot/sandbox"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// metricsSampleInterval is how often a running child process's CPU/RSS
// is sampled into an AGENT_LIFECYCLE "metrics" event while a task is
// executing (the "Process Metrics (auxiliary)" component).
const metricsSampleInterval = 15 * time.Second

// contextMessages is the number of recent ledger messages folded into
// the prompt context "a curated slice of the ledger".
const contextMessages = 20

// staleWindowDefault is how long without output before an
// AGENT_STALE_WARNING is published.
const staleWindowDefault = 2 * time.Minute

// Deps are the dependencies a Runtime needs from its owning cluster.
// All are non-owning references: the orchestrator constructs and owns
// the Ledger, Bus, and ClusterView; Runtime only looks them up
//.
type Deps struct {
	ClusterID   string
	CreatedAt   int64
	Bus         *bus.Bus
	Ledger      *ledger.Ledger
	ClusterView sandbox.ClusterView
	Backend     Backend // defaults to ExecBackend{}
	Retry       RetryPolicy
	StaleWindow time.Duration
	Logger      *slog.Logger

	// OnHookError is invoked when an onComplete hook fails
	// (zserr.ErrHook / zserr.ErrScriptContract / zserr.ErrMissingOutput
	// / zserr.ErrTemplate / zserr.ErrUnknownHookAction). This is a
	// cluster-affecting failure for the agent's role;
	// the orchestrator decides what that means.
	OnHookError func(agentID, role string, err error)

	// OnExhausted is invoked once an agent has used up every retry
	// attempt for a task (zserr.ErrAgentExhausted).
	OnExhausted func(agentID, role string, attempts int)
}

// Runtime is one agent's live state machine within a cluster.
type Runtime struct {
	cfg  clusterconfig.AgentConfig
	deps Deps
	lv   ledgerView

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*bus.Subscription
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         clusterconfig.AgentState
	iteration     int
	currentTaskID string
	lastOutputAt  int64
	session       Session
	stopping      bool
}

// New constructs a Runtime for cfg. Start must be called before the
// agent can receive triggers.
func New(cfg clusterconfig.AgentConfig, deps Deps) *Runtime {
	if deps.Backend == nil {
		deps.Backend = ExecBackend{}
	}
	if deps.Retry == (RetryPolicy{}) {
		deps.Retry = DefaultRetryPolicy()
	}
	if deps.StaleWindow == 0 {
		deps.StaleWindow = staleWindowDefault
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Runtime{
		cfg:   cfg,
		deps:  deps,
		lv:    ledgerView{l: deps.Ledger},
		state: clusterconfig.AgentStateIdle,
	}
}

// ID returns the agent's configured id.
func (r *Runtime) ID() string { return r.cfg.ID }

// Role returns the agent's configured role.
func (r *Runtime) Role() string { return r.cfg.Role }

// State returns a snapshot of the agent's current runtime state, used
// by the orchestrator to populate clusterconfig.Record.AgentStates and
// by sandbox.ClusterView implementations to answer getAgents().
func (r *Runtime) State() clusterconfig.AgentRuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid := 0
	if r.session != nil {
		pid = r.pidLocked()
	}
	return clusterconfig.AgentRuntimeState{
		AgentID:       r.cfg.ID,
		State:         r.state,
		Iteration:     r.iteration,
		CurrentTaskID: r.currentTaskID,
		ProcessPID:    pid,
		LastOutputAt:  r.lastOutputAt,
	}
}

func (r *Runtime) pidLocked() int { return r.session.PID() }

// Start subscribes to every configured trigger topic and begins
// processing. per the hard invariant, the orchestrator must
// call Start on every agent *before* publishing the cluster's initial
// input message.
func (r *Runtime) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	incoming := make(chan message.Message, 64)

	seen := map[string]bool{}
	for _, trig := range r.cfg.Triggers {
		if seen[trig.Topic] {
			continue
		}
		seen[trig.Topic] = true
		sub := r.deps.Bus.Subscribe(trig.Topic)
		r.subs = append(r.subs, sub)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for msg := range sub.C() {
				select {
				case incoming <- msg:
				case <-r.ctx.Done():
					return
				}
			}
		}()
	}

	r.wg.Add(1)
	go r.processLoop(incoming)
	r.wg.Add(1)
	go r.livenessLoop()
}

// Stop signals the agent to stop accepting new triggers and terminates
// any in-flight child process, gracefully first, then force-killed
// after deadline.
func (r *Runtime) Stop(deadline time.Duration) {
	r.mu.Lock()
	r.stopping = true
	sess := r.session
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}

	if sess != nil {
		_ = sess.Signal()
		done := make(chan struct{})
		go func() { _ = sess.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(deadline):
			_ = sess.Kill()
		}
	}

	r.setState(clusterconfig.AgentStateStopped)
	r.wg.Wait()
}

func (r *Runtime) processLoop(incoming <-chan message.Message) {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-incoming:
			if !ok {
				return
			}
			r.handleMessage(msg)
		}
	}
}

func (r *Runtime) handleMessage(msg message.Message) {
	r.mu.Lock()
	if r.state != clusterconfig.AgentStateIdle || r.stopping {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	trig, ok := r.matchingTrigger(msg)
	if !ok {
		return
	}

	r.setState(clusterconfig.AgentStateEvaluating)

	matched := true
	if trig.Logic != nil {
		var err error
		matched, err = sandbox.EvaluateTrigger(r.ctx, trig.Logic.Script, sandbox.TriggerContext{
			Message:   msg,
			Iteration: r.iterationSnapshot(),
			Ledger:    r.lv,
			Cluster:   r.deps.ClusterView,
			Logger:    busLogger{bus: r.deps.Bus, clusterID: r.deps.ClusterID, senderID: r.cfg.ID},
		})
		if err != nil {
			r.deps.Logger.Warn("trigger predicate evaluation error, treating as false", "agent", r.cfg.ID, "topic", trig.Topic, "err", err)
		}
	}

	if !matched {
		r.setState(clusterconfig.AgentStateIdle)
		return
	}

	r.setState(clusterconfig.AgentStateExecutingTask)
	go r.executeTask(msg)
}

// matchingTrigger returns the first configured trigger whose topic
// pattern matches msg.Topic.
func (r *Runtime) matchingTrigger(msg message.Message) (clusterconfig.Trigger, bool) {
	for _, trig := range r.cfg.Triggers {
		if message.MatchesTopic(trig.Topic, msg.Topic) {
			return trig, true
		}
	}
	return clusterconfig.Trigger{}, false
}

func (r *Runtime) iterationSnapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.iteration
}

func (r *Runtime) setState(s clusterconfig.AgentState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// executeTask runs the retry loop for one triggering message: spawn the
// child process, stream its output, and on success run the onComplete
// hook. It always returns the agent to idle.
func (r *Runtime) executeTask(msg message.Message) {
	r.mu.Lock()
	r.iteration++
	iter := r.iteration
	taskID := message.NewID()
	r.currentTaskID = taskID
	r.mu.Unlock()

	r.publishLifecycle("TASK_STARTED", iter, map[string]any{"model": r.cfg.Model})

	var (
		result  any
		lastErr error
	)
	attempt := 0
	for attempt < r.deps.Retry.MaxAttempts {
		attempt++
		r.mu.Lock()
		if r.stopping {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		res, err := r.runOneAttempt(msg, iter, taskID)
		if err == nil {
			result = res
			lastErr = nil
			break
		}
		lastErr = err
		r.publishAgentError(iter, attempt, err, false)
		if attempt >= r.deps.Retry.MaxAttempts {
			break
		}
		time.Sleep(r.backoff(attempt))
	}

	if lastErr == nil {
		r.publishLifecycle("TASK_COMPLETED", iter, r.safetySummary())
		if err := r.runOnComplete(result, nil, iter, taskID); err != nil {
			r.deps.Logger.Warn("onComplete hook failed", "agent", r.cfg.ID, "err", err)
			if r.deps.OnHookError != nil {
				r.deps.OnHookError(r.cfg.ID, r.cfg.Role, fmt.Errorf("%w: %v", zserr.ErrHook, err))
			}
		}
		r.setState(clusterconfig.AgentStateIdle)
		return
	}

	r.publishAgentError(iter, attempt, lastErr, true)
	r.setState(clusterconfig.AgentStateIdle)
	if r.deps.OnExhausted != nil {
		r.deps.OnExhausted(r.cfg.ID, r.cfg.Role, attempt)
	}
}

// runOneAttempt spawns the child process once, streams its output as
// AGENT_OUTPUT messages, and returns the parsed "result" output on a
// successful terminal event.
func (r *Runtime) runOneAttempt(msg message.Message, iter int, taskID string) (any, error) {
	prompt := r.buildPrompt(msg, iter)
	sess, err := r.deps.Backend.Start(r.ctx, Options{
		Command: r.commandFor(),
		CWD:     r.cfg.CWD,
		Prompt:  prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zserr.ErrChildSpawn, err)
	}

	r.mu.Lock()
	r.session = sess
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.session = nil
		r.mu.Unlock()
	}()

	if pid := sess.PID(); pid > 0 {
		metricsCtx, stopMetrics := context.WithCancel(r.ctx)
		defer stopMetrics()
		watcher := &procmetrics.Watcher{
			PID:            int32(pid),
			StartedAt:      time.Now(),
			LivenessWindow: r.deps.StaleWindow,
			LastOutputAt: func() time.Time {
				r.mu.Lock()
				defer r.mu.Unlock()
				if r.lastOutputAt == 0 {
					return time.Now()
				}
				return time.UnixMilli(r.lastOutputAt)
			},
			OnSample: func(snap procmetrics.Snapshot) {
				r.publishLifecycle("AGENT_METRICS", iter, map[string]any{
					"cpuPercent": snap.CPUPercent,
					"rssBytes":   snap.RSSBytes,
					"pid":        pid,
				})
			},
		}
		go watcher.Run(metricsCtx, metricsSampleInterval)
	}

	var (
		result   any
		success  bool
		childErr string
		anyOut   bool
	)
	for ev := range sess.Events() {
		anyOut = true
		r.mu.Lock()
		r.lastOutputAt = message.Now()
		r.mu.Unlock()

		_, _ = r.deps.Bus.Publish(r.ctx, message.Message{
			Topic:    message.TopicAgentOutput,
			Sender:   r.cfg.ID,
			Receiver: message.ReceiverBroadcast,
			Content:  message.Content{Data: map[string]any{"line": ev.Raw, "kind": string(ev.Kind)}},
			Metadata: map[string]any{"taskId": taskID, "iteration": iter},
		})
		if ev.IsTerminal() {
			success = ev.Success
			result = ev.Output
			childErr = ev.Error
		}
	}

	waitErr := sess.Wait()
	if waitErr != nil {
		if !anyOut {
			return nil, fmt.Errorf("%w: %v", zserr.ErrChildTimeout, waitErr)
		}
		return nil, waitErr
	}
	if !success {
		if childErr == "" {
			childErr = "child reported failure"
		}
		return nil, fmt.Errorf("%w: %s", zserr.ErrChildSpawn, childErr)
	}
	return result, nil
}

// safetySummary runs a best-effort diffstat/secret scan over the
// agent's working directory after a successful task, for attachment to
// the TASK_COMPLETED lifecycle event. Any failure (no cwd, not a git
// repo, git not installed) yields an empty summary rather than failing
// the task — this is informational, not a gate.
func (r *Runtime) safetySummary() map[string]any {
	if r.cfg.CWD == "" {
		return nil
	}
	issues, stat, err := checkWorkspaceSafety(r.ctx, r.cfg.CWD)
	if err != nil || (len(issues) == 0 && len(stat) == 0) {
		return nil
	}
	out := map[string]any{}
	if len(stat) > 0 {
		out["diffStat"] = stat
	}
	if len(issues) > 0 {
		out["safetyIssues"] = issues
	}
	return out
}

// commandFor resolves the argv used to launch this agent's child
// process. The harness/model selection is intentionally minimal here —
// this package's job is process supervision, not CLI argument design,
// which is an external-collaborator concern
func (r *Runtime) commandFor() []string {
	cmd := []string{"zeroshot-agent-cli", "-p"}
	if r.cfg.Model != "" {
		cmd = append(cmd, "--model", r.cfg.Model)
	}
	return cmd
}

// buildPrompt composes the prompt block for one task execution: the
// agent's static prompt template, the triggering message, a curated
// slice of recent ledger history, and iteration metadata.
func (r *Runtime) buildPrompt(msg message.Message, iter int) string {
	var b strings.Builder
	b.WriteString(r.cfg.Prompt)
	b.WriteString("\n\n--- iteration ---\n")
	fmt.Fprintf(&b, "%d\n", iter)
	b.WriteString("\n--- triggering message ---\n")
	fmt.Fprintf(&b, "topic=%s sender=%s\n%s\n", msg.Topic, msg.Sender, msg.Content.Text)

	if root, ok, _ := r.lv.FindLast(r.ctx, message.TopicIssueOpened); ok {
		b.WriteString("\n--- issue root ---\n")
		b.WriteString(root.Content.Text)
		b.WriteString("\n")
	}

	recent, err := r.lv.Query(r.ctx, "*", 0, 0)
	if err == nil {
		if len(recent) > contextMessages {
			recent = recent[len(recent)-contextMessages:]
		}
		b.WriteString("\n--- recent messages ---\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "[%s] %s: %s\n", m.Topic, m.Sender, m.Content.Text)
		}
	}
	return b.String()
}

// Resume re-enters the agent after a failure.
// resumeMsg is the failure context message
// assembled by the orchestrator; preamble, if non-empty, is prefixed to
// the prompt as an explicit "you previously failed" notice. Resume
// forces task execution directly rather than going through
// handleMessage's trigger matching: the failed agent is resumed
// unconditionally, regardless of whether AGENT_ERROR happens to appear
// among its configured trigger topics.
func (r *Runtime) Resume(ctx context.Context, resumeMsg message.Message, preamble string) {
	r.ctx = ctx
	if preamble != "" {
		resumeMsg.Content.Text = preamble + "\n\n" + resumeMsg.Content.Text
		resumeMsg.Metadata = mergeMeta(resumeMsg.Metadata, map[string]any{"resumed": true})
	}
	r.setState(clusterconfig.AgentStateExecutingTask)
	go r.executeTask(resumeMsg)
}

func mergeMeta(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (r *Runtime) backoff(attempt int) time.Duration {
	d := r.deps.Retry.BaseDelay * float64(int(1)<<uint(attempt-1))
	if d > r.deps.Retry.MaxDelay {
		d = r.deps.Retry.MaxDelay
	}
	jitter := d * r.deps.Retry.Jitter * (rand.Float64()*2 - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d * float64(time.Second))
}

func (r *Runtime) publishLifecycle(event string, iter int, extra map[string]any) {
	data := map[string]any{"event": event, "iteration": iter, "agentId": r.cfg.ID}
	for k, v := range extra {
		data[k] = v
	}
	_, _ = r.deps.Bus.Publish(r.ctx, message.Message{
		Topic:    message.TopicAgentLifecycle,
		Sender:   r.cfg.ID,
		Receiver: message.ReceiverBroadcast,
		Content:  message.Content{Data: data},
	})
}

func (r *Runtime) publishAgentError(iter, attempt int, cause error, terminal bool) {
	data := map[string]any{
		"agentId":   r.cfg.ID,
		"role":      r.cfg.Role,
		"iteration": iter,
		"attempts":  attempt,
		"error":     cause.Error(),
		"terminal":  terminal,
	}
	_, _ = r.deps.Bus.Publish(r.ctx, message.Message{
		Topic:    message.TopicAgentError,
		Sender:   r.cfg.ID,
		Receiver: message.ReceiverBroadcast,
		Content:  message.Content{Data: data},
	})
}

// livenessLoop publishes an informational AGENT_STALE_WARNING when no
// output has been observed for deps.StaleWindow while the agent is
// executing a task. This never triggers an auto-kill.
func (r *Runtime) livenessLoop() {
	defer r.wg.Done()
	t := time.NewTicker(r.deps.StaleWindow / 4)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			r.mu.Lock()
			st := r.state
			last := r.lastOutputAt
			r.mu.Unlock()
			if st != clusterconfig.AgentStateExecutingTask || last == 0 {
				continue
			}
			if time.Since(time.UnixMilli(last)) > r.deps.StaleWindow {
				r.publishLifecycle("AGENT_STALE_WARNING", r.iterationSnapshot(), nil)
			}
		}
	}
}
