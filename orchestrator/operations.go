package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zeroshot-dev/zeroshot/agent"
	"github.com/zeroshot-dev/zeroshot/clusterconfig"
	"github.com/zeroshot-dev/zeroshot/message"
	"github.com/zeroshot-dev/zeroshot/zserr"
)

// Operation is one entry of a CLUSTER_OPERATIONS chain.
// Fields are a union over every supported action; only the ones that
// action needs are populated.
type Operation struct {
	Action string `json:"action"`

	// add_agents
	Agents []clusterconfig.AgentConfig `json:"agents,omitempty"`

	// remove_agents
	AgentIDs []string `json:"agentIds,omitempty"`

	// update_agent
	AgentID string         `json:"agentId,omitempty"`
	Updates map[string]any `json:"updates,omitempty"`

	// publish
	Topic    string         `json:"topic,omitempty"`
	Content  message.Content `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// load_config: Config holds a named static config; Base/Params hold
	// a parameterized base template. Both accept the documented union
	// shape via Operation's custom UnmarshalJSON below: a string
	// payload in the "config" key lands in Config, an object payload
	// there is unpacked into Base/Params instead.
	Config string         `json:"-"`
	Base   string         `json:"base,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// UnmarshalJSON decodes an Operation, special-casing "config" so it
// accepts either a bare string (a named static config) or an object
// (the parameterized {base, params} form) — the union the
// load_config operation accepts.
func (op *Operation) UnmarshalJSON(data []byte) error {
	type alias Operation
	aux := struct {
		Config json.RawMessage `json:"config,omitempty"`
		*alias
	}{alias: (*alias)(op)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Config) == 0 || string(aux.Config) == "null" {
		return nil
	}
	var asString string
	if err := json.Unmarshal(aux.Config, &asString); err == nil {
		op.Config = asString
		return nil
	}
	var asObject struct {
		Base   string         `json:"base"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(aux.Config, &asObject); err != nil {
		return fmt.Errorf("%w: load_config \"config\" must be a string or {base, params} object: %v", zserr.ErrOperationValidation, err)
	}
	op.Base = asObject.Base
	op.Params = asObject.Params
	return nil
}

// handleOperationsChain is the CLUSTER_OPERATIONS subscriber: it parses
// the payload into an ordered Operation list, pre-validates the whole
// chain as an atomic unit against a hypothetical post-chain agent set,
// then executes sequentially only if validation passed.
func (o *Orchestrator) handleOperationsChain(c *Cluster, msg message.Message) {
	ops, err := decodeOperations(msg.Content.Data)
	if err != nil {
		o.publishOperationsValidationFailed(c, []string{err.Error()})
		return
	}

	hypothetical, resolvedConfigs, err := o.hypotheticalConfig(c, ops)
	if err != nil {
		o.publishOperationsValidationFailed(c, []string{err.Error()})
		return
	}
	if err := hypothetical.Validate(); err != nil {
		o.publishOperationsValidationFailed(c, []string{err.Error()})
		return
	}

	for i, op := range ops {
		if err := o.executeOperation(c, op, resolvedConfigs[i]); err != nil {
			o.publishOperationsFailed(c, op.Action, err)
			_ = o.StopCluster(context.Background(), c.rec.ID)
			return
		}
	}
}

func decodeOperations(data any) ([]Operation, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal operations payload: %v", zserr.ErrOperationValidation, err)
	}
	var ops []Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("%w: parse operations payload: %v", zserr.ErrOperationValidation, err)
	}
	return ops, nil
}

// hypotheticalConfig applies every operation's structural effect (not
// its side effects) to a copy of the cluster's current config, so
// Validate can run once over the whole chain's end state before
// anything executes for real. Returns, per operation index, the
// resolved clusterconfig.Config a load_config operation produced (nil
// for every other action), so executeOperation doesn't re-resolve it.
func (o *Orchestrator) hypotheticalConfig(c *Cluster, ops []Operation) (clusterconfig.Config, []clusterconfig.Config, error) {
	cfg := c.Record().Config.Clone()
	resolved := make([]clusterconfig.Config, len(ops))

	for i, op := range ops {
		switch op.Action {
		case "add_agents":
			for _, ac := range op.Agents {
				// An explicit add_agents naming an id that already exists
				// (or repeats within the chain) aborts the whole chain at
				// pre-validation; only load_config below gets the lenient
				// skip-duplicates treatment, since a resolved template may
				// legitimately re-list agents that are already running.
				if _, exists := cfg.AgentByID(ac.ID); exists {
					return cfg, nil, fmt.Errorf("%w: add_agents: duplicate agent id %q", zserr.ErrOperationValidation, ac.ID)
				}
				cfg = cfg.WithAgent(ac)
			}
		case "remove_agents":
			cfg = cfg.WithoutAgents(op.AgentIDs)
		case "update_agent":
			updated, err := cfg.WithAgentUpdated(op.AgentID, op.Updates)
			if err != nil {
				return cfg, nil, fmt.Errorf("%w: %v", zserr.ErrOperationValidation, err)
			}
			cfg = updated
		case "publish":
			// no structural effect on the agent set
		case "load_config":
			loaded, err := o.resolveLoadConfig(op)
			if err != nil {
				return cfg, nil, err
			}
			resolved[i] = loaded
			for _, ac := range loaded.Agents {
				cfg = cfg.WithAgent(ac)
			}
		default:
			return cfg, nil, fmt.Errorf("%w: unknown operation %q", zserr.ErrOperationValidation, op.Action)
		}
	}
	return cfg, resolved, nil
}

func (o *Orchestrator) resolveLoadConfig(op Operation) (clusterconfig.Config, error) {
	if o.templates == nil {
		return clusterconfig.Config{}, fmt.Errorf("%w: no template registry configured", zserr.ErrTemplate)
	}
	if op.Base != "" {
		return o.templates.Resolve(op.Base, op.Params)
	}
	if op.Config != "" {
		return o.templates.Resolve(op.Config, op.Params)
	}
	return clusterconfig.Config{}, fmt.Errorf("%w: load_config requires base or config", zserr.ErrMissingParams)
}

// executeOperation applies one already-validated operation for real.
// preresolved is the clusterconfig.Config hypotheticalConfig computed
// for a load_config operation (zero value for every other action).
func (o *Orchestrator) executeOperation(c *Cluster, op Operation, preresolved clusterconfig.Config) error {
	switch op.Action {
	case "add_agents":
		for _, ac := range op.Agents {
			o.addAgentLocked(c, ac)
		}
		return nil
	case "remove_agents":
		o.removeAgents(c, op.AgentIDs)
		return nil
	case "update_agent":
		return o.updateAgent(c, op.AgentID, op.Updates)
	case "publish":
		_, err := c.bus.Publish(context.Background(), message.Message{
			Topic: op.Topic, Sender: message.SenderOrchestrator, Receiver: message.ReceiverBroadcast,
			Content: op.Content, Metadata: op.Metadata,
		})
		return err
	case "load_config":
		for _, ac := range preresolved.Agents {
			o.addAgentLocked(c, ac)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operation %q", zserr.ErrOperationValidation, op.Action)
	}
}

// addAgentLocked instantiates and starts one agent, skipping duplicates
// by id (the add_agents contract) and injecting the cluster's
// current workspace cwd.
func (o *Orchestrator) addAgentLocked(c *Cluster, ac clusterconfig.AgentConfig) {
	c.mu.Lock()
	_, exists := c.agents[ac.ID]
	c.mu.Unlock()
	if exists {
		return
	}
	if ac.CWD == "" && c.workspace != nil {
		ac.CWD = c.workspace.CWD()
	}
	c.mu.Lock()
	c.rec.Config = c.rec.Config.WithAgent(ac)
	c.mu.Unlock()
	o.startAgent(c, ac)
}

func (o *Orchestrator) removeAgents(c *Cluster, ids []string) {
	c.mu.Lock()
	var toStop []*agent.Runtime
	for _, id := range ids {
		if a, ok := c.agents[id]; ok {
			toStop = append(toStop, a)
			delete(c.agents, id)
		}
	}
	c.rec.Config = c.rec.Config.WithoutAgents(ids)
	c.mu.Unlock()

	for _, a := range toStop {
		a.Stop(stopGraceDeadline)
	}
}

func (o *Orchestrator) updateAgent(c *Cluster, id string, updates map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	updatedCfg, err := c.rec.Config.WithAgentUpdated(id, updates)
	if err != nil {
		return fmt.Errorf("%w: %v", zserr.ErrOperationValidation, err)
	}
	c.rec.Config = updatedCfg
	// Updating a live agent's in-memory prompt/model/cwd requires
	// replacing its Runtime, since Runtime holds an immutable
	// clusterconfig.AgentConfig snapshot; the old runtime is stopped and
	// a new one started with the merged config so in-flight tasks of the
	// stale config are never silently continued.
	if old, ok := c.agents[id]; ok {
		newCfg, _ := updatedCfg.AgentByID(id)
		delete(c.agents, id)
		go func() {
			old.Stop(stopGraceDeadline)
			o.startAgent(c, newCfg)
		}()
	}
	return nil
}

func (o *Orchestrator) publishOperationsValidationFailed(c *Cluster, errs []string) {
	_, _ = c.bus.Publish(context.Background(), message.Message{
		Topic:    message.TopicClusterOperationsValidation,
		Sender:   message.SenderOrchestrator,
		Receiver: message.ReceiverBroadcast,
		Content:  message.Content{Data: map[string]any{"errors": errs}},
	})
}

func (o *Orchestrator) publishOperationsFailed(c *Cluster, action string, cause error) {
	_, _ = c.bus.Publish(context.Background(), message.Message{
		Topic:    message.TopicClusterOperationsFailed,
		Sender:   message.SenderOrchestrator,
		Receiver: message.ReceiverBroadcast,
		Content:  message.Content{Data: map[string]any{"action": action, "error": cause.Error()}},
	})
}
