// Package statemachine implements the State Machine Runtime of spec §4.5:
// an instance store, ordered-transition matching with guard evaluation, and
// pluggable onEnter/onExit/transition action dispatch.
package statemachine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/flowkernel/internal/domain"
	"github.com/smilemakc/flowkernel/internal/exprutil"
)

// HistoryRecord is one entry of an instance's transition history (spec
// §4.5).
type HistoryRecord struct {
	Event     string
	FromState string
	ToState   string
	Timestamp time.Time
}

// Instance is one running state-machine Execution (spec §4.5 "instance
// store maps instanceId -> {workflowId, currentState, variables,
// history}").
type Instance struct {
	mu sync.Mutex

	InstanceID   string
	WorkflowID   string
	CurrentState string
	Variables    map[string]any
	History      []HistoryRecord
	Completed    bool
}

// ActionHandler performs one dispatched action. Unknown action types are an
// error unless ActionSpec.Optional is set (spec §4.5).
type ActionHandler func(instance *Instance, action domain.ActionSpec) error

// Runtime is the State Machine Runtime.
type Runtime struct {
	log       zerolog.Logger
	evaluator *exprutil.Evaluator
	sink      domain.EventSink

	agents domain.AgentInvoker
	tools  domain.ToolInvoker

	mu        sync.RWMutex
	instances map[string]*Instance

	actionsMu sync.RWMutex
	actions   map[string]ActionHandler
}

// SetAgentInvoker wires the collaborator the "invokeAgent" built-in action
// delegates to; left nil, that action type is simply unregistered.
func (r *Runtime) SetAgentInvoker(agents domain.AgentInvoker) {
	r.agents = agents
	if agents != nil {
		r.RegisterAction("invokeAgent", r.invokeAgentAction)
	}
}

// SetToolInvoker wires the collaborator the "invokeTool" built-in action
// delegates to; left nil, that action type is simply unregistered.
func (r *Runtime) SetToolInvoker(tools domain.ToolInvoker) {
	r.tools = tools
	if tools != nil {
		r.RegisterAction("invokeTool", r.invokeToolAction)
	}
}

func NewRuntime(sink domain.EventSink, log zerolog.Logger) *Runtime {
	r := &Runtime{
		log:       log.With().Str("component", "statemachine").Logger(),
		evaluator: exprutil.NewEvaluator(true),
		sink:      sink,
		instances: make(map[string]*Instance),
		actions:   make(map[string]ActionHandler),
	}
	r.RegisterAction("log", func(instance *Instance, action domain.ActionSpec) error {
		r.log.Info().Str("instance", instance.InstanceID).Interface("params", action.Params).Msg("state action: log")
		return nil
	})
	r.RegisterAction("setVariable", func(instance *Instance, action domain.ActionSpec) error {
		name, _ := action.Params["name"].(string)
		if name == "" {
			return nil
		}
		instance.Variables[name] = action.Params["value"]
		return nil
	})
	r.RegisterAction("publishEvent", func(instance *Instance, action domain.ActionSpec) error {
		if r.sink == nil {
			return nil
		}
		topic, _ := action.Params["topic"].(string)
		if topic == "" {
			topic = "workflow.node.events"
		}
		r.sink.Publish(topic, domain.Event{Type: domain.EventStateChanged, ExecutionID: instance.InstanceID, WorkflowID: instance.WorkflowID, Timestamp: time.Now(), Payload: action.Params})
		return nil
	})
	return r
}

// invokeAgentAction implements the "invokeAgent" built-in action (spec §5
// supplemented feature: state-machine workflows reach the same Agent
// collaborators DAG workflows do). Params: agentId, input (map). The
// invocation's output is merged into the instance's variables under the
// action's "as" param name, or "agentOutput" if that is absent.
func (r *Runtime) invokeAgentAction(inst *Instance, action domain.ActionSpec) error {
	agentID, _ := action.Params["agentId"].(string)
	if agentID == "" {
		return domain.NewValidationError("invokeAgent action missing agentId param")
	}
	input, _ := action.Params["input"].(map[string]any)
	execCtx := domain.NewExecutionContext(inst.WorkflowID, inst.InstanceID, inst.Variables)
	output, err := r.agents.InvokeAgent(context.Background(), agentID, input, execCtx)
	if err != nil {
		return domain.NewNodeExecutionError(agentID, "invokeAgent action failed", err)
	}
	name, _ := action.Params["as"].(string)
	if name == "" {
		name = "agentOutput"
	}
	inst.Variables[name] = output
	return nil
}

// invokeToolAction implements the "invokeTool" built-in action, symmetric to
// invokeAgentAction. Params: toolId, parameters (map), as (output variable
// name, default "toolOutput").
func (r *Runtime) invokeToolAction(inst *Instance, action domain.ActionSpec) error {
	toolID, _ := action.Params["toolId"].(string)
	if toolID == "" {
		return domain.NewValidationError("invokeTool action missing toolId param")
	}
	params, _ := action.Params["parameters"].(map[string]any)
	if errs := r.tools.ValidateParameters(context.Background(), toolID, params); len(errs) > 0 {
		return domain.NewKernelError(domain.KindValidationError, "invokeTool parameter validation failed", errs[0])
	}
	output, err := r.tools.InvokeTool(context.Background(), toolID, params)
	if err != nil {
		return domain.NewNodeExecutionError(toolID, "invokeTool action failed", err)
	}
	name, _ := action.Params["as"].(string)
	if name == "" {
		name = "toolOutput"
	}
	inst.Variables[name] = output
	return nil
}

// RegisterAction adds or replaces an action-type handler.
func (r *Runtime) RegisterAction(actionType string, fn ActionHandler) {
	r.actionsMu.Lock()
	defer r.actionsMu.Unlock()
	r.actions[actionType] = fn
}

// Create starts a new instance at the workflow's initial state, running its
// onEnter actions (spec §4.5).
func (r *Runtime) Create(instanceID string, w *domain.Workflow) (*Instance, error) {
	initial, ok := w.States[w.InitialState]
	if !ok {
		return nil, domain.NewValidationError("workflow has no initial state")
	}
	inst := &Instance{
		InstanceID:   instanceID,
		WorkflowID:   w.ID,
		CurrentState: initial.Name,
		Variables:    make(map[string]any),
	}
	if err := r.runActions(inst, initial.OnEnter); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.instances[instanceID] = inst
	r.mu.Unlock()
	return inst, nil
}

func (r *Runtime) Get(instanceID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[instanceID]
	return inst, ok
}

// ProcessEvent implements spec §4.5's processEvent: merge payload into
// variables, find the first matching transition in declaration order (event
// name matches and guard, if any, evaluates truthy), run onExit, the
// transition's actions, swap state, run onEnter, append history. Returns
// false if no transition matched.
func (r *Runtime) ProcessEvent(w *domain.Workflow, instanceID, event string, payload map[string]any) (bool, error) {
	inst, ok := r.Get(instanceID)
	if !ok {
		return false, domain.NewKernelError(domain.KindNotFound, "no such state machine instance: "+instanceID, nil)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	for k, v := range payload {
		inst.Variables[k] = v
	}

	current, ok := w.States[inst.CurrentState]
	if !ok {
		return false, domain.NewKernelError(domain.KindInvalidState, "unknown current state: "+inst.CurrentState, nil)
	}

	for _, t := range current.Transitions {
		if t.Event != event {
			continue
		}
		if t.Condition != "" {
			truthy, err := r.evaluator.EvalBool(t.Condition, inst.Variables)
			if err != nil || !truthy {
				continue
			}
		}

		if err := r.runActions(inst, current.OnExit); err != nil {
			return false, err
		}
		if err := r.runActions(inst, t.Actions); err != nil {
			return false, err
		}

		target, ok := w.States[t.Target]
		if !ok {
			return false, domain.NewStateTransitionError(inst.CurrentState, t.Target, "transition target does not exist")
		}
		from := inst.CurrentState
		inst.CurrentState = target.Name
		if err := r.runActions(inst, target.OnEnter); err != nil {
			return false, err
		}

		inst.History = append(inst.History, HistoryRecord{Event: event, FromState: from, ToState: target.Name, Timestamp: time.Now()})
		if r.sink != nil {
			r.sink.Publish(domain.EventStateChanged.Topic(), domain.Event{
				Type: domain.EventStateChanged, WorkflowID: inst.WorkflowID, ExecutionID: inst.InstanceID,
				Timestamp: time.Now(), Payload: map[string]any{"from": from, "to": target.Name, "event": event},
			})
		}

		if isFinal(w, target.Name) {
			inst.Completed = true
			if r.sink != nil {
				r.sink.Publish(domain.EventSMCompleted.Topic(), domain.Event{
					Type: domain.EventSMCompleted, WorkflowID: inst.WorkflowID, ExecutionID: inst.InstanceID, Timestamp: time.Now(),
				})
			}
		}
		return true, nil
	}

	return false, nil
}

func isFinal(w *domain.Workflow, name string) bool {
	for _, fs := range w.FinalStates {
		if fs == name {
			return true
		}
	}
	return false
}

func (r *Runtime) runActions(inst *Instance, actions []domain.ActionSpec) error {
	for _, a := range actions {
		r.actionsMu.RLock()
		fn, ok := r.actions[a.Type]
		r.actionsMu.RUnlock()
		if !ok {
			if a.Optional {
				continue
			}
			return domain.NewKernelError(domain.KindSchedulingError, "unknown action type: "+a.Type, nil)
		}
		if err := fn(inst, a); err != nil {
			return err
		}
	}
	return nil
}
