// Package parser converts the declarative workflow document (spec §6) into
// an in-memory domain.Workflow, synthesizing DAG edges from dependencies and
// computing advisory parallel groups, in the style of mbflow's
// internal/domain Workflow validation and internal/application/executor's
// config_parser.go JSON-roundtrip helper.
package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// document mirrors the top-level `workflow` document shape of spec §6.
type document struct {
	Workflow workflowDoc `yaml:"workflow" json:"workflow"`
}

type workflowDoc struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Version     string         `yaml:"version" json:"version"`
	Type        string         `yaml:"type" json:"type"`
	Description string         `yaml:"description" json:"description"`
	Nodes       []nodeDoc      `yaml:"nodes" json:"nodes"`
	Edges       []edgeDoc      `yaml:"edges" json:"edges"`
	States      []stateDoc     `yaml:"states" json:"states"`
	InitialState string        `yaml:"initial_state" json:"initial_state"`
	FinalStates []string       `yaml:"final_states" json:"final_states"`
	Variables   map[string]any `yaml:"variables" json:"variables"`
	Triggers    []triggerDoc   `yaml:"triggers" json:"triggers"`
	ErrorHandlers []handlerDoc `yaml:"error_handlers" json:"error_handlers"`
	Metadata    map[string]any `yaml:"metadata" json:"metadata"`
}

type nodeDoc struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	Type         string            `yaml:"type" json:"type"`
	Subtype      string            `yaml:"subtype" json:"subtype"`
	Config       map[string]any    `yaml:"config" json:"config"`
	Inputs       map[string]string `yaml:"inputs" json:"inputs"`
	Outputs      []string          `yaml:"outputs" json:"outputs"`
	Dependencies []string          `yaml:"dependencies" json:"dependencies"`
	Timeout      float64           `yaml:"timeout" json:"timeout"`
	RetryPolicy  *retryPolicyDoc   `yaml:"retry_policy" json:"retry_policy"`
	Compensation *compensationDoc  `yaml:"compensation" json:"compensation"`
	Branches     []branchDoc       `yaml:"branches" json:"branches"`
}

type branchDoc struct {
	Case string   `yaml:"case" json:"case"`
	To   []string `yaml:"to" json:"to"`
}

type retryPolicyDoc struct {
	MaxRetries    int      `yaml:"max_retries" json:"max_retries"`
	RetryDelay    float64  `yaml:"retry_delay" json:"retry_delay"`
	BackoffFactor float64  `yaml:"backoff_factor" json:"backoff_factor"`
	Strategy      string   `yaml:"strategy" json:"strategy"`
	Jitter        bool     `yaml:"jitter" json:"jitter"`
	RetryOn       []string `yaml:"retry_on" json:"retry_on"`
	Exclude       []string `yaml:"exclude" json:"exclude"`
}

type compensationDoc struct {
	Action string         `yaml:"action" json:"action"`
	Params map[string]any `yaml:"params" json:"params"`
}

type edgeDoc struct {
	Source      string            `yaml:"source" json:"source"`
	From        string            `yaml:"from" json:"from"`
	Target      string            `yaml:"target" json:"target"`
	To          string            `yaml:"to" json:"to"`
	Condition   string            `yaml:"condition" json:"condition"`
	DataMapping map[string]string `yaml:"data_mapping" json:"data_mapping"`
}

func (e edgeDoc) source() string {
	if e.Source != "" {
		return e.Source
	}
	return e.From
}

func (e edgeDoc) target() string {
	if e.Target != "" {
		return e.Target
	}
	return e.To
}

type actionDoc struct {
	Type     string         `yaml:"type" json:"type"`
	Params   map[string]any `yaml:"params" json:"params"`
	Optional bool           `yaml:"optional" json:"optional"`
}

type transitionDoc struct {
	Event     string      `yaml:"event" json:"event"`
	Condition string      `yaml:"condition" json:"condition"`
	Target    string      `yaml:"target" json:"target"`
	Actions   []actionDoc `yaml:"actions" json:"actions"`
}

type stateDoc struct {
	Name        string          `yaml:"name" json:"name"`
	Kind        string          `yaml:"kind" json:"kind"`
	OnEnter     []actionDoc     `yaml:"on_enter" json:"on_enter"`
	OnExit      []actionDoc     `yaml:"on_exit" json:"on_exit"`
	Transitions []transitionDoc `yaml:"transitions" json:"transitions"`
}

type triggerDoc struct {
	Type      string `yaml:"type" json:"type"`
	Condition string `yaml:"condition" json:"condition"`
}

type handlerDoc struct {
	NodePattern string         `yaml:"node_pattern" json:"node_pattern"`
	ErrorType   string         `yaml:"error_type" json:"error_type"`
	Action      actionRefDoc   `yaml:"action" json:"action"`
}

type actionRefDoc struct {
	Type   string         `yaml:"type" json:"type"`
	Target string         `yaml:"target" json:"target"`
	Params map[string]any `yaml:"params" json:"params"`
}

// ParseYAML decodes a YAML workflow document.
func ParseYAML(data []byte) (*domain.Workflow, []error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, []error{domain.NewParseError("invalid YAML document", err)}
	}
	return build(doc)
}

// ParseJSON decodes a JSON workflow document.
func ParseJSON(data []byte) (*domain.Workflow, []error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, []error{domain.NewParseError("invalid JSON document", err)}
	}
	return build(doc)
}

// ParseMap decodes an already-structured document, round-tripping through
// JSON the way mbflow's config_parser.go turns a generic config bag into a
// typed struct.
func ParseMap(m map[string]any) (*domain.Workflow, []error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, []error{domain.NewParseError("document is not JSON-representable", err)}
	}
	return ParseJSON(raw)
}

func build(doc document) (*domain.Workflow, []error) {
	wd := doc.Workflow
	kind, err := parseKind(wd.Type)
	if err != nil {
		return nil, []error{err}
	}

	w := domain.NewWorkflow(wd.ID, wd.Name, wd.Version, kind)
	w.Description = wd.Description
	if wd.Variables != nil {
		w.Variables = wd.Variables
	}
	if wd.Metadata != nil {
		w.Metadata = wd.Metadata
	}

	var errs []error

	for _, td := range wd.Triggers {
		w.Triggers = append(w.Triggers, &domain.Trigger{Type: domain.TriggerType(td.Type), Condition: td.Condition})
	}
	for _, hd := range wd.ErrorHandlers {
		w.ErrorHandlers = append(w.ErrorHandlers, &domain.ErrorHandlerRule{
			NodePattern:    hd.NodePattern,
			ErrorType:      domain.ErrorKind(hd.ErrorType),
			Action:         domain.ErrorHandlerAction(hd.Action.Type),
			FallbackNodeID: hd.Action.Target,
			Params:         hd.Action.Params,
		})
	}

	switch kind {
	case domain.KindDAG:
		errs = append(errs, buildDAG(w, wd)...)
	case domain.KindStateMachine:
		errs = append(errs, buildStateMachine(w, wd)...)
	}

	errs = append(errs, w.ValidateStructure()...)
	if len(errs) > 0 {
		return nil, errs
	}

	if kind == domain.KindDAG {
		w.ComputeParallelGroups()
	}
	return w, nil
}

func parseKind(t string) (domain.WorkflowKind, error) {
	k := domain.WorkflowKind(t)
	switch k {
	case domain.KindDAG, domain.KindStateMachine, domain.KindHybrid:
		return k, nil
	case "":
		return "", domain.NewParseError("workflow.type is required", nil)
	default:
		return "", domain.NewParseError(fmt.Sprintf("unknown workflow.type %q", t), nil)
	}
}

func buildDAG(w *domain.Workflow, wd workflowDoc) []error {
	var errs []error

	for _, nd := range wd.Nodes {
		n := &domain.Node{
			ID:           nd.ID,
			Name:         nd.Name,
			Type:         domain.NodeType(nd.Type),
			Subtype:      domain.ControlSubtype(nd.Subtype),
			Config:       nd.Config,
			Inputs:       nd.Inputs,
			Outputs:      nd.Outputs,
			Dependencies: nd.Dependencies,
		}
		if nd.Timeout > 0 {
			n.Timeout = time.Duration(nd.Timeout * float64(time.Second))
		}
		if nd.RetryPolicy != nil {
			n.RetryPolicy = buildRetryPolicy(nd.RetryPolicy)
		}
		if nd.Compensation != nil {
			n.Compensation = &domain.CompensationSpec{Action: nd.Compensation.Action, Params: nd.Compensation.Params}
		}
		if n.Type != "" && !n.Type.IsValid() {
			errs = append(errs, domain.NewValidationError(fmt.Sprintf("node %q has unknown type %q", n.ID, nd.Type)))
		}
		applyConfigShortcuts(n, nd)

		w.Nodes[n.ID] = n
	}

	for _, ed := range wd.Edges {
		e := &domain.Edge{Source: ed.source(), Target: ed.target(), Condition: ed.Condition, DataMapping: ed.DataMapping}
		w.Edges = append(w.Edges, e)
	}

	// Synthesize one edge per (dep -> node) when no edges were declared
	// (spec §4.1: "if Edges are absent, synthesize one edge per
	// (dep -> node) pair from dependencies").
	if len(wd.Edges) == 0 {
		for _, n := range w.Nodes {
			for _, dep := range n.Dependencies {
				w.Edges = append(w.Edges, &domain.Edge{Source: dep, Target: n.ID})
			}
		}
	}

	return errs
}

// applyConfigShortcuts wires Control subtype configs and agent_id/tool_id
// shortcuts from the generic Config bag, mirroring how mbflow's executor
// package pulls typed config out of map[string]any via parseConfig[T].
func applyConfigShortcuts(n *domain.Node, nd nodeDoc) {
	if v, ok := n.Config["agent_id"].(string); ok {
		n.AgentID = v
	}
	if v, ok := n.Config["tool_id"].(string); ok {
		n.ToolID = v
	}
	if v, ok := n.Config["sub_workflow_id"].(string); ok {
		n.SubWorkflowID = v
	}

	if n.Type != domain.NodeControl {
		return
	}
	switch n.Subtype {
	case domain.ControlSwitch:
		sc := &domain.SwitchConfig{}
		if v, ok := n.Config["condition"].(string); ok {
			sc.Condition = v
		}
		for _, bd := range nd.Branches {
			sc.Branches = append(sc.Branches, domain.SwitchBranch{Case: bd.Case, TargetIDs: bd.To})
		}
		n.Switch = sc
	case domain.ControlParallel:
		pc := &domain.ParallelConfig{}
		if branches, ok := n.Config["branches"].([]any); ok {
			for _, b := range branches {
				if s, ok := b.(string); ok {
					pc.Branches = append(pc.Branches, s)
				}
			}
		}
		if v, ok := n.Config["wait_all"].(bool); ok {
			pc.WaitAll = v
		} else {
			pc.WaitAll = true
		}
		n.Parallel = pc
	case domain.ControlLoop:
		lc := &domain.LoopConfig{}
		if v, ok := n.Config["condition"].(string); ok {
			lc.Condition = v
		}
		if v, ok := n.Config["max_iterations"].(float64); ok {
			lc.MaxIterations = int(v)
		}
		if v, ok := n.Config["body"].(string); ok {
			lc.BodyNodeID = v
		}
		n.Loop = lc
	}
	if n.Type == domain.NodeAggregation {
		ac := &domain.AggregationConfig{Strategy: "merge"}
		if v, ok := n.Config["strategy"].(string); ok {
			ac.Strategy = v
		}
		for _, dep := range n.Dependencies {
			ac.Sources = append(ac.Sources, dep)
		}
		n.Aggregation = ac
	}
}

func buildRetryPolicy(rd *retryPolicyDoc) *domain.RetryPolicy {
	strategy := domain.RetryStrategy(rd.Strategy)
	if strategy == "" {
		strategy = domain.RetryFixed
	}
	rp := &domain.RetryPolicy{
		MaxRetries:    rd.MaxRetries,
		RetryDelay:    time.Duration(rd.RetryDelay * float64(time.Second)),
		BackoffFactor: rd.BackoffFactor,
		Strategy:      strategy,
		Jitter:        rd.Jitter,
	}
	for _, k := range rd.RetryOn {
		rp.RetryOn = append(rp.RetryOn, domain.ErrorKind(k))
	}
	for _, k := range rd.Exclude {
		rp.Exclude = append(rp.Exclude, domain.ErrorKind(k))
	}
	if rp.BackoffFactor == 0 {
		rp.BackoffFactor = 2
	}
	return rp
}

func buildStateMachine(w *domain.Workflow, wd workflowDoc) []error {
	var errs []error
	for _, sd := range wd.States {
		kind := domain.StateKind(sd.Kind)
		if sd.Name == wd.InitialState {
			kind = domain.StateInitial
		}
		for _, fs := range wd.FinalStates {
			if fs == sd.Name {
				kind = domain.StateFinal
			}
		}
		if kind == "" {
			kind = domain.StateNormal
		}
		s := &domain.State{
			Name:    sd.Name,
			Kind:    kind,
			OnEnter: buildActions(sd.OnEnter),
			OnExit:  buildActions(sd.OnExit),
		}
		for _, td := range sd.Transitions {
			s.Transitions = append(s.Transitions, domain.Transition{
				Event:     td.Event,
				Condition: td.Condition,
				Target:    td.Target,
				Actions:   buildActions(td.Actions),
			})
		}
		if err := w.AddState(s); err != nil {
			errs = append(errs, err)
		}
	}
	if wd.InitialState != "" {
		w.InitialState = wd.InitialState
	}
	w.FinalStates = wd.FinalStates
	return errs
}

func buildActions(docs []actionDoc) []domain.ActionSpec {
	out := make([]domain.ActionSpec, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.ActionSpec{Type: d.Type, Params: d.Params, Optional: d.Optional})
	}
	return out
}
