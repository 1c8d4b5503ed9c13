// Package workflow provides a fluent, programmatic alternative to
// internal/parser's YAML/JSON document decoding: build a domain.Workflow
// directly out of Go values, the way a test or an embedding application
// might want to construct one without writing out a document by hand.
// Grounded on the teacher's pkg/workflow DefinitionBuilder/NodeDefBuilder/
// EdgeDefBuilder chain, adapted from building the teacher's own
// Definition/NodeDef/EdgeDef document types to building domain.Workflow/
// domain.Node/domain.Edge directly, and extended with a StateBuilder for
// the state-machine side the teacher's builder never had.
package workflow

import (
	"time"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Builder assembles a domain.Workflow field by field, mirroring the
// teacher's DefinitionBuilder chain shape (one setter per field, each
// returning the receiver).
type Builder struct {
	w *domain.Workflow
}

// NewDAG starts a DAG workflow builder.
func NewDAG(id, name, version string) *Builder {
	return &Builder{w: domain.NewWorkflow(id, name, version, domain.KindDAG)}
}

// NewStateMachine starts a state-machine workflow builder.
func NewStateMachine(id, name, version string) *Builder {
	return &Builder{w: domain.NewWorkflow(id, name, version, domain.KindStateMachine)}
}

func (b *Builder) Description(desc string) *Builder { b.w.Description = desc; return b }

func (b *Builder) Variable(name string, value any) *Builder {
	if b.w.Variables == nil {
		b.w.Variables = make(map[string]any)
	}
	b.w.Variables[name] = value
	return b
}

func (b *Builder) Metadata(key string, value any) *Builder {
	if b.w.Metadata == nil {
		b.w.Metadata = make(map[string]any)
	}
	b.w.Metadata[key] = value
	return b
}

func (b *Builder) Trigger(t *domain.Trigger) *Builder {
	b.w.Triggers = append(b.w.Triggers, t)
	return b
}

func (b *Builder) ErrorHandler(rule *domain.ErrorHandlerRule) *Builder {
	b.w.ErrorHandlers = append(b.w.ErrorHandlers, rule)
	return b
}

// AddNode registers a node built via NewNode(...).Build(); a duplicate id
// panics, since a Builder call site is always construction-time code, not a
// place that should have to thread an error return (unlike
// Workflow.AddNode, which callers outside this package should still treat
// as fallible).
func (b *Builder) AddNode(n *domain.Node) *Builder {
	if err := b.w.AddNode(n); err != nil {
		panic(err)
	}
	return b
}

func (b *Builder) AddEdge(e *domain.Edge) *Builder {
	b.w.AddEdge(e)
	return b
}

func (b *Builder) InitialState(name string) *Builder { b.w.InitialState = name; return b }

func (b *Builder) FinalState(name string) *Builder {
	b.w.FinalStates = append(b.w.FinalStates, name)
	return b
}

func (b *Builder) AddState(s *domain.State) *Builder {
	if err := b.w.AddState(s); err != nil {
		panic(err)
	}
	return b
}

// Build returns the assembled Workflow, computing parallel groups for DAG
// workflows (spec §4.1) and running ValidateStructure so construction-time
// mistakes surface immediately rather than at Coordinator.Start.
func (b *Builder) Build() (*domain.Workflow, []error) {
	if errs := b.w.ValidateStructure(); len(errs) > 0 {
		return nil, errs
	}
	if b.w.Kind == domain.KindDAG {
		b.w.ComputeParallelGroups()
	}
	return b.w, nil
}

// NodeBuilder builds one domain.Node, mirroring the teacher's
// NodeDefBuilder chain.
type NodeBuilder struct {
	n *domain.Node
}

func NewNode(id string, t domain.NodeType) *NodeBuilder {
	return &NodeBuilder{n: &domain.Node{ID: id, Type: t, Config: map[string]any{}, Inputs: map[string]string{}}}
}

func (b *NodeBuilder) Name(name string) *NodeBuilder        { b.n.Name = name; return b }
func (b *NodeBuilder) Subtype(s domain.ControlSubtype) *NodeBuilder { b.n.Subtype = s; return b }
func (b *NodeBuilder) AgentID(id string) *NodeBuilder        { b.n.AgentID = id; return b }
func (b *NodeBuilder) ToolID(id string) *NodeBuilder         { b.n.ToolID = id; return b }
func (b *NodeBuilder) SubWorkflowID(id string) *NodeBuilder  { b.n.SubWorkflowID = id; return b }

func (b *NodeBuilder) Input(param, ref string) *NodeBuilder {
	if b.n.Inputs == nil {
		b.n.Inputs = map[string]string{}
	}
	b.n.Inputs[param] = ref
	return b
}

func (b *NodeBuilder) Output(name string) *NodeBuilder {
	b.n.Outputs = append(b.n.Outputs, name)
	return b
}

func (b *NodeBuilder) DependsOn(nodeIDs ...string) *NodeBuilder {
	b.n.Dependencies = append(b.n.Dependencies, nodeIDs...)
	return b
}

func (b *NodeBuilder) ConfigKV(key string, value any) *NodeBuilder {
	if b.n.Config == nil {
		b.n.Config = map[string]any{}
	}
	b.n.Config[key] = value
	return b
}

func (b *NodeBuilder) Timeout(d time.Duration) *NodeBuilder { b.n.Timeout = d; return b }

func (b *NodeBuilder) RetryPolicy(rp *domain.RetryPolicy) *NodeBuilder { b.n.RetryPolicy = rp; return b }

func (b *NodeBuilder) Compensation(action string, params map[string]any) *NodeBuilder {
	b.n.Compensation = &domain.CompensationSpec{Action: action, Params: params}
	return b
}

func (b *NodeBuilder) Switch(sc *domain.SwitchConfig) *NodeBuilder       { b.n.Switch = sc; return b }
func (b *NodeBuilder) Parallel(pc *domain.ParallelConfig) *NodeBuilder   { b.n.Parallel = pc; return b }
func (b *NodeBuilder) Loop(lc *domain.LoopConfig) *NodeBuilder           { b.n.Loop = lc; return b }
func (b *NodeBuilder) Aggregation(ac *domain.AggregationConfig) *NodeBuilder {
	b.n.Aggregation = ac
	return b
}

func (b *NodeBuilder) Build() *domain.Node { return b.n }

// EdgeBuilder builds one domain.Edge, mirroring the teacher's
// EdgeDefBuilder chain.
type EdgeBuilder struct {
	e *domain.Edge
}

func NewEdge(source, target string) *EdgeBuilder {
	return &EdgeBuilder{e: &domain.Edge{Source: source, Target: target}}
}

func (b *EdgeBuilder) Condition(expr string) *EdgeBuilder { b.e.Condition = expr; return b }

func (b *EdgeBuilder) DataMapping(from, to string) *EdgeBuilder {
	if b.e.DataMapping == nil {
		b.e.DataMapping = map[string]string{}
	}
	b.e.DataMapping[from] = to
	return b
}

func (b *EdgeBuilder) Build() *domain.Edge { return b.e }

// StateBuilder builds one domain.State, extending the teacher's builder
// idiom to the state-machine side of the model (the teacher's own
// pkg/workflow had no state-machine support at all).
type StateBuilder struct {
	s *domain.State
}

func NewState(name string, kind domain.StateKind) *StateBuilder {
	return &StateBuilder{s: &domain.State{Name: name, Kind: kind}}
}

func (b *StateBuilder) OnEnter(actions ...domain.ActionSpec) *StateBuilder {
	b.s.OnEnter = append(b.s.OnEnter, actions...)
	return b
}

func (b *StateBuilder) OnExit(actions ...domain.ActionSpec) *StateBuilder {
	b.s.OnExit = append(b.s.OnExit, actions...)
	return b
}

func (b *StateBuilder) Transition(t domain.Transition) *StateBuilder {
	b.s.Transitions = append(b.s.Transitions, t)
	return b
}

func (b *StateBuilder) Build() *domain.State { return b.s }
