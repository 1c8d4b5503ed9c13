package domain

import (
	"fmt"
	"time"
)

// Workflow is the aggregate root described by spec §3. It is immutable once
// registered under its (ID, Version) pair: a new version is a new value, not
// an in-place mutation (spec §3 "Lifecycle").
type Workflow struct {
	ID          string
	Name        string
	Version     string
	Description string
	Kind        WorkflowKind

	Nodes map[string]*Node // keyed by Node.ID, unique within the workflow
	Edges []*Edge          // DAG only

	States       map[string]*State // state machine only, keyed by State.Name
	InitialState string
	FinalStates  []string

	Variables     map[string]any
	Triggers      []*Trigger
	ErrorHandlers []*ErrorHandlerRule
	Metadata      map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewWorkflow constructs an empty Workflow shell for the parser to populate.
func NewWorkflow(id, name, version string, kind WorkflowKind) *Workflow {
	now := timeNow()
	return &Workflow{
		ID:        id,
		Name:      name,
		Version:   version,
		Kind:      kind,
		Nodes:     make(map[string]*Node),
		States:    make(map[string]*State),
		Variables: make(map[string]any),
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// timeNow is indirected so tests can override it; production always uses
// time.Now.
var timeNow = time.Now

// AddNode registers a node, returning a ValidationError on a duplicate id.
func (w *Workflow) AddNode(n *Node) error {
	if _, exists := w.Nodes[n.ID]; exists {
		return NewValidationError(fmt.Sprintf("duplicate node id %q", n.ID))
	}
	w.Nodes[n.ID] = n
	return nil
}

// AddEdge appends an edge without validating endpoints; endpoint validation
// happens in ValidateStructure so that parser-synthesized edges and
// document-declared edges are checked uniformly.
func (w *Workflow) AddEdge(e *Edge) {
	w.Edges = append(w.Edges, e)
}

func (w *Workflow) AddState(s *State) error {
	if _, exists := w.States[s.Name]; exists {
		return NewValidationError(fmt.Sprintf("duplicate state name %q", s.Name))
	}
	w.States[s.Name] = s
	if s.Kind == StateInitial {
		w.InitialState = s.Name
	}
	if s.Kind == StateFinal {
		w.FinalStates = append(w.FinalStates, s.Name)
	}
	return nil
}

// ValidateStructure checks invariants I1–I3 and the Control/StateMachine
// shape rules of spec §4.1. It returns every violation found, not just the
// first, except for cycles (spec §4.1: "a single error naming the first
// cycle detected").
func (w *Workflow) ValidateStructure() []error {
	switch w.Kind {
	case KindHybrid:
		// Open Question (b): this kernel rejects Hybrid at parse time.
		return []error{NewParseError("hybrid workflows are not supported; declare kind=dag or kind=state_machine", nil)}
	case KindDAG:
		return w.validateDAG()
	case KindStateMachine:
		return w.validateStateMachine()
	default:
		return []error{NewValidationError(fmt.Sprintf("unknown workflow kind %q", w.Kind))}
	}
}

func (w *Workflow) validateDAG() []error {
	var errs []error

	if len(w.Nodes) == 0 {
		errs = append(errs, NewValidationError("workflow has no nodes"))
	}

	// Variable/node-id collision check (Open Question (a) decision).
	for id := range w.Nodes {
		if _, collides := w.Variables[id]; collides {
			errs = append(errs, NewValidationError(fmt.Sprintf("node id %q shadows a top-level variable name", id)))
		}
	}

	for _, n := range w.Nodes {
		if n.Type == NodeControl {
			if n.Subtype == "" {
				errs = append(errs, NewValidationError(fmt.Sprintf("control node %q has no subtype", n.ID)))
			} else if n.Subtype == ControlSwitch && (n.Switch == nil || len(n.Switch.Branches) == 0) {
				errs = append(errs, NewValidationError(fmt.Sprintf("control/switch node %q has no branches", n.ID)))
			}
		}
		for _, dep := range n.Dependencies {
			if _, ok := w.Nodes[dep]; !ok {
				errs = append(errs, NewDependencyError(n.ID, fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep)))
			}
		}
	}

	// I1: every edge's endpoints resolve to nodes of this workflow.
	for _, e := range w.Edges {
		if _, ok := w.Nodes[e.Source]; !ok {
			errs = append(errs, NewValidationError(fmt.Sprintf("edge source %q does not exist", e.Source)))
		}
		if _, ok := w.Nodes[e.Target]; !ok {
			errs = append(errs, NewValidationError(fmt.Sprintf("edge target %q does not exist", e.Target)))
		}
		if e.Source == e.Target {
			errs = append(errs, NewValidationError(fmt.Sprintf("edge from %q to itself is not allowed", e.Source)))
		}
	}

	if len(errs) == 0 {
		// I2: acyclicity, only meaningful once endpoints are known-good.
		if cyc := w.firstCycle(); cyc != "" {
			errs = append(errs, NewKernelError(KindValidationError, fmt.Sprintf("cyclic dependency detected at node %q", cyc), nil))
		}
	}

	return errs
}

func (w *Workflow) validateStateMachine() []error {
	var errs []error
	if w.InitialState == "" {
		errs = append(errs, NewValidationError("state machine has no initialState"))
	}
	if len(w.FinalStates) == 0 {
		errs = append(errs, NewValidationError("state machine has no final state reachable"))
	}
	initialCount := 0
	for _, s := range w.States {
		if s.Kind == StateInitial {
			initialCount++
		}
	}
	if initialCount != 1 {
		errs = append(errs, NewValidationError(fmt.Sprintf("state machine must have exactly one initial state, found %d", initialCount)))
	}
	for _, s := range w.States {
		for _, t := range s.Transitions {
			if _, ok := w.States[t.Target]; !ok {
				errs = append(errs, NewValidationError(fmt.Sprintf("state %q has transition to unknown state %q", s.Name, t.Target)))
			}
		}
	}
	return errs
}

// ValidateForExecution extends ValidateStructure with the additional rule
// that a workflow declares at least one trigger. Coordinator.Start does not
// call it: a workflow with no triggers starts unconditionally.
func (w *Workflow) ValidateForExecution() []error {
	errs := w.ValidateStructure()
	if len(w.Triggers) == 0 {
		errs = append(errs, NewValidationError("workflow has no triggers"))
	}
	return errs
}

// adjacency builds the dependency-edge forward adjacency (dep -> dependents)
// used by cycle detection and layering. It unions explicit Dependencies with
// DAG Edges, since the parser may populate either or both.
func (w *Workflow) adjacency() map[string][]string {
	adj := make(map[string][]string, len(w.Nodes))
	for id := range w.Nodes {
		adj[id] = nil
	}
	for _, n := range w.Nodes {
		for _, dep := range n.Dependencies {
			adj[dep] = append(adj[dep], n.ID)
		}
	}
	for _, e := range w.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	return adj
}

// Dependents returns every node that lists nodeID as a dependency or is the
// target of an edge sourced at nodeID (the Coordinator's downstream-walk
// needs this on every node completion, spec §4.4 step 5).
func (w *Workflow) Dependents(nodeID string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, id := range w.adjacency()[nodeID] {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// DependenciesOf returns the declared Dependencies of a node, unioned with
// the sources of edges targeting it.
func (w *Workflow) DependenciesOf(nodeID string) []string {
	n, ok := w.Nodes[nodeID]
	if !ok {
		return nil
	}
	deps := append([]string(nil), n.Dependencies...)
	for _, e := range w.Edges {
		if e.Target != nodeID {
			continue
		}
		found := false
		for _, d := range deps {
			if d == e.Source {
				found = true
				break
			}
		}
		if !found {
			deps = append(deps, e.Source)
		}
	}
	return deps
}

func (w *Workflow) inDegree() map[string]int {
	in := make(map[string]int, len(w.Nodes))
	for id := range w.Nodes {
		in[id] = 0
	}
	for _, targets := range w.adjacency() {
		for _, t := range targets {
			in[t]++
		}
	}
	return in
}

// firstCycle returns the id of a node participating in the first cycle found
// by DFS, or "" if the dependency graph is acyclic.
func (w *Workflow) firstCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(w.Nodes))
	adj := w.adjacency()

	var ids []string
	for id := range w.Nodes {
		ids = append(ids, id)
	}
	sortStrings(ids)

	var cycleNode string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				cycleNode = next
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycleNode
			}
		}
	}
	return ""
}

// ComputeParallelGroups assigns each node's ParallelGroup via Kahn layering:
// nodes sharing a topological layer receive the same marker (spec §4.1,
// advisory only).
func (w *Workflow) ComputeParallelGroups() {
	in := w.inDegree()
	adj := w.adjacency()

	layer := 0
	var frontier []string
	for id, deg := range in {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sortStrings(frontier)

	remaining := in
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			if n, ok := w.Nodes[id]; ok {
				n.ParallelGroup = layer
			}
			for _, dependent := range adj[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sortStrings(next)
		frontier = next
		layer++
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
