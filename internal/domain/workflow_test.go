package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dagWorkflow() *Workflow {
	w := NewWorkflow("wf1", "test", "1", KindDAG)
	_ = w.AddNode(&Node{ID: "a", Type: NodeAgent})
	_ = w.AddNode(&Node{ID: "b", Type: NodeAgent, Dependencies: []string{"a"}})
	_ = w.AddNode(&Node{ID: "c", Type: NodeAgent, Dependencies: []string{"a"}})
	w.AddEdge(&Edge{Source: "a", Target: "b"})
	w.AddEdge(&Edge{Source: "a", Target: "c"})
	return w
}

func TestValidateStructure_DAG_Valid(t *testing.T) {
	w := dagWorkflow()
	assert.Empty(t, w.ValidateStructure())
}

func TestValidateStructure_DAG_CycleDetected(t *testing.T) {
	w := NewWorkflow("wf1", "test", "1", KindDAG)
	_ = w.AddNode(&Node{ID: "a", Type: NodeAgent, Dependencies: []string{"b"}})
	_ = w.AddNode(&Node{ID: "b", Type: NodeAgent, Dependencies: []string{"a"}})

	errs := w.ValidateStructure()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "cyclic")
}

func TestValidateStructure_DAG_UnknownEdgeEndpoint(t *testing.T) {
	w := NewWorkflow("wf1", "test", "1", KindDAG)
	_ = w.AddNode(&Node{ID: "a", Type: NodeAgent})
	w.AddEdge(&Edge{Source: "a", Target: "ghost"})

	errs := w.ValidateStructure()
	require.NotEmpty(t, errs)
}

func TestValidateStructure_DAG_SelfEdgeRejected(t *testing.T) {
	w := NewWorkflow("wf1", "test", "1", KindDAG)
	_ = w.AddNode(&Node{ID: "a", Type: NodeAgent})
	w.AddEdge(&Edge{Source: "a", Target: "a"})

	errs := w.ValidateStructure()
	require.NotEmpty(t, errs)
}

func TestValidateStructure_VariableNodeIDCollision(t *testing.T) {
	w := NewWorkflow("wf1", "test", "1", KindDAG)
	w.Variables["a"] = 1
	_ = w.AddNode(&Node{ID: "a", Type: NodeAgent})

	errs := w.ValidateStructure()
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "shadows")
}

func TestValidateStructure_HybridRejected(t *testing.T) {
	w := NewWorkflow("wf1", "test", "1", KindHybrid)
	errs := w.ValidateStructure()
	require.Len(t, errs, 1)
	kerr, ok := errs[0].(*KernelError)
	require.True(t, ok)
	assert.Equal(t, KindParseError, kerr.Kind)
}

func TestValidateStructure_SwitchWithoutBranches(t *testing.T) {
	w := NewWorkflow("wf1", "test", "1", KindDAG)
	_ = w.AddNode(&Node{ID: "s", Type: NodeControl, Subtype: ControlSwitch})
	errs := w.ValidateStructure()
	require.NotEmpty(t, errs)
}

func TestComputeParallelGroups(t *testing.T) {
	w := dagWorkflow()
	require.Empty(t, w.ValidateStructure())
	w.ComputeParallelGroups()

	assert.Equal(t, 0, w.Nodes["a"].ParallelGroup)
	assert.Equal(t, 1, w.Nodes["b"].ParallelGroup)
	assert.Equal(t, 1, w.Nodes["c"].ParallelGroup)
}

func TestValidateStateMachine_Valid(t *testing.T) {
	w := NewWorkflow("sm1", "door", "1", KindStateMachine)
	_ = w.AddState(&State{Name: "idle", Kind: StateInitial, Transitions: []Transition{{Event: "go", Target: "done"}}})
	_ = w.AddState(&State{Name: "done", Kind: StateFinal})

	assert.Empty(t, w.ValidateStructure())
}

func TestValidateStateMachine_NoInitialState(t *testing.T) {
	w := NewWorkflow("sm1", "door", "1", KindStateMachine)
	_ = w.AddState(&State{Name: "done", Kind: StateFinal})

	errs := w.ValidateStructure()
	require.NotEmpty(t, errs)
}

func TestValidateStateMachine_UnknownTransitionTarget(t *testing.T) {
	w := NewWorkflow("sm1", "door", "1", KindStateMachine)
	_ = w.AddState(&State{Name: "idle", Kind: StateInitial, Transitions: []Transition{{Event: "go", Target: "ghost"}}})
	_ = w.AddState(&State{Name: "done", Kind: StateFinal})

	errs := w.ValidateStructure()
	require.NotEmpty(t, errs)
}

func TestValidateStateMachine_MultipleInitialStates(t *testing.T) {
	w := NewWorkflow("sm1", "door", "1", KindStateMachine)
	_ = w.AddState(&State{Name: "idle1", Kind: StateInitial})
	_ = w.AddState(&State{Name: "idle2", Kind: StateInitial})
	_ = w.AddState(&State{Name: "done", Kind: StateFinal})

	errs := w.ValidateStructure()
	require.NotEmpty(t, errs)
}

func TestValidateForExecution_RequiresTrigger(t *testing.T) {
	w := dagWorkflow()
	errs := w.ValidateForExecution()
	require.NotEmpty(t, errs)

	w.Triggers = append(w.Triggers, &Trigger{Type: TriggerManual})
	assert.Empty(t, w.ValidateForExecution())
}

func TestAddNode_DuplicateRejected(t *testing.T) {
	w := NewWorkflow("wf1", "test", "1", KindDAG)
	require.NoError(t, w.AddNode(&Node{ID: "a", Type: NodeAgent}))
	err := w.AddNode(&Node{ID: "a", Type: NodeAgent})
	require.Error(t, err)
}

func TestDependentsAndDependenciesOf(t *testing.T) {
	w := dagWorkflow()
	assert.ElementsMatch(t, []string{"b", "c"}, w.Dependents("a"))
	assert.ElementsMatch(t, []string{"a"}, w.DependenciesOf("b"))
}
