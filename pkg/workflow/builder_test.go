package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowkernel/internal/domain"
)

func TestBuilder_DAG(t *testing.T) {
	w, errs := NewDAG("s1", "simple", "1").
		AddNode(NewNode("a", domain.NodeAgent).AgentID("echo").Input("msg", "${input.m}").Build()).
		AddNode(NewNode("b", domain.NodeAgent).AgentID("echo").DependsOn("a").Input("prev", "${a.msg}").Build()).
		AddEdge(NewEdge("a", "b").Build()).
		Build()

	require.Empty(t, errs)
	require.NotNil(t, w)
	assert.Equal(t, domain.KindDAG, w.Kind)
	assert.Len(t, w.Nodes, 2)
	assert.Equal(t, 0, w.Nodes["a"].ParallelGroup)
	assert.Equal(t, 1, w.Nodes["b"].ParallelGroup)
}

func TestBuilder_DuplicateNodePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate node id")
		}
	}()
	NewDAG("s1", "simple", "1").
		AddNode(NewNode("a", domain.NodeAgent).Build()).
		AddNode(NewNode("a", domain.NodeAgent).Build())
}

func TestBuilder_StateMachine(t *testing.T) {
	w, errs := NewStateMachine("sm1", "door", "1").
		InitialState("idle").
		FinalState("done").
		AddState(NewState("idle", domain.StateInitial).
			Transition(domain.Transition{Event: "start", Target: "done"}).
			Build()).
		AddState(NewState("done", domain.StateFinal).Build()).
		Build()

	require.Empty(t, errs)
	require.NotNil(t, w)
	assert.Equal(t, "idle", w.InitialState)
	assert.Contains(t, w.FinalStates, "done")
	assert.Len(t, w.States, 2)
}

func TestBuilder_InvalidWorkflowSurfacesValidationErrors(t *testing.T) {
	w, errs := NewDAG("empty", "empty", "1").Build()
	assert.Nil(t, w)
	assert.NotEmpty(t, errs)
}
