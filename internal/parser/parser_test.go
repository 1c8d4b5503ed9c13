package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowkernel/internal/domain"
)

func TestParseYAML_SimpleDAG(t *testing.T) {
	doc := []byte(`
workflow:
  id: s1
  name: simple
  version: "1"
  type: dag
  triggers:
    - type: manual
  nodes:
    - id: a
      type: agent
      config: {agent_id: echo}
      inputs: {msg: "${input.m}"}
    - id: b
      type: agent
      config: {agent_id: echo}
      dependencies: [a]
      inputs: {prev: "${a.msg}"}
`)
	w, errs := ParseYAML(doc)
	require.Empty(t, errs)
	require.NotNil(t, w)
	assert.Equal(t, domain.KindDAG, w.Kind)
	assert.Len(t, w.Nodes, 2)
	require.Len(t, w.Edges, 1)
	assert.Equal(t, "a", w.Edges[0].Source)
	assert.Equal(t, "b", w.Edges[0].Target)
	assert.Equal(t, 0, w.Nodes["a"].ParallelGroup)
	assert.Equal(t, 1, w.Nodes["b"].ParallelGroup)
}

func TestParseYAML_DetectsCycle(t *testing.T) {
	doc := []byte(`
workflow:
  id: cyc
  type: dag
  nodes:
    - id: a
      type: agent
      dependencies: [b]
    - id: b
      type: agent
      dependencies: [a]
`)
	w, errs := ParseYAML(doc)
	assert.Nil(t, w)
	require.NotEmpty(t, errs)
}

func TestParseYAML_ControlSwitchRequiresBranches(t *testing.T) {
	doc := []byte(`
workflow:
  id: sw
  type: dag
  nodes:
    - id: a
      type: control
      subtype: switch
`)
	w, errs := ParseYAML(doc)
	assert.Nil(t, w)
	require.NotEmpty(t, errs)
}

func TestParseYAML_HybridRejected(t *testing.T) {
	doc := []byte(`
workflow:
  id: h
  type: hybrid
  nodes: []
`)
	w, errs := ParseYAML(doc)
	assert.Nil(t, w)
	require.NotEmpty(t, errs)
	kerr, ok := errs[0].(*domain.KernelError)
	require.True(t, ok)
	assert.Equal(t, domain.KindParseError, kerr.Kind)
}

func TestParseYAML_StateMachine(t *testing.T) {
	doc := []byte(`
workflow:
  id: sm1
  type: state_machine
  initial_state: idle
  final_states: [completed]
  states:
    - name: idle
      transitions:
        - event: start
          target: processing
    - name: processing
      transitions:
        - event: complete
          target: completed
    - name: completed
`)
	w, errs := ParseYAML(doc)
	require.Empty(t, errs)
	require.NotNil(t, w)
	assert.Equal(t, "idle", w.InitialState)
	assert.Equal(t, []string{"completed"}, w.FinalStates)
	assert.Equal(t, domain.StateInitial, w.States["idle"].Kind)
	assert.Equal(t, domain.StateFinal, w.States["completed"].Kind)
}

func TestParseYAML_NodeVariableCollision(t *testing.T) {
	doc := []byte(`
workflow:
  id: collide
  type: dag
  variables:
    a: 1
  nodes:
    - id: a
      type: agent
`)
	w, errs := ParseYAML(doc)
	assert.Nil(t, w)
	require.NotEmpty(t, errs)
}
