package statemachine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowkernel/internal/domain"
)

type recordingSink struct {
	published []domain.Event
}

func (s *recordingSink) Publish(topic string, evt domain.Event) {
	s.published = append(s.published, evt)
}

func happyPathWorkflow() *domain.Workflow {
	w := domain.NewWorkflow("w1", "order-flow", "1", domain.KindStateMachine)
	w.InitialState = "idle"
	w.FinalStates = []string{"completed"}
	w.States["idle"] = &domain.State{Name: "idle", Kind: domain.StateInitial, Transitions: []domain.Transition{
		{Event: "start", Target: "processing"},
	}}
	w.States["processing"] = &domain.State{Name: "processing", Kind: domain.StateNormal, Transitions: []domain.Transition{
		{Event: "finish", Target: "completed"},
	}}
	w.States["completed"] = &domain.State{Name: "completed", Kind: domain.StateFinal}
	return w
}

func TestRuntime_HappyPathTwoTransitions(t *testing.T) {
	sink := &recordingSink{}
	rt := NewRuntime(sink, zerolog.Nop())
	w := happyPathWorkflow()

	inst, err := rt.Create("e1", w)
	require.NoError(t, err)
	assert.Equal(t, "idle", inst.CurrentState)

	matched, err := rt.ProcessEvent(w, "e1", "start", nil)
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = rt.ProcessEvent(w, "e1", "finish", nil)
	require.NoError(t, err)
	assert.True(t, matched)

	assert.Equal(t, "completed", inst.CurrentState)
	assert.Len(t, inst.History, 2)
	assert.True(t, inst.Completed)

	completedCount := 0
	for _, e := range sink.published {
		if e.Type == domain.EventSMCompleted {
			completedCount++
		}
	}
	assert.Equal(t, 1, completedCount)
}

func TestRuntime_FalseGuardIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	rt := NewRuntime(sink, zerolog.Nop())
	w := happyPathWorkflow()
	w.States["idle"].Transitions = append(w.States["idle"].Transitions, domain.Transition{
		Event: "start", Condition: "false", Target: "completed",
	})
	// Put the guarded transition first so if it (incorrectly) matched we'd see it.
	w.States["idle"].Transitions = []domain.Transition{
		{Event: "start", Condition: "1 == 2", Target: "completed"},
		{Event: "start", Target: "processing"},
	}

	inst, err := rt.Create("e1", w)
	require.NoError(t, err)

	matched, err := rt.ProcessEvent(w, "e1", "start", nil)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "processing", inst.CurrentState)

	for _, e := range sink.published {
		assert.NotEqual(t, "completed", e.Payload["to"])
	}
}

func TestRuntime_NoMatchingTransitionReturnsFalse(t *testing.T) {
	sink := &recordingSink{}
	rt := NewRuntime(sink, zerolog.Nop())
	w := happyPathWorkflow()

	_, err := rt.Create("e1", w)
	require.NoError(t, err)

	matched, err := rt.ProcessEvent(w, "e1", "nonexistent-event", nil)
	require.NoError(t, err)
	assert.False(t, matched)
}
