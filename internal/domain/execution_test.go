package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecution_LifecycleHappyPath(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", map[string]any{"x": 1})

	require.NoError(t, exec.Start())
	assert.Equal(t, ExecRunning, exec.Status())

	require.NoError(t, exec.MarkNodeReady("a"))
	require.NoError(t, exec.StartNode("a", map[string]any{"msg": "hi"}))
	require.NoError(t, exec.CompleteNode("a", map[string]any{"out": "bye"}))

	out, ok := exec.Context().NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, "bye", out["out"])

	require.NoError(t, exec.Complete())
	assert.Equal(t, ExecCompleted, exec.Status())
	assert.False(t, exec.FinishedAt().IsZero())
}

func TestExecution_StartTwiceFails(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())
	err := exec.Start()
	require.Error(t, err)
}

func TestExecution_CompleteRejectsUnsettledNodes(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.MarkNodeReady("a"))
	require.NoError(t, exec.StartNode("a", nil))

	err := exec.Complete()
	require.Error(t, err)
	kerr, ok := err.(*KernelError)
	require.True(t, ok)
	assert.Equal(t, KindInvariantViolated, kerr.Kind)
}

func TestExecution_SkipNodeCountsAsSatisfied(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.MarkNodeReady("a"))
	require.NoError(t, exec.StartNode("a", nil))
	require.NoError(t, exec.SkipNode("a", "condition false"))

	snap := exec.Snapshot()
	assert.True(t, snap["a"].Status.Satisfied())
	require.NoError(t, exec.Complete())
}

func TestExecution_CancelIdempotent(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.Cancel())
	assert.Equal(t, ExecCancelled, exec.Status())
	require.NoError(t, exec.Cancel())
	assert.Equal(t, ExecCancelled, exec.Status())
}

func TestExecution_SuspendResume(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.Suspend())
	assert.Equal(t, ExecSuspended, exec.Status())
	require.NoError(t, exec.Resume())
	assert.Equal(t, ExecRunning, exec.Status())

	// Resume from a non-Suspended status is a no-op, per spec §8.
	require.NoError(t, exec.Resume())
	assert.Equal(t, ExecRunning, exec.Status())
}

func TestExecution_FailThenCancelIsNoOp(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.Fail("boom"))
	assert.Equal(t, ExecFailed, exec.Status())

	require.NoError(t, exec.Cancel())
	assert.Equal(t, ExecFailed, exec.Status(), "terminal status must not be overwritten")
}

func TestExecution_RetryNodeIncrementsCount(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.MarkNodeReady("a"))
	require.NoError(t, exec.StartNode("a", nil))
	require.NoError(t, exec.FailNode("a", KindNodeExecutionError, "failed"))

	count, err := exec.RetryNode("a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, NodeRetrying, exec.Snapshot()["a"].Status)
}

func TestExecution_UncommittedEventsDrain(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())

	events := exec.UncommittedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, EventWorkflowStarted, events[0].Type)

	assert.Empty(t, exec.UncommittedEvents())
}

func TestExecution_SnapshotRoundTrip(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", map[string]any{"x": 1})
	require.NoError(t, exec.Start())
	require.NoError(t, exec.MarkNodeReady("a"))
	require.NoError(t, exec.StartNode("a", map[string]any{"in": 1}))
	require.NoError(t, exec.CompleteNode("a", map[string]any{"out": 2}))
	exec.SetVariable("v", "val")

	snap := exec.ToSnapshot()
	restored := ReconstructExecution(snap)

	assert.Equal(t, exec.ID(), restored.ID())
	assert.Equal(t, exec.Status(), restored.Status())
	v, ok := restored.Context().Variable("v")
	require.True(t, ok)
	assert.Equal(t, "val", v)
	out, ok := restored.Context().NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, 2, out["out"])
}

func TestRebuildFromEvents(t *testing.T) {
	exec := NewExecution("e1", "wf1", "1", "", nil)
	require.NoError(t, exec.Start())
	require.NoError(t, exec.MarkNodeReady("a"))
	require.NoError(t, exec.StartNode("a", nil))
	require.NoError(t, exec.CompleteNode("a", map[string]any{"out": 1}))
	require.NoError(t, exec.Complete())

	events := exec.UncommittedEvents()
	rebuilt, err := RebuildFromEvents("e1", "wf1", "1", events)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, rebuilt.Status())
	out, ok := rebuilt.Context().NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, 1, out["out"])
}

func TestChildExecution_FallsBackToParentContext(t *testing.T) {
	parent := NewExecution("parent", "wf1", "1", "", map[string]any{"root": "value"})
	parent.SetVariable("shared", "parentVal")

	child := NewChildExecution("child", "wf2", "1", "parent", parent.Context(), map[string]any{"local": "childVal"})

	v, ok := child.Context().Input("root")
	require.True(t, ok)
	assert.Equal(t, "value", v)

	v, ok = child.Context().Variable("shared")
	require.True(t, ok)
	assert.Equal(t, "parentVal", v)

	v, ok = child.Context().Input("local")
	require.True(t, ok)
	assert.Equal(t, "childVal", v)
}

func TestNodeExecution_IllegalTransitionRejected(t *testing.T) {
	ne := NewNodeExecution("e1", "a")
	err := ne.MarkRunning(nil)
	require.Error(t, err)
	kerr, ok := err.(*KernelError)
	require.True(t, ok)
	assert.Equal(t, KindStateTransitionErr, kerr.Kind)
}
