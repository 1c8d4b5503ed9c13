package compensation

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowkernel/internal/domain"
)

func workflowWithCompensatingNodes() *domain.Workflow {
	w := domain.NewWorkflow("w1", "w1", "1", domain.KindDAG)
	w.Nodes["n0"] = &domain.Node{ID: "n0", Compensation: &domain.CompensationSpec{Action: "rollback"}}
	w.Nodes["n1"] = &domain.Node{ID: "n1"}
	return w
}

func TestBuildPlan_OnlySuccessNodesWithCompensation(t *testing.T) {
	w := workflowWithCompensatingNodes()
	exec := domain.NewExecution("e1", "w1", "1", "", nil)
	require.NoError(t, exec.MarkNodeReady("n0"))
	require.NoError(t, exec.StartNode("n0", nil))
	require.NoError(t, exec.CompleteNode("n0", map[string]any{}))

	plan := BuildPlan(w, exec, domain.CompensationReverse)
	require.Len(t, plan, 1)
	assert.Equal(t, "n0", plan[0].NodeID)
	assert.Equal(t, "rollback", plan[0].Action)
}

func TestExecute_SequentialStopsOnFirstFailure(t *testing.T) {
	m := NewManager(zerolog.Nop())
	m.RegisterAction("boom", func(ctx context.Context, rec *Record) error { return assert.AnError })

	plan := []*Record{
		{NodeID: "a", Action: "boom", Status: domain.CompPending},
		{NodeID: "b", Action: "rollback", Status: domain.CompPending},
	}
	ok := m.Execute(context.Background(), "e1", plan, domain.CompensationSequential)
	assert.False(t, ok)
	assert.Equal(t, domain.CompFailed, plan[0].Status)
	assert.Equal(t, domain.CompSkipped, plan[1].Status)
}

func TestExecute_ParallelAllSucceed(t *testing.T) {
	m := NewManager(zerolog.Nop())
	plan := []*Record{
		{NodeID: "a", Action: "rollback", Status: domain.CompPending},
		{NodeID: "b", Action: "cleanup", Status: domain.CompPending},
	}
	ok := m.Execute(context.Background(), "e1", plan, domain.CompensationParallel)
	assert.True(t, ok)
	for _, r := range plan {
		assert.Equal(t, domain.CompCompleted, r.Status)
	}
}

func TestStatus_CountsByState(t *testing.T) {
	m := NewManager(zerolog.Nop())
	plan := []*Record{
		{NodeID: "a", Action: "rollback", Status: domain.CompCompleted},
		{NodeID: "b", Action: "cleanup", Status: domain.CompFailed},
	}
	m.Execute(context.Background(), "e1", plan, domain.CompensationSequential)
	summary := m.Status("e1")
	assert.Equal(t, 2, len(summary.Records))
	assert.Equal(t, 2, summary.Counts[domain.CompCompleted])
}
