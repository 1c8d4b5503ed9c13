package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowkernel/internal/compensation"
	"github.com/smilemakc/flowkernel/internal/domain"
	"github.com/smilemakc/flowkernel/internal/errorhandler"
	"github.com/smilemakc/flowkernel/internal/resource"
)

// echoAgent implements domain.AgentInvoker by returning its input map
// unchanged, per spec §8 S1 ("echo agent returns its input map").
type echoAgent struct{}

func (echoAgent) InvokeAgent(ctx context.Context, agentID string, input map[string]any, execCtx *domain.ExecutionContext) (map[string]any, error) {
	return input, nil
}

// flakyAgent fails the first N calls for a given agentID, then always
// succeeds (or, if N is negative, always fails) — used for S2/S3.
type flakyAgent struct {
	mu         sync.Mutex
	failBefore map[string]int
	calls      map[string]int
}

func newFlakyAgent(failBefore map[string]int) *flakyAgent {
	return &flakyAgent{failBefore: failBefore, calls: make(map[string]int)}
}

func (f *flakyAgent) InvokeAgent(ctx context.Context, agentID string, input map[string]any, execCtx *domain.ExecutionContext) (map[string]any, error) {
	f.mu.Lock()
	f.calls[agentID]++
	n := f.calls[agentID]
	threshold := f.failBefore[agentID]
	f.mu.Unlock()

	if threshold < 0 || n <= threshold {
		return nil, fmt.Errorf("agent %s call %d failed", agentID, n)
	}
	return input, nil
}

// slowAgent blocks until ctx is done or delay elapses, for cancellation/
// parallel-timing tests.
type slowAgent struct{ delay time.Duration }

func (s slowAgent) InvokeAgent(ctx context.Context, agentID string, input map[string]any, execCtx *domain.ExecutionContext) (map[string]any, error) {
	select {
	case <-time.After(s.delay):
		return map[string]any{"agent": agentID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestCoordinator(t *testing.T, agents domain.AgentInvoker) *Coordinator {
	t.Helper()
	log := zerolog.Nop()
	rm := resource.NewManager(resource.Quota{})
	rl := resource.NewRateLimiter(1000, 1000)
	eh := errorhandler.NewHandler(time.Second)
	breakers := errorhandler.NewRegistry(errorhandler.DefaultCircuitBreakerConfig())
	comp := compensation.NewManager(log)

	c := New(Deps{
		Admission:    rm,
		RateLimiter:  rl,
		ErrorHandler: eh,
		Breakers:     breakers,
		Compensation: comp,
		Agents:       agents,
	}, log)
	return c
}

func runScheduler(t *testing.T, c *Coordinator, timeout time.Duration) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go c.Scheduler().Run(ctx)
	return cancel
}

func waitForStatus(t *testing.T, exec *domain.Execution, want domain.ExecutionStatus, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return exec.Status() == want
	}, within, 5*time.Millisecond, "execution never reached %s (stuck at %s)", want, exec.Status())
}

// TestCoordinator_SimpleDAG implements spec §8 S1: node b depends on node a,
// b's input references a's output, and both are driven by an echo agent.
func TestCoordinator_SimpleDAG(t *testing.T) {
	c := newTestCoordinator(t, echoAgent{})
	defer runScheduler(t, c, 2*time.Second)()

	w := domain.NewWorkflow("s1", "s1", "1", domain.KindDAG)
	require.NoError(t, w.AddNode(&domain.Node{
		ID: "a", Type: domain.NodeAgent, AgentID: "echo",
		Inputs: map[string]string{"msg": "${input.m}"},
	}))
	require.NoError(t, w.AddNode(&domain.Node{
		ID: "b", Type: domain.NodeAgent, AgentID: "echo",
		Dependencies: []string{"a"},
		Inputs:       map[string]string{"prev": "${a.msg}"},
	}))

	exec, err := c.Start(context.Background(), w, map[string]any{"m": "hi"})
	require.NoError(t, err)

	waitForStatus(t, exec, domain.ExecCompleted, time.Second)

	aOut, ok := exec.Context().NodeOutput("a")
	require.True(t, ok)
	assert.Equal(t, "hi", aOut["msg"])

	bOut, ok := exec.Context().NodeOutput("b")
	require.True(t, ok)
	assert.Equal(t, "hi", bOut["prev"])

	aNE := exec.NodeExecutionFor("a")
	bNE := exec.NodeExecutionFor("b")
	assert.False(t, bNE.StartedAt.Before(aNE.FinishedAt), "b must not start before a finishes")
}

// TestCoordinator_RetryThenSuccess implements spec §8 S2: the node's
// executor fails on the first two attempts and succeeds on the third, so the
// node ends Success with a RetryCount of 2 under an exponential retry policy.
func TestCoordinator_RetryThenSuccess(t *testing.T) {
	agent := newFlakyAgent(map[string]int{"flaky": 2})
	c := newTestCoordinator(t, agent)
	defer runScheduler(t, c, 2*time.Second)()

	w := domain.NewWorkflow("s2", "s2", "1", domain.KindDAG)
	require.NoError(t, w.AddNode(&domain.Node{
		ID: "n1", Type: domain.NodeAgent, AgentID: "flaky",
		RetryPolicy: &domain.RetryPolicy{
			MaxRetries: 2, RetryDelay: 50 * time.Millisecond,
			Strategy: domain.RetryExponential, BackoffFactor: 2,
		},
	}))

	exec, err := c.Start(context.Background(), w, nil)
	require.NoError(t, err)

	waitForStatus(t, exec, domain.ExecCompleted, 2*time.Second)
	ne := exec.NodeExecutionFor("n1")
	assert.Equal(t, domain.NodeSuccess, ne.Status)
	assert.Equal(t, 2, ne.RetryCount)
}

// TestCoordinator_RetryExhaustedCompensates implements spec §8 S3: n0
// succeeds and declares a compensation block; n1 always fails and exhausts
// its retries, driving the Execution to Failed with n0's compensation
// action recorded as completed.
func TestCoordinator_RetryExhaustedCompensates(t *testing.T) {
	agent := newFlakyAgent(map[string]int{"ok": 0, "doomed": -1})
	c := newTestCoordinator(t, agent)
	defer runScheduler(t, c, 2*time.Second)()

	w := domain.NewWorkflow("s3", "s3", "1", domain.KindDAG)
	require.NoError(t, w.AddNode(&domain.Node{
		ID: "n0", Type: domain.NodeAgent, AgentID: "ok",
		Compensation: &domain.CompensationSpec{Action: "rollback"},
	}))
	require.NoError(t, w.AddNode(&domain.Node{
		ID: "n1", Type: domain.NodeAgent, AgentID: "doomed",
		Dependencies: []string{"n0"},
		RetryPolicy: &domain.RetryPolicy{
			MaxRetries: 1, RetryDelay: time.Millisecond, Strategy: domain.RetryFixed,
		},
	}))

	exec, err := c.Start(context.Background(), w, nil)
	require.NoError(t, err)

	waitForStatus(t, exec, domain.ExecFailed, 2*time.Second)

	status := c.compensation.Status(exec.ID())
	require.Len(t, status.Records, 1)
	assert.Equal(t, "n0", status.Records[0].NodeID)
	assert.Equal(t, "rollback", status.Records[0].Action)
	assert.Equal(t, domain.CompCompleted, status.Records[0].Status)
}

// TestCoordinator_Cancellation implements spec §8 S4: a long-running node is
// cancelled mid-flight and the Execution settles Cancelled without ever
// completing the node.
func TestCoordinator_Cancellation(t *testing.T) {
	c := newTestCoordinator(t, slowAgent{delay: 2 * time.Second})
	defer runScheduler(t, c, 2*time.Second)()

	w := domain.NewWorkflow("s4", "s4", "1", domain.KindDAG)
	require.NoError(t, w.AddNode(&domain.Node{ID: "only", Type: domain.NodeAgent, AgentID: "slow"}))

	exec, err := c.Start(context.Background(), w, nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Cancel(exec.ID()))

	waitForStatus(t, exec, domain.ExecCancelled, time.Second)
	// The slow agent is still blocked in time.After(2s) when Cancel fires;
	// only a context-aware executor observes cancellation before its own
	// timeout, which is what lets the NodeExecution settle Cancelled here
	// instead of staying stuck Running or racing to Success later.
	require.Eventually(t, func() bool {
		return exec.NodeExecutionFor("only").Status == domain.NodeCancelled
	}, time.Second, 5*time.Millisecond, "node never transitioned to Cancelled")
}

// TestCoordinator_ParallelWaitAll implements spec §8 S6: a Parallel control
// node fans out to three branches that each take ~0.5s; the aggregator only
// fires once every branch is settled, and its merged output matches all
// three branch outputs. Wall-clock from fan-out to aggregation must stay
// well under the sum of the branch delays, confirming real parallelism.
func TestCoordinator_ParallelWaitAll(t *testing.T) {
	c := newTestCoordinator(t, slowAgent{delay: 500 * time.Millisecond})
	defer runScheduler(t, c, 3*time.Second)()

	w := domain.NewWorkflow("s6", "s6", "1", domain.KindDAG)
	require.NoError(t, w.AddNode(&domain.Node{
		ID: "fanout", Type: domain.NodeControl, Subtype: domain.ControlParallel,
		Parallel: &domain.ParallelConfig{Branches: []string{"t1", "t2", "t3"}, WaitAll: true},
	}))
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, w.AddNode(&domain.Node{
			ID: id, Type: domain.NodeAgent, AgentID: "slow", Dependencies: []string{"fanout"},
		}))
	}
	require.NoError(t, w.AddNode(&domain.Node{
		ID: "agg", Type: domain.NodeAggregation,
		Dependencies: []string{"t1", "t2", "t3"},
		Aggregation:  &domain.AggregationConfig{Strategy: "merge", Sources: []string{"t1", "t2", "t3"}},
	}))

	start := time.Now()
	exec, err := c.Start(context.Background(), w, nil)
	require.NoError(t, err)

	waitForStatus(t, exec, domain.ExecCompleted, 2*time.Second)
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 800*time.Millisecond, "branches should run concurrently, not sequentially")

	aggOut, ok := exec.Context().NodeOutput("agg")
	require.True(t, ok)
	assert.Equal(t, "slow", aggOut["agent"])
}
