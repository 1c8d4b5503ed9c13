package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/flowkernel/internal/domain"
)

type fakeAdmission struct {
	mu    sync.Mutex
	limit int
	count int
}

func (a *fakeAdmission) CanAllocate(n *domain.Node) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.limit == 0 || a.count < a.limit
}

func (a *fakeAdmission) Allocate(taskID string, n *domain.Node) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	return nil
}

func (a *fakeAdmission) Release(taskID string, n *domain.Node) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count--
}

type noopLimiter struct{}

func (noopLimiter) Acquire(ctx context.Context, tag string, n float64) error { return nil }

func TestScheduler_DrainsReadyAndSweepsWaiting(t *testing.T) {
	admission := &fakeAdmission{}
	var completedMu sync.Mutex
	var completed []string

	satisfied := func(TaskKey) bool { return true }
	onComplete := func(task *Task, err error) {
		completedMu.Lock()
		defer completedMu.Unlock()
		completed = append(completed, task.Key.NodeID)
	}

	s := New(admission, noopLimiter{}, satisfied, onComplete, zerolog.Nop())
	s.RegisterExecutor(domain.NodeAgent, func(task *Task) error { return nil })

	node := &domain.Node{ID: "a", Type: domain.NodeAgent}
	s.EnqueueWaiting(TaskKey{ExecutionID: "e1", NodeID: "a"}, node, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		completedMu.Lock()
		defer completedMu.Unlock()
		return len(completed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_AdmissionBackpressureDoesNotDropTasks(t *testing.T) {
	admission := &fakeAdmission{limit: -1} // count (0) < -1 is always false: never admits
	s := New(admission, noopLimiter{}, func(TaskKey) bool { return true }, func(*Task, error) {}, zerolog.Nop())
	s.RegisterExecutor(domain.NodeAgent, func(task *Task) error { return nil })

	node := &domain.Node{ID: "a", Type: domain.NodeAgent}
	s.EnqueueReady(TaskKey{ExecutionID: "e1", NodeID: "a"}, node, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.drainReady(ctx)
	assert.Equal(t, 1, s.Stats().ReadyDepth)
}

func TestScheduler_PriorityOrdering(t *testing.T) {
	rq := newReadyQueue()
	now := time.Now()
	rq.push(&Task{Key: TaskKey{NodeID: "low"}, Priority: 1, ScheduledTime: now})
	rq.push(&Task{Key: TaskKey{NodeID: "high"}, Priority: 5, ScheduledTime: now})
	rq.push(&Task{Key: TaskKey{NodeID: "mid-earlier"}, Priority: 1, ScheduledTime: now.Add(-time.Second)})

	first := rq.pop()
	assert.Equal(t, "high", first.Key.NodeID)
	second := rq.pop()
	assert.Equal(t, "mid-earlier", second.Key.NodeID)
	third := rq.pop()
	assert.Equal(t, "low", third.Key.NodeID)
}

func TestScheduler_CancelledExecutionNotAdmitted(t *testing.T) {
	admission := &fakeAdmission{}
	s := New(admission, noopLimiter{}, func(TaskKey) bool { return true }, func(*Task, error) {}, zerolog.Nop())
	node := &domain.Node{ID: "a", Type: domain.NodeAgent}
	s.EnqueueReady(TaskKey{ExecutionID: "e1", NodeID: "a"}, node, 0)
	s.CancelExecution("e1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.drainReady(ctx)
	assert.Equal(t, 0, s.Stats().ReadyDepth)
	assert.Equal(t, 0, admission.count)
}
