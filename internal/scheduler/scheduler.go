package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Admission is the subset of the Resource Manager the Scheduler needs (spec
// §4.2/§4.3).
type Admission interface {
	CanAllocate(n *domain.Node) bool
	Allocate(taskID string, n *domain.Node) error
	Release(taskID string, n *domain.Node)
}

// RateLimiter is the subset of the token-bucket limiter the Scheduler needs.
type RateLimiter interface {
	Acquire(ctx context.Context, tag string, n float64) error
}

// DependencyChecker reports whether every dependency of a waiting task has
// reached Success (or Skipped) (spec §4.3 step 2, I6).
type DependencyChecker func(key TaskKey) bool

// CompletionHandler is invoked after a task's executor returns (or fails to
// be dispatched at all). For an admitted task it runs on the worker
// goroutine before the task's resources are released; for a cancelled
// execution's task popped from the ready queue it runs on the drain loop.
// This is where the Coordinator's downstream-triggering logic hangs (spec
// §4.3 step 1.d).
type CompletionHandler func(task *Task, err error)

// Scheduler is the Task Scheduler of spec §4.3.
type Scheduler struct {
	log zerolog.Logger

	mu    sync.Mutex // guards the ready heap only; waiting/running are xsync maps
	ready *readyQueue

	waiting *xsync.MapOf[string, *Task]
	running *xsync.MapOf[string, *Task]

	executors map[domain.NodeType]Executor
	execMu    sync.RWMutex

	admission   Admission
	rateLimiter RateLimiter
	depSatisfied DependencyChecker
	onComplete  CompletionHandler

	cancelled *xsync.MapOf[string, struct{}] // executionId -> cancelled
	suspended *xsync.MapOf[string, struct{}] // executionId -> suspended (admission frozen only)

	yieldInterval time.Duration
}

func New(admission Admission, rateLimiter RateLimiter, depSatisfied DependencyChecker, onComplete CompletionHandler, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:           log.With().Str("component", "scheduler").Logger(),
		ready:         newReadyQueue(),
		waiting:       xsync.NewMapOf[string, *Task](),
		running:       xsync.NewMapOf[string, *Task](),
		executors:     make(map[domain.NodeType]Executor),
		admission:     admission,
		rateLimiter:   rateLimiter,
		depSatisfied:  depSatisfied,
		onComplete:    onComplete,
		cancelled:     xsync.NewMapOf[string, struct{}](),
		suspended:     xsync.NewMapOf[string, struct{}](),
		yieldInterval: 5 * time.Millisecond,
	}
}

func (s *Scheduler) RegisterExecutor(t domain.NodeType, e Executor) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.executors[t] = e
}

func (s *Scheduler) executorFor(t domain.NodeType) (Executor, bool) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	e, ok := s.executors[t]
	return e, ok
}

// EnqueueReady pushes a task directly onto the ready queue (node has no
// unmet dependencies, spec §4.4 "On workflow start").
func (s *Scheduler) EnqueueReady(key TaskKey, node *domain.Node, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready.push(&Task{Key: key, Node: node, Priority: priority, ScheduledTime: time.Now()})
}

// EnqueueReadyAt is EnqueueReady with an explicit ScheduledTime, used for
// retry re-insertions (spec §4.3 "receive a new scheduledTime not earlier
// than now + backoff").
func (s *Scheduler) EnqueueReadyAt(key TaskKey, node *domain.Node, priority int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready.push(&Task{Key: key, Node: node, Priority: priority, ScheduledTime: at})
}

// EnqueueWaiting places a task in the waiting map, to be promoted by the
// next sweep once its dependencies are satisfied.
func (s *Scheduler) EnqueueWaiting(key TaskKey, node *domain.Node, priority int) {
	s.waiting.Store(key.String(), &Task{Key: key, Node: node, Priority: priority, ScheduledTime: time.Now()})
}

// RemoveWaiting drops key from the waiting map without promoting it. A
// caller that pushes a task straight onto the ready queue (the Coordinator
// promoting a node outside the normal sweepWaiting path, e.g. a Parallel
// fan-out's branches or a Switch's selected targets) must call this first:
// otherwise the task is also still sitting in waiting, sweepWaiting later
// finds its dependencies satisfied and promotes it a second time, and the
// duplicate dispatch double-starts a node that is already Running.
func (s *Scheduler) RemoveWaiting(key TaskKey) {
	s.waiting.Delete(key.String())
}

// CancelExecution marks an execution cancelled: no further Ready tasks for
// it are admitted, and in-flight dispatch loops observe it at their next
// suspension point (spec §5).
func (s *Scheduler) CancelExecution(executionID string) {
	s.cancelled.Store(executionID, struct{}{})
}

func (s *Scheduler) isCancelled(executionID string) bool {
	_, ok := s.cancelled.Load(executionID)
	return ok
}

// SuspendExecution freezes admission of new ready tasks without touching
// in-flight ones (spec §5 "suspend ... freezes admission").
func (s *Scheduler) SuspendExecution(executionID string) { s.suspended.Store(executionID, struct{}{}) }
func (s *Scheduler) ResumeExecution(executionID string)  { s.suspended.Delete(executionID) }

func (s *Scheduler) isSuspended(executionID string) bool {
	_, ok := s.suspended.Load(executionID)
	return ok
}

// Run drives the scheduler loop until ctx is cancelled: drain ready tasks
// admission allows, sweep waiting tasks whose dependencies are now
// satisfied, then cooperatively yield (spec §4.3 loop behavior).
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.yieldInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.drainReady(ctx)
		s.sweepWaiting()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) drainReady(ctx context.Context) {
	var skipped []*Task
	defer func() {
		if len(skipped) == 0 {
			return
		}
		s.mu.Lock()
		for _, t := range skipped {
			s.ready.push(t)
		}
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		task := s.ready.peek()
		if task == nil {
			s.mu.Unlock()
			return
		}
		if s.isCancelled(task.Key.ExecutionID) || s.isSuspended(task.Key.ExecutionID) {
			// A cancelled/suspended execution must never block admission
			// for other executions' ready tasks (spec §5 "tasks of
			// different executions make independent progress"): pop it out
			// of the way for this pass and keep draining. Cancelled tasks
			// are reported Cancelled directly; suspended ones are simply
			// held until Resume, so they go back on the queue afterward.
			s.ready.pop()
			s.mu.Unlock()
			if s.isCancelled(task.Key.ExecutionID) {
				s.onComplete(task, domain.NewCancelledError(task.Key.NodeID))
			} else {
				skipped = append(skipped, task)
			}
			continue
		}
		if !s.admission.CanAllocate(task.Node) {
			// Admission failed: stop draining this pass (spec §4.3 step 1).
			s.mu.Unlock()
			return
		}
		s.ready.pop()
		s.mu.Unlock()

		taskID := task.Key.String()
		if err := s.admission.Allocate(taskID, task.Node); err != nil {
			// Lost the race against another drain; re-enqueue and stop.
			s.mu.Lock()
			s.ready.push(task)
			s.mu.Unlock()
			return
		}
		s.running.Store(taskID, task)
		go s.dispatch(ctx, task)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task *Task) {
	taskID := task.Key.String()
	defer func() {
		s.running.Delete(taskID)
		s.admission.Release(taskID, task.Node)
	}()

	if s.isCancelled(task.Key.ExecutionID) {
		s.onComplete(task, domain.NewCancelledError(task.Key.NodeID))
		return
	}

	tag := "type:" + string(task.Node.Type)
	if task.Node.AgentID != "" {
		tag = "agent:" + task.Node.AgentID
	} else if task.Node.ToolID != "" {
		tag = "tool:" + task.Node.ToolID
	}
	if err := s.rateLimiter.Acquire(ctx, tag, 1); err != nil {
		s.onComplete(task, err)
		return
	}

	executor, ok := s.executorFor(task.Node.Type)
	if !ok {
		s.onComplete(task, domain.NewKernelError(domain.KindSchedulingError, "no executor registered for node type "+string(task.Node.Type), nil))
		return
	}

	err := executor(task)
	s.onComplete(task, err)
}

func (s *Scheduler) sweepWaiting() {
	var promote []*Task
	s.waiting.Range(func(key string, t *Task) bool {
		if s.depSatisfied(t.Key) {
			promote = append(promote, t)
		}
		return true
	})
	for _, t := range promote {
		s.waiting.Delete(t.Key.String())
		s.mu.Lock()
		s.ready.push(t)
		s.mu.Unlock()
	}
}

// Stats is a point-in-time snapshot of queue depths, the "growth in
// ready-queue depth" spec §4.3 says must be observable.
type Stats struct {
	ReadyDepth   int
	WaitingDepth int
	RunningDepth int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	ready := s.ready.len()
	s.mu.Unlock()
	return Stats{ReadyDepth: ready, WaitingDepth: s.waiting.Size(), RunningDepth: s.running.Size()}
}
