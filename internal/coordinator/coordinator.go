// Package coordinator implements the DAG Execution Coordinator of spec
// §4.4: it materializes an Execution, asks the Task Scheduler to enqueue
// dependency-free nodes, resolves each node's inputs by reference
// expression at dispatch time, dispatches by node type, enforces per-node
// timeout, captures outputs into the Execution's context, and walks outgoing
// edges on every completion to enqueue newly-ready downstream nodes. It is
// the scheduler's CompletionHandler and the source of its per-type
// Executors — the two directions of the control flow spec §2 describes
// ("Workers drain the scheduler ... and notify the Coordinator; the
// Coordinator marks the node done, walks downstream edges").
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smilemakc/flowkernel/internal/compensation"
	"github.com/smilemakc/flowkernel/internal/domain"
	"github.com/smilemakc/flowkernel/internal/errorhandler"
	"github.com/smilemakc/flowkernel/internal/exprutil"
	"github.com/smilemakc/flowkernel/internal/scheduler"
)

// Clock is indirected so tests can control scheduling deadlines without
// sleeping (mirrors domain's timeNow indirection).
var nowFunc = time.Now

// runningExecution bundles the live state the Coordinator needs for one
// in-flight Execution: the Workflow it was started from, the Execution
// aggregate itself, and per-loop-node iteration counters (spec §4.4
// Control/Loop). It is never exposed outside the package: downstream logic
// reaches it by execution-id lookup into Coordinator.running, never by a
// pointer stored on the Execution itself (spec §9).
type runningExecution struct {
	workflow *domain.Workflow
	exec     *domain.Execution

	// ctx is cancelled by Coordinator.Cancel and by finish() when the
	// execution reaches any terminal status: every node
	// dispatch's own per-node timeout context (executeNode) derives from
	// it, so cancelling one execution propagates as the context-like
	// signal spec §5/§9 calls for into every in-flight executor, without
	// mutating a shared "cancelled" flag on the Node or NodeExecution
	// itself from outside the owning task.
	ctx      context.Context
	cancelFn context.CancelFunc

	mu            sync.Mutex
	loopIteration map[string]int

	done chan struct{} // closed exactly once, when exec reaches a terminal status
}

// Coordinator is the DAG Execution Coordinator of spec §4.4.
type Coordinator struct {
	log zerolog.Logger

	scheduler    *scheduler.Scheduler
	errorHandler *errorhandler.Handler
	breakers     *errorhandler.Registry
	compensation *compensation.Manager
	evaluator    *exprutil.Evaluator

	sink       domain.EventSink
	execRepo   domain.ExecutionRepository
	workflows  domain.WorkflowRepository
	eventStore domain.EventStore // optional persistence hook, spec §1

	agents domain.AgentInvoker
	tools  domain.ToolInvoker

	mu      sync.RWMutex
	running map[string]*runningExecution
}

// Deps bundles the Coordinator's external collaborators (spec §6's
// consumed interfaces). New installs no defaults: a nil EventStore is simply
// not written to, while a nil WorkflowRepository makes every SubWorkflow
// node fail with a SchedulingError. The
// Coordinator owns Scheduler construction itself (New builds it from
// Admission/RateLimiter) because the Scheduler's constructor needs the
// Coordinator's own dependenciesSatisfied/onTaskComplete methods as
// callbacks — the two components are mutually referential, so whichever is
// built second closes over the other.
type Deps struct {
	Admission    scheduler.Admission
	RateLimiter  scheduler.RateLimiter
	ErrorHandler *errorhandler.Handler
	Breakers     *errorhandler.Registry
	Compensation *compensation.Manager
	Sink         domain.EventSink
	Executions   domain.ExecutionRepository
	Workflows    domain.WorkflowRepository
	EventStore   domain.EventStore
	Agents       domain.AgentInvoker
	Tools        domain.ToolInvoker
}

func New(deps Deps, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		log:          log.With().Str("component", "coordinator").Logger(),
		errorHandler: deps.ErrorHandler,
		breakers:     deps.Breakers,
		compensation: deps.Compensation,
		evaluator:    exprutil.NewEvaluator(true),
		sink:         deps.Sink,
		execRepo:     deps.Executions,
		workflows:    deps.Workflows,
		eventStore:   deps.EventStore,
		agents:       deps.Agents,
		tools:        deps.Tools,
		running:      make(map[string]*runningExecution),
	}
	c.scheduler = scheduler.New(deps.Admission, deps.RateLimiter, c.dependenciesSatisfied, c.onTaskComplete, log)
	c.registerExecutors()
	return c
}

// Scheduler exposes the Coordinator's Scheduler so the process entrypoint
// can drive its Run loop (spec §4.3) alongside the Coordinator.
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Start implements spec §4.4 "On workflow start". It checks the workflow's
// triggers (if any are declared) against the proposed inputs, materializes
// an Execution, then asks the Scheduler to enqueue every dependency-free
// node as Ready and every other node as Waiting.
func (c *Coordinator) Start(ctx context.Context, w *domain.Workflow, inputs map[string]any) (*domain.Execution, error) {
	if len(w.Triggers) > 0 {
		allowed := false
		for _, t := range w.Triggers {
			ok, err := t.ShouldTrigger(c.evaluator.EvalBool, inputs)
			if err != nil {
				return nil, domain.NewValidationError("trigger condition failed to evaluate: " + err.Error())
			}
			if ok {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, domain.NewValidationError("no trigger authorizes this start")
		}
	}
	return c.startInternal(ctx, w, inputs, "", nil)
}

// startInternal is shared by Start (root executions) and the SubWorkflow
// executor (nested executions, whose context chains to the parent's via
// parentCtx).
func (c *Coordinator) startInternal(ctx context.Context, w *domain.Workflow, inputs map[string]any, parentExecutionID string, parentCtx *domain.ExecutionContext) (*domain.Execution, error) {
	execID := newID()
	var exec *domain.Execution
	if parentCtx != nil {
		exec = domain.NewChildExecution(execID, w.ID, w.Version, parentExecutionID, parentCtx, inputs)
	} else {
		exec = domain.NewExecution(execID, w.ID, w.Version, parentExecutionID, inputs)
	}
	if err := exec.Start(); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	re := &runningExecution{
		workflow: w, exec: exec, loopIteration: make(map[string]int),
		done: make(chan struct{}), ctx: execCtx, cancelFn: cancel,
	}
	c.mu.Lock()
	c.running[execID] = re
	c.mu.Unlock()

	c.persist(ctx, exec)
	c.publishUncommitted(exec)

	bodyIDs := loopBodyNodeIDs(w)
	for _, n := range w.Nodes {
		if bodyIDs[n.ID] {
			// A Loop's body node is driven entirely in-process by its owning
			// Control/Loop node (dispatchLoop/runLoopIteration) and must
			// never also be picked up by the ordinary Ready/Waiting
			// machinery — doing so would race MarkRunning against a
			// NodeExecution the loop has already settled to Success.
			continue
		}
		deps := w.DependenciesOf(n.ID)
		if len(deps) == 0 {
			c.enqueueReady(re, n)
		} else {
			c.scheduler.EnqueueWaiting(scheduler.TaskKey{ExecutionID: execID, NodeID: n.ID}, n, priorityOf(n))
		}
	}

	return exec, nil
}

// loopBodyNodeIDs collects every node id named as a Control/Loop's
// BodyNodeID, so Start can exclude them from the normal DAG scheduling path.
func loopBodyNodeIDs(w *domain.Workflow) map[string]bool {
	ids := make(map[string]bool)
	for _, n := range w.Nodes {
		if n.Type == domain.NodeControl && n.Subtype == domain.ControlLoop && n.Loop != nil && n.Loop.BodyNodeID != "" {
			ids[n.Loop.BodyNodeID] = true
		}
	}
	return ids
}

func (c *Coordinator) enqueueReady(re *runningExecution, n *domain.Node) {
	if err := re.exec.MarkNodeReady(n.ID); err != nil {
		c.log.Error().Err(err).Str("node", n.ID).Msg("failed to mark node ready")
		return
	}
	key := scheduler.TaskKey{ExecutionID: re.exec.ID(), NodeID: n.ID}
	c.scheduler.RemoveWaiting(key)
	c.scheduler.EnqueueReady(key, n, priorityOf(n))
}

// priorityOf extracts an optional node priority from its config bag (higher
// runs first); nodes with no declared priority default to 0.
func priorityOf(n *domain.Node) int {
	if v, ok := n.Config["priority"]; ok {
		switch p := v.(type) {
		case int:
			return p
		case float64:
			return int(p)
		}
	}
	return 0
}

// Cancel implements spec §5 cancel(executionId): transitions the Execution
// to Cancelled, stops admission through the Scheduler's cancellation flag,
// and signals in-flight executors by cancelling the execution's context.
func (c *Coordinator) Cancel(executionID string) error {
	re, ok := c.lookup(executionID)
	if !ok {
		return domain.NewKernelError(domain.KindNotFound, "no such execution: "+executionID, nil)
	}
	c.scheduler.CancelExecution(executionID)
	re.cancelFn()
	if err := re.exec.Cancel(); err != nil {
		return err
	}
	c.publishUncommitted(re.exec)
	c.finish(re)
	return nil
}

// Suspend freezes admission without interrupting in-flight tasks (spec §5).
func (c *Coordinator) Suspend(executionID string) error {
	re, ok := c.lookup(executionID)
	if !ok {
		return domain.NewKernelError(domain.KindNotFound, "no such execution: "+executionID, nil)
	}
	c.scheduler.SuspendExecution(executionID)
	err := re.exec.Suspend()
	c.publishUncommitted(re.exec)
	return err
}

// Resume restores admission (spec §5).
func (c *Coordinator) Resume(executionID string) error {
	re, ok := c.lookup(executionID)
	if !ok {
		return domain.NewKernelError(domain.KindNotFound, "no such execution: "+executionID, nil)
	}
	c.scheduler.ResumeExecution(executionID)
	err := re.exec.Resume()
	c.publishUncommitted(re.exec)
	return err
}

func (c *Coordinator) lookup(executionID string) (*runningExecution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	re, ok := c.running[executionID]
	return re, ok
}

// finish marks the runningExecution's done channel closed exactly once, for
// SubWorkflow callers blocking on completion, and drops it from
// Coordinator.running: once an Execution is terminal nothing further should
// be able to look it up, dispatch against it, or keep it (and its Workflow)
// reachable forever.
func (c *Coordinator) finish(re *runningExecution) {
	re.mu.Lock()
	select {
	case <-re.done:
	default:
		close(re.done)
	}
	re.mu.Unlock()
	re.cancelFn()

	c.mu.Lock()
	delete(c.running, re.exec.ID())
	c.mu.Unlock()
}

func (c *Coordinator) persist(ctx context.Context, exec *domain.Execution) {
	if c.execRepo == nil {
		return
	}
	if err := c.execRepo.Save(ctx, exec); err != nil {
		c.log.Warn().Err(err).Str("execution", exec.ID()).Msg("failed to persist execution")
	}
}

// publishUncommitted drains exec's event buffer to the Sink and, if an
// EventStore hook is wired, appends them there too (spec §1 persistence
// hook). Called at every boundary that might have raised events.
func (c *Coordinator) publishUncommitted(exec *domain.Execution) {
	events := exec.UncommittedEvents()
	if len(events) == 0 {
		return
	}
	for _, evt := range events {
		if c.sink != nil {
			c.sink.Publish(evt.Type.Topic(), evt)
		}
	}
	if c.eventStore != nil {
		if err := c.eventStore.AppendEvents(context.Background(), exec.ID(), events); err != nil {
			c.log.Warn().Err(err).Msg("failed to append events to event store")
		}
	}
}
