package domain

import (
	"fmt"
	"sync"
	"time"
)

// Execution is one concrete run of a Workflow (spec §3). All mutation goes
// through its exported methods, which serialize access to nodeExecutions and
// context under a single per-Execution mutex — spec §5's "mutations to
// context.outputs and nodeExecutions are serialized ... under a
// per-Execution mutual-exclusion region." Mutating methods append the
// corresponding Event to uncommittedEvents (MarkNodeReady, CancelNode,
// SetVariable and FinishCompensated(false) append none) so a Storage/EventStore hook can
// persist the stream; the kernel itself never replays across a process
// restart (spec §1 non-goal), but RebuildFromEvents is provided so a
// collaborator can.
type Execution struct {
	mu sync.Mutex

	id                string
	workflowID        string
	workflowVersion   string
	parentExecutionID string

	status ExecutionStatus
	ctx    *ExecutionContext

	nodeExecutions map[string]*NodeExecution

	startedAt  time.Time
	finishedAt time.Time
	errorMsg   string

	uncommittedEvents []Event
	version           int64
}

func NewExecution(id, workflowID, workflowVersion, parentExecutionID string, inputs map[string]any) *Execution {
	return &Execution{
		id:                id,
		workflowID:        workflowID,
		workflowVersion:   workflowVersion,
		parentExecutionID: parentExecutionID,
		status:            ExecPending,
		ctx:               NewExecutionContext(workflowID, id, inputs),
		nodeExecutions:    make(map[string]*NodeExecution),
	}
}

// NewChildExecution builds the Execution for a SubWorkflow node (spec §3/§9):
// its context is the (parent, overrides) pair NewChildContext constructs, so
// variable/input lookups that miss locally walk up to the invoking
// Execution's context.
func NewChildExecution(id, workflowID, workflowVersion, parentExecutionID string, parentCtx *ExecutionContext, inputs map[string]any) *Execution {
	return &Execution{
		id:                id,
		workflowID:        workflowID,
		workflowVersion:   workflowVersion,
		parentExecutionID: parentExecutionID,
		status:            ExecPending,
		ctx:               NewChildContext(parentCtx, workflowID, id, inputs),
		nodeExecutions:    make(map[string]*NodeExecution),
	}
}

func (e *Execution) ID() string              { return e.id }
func (e *Execution) WorkflowID() string      { return e.workflowID }
func (e *Execution) WorkflowVersion() string { return e.workflowVersion }
func (e *Execution) Context() *ExecutionContext { return e.ctx }

func (e *Execution) Status() ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Execution) ErrorMessage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errorMsg
}

func (e *Execution) StartedAt() time.Time  { return e.startedAt }
func (e *Execution) FinishedAt() time.Time { return e.finishedAt }

// NodeExecutionFor returns the NodeExecution for a node id, creating it in
// Waiting status if it does not exist yet.
func (e *Execution) NodeExecutionFor(nodeID string) *NodeExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeExecutionForLocked(nodeID)
}

func (e *Execution) nodeExecutionForLocked(nodeID string) *NodeExecution {
	ne, ok := e.nodeExecutions[nodeID]
	if !ok {
		ne = NewNodeExecution(e.id, nodeID)
		e.nodeExecutions[nodeID] = ne
	}
	return ne
}

// Snapshot returns a defensive copy of every NodeExecution, for status
// queries and invariant checks.
func (e *Execution) Snapshot() map[string]*NodeExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*NodeExecution, len(e.nodeExecutions))
	for k, v := range e.nodeExecutions {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (e *Execution) record(evt Event) {
	e.version++
	evt.Sequence = e.version
	e.uncommittedEvents = append(e.uncommittedEvents, evt)
}

// UncommittedEvents returns and clears events raised since the last call, for
// a Storage adapter to persist.
func (e *Execution) UncommittedEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	evts := e.uncommittedEvents
	e.uncommittedEvents = nil
	return evts
}

// Start transitions Pending -> Running and stamps startedAt.
func (e *Execution) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != ExecPending {
		return NewStateTransitionError(string(e.status), string(ExecRunning), "execution already started")
	}
	e.status = ExecRunning
	e.startedAt = timeNow()
	e.record(newEvent(EventWorkflowStarted, e.workflowID, e.id, "", nil))
	return nil
}

// MarkNodeReady moves a node Waiting -> Ready.
func (e *Execution) MarkNodeReady(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ne := e.nodeExecutionForLocked(nodeID)
	return ne.MarkReady()
}

// StartNode moves a node Ready|Retrying -> Running and captures its resolved
// input.
func (e *Execution) StartNode(nodeID string, input map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ne := e.nodeExecutionForLocked(nodeID)
	if err := ne.MarkRunning(input); err != nil {
		return err
	}
	e.record(newEvent(EventNodeStarted, e.workflowID, e.id, nodeID, map[string]any{"input": input}))
	return nil
}

// CompleteNode moves a node Running -> Success and publishes its output into
// context.outputs (spec §4.4 step 4). Event publication happens-before the
// caller's subsequent downstream-ready push, satisfying spec §5's ordering
// guarantee.
func (e *Execution) CompleteNode(nodeID string, output map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ne := e.nodeExecutionForLocked(nodeID)
	if err := ne.MarkSuccess(output); err != nil {
		return err
	}
	e.ctx.SetNodeOutput(nodeID, output)
	e.record(newEvent(EventNodeCompleted, e.workflowID, e.id, nodeID, map[string]any{"output": output}))
	return nil
}

// FailNode moves a node Running -> Failed.
func (e *Execution) FailNode(nodeID string, kind ErrorKind, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ne := e.nodeExecutionForLocked(nodeID)
	if err := ne.MarkFailed(kind, message); err != nil {
		return err
	}
	e.record(newEvent(EventNodeFailed, e.workflowID, e.id, nodeID, map[string]any{"error": message}))
	return nil
}

// RetryNode moves a node Failed -> Retrying, bumping retryCount.
func (e *Execution) RetryNode(nodeID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ne := e.nodeExecutionForLocked(nodeID)
	if err := ne.MarkRetrying(); err != nil {
		return 0, err
	}
	e.record(newEvent(EventNodeRetrying, e.workflowID, e.id, nodeID, map[string]any{"retryCount": ne.RetryCount}))
	return ne.RetryCount, nil
}

// SkipNode moves a node Running|Failed -> Skipped; a skipped dependency counts as
// satisfied-with-no-output downstream (spec I6/§7).
func (e *Execution) SkipNode(nodeID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ne := e.nodeExecutionForLocked(nodeID)
	if err := ne.MarkSkipped(reason); err != nil {
		return err
	}
	e.ctx.SetNodeOutput(nodeID, map[string]any{})
	e.record(newEvent(EventNodeSkipped, e.workflowID, e.id, nodeID, map[string]any{"reason": reason}))
	return nil
}

// CancelNode moves a node to Cancelled from any cancellable status.
func (e *Execution) CancelNode(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ne := e.nodeExecutionForLocked(nodeID)
	return ne.MarkCancelled()
}

// SetVariable sets an execution-scoped variable. Variable assignments are
// not individually event-sourced: they are cheap, high-volume, and always
// recoverable by re-deriving them from the NodeCompleted events that
// produced them, so recording one per Set would bloat the stream for no
// replay benefit.
func (e *Execution) SetVariable(key string, value any) {
	e.ctx.SetVariable(key, value)
}

// Complete transitions Running -> Completed. Per spec invariant, every
// NodeExecution must be in {Success, Skipped}; callers (the Coordinator) are
// responsible for only calling this once that holds, but Complete itself
// re-checks defensively and returns an error rather than trusting the
// caller.
func (e *Execution) Complete() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ne := range e.nodeExecutions {
		if ne.Status != NodeSuccess && ne.Status != NodeSkipped {
			return NewKernelError(KindInvariantViolated, fmt.Sprintf("node %q in status %s at completion", ne.NodeID, ne.Status), nil)
		}
	}
	if e.status.IsTerminal() {
		return nil
	}
	e.status = ExecCompleted
	e.finishedAt = timeNow()
	e.record(newEvent(EventWorkflowCompleted, e.workflowID, e.id, "", nil))
	return nil
}

// Fail transitions the Execution to Failed.
func (e *Execution) Fail(message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.IsTerminal() {
		return nil
	}
	e.status = ExecFailed
	e.errorMsg = message
	e.finishedAt = timeNow()
	e.record(newEvent(EventWorkflowFailed, e.workflowID, e.id, "", map[string]any{"error": message}))
	return nil
}

// Cancel transitions the Execution to Cancelled. Cancel(Cancel(E)) = Cancel(E):
// calling it again on an already-terminal Execution is a no-op (spec §8
// idempotence law).
func (e *Execution) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.IsTerminal() {
		return nil
	}
	e.status = ExecCancelled
	e.finishedAt = timeNow()
	e.record(newEvent(EventWorkflowCancelled, e.workflowID, e.id, "", nil))
	return nil
}

// Suspend freezes admission without interrupting in-flight tasks (spec §5).
func (e *Execution) Suspend() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != ExecRunning {
		return nil
	}
	e.status = ExecSuspended
	e.record(newEvent(EventWorkflowSuspended, e.workflowID, e.id, "", nil))
	return nil
}

// Resume restores admission. Suspend(Resume(Suspend(E))) leaves E running
// when started from Running (spec §8): Resume only acts from Suspended.
func (e *Execution) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != ExecSuspended {
		return nil
	}
	e.status = ExecRunning
	e.record(newEvent(EventWorkflowResumed, e.workflowID, e.id, "", nil))
	return nil
}

// BeginCompensating transitions Running -> Compensating (spec §7 "Compensate
// decision").
func (e *Execution) BeginCompensating() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.IsTerminal() {
		return nil
	}
	e.status = ExecCompensating
	e.record(newEvent(EventWorkflowCompensating, e.workflowID, e.id, "", nil))
	return nil
}

func (e *Execution) FinishCompensated(ok bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.record(newEvent(EventWorkflowCompensated, e.workflowID, e.id, "", nil))
		e.status = ExecFailed // the triggering failure still stands; compensation only unwinds side effects
	} else {
		e.status = ExecFailed
	}
	e.finishedAt = timeNow()
	return nil
}

// ExecutionSnapshot is the flat, serializable view of an Execution a Storage
// adapter persists and reloads — the fields the bun-backed store round-trips
// through a jsonb column, since Execution itself exposes no field a
// reconstructing caller could assign directly (every mutation normally goes
// through an invariant-checked transition method).
type ExecutionSnapshot struct {
	ID                string
	WorkflowID        string
	WorkflowVersion   string
	ParentExecutionID string
	Status            ExecutionStatus
	ErrorMsg          string
	StartedAt         time.Time
	FinishedAt        time.Time
	Inputs            map[string]any
	Variables         map[string]any
	Outputs           map[string]map[string]any
	NodeExecutions    map[string]*NodeExecution
}

// ToSnapshot captures e's full state for persistence.
func (e *Execution) ToSnapshot() ExecutionSnapshot {
	e.mu.Lock()
	nodes := make(map[string]*NodeExecution, len(e.nodeExecutions))
	for k, v := range e.nodeExecutions {
		cp := *v
		nodes[k] = &cp
	}
	snap := ExecutionSnapshot{
		ID: e.id, WorkflowID: e.workflowID, WorkflowVersion: e.workflowVersion,
		ParentExecutionID: e.parentExecutionID, Status: e.status, ErrorMsg: e.errorMsg,
		StartedAt: e.startedAt, FinishedAt: e.finishedAt, NodeExecutions: nodes,
	}
	e.mu.Unlock()
	snap.Inputs = e.ctx.AllInputs()
	snap.Variables = e.ctx.AllVariables()
	snap.Outputs = e.ctx.AllOutputs()
	return snap
}

// ReconstructExecution rebuilds a live Execution from a previously persisted
// ExecutionSnapshot, bypassing the invariant-checked transition methods:
// this is historical-state replay, not a fresh mutation, so the usual I4
// transition legality does not apply (the snapshot was legal when it was
// written). The returned Execution's parent-context chain is always nil —
// a reloaded SubWorkflow execution is independently queryable but no longer
// resolves through its original parent's variables, which is acceptable
// since spec §1 does not require durable replay to restore live in-process
// executions, only to let a Storage adapter answer status queries.
func ReconstructExecution(snap ExecutionSnapshot) *Execution {
	exec := NewExecution(snap.ID, snap.WorkflowID, snap.WorkflowVersion, snap.ParentExecutionID, snap.Inputs)
	exec.status = snap.Status
	exec.errorMsg = snap.ErrorMsg
	exec.startedAt = snap.StartedAt
	exec.finishedAt = snap.FinishedAt
	for k, v := range snap.Variables {
		exec.ctx.SetVariable(k, v)
	}
	for k, v := range snap.Outputs {
		exec.ctx.SetNodeOutput(k, v)
	}
	for k, v := range snap.NodeExecutions {
		cp := *v
		exec.nodeExecutions[k] = &cp
	}
	exec.uncommittedEvents = nil
	return exec
}

// RebuildFromEvents replays a persisted event stream into a fresh Execution
// value. Provided as the persistence hook spec §1 calls for; the kernel
// itself never invokes this on a timer or at startup.
func RebuildFromEvents(id, workflowID, workflowVersion string, events []Event) (*Execution, error) {
	exec := NewExecution(id, workflowID, workflowVersion, "", nil)
	for _, evt := range events {
		if err := exec.apply(evt); err != nil {
			return nil, err
		}
	}
	exec.uncommittedEvents = nil
	return exec, nil
}

func (e *Execution) apply(evt Event) error {
	switch evt.Type {
	case EventWorkflowStarted:
		e.status = ExecRunning
	case EventWorkflowCompleted:
		e.status = ExecCompleted
	case EventWorkflowFailed:
		e.status = ExecFailed
		if msg, ok := evt.Payload["error"].(string); ok {
			e.errorMsg = msg
		}
	case EventWorkflowCancelled:
		e.status = ExecCancelled
	case EventWorkflowSuspended:
		e.status = ExecSuspended
	case EventWorkflowResumed:
		e.status = ExecRunning
	case EventWorkflowCompensating:
		e.status = ExecCompensating
	case EventNodeStarted:
		ne := e.nodeExecutionForLocked(evt.NodeID)
		input, _ := evt.Payload["input"].(map[string]any)
		if ne.Status == NodeWaiting {
			if err := ne.MarkReady(); err != nil {
				return err
			}
		}
		return ne.MarkRunning(input)
	case EventNodeCompleted:
		ne := e.nodeExecutionForLocked(evt.NodeID)
		output, _ := evt.Payload["output"].(map[string]any)
		if err := ne.MarkSuccess(output); err != nil {
			return err
		}
		e.ctx.SetNodeOutput(evt.NodeID, output)
	case EventNodeFailed:
		ne := e.nodeExecutionForLocked(evt.NodeID)
		msg, _ := evt.Payload["error"].(string)
		return ne.MarkFailed("", msg)
	case EventNodeRetrying:
		ne := e.nodeExecutionForLocked(evt.NodeID)
		return ne.MarkRetrying()
	case EventNodeSkipped:
		ne := e.nodeExecutionForLocked(evt.NodeID)
		reason, _ := evt.Payload["reason"].(string)
		if err := ne.MarkSkipped(reason); err != nil {
			return err
		}
		e.ctx.SetNodeOutput(evt.NodeID, map[string]any{})
	}
	e.version = evt.Sequence
	return nil
}
