package coordinator

import (
	"context"
	"time"

	"github.com/smilemakc/flowkernel/internal/compensation"
	"github.com/smilemakc/flowkernel/internal/domain"
	"github.com/smilemakc/flowkernel/internal/scheduler"
)

// dependenciesSatisfied is the Scheduler's DependencyChecker (spec §4.3 step
// 2, I6): every dependency must have reached Success or Skipped, except for
// the first-success group of a Control/Parallel{waitAll:false} fan-out,
// where any one satisfied sibling is enough.
func (c *Coordinator) dependenciesSatisfied(key scheduler.TaskKey) bool {
	re, ok := c.lookup(key.ExecutionID)
	if !ok {
		return false
	}
	deps := re.workflow.DependenciesOf(key.NodeID)
	if len(deps) == 0 {
		return true
	}
	snap := re.exec.Snapshot()

	if group := firstSuccessGroup(re.workflow, deps); group != nil {
		for _, d := range group {
			if ne, ok := snap[d]; ok && ne.Status.Satisfied() {
				return true
			}
		}
		return false
	}

	for _, d := range deps {
		ne, ok := snap[d]
		if !ok || !ne.Status.Satisfied() {
			return false
		}
	}
	return true
}

// firstSuccessGroup reports the Branches of a Control/Parallel{waitAll:false}
// node when deps is exactly that branch set, so dependenciesSatisfied can
// apply first-success instead of wait-all semantics.
func firstSuccessGroup(w *domain.Workflow, deps []string) []string {
	for _, n := range w.Nodes {
		if n.Type != domain.NodeControl || n.Subtype != domain.ControlParallel || n.Parallel == nil || n.Parallel.WaitAll {
			continue
		}
		if sameSet(n.Parallel.Branches, deps) {
			return n.Parallel.Branches
		}
	}
	return nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if !set[y] {
			return false
		}
	}
	return true
}

// onTaskComplete is the Scheduler's CompletionHandler (spec §4.3 step 1.d):
// on success it walks downstream edges to enqueue newly-ready nodes; on
// error it consults the Error Handler for a Decision and applies it.
func (c *Coordinator) onTaskComplete(task *scheduler.Task, err error) {
	re, ok := c.lookup(task.Key.ExecutionID)
	if !ok {
		return
	}
	node := task.Node

	if err == nil {
		c.afterNodeSuccess(re, node)
		return
	}
	if kerr, ok := err.(*domain.KernelError); ok && kerr.Kind == domain.KindCancelledError {
		c.cancelNode(re, node)
		return
	}
	c.handleNodeError(re, node, err)
}

// cancelNode marks a node Cancelled once its Execution has already been
// cancelled. executeNode calls it on in-flight context cancellation;
// onTaskComplete calls it for a CancelledError only while the execution is
// still in c.running, which it no longer is once Coordinator.Cancel has
// run finish(). Calling it twice for the same node is a no-op.
func (c *Coordinator) cancelNode(re *runningExecution, node *domain.Node) {
	if re.exec.NodeExecutionFor(node.ID).Status == domain.NodeCancelled {
		return
	}
	if cerr := re.exec.CancelNode(node.ID); cerr != nil {
		c.log.Error().Err(cerr).Str("node", node.ID).Msg("failed to transition node to cancelled")
		return
	}
	c.publishUncommitted(re.exec)
}

func (c *Coordinator) afterNodeSuccess(re *runningExecution, node *domain.Node) {
	switch {
	case node.Type == domain.NodeControl && node.Subtype == domain.ControlSwitch:
		c.triggerSwitchDownstream(re, node)
	case node.Type == domain.NodeControl && node.Subtype == domain.ControlParallel:
		c.forceEnqueueParallel(re, node)
		c.triggerDownstream(re, node.ID)
	default:
		c.triggerDownstream(re, node.ID)
	}
	c.maybeFinishExecution(re)
}

// triggerDownstream enqueues every dependent of nodeID whose dependencies
// are now all satisfied and which has not already been promoted (spec §4.4
// step 5).
func (c *Coordinator) triggerDownstream(re *runningExecution, nodeID string) {
	for _, depID := range re.workflow.Dependents(nodeID) {
		n, ok := re.workflow.Nodes[depID]
		if !ok {
			continue
		}
		if re.exec.NodeExecutionFor(depID).Status != domain.NodeWaiting {
			continue
		}
		if !c.dependenciesSatisfied(scheduler.TaskKey{ExecutionID: re.exec.ID(), NodeID: depID}) {
			continue
		}
		c.enqueueReady(re, n)
	}
}

// triggerSwitchDownstream implements Control/Switch routing (spec §4.4): the
// selected branch's targets are enqueued normally; every other dependent is
// marked Skipped (a satisfied, no-output dependency per I6) and its own
// downstream is walked the same way, so an entire unselected subtree
// resolves without blocking the Execution's completion.
func (c *Coordinator) triggerSwitchDownstream(re *runningExecution, node *domain.Node) {
	ne := re.exec.NodeExecutionFor(node.ID)
	targets, _ := ne.Output["targets"].([]string)
	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}

	for _, depID := range re.workflow.Dependents(node.ID) {
		if _, ok := re.workflow.Nodes[depID]; !ok {
			continue
		}
		if targetSet[depID] {
			if re.exec.NodeExecutionFor(depID).Status != domain.NodeWaiting {
				continue
			}
			if c.dependenciesSatisfied(scheduler.TaskKey{ExecutionID: re.exec.ID(), NodeID: depID}) {
				c.enqueueReady(re, re.workflow.Nodes[depID])
			}
			continue
		}
		c.skipUnselected(re, depID)
	}
}

// skipUnselected marks a node not on the selected Switch branch as Skipped
// and recurses into its own dependents.
func (c *Coordinator) skipUnselected(re *runningExecution, nodeID string) {
	ne := re.exec.NodeExecutionFor(nodeID)
	if ne.Status != domain.NodeWaiting {
		return
	}
	c.scheduler.RemoveWaiting(scheduler.TaskKey{ExecutionID: re.exec.ID(), NodeID: nodeID})
	if err := re.exec.MarkNodeReady(nodeID); err != nil {
		c.log.Error().Err(err).Str("node", nodeID).Msg("failed to mark unselected branch ready for skip")
		return
	}
	if err := re.exec.StartNode(nodeID, nil); err != nil {
		c.log.Error().Err(err).Str("node", nodeID).Msg("failed to mark unselected branch running for skip")
		return
	}
	if err := re.exec.SkipNode(nodeID, "switch branch not selected"); err != nil {
		c.log.Error().Err(err).Str("node", nodeID).Msg("failed to mark unselected branch skipped")
		return
	}
	c.publishUncommitted(re.exec)
	c.triggerDownstream(re, nodeID)
}

// forceEnqueueParallel enqueues every Control/Parallel branch directly: a
// fan-out's branches are named by id in ParallelConfig, and need not also be
// wired as graph Dependents of the Parallel node for this to fire them
// (spec §4.4).
func (c *Coordinator) forceEnqueueParallel(re *runningExecution, node *domain.Node) {
	if node.Parallel == nil {
		return
	}
	for _, branchID := range node.Parallel.Branches {
		n, ok := re.workflow.Nodes[branchID]
		if !ok {
			continue
		}
		if re.exec.NodeExecutionFor(branchID).Status == domain.NodeWaiting {
			c.enqueueReady(re, n)
		}
	}
}

// handleNodeError applies the Error Handler's Decision (spec §4.6/§7) for a
// node that failed or timed out.
func (c *Coordinator) handleNodeError(re *runningExecution, node *domain.Node, err error) {
	kind := domain.KindNodeExecutionError
	if kerr, ok := err.(*domain.KernelError); ok {
		kind = kerr.Kind
	}
	retryCount := re.exec.NodeExecutionFor(node.ID).RetryCount
	decision := c.errorHandler.Handle(node, re.workflow, kind, retryCount)

	switch decision.Action {
	case domain.ActionRetry:
		c.retryNode(re, node, decision.RetryDelay)
	case domain.ActionSkip:
		c.skipFailedNode(re, node, err, "")
	case domain.ActionFallback:
		c.skipFailedNode(re, node, err, decision.FallbackNodeID)
	case domain.ActionCompensate:
		c.compensate(re, err.Error())
	case domain.ActionEscalate:
		c.failExecution(re, "escalated: "+err.Error())
	default: // ActionFail
		c.failExecution(re, err.Error())
	}
}

// retryNode implements the Retry Decision (spec §4.6): transition the
// NodeExecution Failed -> Retrying and re-enqueue it onto the ready queue
// with a ScheduledTime no earlier than now + the Decision's backoff delay.
func (c *Coordinator) retryNode(re *runningExecution, node *domain.Node, delay time.Duration) {
	if _, rerr := re.exec.RetryNode(node.ID); rerr != nil {
		c.log.Error().Err(rerr).Str("node", node.ID).Msg("failed to transition node to retrying")
		c.failExecution(re, rerr.Error())
		return
	}
	c.publishUncommitted(re.exec)
	c.scheduler.EnqueueReadyAt(scheduler.TaskKey{ExecutionID: re.exec.ID(), NodeID: node.ID}, node, priorityOf(node), nowFunc().Add(delay))
}

func (c *Coordinator) skipFailedNode(re *runningExecution, node *domain.Node, cause error, fallbackNodeID string) {
	if fallbackNodeID != "" {
		if n, ok := re.workflow.Nodes[fallbackNodeID]; ok && re.exec.NodeExecutionFor(fallbackNodeID).Status == domain.NodeWaiting {
			c.enqueueReady(re, n)
		}
	}
	if serr := re.exec.SkipNode(node.ID, cause.Error()); serr != nil {
		c.log.Error().Err(serr).Str("node", node.ID).Msg("failed to mark node skipped")
		c.failExecution(re, cause.Error())
		return
	}
	c.publishUncommitted(re.exec)
	c.triggerDownstream(re, node.ID)
	c.maybeFinishExecution(re)
}

func (c *Coordinator) failExecution(re *runningExecution, msg string) {
	c.scheduler.CancelExecution(re.exec.ID())
	if ferr := re.exec.Fail(msg); ferr != nil {
		c.log.Error().Err(ferr).Str("execution", re.exec.ID()).Msg("failed to transition execution to failed")
	}
	c.publishUncommitted(re.exec)
	c.finish(re)
}

// compensate runs the Saga-style compensation plan for the Execution's
// Success nodes that declare a Compensation block (spec §4.7), then settles
// the Execution as Failed regardless of whether compensation itself fully
// succeeded — the triggering failure still stands; compensation only unwinds
// side effects.
func (c *Coordinator) compensate(re *runningExecution, reason string) {
	if c.compensation == nil {
		c.failExecution(re, reason)
		return
	}
	if berr := re.exec.BeginCompensating(); berr != nil {
		c.log.Error().Err(berr).Str("execution", re.exec.ID()).Msg("failed to begin compensating")
	}
	c.publishUncommitted(re.exec)

	strategy := compensationStrategy(re.workflow)
	plan := compensation.BuildPlan(re.workflow, re.exec, strategy)
	ok := c.compensation.Execute(context.Background(), re.exec.ID(), plan, strategy)

	if ferr := re.exec.Fail(reason); ferr != nil {
		c.log.Error().Err(ferr).Str("execution", re.exec.ID()).Msg("failed to transition execution to failed after compensation")
	}
	if ferr := re.exec.FinishCompensated(ok); ferr != nil {
		c.log.Error().Err(ferr).Str("execution", re.exec.ID()).Msg("failed to finish compensation")
	}
	c.publishUncommitted(re.exec)
	c.finish(re)
}

// compensationStrategy reads an optional per-workflow override out of
// Metadata["compensationStrategy"], defaulting to Reverse (spec §4.7's LIFO
// default, generalized from mbflow's CompensationManager).
func compensationStrategy(w *domain.Workflow) domain.CompensationStrategy {
	if v, ok := w.Metadata["compensationStrategy"].(string); ok {
		switch domain.CompensationStrategy(v) {
		case domain.CompensationReverse, domain.CompensationSequential, domain.CompensationParallel:
			return domain.CompensationStrategy(v)
		}
	}
	return domain.CompensationReverse
}

// maybeFinishExecution transitions the Execution to Completed once every
// declared node has reached Success or Skipped (spec §4.4 "On all nodes
// terminal"). A node the snapshot has no entry for is implicitly still
// Waiting, so its absence alone means the Execution is not done yet.
func (c *Coordinator) maybeFinishExecution(re *runningExecution) {
	snap := re.exec.Snapshot()
	for id := range re.workflow.Nodes {
		ne, ok := snap[id]
		if !ok {
			return
		}
		if ne.Status != domain.NodeSuccess && ne.Status != domain.NodeSkipped {
			return
		}
	}
	if cerr := re.exec.Complete(); cerr != nil {
		c.log.Error().Err(cerr).Str("execution", re.exec.ID()).Msg("failed to complete execution")
		return
	}
	c.publishUncommitted(re.exec)
	c.finish(re)
}
