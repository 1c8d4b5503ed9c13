package coordinator

import (
	"context"
	"fmt"

	"github.com/smilemakc/flowkernel/internal/domain"
	"github.com/smilemakc/flowkernel/internal/scheduler"
)

// dispatchFunc runs one node to completion and returns its captured output.
// executeNode (success/failure transitions) and runLoopIteration (synthetic
// per-iteration transitions) are the only two places that mutate
// NodeExecution/Execution state; dispatchLoop is the one dispatchFunc that
// does so, through runLoopIteration. Every other dispatchFunc leaves that
// state alone, so it can be reused from either path.
type dispatchFunc func(ctx context.Context, re *runningExecution, node *domain.Node, input map[string]any) (map[string]any, error)

// registerExecutors wires one Scheduler Executor per NodeType, each wrapping
// the matching dispatchFunc in executeNode's StartNode/timeout/Complete-or-
// Fail envelope (spec §4.3 step 1, §4.4 step 3).
func (c *Coordinator) registerExecutors() {
	c.scheduler.RegisterExecutor(domain.NodeAgent, func(t *scheduler.Task) error { return c.executeNode(t, c.dispatchAgent) })
	c.scheduler.RegisterExecutor(domain.NodeTool, func(t *scheduler.Task) error { return c.executeNode(t, c.dispatchTool) })
	c.scheduler.RegisterExecutor(domain.NodeControl, func(t *scheduler.Task) error { return c.executeNode(t, c.dispatchControl) })
	c.scheduler.RegisterExecutor(domain.NodeAggregation, func(t *scheduler.Task) error { return c.executeNode(t, c.dispatchAggregation) })
	c.scheduler.RegisterExecutor(domain.NodeSubWorkflow, func(t *scheduler.Task) error { return c.executeNode(t, c.dispatchSubWorkflow) })
}

// dispatchForType looks up the dispatchFunc for a node type, for callers
// (the Loop body runner) that need to invoke one outside the Scheduler's own
// Executor registry.
func (c *Coordinator) dispatchForType(t domain.NodeType) dispatchFunc {
	switch t {
	case domain.NodeAgent:
		return c.dispatchAgent
	case domain.NodeTool:
		return c.dispatchTool
	case domain.NodeAggregation:
		return c.dispatchAggregation
	case domain.NodeSubWorkflow:
		return c.dispatchSubWorkflow
	case domain.NodeControl:
		return c.dispatchControl
	default:
		return nil
	}
}

// executeNode is the Scheduler Executor envelope every node type shares
// (spec §4.4 step 3 "dispatch by node type, honoring timeout"): resolve
// inputs by reference expression, transition the NodeExecution to Running,
// race the dispatchFunc against the node's effective timeout, and transition
// to Success or Failed. The CompletionHandler (onTaskComplete) that the
// Scheduler invokes next is where downstream-triggering and error-handling
// policy selection happen — this method only ever touches the one node.
func (c *Coordinator) executeNode(task *scheduler.Task, dispatch dispatchFunc) error {
	re, ok := c.lookup(task.Key.ExecutionID)
	if !ok {
		return domain.NewKernelError(domain.KindNotFound, "unknown execution: "+task.Key.ExecutionID, nil)
	}
	node := task.Node

	input := ResolveInputs(node.Inputs, re.exec.Context())
	if err := re.exec.StartNode(node.ID, input); err != nil {
		return err
	}
	c.publishUncommitted(re.exec)

	// Deriving from re.ctx rather than context.Background() is what makes
	// Coordinator.Cancel a context-like signal an in-flight dispatch can
	// actually observe (spec §5), instead of only ever winning the race
	// against a node's own timeout.
	ctx, cancel := context.WithTimeout(re.ctx, node.EffectiveTimeout())
	defer cancel()

	type outcome struct {
		output map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := dispatch(ctx, re, node, input)
		done <- outcome{output, err}
	}()

	var output map[string]any
	var err error
	select {
	case o := <-done:
		output, err = o.output, o.err
	case <-ctx.Done():
	}
	// ctx outranks whatever the dispatchFunc itself returned: a well-behaved
	// dispatcher reacts to ctx.Done() by returning ctx.Err() verbatim (a
	// plain error, not a *domain.KernelError), and which of the two select
	// cases above actually fired is a race once ctx is done. Reclassifying
	// from ctx.Err() here keeps the outcome deterministic either way.
	if ctx.Err() != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = domain.NewTimeoutError(node.ID, fmt.Sprintf("node %q exceeded its %s timeout", node.ID, node.EffectiveTimeout()))
		} else {
			err = domain.NewCancelledError(node.ID)
		}
	}

	if err != nil {
		if kerr, ok := err.(*domain.KernelError); ok && kerr.Kind == domain.KindCancelledError {
			// The Execution's own status already moved to Cancelled (or is
			// about to) and finish() has dropped it from c.running, so
			// onTaskComplete will not find it; transition this NodeExecution
			// to Cancelled here so both settle on the same terminal picture.
			c.cancelNode(re, node)
			return err
		}
		kind := domain.KindNodeExecutionError
		if kerr, ok := err.(*domain.KernelError); ok {
			kind = kerr.Kind
		}
		if ferr := re.exec.FailNode(node.ID, kind, err.Error()); ferr != nil {
			c.log.Error().Err(ferr).Str("node", node.ID).Msg("failed to transition node to failed")
		}
		c.publishUncommitted(re.exec)
		return err
	}

	if cerr := re.exec.CompleteNode(node.ID, output); cerr != nil {
		c.log.Error().Err(cerr).Str("node", node.ID).Msg("failed to transition node to success")
		return cerr
	}
	c.publishUncommitted(re.exec)
	return nil
}

// withBreaker runs fn through the named dependency's CircuitBreaker when a
// Registry is configured, or directly otherwise (spec §4.6 is an optional
// enrichment, not a hard kernel dependency).
func (c *Coordinator) withBreaker(tag string, fn func() error) error {
	if c.breakers == nil {
		return fn()
	}
	return c.breakers.For(tag).Execute(fn)
}

// dispatchAgent implements spec §4.4 Agent nodes: delegate to the configured
// AgentInvoker, circuit-breaker-wrapped per agent id.
func (c *Coordinator) dispatchAgent(ctx context.Context, re *runningExecution, node *domain.Node, input map[string]any) (map[string]any, error) {
	if c.agents == nil {
		return nil, domain.NewKernelError(domain.KindSchedulingError, "no agent invoker configured for agent node "+node.ID, nil)
	}
	var output map[string]any
	err := c.withBreaker("agent:"+node.AgentID, func() error {
		out, err := c.agents.InvokeAgent(ctx, node.AgentID, input, re.exec.Context())
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	return output, err
}

// dispatchTool implements spec §4.4 Tool nodes: validate parameters, then
// delegate to the configured ToolInvoker, circuit-breaker-wrapped per tool
// id.
func (c *Coordinator) dispatchTool(ctx context.Context, re *runningExecution, node *domain.Node, input map[string]any) (map[string]any, error) {
	if c.tools == nil {
		return nil, domain.NewKernelError(domain.KindSchedulingError, "no tool invoker configured for tool node "+node.ID, nil)
	}
	if errs := c.tools.ValidateParameters(ctx, node.ToolID, input); len(errs) > 0 {
		return nil, domain.NewValidationError(fmt.Sprintf("tool %q parameter validation failed: %v", node.ToolID, errs))
	}
	var output map[string]any
	err := c.withBreaker("tool:"+node.ToolID, func() error {
		out, err := c.tools.InvokeTool(ctx, node.ToolID, input)
		if err != nil {
			return err
		}
		output = out
		return nil
	})
	return output, err
}

// dispatchAggregation implements spec §4.4 Aggregation nodes: shallow-merge
// the named source nodes' captured outputs, last writer (in Sources order)
// wins. "merge" is the only strategy the kernel ships; an unrecognized
// strategy still performs the merge, since there is nothing else to fall
// back to that would be less surprising.
func (c *Coordinator) dispatchAggregation(ctx context.Context, re *runningExecution, node *domain.Node, input map[string]any) (map[string]any, error) {
	ag := node.Aggregation
	if ag == nil {
		return nil, domain.NewValidationError("aggregation node " + node.ID + " has no aggregation config")
	}
	merged := make(map[string]any)
	for _, src := range ag.Sources {
		out, ok := re.exec.Context().NodeOutput(src)
		if !ok {
			continue
		}
		for k, v := range out {
			merged[k] = v
		}
	}
	return merged, nil
}

// dispatchSubWorkflow implements spec §4.4 SubWorkflow nodes: look up the
// nested Workflow, start a child Execution chained to this node's Execution
// context (domain.NewChildExecution), and block until the child reaches a
// terminal status or this node's own timeout fires.
func (c *Coordinator) dispatchSubWorkflow(ctx context.Context, re *runningExecution, node *domain.Node, input map[string]any) (map[string]any, error) {
	if c.workflows == nil {
		return nil, domain.NewKernelError(domain.KindSchedulingError, "no workflow repository configured for sub_workflow node "+node.ID, nil)
	}
	child, err := c.workflows.Get(ctx, node.SubWorkflowID)
	if err != nil {
		return nil, domain.NewKernelError(domain.KindNotFound, "sub_workflow "+node.SubWorkflowID+" not found", err)
	}

	childExec, err := c.startInternal(ctx, child, input, re.exec.ID(), re.exec.Context())
	if err != nil {
		return nil, err
	}
	childRE, ok := c.lookup(childExec.ID())
	if !ok {
		return nil, domain.NewKernelError(domain.KindSchedulingError, "sub_workflow execution vanished immediately after start", nil)
	}

	select {
	case <-childRE.done:
	case <-ctx.Done():
		return nil, domain.NewTimeoutError(node.ID, "sub_workflow "+node.SubWorkflowID+" did not finish within the parent node's timeout")
	}

	status := childExec.Status()
	if status == domain.ExecFailed {
		return nil, domain.NewNodeExecutionError(node.ID, "sub_workflow "+node.SubWorkflowID+" failed: "+childExec.ErrorMessage(), nil)
	}
	return map[string]any{
		"executionId": childExec.ID(),
		"status":      string(status),
		"outputs":     childExec.Context().AllOutputs(),
	}, nil
}

// dispatchControl implements spec §4.4 Control nodes, branching on Subtype.
func (c *Coordinator) dispatchControl(ctx context.Context, re *runningExecution, node *domain.Node, input map[string]any) (map[string]any, error) {
	switch node.Subtype {
	case domain.ControlSwitch:
		return c.dispatchSwitch(re, node)
	case domain.ControlParallel:
		return c.dispatchParallel(node)
	case domain.ControlLoop:
		return c.dispatchLoop(ctx, re, node)
	case domain.ControlCondition:
		return c.dispatchCondition(re, node)
	default:
		return nil, domain.NewValidationError("control node " + node.ID + " has unknown subtype " + string(node.Subtype))
	}
}

func (c *Coordinator) dispatchSwitch(re *runningExecution, node *domain.Node) (map[string]any, error) {
	sc := node.Switch
	if sc == nil {
		return nil, domain.NewValidationError("switch node " + node.ID + " has no switch config")
	}
	vars := buildExprVars(re.exec.Context())
	result, err := c.evaluator.Eval(sc.Condition, vars)
	if err != nil {
		return nil, domain.NewKernelError(domain.KindValidationError, "switch condition failed to evaluate", err)
	}
	resultStr := fmt.Sprint(result)

	var matched, fallback *domain.SwitchBranch
	for i := range sc.Branches {
		b := &sc.Branches[i]
		if b.Case == "default" {
			fallback = b
			continue
		}
		if b.Case == resultStr {
			matched = b
			break
		}
	}
	if matched == nil {
		matched = fallback
	}
	if matched == nil {
		return nil, domain.NewKernelError(domain.KindValidationError, fmt.Sprintf("switch %q: no branch matches %q and no default is declared", node.ID, resultStr), nil)
	}
	return map[string]any{"selectedCase": matched.Case, "targets": matched.TargetIDs, "result": result}, nil
}

func (c *Coordinator) dispatchParallel(node *domain.Node) (map[string]any, error) {
	pc := node.Parallel
	if pc == nil {
		return nil, domain.NewValidationError("parallel node " + node.ID + " has no parallel config")
	}
	return map[string]any{"branches": pc.Branches, "waitAll": pc.WaitAll}, nil
}

func (c *Coordinator) dispatchCondition(re *runningExecution, node *domain.Node) (map[string]any, error) {
	cond, _ := node.Config["condition"].(string)
	if cond == "" {
		return nil, domain.NewValidationError("condition node " + node.ID + " has no condition expression")
	}
	vars := buildExprVars(re.exec.Context())
	result, err := c.evaluator.EvalBool(cond, vars)
	if err != nil {
		return nil, domain.NewKernelError(domain.KindValidationError, "condition failed to evaluate", err)
	}
	return map[string]any{"result": result}, nil
}

// dispatchLoop implements Control/Loop (spec §4.4): it runs BodyNodeID
// in-process, up to MaxIterations times, re-checking Condition after each
// run. The body's NodeExecution cannot simply cycle Running->Success-
// >Running under I4, so each iteration is bookkept under a synthetic
// "<bodyId>#<n>" key (runLoopIteration); once the loop ends, the real
// BodyNodeID is settled to Success exactly once, mirroring the final
// iteration's output, so ${bodyId.field} references and the normal
// dependents-walk both see a single coherent node.
func (c *Coordinator) dispatchLoop(ctx context.Context, re *runningExecution, node *domain.Node) (map[string]any, error) {
	lc := node.Loop
	if lc == nil {
		return nil, domain.NewValidationError("loop node " + node.ID + " has no loop config")
	}
	body, ok := re.workflow.Nodes[lc.BodyNodeID]
	if !ok {
		return nil, domain.NewValidationError("loop node " + node.ID + " references unknown body node " + lc.BodyNodeID)
	}
	maxIter := lc.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}

	var lastOutput map[string]any
	iter := 0
	for iter < maxIter {
		re.mu.Lock()
		i := re.loopIteration[node.ID]
		re.loopIteration[node.ID] = i + 1
		re.mu.Unlock()

		out, err := c.runLoopIteration(ctx, re, body, i)
		if err != nil {
			return nil, err
		}
		lastOutput = out
		iter = i + 1

		if lc.Condition == "" {
			break
		}
		cont, err := c.evaluator.EvalBool(lc.Condition, buildExprVars(re.exec.Context()))
		if err != nil {
			return nil, domain.NewKernelError(domain.KindValidationError, "loop condition failed to evaluate", err)
		}
		if !cont {
			break
		}
	}

	if err := re.exec.MarkNodeReady(body.ID); err != nil {
		return nil, err
	}
	if err := re.exec.StartNode(body.ID, lastOutput); err != nil {
		return nil, err
	}
	if err := re.exec.CompleteNode(body.ID, lastOutput); err != nil {
		return nil, err
	}
	c.publishUncommitted(re.exec)
	c.triggerDownstream(re, body.ID)

	return map[string]any{"iterations": iter, "output": lastOutput}, nil
}

// runLoopIteration runs one pass of a Loop's body node, bookkept under a
// synthetic per-iteration key, and mirrors its output onto the real body
// node id so condition evaluation and ${bodyId...} references see the
// latest iteration immediately.
func (c *Coordinator) runLoopIteration(ctx context.Context, re *runningExecution, body *domain.Node, iter int) (map[string]any, error) {
	syntheticID := fmt.Sprintf("%s#%d", body.ID, iter)
	input := ResolveInputs(body.Inputs, re.exec.Context())

	if err := re.exec.MarkNodeReady(syntheticID); err != nil {
		return nil, err
	}
	if err := re.exec.StartNode(syntheticID, input); err != nil {
		return nil, err
	}

	dispatch := c.dispatchForType(body.Type)
	if dispatch == nil {
		return nil, domain.NewKernelError(domain.KindSchedulingError, "loop body node type not supported: "+string(body.Type), nil)
	}
	iterCtx, cancel := context.WithTimeout(ctx, body.EffectiveTimeout())
	defer cancel()

	output, err := dispatch(iterCtx, re, body, input)
	if err != nil {
		if ferr := re.exec.FailNode(syntheticID, domain.KindNodeExecutionError, err.Error()); ferr != nil {
			c.log.Error().Err(ferr).Str("node", syntheticID).Msg("failed to transition loop iteration to failed")
		}
		return nil, err
	}
	if cerr := re.exec.CompleteNode(syntheticID, output); cerr != nil {
		return nil, cerr
	}
	re.exec.Context().SetNodeOutput(body.ID, output)
	return output, nil
}

// buildExprVars assembles the variable scope expr-lang programs evaluate
// against: workflow/execution variables, overlaid with every completed
// node's captured output keyed by node id (spec §4.4 Control/Switch
// conditions reference prior outputs the same way input resolution does).
func buildExprVars(ctx *domain.ExecutionContext) map[string]any {
	vars := ctx.AllVariables()
	if vars == nil {
		vars = make(map[string]any)
	}
	for nodeID, out := range ctx.AllOutputs() {
		vars[nodeID] = out
	}
	return vars
}
