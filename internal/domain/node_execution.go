package domain

import "time"

// ErrorInfo is the user-visible error record a NodeExecution carries on
// failure (spec §7 "errorInfo per NodeExecution").
type ErrorInfo struct {
	Kind      ErrorKind
	Message   string
	Timestamp time.Time
}

// NodeExecution is one node's run record within an Execution (spec §3). It
// is a value owned by the Execution and reached by node-id lookup, never by
// a parent pointer back to the Execution (spec §9 "replace any would-be
// bidirectional pointer graph with a single owner plus indices").
type NodeExecution struct {
	ExecutionID string
	NodeID      string
	Status      NodeExecutionStatus

	Input  map[string]any
	Output map[string]any

	RetryCount int
	Error      *ErrorInfo

	StartedAt  time.Time
	FinishedAt time.Time
}

func NewNodeExecution(executionID, nodeID string) *NodeExecution {
	return &NodeExecution{ExecutionID: executionID, NodeID: nodeID, Status: NodeWaiting}
}

// Transition moves the NodeExecution to `to`, returning a StateTransitionError
// if the move is not legal under I4.
func (ne *NodeExecution) transition(to NodeExecutionStatus) error {
	if !CanTransition(ne.Status, to) {
		return NewStateTransitionError(string(ne.Status), string(to), "illegal NodeExecution transition")
	}
	ne.Status = to
	return nil
}

func (ne *NodeExecution) MarkReady() error { return ne.transition(NodeReady) }

func (ne *NodeExecution) MarkRunning(input map[string]any) error {
	if err := ne.transition(NodeRunning); err != nil {
		return err
	}
	ne.Input = input
	if ne.StartedAt.IsZero() {
		ne.StartedAt = timeNow()
	}
	return nil
}

func (ne *NodeExecution) MarkSuccess(output map[string]any) error {
	if err := ne.transition(NodeSuccess); err != nil {
		return err
	}
	ne.Output = output
	ne.FinishedAt = timeNow()
	return nil
}

func (ne *NodeExecution) MarkFailed(kind ErrorKind, message string) error {
	if err := ne.transition(NodeFailed); err != nil {
		return err
	}
	ne.Error = &ErrorInfo{Kind: kind, Message: message, Timestamp: timeNow()}
	ne.FinishedAt = timeNow()
	return nil
}

func (ne *NodeExecution) MarkRetrying() error {
	if err := ne.transition(NodeRetrying); err != nil {
		return err
	}
	ne.RetryCount++
	return nil
}

func (ne *NodeExecution) MarkSkipped(reason string) error {
	if err := ne.transition(NodeSkipped); err != nil {
		return err
	}
	ne.Output = map[string]any{}
	ne.FinishedAt = timeNow()
	if reason != "" {
		ne.Error = &ErrorInfo{Kind: "", Message: reason, Timestamp: timeNow()}
	}
	return nil
}

func (ne *NodeExecution) MarkCancelled() error {
	if err := ne.transition(NodeCancelled); err != nil {
		return err
	}
	ne.FinishedAt = timeNow()
	return nil
}

func (ne *NodeExecution) Duration() time.Duration {
	if ne.StartedAt.IsZero() {
		return 0
	}
	end := ne.FinishedAt
	if end.IsZero() {
		end = timeNow()
	}
	return end.Sub(ne.StartedAt)
}
