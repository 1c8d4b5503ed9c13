package domain

import "time"

// EventType names one of the lifecycle event kinds the Event Sink publishes
// (spec §6).
type EventType string

const (
	EventWorkflowStarted     EventType = "WorkflowStarted"
	EventWorkflowCompleted   EventType = "WorkflowCompleted"
	EventWorkflowFailed      EventType = "WorkflowFailed"
	EventWorkflowSuspended   EventType = "WorkflowSuspended"
	EventWorkflowResumed     EventType = "WorkflowResumed"
	EventWorkflowCancelled   EventType = "WorkflowCancelled"
	EventWorkflowCompensating EventType = "WorkflowCompensating"
	EventWorkflowCompensated EventType = "WorkflowCompensated"

	EventNodeStarted   EventType = "NodeStarted"
	EventNodeCompleted EventType = "NodeCompleted"
	EventNodeFailed    EventType = "NodeFailed"
	EventNodeRetrying  EventType = "NodeRetrying"
	EventNodeSkipped   EventType = "NodeSkipped"

	EventStateChanged EventType = "StateChanged"
	EventSMCompleted  EventType = "StateMachineCompleted"
)

// Topic names the publish/subscribe channel an EventType is delivered on
// (spec §6).
func (t EventType) Topic() string {
	switch t {
	case EventStateChanged:
		return "statemachine.state_changed"
	case EventSMCompleted:
		return "statemachine.completed"
	case EventNodeStarted, EventNodeCompleted, EventNodeFailed, EventNodeRetrying, EventNodeSkipped:
		return "workflow.node.events"
	default:
		return "workflow.execution.events"
	}
}

// Event is one occurrence raised by the kernel, destined for the Event Sink
// and, for the Execution aggregate, for event-sourced persistence via the
// EventStore hook (spec §1 "the core exposes hooks for persistence").
type Event struct {
	Type        EventType
	WorkflowID  string
	ExecutionID string
	NodeID      string
	Timestamp   time.Time
	Payload     map[string]any
	Sequence    int64
}

func newEvent(t EventType, workflowID, executionID, nodeID string, payload map[string]any) Event {
	return Event{
		Type:        t,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		NodeID:      nodeID,
		Timestamp:   timeNow(),
		Payload:     payload,
	}
}
