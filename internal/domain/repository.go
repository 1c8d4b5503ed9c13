package domain

import "context"

// WorkflowRepository is the abstract persistence contract for Workflow
// documents (spec §6, "consumed"). The kernel depends only on this
// interface; internal/storage supplies in-memory and Postgres/bun
// implementations.
type WorkflowRepository interface {
	Save(ctx context.Context, w *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	GetByName(ctx context.Context, name, version string) (*Workflow, error)
	List(ctx context.Context) ([]*Workflow, error)
	Update(ctx context.Context, w *Workflow) error
	Delete(ctx context.Context, id string) error
}

// ExecutionRepository is the abstract persistence contract for Execution
// records (spec §6).
type ExecutionRepository interface {
	Save(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*Execution, error)
	ListByStatus(ctx context.Context, status ExecutionStatus) ([]*Execution, error)
	Update(ctx context.Context, e *Execution) error
	Delete(ctx context.Context, id string) error
	// CleanupOlderThan removes only Executions in a terminal status whose
	// FinishedAt is older than `days` days (spec §6).
	CleanupOlderThan(ctx context.Context, days int) (int, error)
}

// EventStore is the event-sourcing persistence hook spec §1 calls out: "the
// core exposes hooks for persistence." The kernel appends to it as a
// best-effort side channel; it never reads from it to drive execution.
type EventStore interface {
	AppendEvents(ctx context.Context, executionID string, events []Event) error
	GetEvents(ctx context.Context, executionID string) ([]Event, error)
}

// AgentInvoker is the "invoke by id" interface the Coordinator delegates
// Agent nodes to (spec §6).
type AgentInvoker interface {
	InvokeAgent(ctx context.Context, agentID string, input map[string]any, execCtx *ExecutionContext) (map[string]any, error)
}

// ToolInvoker is the "invoke by id" interface the Coordinator delegates Tool
// nodes to (spec §6).
type ToolInvoker interface {
	InvokeTool(ctx context.Context, toolID string, parameters map[string]any) (map[string]any, error)
	ValidateParameters(ctx context.Context, toolID string, parameters map[string]any) []error
}

// EventSink is the publish/subscribe interface the kernel publishes
// lifecycle events through (spec §6). Publish must never block on subscriber
// delivery (spec §5/§9).
type EventSink interface {
	Publish(topic string, evt Event)
}
