package domain

// WorkflowKind distinguishes the two execution models a Workflow can declare.
type WorkflowKind string

const (
	KindDAG          WorkflowKind = "dag"
	KindStateMachine WorkflowKind = "state_machine"
	KindHybrid       WorkflowKind = "hybrid"
)

func (k WorkflowKind) IsValid() bool {
	switch k {
	case KindDAG, KindStateMachine, KindHybrid:
		return true
	default:
		return false
	}
}

// NodeType is the tagged-variant discriminator for a Node. Dispatch tables
// throughout the kernel are keyed on this value rather than on runtime type
// introspection.
type NodeType string

const (
	NodeAgent       NodeType = "agent"
	NodeTool        NodeType = "tool"
	NodeControl     NodeType = "control"
	NodeAggregation NodeType = "aggregation"
	NodeSubWorkflow NodeType = "sub_workflow"
)

func (t NodeType) IsValid() bool {
	switch t {
	case NodeAgent, NodeTool, NodeControl, NodeAggregation, NodeSubWorkflow:
		return true
	default:
		return false
	}
}

// ControlSubtype further discriminates NodeControl nodes. Required iff
// Node.Type == NodeControl.
type ControlSubtype string

const (
	ControlSwitch    ControlSubtype = "switch"
	ControlParallel  ControlSubtype = "parallel"
	ControlLoop      ControlSubtype = "loop"
	ControlCondition ControlSubtype = "condition"
)

func (s ControlSubtype) IsValid() bool {
	switch s {
	case ControlSwitch, ControlParallel, ControlLoop, ControlCondition:
		return true
	default:
		return false
	}
}

// ExecutionStatus is the lifecycle status of an Execution (spec I5: terminal
// iff Completed, Failed, or Cancelled).
type ExecutionStatus string

const (
	ExecPending      ExecutionStatus = "pending"
	ExecRunning      ExecutionStatus = "running"
	ExecSuspended    ExecutionStatus = "suspended"
	ExecCompleted    ExecutionStatus = "completed"
	ExecFailed       ExecutionStatus = "failed"
	ExecCancelled    ExecutionStatus = "cancelled"
	ExecCompensating ExecutionStatus = "compensating"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// NodeExecutionStatus tracks a single NodeExecution along the state diagram
// fixed by spec invariant I4:
//
//	Waiting -> Ready -> Running -> {Success, Failed, Skipped, Cancelled}
//	Failed -> Retrying -> Running  (up to retryPolicy.maxRetries)
//	Failed -> Skipped              (Skip/Fallback error-handling decision)
type NodeExecutionStatus string

const (
	NodeWaiting  NodeExecutionStatus = "waiting"
	NodeReady    NodeExecutionStatus = "ready"
	NodeRunning  NodeExecutionStatus = "running"
	NodeSuccess  NodeExecutionStatus = "success"
	NodeFailed   NodeExecutionStatus = "failed"
	NodeSkipped  NodeExecutionStatus = "skipped"
	NodeRetrying NodeExecutionStatus = "retrying"
	NodeCancelled NodeExecutionStatus = "cancelled"
)

func (s NodeExecutionStatus) IsTerminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	default:
		return false
	}
}

// Satisfied reports whether a dependency in this status counts as satisfied
// for downstream-trigger eligibility (I6): Success always does; Skipped does
// only when the workflow's skip policy allows forward flow, which this
// kernel always does (a Skipped dependency is "satisfied, no output" per
// spec §7).
func (s NodeExecutionStatus) Satisfied() bool {
	return s == NodeSuccess || s == NodeSkipped
}

// legalNodeTransitions enumerates the edges of I4's state diagram.
var legalNodeTransitions = map[NodeExecutionStatus]map[NodeExecutionStatus]bool{
	NodeWaiting:  {NodeReady: true, NodeCancelled: true},
	NodeReady:    {NodeRunning: true, NodeCancelled: true},
	NodeRunning:  {NodeSuccess: true, NodeFailed: true, NodeSkipped: true, NodeCancelled: true},
	NodeFailed:   {NodeRetrying: true, NodeSkipped: true},
	NodeRetrying: {NodeRunning: true, NodeCancelled: true},
}

// CanTransition reports whether moving a NodeExecution from `from` to `to` is
// legal under I4.
func CanTransition(from, to NodeExecutionStatus) bool {
	targets, ok := legalNodeTransitions[from]
	return ok && targets[to]
}

// StateKind classifies a State in a state-machine Workflow.
type StateKind string

const (
	StateInitial StateKind = "initial"
	StateNormal  StateKind = "normal"
	StateFinal   StateKind = "final"
)

// RetryStrategy names a backoff shape for a node's retryPolicy.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// ErrorHandlerAction is the action a matched error handler (or error-class
// default) selects, per spec §4.6/§7.
type ErrorHandlerAction string

const (
	ActionRetry      ErrorHandlerAction = "retry"
	ActionSkip       ErrorHandlerAction = "skip"
	ActionFail       ErrorHandlerAction = "fail"
	ActionCompensate ErrorHandlerAction = "compensate"
	ActionFallback   ErrorHandlerAction = "fallback"
	ActionEscalate   ErrorHandlerAction = "escalate"
)

// CompensationStrategy orders the compensation plan (spec §4.7).
type CompensationStrategy string

const (
	CompensationReverse    CompensationStrategy = "reverse"
	CompensationSequential CompensationStrategy = "sequential"
	CompensationParallel   CompensationStrategy = "parallel"
)

// CompensationRecordStatus is the lifecycle of one compensation action.
type CompensationRecordStatus string

const (
	CompPending   CompensationRecordStatus = "pending"
	CompRunning   CompensationRecordStatus = "running"
	CompCompleted CompensationRecordStatus = "completed"
	CompFailed    CompensationRecordStatus = "failed"
	CompSkipped   CompensationRecordStatus = "skipped"
)

// TriggerType names how an Execution may be started, carried over from the
// original's trigger model (spec §3 "triggers").
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerAuto     TriggerType = "auto"
	TriggerHTTP     TriggerType = "http"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

// VariableType is used only for optional schema validation of workflow
// variables; the kernel never requires variables to be typed.
type VariableType string

const (
	VarString  VariableType = "string"
	VarInt     VariableType = "int"
	VarFloat   VariableType = "float"
	VarBool    VariableType = "bool"
	VarObject  VariableType = "object"
	VarArray   VariableType = "array"
	VarAny     VariableType = "any"
	VarUnknown VariableType = "unknown"
)

// InferType infers a VariableType from a decoded JSON/YAML value.
func InferType(v any) VariableType {
	if v == nil {
		return VarUnknown
	}
	switch v.(type) {
	case string:
		return VarString
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return VarInt
	case float32, float64:
		return VarFloat
	case bool:
		return VarBool
	case map[string]any:
		return VarObject
	case []any:
		return VarArray
	default:
		return VarAny
	}
}
