package domain

import "time"

// RetryPolicy is a node's optional retry configuration (spec §4.6/§6).
type RetryPolicy struct {
	MaxRetries    int
	RetryDelay    time.Duration
	BackoffFactor float64
	Strategy      RetryStrategy
	Jitter        bool
	// RetryOn/Exclude name error kinds; empty RetryOn means "all kinds are
	// retryable except those in Exclude".
	RetryOn []ErrorKind
	Exclude []ErrorKind
}

// Retryable reports whether an error of the given kind should be retried
// under this policy, independent of the current retry count.
func (rp *RetryPolicy) Retryable(kind ErrorKind) bool {
	if rp == nil {
		return false
	}
	for _, k := range rp.Exclude {
		if k == kind {
			return false
		}
	}
	if len(rp.RetryOn) == 0 {
		return true
	}
	for _, k := range rp.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// CompensationSpec is the optional compensation declaration a node carries
// (spec §4.7 "nodes ... that declare a compensation block").
type CompensationSpec struct {
	Action string
	Params map[string]any
}

// ParallelConfig configures a Control/Parallel node (spec §4.4).
type ParallelConfig struct {
	Branches []string // sibling node ids fanned out to
	WaitAll  bool     // true: aggregator awaits all; false: first-success
}

// LoopConfig configures a Control/Loop node (spec §4.4).
type LoopConfig struct {
	Condition     string
	MaxIterations int
	BodyNodeID    string
}

// SwitchBranch is one arm of a Control/Switch node.
type SwitchBranch struct {
	Case      string // compared against the condition's evaluated result; "default" matches anything
	TargetIDs []string
}

// SwitchConfig configures a Control/Switch node (spec §4.4).
type SwitchConfig struct {
	Condition string
	Branches  []SwitchBranch
}

// AggregationConfig configures an Aggregation node (spec §4.4).
type AggregationConfig struct {
	Strategy string // "merge": shallow-merge maps, last-writer-wins
	Sources  []string
}

// Node is the tagged-variant unit of work inside a Workflow. Fields that only
// apply to one NodeType/ControlSubtype are left zero-valued otherwise;
// dispatch always branches on Type/Subtype, never on which fields are set.
type Node struct {
	ID      string
	Name    string
	Type    NodeType
	Subtype ControlSubtype // required iff Type == NodeControl

	Config map[string]any

	// Inputs maps a target parameter name to a reference expression
	// (`${name}` or `${node.path.parts}`); Outputs names the fields this
	// node exports into context.outputs[ID].
	Inputs  map[string]string
	Outputs []string

	Dependencies []string
	Timeout      time.Duration
	RetryPolicy  *RetryPolicy
	Compensation *CompensationSpec

	Switch      *SwitchConfig
	Parallel    *ParallelConfig
	Loop        *LoopConfig
	Aggregation *AggregationConfig

	// AgentID/ToolID name the external collaborator to invoke for Agent/Tool
	// nodes; conventionally sourced from Config["agent_id"]/Config["tool_id"]
	// at parse time and mirrored here for direct access.
	AgentID string
	ToolID  string

	// SubWorkflowID names the nested Workflow a SubWorkflow node runs.
	SubWorkflowID string

	ParallelGroup int // advisory topological layer, set by the parser (spec §4.1)
}

const defaultNodeTimeout = 300 * time.Second

// EffectiveTimeout returns the node's configured timeout or the spec's
// default of 300 seconds.
func (n *Node) EffectiveTimeout() time.Duration {
	if n.Timeout > 0 {
		return n.Timeout
	}
	return defaultNodeTimeout
}
