package domain

// Trigger gates whether a submitted start request actually materializes an
// Execution. The transport that delivers webhook/schedule payloads is out of
// scope (spec §1); only the gating predicate lives in the kernel.
type Trigger struct {
	Type      TriggerType
	Condition string
}

// ShouldTrigger evaluates this trigger's condition against the proposed
// initial variables. An empty condition always triggers.
func (t *Trigger) ShouldTrigger(eval func(expr string, vars map[string]any) (bool, error), vars map[string]any) (bool, error) {
	if t.Condition == "" {
		return true, nil
	}
	return eval(t.Condition, vars)
}

// ErrorHandlerRule is one entry of a workflow's ordered error_handlers list
// (spec §4.6, §9): first match by NodePattern (a regex against node id) and
// ErrorType wins.
type ErrorHandlerRule struct {
	NodePattern string
	ErrorType   ErrorKind
	Action      ErrorHandlerAction
	// FallbackNodeID is used when Action == ActionFallback.
	FallbackNodeID string
	Params         map[string]any
}
