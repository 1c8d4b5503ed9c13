package errorhandler

import (
	"regexp"
	"time"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Decision is the outcome of Handler.Handle: which action to take and, for
// Retry, the delay before the task's scheduledTime.
type Decision struct {
	Action         domain.ErrorHandlerAction
	RetryDelay     time.Duration
	FallbackNodeID string
}

// Handler implements the ordered policy selection of spec §4.6:
//  1. node.retryPolicy, if retryCount < maxRetries and the error kind is
//     retryable -> Retry.
//  2. else the first workflow-level handler matching (nodePattern regex,
//     errorType) -> its action.
//  3. else by error class: Timeout -> Fail; RetryExhausted -> Compensate.
//  4. else -> Fail.
type Handler struct {
	maxDelay time.Duration
}

func NewHandler(maxDelay time.Duration) *Handler {
	return &Handler{maxDelay: maxDelay}
}

// Handle selects a Decision for a failed node. `retryCount` is the node's
// current NodeExecution.RetryCount before this failure is accounted for. A
// node whose retryPolicy permits retrying this kind of error but has already
// used up maxRetries falls through to the workflow-handler lookup under its
// original kind (so a handler keyed on e.g. NodeExecutionError still
// matches), but if nothing matches there its error-class default becomes
// RetryExhausted rather than its original kind (spec §4.6 step 3) — this is
// what lets a retry-exhausted node reach Compensate automatically.
func (h *Handler) Handle(node *domain.Node, workflow *domain.Workflow, kind domain.ErrorKind, retryCount int) Decision {
	retriesExhausted := false
	if node.RetryPolicy != nil && node.RetryPolicy.Retryable(kind) {
		if retryCount < node.RetryPolicy.MaxRetries {
			return Decision{Action: domain.ActionRetry, RetryDelay: Backoff(node.RetryPolicy, retryCount, h.maxDelay)}
		}
		retriesExhausted = true
	}

	if rule := matchHandler(workflow, node.ID, kind); rule != nil {
		return Decision{Action: rule.Action, FallbackNodeID: rule.FallbackNodeID}
	}

	effectiveKind := kind
	if retriesExhausted {
		effectiveKind = domain.KindRetryExhausted
	}
	switch effectiveKind {
	case domain.KindTimeoutError:
		return Decision{Action: domain.ActionFail}
	case domain.KindRetryExhausted:
		return Decision{Action: domain.ActionCompensate}
	default:
		return Decision{Action: domain.ActionFail}
	}
}

func matchHandler(workflow *domain.Workflow, nodeID string, kind domain.ErrorKind) *domain.ErrorHandlerRule {
	if workflow == nil {
		return nil
	}
	for _, rule := range workflow.ErrorHandlers {
		if rule.ErrorType != "" && rule.ErrorType != kind {
			continue
		}
		matched, err := regexp.MatchString(rule.NodePattern, nodeID)
		if err != nil || !matched {
			continue
		}
		return rule
	}
	return nil
}
