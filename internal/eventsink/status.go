package eventsink

import (
	"context"
	"time"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// NodeStatusView is one entry of StatusView.NodeExecutions (spec §6).
type NodeStatusView struct {
	Status     domain.NodeExecutionStatus `json:"status"`
	StartTime  time.Time                  `json:"startTime,omitempty"`
	Duration   time.Duration              `json:"duration"`
	RetryCount int                        `json:"retryCount"`
}

// StatusView is the queryable execution status spec §6 exposes.
type StatusView struct {
	ExecutionID    string                    `json:"executionId"`
	WorkflowID     string                    `json:"workflowId"`
	Status         domain.ExecutionStatus    `json:"status"`
	StartTime      time.Time                 `json:"startTime,omitempty"`
	EndTime        time.Time                 `json:"endTime,omitempty"`
	Duration       time.Duration             `json:"duration"`
	ErrorMessage   string                    `json:"errorMessage,omitempty"`
	NodeExecutions map[string]NodeStatusView `json:"nodeExecutions"`
}

// StatusProvider renders a StatusView from an Execution repository, the sole
// read-path a client needs (spec §6).
type StatusProvider struct {
	executions domain.ExecutionRepository
}

func NewStatusProvider(executions domain.ExecutionRepository) *StatusProvider {
	return &StatusProvider{executions: executions}
}

// Status renders the status view for a single execution id.
func (p *StatusProvider) Status(ctx context.Context, executionID string) (*StatusView, error) {
	exec, err := p.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return p.render(exec), nil
}

func (p *StatusProvider) render(exec *domain.Execution) *StatusView {
	end := exec.FinishedAt()
	dur := time.Duration(0)
	if !exec.StartedAt().IsZero() {
		if end.IsZero() {
			dur = time.Since(exec.StartedAt())
		} else {
			dur = end.Sub(exec.StartedAt())
		}
	}

	view := &StatusView{
		ExecutionID:    exec.ID(),
		WorkflowID:     exec.WorkflowID(),
		Status:         exec.Status(),
		StartTime:      exec.StartedAt(),
		EndTime:        end,
		Duration:       dur,
		ErrorMessage:   exec.ErrorMessage(),
		NodeExecutions: make(map[string]NodeStatusView),
	}
	for nodeID, ne := range exec.Snapshot() {
		view.NodeExecutions[nodeID] = NodeStatusView{
			Status:     ne.Status,
			StartTime:  ne.StartedAt,
			Duration:   ne.Duration(),
			RetryCount: ne.RetryCount,
		}
	}
	return view
}

// KernelStats is the aggregate monitoring snapshot recovered from
// original_source/.../routers/monitoring.py (SPEC_FULL.md §10): queue
// depths, circuit breaker states, and active compensation count. It is a
// plain snapshot type: no function in this module fills it, so a caller
// assembles it from the Scheduler, Resource Manager, breaker registry and
// Sink itself. The dashboards that would render it live outside the
// kernel's scope (spec §1).
type KernelStats struct {
	ReadyDepth           int            `json:"readyDepth"`
	WaitingDepth         int            `json:"waitingDepth"`
	RunningDepth         int            `json:"runningDepth"`
	ActiveTasks          int            `json:"activeTasks"`
	CircuitBreakerStates map[string]string `json:"circuitBreakerStates,omitempty"`
	ActiveCompensations  int            `json:"activeCompensations"`
	EventsDropped        uint64         `json:"eventsDropped"`
}
