package errorhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/smilemakc/flowkernel/internal/domain"
)

func TestBackoff_Exponential(t *testing.T) {
	rp := &domain.RetryPolicy{RetryDelay: 50 * time.Millisecond, BackoffFactor: 2, Strategy: domain.RetryExponential}
	assert.Equal(t, 50*time.Millisecond, Backoff(rp, 0, 0))
	assert.Equal(t, 100*time.Millisecond, Backoff(rp, 1, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(rp, 2, 0))
}

func TestBackoff_ClampsToMaxDelay(t *testing.T) {
	rp := &domain.RetryPolicy{RetryDelay: 50 * time.Millisecond, BackoffFactor: 10, Strategy: domain.RetryExponential}
	d := Backoff(rp, 5, 200*time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, d)
}

func TestBackoff_JitterStaysWithinTenPercent(t *testing.T) {
	rp := &domain.RetryPolicy{RetryDelay: 100 * time.Millisecond, Strategy: domain.RetryFixed, Jitter: true}
	for i := 0; i < 50; i++ {
		d := Backoff(rp, 0, 0)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestHandler_RetryWhenUnderMaxRetries(t *testing.T) {
	h := NewHandler(time.Second)
	node := &domain.Node{ID: "n1", RetryPolicy: &domain.RetryPolicy{MaxRetries: 2, RetryDelay: 10 * time.Millisecond}}
	d := h.Handle(node, nil, domain.KindNodeExecutionError, 0)
	assert.Equal(t, domain.ActionRetry, d.Action)
}

func TestHandler_ExhaustedRetriesFallsThroughToWorkflowHandler(t *testing.T) {
	h := NewHandler(time.Second)
	node := &domain.Node{ID: "n1", RetryPolicy: &domain.RetryPolicy{MaxRetries: 1, RetryDelay: time.Millisecond}}
	w := domain.NewWorkflow("w", "w", "1", domain.KindDAG)
	w.ErrorHandlers = []*domain.ErrorHandlerRule{{NodePattern: "^n.*", ErrorType: domain.KindNodeExecutionError, Action: domain.ActionSkip}}
	d := h.Handle(node, w, domain.KindNodeExecutionError, 1)
	assert.Equal(t, domain.ActionSkip, d.Action)
}

func TestHandler_ExhaustedRetriesWithNoHandlerCompensates(t *testing.T) {
	h := NewHandler(time.Second)
	node := &domain.Node{ID: "n1", RetryPolicy: &domain.RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond}}
	d := h.Handle(node, nil, domain.KindNodeExecutionError, 2)
	assert.Equal(t, domain.ActionCompensate, d.Action)
}

func TestHandler_NonRetryableErrorDoesNotForceCompensate(t *testing.T) {
	h := NewHandler(time.Second)
	node := &domain.Node{ID: "n1", RetryPolicy: &domain.RetryPolicy{
		MaxRetries: 2, RetryDelay: time.Millisecond,
		RetryOn: []domain.ErrorKind{domain.KindTimeoutError},
	}}
	d := h.Handle(node, nil, domain.KindNodeExecutionError, 0)
	assert.Equal(t, domain.ActionFail, d.Action)
}

func TestHandler_TimeoutDefaultsToFail(t *testing.T) {
	h := NewHandler(time.Second)
	node := &domain.Node{ID: "n1"}
	d := h.Handle(node, nil, domain.KindTimeoutError, 0)
	assert.Equal(t, domain.ActionFail, d.Action)
}

func TestHandler_RetryExhaustedDefaultsToCompensate(t *testing.T) {
	h := NewHandler(time.Second)
	node := &domain.Node{ID: "n1"}
	d := h.Handle(node, nil, domain.KindRetryExhausted, 0)
	assert.Equal(t, domain.ActionCompensate, d.Action)
}

func TestCircuitBreaker_OpensAfterThresholdAndHalfOpens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: 20 * time.Millisecond})
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())

	time.Sleep(25 * time.Millisecond)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: 10 * time.Millisecond})
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}
