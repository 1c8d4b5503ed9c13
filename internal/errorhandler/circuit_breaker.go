package errorhandler

import (
	"sync"
	"time"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// CircuitState is one of Closed/Open/HalfOpen (spec §4.6).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerConfig bounds a breaker's thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second}
}

// CircuitBreaker wraps calls to an external dependency (spec §4.6): after
// FailureThreshold consecutive failures it opens and rejects every call
// until RecoveryTimeout elapses, then half-opens; one success closes it, one
// failure in HalfOpen re-opens it. Its counters are guarded by their own
// mutex, never a global lock (spec §5).
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    CircuitBreakerConfig
	state  CircuitState
	fails  int
	openedAt time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// Allow reports whether a call should be attempted right now, transitioning
// Open -> HalfOpen once RecoveryTimeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.fails = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return
	}
	cb.fails++
	if cb.fails >= cb.cfg.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return domain.NewKernelError(domain.KindConcurrencyLimit, "circuit breaker is open", nil)
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Registry is a keyed set of circuit breakers, one per external dependency
// tag (agent id, tool id, ...).
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

func NewRegistry(cfg CircuitBreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

func (r *Registry) For(tag string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[tag]
	r.mu.RUnlock()
	if ok {
		return cb
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[tag]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.cfg)
	r.breakers[tag] = cb
	return cb
}

func (r *Registry) Snapshot() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]CircuitState, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v.State()
	}
	return out
}
