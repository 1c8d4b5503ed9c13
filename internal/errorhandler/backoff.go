// Package errorhandler implements the Error Handler of spec §4.6: ordered
// policy selection (retry/skip/fail/fallback/compensate/escalate), backoff
// calculation, and a circuit breaker for external-dependency calls.
// Grounded on mbflow's internal/application/executor/retry.go and
// circuit_breaker.go.
package errorhandler

import (
	"math"
	"math/rand"
	"time"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Backoff computes the retry delay for `retry` (0-indexed attempt number)
// under policy rp, per spec §4.6:
//
//	fixed:       base
//	linear:      base * (retry+1)
//	exponential: base * factor^retry
//
// clamped to maxDelay, with up to 10% uniform jitter when rp.Jitter is set.
func Backoff(rp *domain.RetryPolicy, retry int, maxDelay time.Duration) time.Duration {
	base := rp.RetryDelay
	var delay time.Duration
	switch rp.Strategy {
	case domain.RetryLinear:
		delay = base * time.Duration(retry+1)
	case domain.RetryExponential:
		factor := rp.BackoffFactor
		if factor == 0 {
			factor = 2
		}
		delay = time.Duration(float64(base) * math.Pow(factor, float64(retry)))
	default: // fixed
		delay = base
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	if rp.Jitter {
		jitterAmount := float64(delay) * 0.10
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitterAmount)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
