package flow

import (
	"math"
	"time"
)

// backoffPolicy computes retry admission and delays using the classic
// 2^n * base schedule, generalized to a configurable base, factor and cap.
type backoffPolicy struct {
	base        time.Duration
	factor      float64
	maxDelay    time.Duration
	maxAttempts int
}

func newBackoffPolicy(cfg Config) backoffPolicy {
	return backoffPolicy{
		base:        cfg.BackoffBase,
		factor:      cfg.BackoffFactor,
		maxDelay:    cfg.BackoffMaxDelay,
		maxAttempts: cfg.MaxAttempts,
	}
}

// shouldRetry reports whether an item with the given number of completed
// attempts still has budget left.
func (p backoffPolicy) shouldRetry(attempts int) bool {
	return attempts < p.maxAttempts
}

// delay returns base * factor^attempt, capped at maxDelay. Monotone
// non-decreasing in attempt, constant once the cap is reached.
func (p backoffPolicy) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.base) * math.Pow(p.factor, float64(attempt))
	if d > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(d)
}
