package flow

import (
	"sync/atomic"
	"time"
)

// BreakerState captures circuit breaker states.
type BreakerState int32

const (
	// BreakerClosed indicates normal operation.
	BreakerClosed BreakerState = iota
	// BreakerOpen indicates the breaker is rejecting batches.
	BreakerOpen
	// BreakerHalfOpen indicates a single trial batch is permitted.
	BreakerHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is the failure-isolation state machine. Transitions happen only on
// the dispatch loop goroutine; state is stored atomically so metrics and
// Stats can read it from other goroutines.
type breaker struct {
	state        atomic.Int32
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	onChange     func(from, to BreakerState)
}

func newBreaker(threshold int, resetTimeout time.Duration, onChange func(from, to BreakerState)) *breaker {
	return &breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		onChange:     onChange,
	}
}

// State returns the current breaker state.
func (b *breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// allow reports whether a batch may be dispatched. While open, it permits a
// single trial once the cool-down has elapsed by moving to half-open.
func (b *breaker) allow(now time.Time) bool {
	switch b.State() {
	case BreakerOpen:
		if now.Sub(b.lastFailure) >= b.resetTimeout {
			b.transition(BreakerHalfOpen)
			return true
		}
		return false
	default:
		// Closed always allows. Half-open allows exactly the one trial
		// in flight; the dispatcher serializes batches, so no second
		// batch can slip in before record moves the state on.
		return true
	}
}

// record observes one batch outcome. windowFailures is the number of failed
// batches currently in the feedback window.
func (b *breaker) record(now time.Time, failed bool, windowFailures int) {
	switch b.State() {
	case BreakerClosed:
		if failed {
			b.lastFailure = now
			if windowFailures >= b.threshold {
				b.transition(BreakerOpen)
			}
		}
	case BreakerHalfOpen:
		if failed {
			// Trial failed: re-open and restart the cool-down clock.
			b.lastFailure = now
			b.transition(BreakerOpen)
		} else {
			b.transition(BreakerClosed)
		}
	}
}

func (b *breaker) transition(to BreakerState) {
	from := b.State()
	if from == to {
		return
	}
	b.state.Store(int32(to))
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
