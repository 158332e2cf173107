package flow

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	// The item was not enqueued; retrying is the caller's responsibility.
	ErrQueueFull = errors.New("flow: queue full")

	// ErrBreakerOpen resolves a batch that was rejected without invoking
	// the processor because the circuit breaker is open.
	ErrBreakerOpen = errors.New("flow: circuit breaker open")

	// ErrClosed is returned by Submit after the dispatcher has shut down.
	ErrClosed = errors.New("flow: dispatcher closed")
)

// ProtocolError reports a result slice whose length does not match the batch.
// It is terminal: a processor that misbehaves on cardinality is not retried.
type ProtocolError struct {
	Want int
	Got  int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("flow: processor returned %d results for %d items", e.Got, e.Want)
}

// RetriesExhaustedError resolves every item of a batch whose attempt budget
// ran out. LastErr is the processor error from the final attempt.
type RetriesExhaustedError struct {
	Attempts  int
	BatchSize int
	LastErr   error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("flow: retries exhausted after %d attempts (batch size %d): %v",
		e.Attempts, e.BatchSize, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.LastErr
}

// CancelledError resolves items that were still queued when the dispatcher
// was cleared or shut down.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("flow: cancelled: %s", e.Reason)
}
