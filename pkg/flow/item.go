package flow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority determines the dispatch order of an item.
// Higher priority items are drained before lower priority ones.
// 0 = Low, 1 = Default, 2 = High
type Priority int

const (
	PriorityLow     Priority = 0
	PriorityDefault Priority = 1
	PriorityHigh    Priority = 2
)

// Handle is the caller-side view of a submitted item. It resolves exactly
// once with either a result or a terminal error.
type Handle[R any] struct {
	once  sync.Once
	done  chan struct{}
	value R
	err   error
}

func newHandle[R any]() *Handle[R] {
	return &Handle[R]{done: make(chan struct{})}
}

// resolve delivers the outcome. Subsequent calls are no-ops.
func (h *Handle[R]) resolve(value R, err error) {
	h.once.Do(func() {
		h.value = value
		h.err = err
		close(h.done)
	})
}

// Done returns a channel that is closed once the item has resolved.
func (h *Handle[R]) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the item resolves or ctx is cancelled.
func (h *Handle[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// item is a unit of work owned by the queue until it is drained into a batch.
type item[T, R any] struct {
	id        string
	payload   T
	priority  Priority
	createdAt time.Time
	attempts  int
	handle    *Handle[R]
}

func newItem[T, R any](payload T, priority Priority) *item[T, R] {
	return &item[T, R]{
		id:        uuid.New().String(),
		payload:   payload,
		priority:  priority,
		createdAt: time.Now(),
		handle:    newHandle[R](),
	}
}

func (it *item[T, R]) resolve(value R, err error) {
	it.handle.resolve(value, err)
}

func (it *item[T, R]) reject(err error) {
	var zero R
	it.handle.resolve(zero, err)
}
