package flow

import "sync"

// tieredQueue is the bounded, priority-tiered FIFO buffer of pending items.
// Each tier keeps a staging list for retried items that is drained before the
// tier's normal FIFO, so retries re-enter at the front of their tier.
//
// enqueue, drain and clear are mutually exclusive; callers resolve the items
// returned by clear outside the lock.
type tieredQueue[T, R any] struct {
	mu       sync.Mutex
	tiers    []Priority // drain order, highest first
	pending  map[Priority][]*item[T, R]
	staged   map[Priority][]*item[T, R]
	size     int
	capacity int
	closed   bool
}

func newTieredQueue[T, R any](tiers []Priority, capacity int) *tieredQueue[T, R] {
	q := &tieredQueue[T, R]{
		tiers:    tiers,
		pending:  make(map[Priority][]*item[T, R], len(tiers)),
		staged:   make(map[Priority][]*item[T, R], len(tiers)),
		capacity: capacity,
	}
	return q
}

// tierFor maps an item priority onto a configured tier. Unconfigured
// priorities are routed to the lowest tier, mirroring how unknown tasks land
// in the default queue.
func (q *tieredQueue[T, R]) tierFor(p Priority) Priority {
	for _, t := range q.tiers {
		if t == p {
			return t
		}
	}
	return q.tiers[len(q.tiers)-1]
}

func (q *tieredQueue[T, R]) enqueue(it *item[T, R]) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.size >= q.capacity {
		return ErrQueueFull
	}
	tier := q.tierFor(it.priority)
	q.pending[tier] = append(q.pending[tier], it)
	q.size++
	return nil
}

// requeue stages retried items at the front of their tier. Staged items were
// already admitted once, so capacity is not re-checked. Returns false when
// the queue has been closed; the caller must resolve the items itself.
func (q *tieredQueue[T, R]) requeue(items []*item[T, R]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	for _, it := range items {
		tier := q.tierFor(it.priority)
		q.staged[tier] = append(q.staged[tier], it)
		q.size++
	}
	return true
}

// drain removes up to max items from the highest non-empty tier. A drain
// never mixes tiers, and never mixes staged retries with fresh items, so a
// retried batch re-enters as its own batch.
func (q *tieredQueue[T, R]) drain(max int) []*item[T, R] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if max <= 0 {
		return nil
	}
	for _, tier := range q.tiers {
		if staged := q.staged[tier]; len(staged) > 0 {
			return q.take(q.staged, tier, max)
		}
		if pending := q.pending[tier]; len(pending) > 0 {
			return q.take(q.pending, tier, max)
		}
	}
	return nil
}

func (q *tieredQueue[T, R]) take(src map[Priority][]*item[T, R], tier Priority, max int) []*item[T, R] {
	list := src[tier]
	n := max
	if n > len(list) {
		n = len(list)
	}
	out := make([]*item[T, R], n)
	copy(out, list[:n])
	src[tier] = list[n:]
	q.size -= n
	return out
}

// clear removes every queued item and returns it for rejection. When shutdown
// is set, the queue also stops accepting new items.
func (q *tieredQueue[T, R]) clear(shutdown bool) []*item[T, R] {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*item[T, R]
	for _, tier := range q.tiers {
		out = append(out, q.staged[tier]...)
		out = append(out, q.pending[tier]...)
		delete(q.staged, tier)
		delete(q.pending, tier)
	}
	q.size = 0
	if shutdown {
		q.closed = true
	}
	return out
}

func (q *tieredQueue[T, R]) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
