package flow

import (
	"sync"
	"time"
)

// batchOutcome is one entry of the feedback window.
type batchOutcome struct {
	size     int
	duration time.Duration
	errors   int
}

// Snapshot is an aggregate view over the feedback window. It is a value
// copy, safe to hand to metrics reporters on other goroutines.
type Snapshot struct {
	// Batches is the number of outcomes currently in the window.
	Batches int
	// Failures is the number of failed batches in the window.
	Failures int
	// AvgDuration is the mean batch duration.
	AvgDuration time.Duration
	// ErrorRate is failed items over total items.
	ErrorRate float64
	// Throughput is items per second of processor time.
	Throughput float64
}

// feedbackWindow is a fixed-size FIFO ring of recent batch outcomes. Record
// evicts the oldest entry once full; snapshot is a pure read.
type feedbackWindow struct {
	mu    sync.Mutex
	buf   []batchOutcome
	next  int
	count int
}

func newFeedbackWindow(size int) *feedbackWindow {
	return &feedbackWindow{buf: make([]batchOutcome, size)}
}

func (w *feedbackWindow) record(size int, duration time.Duration, errors int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf[w.next] = batchOutcome{size: size, duration: duration, errors: errors}
	w.next = (w.next + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

func (w *feedbackWindow) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	var s Snapshot
	if w.count == 0 {
		return s
	}

	var totalItems, totalErrors int
	var totalDuration time.Duration
	for i := 0; i < w.count; i++ {
		o := w.buf[i]
		totalItems += o.size
		totalErrors += o.errors
		totalDuration += o.duration
		if o.errors > 0 {
			s.Failures++
		}
	}

	s.Batches = w.count
	s.AvgDuration = totalDuration / time.Duration(w.count)
	if totalItems > 0 {
		s.ErrorRate = float64(totalErrors) / float64(totalItems)
	}
	if totalDuration > 0 {
		s.Throughput = float64(totalItems) / totalDuration.Seconds()
	}
	return s
}
