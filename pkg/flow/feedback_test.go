package flow

import (
	"testing"
	"time"
)

func TestWindowNeverExceedsBound(t *testing.T) {
	w := newFeedbackWindow(2)

	for i := 0; i < 5; i++ {
		w.record(1, time.Millisecond, 0)
	}

	if s := w.snapshot(); s.Batches != 2 {
		t.Errorf("expected window bounded at 2 entries, got %d", s.Batches)
	}
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	w := newFeedbackWindow(2)

	w.record(1, time.Millisecond, 1) // failure, will be evicted
	w.record(1, time.Millisecond, 0)
	w.record(1, time.Millisecond, 0)

	if s := w.snapshot(); s.Failures != 0 {
		t.Errorf("expected the failed entry evicted, got %d failures", s.Failures)
	}
}

func TestSnapshotAggregates(t *testing.T) {
	w := newFeedbackWindow(8)

	w.record(10, 100*time.Millisecond, 0)
	w.record(10, 300*time.Millisecond, 5)

	s := w.snapshot()
	if s.Batches != 2 {
		t.Fatalf("expected 2 batches, got %d", s.Batches)
	}
	if s.Failures != 1 {
		t.Errorf("expected 1 failed batch, got %d", s.Failures)
	}
	if s.AvgDuration != 200*time.Millisecond {
		t.Errorf("expected avg duration 200ms, got %s", s.AvgDuration)
	}
	if s.ErrorRate != 0.25 {
		t.Errorf("expected error rate 0.25, got %f", s.ErrorRate)
	}
	// 20 items over 400ms of processor time.
	if s.Throughput != 50 {
		t.Errorf("expected throughput 50 items/sec, got %f", s.Throughput)
	}
}

func TestEmptySnapshot(t *testing.T) {
	w := newFeedbackWindow(4)

	s := w.snapshot()
	if s.Batches != 0 || s.ErrorRate != 0 || s.Throughput != 0 || s.AvgDuration != 0 {
		t.Errorf("expected zero snapshot for empty window, got %+v", s)
	}
}
