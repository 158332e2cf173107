// Package flow provides an adaptive throttled batch dispatcher.
// It accepts a stream of individual work items and groups them into batches
// for an external processor, with features including:
//   - Bounded, priority-tiered item queue with overflow rejection
//   - Adaptive pacing and batch sizing driven by observed latency and errors
//   - Exponential backoff retry mechanism
//   - Circuit breaker that fails fast under sustained failure
//
// The Dispatcher type is the main entry point. A single coordinator
// goroutine owns all dispatch decisions; callers submit items from any
// goroutine and wait on the returned Handle.
package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/batchflow/pkg/logger"
)

// Processor is the external collaborator a Dispatcher submits batches to.
// On success it must return exactly one result per item, in item order.
// A non-nil error or a result slice of the wrong length is a whole-batch
// failure; partial success is not part of the contract.
type Processor[T, R any] func(ctx context.Context, items []T) ([]R, error)

// Stats is an atomic point-in-time view of a Dispatcher, safe to read from
// any goroutine.
type Stats struct {
	QueueDepth  int
	Breaker     BreakerState
	BatchSize   int
	MinInterval time.Duration

	BatchesDispatched uint64
	BatchesFailed     uint64
	ItemsResolved     uint64
	ItemsRetried      uint64
	ItemsRejected     uint64

	Window Snapshot
}

// Dispatcher drains submitted items into governed-size batches, paces them
// against the rate governor, and routes per-item outcomes back to callers.
type Dispatcher[T, R any] struct {
	cfg     Config
	cbs     Callbacks[T]
	process Processor[T, R]

	queue  *tieredQueue[T, R]
	gov    *governor
	window *feedbackWindow
	brk    *breaker
	policy backoffPolicy

	cron *cron.Cron
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	wake      chan struct{}
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Dispatcher and starts its dispatch loop. Call Shutdown to
// stop it and release the loop goroutine.
func New[T, R any](cfg Config, cbs Callbacks[T], process Processor[T, R]) (*Dispatcher[T, R], error) {
	if process == nil {
		return nil, errors.New("flow: nil processor")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher[T, R]{
		cfg:     cfg,
		cbs:     cbs,
		process: process,
		queue:   newTieredQueue[T, R](cfg.PriorityTiers, cfg.MaxQueueSize),
		gov:     newGovernor(cfg),
		window:  newFeedbackWindow(cfg.FeedbackWindow),
		policy:  newBackoffPolicy(cfg),
		cron:    cron.New(cron.WithSeconds()),
		log:     logger.Component("dispatcher"),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.brk = newBreaker(cfg.BreakerThreshold, cfg.BreakerResetTimeout, d.breakerChanged)
	d.stats.BatchSize = d.gov.permittedBatchSize()
	d.stats.MinInterval = cfg.MinInterval

	d.cron.Start()
	go d.run()
	return d, nil
}

// Submit enqueues payload at the default priority and returns a Handle that
// resolves with the item's outcome. It fails fast with ErrQueueFull when the
// queue is at capacity and ErrClosed after shutdown.
func (d *Dispatcher[T, R]) Submit(payload T) (*Handle[R], error) {
	return d.SubmitPriority(payload, PriorityDefault)
}

// SubmitPriority enqueues payload at the given priority tier.
func (d *Dispatcher[T, R]) SubmitPriority(payload T, priority Priority) (*Handle[R], error) {
	it := newItem[T, R](payload, priority)
	if err := d.queue.enqueue(it); err != nil {
		if errors.Is(err, ErrQueueFull) && d.cbs.OnOverflow != nil {
			d.cbs.OnOverflow(payload)
		}
		return nil, err
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return it.handle, nil
}

// SubmitWait submits payload and blocks until it resolves or ctx is
// cancelled.
func (d *Dispatcher[T, R]) SubmitWait(ctx context.Context, payload T) (R, error) {
	h, err := d.Submit(payload)
	if err != nil {
		var zero R
		return zero, err
	}
	return h.Wait(ctx)
}

// Schedule registers a cron job that submits payload according to spec
// (e.g. "@every 30s"). Jobs run until Shutdown.
func (d *Dispatcher[T, R]) Schedule(spec string, payload T) (cron.EntryID, error) {
	return d.cron.AddFunc(spec, func() {
		if _, err := d.Submit(payload); err != nil {
			d.log.Error().Err(err).Str("spec", spec).Msg("Failed to submit scheduled item")
		}
	})
}

// Flush wakes the dispatch loop if it is idle. Pacing is still honored.
func (d *Dispatcher[T, R]) Flush() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Clear rejects all still-queued items with a CancelledError carrying
// reason. An in-flight batch is allowed to complete normally. Safe to call
// at any time, and idempotent.
func (d *Dispatcher[T, R]) Clear(reason string) {
	cleared := d.queue.clear(false)
	for _, it := range cleared {
		it.reject(&CancelledError{Reason: reason})
	}
	if len(cleared) > 0 {
		d.noteRejected(len(cleared))
		d.log.Info().Int("items", len(cleared)).Str("reason", reason).Msg("Queue cleared")
	}
}

// Shutdown stops accepting items, rejects everything still queued, and waits
// for any in-flight processor call to finish. If ctx expires first, the
// in-flight call's context is cancelled and ctx.Err is returned.
func (d *Dispatcher[T, R]) Shutdown(ctx context.Context) error {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
	d.cron.Stop()

	cleared := d.queue.clear(true)
	for _, it := range cleared {
		it.reject(&CancelledError{Reason: "shutdown"})
	}
	if len(cleared) > 0 {
		d.noteRejected(len(cleared))
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// Stats returns a snapshot of the dispatcher's current state.
func (d *Dispatcher[T, R]) Stats() Stats {
	d.statsMu.Lock()
	s := d.stats
	d.statsMu.Unlock()

	s.QueueDepth = d.queue.depth()
	s.Breaker = d.brk.State()
	s.Window = d.window.snapshot()
	return s
}

// run is the coordinator: exactly one per Dispatcher. All governor and
// breaker mutation happens here.
func (d *Dispatcher[T, R]) run() {
	defer close(d.done)
	defer d.cancel()

	for {
		select {
		case <-d.closed:
			return
		default:
		}

		if d.queue.depth() == 0 {
			select {
			case <-d.wake:
				continue
			case <-d.closed:
				return
			}
		}

		if delay := d.gov.nextDelay(time.Now()); delay > 0 {
			if !d.sleep(delay) {
				return
			}
		}

		items := d.queue.drain(d.gov.permittedBatchSize())
		if len(items) == 0 {
			continue
		}
		d.dispatch(items)
	}
}

// sleep waits out delay; returns false if shutdown began first.
func (d *Dispatcher[T, R]) sleep(delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.closed:
		return false
	}
}

// dispatch submits one drained batch and routes its outcome.
func (d *Dispatcher[T, R]) dispatch(items []*item[T, R]) {
	size := len(items)
	attempts := 0
	for _, it := range items {
		if it.attempts > attempts {
			attempts = it.attempts
		}
	}

	now := time.Now()
	if !d.brk.allow(now) {
		for _, it := range items {
			it.reject(ErrBreakerOpen)
		}
		d.noteRejected(size)
		d.log.Warn().Int("size", size).Msg("Batch rejected: circuit breaker open")
		if d.cbs.OnBatchError != nil {
			d.cbs.OnBatchError(size, attempts, ErrBreakerOpen)
		}
		return
	}

	payloads := make([]T, size)
	for i, it := range items {
		payloads[i] = it.payload
	}

	// Pacing is measured from submission time, so stamp before the call.
	d.gov.markDispatch(now)
	results, err := d.process(d.ctx, payloads)
	duration := time.Since(now)

	if err == nil && len(results) != size {
		err = &ProtocolError{Want: size, Got: len(results)}
	}

	if err == nil {
		for i, it := range items {
			it.resolve(results[i], nil)
		}
		d.window.record(size, duration, 0)
		d.gov.recordOutcome(duration/time.Duration(size), 0)
		d.brk.record(time.Now(), false, d.window.snapshot().Failures)
		d.noteSuccess(size)
		d.log.Debug().
			Int("size", size).
			Int("attempt", attempts+1).
			Dur("duration", duration).
			Msg("Batch succeeded")
		if d.cbs.OnBatchComplete != nil {
			d.cbs.OnBatchComplete(size, attempts+1, duration)
		}
		return
	}

	d.window.record(size, duration, size)
	d.gov.recordOutcome(duration/time.Duration(size), 1)
	d.brk.record(time.Now(), true, d.window.snapshot().Failures)
	d.noteFailure()
	d.log.Error().Err(err).
		Int("size", size).
		Int("attempt", attempts+1).
		Msg("Batch failed")
	if d.cbs.OnBatchError != nil {
		d.cbs.OnBatchError(size, attempts+1, err)
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		// A buggy processor must not spin: cardinality mismatch is
		// terminal, not retried.
		for _, it := range items {
			it.reject(err)
		}
		d.noteRejected(size)
		return
	}

	d.retryOrReject(items, err)
}

// retryOrReject increments per-item attempt counts, rejects exhausted items
// terminally, and re-stages the rest at the front of their tier after the
// backoff delay. Re-staged items go back through the governor and breaker
// like any other batch.
func (d *Dispatcher[T, R]) retryOrReject(items []*item[T, R], cause error) {
	var retry []*item[T, R]
	for _, it := range items {
		it.attempts++
		if d.policy.shouldRetry(it.attempts) {
			retry = append(retry, it)
		} else {
			it.reject(&RetriesExhaustedError{
				Attempts:  it.attempts,
				BatchSize: len(items),
				LastErr:   cause,
			})
			d.noteRejected(1)
		}
	}
	if len(retry) == 0 {
		return
	}

	delay := d.policy.delay(retry[0].attempts)
	d.noteRetried(len(retry))
	d.log.Warn().
		Int("items", len(retry)).
		Int("attempt", retry[0].attempts).
		Dur("backoff", delay).
		Msg("Retrying batch after backoff")

	if !d.sleep(delay) || !d.queue.requeue(retry) {
		for _, it := range retry {
			it.reject(&CancelledError{Reason: "shutdown"})
		}
		d.noteRejected(len(retry))
	}
}

func (d *Dispatcher[T, R]) breakerChanged(from, to BreakerState) {
	d.log.Warn().
		Stringer("from", from).
		Stringer("to", to).
		Msg("Circuit breaker state change")
	if d.cbs.OnBreakerChange != nil {
		d.cbs.OnBreakerChange(from, to)
	}
}

func (d *Dispatcher[T, R]) noteSuccess(items int) {
	d.statsMu.Lock()
	d.stats.BatchesDispatched++
	d.stats.ItemsResolved += uint64(items)
	d.stats.BatchSize = d.gov.permittedBatchSize()
	d.stats.MinInterval = d.gov.minInterval
	d.statsMu.Unlock()
}

func (d *Dispatcher[T, R]) noteFailure() {
	d.statsMu.Lock()
	d.stats.BatchesDispatched++
	d.stats.BatchesFailed++
	d.stats.BatchSize = d.gov.permittedBatchSize()
	d.stats.MinInterval = d.gov.minInterval
	d.statsMu.Unlock()
}

func (d *Dispatcher[T, R]) noteRetried(items int) {
	d.statsMu.Lock()
	d.stats.ItemsRetried += uint64(items)
	d.statsMu.Unlock()
}

func (d *Dispatcher[T, R]) noteRejected(items int) {
	d.statsMu.Lock()
	d.stats.ItemsRejected += uint64(items)
	d.statsMu.Unlock()
}
