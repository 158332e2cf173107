package flow

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

const (
	// errorRateCeiling is the error rate above which a window counts as a
	// bad signal and the governor backs off.
	errorRateCeiling = 0.10

	// targetHeadroom is the fraction of the target throughput under which
	// a window counts as a good signal and the governor may grow.
	targetHeadroom = 0.8
)

// governor decides pacing (inter-batch delay) and sizing (items per batch).
// It is mutated only by the dispatch loop, so it carries no lock of its own;
// the dispatcher exposes snapshots through Stats.
//
// Adaptation is multiplicative increase/decrease with hysteresis: growth only
// happens on a good window, shrink only on a bad one, both clamped to the
// configured bounds. The adjustments are deterministic multipliers on the
// previous value, so identical outcome sequences reproduce identical state.
type governor struct {
	minInterval  time.Duration
	batchSize    int
	lastDispatch time.Time

	// floor enforces the configured MinInterval as a hard pacing floor,
	// independent of the adaptive interval above it.
	floor *rate.Limiter

	floorInterval time.Duration
	maxInterval   time.Duration
	minBatch      int
	maxBatch      int
	growth        float64
	shrink        float64
	target        float64 // items/sec; 0 means unlimited
}

func newGovernor(cfg Config) *governor {
	return &governor{
		minInterval:   cfg.MinInterval,
		batchSize:     cfg.MaxBatchSize,
		floor:         rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		floorInterval: cfg.MinInterval,
		maxInterval:   cfg.MaxInterval,
		minBatch:      cfg.MinBatchSize,
		maxBatch:      cfg.MaxBatchSize,
		growth:        cfg.GrowthFactor,
		shrink:        cfg.ShrinkFactor,
		target:        cfg.TargetThroughput,
	}
}

// nextDelay reports how long the dispatcher must wait before the next batch
// may be dispatched. The limiter reservation is only probed here; the token
// is consumed by markDispatch.
func (g *governor) nextDelay(now time.Time) time.Duration {
	wait := g.minInterval - now.Sub(g.lastDispatch)
	if wait < 0 {
		wait = 0
	}
	res := g.floor.ReserveN(now, 1)
	if d := res.DelayFrom(now); d > wait {
		wait = d
	}
	res.CancelAt(now)
	return wait
}

func (g *governor) permittedBatchSize() int {
	return g.batchSize
}

// markDispatch stamps the dispatch time and consumes a pacing token. It is
// called before the processor is invoked, so pacing is measured from
// submission time, not completion time.
func (g *governor) markDispatch(now time.Time) {
	g.lastDispatch = now
	g.floor.AllowN(now, 1)
}

// recordOutcome feeds one batch observation back into the governor.
// perItem is the batch duration divided by its item count.
func (g *governor) recordOutcome(perItem time.Duration, errorRate float64) {
	throughput := math.Inf(1)
	if perItem > 0 {
		throughput = 1 / perItem.Seconds()
	}

	overTarget := g.target > 0 && throughput > g.target
	underTarget := g.target <= 0 || throughput < g.target*targetHeadroom

	switch {
	case errorRate >= errorRateCeiling || overTarget:
		g.batchSize = max(g.minBatch, int(math.Floor(float64(g.batchSize)*g.shrink)))
		g.minInterval = min(g.maxInterval, time.Duration(float64(g.minInterval)*g.growth))
	case underTarget:
		g.batchSize = min(g.maxBatch, int(math.Ceil(float64(g.batchSize)*g.growth)))
		g.minInterval = max(g.floorInterval, time.Duration(float64(g.minInterval)*g.shrink))
	}
	// In between: hold. The dead band is what prevents oscillation.
}
