package flow

import (
	"testing"
	"time"
)

func testGovernorConfig() Config {
	return Config{
		MinBatchSize: 1,
		MaxBatchSize: 10,
		MinInterval:  100 * time.Millisecond,
		MaxInterval:  time.Second,
		GrowthFactor: 1.2,
		ShrinkFactor: 0.8,
	}.withDefaults()
}

func TestNextDelayFormula(t *testing.T) {
	g := newGovernor(testGovernorConfig())
	now := time.Now()

	// Nothing dispatched yet: no wait.
	if d := g.nextDelay(now); d != 0 {
		t.Fatalf("expected 0 delay before first dispatch, got %s", d)
	}

	g.markDispatch(now)

	d := g.nextDelay(now.Add(30 * time.Millisecond))
	if d < 60*time.Millisecond || d > 70*time.Millisecond {
		t.Errorf("expected ~70ms delay 30ms after dispatch, got %s", d)
	}

	if d := g.nextDelay(now.Add(150 * time.Millisecond)); d != 0 {
		t.Errorf("expected 0 delay after interval elapsed, got %s", d)
	}
}

func TestShrinkOnBadWindow(t *testing.T) {
	g := newGovernor(testGovernorConfig())

	g.recordOutcome(10*time.Millisecond, 0.5)

	if g.batchSize != 8 {
		t.Errorf("expected batch size 8 after one shrink of 10, got %d", g.batchSize)
	}
	if g.minInterval != 120*time.Millisecond {
		t.Errorf("expected interval 120ms after one shrink, got %s", g.minInterval)
	}
}

func TestShrinkFloorsAtMinBatchSize(t *testing.T) {
	g := newGovernor(testGovernorConfig())

	for i := 0; i < 50; i++ {
		g.recordOutcome(10*time.Millisecond, 1.0)
	}

	if g.batchSize != 1 {
		t.Errorf("expected batch size floored at 1, got %d", g.batchSize)
	}
	if g.minInterval != time.Second {
		t.Errorf("expected interval capped at 1s, got %s", g.minInterval)
	}
}

func TestGrowOnGoodWindow(t *testing.T) {
	cfg := testGovernorConfig()
	g := newGovernor(cfg)
	g.batchSize = 5

	g.recordOutcome(10*time.Millisecond, 0.0)

	if g.batchSize != 6 {
		t.Errorf("expected batch size 6 after one grow of 5, got %d", g.batchSize)
	}
	if g.minInterval != cfg.MinInterval {
		t.Errorf("expected interval held at floor %s, got %s", cfg.MinInterval, g.minInterval)
	}
}

func TestGrowCapsAtMaxBatchSize(t *testing.T) {
	g := newGovernor(testGovernorConfig())

	for i := 0; i < 50; i++ {
		g.recordOutcome(10*time.Millisecond, 0.0)
	}

	if g.batchSize != 10 {
		t.Errorf("expected batch size capped at 10, got %d", g.batchSize)
	}
}

func TestHysteresisDeadBand(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.TargetThroughput = 100
	g := newGovernor(cfg)
	before := g.batchSize

	// 90 items/sec sits between headroom (80) and target (100): hold.
	g.recordOutcome(time.Second/90, 0.0)

	if g.batchSize != before {
		t.Errorf("expected batch size held at %d inside the dead band, got %d", before, g.batchSize)
	}
}

func TestOverTargetShrinks(t *testing.T) {
	cfg := testGovernorConfig()
	cfg.TargetThroughput = 100
	g := newGovernor(cfg)

	// 200 items/sec exceeds the target even with zero errors.
	g.recordOutcome(5*time.Millisecond, 0.0)

	if g.batchSize != 8 {
		t.Errorf("expected batch size 8 after over-target shrink, got %d", g.batchSize)
	}
}

func TestAdaptationIsDeterministic(t *testing.T) {
	outcomes := []struct {
		perItem time.Duration
		errRate float64
	}{
		{10 * time.Millisecond, 0.0},
		{5 * time.Millisecond, 0.5},
		{20 * time.Millisecond, 0.0},
		{time.Millisecond, 0.2},
		{15 * time.Millisecond, 0.0},
	}

	a := newGovernor(testGovernorConfig())
	b := newGovernor(testGovernorConfig())
	for _, o := range outcomes {
		a.recordOutcome(o.perItem, o.errRate)
		b.recordOutcome(o.perItem, o.errRate)
	}

	if a.batchSize != b.batchSize || a.minInterval != b.minInterval {
		t.Errorf("identical outcome sequences diverged: (%d, %s) vs (%d, %s)",
			a.batchSize, a.minInterval, b.batchSize, b.minInterval)
	}
}
