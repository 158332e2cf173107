package flow

import (
	"errors"
	"fmt"
	"time"
)

// Config is the full configuration surface of a Dispatcher. The zero value
// is not usable; call withDefaults (done by New) to fill in unset fields.
type Config struct {
	// MinBatchSize and MaxBatchSize bound the governed batch size.
	MinBatchSize int
	MaxBatchSize int

	// MinInterval is the hard pacing floor between batch dispatches;
	// MaxInterval caps how far the adaptive interval may back off.
	MinInterval time.Duration
	MaxInterval time.Duration

	// MaxQueueSize bounds the pending item buffer. Enqueues beyond it
	// fail with ErrQueueFull.
	MaxQueueSize int

	// MaxAttempts is the processor-invocation budget per batch lineage.
	MaxAttempts int

	// BackoffBase, BackoffFactor and BackoffMaxDelay shape the retry
	// schedule: base * factor^attempt, capped.
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffMaxDelay time.Duration

	// BreakerThreshold is the failed-batch count within the feedback
	// window that trips the breaker; BreakerResetTimeout is the cool-down
	// before a half-open trial.
	BreakerThreshold    int
	BreakerResetTimeout time.Duration

	// FeedbackWindow is the number of recent batch outcomes retained.
	FeedbackWindow int

	// PriorityTiers lists the drained tiers, highest first. Defaults to
	// High, Default, Low.
	PriorityTiers []Priority

	// GrowthFactor and ShrinkFactor are the multiplicative adaptation
	// factors applied by the governor on good and bad windows.
	GrowthFactor float64
	ShrinkFactor float64

	// TargetThroughput is the target rate in items/sec the governor
	// adapts toward. 0 means unlimited.
	TargetThroughput float64
}

// Callbacks are optional observability hooks, invoked synchronously by the
// dispatch loop at well-defined points and never while a lock is held.
type Callbacks[T any] struct {
	// OnBatchComplete fires after a batch resolves successfully.
	OnBatchComplete func(size, attempts int, duration time.Duration)

	// OnBatchError fires after a batch fails, including breaker
	// rejections and terminal protocol errors.
	OnBatchError func(size, attempts int, err error)

	// OnOverflow fires when an enqueue is rejected with ErrQueueFull.
	OnOverflow func(payload T)

	// OnBreakerChange fires on every breaker state transition.
	OnBreakerChange func(from, to BreakerState)
}

func (c Config) withDefaults() Config {
	if c.MinBatchSize == 0 {
		c.MinBatchSize = 1
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 64
	}
	if c.MinInterval == 0 {
		c.MinInterval = 10 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = time.Second
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1024
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = 2
	}
	if c.BackoffMaxDelay == 0 {
		c.BackoffMaxDelay = 10 * time.Second
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerResetTimeout == 0 {
		c.BreakerResetTimeout = 30 * time.Second
	}
	if c.FeedbackWindow == 0 {
		c.FeedbackWindow = 32
	}
	if len(c.PriorityTiers) == 0 {
		c.PriorityTiers = []Priority{PriorityHigh, PriorityDefault, PriorityLow}
	}
	if c.GrowthFactor == 0 {
		c.GrowthFactor = 1.2
	}
	if c.ShrinkFactor == 0 {
		c.ShrinkFactor = 0.8
	}
	return c
}

func (c Config) validate() error {
	if c.MinBatchSize < 1 {
		return errors.New("flow: MinBatchSize must be >= 1")
	}
	if c.MaxBatchSize < c.MinBatchSize {
		return fmt.Errorf("flow: MaxBatchSize (%d) < MinBatchSize (%d)", c.MaxBatchSize, c.MinBatchSize)
	}
	if c.MinInterval <= 0 {
		return errors.New("flow: MinInterval must be > 0")
	}
	if c.MaxInterval < c.MinInterval {
		return fmt.Errorf("flow: MaxInterval (%s) < MinInterval (%s)", c.MaxInterval, c.MinInterval)
	}
	if c.MaxQueueSize < 1 {
		return errors.New("flow: MaxQueueSize must be >= 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("flow: MaxAttempts must be >= 1")
	}
	if c.BackoffFactor < 1 {
		return errors.New("flow: BackoffFactor must be >= 1")
	}
	if c.BackoffMaxDelay < c.BackoffBase {
		return fmt.Errorf("flow: BackoffMaxDelay (%s) < BackoffBase (%s)", c.BackoffMaxDelay, c.BackoffBase)
	}
	if c.BreakerThreshold < 1 {
		return errors.New("flow: BreakerThreshold must be >= 1")
	}
	if c.BreakerThreshold > c.FeedbackWindow {
		return fmt.Errorf("flow: BreakerThreshold (%d) can never be reached within FeedbackWindow (%d)",
			c.BreakerThreshold, c.FeedbackWindow)
	}
	if c.GrowthFactor <= 1 {
		return errors.New("flow: GrowthFactor must be > 1")
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		return errors.New("flow: ShrinkFactor must be in (0, 1)")
	}
	return nil
}
