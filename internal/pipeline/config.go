package pipeline

import "time"

// Config tunes one batching pipeline. Zero values fall back to defaults.
type Config struct {
	BaseInterval     time.Duration // flush cadence at neutral load
	MinInterval      time.Duration
	MaxInterval      time.Duration
	HighLoadInterval time.Duration
	LowLoadInterval  time.Duration

	HighLoadThreshold float64 // mean batch size switching to the fast interval
	LowLoadThreshold  float64
	SampleWindow      int           // batch sizes kept for the moving mean
	AdjustmentStep    time.Duration // nudge towards base per pass
	AdjustmentFreq    time.Duration // how often the interval is reconsidered

	QueueCapacity int

	// Circuit breaker around the transform stage.
	BreakerWindow       uint32        // calls per counting window
	BreakerFailureRate  float64       // trip above this ratio once the window fills
	BreakerConsecutive  uint32        // or this many consecutive failures
	BreakerResetTimeout time.Duration // OPEN hold before HALF_OPEN
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseInterval:     50 * time.Millisecond,
		MinInterval:      10 * time.Millisecond,
		MaxInterval:      200 * time.Millisecond,
		HighLoadInterval: 25 * time.Millisecond,
		LowLoadInterval:  100 * time.Millisecond,

		HighLoadThreshold: 15,
		LowLoadThreshold:  5,
		SampleWindow:      20,
		AdjustmentStep:    5 * time.Millisecond,
		AdjustmentFreq:    5 * time.Second,

		QueueCapacity: 4096,

		BreakerWindow:       20,
		BreakerFailureRate:  0.5,
		BreakerConsecutive:  5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// withDefaults fills zero values in place.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.HighLoadInterval <= 0 {
		c.HighLoadInterval = d.HighLoadInterval
	}
	if c.LowLoadInterval <= 0 {
		c.LowLoadInterval = d.LowLoadInterval
	}
	if c.HighLoadThreshold <= 0 {
		c.HighLoadThreshold = d.HighLoadThreshold
	}
	if c.LowLoadThreshold <= 0 {
		c.LowLoadThreshold = d.LowLoadThreshold
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = d.SampleWindow
	}
	if c.AdjustmentStep <= 0 {
		c.AdjustmentStep = d.AdjustmentStep
	}
	if c.AdjustmentFreq <= 0 {
		c.AdjustmentFreq = d.AdjustmentFreq
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.BreakerWindow == 0 {
		c.BreakerWindow = d.BreakerWindow
	}
	if c.BreakerFailureRate <= 0 {
		c.BreakerFailureRate = d.BreakerFailureRate
	}
	if c.BreakerConsecutive == 0 {
		c.BreakerConsecutive = d.BreakerConsecutive
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = d.BreakerResetTimeout
	}
	return c
}
