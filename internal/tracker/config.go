package tracker

import "time"

// Config tunes one tracker. All trackers of a Manager share it.
type Config struct {
	// PollInterval is the cadence of status polls while a job is live.
	PollInterval time.Duration
	// TimeoutFloor and PerUnitBudget give the overall job deadline:
	// max(TimeoutFloor, PerUnitBudget x units). A retried unit gets one budget.
	TimeoutFloor  time.Duration
	PerUnitBudget time.Duration
	RetryCap      int
	// LateSweepDelay is how long after settling the tracker looks once more
	// for results the engine reported late.
	LateSweepDelay time.Duration
	MaxUnits       int
	MaxParamsBytes int
	// ExpectedUnitDuration drives the elapsed-time progress estimate used
	// before any unit has completed.
	ExpectedUnitDuration time.Duration
	// CallTimeout bounds engine and store calls made off the request path.
	CallTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         3 * time.Second,
		TimeoutFloor:         10 * time.Minute,
		PerUnitBudget:        150 * time.Second,
		RetryCap:             2,
		LateSweepDelay:       5 * time.Second,
		MaxUnits:             11,
		MaxParamsBytes:       16 * 1024,
		ExpectedUnitDuration: 60 * time.Second,
		CallTimeout:          15 * time.Second,
	}
}

// Deadline returns the overall time budget for a job of n units.
func (c Config) Deadline(n int) time.Duration {
	d := c.PerUnitBudget * time.Duration(n)
	if d < c.TimeoutFloor {
		return c.TimeoutFloor
	}
	return d
}
