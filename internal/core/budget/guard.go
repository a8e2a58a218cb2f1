// Package budget implements the cooperative time-budget guard used by every
// paging loop.
//
// The host kills an invocation once its wall-clock budget is spent. Stages
// therefore check the guard before each page, partition or batch and, once
// the warning threshold is crossed, persist their cursor and return. Nothing
// is preempted between checks; a single slow call is bounded only by its own
// timeout.
package budget

import "time"

const (
	DefaultWarnRatio     = 0.83
	DefaultCriticalRatio = 0.95
)

// Guard measures elapsed time since a stage started.
type Guard struct {
	start    time.Time
	budget   time.Duration
	warn     float64
	critical float64
	now      func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithThresholds overrides the warning and critical ratios.
func WithThresholds(warn, critical float64) Option {
	return func(g *Guard) {
		if warn > 0 {
			g.warn = warn
		}
		if critical > 0 {
			g.critical = critical
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// New starts a guard for the given host budget.
func New(budget time.Duration, opts ...Option) *Guard {
	g := &Guard{
		budget:   budget,
		warn:     DefaultWarnRatio,
		critical: DefaultCriticalRatio,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.start = g.now()
	return g
}

// Unlimited returns a guard that never asks the caller to stop.
func Unlimited() *Guard {
	return New(0)
}

// Elapsed returns the time since the guard was created.
func (g *Guard) Elapsed() time.Duration {
	return g.now().Sub(g.start)
}

// Remaining returns the time left before the warning threshold.
func (g *Guard) Remaining() time.Duration {
	if g.budget <= 0 {
		return time.Duration(1<<63 - 1)
	}
	left := g.threshold(g.warn) - g.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// ShouldStop reports whether the warning threshold has been reached.
func (g *Guard) ShouldStop() bool {
	if g.budget <= 0 {
		return false
	}
	return g.Elapsed() >= g.threshold(g.warn)
}

// Critical reports whether the critical threshold has been reached.
func (g *Guard) Critical() bool {
	if g.budget <= 0 {
		return false
	}
	return g.Elapsed() >= g.threshold(g.critical)
}

// Budget returns the configured host budget.
func (g *Guard) Budget() time.Duration {
	return g.budget
}

func (g *Guard) threshold(ratio float64) time.Duration {
	return time.Duration(float64(g.budget) * ratio)
}
