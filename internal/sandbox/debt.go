package sandbox

import (
	"sync"
	"time"
)

// DefaultDebtDecay is the per-frame multiplier applied to frame-time debt.
const DefaultDebtDecay = 0.8

// debtFloor is the level below which debt is considered repaid.
const debtFloor = time.Microsecond

// DebtTracker accumulates the time a scene ran past its tick budgets and
// lets it recover geometrically. The scheduler divides a scene's budget
// share by (1 + debt/frame_budget), so indebted scenes get less time until
// the debt decays.
type DebtTracker struct {
	mu    sync.Mutex
	debt  time.Duration
	decay float64
}

// NewDebtTracker creates a tracker. decay must be in (0, 1); anything else
// falls back to DefaultDebtDecay.
func NewDebtTracker(decay float64) *DebtTracker {
	if decay <= 0 || decay >= 1 {
		decay = DefaultDebtDecay
	}
	return &DebtTracker{decay: decay}
}

// Add charges an overrun. Non-positive overruns are ignored.
func (d *DebtTracker) Add(overrun time.Duration) {
	if overrun <= 0 {
		return
	}
	d.mu.Lock()
	d.debt += overrun
	d.mu.Unlock()
}

// Decay applies one frame of recovery and returns the new debt.
func (d *DebtTracker) Decay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.debt = time.Duration(float64(d.debt) * d.decay)
	if d.debt < debtFloor {
		d.debt = 0
	}
	return d.debt
}

// Debt returns the current debt.
func (d *DebtTracker) Debt() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.debt
}
