// Package risk implements the pre-trade risk gate: pure per-order checks
// against static limits plus a global sliding-window order-rate counter.
package risk

import (
	"fmt"
	"sync"
	"time"
)

const rateWindow = time.Minute

// Limits are the static ceilings enforced by the gate.
type Limits struct {
	MaxOrderQty        float64
	MaxNotional        float64
	MinPrice           float64
	MaxOrdersPerMinute int
}

// OrderIntent is the proposed order under evaluation.
type OrderIntent struct {
	Symbol     string
	Qty        float64
	EstPrice   float64
	LimitPrice float64
	StopPrice  float64
}

// Decision is the gate's verdict. A false Allowed is a hard stop: callers
// must not resubmit without remediation.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Gate validates orders. The rate window is the only mutable state and is
// checked and incremented under one lock so two concurrent submissions
// cannot both observe room under the limit.
type Gate struct {
	limits Limits

	mu     sync.Mutex
	window []time.Time

	now func() time.Time // test hook
}

// NewGate builds a gate with the given limits.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits, now: time.Now}
}

// Check runs the checks in order: size, notional, minimum price, rate.
// The first failure returns immediately with a reason naming the offending
// value and the limit. A passing check-run records the submission in the
// rate window.
func (g *Gate) Check(o OrderIntent) Decision {
	if g.limits.MaxOrderQty > 0 && o.Qty > g.limits.MaxOrderQty {
		return Decision{Reason: fmt.Sprintf("order size %.2f exceeds maximum %.2f", o.Qty, g.limits.MaxOrderQty)}
	}

	// Best-available price: estimated, else limit, else stop. Price-based
	// checks are skipped entirely when no price is known.
	price := bestPrice(o)
	if price > 0 {
		if g.limits.MaxNotional > 0 {
			notional := o.Qty * price
			if notional > g.limits.MaxNotional {
				return Decision{Reason: fmt.Sprintf("Notional value %.2f exceeds maximum %.2f", notional, g.limits.MaxNotional)}
			}
		}
		if g.limits.MinPrice > 0 && price < g.limits.MinPrice {
			return Decision{Reason: fmt.Sprintf("price %.2f is below minimum %.2f", price, g.limits.MinPrice)}
		}
	}

	if g.limits.MaxOrdersPerMinute > 0 {
		if !g.allowRate() {
			return Decision{Reason: fmt.Sprintf("order rate limit reached: %d per minute", g.limits.MaxOrdersPerMinute)}
		}
	}

	return Decision{Allowed: true}
}

// allowRate prunes entries older than the window, then checks and records
// in one step.
func (g *Gate) allowRate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-rateWindow)
	kept := g.window[:0]
	for _, t := range g.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.window = kept

	if len(g.window) >= g.limits.MaxOrdersPerMinute {
		return false
	}
	g.window = append(g.window, now)
	return true
}

func bestPrice(o OrderIntent) float64 {
	switch {
	case o.EstPrice > 0:
		return o.EstPrice
	case o.LimitPrice > 0:
		return o.LimitPrice
	case o.StopPrice > 0:
		return o.StopPrice
	}
	return 0
}
