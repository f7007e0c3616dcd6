// Package exitplan tracks a position's life from entry to close through an
// explicit state machine, independent of which order type executes the exit.
package exitplan

import (
	"errors"
	"time"
)

// State is an exit plan lifecycle state.
type State string

const (
	StateDraft      State = "draft"      // entry order submitted but unfilled
	StateActive     State = "active"     // entry filled
	StateProtecting State = "protecting" // stop management in effect
	StateScaling    State = "scaling"    // take-profit rungs firing
	StateExited     State = "exited"     // terminal
	StateCancelled  State = "cancelled"  // terminal, entry never completed
)

// transitions is the fixed adjacency table. Anything absent here is an
// invalid transition and fails loudly: the caller's belief about the current
// state must be wrong.
var transitions = map[State][]State{
	StateDraft:      {StateActive, StateCancelled},
	StateActive:     {StateProtecting, StateScaling, StateExited, StateCancelled},
	StateProtecting: {StateScaling, StateExited, StateCancelled},
	StateScaling:    {StateProtecting, StateExited, StateCancelled},
}

var (
	ErrInvalidTransition = errors.New("exitplan: invalid state transition")
	ErrPlanTerminal      = errors.New("exitplan: plan is terminal and immutable")
	ErrSharesNotZeroable = errors.New("exitplan: shares remaining may only reach zero by closing the plan")
)

// CanTransition reports whether from→to exists in the adjacency table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateExited || s == StateCancelled
}

// Plan is the read model for one exit plan.
type Plan struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	DecisionID    string     `json:"decision_id,omitempty"`
	State         State      `json:"state"`
	Policy        Policy     `json:"policy"`
	Runtime       Runtime    `json:"runtime"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// OverrideEvent is one recorded manual deviation from policy.
type OverrideEvent struct {
	PlanID     string    `json:"plan_id"`
	Field      string    `json:"field"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	ReasonCode string    `json:"reason_code"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// Stats aggregates plans over a lookback window for behavioral review.
type Stats struct {
	TotalsByState   map[State]int  `json:"totals_by_state"`
	ExitedCount     int            `json:"exited_count"`
	AvgRealizedR    float64        `json:"avg_realized_r"`
	AvgGiveback     float64        `json:"avg_giveback"`
	OverrideReasons map[string]int `json:"override_reasons"`
}
