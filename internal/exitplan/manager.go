package exitplan

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebridge/internal/events"
	"tradebridge/pkg/db"
)

// ReasonCancelled routes Close to the cancelled terminal state.
const ReasonCancelled = "cancelled"

// Manager owns all exit-plan mutation. Every state change is validated
// against the transition table before it is persisted.
type Manager struct {
	db       *db.Database
	bus      *events.Bus
	defaults Policy

	mu sync.Mutex
}

// NewManager builds a manager; defaults seed new plans' policies.
func NewManager(database *db.Database, bus *events.Bus, defaults Policy) *Manager {
	return &Manager{db: database, bus: bus, defaults: defaults}
}

// CreateDraft opens a plan in draft state before the entry order fills.
// The hard stop comes from the decision; everything else from the default
// policy template.
func (m *Manager) CreateDraft(ctx context.Context, correlationID, decisionID, direction string, shares, stopPrice float64) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pol := m.defaults
	pol.HardStop = stopPrice

	rt := Runtime{
		Version:         RuntimeVersion,
		Direction:       direction,
		CurrentStop:     stopPrice,
		Shares:          shares,
		SharesRemaining: shares,
	}

	plan := &Plan{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		DecisionID:    decisionID,
		State:         StateDraft,
		Policy:        pol,
		Runtime:       rt,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	polRaw, err := encodePolicy(pol)
	if err != nil {
		return nil, err
	}
	rtRaw, err := encodeRuntime(rt)
	if err != nil {
		return nil, err
	}
	if err := m.db.CreateExitPlan(ctx, db.ExitPlanRow{
		ID:            plan.ID,
		CorrelationID: correlationID,
		DecisionID:    decisionID,
		State:         string(StateDraft),
		Policy:        polRaw,
		Runtime:       rtRaw,
	}); err != nil {
		return nil, fmt.Errorf("create exit plan: %w", err)
	}

	log.Printf("exitplan: created draft %s for bracket %s (%s %.0f shares, stop %.2f)",
		plan.ID, correlationID, direction, shares, stopPrice)
	return plan, nil
}

// Get returns one plan by id.
func (m *Manager) Get(ctx context.Context, id string) (*Plan, error) {
	row, err := m.db.GetExitPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodePlan(row)
}

// GetByCorrelation returns the plan owning a bracket.
func (m *Manager) GetByCorrelation(ctx context.Context, correlationID string) (*Plan, error) {
	row, err := m.db.GetExitPlanByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return decodePlan(row)
}

// Activate transitions draft → active, fixing the realized entry price.
func (m *Manager) Activate(ctx context.Context, id string, entryPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(plan.State, StateActive); err != nil {
		return err
	}

	plan.Runtime.EntryPrice = entryPrice
	if err := m.save(ctx, plan, StateActive, nil); err != nil {
		return err
	}
	log.Printf("exitplan: %s activated at entry %.2f", id, entryPrice)
	return nil
}

// Transition moves a plan between non-terminal runtime states (e.g. active
// → protecting once the stop is confirmed working).
func (m *Manager) Transition(ctx context.Context, id string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTransition(plan.State, to); err != nil {
		return err
	}
	return m.save(ctx, plan, to, nil)
}

// UpdateRuntime merges incremental runtime fields without a state change;
// called on price ticks and partial fills. Shares remaining may not reach
// zero here; only Close zeroes it, preserving the terminal-state invariant.
func (m *Manager) UpdateRuntime(ctx context.Context, id string, patch RuntimePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if plan.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrPlanTerminal, id)
	}

	rt := &plan.Runtime
	if patch.CurrentStop != nil {
		rt.CurrentStop = *patch.CurrentStop
	}
	if patch.MFE != nil && *patch.MFE > rt.MFE {
		rt.MFE = *patch.MFE
	}
	if patch.MAE != nil && *patch.MAE < rt.MAE {
		rt.MAE = *patch.MAE
	}
	if patch.HoldSeconds != nil {
		rt.HoldSeconds = *patch.HoldSeconds
	}
	if patch.SharesRemaining != nil {
		if *patch.SharesRemaining <= 0 {
			return fmt.Errorf("%w: %s", ErrSharesNotZeroable, id)
		}
		rt.SharesRemaining = *patch.SharesRemaining
	}
	if len(patch.FiredRungs) > 0 {
		rt.FiredRungs = mergeRungs(rt.FiredRungs, patch.FiredRungs)
	}

	return m.save(ctx, plan, plan.State, nil)
}

// UpdatePolicy merges changes to the exit policy without touching runtime.
func (m *Manager) UpdatePolicy(ctx context.Context, id string, patch PolicyPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if plan.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrPlanTerminal, id)
	}

	pol := &plan.Policy
	if patch.HardStop != nil {
		pol.HardStop = *patch.HardStop
	}
	if patch.Rungs != nil {
		pol.Rungs = patch.Rungs
	}
	if patch.Trailing != nil {
		pol.Trailing = *patch.Trailing
	}

	return m.save(ctx, plan, plan.State, nil)
}

// RecordOverride appends an immutable audit event for a manual deviation
// from policy. This is the behavioral audit trail, not an error path.
func (m *Manager) RecordOverride(ctx context.Context, id, field, oldValue, newValue, reasonCode, note string) error {
	if _, err := m.db.GetExitPlan(ctx, id); err != nil {
		return err
	}
	return m.db.AppendOverrideEvent(ctx, db.OverrideEventRow{
		PlanID:     id,
		Field:      field,
		OldValue:   oldValue,
		NewValue:   newValue,
		ReasonCode: reasonCode,
		Note:       note,
	})
}

// Close finishes the plan. Reason "cancelled" routes to the cancelled
// terminal state with no R-multiple; any other reason routes to exited and
// computes the realized R-multiple and giveback ratio.
func (m *Manager) Close(ctx context.Context, id string, exitPrice float64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	to := StateExited
	if reason == ReasonCancelled {
		to = StateCancelled
	}
	if err := checkTransition(plan.State, to); err != nil {
		return err
	}

	rt := &plan.Runtime
	rt.SharesRemaining = 0

	if to == StateExited {
		rt.ExitPrice = exitPrice

		pnlPerShare := exitPrice - rt.EntryPrice
		if rt.Direction == "short" {
			pnlPerShare = rt.EntryPrice - exitPrice
		}
		rt.RealizedPnL = pnlPerShare * rt.Shares

		riskPerShare := math.Abs(rt.EntryPrice - plan.Policy.HardStop)
		if riskPerShare > 0 {
			rt.RealizedR = pnlPerShare / riskPerShare
		}

		if rt.MFE > 0 {
			gb := (rt.MFE - rt.RealizedPnL) / rt.MFE
			if gb < 0 {
				gb = 0
			}
			rt.Giveback = gb
		}
	}

	now := time.Now()
	if err := m.save(ctx, plan, to, &now); err != nil {
		return err
	}
	log.Printf("exitplan: %s closed as %s (reason=%s, exit=%.2f, R=%.2f)",
		id, to, reason, exitPrice, rt.RealizedR)
	return nil
}

// Stats aggregates plans updated within the lookback window.
func (m *Manager) Stats(ctx context.Context, lookback time.Duration) (Stats, error) {
	since := time.Now().Add(-lookback)
	rows, err := m.db.ListExitPlansSince(ctx, since)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{TotalsByState: make(map[State]int)}
	var sumR, sumGiveback float64
	for _, row := range rows {
		plan, err := decodePlan(&row)
		if err != nil {
			log.Printf("exitplan: skipping undecodable plan %s in stats: %v", row.ID, err)
			continue
		}
		stats.TotalsByState[plan.State]++
		if plan.State == StateExited {
			stats.ExitedCount++
			sumR += plan.Runtime.RealizedR
			sumGiveback += plan.Runtime.Giveback
		}
	}
	if stats.ExitedCount > 0 {
		stats.AvgRealizedR = sumR / float64(stats.ExitedCount)
		stats.AvgGiveback = sumGiveback / float64(stats.ExitedCount)
	}

	stats.OverrideReasons, err = m.db.OverrideReasonHistogram(ctx, since)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Overrides returns the audit trail for one plan.
func (m *Manager) Overrides(ctx context.Context, id string) ([]OverrideEvent, error) {
	rows, err := m.db.ListOverrideEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]OverrideEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, OverrideEvent{
			PlanID:     r.PlanID,
			Field:      r.Field,
			OldValue:   r.OldValue,
			NewValue:   r.NewValue,
			ReasonCode: r.ReasonCode,
			Note:       r.Note,
			At:         r.CreatedAt,
		})
	}
	return out, nil
}

func (m *Manager) save(ctx context.Context, plan *Plan, to State, closedAt *time.Time) error {
	polRaw, err := encodePolicy(plan.Policy)
	if err != nil {
		return err
	}
	rtRaw, err := encodeRuntime(plan.Runtime)
	if err != nil {
		return err
	}
	if err := m.db.UpdateExitPlan(ctx, plan.ID, string(to), polRaw, rtRaw, closedAt); err != nil {
		return fmt.Errorf("persist exit plan %s: %w", plan.ID, err)
	}
	plan.State = to
	if m.bus != nil {
		m.bus.Publish(events.EventExitPlan, *plan)
	}
	return nil
}

func checkTransition(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrPlanTerminal, from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

func decodePlan(row *db.ExitPlanRow) (*Plan, error) {
	pol, err := DecodePolicy(row.Policy)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", row.ID, err)
	}
	rt, err := DecodeRuntime(row.Runtime)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", row.ID, err)
	}
	plan := &Plan{
		ID:            row.ID,
		CorrelationID: row.CorrelationID,
		DecisionID:    row.DecisionID,
		State:         State(row.State),
		Policy:        pol,
		Runtime:       rt,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.ClosedAt.Valid {
		t := row.ClosedAt.Time
		plan.ClosedAt = &t
	}
	return plan, nil
}

func mergeRungs(existing, fired []int) []int {
	seen := make(map[int]bool, len(existing))
	for _, r := range existing {
		seen[r] = true
	}
	for _, r := range fired {
		if !seen[r] {
			existing = append(existing, r)
			seen[r] = true
		}
	}
	return existing
}
