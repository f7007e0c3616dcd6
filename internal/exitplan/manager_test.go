package exitplan

import (
	"context"
	"errors"
	"math"
	"testing"

	"tradebridge/pkg/db"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return NewManager(database, nil, DefaultPolicy())
}

func mustDraft(t *testing.T, m *Manager, correlationID string, stop float64) *Plan {
	t.Helper()
	plan, err := m.CreateDraft(context.Background(), correlationID, "dec-1", "long", 100, stop)
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	return plan
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateDraft, StateActive, true},
		{StateDraft, StateCancelled, true},
		{StateDraft, StateExited, false},
		{StateDraft, StateProtecting, false},
		{StateActive, StateProtecting, true},
		{StateActive, StateScaling, true},
		{StateActive, StateExited, true},
		{StateActive, StateCancelled, true},
		{StateProtecting, StateScaling, true},
		{StateScaling, StateProtecting, true},
		{StateProtecting, StateExited, true},
		{StateScaling, StateDraft, false},
		{StateExited, StateCancelled, false},
		{StateCancelled, StateActive, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s)=%v, expected %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestInvalidTransitionLeavesPlanUntouched(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	plan := mustDraft(t, m, "corr-1", 95)

	err := m.Transition(ctx, plan.ID, StateProtecting)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := m.Get(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateDraft {
		t.Fatalf("state=%s after rejected transition, expected draft", got.State)
	}
}

func TestCloseComputesRMultiple(t *testing.T) {
	// Long entry 100, hard stop 95, exit 103: risk 5/share, gain 3/share.
	ctx := context.Background()
	m := newTestManager(t)
	plan := mustDraft(t, m, "corr-r", 95)

	if err := m.Activate(ctx, plan.ID, 100); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := m.Close(ctx, plan.ID, 103, "target"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := m.Get(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateExited {
		t.Fatalf("state=%s, expected exited", got.State)
	}
	if math.Abs(got.Runtime.RealizedR-0.6) > 1e-9 {
		t.Fatalf("RealizedR=%v, expected 0.6", got.Runtime.RealizedR)
	}
	if got.Runtime.SharesRemaining != 0 {
		t.Fatalf("SharesRemaining=%v, expected 0", got.Runtime.SharesRemaining)
	}
	if got.ClosedAt == nil {
		t.Fatal("ClosedAt not set on terminal plan")
	}
}

func TestCloseCancelledSkipsR(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	plan := mustDraft(t, m, "corr-c", 95)

	if err := m.Close(ctx, plan.ID, 0, ReasonCancelled); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := m.Get(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateCancelled {
		t.Fatalf("state=%s, expected cancelled", got.State)
	}
	if got.Runtime.RealizedR != 0 {
		t.Fatalf("RealizedR=%v on cancelled plan, expected 0", got.Runtime.RealizedR)
	}
}

func TestTerminalPlanIsImmutable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	plan := mustDraft(t, m, "corr-t", 95)

	if err := m.Activate(ctx, plan.ID, 100); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx, plan.ID, 103, "target"); err != nil {
		t.Fatal(err)
	}

	stop := 101.0
	if err := m.UpdateRuntime(ctx, plan.ID, RuntimePatch{CurrentStop: &stop}); !errors.Is(err, ErrPlanTerminal) {
		t.Fatalf("UpdateRuntime on terminal plan: got %v, expected ErrPlanTerminal", err)
	}
	if err := m.Transition(ctx, plan.ID, StateActive); !errors.Is(err, ErrPlanTerminal) {
		t.Fatalf("Transition on terminal plan: got %v, expected ErrPlanTerminal", err)
	}
}

func TestSharesRemainingCannotReachZeroViaUpdate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	plan := mustDraft(t, m, "corr-s", 95)

	if err := m.Activate(ctx, plan.ID, 100); err != nil {
		t.Fatal(err)
	}

	zero := 0.0
	if err := m.UpdateRuntime(ctx, plan.ID, RuntimePatch{SharesRemaining: &zero}); !errors.Is(err, ErrSharesNotZeroable) {
		t.Fatalf("expected ErrSharesNotZeroable, got %v", err)
	}

	half := 50.0
	if err := m.UpdateRuntime(ctx, plan.ID, RuntimePatch{SharesRemaining: &half}); err != nil {
		t.Fatalf("partial scale-out rejected: %v", err)
	}
}

func TestMFEOnlyIncreasesMAEOnlyDecreases(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	plan := mustDraft(t, m, "corr-m", 95)

	if err := m.Activate(ctx, plan.ID, 100); err != nil {
		t.Fatal(err)
	}

	patch := func(mfe, mae float64) RuntimePatch {
		return RuntimePatch{MFE: &mfe, MAE: &mae}
	}
	if err := m.UpdateRuntime(ctx, plan.ID, patch(500, -200)); err != nil {
		t.Fatal(err)
	}
	// Worse MFE and better MAE must both be ignored.
	if err := m.UpdateRuntime(ctx, plan.ID, patch(300, -100)); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Runtime.MFE != 500 {
		t.Fatalf("MFE=%v, expected 500", got.Runtime.MFE)
	}
	if got.Runtime.MAE != -200 {
		t.Fatalf("MAE=%v, expected -200", got.Runtime.MAE)
	}
}

func TestGivebackClampedToZero(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	plan := mustDraft(t, m, "corr-g", 95)

	if err := m.Activate(ctx, plan.ID, 100); err != nil {
		t.Fatal(err)
	}
	// Realized (3 * 100 shares = 300) exceeds MFE 200: clamp, don't go negative.
	mfe := 200.0
	if err := m.UpdateRuntime(ctx, plan.ID, RuntimePatch{MFE: &mfe}); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx, plan.ID, 103, "target"); err != nil {
		t.Fatal(err)
	}

	got, err := m.Get(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Runtime.Giveback != 0 {
		t.Fatalf("Giveback=%v, expected clamp to 0", got.Runtime.Giveback)
	}
}

func TestPolicyMigrationFromV1(t *testing.T) {
	raw := `{"version":1,"hard_stop":95,"take_profit_rungs":[{"r_multiple":1,"fraction":1}]}`
	pol, err := DecodePolicy(raw)
	if err != nil {
		t.Fatalf("DecodePolicy: %v", err)
	}
	if pol.Version != PolicyVersion {
		t.Fatalf("Version=%d, expected migration to %d", pol.Version, PolicyVersion)
	}
	if pol.Trailing.Enabled {
		t.Fatal("v1 blobs must migrate with trailing disabled")
	}
	if pol.HardStop != 95 || len(pol.Rungs) != 1 {
		t.Fatalf("migration lost fields: %+v", pol)
	}
}

func TestOverrideTrail(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	plan := mustDraft(t, m, "corr-o", 95)

	if err := m.RecordOverride(ctx, plan.ID, "current_stop", "95", "97", "tighten_stop", "news risk"); err != nil {
		t.Fatalf("RecordOverride: %v", err)
	}
	if err := m.RecordOverride(ctx, "no-such-plan", "current_stop", "1", "2", "x", ""); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("override on missing plan: got %v, expected ErrNotFound", err)
	}

	events, err := m.Overrides(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ReasonCode != "tighten_stop" {
		t.Fatalf("Overrides=%+v, expected one tighten_stop event", events)
	}
}
