package order

import (
	"context"
	"errors"
	"testing"

	"tradebridge/internal/broker"
	"tradebridge/internal/events"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/risk"
	"tradebridge/pkg/db"
)

type fakeSession struct {
	nextID    int64
	placed    []broker.PlaceOrder
	cancelled []int64
	failAfter int // fail the n+1th PlaceOrder when > 0
}

func (f *fakeSession) PlaceOrder(ctx context.Context, po broker.PlaceOrder) (int64, error) {
	if f.failAfter > 0 && len(f.placed) >= f.failAfter {
		return 0, errors.New("gateway write failed")
	}
	f.nextID++
	po.OrderID = f.nextID
	f.placed = append(f.placed, po)
	return f.nextID, nil
}

func (f *fakeSession) CancelOrder(ctx context.Context, orderID int64) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeSession) IsConnected() bool { return true }

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database
}

func newTestTracker(t *testing.T, sess Session, limits risk.Limits) (*Tracker, *db.Database, *exitplan.Manager) {
	t.Helper()
	database := newTestDB(t)
	plans := exitplan.NewManager(database, events.NewBus(), exitplan.DefaultPolicy())
	return NewTracker(database, sess, risk.NewGate(limits), plans), database, plans
}

func validDecision() TradeDecision {
	return TradeDecision{
		DecisionID:  "dec-1",
		Symbol:      "AAPL",
		Direction:   DirectionLong,
		Size:        100,
		StopPrice:   145,
		TargetPrice: 160,
		EntryType:   broker.TypeLimit,
		EntryPrice:  150,
	}
}

func TestPlaceBracketSubmitsEntryStopTarget(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{}
	tracker, database, plans := newTestTracker(t, sess, risk.Limits{})

	result, err := tracker.PlaceBracket(ctx, validDecision())
	if err != nil {
		t.Fatalf("PlaceBracket: %v", err)
	}
	if result.EntryOrderID != 1 || result.StopOrderID != 2 || result.TargetOrderID != 3 {
		t.Fatalf("result ids %+v, expected 1/2/3", result)
	}

	if len(sess.placed) != 3 {
		t.Fatalf("placed %d orders, expected 3", len(sess.placed))
	}
	entry, stop, target := sess.placed[0], sess.placed[1], sess.placed[2]
	if entry.Side != broker.SideBuy || entry.ParentOrderID != 0 {
		t.Fatalf("entry=%+v, expected parent BUY", entry)
	}
	if stop.OrderType != broker.TypeStop || stop.AuxPrice != 145 || stop.ParentOrderID != 1 {
		t.Fatalf("stop=%+v, expected STP at 145 under parent 1", stop)
	}
	if target.OrderType != broker.TypeLimit || target.LimitPrice != 160 || target.ParentOrderID != 1 {
		t.Fatalf("target=%+v, expected LMT at 160 under parent 1", target)
	}
	if stop.Side != broker.SideSell || target.Side != broker.SideSell {
		t.Fatal("protective legs of a long bracket must SELL")
	}

	group, err := database.ListOrdersByCorrelation(ctx, result.CorrelationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(group) != 3 {
		t.Fatalf("persisted %d orders, expected 3", len(group))
	}
	for _, o := range group {
		if o.Status != broker.StatusPendingSubmit {
			t.Fatalf("order %d persisted as %s, expected PendingSubmit", o.ID, o.Status)
		}
	}

	plan, err := plans.GetByCorrelation(ctx, result.CorrelationID)
	if err != nil {
		t.Fatalf("draft plan missing: %v", err)
	}
	if plan.State != exitplan.StateDraft || plan.Policy.HardStop != 145 {
		t.Fatalf("plan=%+v, expected draft with hard stop 145", plan)
	}
	if result.ExitPlanID != plan.ID {
		t.Fatalf("result.ExitPlanID=%s, expected %s", result.ExitPlanID, plan.ID)
	}
}

func TestPlaceBracketShortDirection(t *testing.T) {
	sess := &fakeSession{}
	tracker, _, _ := newTestTracker(t, sess, risk.Limits{})

	d := validDecision()
	d.Direction = DirectionShort
	if _, err := tracker.PlaceBracket(context.Background(), d); err != nil {
		t.Fatalf("PlaceBracket: %v", err)
	}
	if sess.placed[0].Side != broker.SideSell {
		t.Fatalf("short entry side=%s, expected SELL", sess.placed[0].Side)
	}
	if sess.placed[1].Side != broker.SideBuy || sess.placed[2].Side != broker.SideBuy {
		t.Fatal("protective legs of a short bracket must BUY")
	}
}

func TestPlaceBracketRiskRejection(t *testing.T) {
	sess := &fakeSession{}
	tracker, database, _ := newTestTracker(t, sess, risk.Limits{MaxOrderQty: 10})

	_, err := tracker.PlaceBracket(context.Background(), validDecision())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(sess.placed) != 0 {
		t.Fatalf("rejected decision still reached the gateway: %+v", sess.placed)
	}
	orders, err := database.ListRecentOrders(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 0 {
		t.Fatalf("rejected decision persisted orders: %+v", orders)
	}
}

func TestPlaceBracketValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TradeDecision)
	}{
		{"empty symbol", func(d *TradeDecision) { d.Symbol = "" }},
		{"zero size", func(d *TradeDecision) { d.Size = 0 }},
		{"bad direction", func(d *TradeDecision) { d.Direction = "sideways" }},
		{"zero stop", func(d *TradeDecision) { d.StopPrice = 0 }},
		{"zero target", func(d *TradeDecision) { d.TargetPrice = 0 }},
		{"bad entry type", func(d *TradeDecision) { d.EntryType = broker.TypeStop }},
		{"limit without price", func(d *TradeDecision) { d.EntryPrice = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _, _ := newTestTracker(t, &fakeSession{}, risk.Limits{})
			d := validDecision()
			tt.mutate(&d)
			if _, err := tracker.PlaceBracket(context.Background(), d); !errors.Is(err, ErrInvalidDecision) {
				t.Fatalf("expected ErrInvalidDecision, got %v", err)
			}
		})
	}
}

func TestMidBracketFailureLeavesPersistedRows(t *testing.T) {
	ctx := context.Background()
	sess := &fakeSession{failAfter: 1}
	tracker, database, _ := newTestTracker(t, sess, risk.Limits{})

	_, err := tracker.PlaceBracket(ctx, validDecision())
	if err == nil {
		t.Fatal("expected failure on the stop leg")
	}

	// The entry row survives for the bracket auditor to flag as incomplete.
	orders, err := database.ListRecentOrders(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].ID != 1 {
		t.Fatalf("orders=%+v, expected only the persisted entry", orders)
	}
}
