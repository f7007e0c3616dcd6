package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradebridge/internal/broker"
	"tradebridge/internal/monitor"
	"tradebridge/internal/state"
	"tradebridge/pkg/db"
)

type fakeSession struct {
	open      []broker.OpenOrder
	positions []broker.PositionRow
	openErr   error
	posErr    error
	down      bool
}

func (f *fakeSession) OpenOrders(ctx context.Context) ([]broker.OpenOrder, error) {
	return f.open, f.openErr
}

func (f *fakeSession) Positions(ctx context.Context) ([]broker.PositionRow, error) {
	return f.positions, f.posErr
}

func (f *fakeSession) IsConnected() bool { return !f.down }

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

func newTestEngine(t *testing.T, database *db.Database, sess Session) *Engine {
	t.Helper()
	return NewEngine(database, sess, state.NewManager(database), monitor.NewRecorder(100, nil), Config{
		SettleWindow: time.Millisecond,
	})
}

func insertOrder(t *testing.T, database *db.Database, o db.Order) {
	t.Helper()
	if o.Side == "" {
		o.Side = broker.SideBuy
	}
	if o.OrderType == "" {
		o.OrderType = broker.TypeLimit
	}
	if o.Qty == 0 {
		o.Qty = 100
	}
	if err := database.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("insert order %d: %v", o.ID, err)
	}
}

func findingKinds(fs []monitor.Finding) map[string]int {
	out := make(map[string]int)
	for _, f := range fs {
		out[f.Kind]++
	}
	return out
}

func TestRunOverwritesStatusFromBroker(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	insertOrder(t, database, db.Order{ID: 1, Symbol: "AAPL", Status: broker.StatusSubmitted})

	sess := &fakeSession{
		open: []broker.OpenOrder{{OrderID: 1, Symbol: "AAPL", Status: broker.StatusPreSubmitted}},
	}
	engine := newTestEngine(t, database, sess)

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.StatusReconciled != 1 {
		t.Fatalf("StatusReconciled=%d, expected 1", report.StatusReconciled)
	}

	o, err := database.GetOrder(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != broker.StatusPreSubmitted {
		t.Fatalf("status=%s, expected broker's %s", o.Status, broker.StatusPreSubmitted)
	}
	if findingKinds(report.Findings)[monitor.KindStatusReconciled] != 1 {
		t.Fatalf("expected one status_reconciled finding, got %+v", report.Findings)
	}
}

func TestRunMarksVanishedOrdersInactive(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	insertOrder(t, database, db.Order{ID: 2, Symbol: "MSFT", Status: broker.StatusSubmitted})

	engine := newTestEngine(t, database, &fakeSession{})
	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ClosedOffline != 1 {
		t.Fatalf("ClosedOffline=%d, expected 1", report.ClosedOffline)
	}

	o, err := database.GetOrder(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != broker.StatusInactive {
		t.Fatalf("status=%s, expected Inactive", o.Status)
	}
}

func TestRunReportsUnknownBrokerOrders(t *testing.T) {
	database := newTestDB(t)
	sess := &fakeSession{
		open: []broker.OpenOrder{{OrderID: 99, Symbol: "TSLA", Side: broker.SideBuy, Status: broker.StatusSubmitted}},
	}
	engine := newTestEngine(t, database, sess)

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.UnknownOrders != 1 {
		t.Fatalf("UnknownOrders=%d, expected 1", report.UnknownOrders)
	}
	if report.BySeverity[monitor.SeverityWarn] != 1 {
		t.Fatalf("BySeverity=%+v, expected one WARN", report.BySeverity)
	}
}

func TestRunRevertsOnQueryFailure(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	insertOrder(t, database, db.Order{ID: 3, Symbol: "AAPL", Status: broker.StatusSubmitted})

	sess := &fakeSession{openErr: errors.New("gateway degraded")}
	engine := newTestEngine(t, database, sess)

	if _, err := engine.Run(ctx); err == nil {
		t.Fatal("expected Run to fail when the broker query fails")
	}

	// No order may be left stuck in RECONCILING after an abort.
	o, err := database.GetOrder(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != broker.StatusSubmitted {
		t.Fatalf("status=%s after abort, expected revert to Submitted", o.Status)
	}
}

func TestRunRequiresConnection(t *testing.T) {
	engine := newTestEngine(t, newTestDB(t), &fakeSession{down: true})
	if _, err := engine.Run(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestRunPositionDiff(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	// Baseline snapshot: long AAPL 100, long MSFT 50.
	_, err := database.CreateSnapshot(ctx, "scheduled", []db.SnapshotRow{
		{Symbol: "AAPL", Qty: 100, AvgCost: 150},
		{Symbol: "MSFT", Qty: 50, AvgCost: 400},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Broker now: AAPL shrunk to 40, MSFT gone, TSLA appeared.
	sess := &fakeSession{positions: []broker.PositionRow{
		{Symbol: "AAPL", Qty: 40, AvgCost: 150},
		{Symbol: "TSLA", Qty: 10, AvgCost: 250},
	}}
	engine := newTestEngine(t, database, sess)

	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	kinds := findingKinds(report.Findings)
	if kinds[monitor.KindPositionMismatch] != 1 {
		t.Fatalf("expected one position_mismatch ERROR, got %+v", kinds)
	}
	if kinds[monitor.KindPositionOpened] != 1 {
		t.Fatalf("expected one position_opened_offline INFO, got %+v", kinds)
	}
	if kinds[monitor.KindPositionClosed] != 1 {
		t.Fatalf("expected one position_closed_offline INFO, got %+v", kinds)
	}

	// The broker view is adopted and becomes the new baseline.
	snap, rows, err := database.LatestSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Source != "reconcile" {
		t.Fatalf("snapshot source=%s, expected reconcile", snap.Source)
	}
	if len(rows) != 2 {
		t.Fatalf("snapshot rows=%d, expected 2", len(rows))
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	insertOrder(t, database, db.Order{ID: 10, Symbol: "AAPL", Status: broker.StatusSubmitted})

	sess := &fakeSession{
		open:      []broker.OpenOrder{{OrderID: 10, Symbol: "AAPL", Status: broker.StatusSubmitted}},
		positions: []broker.PositionRow{{Symbol: "AAPL", Qty: 100, AvgCost: 150}},
	}
	engine := newTestEngine(t, database, sess)

	if _, err := engine.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if report.BySeverity[monitor.SeverityError] != 0 {
		t.Fatalf("second run produced ERROR findings: %+v", report.Findings)
	}
	if report.StatusReconciled != 0 || report.ClosedOffline != 0 || report.UnknownOrders != 0 {
		t.Fatalf("second run was not a no-op: %+v", report)
	}
}
