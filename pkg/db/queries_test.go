package db

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return d
}

func TestMigrationsAreIdempotent(t *testing.T) {
	d := newTestDB(t)
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
}

func TestOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	if _, err := d.GetOrder(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing order, got %v", err)
	}

	o := Order{ID: 1, Symbol: "AAPL", Side: "BUY", OrderType: "LMT", Qty: 100, LimitPrice: 150, Status: "PendingSubmit", CorrelationID: "corr-1"}
	if err := d.CreateOrder(ctx, o); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := d.UpdateOrderStatus(ctx, 1, "Submitted"); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if err := d.UpdateOrderFill(ctx, 1, "Filled", 100, 150.1); err != nil {
		t.Fatalf("UpdateOrderFill: %v", err)
	}

	got, err := d.GetOrder(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "Filled" || got.FilledQty != 100 || got.AvgFillPrice != 150.1 {
		t.Fatalf("order=%+v, expected filled 100 @ 150.1", got)
	}

	live, err := d.ListOrdersByStatus(ctx, []string{"Submitted", "PendingSubmit"})
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Fatalf("live=%+v, expected none after fill", live)
	}
}

func TestAuditCorrelationIDs(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	terminal := []string{"Filled", "Cancelled", "Inactive"}
	mk := func(id int64, corr, status string, parent int64) {
		t.Helper()
		if err := d.CreateOrder(ctx, Order{ID: id, Symbol: "X", Side: "BUY", OrderType: "LMT", Qty: 1, Status: status, CorrelationID: corr, ParentOrderID: parent}); err != nil {
			t.Fatal(err)
		}
	}

	// Fully cancelled bracket: out of scope.
	mk(1, "done", "Cancelled", 0)
	mk(2, "done", "Cancelled", 1)
	mk(3, "done", "Cancelled", 1)

	// Live bracket: in scope via non-terminal members.
	mk(4, "live", "Submitted", 0)
	mk(5, "live", "Submitted", 4)
	mk(6, "live", "Submitted", 4)

	// Filled parent with terminal children: in scope via the filled parent.
	mk(7, "filled", "Filled", 0)
	mk(8, "filled", "Filled", 7)
	mk(9, "filled", "Cancelled", 7)

	ids, err := d.AuditCorrelationIDs(ctx, terminal, "Filled")
	if err != nil {
		t.Fatal(err)
	}

	got := make(map[string]bool, len(ids))
	for _, id := range ids {
		got[id] = true
	}
	if got["done"] {
		t.Fatal("fully cancelled bracket should not be audited")
	}
	if !got["live"] || !got["filled"] {
		t.Fatalf("ids=%v, expected live and filled groups", ids)
	}
}

func TestExecutionUniqueAndCommissionJoin(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	e := Execution{ExecID: "e1", OrderID: 1, Symbol: "AAPL", Side: "BUY", Shares: 100, Price: 150}
	if err := d.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := d.CreateExecution(ctx, e); err == nil || !strings.Contains(err.Error(), "UNIQUE") {
		t.Fatalf("duplicate exec id: got %v, expected UNIQUE constraint error", err)
	}

	if err := d.UpdateExecutionCommission(ctx, "e1", 1.25, 10); err != nil {
		t.Fatalf("UpdateExecutionCommission: %v", err)
	}
	if err := d.UpdateExecutionCommission(ctx, "nope", 1, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("commission for unknown exec: got %v, expected ErrNotFound", err)
	}

	execs, err := d.ListExecutionsByOrder(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 || !execs[0].Commission.Valid || execs[0].Commission.Float64 != 1.25 {
		t.Fatalf("execs=%+v, expected one row with commission 1.25", execs)
	}
}

func TestPositionUpsert(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	if err := d.UpsertPosition(ctx, Position{Symbol: "AAPL", Qty: 100, AvgPrice: 150}); err != nil {
		t.Fatal(err)
	}
	if err := d.UpsertPosition(ctx, Position{Symbol: "AAPL", Qty: 40, AvgPrice: 151, RealizedPnL: 60}); err != nil {
		t.Fatal(err)
	}

	positions, err := d.ListPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions=%+v, expected one upserted row", positions)
	}
	p := positions[0]
	if p.Qty != 40 || p.AvgPrice != 151 || p.RealizedPnL != 60 {
		t.Fatalf("position=%+v, expected latest values", p)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	if _, _, err := d.LatestSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty table: got %v, expected ErrNotFound", err)
	}

	if _, err := d.CreateSnapshot(ctx, "scheduled", []SnapshotRow{{Symbol: "AAPL", Qty: 100, AvgCost: 150}}); err != nil {
		t.Fatal(err)
	}
	id2, err := d.CreateSnapshot(ctx, "reconcile", []SnapshotRow{
		{Symbol: "AAPL", Qty: 40, AvgCost: 150},
		{Symbol: "TSLA", Qty: 10, AvgCost: 250},
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, rows, err := d.LatestSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID != id2 || snap.Source != "reconcile" {
		t.Fatalf("snap=%+v, expected latest reconcile snapshot %d", snap, id2)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%+v, expected 2", rows)
	}
}
