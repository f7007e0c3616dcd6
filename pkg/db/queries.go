package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("record not found")

// ----------------------------------------
// Order queries
// ----------------------------------------

// CreateOrder inserts a new order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, symbol, side, order_type, qty, limit_price, aux_price, status,
			parent_order_id, correlation_id, filled_qty, avg_fill_price
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, o.Symbol, o.Side, o.OrderType, o.Qty, o.LimitPrice, o.AuxPrice, o.Status,
		o.ParentOrderID, o.CorrelationID, o.FilledQty, o.AvgFillPrice,
	)
	return err
}

// GetOrder returns one order by broker id, or ErrNotFound.
func (d *Database) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, symbol, side, order_type, qty, limit_price, aux_price, status,
		       parent_order_id, correlation_id, filled_qty, avg_fill_price, created_at, updated_at
		FROM orders WHERE id = ?
	`, id)
	var o Order
	if err := scanOrder(row, &o); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// UpdateOrderStatus sets the status of an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, id int64, status string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	return err
}

// UpdateOrderFill sets status, filled quantity and average fill price.
func (d *Database) UpdateOrderFill(ctx context.Context, id int64, status string, filledQty, avgFillPrice float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_fill_price = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, filledQty, avgFillPrice, id)
	return err
}

// ListOrdersByStatus returns orders whose status is in the given set.
func (d *Database) ListOrdersByStatus(ctx context.Context, statuses []string) ([]Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := d.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, symbol, side, order_type, qty, limit_price, aux_price, status,
		       parent_order_id, correlation_id, filled_qty, avg_fill_price, created_at, updated_at
		FROM orders WHERE status IN (%s)
		ORDER BY created_at`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListOrdersByCorrelation returns every order sharing a correlation id.
func (d *Database) ListOrdersByCorrelation(ctx context.Context, correlationID string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, order_type, qty, limit_price, aux_price, status,
		       parent_order_id, correlation_id, filled_qty, avg_fill_price, created_at, updated_at
		FROM orders WHERE correlation_id = ?
		ORDER BY parent_order_id, id`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListRecentOrders returns the newest orders up to limit.
func (d *Database) ListRecentOrders(ctx context.Context, limit int) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, order_type, qty, limit_price, aux_price, status,
		       parent_order_id, correlation_id, filled_qty, avg_fill_price, created_at, updated_at
		FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// AuditCorrelationIDs returns distinct correlation ids that still need a
// bracket-integrity look: any member not yet terminal, or a filled parent.
func (d *Database) AuditCorrelationIDs(ctx context.Context, terminal []string, filledStatus string) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(terminal)), ",")
	args := make([]any, 0, len(terminal)+1)
	for _, s := range terminal {
		args = append(args, s)
	}
	args = append(args, filledStatus)
	rows, err := d.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT correlation_id FROM orders
		WHERE status NOT IN (%s)
		   OR (parent_order_id = 0 AND status = ?)`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner, o *Order) error {
	return r.Scan(&o.ID, &o.Symbol, &o.Side, &o.OrderType, &o.Qty, &o.LimitPrice, &o.AuxPrice,
		&o.Status, &o.ParentOrderID, &o.CorrelationID, &o.FilledQty, &o.AvgFillPrice,
		&o.CreatedAt, &o.UpdatedAt)
}

func collectOrders(rows *sql.Rows) ([]Order, error) {
	var res []Order
	for rows.Next() {
		var o Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Execution queries
// ----------------------------------------

// CreateExecution appends a fill record; exec ids are broker-unique so a
// replayed event is a harmless constraint error the caller may ignore.
func (d *Database) CreateExecution(ctx context.Context, e Execution) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO executions (exec_id, order_id, symbol, side, shares, price, commission, realized_pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, e.ExecID, e.OrderID, e.Symbol, e.Side, e.Shares, e.Price, e.Commission, e.RealizedPnL, nullTime(e.ExecutedAt))
	return err
}

// UpdateExecutionCommission joins the async commission report onto a fill.
func (d *Database) UpdateExecutionCommission(ctx context.Context, execID string, commission, realizedPnL float64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE executions SET commission = ?, realized_pnl = ? WHERE exec_id = ?
	`, commission, realizedPnL, execID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutionsByOrder returns fills for one order, oldest first.
func (d *Database) ListExecutionsByOrder(ctx context.Context, orderID int64) ([]Execution, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT exec_id, order_id, symbol, side, shares, price, commission, realized_pnl, executed_at
		FROM executions WHERE order_id = ? ORDER BY executed_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ExecID, &e.OrderID, &e.Symbol, &e.Side, &e.Shares, &e.Price,
			&e.Commission, &e.RealizedPnL, &e.ExecutedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// UpsertPosition stores the latest position for a symbol.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			updated_at = CURRENT_TIMESTAMP
	`, p.Symbol, p.Qty, p.AvgPrice, p.RealizedPnL)
	return err
}

// ListPositions returns all current positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, qty, avg_price, realized_pnl, updated_at FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Snapshot queries
// ----------------------------------------

// CreateSnapshot writes a snapshot header plus its rows in one transaction.
func (d *Database) CreateSnapshot(ctx context.Context, source string, positions []SnapshotRow) (int64, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO position_snapshots (source) VALUES (?)`, source)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, r := range positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO position_snapshot_rows (snapshot_id, symbol, qty, avg_cost)
			VALUES (?, ?, ?, ?)`, id, r.Symbol, r.Qty, r.AvgCost); err != nil {
			return 0, fmt.Errorf("insert snapshot row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// LatestSnapshot returns the newest snapshot header and rows, or ErrNotFound
// when no snapshot has ever been taken.
func (d *Database) LatestSnapshot(ctx context.Context) (*PositionSnapshot, []SnapshotRow, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, source, taken_at FROM position_snapshots ORDER BY id DESC LIMIT 1`)
	var snap PositionSnapshot
	if err := row.Scan(&snap.ID, &snap.Source, &snap.TakenAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT snapshot_id, symbol, qty, avg_cost FROM position_snapshot_rows WHERE snapshot_id = ?`, snap.ID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var res []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		if err := rows.Scan(&r.SnapshotID, &r.Symbol, &r.Qty, &r.AvgCost); err != nil {
			return nil, nil, err
		}
		res = append(res, r)
	}
	return &snap, res, rows.Err()
}

// ----------------------------------------
// Exit plan queries
// ----------------------------------------

// CreateExitPlan inserts a plan row.
func (d *Database) CreateExitPlan(ctx context.Context, p ExitPlanRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO exit_plans (id, correlation_id, decision_id, state, policy, runtime)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.CorrelationID, p.DecisionID, p.State, p.Policy, p.Runtime)
	return err
}

// GetExitPlan returns one plan by id, or ErrNotFound.
func (d *Database) GetExitPlan(ctx context.Context, id string) (*ExitPlanRow, error) {
	return d.getExitPlan(ctx, `WHERE id = ?`, id)
}

// GetExitPlanByCorrelation returns the plan owning a bracket, or ErrNotFound.
func (d *Database) GetExitPlanByCorrelation(ctx context.Context, correlationID string) (*ExitPlanRow, error) {
	return d.getExitPlan(ctx, `WHERE correlation_id = ?`, correlationID)
}

func (d *Database) getExitPlan(ctx context.Context, where string, arg any) (*ExitPlanRow, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, correlation_id, COALESCE(decision_id, ''), state, policy, runtime,
		       created_at, updated_at, closed_at
		FROM exit_plans `+where, arg)
	var p ExitPlanRow
	if err := row.Scan(&p.ID, &p.CorrelationID, &p.DecisionID, &p.State, &p.Policy, &p.Runtime,
		&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdateExitPlan persists state plus policy/runtime blobs; closedAt is set
// only when the plan goes terminal.
func (d *Database) UpdateExitPlan(ctx context.Context, id, state, policy, runtime string, closedAt *time.Time) error {
	var closed any
	if closedAt != nil {
		closed = *closedAt
	}
	_, err := d.DB.ExecContext(ctx, `
		UPDATE exit_plans
		SET state = ?, policy = ?, runtime = ?, closed_at = COALESCE(?, closed_at),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, state, policy, runtime, closed, id)
	return err
}

// ListExitPlansSince returns plans updated within the lookback window.
func (d *Database) ListExitPlansSince(ctx context.Context, since time.Time) ([]ExitPlanRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, correlation_id, COALESCE(decision_id, ''), state, policy, runtime,
		       created_at, updated_at, closed_at
		FROM exit_plans WHERE updated_at >= ? ORDER BY updated_at DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ExitPlanRow
	for rows.Next() {
		var p ExitPlanRow
		if err := rows.Scan(&p.ID, &p.CorrelationID, &p.DecisionID, &p.State, &p.Policy, &p.Runtime,
			&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AppendOverrideEvent records a manual deviation; rows are append-only.
func (d *Database) AppendOverrideEvent(ctx context.Context, e OverrideEventRow) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO exit_override_events (plan_id, field, old_value, new_value, reason_code, note)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.PlanID, e.Field, e.OldValue, e.NewValue, e.ReasonCode, e.Note)
	return err
}

// ListOverrideEvents returns the audit trail for a plan, oldest first.
func (d *Database) ListOverrideEvents(ctx context.Context, planID string) ([]OverrideEventRow, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, plan_id, field, COALESCE(old_value, ''), COALESCE(new_value, ''),
		       reason_code, COALESCE(note, ''), created_at
		FROM exit_override_events WHERE plan_id = ? ORDER BY id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []OverrideEventRow
	for rows.Next() {
		var e OverrideEventRow
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Field, &e.OldValue, &e.NewValue,
			&e.ReasonCode, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// OverrideReasonHistogram counts override events by reason code since a time.
func (d *Database) OverrideReasonHistogram(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT reason_code, COUNT(*) FROM exit_override_events
		WHERE created_at >= ? GROUP BY reason_code`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		res[reason] = n
	}
	return res, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
