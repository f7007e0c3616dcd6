// Package state keeps the in-memory view of net positions, persisting every
// change so the bridge survives restarts. It is the single writer for the
// positions table and the position snapshot log.
package state

import (
	"context"
	"math"
	"sync"

	"tradebridge/pkg/db"
)

// Manager holds per-symbol net positions seeded from the DB on startup.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]db.Position
	db        *db.Database
}

// NewManager builds a manager over the given database.
func NewManager(database *db.Database) *Manager {
	return &Manager{
		db:        database,
		positions: make(map[string]db.Position),
	}
}

// Load seeds in-memory state from the DB on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	pos, err := m.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pos {
		m.positions[p.Symbol] = p
	}
	return nil
}

// Position returns the latest in-memory position for a symbol.
func (m *Manager) Position(symbol string) db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[symbol]
}

// Positions returns a copy of all non-flat positions.
func (m *Manager) Positions() []db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]db.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Qty != 0 {
			res = append(res, p)
		}
	}
	return res
}

// RecordFill nets a fill into the position for its symbol and returns the
// updated position plus the PnL realized by this fill.
//
// Netting is direction-consistent: adding to a position blends the average
// price; reducing realizes PnL against the existing basis without moving
// it; a flip realizes PnL on the closed quantity and opens the remainder at
// the fill price as the new basis.
func (m *Manager) RecordFill(ctx context.Context, symbol, side string, qty, price float64) (db.Position, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	signed := qty
	if side == "SELL" {
		signed = -qty
	}

	p := m.positions[symbol]
	oldQty := p.Qty
	oldAvg := p.AvgPrice
	newQty := oldQty + signed
	realized := 0.0

	switch {
	case oldQty == 0 || sameSign(oldQty, signed):
		// Opening or adding: blend the basis.
		p.AvgPrice = (oldAvg*math.Abs(oldQty) + price*qty) / math.Abs(newQty)
	case math.Abs(signed) <= math.Abs(oldQty):
		// Reducing (or exactly closing): realize against existing basis.
		closed := math.Abs(signed)
		realized = closed * (price - oldAvg) * direction(oldQty)
		if newQty == 0 {
			p.AvgPrice = 0
		}
	default:
		// Flip: close the whole old position, open remainder at fill price.
		closed := math.Abs(oldQty)
		realized = closed * (price - oldAvg) * direction(oldQty)
		p.AvgPrice = price
	}

	p.Symbol = symbol
	p.Qty = newQty
	p.RealizedPnL += realized

	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, p); err != nil {
			return p, realized, err
		}
	}
	m.positions[symbol] = p
	return p, realized, nil
}

// SetPosition overwrites a position outright; used by reconciliation when
// adopting the broker's authoritative view.
func (m *Manager) SetPosition(ctx context.Context, symbol string, qty, avgPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.positions[symbol]
	p.Symbol = symbol
	p.Qty = qty
	p.AvgPrice = avgPrice

	if m.db != nil {
		if err := m.db.UpsertPosition(ctx, p); err != nil {
			return err
		}
	}
	m.positions[symbol] = p
	return nil
}

// SaveSnapshot writes the current positions as a snapshot tagged with the
// given source ("scheduled" or "reconcile").
func (m *Manager) SaveSnapshot(ctx context.Context, source string) (int64, error) {
	if m.db == nil {
		return 0, nil
	}
	rows := make([]db.SnapshotRow, 0)
	for _, p := range m.Positions() {
		rows = append(rows, db.SnapshotRow{Symbol: p.Symbol, Qty: p.Qty, AvgCost: p.AvgPrice})
	}
	return m.db.CreateSnapshot(ctx, source, rows)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func direction(qty float64) float64 {
	if qty < 0 {
		return -1
	}
	return 1
}
