// Package order submits trades to the gateway and keeps the persisted order
// table in step with broker push events.
package order

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"tradebridge/internal/broker"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/risk"
	"tradebridge/pkg/db"
)

// Session is the slice of the session manager the tracker needs.
type Session interface {
	PlaceOrder(ctx context.Context, po broker.PlaceOrder) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error
	IsConnected() bool
}

// Tracker turns validated trade decisions into bracket orders: one entry
// plus two protective legs sharing a correlation id, which is the join key
// for all later reconciliation.
type Tracker struct {
	db      *db.Database
	session Session
	gate    *risk.Gate
	plans   *exitplan.Manager
}

// NewTracker builds a tracker.
func NewTracker(database *db.Database, session Session, gate *risk.Gate, plans *exitplan.Manager) *Tracker {
	return &Tracker{db: database, session: session, gate: gate, plans: plans}
}

// PlaceBracket validates, submits and persists a full bracket for the given
// decision, and opens a draft exit plan for the position-to-be.
//
// If a child submission fails mid-bracket, the rows already persisted stay
// as-is; the bracket auditor reports the group as incomplete on its next
// pass, which is exactly the drift it exists to catch.
func (t *Tracker) PlaceBracket(ctx context.Context, d TradeDecision) (*OrderResult, error) {
	if err := validateDecision(d); err != nil {
		return nil, err
	}

	dec := t.gate.Check(risk.OrderIntent{
		Symbol:     d.Symbol,
		Qty:        d.Size,
		EstPrice:   d.EntryPrice,
		LimitPrice: d.EntryPrice,
		StopPrice:  d.StopPrice,
	})
	if !dec.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrRejected, dec.Reason)
	}

	correlationID := uuid.NewString()
	entrySide, exitSide := broker.SideBuy, broker.SideSell
	if d.Direction == DirectionShort {
		entrySide, exitSide = broker.SideSell, broker.SideBuy
	}

	entry := broker.PlaceOrder{
		Symbol:     d.Symbol,
		Side:       entrySide,
		OrderType:  d.EntryType,
		Qty:        d.Size,
		LimitPrice: d.EntryPrice,
	}
	if d.EntryType == broker.TypeMarket {
		entry.LimitPrice = 0
	}

	entryID, err := t.submitAndPersist(ctx, entry, 0, correlationID)
	if err != nil {
		return nil, fmt.Errorf("submit entry: %w", err)
	}

	stop := broker.PlaceOrder{
		Symbol:        d.Symbol,
		Side:          exitSide,
		OrderType:     broker.TypeStop,
		Qty:           d.Size,
		AuxPrice:      d.StopPrice,
		ParentOrderID: entryID,
	}
	stopID, err := t.submitAndPersist(ctx, stop, entryID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("submit stop leg (entry %d persisted): %w", entryID, err)
	}

	target := broker.PlaceOrder{
		Symbol:        d.Symbol,
		Side:          exitSide,
		OrderType:     broker.TypeLimit,
		Qty:           d.Size,
		LimitPrice:    d.TargetPrice,
		ParentOrderID: entryID,
	}
	targetID, err := t.submitAndPersist(ctx, target, entryID, correlationID)
	if err != nil {
		return nil, fmt.Errorf("submit target leg (entry %d persisted): %w", entryID, err)
	}

	result := &OrderResult{
		CorrelationID: correlationID,
		EntryOrderID:  entryID,
		StopOrderID:   stopID,
		TargetOrderID: targetID,
		Status:        broker.StatusPendingSubmit,
	}

	if t.plans != nil {
		plan, err := t.plans.CreateDraft(ctx, correlationID, d.DecisionID, d.Direction, d.Size, d.StopPrice)
		if err != nil {
			// The bracket is live; a missing plan is drift, not a rollback.
			log.Printf("tracker: bracket %s submitted but exit plan creation failed: %v", correlationID, err)
		} else {
			result.ExitPlanID = plan.ID
		}
	}

	log.Printf("tracker: bracket %s submitted: entry=%d stop=%d target=%d %s %s %.0f",
		correlationID, entryID, stopID, targetID, d.Direction, d.Symbol, d.Size)
	return result, nil
}

func (t *Tracker) submitAndPersist(ctx context.Context, po broker.PlaceOrder, parentID int64, correlationID string) (int64, error) {
	id, err := t.session.PlaceOrder(ctx, po)
	if err != nil {
		return 0, err
	}
	if err := t.db.CreateOrder(ctx, db.Order{
		ID:            id,
		Symbol:        po.Symbol,
		Side:          po.Side,
		OrderType:     po.OrderType,
		Qty:           po.Qty,
		LimitPrice:    po.LimitPrice,
		AuxPrice:      po.AuxPrice,
		Status:        broker.StatusPendingSubmit,
		ParentOrderID: parentID,
		CorrelationID: correlationID,
	}); err != nil {
		return 0, fmt.Errorf("persist order %d: %w", id, err)
	}
	return id, nil
}

func validateDecision(d TradeDecision) error {
	switch {
	case d.Symbol == "":
		return fmt.Errorf("%w: symbol is empty", ErrInvalidDecision)
	case d.Size <= 0:
		return fmt.Errorf("%w: size %.2f", ErrInvalidDecision, d.Size)
	case d.Direction != DirectionLong && d.Direction != DirectionShort:
		return fmt.Errorf("%w: direction %q", ErrInvalidDecision, d.Direction)
	case d.StopPrice <= 0:
		return fmt.Errorf("%w: stop price %.2f", ErrInvalidDecision, d.StopPrice)
	case d.TargetPrice <= 0:
		return fmt.Errorf("%w: target price %.2f", ErrInvalidDecision, d.TargetPrice)
	case d.EntryType != broker.TypeMarket && d.EntryType != broker.TypeLimit:
		return fmt.Errorf("%w: entry type %q", ErrInvalidDecision, d.EntryType)
	case d.EntryType == broker.TypeLimit && d.EntryPrice <= 0:
		return fmt.Errorf("%w: limit entry requires an entry price", ErrInvalidDecision)
	}
	return nil
}
