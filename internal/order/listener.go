package order

import (
	"context"
	"errors"
	"log"
	"strings"

	"tradebridge/internal/broker"
	"tradebridge/internal/events"
	"tradebridge/internal/exitplan"
	"tradebridge/internal/state"
	"tradebridge/pkg/db"
)

// Listener applies broker push events to the persisted order/execution
// tables, the position state, and the owning exit plan.
type Listener struct {
	db    *db.Database
	bus   *events.Bus
	state *state.Manager
	plans *exitplan.Manager
}

// NewListener builds a listener.
func NewListener(database *db.Database, bus *events.Bus, stateMgr *state.Manager, plans *exitplan.Manager) *Listener {
	return &Listener{db: database, bus: bus, state: stateMgr, plans: plans}
}

// Start consumes events until the context is cancelled.
func (l *Listener) Start(ctx context.Context) {
	statusCh, unsubStatus := l.bus.Subscribe(events.EventOrderStatus, 256)
	execCh, unsubExec := l.bus.Subscribe(events.EventExecDetails, 256)
	commCh, unsubComm := l.bus.Subscribe(events.EventCommission, 256)

	go func() {
		defer unsubStatus()
		defer unsubExec()
		defer unsubComm()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-statusCh:
				if !ok {
					return
				}
				if ev, k := msg.(broker.OrderStatus); k {
					l.handleStatus(ctx, ev)
				}
			case msg, ok := <-execCh:
				if !ok {
					return
				}
				if ev, k := msg.(broker.ExecDetails); k {
					l.handleExec(ctx, ev)
				}
			case msg, ok := <-commCh:
				if !ok {
					return
				}
				if ev, k := msg.(broker.CommissionReport); k {
					l.handleCommission(ctx, ev)
				}
			}
		}
	}()
}

func (l *Listener) handleStatus(ctx context.Context, ev broker.OrderStatus) {
	o, err := l.db.GetOrder(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("listener: status %s for unknown order %d", ev.Status, ev.OrderID)
			return
		}
		log.Printf("listener: load order %d: %v", ev.OrderID, err)
		return
	}

	filled := ev.Filled
	if filled > o.Qty {
		log.Printf("listener: order %d reports filled %.2f above total %.2f, capping", ev.OrderID, filled, o.Qty)
		filled = o.Qty
	}

	if err := l.db.UpdateOrderFill(ctx, ev.OrderID, ev.Status, filled, ev.AvgFillPrice); err != nil {
		log.Printf("listener: update order %d: %v", ev.OrderID, err)
		return
	}

	// An entry cancelled before any fill takes its still-draft plan with it.
	if ev.Status == broker.StatusCancelled && o.ParentOrderID == 0 && l.plans != nil {
		plan, err := l.plans.GetByCorrelation(ctx, o.CorrelationID)
		if err == nil && plan.State == exitplan.StateDraft {
			if err := l.plans.Close(ctx, plan.ID, 0, exitplan.ReasonCancelled); err != nil {
				log.Printf("listener: cancel plan %s: %v", plan.ID, err)
			}
		}
	}
}

func (l *Listener) handleExec(ctx context.Context, ev broker.ExecDetails) {
	o, err := l.db.GetOrder(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("listener: execution %s for unknown order %d", ev.ExecID, ev.OrderID)
			return
		}
		log.Printf("listener: load order %d: %v", ev.OrderID, err)
		return
	}

	if err := l.db.CreateExecution(ctx, db.Execution{
		ExecID:  ev.ExecID,
		OrderID: ev.OrderID,
		Symbol:  ev.Symbol,
		Side:    ev.Side,
		Shares:  ev.Shares,
		Price:   ev.Price,
	}); err != nil {
		// Exec ids are broker-unique; a duplicate means the gateway replayed
		// the event after a reconnect.
		if strings.Contains(err.Error(), "UNIQUE") {
			log.Printf("listener: execution %s already recorded, skipping replay", ev.ExecID)
			return
		}
		log.Printf("listener: store execution %s: %v", ev.ExecID, err)
		return
	}

	if l.state != nil {
		if _, _, err := l.state.RecordFill(ctx, ev.Symbol, ev.Side, ev.Shares, ev.Price); err != nil {
			log.Printf("listener: net fill %s: %v", ev.ExecID, err)
		}
	}

	l.applyToPlan(ctx, o, ev)
}

// applyToPlan routes a fill to the exit plan owning the order's bracket.
func (l *Listener) applyToPlan(ctx context.Context, o *db.Order, ev broker.ExecDetails) {
	if l.plans == nil || o.CorrelationID == "" {
		return
	}
	plan, err := l.plans.GetByCorrelation(ctx, o.CorrelationID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("listener: load plan for bracket %s: %v", o.CorrelationID, err)
		}
		return
	}

	if o.ParentOrderID == 0 {
		// Entry fill: draft plans go live at the realized entry price.
		if plan.State == exitplan.StateDraft {
			if err := l.plans.Activate(ctx, plan.ID, ev.Price); err != nil {
				log.Printf("listener: activate plan %s: %v", plan.ID, err)
			}
		}
		return
	}

	// Protective-leg fill: shrink the plan or close it out.
	remaining := plan.Runtime.SharesRemaining - ev.Shares
	if remaining > 0 {
		if err := l.plans.UpdateRuntime(ctx, plan.ID, exitplan.RuntimePatch{SharesRemaining: &remaining}); err != nil {
			log.Printf("listener: update plan %s: %v", plan.ID, err)
		}
		return
	}

	reason := "target"
	if o.OrderType == broker.TypeStop || o.OrderType == broker.TypeStopLimit {
		reason = "stop"
	}
	if err := l.plans.Close(ctx, plan.ID, ev.Price, reason); err != nil {
		log.Printf("listener: close plan %s: %v", plan.ID, err)
	}
}

func (l *Listener) handleCommission(ctx context.Context, ev broker.CommissionReport) {
	err := l.db.UpdateExecutionCommission(ctx, ev.ExecID, ev.Commission, ev.RealizedPnL)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Commission reports normally trail their execution; the reverse
			// ordering shows up when the gateway replays after a reconnect.
			log.Printf("listener: commission for unknown execution %s", ev.ExecID)
			return
		}
		log.Printf("listener: update commission %s: %v", ev.ExecID, err)
	}
}
