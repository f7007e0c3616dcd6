// Package reconcile keeps the locally-persisted order and position state
// consistent with the broker's authoritative view. Drift is classified and
// recorded as findings, never thrown: a dual-source system drifts in normal
// operation.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradebridge/internal/broker"
	"tradebridge/internal/monitor"
	"tradebridge/internal/state"
	"tradebridge/pkg/db"
)

// Session is the slice of the session manager the engine needs.
type Session interface {
	OpenOrders(ctx context.Context) ([]broker.OpenOrder, error)
	Positions(ctx context.Context) ([]broker.PositionRow, error)
	IsConnected() bool
}

var ErrNotConnected = errors.New("reconcile: session not connected")

// Config tunes the engine.
type Config struct {
	// SettleWindow is the passive-phase wait for the broker to flush any
	// status events that raced the listener attachment.
	SettleWindow time.Duration

	// PendingParentStatuses are the parent statuses under which a partially
	// visible bracket is still expected to self-resolve (WARN instead of
	// silence).
	PendingParentStatuses []string
}

// Report summarizes one reconciliation run.
type Report struct {
	StartedAt        time.Time                `json:"started_at"`
	FinishedAt       time.Time                `json:"finished_at"`
	OrdersChecked    int                      `json:"orders_checked"`
	StatusReconciled int                      `json:"status_reconciled"`
	ClosedOffline    int                      `json:"closed_offline"`
	UnknownOrders    int                      `json:"unknown_orders"`
	Findings         []monitor.Finding        `json:"findings"`
	BySeverity       map[monitor.Severity]int `json:"by_severity"`
}

// Engine runs the two-phase reconciliation protocol at boot, on reconnect,
// periodically, and on demand. Runs are serialized; re-entry during an
// in-flight run waits rather than interleaving.
type Engine struct {
	db       *db.Database
	session  Session
	state    *state.Manager
	recorder *monitor.Recorder
	auditor  *Auditor
	cfg      Config

	mu         sync.Mutex
	lastReport *Report
}

// NewEngine builds the engine and its bracket auditor.
func NewEngine(database *db.Database, session Session, stateMgr *state.Manager, recorder *monitor.Recorder, cfg Config) *Engine {
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = 3 * time.Second
	}
	return &Engine{
		db:       database,
		session:  session,
		state:    stateMgr,
		recorder: recorder,
		auditor:  NewAuditor(database, cfg.PendingParentStatuses),
		cfg:      cfg,
	}
}

// Start runs the engine on a fixed interval until the context is cancelled.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.Run(ctx); err != nil {
					log.Printf("reconcile: scheduled run failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("reconcile: scheduled every %v", interval)
}

// LastReport returns the most recent completed report, or nil.
func (e *Engine) LastReport() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Run executes one full reconciliation pass.
//
// Phase 1 (passive): every live local order is marked RECONCILING, then the
// engine waits the settle window so push events that predate our listeners
// can land through the normal path.
//
// Phase 2 (active): open orders and positions are queried concurrently and
// diffed against local state. A failed broker query reverts every order
// touched in phase 1 to its prior status and aborts without touching
// positions: no order may be left stuck in RECONCILING.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.session.IsConnected() {
		return nil, ErrNotConnected
	}

	report := &Report{
		StartedAt:  time.Now(),
		BySeverity: make(map[monitor.Severity]int),
	}

	// Phase 1: mark and settle.
	live, err := e.db.ListOrdersByStatus(ctx, broker.LiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("list live orders: %w", err)
	}
	prior := make(map[int64]string, len(live))
	for _, o := range live {
		if o.Status == broker.StatusReconciling {
			// Left over from an interrupted run; phase 2 resolves it.
			continue
		}
		if err := e.db.UpdateOrderStatus(ctx, o.ID, broker.StatusReconciling); err != nil {
			e.revert(ctx, prior)
			return nil, fmt.Errorf("mark order %d: %w", o.ID, err)
		}
		prior[o.ID] = o.Status
	}
	report.OrdersChecked = len(live)
	log.Printf("reconcile: phase 1 marked %d live orders, settling %v", len(prior), e.cfg.SettleWindow)

	select {
	case <-time.After(e.cfg.SettleWindow):
	case <-ctx.Done():
		e.revert(ctx, prior)
		return nil, ctx.Err()
	}

	// Phase 2: query broker state concurrently.
	var (
		wg         sync.WaitGroup
		openOrders []broker.OpenOrder
		positions  []broker.PositionRow
		errOrders  error
		errPos     error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		openOrders, errOrders = e.session.OpenOrders(ctx)
	}()
	go func() {
		defer wg.Done()
		positions, errPos = e.session.Positions(ctx)
	}()
	wg.Wait()

	if errOrders != nil || errPos != nil {
		e.revert(ctx, prior)
		if errOrders != nil {
			return nil, fmt.Errorf("query open orders: %w", errOrders)
		}
		return nil, fmt.Errorf("query positions: %w", errPos)
	}

	brokerOpen := make(map[int64]broker.OpenOrder, len(openOrders))
	for _, b := range openOrders {
		brokerOpen[b.OrderID] = b
	}

	e.reconcileOrders(ctx, report, live, prior, brokerOpen)
	e.reconcilePositions(ctx, report, positions)

	for _, f := range e.auditor.Audit(ctx, brokerOpen) {
		e.addFinding(report, f)
	}

	report.FinishedAt = time.Now()
	e.lastReport = report
	log.Printf("reconcile: done in %v (%d checked, %d reconciled, %d closed offline, %d unknown)",
		report.FinishedAt.Sub(report.StartedAt), report.OrdersChecked,
		report.StatusReconciled, report.ClosedOffline, report.UnknownOrders)
	return report, nil
}

func (e *Engine) reconcileOrders(ctx context.Context, report *Report, live []db.Order, prior map[int64]string, brokerOpen map[int64]broker.OpenOrder) {
	localLive := make(map[int64]db.Order, len(live))
	for _, o := range live {
		localLive[o.ID] = o
	}

	// Broker-reported open orders: the broker's status wins.
	for id, b := range brokerOpen {
		local, err := e.db.GetOrder(ctx, id)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				report.UnknownOrders++
				e.addFinding(report, monitor.Finding{
					Severity: monitor.SeverityWarn,
					Kind:     monitor.KindUnknownOrder,
					Symbol:   b.Symbol,
					OrderID:  id,
					Message:  fmt.Sprintf("broker reports open order %d (%s %s) not known locally; externally placed?", id, b.Side, b.Symbol),
				})
			} else {
				log.Printf("reconcile: load order %d: %v", id, err)
			}
			continue
		}

		if err := e.db.UpdateOrderStatus(ctx, id, b.Status); err != nil {
			log.Printf("reconcile: overwrite status of order %d: %v", id, err)
			continue
		}
		was := prior[id]
		if was == "" {
			was = local.Status
		}
		if was != b.Status {
			report.StatusReconciled++
			e.addFinding(report, monitor.Finding{
				Severity:      monitor.SeverityInfo,
				Kind:          monitor.KindStatusReconciled,
				Symbol:        local.Symbol,
				OrderID:       id,
				CorrelationID: local.CorrelationID,
				Message:       fmt.Sprintf("order %d status %s -> %s (broker authoritative)", id, was, b.Status),
			})
		}
	}

	// Local live orders absent from the broker: anything still RECONCILING
	// received no status event during the settle window, so it finished
	// (filled or cancelled) while we were away.
	for id, o := range localLive {
		if _, ok := brokerOpen[id]; ok {
			continue
		}
		current, err := e.db.GetOrder(ctx, id)
		if err != nil || current.Status != broker.StatusReconciling {
			continue
		}
		if err := e.db.UpdateOrderStatus(ctx, id, broker.StatusInactive); err != nil {
			log.Printf("reconcile: mark order %d inactive: %v", id, err)
			continue
		}
		report.ClosedOffline++
		e.addFinding(report, monitor.Finding{
			Severity:      monitor.SeverityInfo,
			Kind:          monitor.KindClosedOffline,
			Symbol:        o.Symbol,
			OrderID:       id,
			CorrelationID: o.CorrelationID,
			Message:       fmt.Sprintf("order %d no longer open at broker; marked Inactive (filled or cancelled while disconnected)", id),
		})
	}
}

func (e *Engine) reconcilePositions(ctx context.Context, report *Report, positions []broker.PositionRow) {
	priorRows := map[string]db.SnapshotRow{}
	if _, rows, err := e.db.LatestSnapshot(ctx); err == nil {
		for _, r := range rows {
			priorRows[r.Symbol] = r
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		log.Printf("reconcile: load prior snapshot: %v", err)
	}

	liveRows := make(map[string]broker.PositionRow, len(positions))
	for _, p := range positions {
		liveRows[p.Symbol] = p
	}

	for sym, livePos := range liveRows {
		priorPos := priorRows[sym]
		switch {
		case priorPos.Qty == 0 && livePos.Qty != 0:
			e.addFinding(report, monitor.Finding{
				Severity: monitor.SeverityInfo,
				Kind:     monitor.KindPositionOpened,
				Symbol:   sym,
				Message:  fmt.Sprintf("position %s %.2f opened while offline", sym, livePos.Qty),
			})
		case priorPos.Qty != 0 && livePos.Qty != priorPos.Qty:
			e.addFinding(report, monitor.Finding{
				Severity: monitor.SeverityError,
				Kind:     monitor.KindPositionMismatch,
				Symbol:   sym,
				Message:  fmt.Sprintf("position mismatch for %s: local %.2f vs broker %.2f", sym, priorPos.Qty, livePos.Qty),
			})
		}

		if e.state != nil {
			if err := e.state.SetPosition(ctx, sym, livePos.Qty, livePos.AvgCost); err != nil {
				log.Printf("reconcile: adopt position %s: %v", sym, err)
			}
		}
	}

	for sym, priorPos := range priorRows {
		if _, ok := liveRows[sym]; ok || priorPos.Qty == 0 {
			continue
		}
		e.addFinding(report, monitor.Finding{
			Severity: monitor.SeverityInfo,
			Kind:     monitor.KindPositionClosed,
			Symbol:   sym,
			Message:  fmt.Sprintf("position %s closed while offline (was %.2f)", sym, priorPos.Qty),
		})
		if e.state != nil {
			if err := e.state.SetPosition(ctx, sym, 0, 0); err != nil {
				log.Printf("reconcile: flatten position %s: %v", sym, err)
			}
		}
	}

	snapRows := make([]db.SnapshotRow, 0, len(positions))
	for _, p := range positions {
		snapRows = append(snapRows, db.SnapshotRow{Symbol: p.Symbol, Qty: p.Qty, AvgCost: p.AvgCost})
	}
	if _, err := e.db.CreateSnapshot(ctx, "reconcile", snapRows); err != nil {
		log.Printf("reconcile: write snapshot: %v", err)
	}
}

// revert restores pre-phase-1 statuses after an aborted run so no order is
// left stuck in RECONCILING.
func (e *Engine) revert(ctx context.Context, prior map[int64]string) {
	for id, status := range prior {
		if err := e.db.UpdateOrderStatus(ctx, id, status); err != nil {
			log.Printf("reconcile: revert order %d to %s: %v", id, status, err)
		}
	}
	if len(prior) > 0 {
		log.Printf("reconcile: aborted, reverted %d orders to pre-run status", len(prior))
	}
}

func (e *Engine) addFinding(report *Report, f monitor.Finding) {
	if e.recorder != nil {
		f = e.recorder.Record(f)
	} else if f.At.IsZero() {
		f.At = time.Now()
	}
	report.Findings = append(report.Findings, f)
	report.BySeverity[f.Severity]++
}
