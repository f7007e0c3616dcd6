package session

import (
	"context"
	"log"

	"tradebridge/internal/broker"
)

// collector accumulates bulk-query rows until the terminal end frame.
type collector struct {
	rows []any
	done chan struct{}
}

// OpenOrders queries all open orders at the gateway. The wait is bounded:
// if the end frame never arrives within the query timeout, whatever rows
// were collected are returned rather than hanging.
func (m *Manager) OpenOrders(ctx context.Context) ([]broker.OpenOrder, error) {
	rows, err := m.runQuery(ctx, broker.FrameReqOpenOrders)
	if err != nil {
		return nil, err
	}
	res := make([]broker.OpenOrder, 0, len(rows))
	for _, r := range rows {
		if row, ok := r.(broker.OpenOrder); ok {
			res = append(res, row)
		}
	}
	return res, nil
}

// Positions queries all open positions at the gateway.
func (m *Manager) Positions(ctx context.Context) ([]broker.PositionRow, error) {
	rows, err := m.runQuery(ctx, broker.FrameReqPositions)
	if err != nil {
		return nil, err
	}
	res := make([]broker.PositionRow, 0, len(rows))
	for _, r := range rows {
		if row, ok := r.(broker.PositionRow); ok {
			res = append(res, row)
		}
	}
	return res, nil
}

// Executions queries today's executions at the gateway.
func (m *Manager) Executions(ctx context.Context) ([]broker.ExecDetails, error) {
	rows, err := m.runQuery(ctx, broker.FrameReqExecutions)
	if err != nil {
		return nil, err
	}
	res := make([]broker.ExecDetails, 0, len(rows))
	for _, r := range rows {
		if row, ok := r.(broker.ExecDetails); ok {
			res = append(res, row)
		}
	}
	return res, nil
}

func (m *Manager) runQuery(ctx context.Context, reqFrame string) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()

	reqID := m.reqSeq.Add(1)
	c := &collector{done: make(chan struct{})}

	m.colMu.Lock()
	m.collectors[reqID] = c
	m.colMu.Unlock()
	defer func() {
		m.colMu.Lock()
		delete(m.collectors, reqID)
		m.colMu.Unlock()
	}()

	if err := m.send(ctx, reqFrame, broker.Request{ReqID: reqID}); err != nil {
		return nil, err
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		// Degraded gateways sometimes never send the end frame; resolve
		// with partial results instead of hanging the caller.
		log.Printf("session: %s query %d timed out after %s, returning partial results",
			reqFrame, reqID, m.cfg.QueryTimeout)
	}

	m.colMu.Lock()
	rows := c.rows
	m.colMu.Unlock()
	return rows, nil
}

func (m *Manager) deliverRow(reqID int64, row any) {
	m.colMu.Lock()
	defer m.colMu.Unlock()
	if c, ok := m.collectors[reqID]; ok {
		c.rows = append(c.rows, row)
	}
}

func (m *Manager) resolveCollector(reqID int64) {
	m.colMu.Lock()
	defer m.colMu.Unlock()
	if c, ok := m.collectors[reqID]; ok {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}

// resolveAllCollectors unblocks every in-flight query; used on disconnect so
// callers see partial results plus a dead session instead of a hang.
func (m *Manager) resolveAllCollectors() {
	m.colMu.Lock()
	defer m.colMu.Unlock()
	for _, c := range m.collectors {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}
