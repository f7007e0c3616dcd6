// Package broker defines the wire protocol spoken with the execution
// gateway: JSON frames over a persistent websocket, push events for order
// lifecycle and fills, and bulk queries terminated by explicit end frames.
package broker

import "encoding/json"

// Frame types exchanged with the gateway.
const (
	FrameHello            = "hello"
	FrameConnectAck       = "connectAck"
	FrameError            = "error"
	FramePlaceOrder       = "placeOrder"
	FrameCancelOrder      = "cancelOrder"
	FrameOrderStatus      = "orderStatus"
	FrameReqOpenOrders    = "reqOpenOrders"
	FrameOpenOrder        = "openOrder"
	FrameOpenOrderEnd     = "openOrderEnd"
	FrameReqPositions     = "reqPositions"
	FramePosition         = "position"
	FramePositionEnd      = "positionEnd"
	FrameReqExecutions    = "reqExecutions"
	FrameExecDetails      = "execDetails"
	FrameExecDetailsEnd   = "execDetailsEnd"
	FrameCommissionReport = "commissionReport"
)

// Order lifecycle statuses as reported by the gateway, plus the local
// Reconciling marker used while a reconciliation pass is in flight.
const (
	StatusPendingSubmit = "PendingSubmit"
	StatusPreSubmitted  = "PreSubmitted"
	StatusSubmitted     = "Submitted"
	StatusFilled        = "Filled"
	StatusCancelled     = "Cancelled"
	StatusInactive      = "Inactive"
	StatusReconciling   = "RECONCILING"
)

// LiveStatuses are statuses under which an order may still execute.
// StatusReconciling is included so a re-entered reconciliation pass treats
// already-marked orders as live instead of losing them.
var LiveStatuses = []string{StatusPendingSubmit, StatusPreSubmitted, StatusSubmitted, StatusReconciling}

// TerminalStatuses are statuses from which an order never moves again.
var TerminalStatuses = []string{StatusFilled, StatusCancelled, StatusInactive}

// IsLive reports whether status is in LiveStatuses.
func IsLive(status string) bool {
	for _, s := range LiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status is in TerminalStatuses.
func IsTerminal(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Order sides and types on the wire.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	TypeMarket    = "MKT"
	TypeLimit     = "LMT"
	TypeStop      = "STP"
	TypeStopLimit = "STP LMT"
)

// Envelope is the outer JSON frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hello is the identity negotiation request.
type Hello struct {
	ClientID      int `json:"clientId"`
	ClientVersion int `json:"clientVersion"`
}

// ConnectAck confirms the session and seeds the order id sequence.
type ConnectAck struct {
	ServerVersion int    `json:"serverVersion"`
	NextOrderID   int64  `json:"nextOrderId"`
	Account       string `json:"account,omitempty"`
}

// ErrorFrame carries a numeric gateway error code. Many codes are
// informational; see codes.go for the recognized set.
type ErrorFrame struct {
	Code    int    `json:"code"`
	OrderID int64  `json:"orderId,omitempty"`
	Message string `json:"message"`
}

// PlaceOrder submits one order. The order id comes from the session's
// NextOrderID sequence handed out in ConnectAck.
type PlaceOrder struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"orderType"`
	Qty           float64 `json:"qty"`
	LimitPrice    float64 `json:"limitPrice,omitempty"`
	AuxPrice      float64 `json:"auxPrice,omitempty"`
	ParentOrderID int64   `json:"parentOrderId,omitempty"`
}

// CancelOrder requests cancellation of an open order.
type CancelOrder struct {
	OrderID int64 `json:"orderId"`
}

// OrderStatus is a push event for one order's lifecycle change.
type OrderStatus struct {
	OrderID      int64   `json:"orderId"`
	Status       string  `json:"status"`
	Filled       float64 `json:"filled"`
	Remaining    float64 `json:"remaining"`
	AvgFillPrice float64 `json:"avgFillPrice"`
}

// Request starts a bulk query; the gateway answers with row frames sharing
// the req id and a terminal end frame.
type Request struct {
	ReqID int64 `json:"reqId"`
}

// OpenOrder is one row of a reqOpenOrders reply.
type OpenOrder struct {
	ReqID         int64   `json:"reqId"`
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"orderType"`
	Qty           float64 `json:"qty"`
	Status        string  `json:"status"`
	ParentOrderID int64   `json:"parentOrderId,omitempty"`
}

// PositionRow is one row of a reqPositions reply.
type PositionRow struct {
	ReqID   int64   `json:"reqId"`
	Symbol  string  `json:"symbol"`
	Qty     float64 `json:"qty"`
	AvgCost float64 `json:"avgCost"`
}

// ExecDetails is one fill, pushed live and replayed by reqExecutions.
type ExecDetails struct {
	ReqID   int64   `json:"reqId,omitempty"`
	ExecID  string  `json:"execId"`
	OrderID int64   `json:"orderId"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Shares  float64 `json:"shares"`
	Price   float64 `json:"price"`
}

// CommissionReport arrives after its execution, joined by exec id.
type CommissionReport struct {
	ExecID      string  `json:"execId"`
	Commission  float64 `json:"commission"`
	RealizedPnL float64 `json:"realizedPnl"`
}

// Marshal wraps a payload into an envelope frame.
func Marshal(frameType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: frameType, Data: data}, nil
}
