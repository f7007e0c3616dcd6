package order

import "errors"

// Directions accepted on a trade decision.
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

var (
	ErrRejected        = errors.New("order: rejected by risk gate")
	ErrInvalidDecision = errors.New("order: invalid trade decision")
)

// TradeDecision is the only input the bridge needs from the upstream
// decision subsystem: what to trade and where the protective prices sit.
type TradeDecision struct {
	DecisionID  string  `json:"decision_id,omitempty"`
	Symbol      string  `json:"symbol"`
	Direction   string  `json:"direction"` // "long" | "short"
	Size        float64 `json:"size"`
	StopPrice   float64 `json:"stop_price"`
	TargetPrice float64 `json:"target_price"`
	EntryType   string  `json:"entry_type"` // "MKT" | "LMT"
	EntryPrice  float64 `json:"entry_price,omitempty"`
}

// OrderResult reports the submitted bracket back to the caller.
type OrderResult struct {
	CorrelationID string `json:"correlation_id"`
	EntryOrderID  int64  `json:"entry_order_id"`
	StopOrderID   int64  `json:"stop_order_id"`
	TargetOrderID int64  `json:"target_order_id"`
	Status        string `json:"status"`
	ExitPlanID    string `json:"exit_plan_id,omitempty"`
}
