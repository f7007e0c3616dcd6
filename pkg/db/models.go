package db

import (
	"database/sql"
	"time"
)

// Order represents a broker order stored in the DB. Rows are never deleted;
// lifecycle changes only move the status forward.
type Order struct {
	ID            int64
	Symbol        string
	Side          string
	OrderType     string
	Qty           float64
	LimitPrice    float64
	AuxPrice      float64
	Status        string
	ParentOrderID int64
	CorrelationID string
	FilledQty     float64
	AvgFillPrice  float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Execution is an immutable fill record. Commission and realized PnL stay
// NULL until the commission report arrives asynchronously.
type Execution struct {
	ExecID      string
	OrderID     int64
	Symbol      string
	Side        string
	Shares      float64
	Price       float64
	Commission  sql.NullFloat64
	RealizedPnL sql.NullFloat64
	ExecutedAt  time.Time
}

// Position tracks the live net position per symbol.
type Position struct {
	Symbol      string
	Qty         float64
	AvgPrice    float64
	RealizedPnL float64
	UpdatedAt   time.Time
}

// PositionSnapshot is a point-in-time view used as the drift baseline.
type PositionSnapshot struct {
	ID      int64
	Source  string // "scheduled" | "reconcile"
	TakenAt time.Time
}

// SnapshotRow is one symbol line within a snapshot.
type SnapshotRow struct {
	SnapshotID int64
	Symbol     string
	Qty        float64
	AvgCost    float64
}

// ExitPlanRow is the persisted form of an exit plan; policy and runtime are
// versioned JSON blobs decoded by the exitplan package.
type ExitPlanRow struct {
	ID            string
	CorrelationID string
	DecisionID    string
	State         string
	Policy        string
	Runtime       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      sql.NullTime
}

// OverrideEventRow is one appended manual-deviation record for a plan.
type OverrideEventRow struct {
	ID         int64
	PlanID     string
	Field      string
	OldValue   string
	NewValue   string
	ReasonCode string
	Note       string
	CreatedAt  time.Time
}
