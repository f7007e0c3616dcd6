// Package monitor collects structured drift findings for operator and
// alerting consumption. Drift between local and broker state is an expected
// steady-state condition, so findings are recorded, never thrown.
package monitor

import (
	"log"
	"sync"
	"time"

	"tradebridge/internal/events"
)

// Severity classifies a finding.
type Severity string

const (
	SeverityInfo  Severity = "INFO"  // explainable drift (filled/placed/closed while offline)
	SeverityWarn  Severity = "WARN"  // unexplained but non-dangerous (unknown order)
	SeverityError Severity = "ERROR" // dangerous (quantity mismatch, unprotected position)
)

// Finding kinds emitted by the reconciliation engine and bracket auditor.
const (
	KindStatusReconciled  = "status_reconciled"
	KindUnknownOrder      = "unknown_order"
	KindClosedOffline     = "order_closed_offline"
	KindPositionOpened    = "position_opened_offline"
	KindPositionMismatch  = "position_mismatch"
	KindPositionClosed    = "position_closed_offline"
	KindBracketIncomplete = "bracket_incomplete"
	KindBracketOrphaned   = "bracket_orphaned"
	KindUnprotected       = "bracket_unprotected"
	KindZombieChild       = "bracket_zombie_child"
	KindBracketPartial    = "bracket_partial"
	KindBracketHealthy    = "bracket_healthy"
)

// Finding is one classified drift observation.
type Finding struct {
	Severity      Severity  `json:"severity"`
	Kind          string    `json:"kind"`
	Symbol        string    `json:"symbol,omitempty"`
	OrderID       int64     `json:"order_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Message       string    `json:"message"`
	At            time.Time `json:"at"`
}

// Recorder keeps a bounded in-memory log of findings and mirrors each one to
// the process log and the event bus.
type Recorder struct {
	mu       sync.RWMutex
	findings []Finding
	max      int
	bus      *events.Bus
}

// NewRecorder builds a recorder retaining up to max findings.
func NewRecorder(max int, bus *events.Bus) *Recorder {
	if max <= 0 {
		max = 500
	}
	return &Recorder{max: max, bus: bus}
}

// Record stores a finding, stamps it, and mirrors it to the log.
func (r *Recorder) Record(f Finding) Finding {
	if f.At.IsZero() {
		f.At = time.Now()
	}

	switch f.Severity {
	case SeverityError:
		log.Printf("finding [ERROR] %s: %s", f.Kind, f.Message)
	case SeverityWarn:
		log.Printf("finding [WARN] %s: %s", f.Kind, f.Message)
	default:
		log.Printf("finding [INFO] %s: %s", f.Kind, f.Message)
	}

	r.mu.Lock()
	r.findings = append(r.findings, f)
	if len(r.findings) > r.max {
		r.findings = r.findings[len(r.findings)-r.max:]
	}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(events.EventFinding, f)
	}
	return f
}

// Findings returns the retained findings, oldest first.
func (r *Recorder) Findings() []Finding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Finding, len(r.findings))
	copy(out, r.findings)
	return out
}

// CountBySeverity tallies retained findings per severity.
func (r *Recorder) CountBySeverity() map[Severity]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Severity]int)
	for _, f := range r.findings {
		counts[f.Severity]++
	}
	return counts
}
