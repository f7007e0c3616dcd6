package reconcile

import (
	"context"
	"fmt"
	"log"

	"tradebridge/internal/broker"
	"tradebridge/internal/monitor"
	"tradebridge/pkg/db"
)

// Auditor checks structural integrity of bracket order groups against the
// broker's open-order set. It classifies and reports only; remediation is an
// operator decision.
type Auditor struct {
	db            *db.Database
	pendingParent map[string]bool
}

// NewAuditor builds an auditor. pendingParent lists the parent statuses under
// which a partially visible bracket is still expected to resolve on its own.
func NewAuditor(database *db.Database, pendingParent []string) *Auditor {
	if len(pendingParent) == 0 {
		pendingParent = []string{broker.StatusPendingSubmit, broker.StatusPreSubmitted, broker.StatusSubmitted}
	}
	set := make(map[string]bool, len(pendingParent))
	for _, s := range pendingParent {
		set[s] = true
	}
	return &Auditor{db: database, pendingParent: set}
}

// Audit inspects every bracket group that still warrants a look: groups with
// a non-terminal member, or a filled parent whose children must be standing
// guard on the broker.
func (a *Auditor) Audit(ctx context.Context, brokerOpen map[int64]broker.OpenOrder) []monitor.Finding {
	ids, err := a.db.AuditCorrelationIDs(ctx, broker.TerminalStatuses, broker.StatusFilled)
	if err != nil {
		log.Printf("auditor: list bracket groups: %v", err)
		return nil
	}

	var findings []monitor.Finding
	for _, id := range ids {
		if id == "" {
			continue
		}
		group, err := a.db.ListOrdersByCorrelation(ctx, id)
		if err != nil {
			log.Printf("auditor: load bracket %s: %v", id, err)
			continue
		}
		if f := a.classify(id, group, brokerOpen); f != nil {
			findings = append(findings, *f)
		}
	}
	return findings
}

// classify applies the integrity rules in order of danger. Returning nil
// means the group needs no report this pass.
func (a *Auditor) classify(correlationID string, group []db.Order, brokerOpen map[int64]broker.OpenOrder) *monitor.Finding {
	if len(group) == 0 {
		return nil
	}
	symbol := group[0].Symbol

	if len(group) < 3 {
		return &monitor.Finding{
			Severity:      monitor.SeverityError,
			Kind:          monitor.KindBracketIncomplete,
			Symbol:        symbol,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("bracket %s has %d of 3 orders; possible mid-submission disconnect", correlationID, len(group)),
		}
	}

	var parent *db.Order
	var children []db.Order
	for i := range group {
		if group[i].ParentOrderID == 0 {
			parent = &group[i]
		} else {
			children = append(children, group[i])
		}
	}
	if parent == nil {
		return &monitor.Finding{
			Severity:      monitor.SeverityError,
			Kind:          monitor.KindBracketOrphaned,
			Symbol:        symbol,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("bracket %s has children but no parent order", correlationID),
		}
	}

	onBroker := func(id int64) bool {
		_, ok := brokerOpen[id]
		return ok
	}

	childOnBroker := false
	allChildrenTerminal := true
	for _, c := range children {
		if onBroker(c.ID) {
			childOnBroker = true
		}
		if !broker.IsTerminal(c.Status) {
			allChildrenTerminal = false
		}
	}

	// Filled (or vanished) parent with no protective leg standing at the
	// broker: the position may be naked.
	if (parent.Status == broker.StatusFilled || !onBroker(parent.ID)) && !childOnBroker && !allChildrenTerminal {
		return &monitor.Finding{
			Severity:      monitor.SeverityError,
			Kind:          monitor.KindUnprotected,
			Symbol:        symbol,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("bracket %s: parent %d is %s but no protective child is open at the broker; position may be unprotected", correlationID, parent.ID, parent.Status),
		}
	}

	// Dead parent with children still working at the broker.
	if (parent.Status == broker.StatusCancelled || parent.Status == broker.StatusInactive) && childOnBroker {
		return &monitor.Finding{
			Severity:      monitor.SeverityError,
			Kind:          monitor.KindZombieChild,
			Symbol:        symbol,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("bracket %s: parent %d is %s but children remain open at the broker; cancel children manually", correlationID, parent.ID, parent.Status),
		}
	}

	openCount := 0
	for _, o := range group {
		if onBroker(o.ID) {
			openCount++
		}
	}

	if openCount == len(group) {
		return &monitor.Finding{
			Severity:      monitor.SeverityInfo,
			Kind:          monitor.KindBracketHealthy,
			Symbol:        symbol,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("bracket %s fully visible at the broker (%d orders)", correlationID, openCount),
		}
	}

	// Partially visible group: only suspicious while the parent is still in
	// a pending state. Once the bracket starts resolving, the broker cancels
	// siblings on its own and partial visibility is normal.
	if openCount > 0 && a.pendingParent[parent.Status] {
		return &monitor.Finding{
			Severity:      monitor.SeverityWarn,
			Kind:          monitor.KindBracketPartial,
			Symbol:        symbol,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("bracket %s: %d of %d orders visible at the broker while parent is %s", correlationID, openCount, len(group), parent.Status),
		}
	}

	return nil
}
