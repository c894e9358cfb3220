package ap

import (
	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

var transitions = map[Status][]Status{
	StatusIngested:          {StatusExtracting, StatusExtracted},
	StatusExtracting:        {StatusExtracted},
	StatusExtracted:         {StatusMatching},
	StatusMatching:          {StatusMatched, StatusException},
	StatusMatched:           {StatusMatching, StatusException, StatusPendingApproval, StatusApproved},
	StatusException:         {StatusMatching, StatusMatched},
	StatusPendingApproval:   {StatusPartiallyApproved, StatusPendingApproval, StatusApproved, StatusRejected},
	StatusPartiallyApproved: {StatusPendingApproval, StatusApproved, StatusRejected},
	StatusApproved:          {StatusPaid},
}

// CanTransition reports whether the lifecycle admits moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIngested, StatusExtracting, StatusExtracted, StatusMatching, StatusMatched, StatusException,
		StatusPendingApproval, StatusPartiallyApproved, StatusApproved, StatusRejected, StatusPaid:
		return true
	}
	return false
}

// PreApproval covers the statuses in which matching may still move the invoice.
func (s Status) PreApproval() bool {
	switch s {
	case StatusExtracted, StatusMatching, StatusMatched, StatusException:
		return true
	}
	return false
}

// InApproval reports whether an approval chain is running.
func (s Status) InApproval() bool {
	return s == StatusPendingApproval || s == StatusPartiallyApproved
}

// Terminal reports whether no further core transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusPaid
}

// externallyDriven lists the statuses owned by collaborators outside the core
// (extraction and payment).
func externallyDriven(s Status) bool {
	switch s {
	case StatusExtracting, StatusExtracted, StatusPaid:
		return true
	}
	return false
}

// CheckTransition returns a conflict error when from cannot move to to.
func CheckTransition(op string, from, to Status) error {
	if !from.CanTransition(to) {
		return shared.Conflict(op, "invoice cannot move from %s to %s", from, to)
	}
	return nil
}

// StatusAudit builds the audit entry recording a status change.
func StatusAudit(invoiceID, actorID uuid.UUID, action string, from, to Status, meta map[string]any) shared.AuditEntry {
	return shared.AuditEntry{
		InvoiceID:    invoiceID,
		ActorID:      actorID,
		Action:       action,
		Entity:       "invoice",
		EntityID:     invoiceID.String(),
		BeforeStatus: string(from),
		AfterStatus:  string(to),
		Meta:         meta,
	}
}
