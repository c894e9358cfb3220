package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// EscalationSweepLockKey guards the approval escalation sweep so one worker runs it.
func EscalationSweepLockKey() string {
	return "approval:escalation:sweep:lock"
}

// InvoiceProcessLockKey builds redis keys for per-invoice pipeline runs.
func InvoiceProcessLockKey(invoiceID uuid.UUID) string {
	return fmt.Sprintf("invoice:%s:process:lock", invoiceID)
}
