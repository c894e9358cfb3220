package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries invoice pipeline work ahead of sweeps.
	QueueCritical = "critical"

	// TaskInvoiceProcess runs an invoice through match, fraud scoring and routing.
	TaskInvoiceProcess = "invoice:process"
	// TaskInvoiceRematch re-runs matching for an invoice.
	TaskInvoiceRematch = "invoice:rematch"
	// TaskApprovalEscalate sweeps overdue approval tasks.
	TaskApprovalEscalate = "approval:escalate"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

const uniqueWindow = 10 * time.Minute

// InvoicePayload identifies the invoice and the actor who requested the run.
type InvoicePayload struct {
	InvoiceID uuid.UUID `json:"invoice_id"`
	ActorID   uuid.UUID `json:"actor_id"`
}

// EscalatePayload is the escalation sweep payload. An empty payload sweeps as of now.
type EscalatePayload struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

// NewInvoiceProcessTask constructs an invoice pipeline task.
func NewInvoiceProcessTask(invoiceID, actorID uuid.UUID) (*asynq.Task, error) {
	return newInvoiceTask(TaskInvoiceProcess, invoiceID, actorID)
}

// NewInvoiceRematchTask constructs a re-match task.
func NewInvoiceRematchTask(invoiceID, actorID uuid.UUID) (*asynq.Task, error) {
	return newInvoiceTask(TaskInvoiceRematch, invoiceID, actorID)
}

// NewApprovalEscalateTask constructs the escalation sweep task.
func NewApprovalEscalateTask() (*asynq.Task, error) {
	data, err := json.Marshal(EscalatePayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApprovalEscalate, data), nil
}

// NewIdempotencyCleanupTask constructs the key retention task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}

func newInvoiceTask(taskType string, invoiceID, actorID uuid.UUID) (*asynq.Task, error) {
	if invoiceID == uuid.Nil {
		return nil, fmt.Errorf("jobs: %s requires an invoice id", taskType)
	}
	data, err := json.Marshal(InvoicePayload{InvoiceID: invoiceID, ActorID: actorID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data), nil
}

func decodeInvoicePayload(t *asynq.Task) (InvoicePayload, error) {
	var payload InvoicePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return InvoicePayload{}, err
	}
	if payload.InvoiceID == uuid.Nil {
		return InvoicePayload{}, fmt.Errorf("jobs: %s payload has no invoice id", t.Type())
	}
	return payload, nil
}
