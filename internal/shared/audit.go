package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions recorded against invoices and approval tasks.
const (
	AuditInvoiceIngested   = "invoice_ingested"
	AuditStatusChanged     = "status_changed"
	AuditMatchCompleted    = "match_completed"
	AuditMatchRerun        = "match_rerun"
	AuditFraudScored       = "fraud_scored"
	AuditRecurringChecked  = "recurring_checked"
	AuditChainBuilt        = "chain_built"
	AuditFastTrackOverride = "fast_track_override"
	AuditAutoApproved      = "auto_approved"
	AuditTaskCreated       = "task_created"
	AuditTaskDecided       = "task_decided"
	AuditTaskEscalated     = "task_escalated"
	AuditExceptionResolved = "exception_resolved"
	AuditInvoiceDeleted    = "invoice_deleted"
	AuditRoleGranted       = "role_granted"
	AuditRoleRevoked       = "role_revoked"
)

// SystemActor identifies automated transitions in the audit trail.
var SystemActor = uuid.Nil

// AuditEntry represents a record stored in audit_logs.
type AuditEntry struct {
	ID           uuid.UUID
	InvoiceID    uuid.UUID
	ActorID      uuid.UUID
	Action       string
	Entity       string
	EntityID     string
	BeforeStatus string
	AfterStatus  string
	Meta         map[string]any
	At           time.Time
}

// Execer is satisfied by pgx.Tx, pgxpool.Pool and pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// InsertAudit writes the entry through the given executor, normally the
// transaction that carries the state change being recorded.
func InsertAudit(ctx context.Context, exec Execer, entry AuditEntry) error {
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx, `INSERT INTO audit_logs (id, invoice_id, actor_id, action, entity, entity_id, before_status, after_status, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		entry.ID, nullableUUID(entry.InvoiceID), entry.ActorID, entry.Action, entry.Entity, entry.EntityID,
		entry.BeforeStatus, entry.AfterStatus, metaJSON, entry.At)
	return err
}

// AuditLogger writes standalone records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the entry outside of any domain transaction.
func (l *AuditLogger) Record(ctx context.Context, entry AuditEntry) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	return InsertAudit(ctx, l.pool, entry)
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
