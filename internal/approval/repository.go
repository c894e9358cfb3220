package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/db"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Repository defines approval data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetChain(ctx context.Context, invoiceID uuid.UUID) (Chain, error)
	ListTasks(ctx context.Context, invoiceID uuid.UUID) ([]Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (Task, error)
	// OverdueTasks lists open, never escalated tasks due before now.
	OverdueTasks(ctx context.Context, now time.Time) ([]Task, error)

	ListRules(ctx context.Context) ([]Rule, error)
	CreateRule(ctx context.Context, rule Rule) error
	DeactivateRule(ctx context.Context, id uuid.UUID) error
}

// TxRepository defines approval writes within a transaction.
type TxRepository interface {
	LockInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to ap.Status) error
	InsertAudit(ctx context.Context, entry shared.AuditEntry) error

	ActiveRules(ctx context.Context) ([]Rule, error)
	// FindChain returns nil when the invoice has no chain yet.
	FindChain(ctx context.Context, invoiceID uuid.UUID) (*Chain, error)
	InsertChain(ctx context.Context, chain Chain) error
	InsertTask(ctx context.Context, task Task) error
	LockTask(ctx context.Context, id uuid.UUID) (Task, error)
	UpdateTask(ctx context.Context, task Task) error
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository returns the Postgres-backed approval repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

type pgTx struct {
	*ap.TxStore
	tx pgx.Tx
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{TxStore: ap.NewTxStore(tx), tx: tx})
	})
}

const ruleColumns = `id, min_amount, max_amount, department, category, approver_role, step_order, dual_auth, active, created_at`

func scanRules(rows pgx.Rows) ([]Rule, error) {
	defer rows.Close()
	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.MinAmount, &r.MaxAmount, &r.Department, &r.Category, &r.ApproverRole,
			&r.StepOrder, &r.DualAuth, &r.Active, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM approval_rules ORDER BY step_order, created_at`)
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

func (r *pgRepository) CreateRule(ctx context.Context, rule Rule) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO approval_rules (`+ruleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rule.ID, rule.MinAmount, rule.MaxAmount, rule.Department, rule.Category, rule.ApproverRole,
		rule.StepOrder, rule.DualAuth, rule.Active, rule.CreatedAt)
	return err
}

func (r *pgRepository) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE approval_rules SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("approval.DeactivateRule", "approval rule", id)
	}
	return nil
}

func (r *pgRepository) GetChain(ctx context.Context, invoiceID uuid.UUID) (Chain, error) {
	chain, err := findChain(ctx, r.pool, invoiceID)
	if err != nil {
		return Chain{}, err
	}
	if chain == nil {
		return Chain{}, shared.NotFound("approval.GetChain", "approval chain for invoice", invoiceID)
	}
	return *chain, nil
}

const taskColumns = `id, invoice_id, chain_id, step_order, role, status, assignee_id, required_count, approvals,
due_at, decided_at, notes, escalated_at, created_at, updated_at`

func (r *pgRepository) ListTasks(ctx context.Context, invoiceID uuid.UUID) ([]Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE invoice_id = $1 ORDER BY step_order, created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r *pgRepository) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	task, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, shared.NotFound("approval.GetTask", "approval task", id)
	}
	return task, err
}

func (r *pgRepository) OverdueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM approval_tasks
WHERE status IN ('pending', 'partially_approved') AND escalated_at IS NULL AND due_at < $1
ORDER BY due_at`, now)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (t *pgTx) ActiveRules(ctx context.Context) ([]Rule, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+ruleColumns+` FROM approval_rules WHERE active ORDER BY step_order`)
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

func (t *pgTx) FindChain(ctx context.Context, invoiceID uuid.UUID) (*Chain, error) {
	return findChain(ctx, t.tx, invoiceID)
}

func (t *pgTx) InsertChain(ctx context.Context, chain Chain) error {
	steps, err := json.Marshal(chain.Steps)
	if err != nil {
		return fmt.Errorf("encode chain steps: %w", err)
	}
	replaced, err := json.Marshal(chain.Replaced)
	if err != nil {
		return fmt.Errorf("encode replaced steps: %w", err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO approval_chains (id, invoice_id, steps, fast_track, replaced, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, chain.ID, chain.InvoiceID, steps, chain.FastTrack, replaced, chain.CreatedAt)
	if shared.IsUniqueViolation(err) {
		return shared.Conflict("approval.InsertChain", "invoice %s already has an approval chain", chain.InvoiceID)
	}
	return err
}

func (t *pgTx) InsertTask(ctx context.Context, task Task) error {
	approvals, err := json.Marshal(task.Approvals)
	if err != nil {
		return fmt.Errorf("encode approvals: %w", err)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO approval_tasks (`+taskColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		task.ID, task.InvoiceID, task.ChainID, task.StepOrder, task.Role, string(task.Status), task.AssigneeID,
		task.RequiredCount, approvals, task.DueAt, task.DecidedAt, task.Notes, task.EscalatedAt, task.CreatedAt, task.UpdatedAt)
	if shared.IsUniqueViolation(err) {
		return shared.Conflict("approval.InsertTask", "step %d already has an open task", task.StepOrder)
	}
	return err
}

func (t *pgTx) LockTask(ctx context.Context, id uuid.UUID) (Task, error) {
	task, err := scanTask(t.tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM approval_tasks WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, shared.NotFound("approval.LockTask", "approval task", id)
	}
	return task, err
}

func (t *pgTx) UpdateTask(ctx context.Context, task Task) error {
	approvals, err := json.Marshal(task.Approvals)
	if err != nil {
		return fmt.Errorf("encode approvals: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `UPDATE approval_tasks
SET status = $2, assignee_id = $3, approvals = $4, decided_at = $5, notes = $6, escalated_at = $7, updated_at = $8
WHERE id = $1`,
		task.ID, string(task.Status), task.AssigneeID, approvals, task.DecidedAt, task.Notes, task.EscalatedAt, task.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("approval.UpdateTask", "approval task", task.ID)
	}
	return nil
}

func findChain(ctx context.Context, q querier, invoiceID uuid.UUID) (*Chain, error) {
	var (
		chain           Chain
		steps, replaced []byte
	)
	err := q.QueryRow(ctx, `SELECT id, invoice_id, steps, fast_track, replaced, created_at FROM approval_chains WHERE invoice_id = $1`, invoiceID).
		Scan(&chain.ID, &chain.InvoiceID, &steps, &chain.FastTrack, &replaced, &chain.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &chain.Steps); err != nil {
		return nil, fmt.Errorf("decode chain steps: %w", err)
	}
	if len(replaced) > 0 {
		if err := json.Unmarshal(replaced, &chain.Replaced); err != nil {
			return nil, fmt.Errorf("decode replaced steps: %w", err)
		}
	}
	return &chain, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task      Task
		status    string
		approvals []byte
	)
	err := row.Scan(&task.ID, &task.InvoiceID, &task.ChainID, &task.StepOrder, &task.Role, &status, &task.AssigneeID,
		&task.RequiredCount, &approvals, &task.DueAt, &task.DecidedAt, &task.Notes, &task.EscalatedAt, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	if err := json.Unmarshal(approvals, &task.Approvals); err != nil {
		return Task{}, fmt.Errorf("decode approvals: %w", err)
	}
	return task, nil
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
