package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/matching"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/rbac"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/recurring"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/tolerance"
)

const escalationLockTTL = 5 * time.Minute

// ErrSecondApprover is returned when the first approver of a dual-auth step
// tries to approve it again.
var ErrSecondApprover = &shared.Error{
	Kind: shared.ErrConflict,
	Msg:  "this step requires a second, different approver",
	Err:  shared.ErrPolicyViolation,
}

// Directory resolves approvers from role membership.
type Directory interface {
	ResolveAssignee(ctx context.Context, role string, exclude ...uuid.UUID) (uuid.UUID, error)
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
}

// ToleranceSource yields the active tolerance snapshot.
type ToleranceSource interface {
	Current(ctx context.Context) (tolerance.Config, error)
}

// Observer receives routing outcomes.
type Observer interface {
	ObserveApproval(outcome string)
	ObserveEscalations(n int)
}

// RouteInput is the join of the match and fraud stages for one invoice.
type RouteInput struct {
	InvoiceID  uuid.UUID
	Match      matching.Result
	FraudScore float64
	Recurring  recurring.Check
	ActorID    uuid.UUID
	// Reviewed marks an exception a reviewer has cleared.
	Reviewed bool
	Note     string
}

// Route describes where Start left the invoice.
type Route struct {
	InvoiceID    uuid.UUID `json:"invoice_id"`
	Status       ap.Status `json:"status"`
	AutoApproved bool      `json:"auto_approved"`
	Chain        *Chain    `json:"chain,omitempty"`
	Task         *Task     `json:"task,omitempty"`
}

// DecisionInput is one approve or reject decision.
type DecisionInput struct {
	TaskID  uuid.UUID `json:"-"`
	ActorID uuid.UUID `json:"-"`
	Action  Action    `json:"action" validate:"required,oneof=approve reject"`
	Notes   string    `json:"notes,omitempty" validate:"max=2048"`
}

// Decision is the outcome of Decide.
type Decision struct {
	Task          Task      `json:"task"`
	InvoiceStatus ap.Status `json:"invoice_status"`
	NextTask      *Task     `json:"next_task,omitempty"`
}

// EscalationReport summarises one sweep.
type EscalationReport struct {
	Overdue    int `json:"overdue"`
	Reassigned int `json:"reassigned"`
	Skipped    int `json:"skipped"`
}

// Router drives invoices through their approval chain.
type Router struct {
	repo      Repository
	directory Directory
	tolerance ToleranceSource
	locker    Locker
	policy    Policy
	metrics   Observer
	logger    *slog.Logger
	now       func() time.Time
}

// NewRouter wires the approval router.
func NewRouter(repo Repository, directory Directory, tol ToleranceSource, locker Locker, policy Policy, metrics Observer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		repo:      repo,
		directory: directory,
		tolerance: tol,
		locker:    locker,
		policy:    policy,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the routing configuration.
func (r *Router) Policy() Policy {
	return r.policy
}

// Start routes a matched invoice into approval. Exceptions stay in exception
// unless reviewed; small clean invoices are approved automatically; everything
// else gets a frozen chain and a task for its first step.
func (r *Router) Start(ctx context.Context, in RouteInput) (Route, error) {
	const op = "approval.Start"
	if in.Match.InvoiceID != in.InvoiceID {
		return Route{}, shared.Validation(op, "match result %s belongs to another invoice", in.Match.ID)
	}
	if in.FraudScore < 0 || in.FraudScore > 1 {
		return Route{}, shared.Validation(op, "fraud score %v outside [0, 1]", in.FraudScore)
	}
	tol, err := r.tolerance.Current(ctx)
	if err != nil {
		return Route{}, fmt.Errorf("load tolerance: %w", err)
	}

	route := Route{InvoiceID: in.InvoiceID}
	err = r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		existing, err := tx.FindChain(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if existing != nil {
			return shared.Conflict(op, "invoice %s already has an approval chain", in.InvoiceID)
		}

		if !in.Reviewed && !in.Match.Routable() {
			route.Status = ap.StatusException
			if inv.Status == ap.StatusException {
				return nil
			}
			if err := ap.CheckTransition(op, inv.Status, ap.StatusException); err != nil {
				return err
			}
			if err := tx.UpdateStatus(ctx, inv.ID, inv.Status, ap.StatusException); err != nil {
				return err
			}
			return tx.InsertAudit(ctx, ap.StatusAudit(inv.ID, in.ActorID, shared.AuditStatusChanged, inv.Status, ap.StatusException,
				map[string]any{"match_id": in.Match.ID.String()}))
		}

		if in.Reviewed {
			if inv.Status != ap.StatusException {
				return shared.Conflict(op, "invoice %s is %s, not in exception", inv.ID, inv.Status)
			}
			if err := tx.UpdateStatus(ctx, inv.ID, ap.StatusException, ap.StatusMatched); err != nil {
				return err
			}
			meta := map[string]any{"match_id": in.Match.ID.String()}
			if in.Note != "" {
				meta["note"] = in.Note
			}
			if err := tx.InsertAudit(ctx, ap.StatusAudit(inv.ID, in.ActorID, shared.AuditExceptionResolved, ap.StatusException, ap.StatusMatched, meta)); err != nil {
				return err
			}
			inv.Status = ap.StatusMatched
		} else if inv.Status != ap.StatusMatched {
			return shared.Conflict(op, "invoice %s is %s, not matched", inv.ID, inv.Status)
		}

		if !in.Reviewed && r.autoApprovable(inv, in, tol) {
			if err := tx.UpdateStatus(ctx, inv.ID, ap.StatusMatched, ap.StatusApproved); err != nil {
				return err
			}
			route.Status = ap.StatusApproved
			route.AutoApproved = true
			return tx.InsertAudit(ctx, ap.StatusAudit(inv.ID, shared.SystemActor, shared.AuditAutoApproved, ap.StatusMatched, ap.StatusApproved,
				map[string]any{
					"match_id":             in.Match.ID.String(),
					"fraud_score":          in.FraudScore,
					"auto_approve_ceiling": tol.AutoApproveCeiling.String(),
					"tolerance_version":    tol.Version,
				}))
		}

		rules, err := tx.ActiveRules(ctx)
		if err != nil {
			return err
		}
		plan := BuildChain(rules, ChainInput{
			Total:      inv.Total,
			Department: inv.Department,
			Category:   inv.Category,
			FraudScore: in.FraudScore,
			Recurring:  in.Recurring,
		}, r.policy)
		chain := Chain{
			ID:        uuid.New(),
			InvoiceID: inv.ID,
			Steps:     plan.Steps,
			FastTrack: plan.FastTrack,
			Replaced:  plan.Replaced,
			CreatedAt: r.now(),
		}
		if err := tx.InsertChain(ctx, chain); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, chainAudit(chain, in.ActorID, shared.AuditChainBuilt, chain.Steps)); err != nil {
			return err
		}
		if chain.FastTrack {
			entry := chainAudit(chain, in.ActorID, shared.AuditFastTrackOverride, chain.Replaced)
			if in.Recurring.PatternID != nil {
				entry.Meta["pattern_id"] = in.Recurring.PatternID.String()
			}
			if err := tx.InsertAudit(ctx, entry); err != nil {
				return err
			}
		}

		task, err := r.openTask(ctx, tx, chain, chain.Steps[0], in.ActorID)
		if err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, inv.ID, ap.StatusMatched, ap.StatusPendingApproval); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, ap.StatusAudit(inv.ID, in.ActorID, shared.AuditStatusChanged, ap.StatusMatched, ap.StatusPendingApproval,
			map[string]any{"chain_id": chain.ID.String()})); err != nil {
			return err
		}
		route.Status = ap.StatusPendingApproval
		route.Chain = &chain
		route.Task = &task
		return nil
	})
	if err != nil {
		return Route{}, err
	}

	outcome := "routed"
	switch {
	case route.AutoApproved:
		outcome = "auto_approved"
	case route.Status == ap.StatusException:
		outcome = "exception"
	}
	r.observe(outcome)
	attrs := []any{
		slog.String("invoice_id", in.InvoiceID.String()),
		slog.String("status", string(route.Status)),
		slog.Float64("fraud_score", in.FraudScore),
		slog.Bool("reviewed", in.Reviewed),
	}
	if route.Chain != nil {
		attrs = append(attrs, slog.Int("steps", len(route.Chain.Steps)), slog.Bool("fast_track", route.Chain.FastTrack))
	}
	r.logger.Info("approval routed", attrs...)
	return route, nil
}

func (r *Router) autoApprovable(inv ap.Invoice, in RouteInput, tol tolerance.Config) bool {
	if in.Match.Status != matching.StatusMatched {
		return false
	}
	if in.FraudScore >= r.policy.ReportScore {
		return false
	}
	if !inv.Total.IsPositive() || !tol.AutoApproveCeiling.IsPositive() {
		return false
	}
	return inv.Total.LessThanOrEqual(tol.AutoApproveCeiling)
}

// Decide applies one decision to a task. The task row stays locked for the
// whole read-modify-write so concurrent decisions are serialized.
func (r *Router) Decide(ctx context.Context, in DecisionInput) (Decision, error) {
	const op = "approval.Decide"
	if err := shared.ValidateStruct(op, in); err != nil {
		return Decision{}, err
	}
	if in.ActorID == uuid.Nil {
		return Decision{}, shared.Validation(op, "actor is required")
	}

	var out Decision
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		task, err := tx.LockTask(ctx, in.TaskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() {
			return shared.Conflict(op, "task %s is already %s", task.ID, task.Status)
		}
		inv, err := tx.LockInvoice(ctx, task.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.Status.InApproval() {
			return shared.Conflict(op, "invoice %s is %s, not in approval", inv.ID, inv.Status)
		}
		if err := r.authorize(ctx, task, in.ActorID); err != nil {
			return err
		}

		now := r.now()
		before := task.Status
		task.UpdatedAt = now
		if in.Notes != "" {
			task.Notes = in.Notes
		}

		if in.Action == ActionReject {
			task.Status = TaskRejected
			task.DecidedAt = &now
			if err := r.saveDecision(ctx, tx, task, before, in); err != nil {
				return err
			}
			if err := r.moveInvoice(ctx, tx, inv, ap.StatusRejected, in.ActorID, task); err != nil {
				return err
			}
			out = Decision{Task: task, InvoiceStatus: ap.StatusRejected}
			return nil
		}

		if task.ApprovedBy(in.ActorID) {
			return &shared.Error{Kind: ErrSecondApprover.Kind, Op: op, Msg: ErrSecondApprover.Msg, Err: ErrSecondApprover}
		}
		task.Approvals = append(task.Approvals, Approval{ActorID: in.ActorID, At: now})
		if len(task.Approvals) < task.RequiredCount {
			task.Status = TaskPartiallyApproved
			if err := r.saveDecision(ctx, tx, task, before, in); err != nil {
				return err
			}
			if err := r.moveInvoice(ctx, tx, inv, ap.StatusPartiallyApproved, in.ActorID, task); err != nil {
				return err
			}
			out = Decision{Task: task, InvoiceStatus: ap.StatusPartiallyApproved}
			return nil
		}

		task.Status = TaskApproved
		task.DecidedAt = &now
		if err := r.saveDecision(ctx, tx, task, before, in); err != nil {
			return err
		}
		chain, err := tx.FindChain(ctx, task.InvoiceID)
		if err != nil {
			return err
		}
		if chain == nil {
			return shared.NotFound(op, "approval chain for invoice", task.InvoiceID)
		}
		if next, ok := chain.Step(task.StepOrder + 1); ok {
			nextTask, err := r.openTask(ctx, tx, *chain, next, in.ActorID)
			if err != nil {
				return err
			}
			if err := r.moveInvoice(ctx, tx, inv, ap.StatusPendingApproval, in.ActorID, task); err != nil {
				return err
			}
			out = Decision{Task: task, InvoiceStatus: ap.StatusPendingApproval, NextTask: &nextTask}
			return nil
		}
		if err := r.moveInvoice(ctx, tx, inv, ap.StatusApproved, in.ActorID, task); err != nil {
			return err
		}
		out = Decision{Task: task, InvoiceStatus: ap.StatusApproved}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	r.observe(string(out.Task.Status))
	r.logger.Info("approval decided",
		slog.String("task_id", out.Task.ID.String()),
		slog.String("invoice_id", out.Task.InvoiceID.String()),
		slog.String("actor_id", in.ActorID.String()),
		slog.String("action", string(in.Action)),
		slog.String("task_status", string(out.Task.Status)),
		slog.String("invoice_status", string(out.InvoiceStatus)),
	)
	return out, nil
}

func (r *Router) authorize(ctx context.Context, task Task, actorID uuid.UUID) error {
	if actorID == task.AssigneeID {
		return nil
	}
	ok, err := r.directory.HasRole(ctx, actorID, task.Role)
	if err != nil {
		return err
	}
	if !ok {
		return shared.PolicyViolation("approval.Decide", "actor %s does not hold role %s", actorID, task.Role)
	}
	return nil
}

func (r *Router) saveDecision(ctx context.Context, tx TxRepository, task Task, before TaskStatus, in DecisionInput) error {
	if err := tx.UpdateTask(ctx, task); err != nil {
		return err
	}
	meta := map[string]any{
		"action":     string(in.Action),
		"step_order": task.StepOrder,
		"approvals":  len(task.Approvals),
		"required":   task.RequiredCount,
	}
	if in.Notes != "" {
		meta["notes"] = in.Notes
	}
	return tx.InsertAudit(ctx, shared.AuditEntry{
		InvoiceID:    task.InvoiceID,
		ActorID:      in.ActorID,
		Action:       shared.AuditTaskDecided,
		Entity:       "approval_task",
		EntityID:     task.ID.String(),
		BeforeStatus: string(before),
		AfterStatus:  string(task.Status),
		Meta:         meta,
		At:           task.UpdatedAt,
	})
}

func (r *Router) moveInvoice(ctx context.Context, tx TxRepository, inv ap.Invoice, to ap.Status, actorID uuid.UUID, task Task) error {
	if inv.Status == to {
		return nil
	}
	if err := ap.CheckTransition("approval.Decide", inv.Status, to); err != nil {
		return err
	}
	if err := tx.UpdateStatus(ctx, inv.ID, inv.Status, to); err != nil {
		return err
	}
	return tx.InsertAudit(ctx, ap.StatusAudit(inv.ID, actorID, shared.AuditStatusChanged, inv.Status, to,
		map[string]any{"task_id": task.ID.String(), "step_order": task.StepOrder}))
}

func (r *Router) openTask(ctx context.Context, tx TxRepository, chain Chain, step Step, actorID uuid.UUID) (Task, error) {
	assignee, err := r.directory.ResolveAssignee(ctx, step.Role)
	if err != nil {
		return Task{}, fmt.Errorf("assign step %d: %w", step.Sequence, err)
	}
	now := r.now()
	task := Task{
		ID:            uuid.New(),
		InvoiceID:     chain.InvoiceID,
		ChainID:       chain.ID,
		StepOrder:     step.Sequence,
		Role:          step.Role,
		Status:        TaskPending,
		AssigneeID:    assignee,
		RequiredCount: step.RequiredCount,
		Approvals:     []Approval{},
		DueAt:         now.Add(r.policy.SLA),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertTask(ctx, task); err != nil {
		return Task{}, err
	}
	err = tx.InsertAudit(ctx, shared.AuditEntry{
		InvoiceID:   task.InvoiceID,
		ActorID:     actorID,
		Action:      shared.AuditTaskCreated,
		Entity:      "approval_task",
		EntityID:    task.ID.String(),
		AfterStatus: string(task.Status),
		Meta: map[string]any{
			"step_order":     task.StepOrder,
			"role":           task.Role,
			"assignee_id":    task.AssigneeID.String(),
			"required_count": task.RequiredCount,
			"due_at":         task.DueAt,
		},
		At: now,
	})
	return task, err
}

// Escalate reassigns overdue open tasks to a holder of the fallback role. It
// never decides a task. Only one worker sweeps at a time; a concurrent call
// returns ErrLockHeld.
func (r *Router) Escalate(ctx context.Context, now time.Time) (EscalationReport, error) {
	ttl := r.policy.SweepLockTTL
	if ttl <= 0 {
		ttl = escalationLockTTL
	}
	lease, err := r.locker.Obtain(ctx, shared.EscalationSweepLockKey(), ttl)
	if err != nil {
		return EscalationReport{}, err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("release escalation lock", slog.Any("error", err))
		}
	}()

	tasks, err := r.repo.OverdueTasks(ctx, now)
	if err != nil {
		return EscalationReport{}, err
	}
	report := EscalationReport{Overdue: len(tasks)}
	var errs []error
	for _, task := range tasks {
		moved, err := r.escalateOne(ctx, task.ID, now)
		switch {
		case err != nil:
			report.Skipped++
			errs = append(errs, fmt.Errorf("escalate task %s: %w", task.ID, err))
		case moved:
			report.Reassigned++
		default:
			report.Skipped++
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveEscalations(report.Reassigned)
	}
	r.logger.Info("escalation sweep finished",
		slog.Int("overdue", report.Overdue),
		slog.Int("reassigned", report.Reassigned),
		slog.Int("skipped", report.Skipped),
	)
	return report, errors.Join(errs...)
}

func (r *Router) escalateOne(ctx context.Context, taskID uuid.UUID, now time.Time) (bool, error) {
	var moved bool
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		task, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status.Terminal() || task.EscalatedAt != nil || !task.DueAt.Before(now) {
			return nil
		}
		exclude := []uuid.UUID{task.AssigneeID}
		for _, a := range task.Approvals {
			exclude = append(exclude, a.ActorID)
		}
		assignee, err := r.directory.ResolveAssignee(ctx, r.policy.FallbackRole, exclude...)
		if err != nil {
			return err
		}
		previous := task.AssigneeID
		task.AssigneeID = assignee
		task.EscalatedAt = &now
		task.UpdatedAt = now
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		if err := tx.InsertAudit(ctx, shared.AuditEntry{
			InvoiceID:    task.InvoiceID,
			ActorID:      shared.SystemActor,
			Action:       shared.AuditTaskEscalated,
			Entity:       "approval_task",
			EntityID:     task.ID.String(),
			BeforeStatus: string(task.Status),
			AfterStatus:  string(task.Status),
			Meta: map[string]any{
				"from_assignee": previous.String(),
				"to_assignee":   assignee.String(),
				"role":          r.policy.FallbackRole,
				"due_at":        task.DueAt,
			},
			At: now,
		}); err != nil {
			return err
		}
		moved = true
		r.logger.Info("approval task escalated",
			slog.String("task_id", task.ID.String()),
			slog.String("invoice_id", task.InvoiceID.String()),
			slog.String("from", previous.String()),
			slog.String("to", assignee.String()),
		)
		return nil
	})
	return moved, err
}

// ChainView returns the invoice's frozen chain with per-step status.
func (r *Router) ChainView(ctx context.Context, invoiceID uuid.UUID) (ChainView, error) {
	chain, err := r.repo.GetChain(ctx, invoiceID)
	if err != nil {
		return ChainView{}, err
	}
	tasks, err := r.repo.ListTasks(ctx, invoiceID)
	if err != nil {
		return ChainView{}, err
	}
	byStep := make(map[int]Task, len(tasks))
	for _, t := range tasks {
		byStep[t.StepOrder] = t
	}
	view := ChainView{Chain: chain, Steps: make([]StepView, 0, len(chain.Steps))}
	for _, step := range chain.Steps {
		sv := StepView{Step: step, Status: StepWaiting}
		if t, ok := byStep[step.Sequence]; ok {
			t := t
			sv.Status = t.Status
			sv.Task = &t
		}
		view.Steps = append(view.Steps, sv)
	}
	return view, nil
}

// Tasks lists the invoice's approval tasks in step order.
func (r *Router) Tasks(ctx context.Context, invoiceID uuid.UUID) ([]Task, error) {
	return r.repo.ListTasks(ctx, invoiceID)
}

// Task returns one approval task.
func (r *Router) Task(ctx context.Context, id uuid.UUID) (Task, error) {
	return r.repo.GetTask(ctx, id)
}

// Rules lists the approval matrix.
func (r *Router) Rules(ctx context.Context) ([]Rule, error) {
	return r.repo.ListRules(ctx)
}

// AddRule appends a matrix rule. Started chains are unaffected.
func (r *Router) AddRule(ctx context.Context, in RuleInput) (Rule, error) {
	const op = "approval.AddRule"
	if err := shared.ValidateStruct(op, in); err != nil {
		return Rule{}, err
	}
	if in.MinAmount != nil && in.MaxAmount != nil && !in.MinAmount.LessThan(*in.MaxAmount) {
		return Rule{}, shared.Validation(op, "min_amount must be below max_amount")
	}
	rule := Rule{
		ID:           uuid.New(),
		MinAmount:    in.MinAmount,
		MaxAmount:    in.MaxAmount,
		Department:   in.Department,
		Category:     in.Category,
		ApproverRole: rbac.NormalizeRole(in.ApproverRole),
		StepOrder:    in.StepOrder,
		DualAuth:     in.DualAuth,
		Active:       true,
		CreatedAt:    r.now(),
	}
	if err := r.repo.CreateRule(ctx, rule); err != nil {
		return Rule{}, err
	}
	r.logger.Info("approval rule added",
		slog.String("rule_id", rule.ID.String()),
		slog.String("role", rule.ApproverRole),
		slog.Int("step_order", rule.StepOrder),
	)
	return rule, nil
}

// DeactivateRule removes a rule from future chains.
func (r *Router) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	return r.repo.DeactivateRule(ctx, id)
}

func (r *Router) observe(outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveApproval(outcome)
	}
}

func chainAudit(chain Chain, actorID uuid.UUID, action string, steps []Step) shared.AuditEntry {
	summary := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		summary = append(summary, map[string]any{
			"sequence":       s.Sequence,
			"role":           s.Role,
			"required_count": s.RequiredCount,
			"source":         string(s.Source),
		})
	}
	return shared.AuditEntry{
		InvoiceID: chain.InvoiceID,
		ActorID:   actorID,
		Action:    action,
		Entity:    "approval_chain",
		EntityID:  chain.ID.String(),
		Meta:      map[string]any{"steps": summary, "fast_track": chain.FastTrack},
		At:        chain.CreatedAt,
	}
}
