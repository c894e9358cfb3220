package approval

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TaskStatus tracks a single approval step.
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"
	TaskPartiallyApproved TaskStatus = "partially_approved"
	TaskApproved          TaskStatus = "approved"
	TaskRejected          TaskStatus = "rejected"
)

// Terminal reports whether the task accepts no further decisions.
func (s TaskStatus) Terminal() bool {
	return s == TaskApproved || s == TaskRejected
}

// Action is a human decision on a task.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// StepSource records where a chain step came from.
type StepSource string

const (
	SourceMatrix    StepSource = "matrix"
	SourceDefault   StepSource = "default"
	SourceFastTrack StepSource = "fast_track"
)

// Rule is an approval matrix entry. MinAmount is inclusive, MaxAmount
// exclusive; nil bounds are open.
type Rule struct {
	ID           uuid.UUID        `json:"id"`
	MinAmount    *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount    *decimal.Decimal `json:"max_amount,omitempty"`
	Department   string           `json:"department,omitempty"`
	Category     string           `json:"category,omitempty"`
	ApproverRole string           `json:"approver_role"`
	StepOrder    int              `json:"step_order"`
	DualAuth     bool             `json:"dual_auth"`
	Active       bool             `json:"active"`
	CreatedAt    time.Time        `json:"created_at"`
}

// RuleInput is the payload for adding a matrix rule.
type RuleInput struct {
	MinAmount    *decimal.Decimal `json:"min_amount,omitempty" validate:"omitempty,gte=0"`
	MaxAmount    *decimal.Decimal `json:"max_amount,omitempty" validate:"omitempty,gt=0"`
	Department   string           `json:"department,omitempty" validate:"max=64"`
	Category     string           `json:"category,omitempty" validate:"max=64"`
	ApproverRole string           `json:"approver_role" validate:"required,max=64"`
	StepOrder    int              `json:"step_order" validate:"gt=0"`
	DualAuth     bool             `json:"dual_auth"`
}

// Covers reports whether the rule applies to an invoice.
func (r Rule) Covers(total decimal.Decimal, department, category string) bool {
	if !r.Active {
		return false
	}
	if r.MinAmount != nil && total.LessThan(*r.MinAmount) {
		return false
	}
	if r.MaxAmount != nil && !total.LessThan(*r.MaxAmount) {
		return false
	}
	if r.Department != "" && r.Department != department {
		return false
	}
	if r.Category != "" && r.Category != category {
		return false
	}
	return true
}

func (r Rule) specificity() int {
	n := 0
	if r.Department != "" {
		n += 2
	}
	if r.Category != "" {
		n += 2
	}
	if r.MinAmount != nil {
		n++
	}
	if r.MaxAmount != nil {
		n++
	}
	return n
}

// Step is one frozen entry of an approval chain.
type Step struct {
	Sequence      int        `json:"sequence"`
	Role          string     `json:"role"`
	RequiredCount int        `json:"required_count"`
	Source        StepSource `json:"source"`
	RuleID        *uuid.UUID `json:"rule_id,omitempty"`
}

// Chain is the ordered list of steps computed once when an invoice enters
// approval. It is never recomputed.
type Chain struct {
	ID        uuid.UUID `json:"id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	Steps     []Step    `json:"steps"`
	FastTrack bool      `json:"fast_track"`
	Replaced  []Step    `json:"replaced,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Step returns the step with the given sequence.
func (c Chain) Step(seq int) (Step, bool) {
	for _, s := range c.Steps {
		if s.Sequence == seq {
			return s, true
		}
	}
	return Step{}, false
}

// Approval is one approve decision on a task.
type Approval struct {
	ActorID uuid.UUID `json:"actor_id"`
	At      time.Time `json:"at"`
}

// Task is the approval work item for one chain step.
type Task struct {
	ID            uuid.UUID  `json:"id"`
	InvoiceID     uuid.UUID  `json:"invoice_id"`
	ChainID       uuid.UUID  `json:"chain_id"`
	StepOrder     int        `json:"step_order"`
	Role          string     `json:"role"`
	Status        TaskStatus `json:"status"`
	AssigneeID    uuid.UUID  `json:"assignee_id"`
	RequiredCount int        `json:"required_count"`
	Approvals     []Approval `json:"approvals"`
	DueAt         time.Time  `json:"due_at"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	EscalatedAt   *time.Time `json:"escalated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ApprovedBy reports whether actor already approved the task.
func (t Task) ApprovedBy(actor uuid.UUID) bool {
	for _, a := range t.Approvals {
		if a.ActorID == actor {
			return true
		}
	}
	return false
}

// Policy holds the routing configuration.
type Policy struct {
	DefaultRole   string        `envconfig:"DEFAULT_ROLE" default:"APPROVER"`
	FallbackRole  string        `envconfig:"FALLBACK_ROLE" default:"AP_MANAGER"`
	AdminRole     string        `envconfig:"ADMIN_ROLE" default:"AP_ADMIN"`
	CriticalScore float64       `envconfig:"CRITICAL_SCORE" default:"0.9"`
	SLA           time.Duration `envconfig:"SLA" default:"72h"`
	SweepLockTTL  time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"5m"`
	// ReportScore is the fraud reporting threshold; it is copied from the
	// fraud configuration at load time.
	ReportScore float64 `ignored:"true"`
}

// StepView pairs a chain step with its task, when one exists.
type StepView struct {
	Step
	Status TaskStatus `json:"status"`
	Task   *Task      `json:"task,omitempty"`
}

// ChainView is the read model of an invoice's chain.
type ChainView struct {
	Chain Chain      `json:"chain"`
	Steps []StepView `json:"steps"`
}

// StepWaiting marks a chain step whose task has not been created yet.
const StepWaiting TaskStatus = "waiting"
