package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/matching"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/recurring"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/tolerance"
)

type memoryApprovalRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]ap.Invoice
	rules    []Rule
	chains   map[uuid.UUID]Chain
	tasks    map[uuid.UUID]Task
	audits   []shared.AuditEntry
}

type memoryApprovalTx struct {
	repo *memoryApprovalRepo
}

func newMemoryApprovalRepo() *memoryApprovalRepo {
	return &memoryApprovalRepo{
		invoices: make(map[uuid.UUID]ap.Invoice),
		chains:   make(map[uuid.UUID]Chain),
		tasks:    make(map[uuid.UUID]Task),
	}
}

func cloneTask(t Task) Task {
	t.Approvals = append([]Approval{}, t.Approvals...)
	return t
}

func (r *memoryApprovalRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	invoices := make(map[uuid.UUID]ap.Invoice, len(r.invoices))
	for k, v := range r.invoices {
		invoices[k] = v
	}
	chains := make(map[uuid.UUID]Chain, len(r.chains))
	for k, v := range r.chains {
		chains[k] = v
	}
	tasks := make(map[uuid.UUID]Task, len(r.tasks))
	for k, v := range r.tasks {
		tasks[k] = cloneTask(v)
	}
	audits := len(r.audits)
	if err := fn(ctx, &memoryApprovalTx{repo: r}); err != nil {
		r.invoices = invoices
		r.chains = chains
		r.tasks = tasks
		r.audits = r.audits[:audits]
		return err
	}
	return nil
}

func (r *memoryApprovalRepo) GetChain(ctx context.Context, invoiceID uuid.UUID) (Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.chains[invoiceID]
	if !ok {
		return Chain{}, shared.NotFound("get", "approval chain for invoice", invoiceID)
	}
	return chain, nil
}

func (r *memoryApprovalRepo) ListTasks(ctx context.Context, invoiceID uuid.UUID) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Task
	for _, t := range r.tasks {
		if t.InvoiceID == invoiceID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r *memoryApprovalRepo) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, shared.NotFound("get", "approval task", id)
	}
	return cloneTask(t), nil
}

func (r *memoryApprovalRepo) OverdueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Task
	for _, t := range r.tasks {
		if !t.Status.Terminal() && t.EscalatedAt == nil && t.DueAt.Before(now) {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

func (r *memoryApprovalRepo) ListRules(ctx context.Context) ([]Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Rule(nil), r.rules...), nil
}

func (r *memoryApprovalRepo) CreateRule(ctx context.Context, rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	return nil
}

func (r *memoryApprovalRepo) DeactivateRule(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rules {
		if r.rules[i].ID == id {
			r.rules[i].Active = false
			return nil
		}
	}
	return shared.NotFound("deactivate", "approval rule", id)
}

func (r *memoryApprovalRepo) auditActions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.audits))
	for _, a := range r.audits {
		out = append(out, a.Action)
	}
	return out
}

func (r *memoryApprovalRepo) invoiceStatus(id uuid.UUID) ap.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoices[id].Status
}

func (t *memoryApprovalTx) LockInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ap.Invoice{}, shared.NotFound("lock", "invoice", id)
	}
	return inv, nil
}

func (t *memoryApprovalTx) UpdateStatus(ctx context.Context, id uuid.UUID, from, to ap.Status) error {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return shared.NotFound("update", "invoice", id)
	}
	if inv.Status != from {
		return shared.Conflict("update", "invoice is %s, expected %s", inv.Status, from)
	}
	inv.Status = to
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryApprovalTx) InsertAudit(ctx context.Context, entry shared.AuditEntry) error {
	t.repo.audits = append(t.repo.audits, entry)
	return nil
}

func (t *memoryApprovalTx) ActiveRules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	for _, r := range t.repo.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memoryApprovalTx) FindChain(ctx context.Context, invoiceID uuid.UUID) (*Chain, error) {
	chain, ok := t.repo.chains[invoiceID]
	if !ok {
		return nil, nil
	}
	return &chain, nil
}

func (t *memoryApprovalTx) InsertChain(ctx context.Context, chain Chain) error {
	if _, ok := t.repo.chains[chain.InvoiceID]; ok {
		return shared.Conflict("insert", "chain exists")
	}
	t.repo.chains[chain.InvoiceID] = chain
	return nil
}

func (t *memoryApprovalTx) InsertTask(ctx context.Context, task Task) error {
	for _, existing := range t.repo.tasks {
		if existing.InvoiceID == task.InvoiceID && existing.StepOrder == task.StepOrder && !existing.Status.Terminal() {
			return shared.Conflict("insert", "open task exists")
		}
	}
	t.repo.tasks[task.ID] = cloneTask(task)
	return nil
}

func (t *memoryApprovalTx) LockTask(ctx context.Context, id uuid.UUID) (Task, error) {
	task, ok := t.repo.tasks[id]
	if !ok {
		return Task{}, shared.NotFound("lock", "approval task", id)
	}
	return cloneTask(task), nil
}

func (t *memoryApprovalTx) UpdateTask(ctx context.Context, task Task) error {
	if _, ok := t.repo.tasks[task.ID]; !ok {
		return shared.NotFound("update", "approval task", task.ID)
	}
	t.repo.tasks[task.ID] = cloneTask(task)
	return nil
}

type fakeDirectory struct {
	members map[string][]uuid.UUID
}

func (d *fakeDirectory) ResolveAssignee(ctx context.Context, role string, exclude ...uuid.UUID) (uuid.UUID, error) {
next:
	for _, id := range d.members[role] {
		for _, ex := range exclude {
			if id == ex {
				continue next
			}
		}
		return id, nil
	}
	return uuid.Nil, shared.PolicyViolation("resolve", "no eligible approver for role %s", role)
}

func (d *fakeDirectory) HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error) {
	for _, id := range d.members[role] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type staticTolerance struct {
	cfg tolerance.Config
}

func (s staticTolerance) Current(ctx context.Context) (tolerance.Config, error) {
	return s.cfg, nil
}

type memoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

type memoryLease struct {
	locker *memoryLocker
	key    string
}

func (l *memoryLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, ErrLockHeld
	}
	l.held[key] = true
	return &memoryLease{locker: l, key: key}, nil
}

func (m *memoryLease) Release(ctx context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	delete(m.locker.held, m.key)
	return nil
}

type countingObserver struct {
	mu          sync.Mutex
	outcomes    map[string]int
	escalations int
}

func (c *countingObserver) ObserveApproval(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func (c *countingObserver) ObserveEscalations(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.escalations += n
}

var (
	approver1  = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	approver2  = uuid.MustParse("00000000-0000-0000-0000-0000000000a2")
	manager    = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	cfo        = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
	apManager  = uuid.MustParse("00000000-0000-0000-0000-0000000000d1")
	clerk      = uuid.MustParse("00000000-0000-0000-0000-0000000000e1")
	routeStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func testPolicy() Policy {
	return Policy{
		DefaultRole:   "APPROVER",
		FallbackRole:  "AP_MANAGER",
		AdminRole:     "AP_ADMIN",
		CriticalScore: 0.9,
		SLA:           72 * time.Hour,
		ReportScore:   0.4,
	}
}

type fixture struct {
	repo    *memoryApprovalRepo
	router  *Router
	metrics *countingObserver
}

func newFixture(t *testing.T, locker Locker, rules ...Rule) *fixture {
	t.Helper()
	repo := newMemoryApprovalRepo()
	repo.rules = rules
	dir := &fakeDirectory{members: map[string][]uuid.UUID{
		"APPROVER":   {approver1, approver2},
		"MANAGER":    {manager},
		"CFO":        {cfo},
		"AP_MANAGER": {apManager},
	}}
	tol := staticTolerance{cfg: tolerance.Config{
		Version:            3,
		AmountPct:          decimal.NewFromInt(2),
		AutoApproveCeiling: decimal.NewFromInt(1000),
		Status:             tolerance.StatusPublished,
	}}
	if locker == nil {
		locker = &memoryLocker{}
	}
	metrics := &countingObserver{}
	router := NewRouter(repo, dir, tol, locker, testPolicy(), metrics, nil)
	router.now = func() time.Time { return routeStart }
	return &fixture{repo: repo, router: router, metrics: metrics}
}

func (f *fixture) invoice(total string, status ap.Status) uuid.UUID {
	id := uuid.New()
	f.repo.invoices[id] = ap.Invoice{
		ID:          id,
		Number:      "INV-" + id.String()[:8],
		VendorID:    uuid.New(),
		Currency:    "USD",
		Total:       decimal.RequireFromString(total),
		Department:  "OPS",
		InvoiceDate: routeStart,
		Status:      status,
	}
	return id
}

func matchResult(invoiceID uuid.UUID, status matching.Status) matching.Result {
	return matching.Result{ID: uuid.New(), InvoiceID: invoiceID, Type: matching.TypeTwoWay, Status: status, CreatedAt: routeStart}
}

func rule(role string, order int, dual bool) Rule {
	return Rule{ID: uuid.New(), ApproverRole: role, StepOrder: order, DualAuth: dual, Active: true, CreatedAt: routeStart}
}

func TestCriticalScoreForcesDualApproval(t *testing.T) {
	f := newFixture(t, nil, rule("APPROVER", 1, false))
	ctx := context.Background()
	id := f.invoice("5000", ap.StatusMatched)

	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.95, ActorID: clerk})
	require.NoError(t, err)
	require.Equal(t, ap.StatusPendingApproval, route.Status)
	require.Len(t, route.Chain.Steps, 1)
	require.Equal(t, 2, route.Chain.Steps[0].RequiredCount)
	require.Equal(t, 2, route.Task.RequiredCount)

	first, err := f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver1, Action: ActionApprove})
	require.NoError(t, err)
	require.Equal(t, TaskPartiallyApproved, first.Task.Status)
	require.Equal(t, ap.StatusPartiallyApproved, first.InvoiceStatus)
	require.Equal(t, ap.StatusPartiallyApproved, f.repo.invoiceStatus(id))

	audits := len(f.repo.auditActions())
	_, err = f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver1, Action: ActionApprove})
	require.ErrorIs(t, err, shared.ErrConflict)
	require.ErrorIs(t, err, shared.ErrPolicyViolation)
	require.Contains(t, err.Error(), "second, different approver")
	require.Len(t, f.repo.auditActions(), audits)
	task, err := f.router.Task(ctx, route.Task.ID)
	require.NoError(t, err)
	require.Len(t, task.Approvals, 1)

	second, err := f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver2, Action: ActionApprove})
	require.NoError(t, err)
	require.Equal(t, TaskApproved, second.Task.Status)
	require.Equal(t, ap.StatusApproved, second.InvoiceStatus)
	require.Nil(t, second.NextTask)
	require.Equal(t, ap.StatusApproved, f.repo.invoiceStatus(id))
}

func TestConcurrentDecisionsOnOneTask(t *testing.T) {
	for name, tc := range map[string]struct {
		score  float64
		actors [2]uuid.UUID
		status ap.Status
	}{
		"same actor on dual-auth task":       {score: 0.95, actors: [2]uuid.UUID{approver1, approver1}, status: ap.StatusPartiallyApproved},
		"two actors on single-approver task": {score: 0.1, actors: [2]uuid.UUID{approver1, approver2}, status: ap.StatusApproved},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil, rule("APPROVER", 1, false))
			ctx := context.Background()
			id := f.invoice("5000", ap.StatusMatched)
			route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: tc.score, ActorID: clerk})
			require.NoError(t, err)

			var wg sync.WaitGroup
			var errs [2]error
			start := make(chan struct{})
			for i, actor := range tc.actors {
				wg.Add(1)
				go func(i int, actor uuid.UUID) {
					defer wg.Done()
					<-start
					_, errs[i] = f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: actor, Action: ActionApprove})
				}(i, actor)
			}
			close(start)
			wg.Wait()

			var ok, conflicts int
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case errors.Is(err, shared.ErrConflict):
					conflicts++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			require.Equal(t, 1, ok)
			require.Equal(t, 1, conflicts)

			task, err := f.router.Task(ctx, route.Task.ID)
			require.NoError(t, err)
			require.Len(t, task.Approvals, 1)
			require.Equal(t, tc.status, f.repo.invoiceStatus(id))
		})
	}
}

func TestRejectAtFirstStepTerminatesChain(t *testing.T) {
	f := newFixture(t, nil, rule("APPROVER", 1, false), rule("MANAGER", 2, false), rule("CFO", 3, false))
	ctx := context.Background()
	id := f.invoice("25000", ap.StatusMatched)

	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.1, ActorID: clerk})
	require.NoError(t, err)
	require.Len(t, route.Chain.Steps, 3)

	out, err := f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver1, Action: ActionReject, Notes: "wrong cost centre"})
	require.NoError(t, err)
	require.Equal(t, TaskRejected, out.Task.Status)
	require.Equal(t, ap.StatusRejected, out.InvoiceStatus)
	require.NotNil(t, out.Task.DecidedAt)

	tasks, err := f.router.Tasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	view, err := f.router.ChainView(ctx, id)
	require.NoError(t, err)
	require.Equal(t, TaskRejected, view.Steps[0].Status)
	require.Equal(t, StepWaiting, view.Steps[1].Status)
	require.Equal(t, StepWaiting, view.Steps[2].Status)
	require.Nil(t, view.Steps[1].Task)

	audits := len(f.repo.auditActions())
	for _, action := range []Action{ActionApprove, ActionReject} {
		_, err = f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver2, Action: action})
		require.ErrorIs(t, err, shared.ErrConflict)
	}
	require.Len(t, f.repo.auditActions(), audits)
	require.Equal(t, ap.StatusRejected, f.repo.invoiceStatus(id))
}

func TestApproveAdvancesThroughChain(t *testing.T) {
	f := newFixture(t, nil, rule("APPROVER", 1, false), rule("MANAGER", 2, false))
	ctx := context.Background()
	id := f.invoice("8000", ap.StatusMatched)

	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.2, ActorID: clerk})
	require.NoError(t, err)
	require.Equal(t, approver1, route.Task.AssigneeID)
	require.Equal(t, routeStart.Add(72*time.Hour), route.Task.DueAt)

	step1, err := f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver1, Action: ActionApprove})
	require.NoError(t, err)
	require.Equal(t, ap.StatusPendingApproval, step1.InvoiceStatus)
	require.NotNil(t, step1.NextTask)
	require.Equal(t, 2, step1.NextTask.StepOrder)
	require.Equal(t, manager, step1.NextTask.AssigneeID)

	step2, err := f.router.Decide(ctx, DecisionInput{TaskID: step1.NextTask.ID, ActorID: manager, Action: ActionApprove})
	require.NoError(t, err)
	require.Equal(t, ap.StatusApproved, step2.InvoiceStatus)

	actions := f.repo.auditActions()
	require.Contains(t, actions, shared.AuditChainBuilt)
	require.Contains(t, actions, shared.AuditTaskCreated)
	require.Contains(t, actions, shared.AuditTaskDecided)
	require.Equal(t, shared.AuditStatusChanged, actions[len(actions)-1])
	require.Equal(t, 1, f.metrics.outcomes["routed"])
	require.Equal(t, 2, f.metrics.outcomes["approved"])
}

func TestDecideRequiresStepRole(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.invoice("3000", ap.StatusMatched)
	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.1, ActorID: clerk})
	require.NoError(t, err)
	require.Equal(t, SourceDefault, route.Chain.Steps[0].Source)

	_, err = f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: clerk, Action: ActionApprove})
	require.ErrorIs(t, err, shared.ErrPolicyViolation)

	_, err = f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: clerk, Action: "escalate"})
	require.ErrorIs(t, err, shared.ErrValidation)

	out, err := f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver2, Action: ActionApprove})
	require.NoError(t, err)
	require.Equal(t, ap.StatusApproved, out.InvoiceStatus)
}

func TestAutoApproveSmallCleanInvoice(t *testing.T) {
	f := newFixture(t, nil, rule("APPROVER", 1, false))
	ctx := context.Background()
	id := f.invoice("750", ap.StatusMatched)

	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.1, ActorID: clerk})
	require.NoError(t, err)
	require.True(t, route.AutoApproved)
	require.Equal(t, ap.StatusApproved, route.Status)
	require.Nil(t, route.Chain)
	require.Equal(t, ap.StatusApproved, f.repo.invoiceStatus(id))
	require.Empty(t, f.repo.chains)

	last := f.repo.audits[len(f.repo.audits)-1]
	require.Equal(t, shared.AuditAutoApproved, last.Action)
	require.Equal(t, shared.SystemActor, last.ActorID)
}

func TestAutoApproveNeedsCleanMatchAndLowScore(t *testing.T) {
	cases := map[string]struct {
		status matching.Status
		score  float64
		total  string
	}{
		"partial match":    {matching.StatusPartial, 0.1, "750"},
		"reportable score": {matching.StatusMatched, 0.4, "750"},
		"above ceiling":    {matching.StatusMatched, 0.1, "1000.01"},
		"zero total":       {matching.StatusMatched, 0.1, "0"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil, rule("APPROVER", 1, false))
			id := f.invoice(tc.total, ap.StatusMatched)
			route, err := f.router.Start(context.Background(), RouteInput{InvoiceID: id, Match: matchResult(id, tc.status), FraudScore: tc.score, ActorID: clerk})
			require.NoError(t, err)
			require.False(t, route.AutoApproved)
			require.Equal(t, ap.StatusPendingApproval, route.Status)
		})
	}
}

func TestExceptionStaysUntilReviewed(t *testing.T) {
	f := newFixture(t, nil, rule("APPROVER", 1, false))
	ctx := context.Background()
	id := f.invoice("5000", ap.StatusException)
	res := matchResult(id, matching.StatusException)

	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: res, FraudScore: 0.1, ActorID: clerk})
	require.NoError(t, err)
	require.Equal(t, ap.StatusException, route.Status)
	require.Nil(t, route.Chain)
	require.Empty(t, f.repo.chains)

	route, err = f.router.Start(ctx, RouteInput{InvoiceID: id, Match: res, FraudScore: 0.1, ActorID: manager, Reviewed: true})
	require.NoError(t, err)
	require.Equal(t, ap.StatusPendingApproval, route.Status)
	require.NotNil(t, route.Task)
	require.Contains(t, f.repo.auditActions(), shared.AuditExceptionResolved)

	_, err = f.router.Start(ctx, RouteInput{InvoiceID: id, Match: res, FraudScore: 0.1, ActorID: manager, Reviewed: true})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestReviewedSmallInvoiceStillRouted(t *testing.T) {
	f := newFixture(t, nil)
	id := f.invoice("100", ap.StatusException)
	route, err := f.router.Start(context.Background(), RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusException), ActorID: manager, Reviewed: true})
	require.NoError(t, err)
	require.False(t, route.AutoApproved)
	require.Equal(t, ap.StatusPendingApproval, route.Status)
}

func TestFastTrackCollapsesChain(t *testing.T) {
	pattern := uuid.New()
	check := recurring.Check{IsRecurring: true, FastTrack: true, PatternID: &pattern}
	f := newFixture(t, nil, rule("APPROVER", 1, false), rule("MANAGER", 2, false), rule("CFO", 3, true))
	ctx := context.Background()
	id := f.invoice("12000", ap.StatusMatched)

	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.05, Recurring: check, ActorID: clerk})
	require.NoError(t, err)
	require.True(t, route.Chain.FastTrack)
	require.Len(t, route.Chain.Steps, 1)
	require.Equal(t, "APPROVER", route.Chain.Steps[0].Role)
	require.Equal(t, SourceFastTrack, route.Chain.Steps[0].Source)
	require.Len(t, route.Chain.Replaced, 3)

	var override *shared.AuditEntry
	for i := range f.repo.audits {
		if f.repo.audits[i].Action == shared.AuditFastTrackOverride {
			override = &f.repo.audits[i]
		}
	}
	require.NotNil(t, override)
	require.Equal(t, pattern.String(), override.Meta["pattern_id"])
	require.Len(t, override.Meta["steps"], 3)
}

func TestFastTrackIgnoredForRiskyInvoice(t *testing.T) {
	check := recurring.Check{IsRecurring: true, FastTrack: true}
	f := newFixture(t, nil, rule("APPROVER", 1, false), rule("MANAGER", 2, false))
	id := f.invoice("12000", ap.StatusMatched)

	route, err := f.router.Start(context.Background(), RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.92, Recurring: check, ActorID: clerk})
	require.NoError(t, err)
	require.False(t, route.Chain.FastTrack)
	require.Len(t, route.Chain.Steps, 2)
	require.Equal(t, 2, route.Chain.Steps[0].RequiredCount)
	require.NotContains(t, f.repo.auditActions(), shared.AuditFastTrackOverride)
}

func TestChainFrozenAgainstMatrixEdits(t *testing.T) {
	f := newFixture(t, nil, rule("APPROVER", 1, false), rule("MANAGER", 2, false))
	ctx := context.Background()
	id := f.invoice("9000", ap.StatusMatched)
	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.1, ActorID: clerk})
	require.NoError(t, err)

	for _, r := range f.repo.rules {
		require.NoError(t, f.router.DeactivateRule(ctx, r.ID))
	}
	_, err = f.router.AddRule(ctx, RuleInput{ApproverRole: "cfo", StepOrder: 2})
	require.NoError(t, err)

	out, err := f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver1, Action: ActionApprove})
	require.NoError(t, err)
	require.Equal(t, "MANAGER", out.NextTask.Role)
}

func TestStartValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	id := f.invoice("9000", ap.StatusMatched)
	other := matchResult(uuid.New(), matching.StatusMatched)

	_, err := f.router.Start(context.Background(), RouteInput{InvoiceID: id, Match: other, ActorID: clerk})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.router.Start(context.Background(), RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 1.2, ActorID: clerk})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, ap.StatusMatched, f.repo.invoiceStatus(id))
}

func TestAddRuleValidatesBand(t *testing.T) {
	f := newFixture(t, nil)
	min := decimal.NewFromInt(5000)
	max := decimal.NewFromInt(1000)
	_, err := f.router.AddRule(context.Background(), RuleInput{MinAmount: &min, MaxAmount: &max, ApproverRole: "MANAGER", StepOrder: 1})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.router.AddRule(context.Background(), RuleInput{ApproverRole: "MANAGER"})
	require.ErrorIs(t, err, shared.ErrValidation)

	rule, err := f.router.AddRule(context.Background(), RuleInput{MinAmount: &max, ApproverRole: " manager ", StepOrder: 1})
	require.NoError(t, err)
	require.Equal(t, "MANAGER", rule.ApproverRole)
	require.True(t, rule.Active)
}

func TestEscalateReassignsOverdueTasks(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, NewRedisLocker(rdb), rule("APPROVER", 1, true))
	ctx := context.Background()
	overdueID := f.invoice("4000", ap.StatusMatched)
	route, err := f.router.Start(ctx, RouteInput{InvoiceID: overdueID, Match: matchResult(overdueID, matching.StatusMatched), FraudScore: 0.1, ActorID: clerk})
	require.NoError(t, err)
	_, err = f.router.Decide(ctx, DecisionInput{TaskID: route.Task.ID, ActorID: approver1, Action: ActionApprove})
	require.NoError(t, err)

	f.router.now = func() time.Time { return routeStart.Add(48 * time.Hour) }
	freshID := f.invoice("4000", ap.StatusMatched)
	fresh, err := f.router.Start(ctx, RouteInput{InvoiceID: freshID, Match: matchResult(freshID, matching.StatusMatched), FraudScore: 0.1, ActorID: clerk})
	require.NoError(t, err)

	sweep := routeStart.Add(73 * time.Hour)
	report, err := f.router.Escalate(ctx, sweep)
	require.NoError(t, err)
	require.Equal(t, EscalationReport{Overdue: 1, Reassigned: 1}, report)
	require.Equal(t, 1, f.metrics.escalations)

	task, err := f.router.Task(ctx, route.Task.ID)
	require.NoError(t, err)
	require.Equal(t, apManager, task.AssigneeID)
	require.Equal(t, TaskPartiallyApproved, task.Status)
	require.NotNil(t, task.EscalatedAt)
	require.Equal(t, ap.StatusPartiallyApproved, f.repo.invoiceStatus(overdueID))

	untouched, err := f.router.Task(ctx, fresh.Task.ID)
	require.NoError(t, err)
	require.Nil(t, untouched.EscalatedAt)

	report, err = f.router.Escalate(ctx, sweep)
	require.NoError(t, err)
	require.Zero(t, report.Reassigned)
	require.Contains(t, f.repo.auditActions(), shared.AuditTaskEscalated)

	other := NewRedisLocker(rdb)
	lease, err := other.Obtain(ctx, shared.EscalationSweepLockKey(), time.Minute)
	require.NoError(t, err)
	_, err = f.router.Escalate(ctx, sweep)
	require.ErrorIs(t, err, ErrLockHeld)
	require.NoError(t, lease.Release(ctx))
}

func TestEscalateSkipsWhenNoFallbackApprover(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.invoice("4000", ap.StatusMatched)
	route, err := f.router.Start(ctx, RouteInput{InvoiceID: id, Match: matchResult(id, matching.StatusMatched), FraudScore: 0.1, ActorID: clerk})
	require.NoError(t, err)

	f.router.directory = &fakeDirectory{members: map[string][]uuid.UUID{"APPROVER": {approver1}}}
	report, err := f.router.Escalate(ctx, routeStart.Add(100*time.Hour))
	require.ErrorIs(t, err, shared.ErrPolicyViolation)
	require.Equal(t, 1, report.Skipped)

	task, err := f.router.Task(ctx, route.Task.ID)
	require.NoError(t, err)
	require.Equal(t, approver1, task.AssigneeID)
	require.Nil(t, task.EscalatedAt)
}
