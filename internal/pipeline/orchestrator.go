package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/approval"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/fraud"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/matching"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/recurring"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

const processLockTTL = 2 * time.Minute

var tracer = otel.Tracer("github.com/shenxingy/ai-ap-manager-sub001/internal/pipeline")

// Invoices exposes the invoice lifecycle steps the pipeline drives.
type Invoices interface {
	GetInvoice(ctx context.Context, id uuid.UUID) (ap.Invoice, error)
	BeginMatching(ctx context.Context, id, actorID uuid.UUID) (ap.Invoice, error)
}

// Matcher reconciles an invoice against its purchase order and receipts.
type Matcher interface {
	Match(ctx context.Context, invoiceID, actorID uuid.UUID) (matching.Result, error)
	Rerun(ctx context.Context, invoiceID, actorID uuid.UUID) (matching.Result, error)
	Latest(ctx context.Context, invoiceID uuid.UUID) (matching.Result, error)
}

// Scorer computes the invoice fraud score.
type Scorer interface {
	Score(ctx context.Context, invoiceID, actorID uuid.UUID) (fraud.Outcome, error)
}

// RecurringChecker compares the invoice with its vendor's pattern.
type RecurringChecker interface {
	Check(ctx context.Context, invoiceID, actorID uuid.UUID) (recurring.Check, error)
}

// Router opens the approval workflow.
type Router interface {
	Start(ctx context.Context, in approval.RouteInput) (approval.Route, error)
}

// Outcome collects what each stage produced for one invoice.
type Outcome struct {
	InvoiceID uuid.UUID       `json:"invoice_id"`
	Match     matching.Result `json:"match"`
	Fraud     fraud.Outcome   `json:"fraud"`
	Recurring recurring.Check `json:"recurring"`
	Route     approval.Route  `json:"route"`
}

// Orchestrator runs an invoice through matching, scoring and routing.
type Orchestrator struct {
	invoices  Invoices
	matcher   Matcher
	scorer    Scorer
	recurring RecurringChecker
	router    Router
	locker    approval.Locker
	logger    *slog.Logger
}

// NewOrchestrator wires the pipeline stages. A nil locker disables the
// per-invoice lease.
func NewOrchestrator(invoices Invoices, matcher Matcher, scorer Scorer, rec RecurringChecker, router Router, locker approval.Locker, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		invoices:  invoices,
		matcher:   matcher,
		scorer:    scorer,
		recurring: rec,
		router:    router,
		locker:    locker,
		logger:    logger,
	}
}

// Process matches, scores and checks the invoice concurrently, then starts
// routing once all three have finished. Only one run per invoice proceeds at
// a time; a concurrent run gets approval.ErrLockHeld.
func (o *Orchestrator) Process(ctx context.Context, invoiceID, actorID uuid.UUID) (out Outcome, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Process", trace.WithAttributes(
		attribute.String("invoice.id", invoiceID.String()),
	))
	defer func() { endSpan(span, err) }()

	if invoiceID == uuid.Nil {
		return Outcome{}, shared.Validation("pipeline.Process", "invoice id is required")
	}
	release, err := o.lock(ctx, invoiceID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()
	return o.process(ctx, span, invoiceID, actorID)
}

// Rematch re-runs an invoice under the same lease as Process. An invoice that
// has not reached approval goes through the full pipeline again, so a match
// that now passes is routed. Later statuses only get a diagnostic match.
func (o *Orchestrator) Rematch(ctx context.Context, invoiceID, actorID uuid.UUID) (out Outcome, err error) {
	const op = "pipeline.Rematch"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("invoice.id", invoiceID.String()),
	))
	defer func() { endSpan(span, err) }()

	if invoiceID == uuid.Nil {
		return Outcome{}, shared.Validation(op, "invoice id is required")
	}
	release, err := o.lock(ctx, invoiceID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	inv, err := o.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Outcome{}, err
	}
	if inv.Status.PreApproval() {
		return o.process(ctx, span, invoiceID, actorID)
	}
	res, err := o.matcher.Rerun(ctx, invoiceID, actorID)
	if err != nil {
		return Outcome{}, err
	}
	o.logger.Info("diagnostic rematch recorded",
		slog.String("invoice_id", invoiceID.String()),
		slog.String("status", string(inv.Status)),
		slog.String("match_status", string(res.Status)),
	)
	return Outcome{InvoiceID: invoiceID, Match: res}, nil
}

func (o *Orchestrator) process(ctx context.Context, span trace.Span, invoiceID, actorID uuid.UUID) (Outcome, error) {
	if _, err := o.invoices.BeginMatching(ctx, invoiceID, actorID); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	out.InvoiceID = invoiceID
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := stage(gctx, "pipeline.match", func(ctx context.Context) (matching.Result, error) {
			return o.matcher.Match(ctx, invoiceID, actorID)
		})
		out.Match = res
		return err
	})
	g.Go(func() error {
		res, err := stage(gctx, "pipeline.fraud", func(ctx context.Context) (fraud.Outcome, error) {
			return o.scorer.Score(ctx, invoiceID, actorID)
		})
		out.Fraud = res
		return err
	})
	g.Go(func() error {
		res, err := stage(gctx, "pipeline.recurring", func(ctx context.Context) (recurring.Check, error) {
			return o.recurring.Check(ctx, invoiceID, actorID)
		})
		out.Recurring = res
		return err
	})
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	route, err := stage(ctx, "pipeline.route", func(ctx context.Context) (approval.Route, error) {
		return o.router.Start(ctx, approval.RouteInput{
			InvoiceID:  invoiceID,
			Match:      out.Match,
			FraudScore: out.Fraud.Score,
			Recurring:  out.Recurring,
			ActorID:    actorID,
		})
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Route = route

	span.SetAttributes(
		attribute.String("match.status", string(out.Match.Status)),
		attribute.Float64("fraud.score", out.Fraud.Score),
		attribute.String("invoice.status", string(route.Status)),
	)
	o.logger.Info("invoice processed",
		slog.String("invoice_id", invoiceID.String()),
		slog.String("match_status", string(out.Match.Status)),
		slog.Float64("fraud_score", out.Fraud.Score),
		slog.Bool("recurring", out.Recurring.IsRecurring),
		slog.String("status", string(route.Status)),
		slog.Bool("auto_approved", route.AutoApproved),
	)
	return out, nil
}

// ResolveException records a reviewer's sign-off on an exception and routes
// the invoice using its latest match result and stored fraud score.
func (o *Orchestrator) ResolveException(ctx context.Context, invoiceID, actorID uuid.UUID, note string) (route approval.Route, err error) {
	const op = "pipeline.ResolveException"
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("invoice.id", invoiceID.String()),
	))
	defer func() { endSpan(span, err) }()

	if invoiceID == uuid.Nil || actorID == uuid.Nil {
		return approval.Route{}, shared.Validation(op, "invoice and actor are required")
	}
	release, err := o.lock(ctx, invoiceID)
	if err != nil {
		return approval.Route{}, err
	}
	defer release()

	inv, err := o.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return approval.Route{}, err
	}
	if inv.Status != ap.StatusException {
		return approval.Route{}, shared.Conflict(op, "invoice %s is %s, not exception", invoiceID, inv.Status)
	}
	if inv.FraudScore == nil {
		return approval.Route{}, shared.Conflict(op, "invoice %s has not been scored", invoiceID)
	}
	latest, err := o.matcher.Latest(ctx, invoiceID)
	if err != nil {
		return approval.Route{}, err
	}
	check, err := o.recurring.Check(ctx, invoiceID, actorID)
	if err != nil {
		return approval.Route{}, err
	}
	route, err = o.router.Start(ctx, approval.RouteInput{
		InvoiceID:  invoiceID,
		Match:      latest,
		FraudScore: *inv.FraudScore,
		Recurring:  check,
		ActorID:    actorID,
		Reviewed:   true,
		Note:       note,
	})
	if err != nil {
		return approval.Route{}, err
	}
	o.logger.Info("exception resolved",
		slog.String("invoice_id", invoiceID.String()),
		slog.String("actor_id", actorID.String()),
		slog.String("status", string(route.Status)),
	)
	return route, nil
}

func (o *Orchestrator) lock(ctx context.Context, invoiceID uuid.UUID) (func(), error) {
	if o.locker == nil {
		return func() {}, nil
	}
	lease, err := o.locker.Obtain(ctx, shared.InvoiceProcessLockKey(invoiceID), processLockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("release invoice lock", slog.String("invoice_id", invoiceID.String()), slog.Any("error", err))
		}
	}, nil
}

func stage[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	out, err := fn(ctx)
	endSpan(span, err)
	return out, err
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, approval.ErrLockHeld) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
