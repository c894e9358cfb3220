package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/approval"
	jobmetrics "github.com/shenxingy/ai-ap-manager-sub001/internal/jobs"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/pipeline"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/db"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Processor runs the invoice pipeline.
type Processor interface {
	Process(ctx context.Context, invoiceID, actorID uuid.UUID) (pipeline.Outcome, error)
}

// Rematcher re-runs an invoice, routing it again when it has not reached
// approval.
type Rematcher interface {
	Rematch(ctx context.Context, invoiceID, actorID uuid.UUID) (pipeline.Outcome, error)
}

// InvoiceJob handles the per-invoice pipeline and re-match tasks.
type InvoiceJob struct {
	Processor Processor
	Rematcher Rematcher
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewInvoiceJob initialises the invoice task handlers.
func NewInvoiceJob(processor Processor, rematcher Rematcher, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceJob {
	return &InvoiceJob{Processor: processor, Rematcher: rematcher, Logger: logger, Metrics: metrics}
}

// HandleProcess executes TaskInvoiceProcess.
func (j *InvoiceJob) HandleProcess(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Processor == nil {
		return errors.New("invoice process: handler not configured")
	}
	payload, err := decodeInvoicePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskInvoiceProcess)
	logger := j.logger().With(slog.String("job", TaskInvoiceProcess), slog.String("invoice_id", payload.InvoiceID.String()))

	out, err := j.Processor.Process(ctx, payload.InvoiceID, payload.ActorID)
	if errors.Is(err, approval.ErrLockHeld) {
		j.Metrics.Skip(TaskInvoiceProcess, "lock_held")
		logger.Info("invoice already in flight")
		return nil
	}
	if err != nil {
		logger.Error("process invoice", slog.Any("error", err))
		return tracker.End(permanent(err))
	}
	logger.Info("invoice routed",
		slog.String("status", string(out.Route.Status)),
		slog.Bool("auto_approved", out.Route.AutoApproved),
	)
	return tracker.End(nil)
}

// HandleRematch executes TaskInvoiceRematch.
func (j *InvoiceJob) HandleRematch(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Rematcher == nil {
		return errors.New("invoice rematch: handler not configured")
	}
	payload, err := decodeInvoicePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskInvoiceRematch)
	logger := j.logger().With(slog.String("job", TaskInvoiceRematch), slog.String("invoice_id", payload.InvoiceID.String()))

	out, err := j.Rematcher.Rematch(ctx, payload.InvoiceID, payload.ActorID)
	if errors.Is(err, approval.ErrLockHeld) {
		j.Metrics.Skip(TaskInvoiceRematch, "lock_held")
		logger.Info("invoice already in flight")
		return nil
	}
	if err != nil {
		logger.Error("rematch invoice", slog.Any("error", err))
		return tracker.End(permanent(err))
	}
	logger.Info("invoice rematched",
		slog.String("match_status", string(out.Match.Status)),
		slog.String("match_id", out.Match.ID.String()),
		slog.String("status", string(out.Route.Status)),
	)
	return tracker.End(nil)
}

func (j *InvoiceJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// permanent marks domain errors that a retry cannot fix so asynq archives the
// task instead of retrying it.
func permanent(err error) error {
	if errors.Is(err, shared.ErrValidation) || errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrPolicyViolation) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if errors.Is(err, shared.ErrConflict) && !db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
