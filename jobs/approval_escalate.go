package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/approval"
	jobmetrics "github.com/shenxingy/ai-ap-manager-sub001/internal/jobs"
)

// Escalator reassigns overdue approval tasks.
type Escalator interface {
	Escalate(ctx context.Context, now time.Time) (approval.EscalationReport, error)
}

// EscalationJob runs the approval SLA sweep.
type EscalationJob struct {
	Escalator Escalator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewEscalationJob initialises the escalation sweep handler.
func NewEscalationJob(escalator Escalator, logger *slog.Logger, metrics *jobmetrics.Metrics) *EscalationJob {
	return &EscalationJob{
		Escalator: escalator,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes TaskApprovalEscalate. A sweep already running elsewhere is
// counted as skipped, not failed.
func (j *EscalationJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Escalator == nil {
		return errors.New("approval escalate: handler not configured")
	}
	var payload EscalatePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	now := j.now()
	if payload.AsOf != nil {
		now = payload.AsOf.UTC()
	}

	logger := j.logger().With(slog.String("job", TaskApprovalEscalate), slog.Time("as_of", now))
	tracker := j.Metrics.Track(TaskApprovalEscalate)

	report, err := j.Escalator.Escalate(ctx, now)
	if errors.Is(err, approval.ErrLockHeld) {
		j.Metrics.Skip(TaskApprovalEscalate, "lock_held")
		logger.Info("escalation sweep already running")
		return nil
	}
	if err != nil {
		logger.Error("escalation sweep",
			slog.Int("overdue", report.Overdue),
			slog.Int("reassigned", report.Reassigned),
			slog.Any("error", err),
		)
		return tracker.End(err)
	}
	logger.Info("escalation sweep complete",
		slog.Int("overdue", report.Overdue),
		slog.Int("reassigned", report.Reassigned),
		slog.Int("skipped", report.Skipped),
	)
	return tracker.End(nil)
}

func (j *EscalationJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *EscalationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
