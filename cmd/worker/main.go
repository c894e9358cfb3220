package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/app"
	jobmetrics "github.com/shenxingy/ai-ap-manager-sub001/internal/jobs"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/observability"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/cache"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/db"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
	"github.com/shenxingy/ai-ap-manager-sub001/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if app.ConfigCheckOnly(cfg, logger, "worker") {
		return
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	services := app.NewServices(cfg, pool, redisClient, observability.NewMetrics(), logger)
	go func() {
		if err := services.Tolerance.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("tolerance watch stopped", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	invoiceJob := jobs.NewInvoiceJob(services.Orchestrator, services.Orchestrator, logger, metrics)
	escalationJob := jobs.NewEscalationJob(services.Approval, logger, metrics)
	cleanupJob := &jobs.IdempotencyCleanupJob{
		Store:     shared.NewIdempotencyStore(pool),
		Retention: cfg.IdempotencyRetention,
		Logger:    logger,
		Metrics:   metrics,
	}

	escalateTask, err := jobs.NewApprovalEscalateTask()
	if err != nil {
		logger.Error("build escalation task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskInvoiceProcess, Handler: invoiceJob.HandleProcess},
			{Type: jobs.TaskInvoiceRematch, Handler: invoiceJob.HandleRematch},
			{Type: jobs.TaskApprovalEscalate, Handler: escalationJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.EscalationCron, Task: escalateTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
