package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shenxingy/ai-ap-manager-sub001/cmd/apcore/cli"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/app"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/approval"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/audit"
	audithttp "github.com/shenxingy/ai-ap-manager-sub001/internal/audit/http"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/fraud"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/matching"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/observability"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/pipeline"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/cache"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/db"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/procurement"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/rbac"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/recurring"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/tolerance"
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
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		cmd := cli.NewJobsCommand(func() *cli.JobsCLI { return cli.NewJobsCLI(redisOpts) })
		cmd.SetArgs(os.Args[2:])
		if err := cmd.ExecuteContext(ctx); err != nil {
			os.Exit(1)
		}
		return
	}

	logger := app.NewLogger(cfg)
	if app.ConfigCheckOnly(cfg, logger, "apcore") {
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()
	services := app.NewServices(cfg, dbpool, redisClient, metrics, logger)

	go func() {
		if err := services.Tolerance.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("tolerance watch stopped", slog.Any("error", err))
		}
	}()

	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	rbacMiddleware := rbac.Middleware{Directory: services.Directory, Logger: logger}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		InvoiceHandler:     ap.NewHandler(logger, services.Invoices),
		MatchingHandler:    matching.NewHandler(logger, services.Matching),
		FraudHandler:       fraud.NewHandler(logger, services.Fraud),
		RecurringHandler:   recurring.NewHandler(logger, services.Recurring),
		PipelineHandler:    pipeline.NewHandler(logger, services.Orchestrator, jobClient, shared.NewIdempotencyStore(dbpool)),
		ApprovalHandler:    approval.NewHandler(logger, services.Approval, rbacMiddleware),
		AuditHandler:       audithttp.NewHandler(logger, services.Audit, audit.NewExporter()),
		ProcurementHandler: procurement.NewHandler(logger, services.Procurement),
		DirectoryHandler:   rbac.NewHandler(logger, services.Directory, rbacMiddleware, cfg.Approval.AdminRole),
		ToleranceHandler:   tolerance.NewHandler(logger, services.Tolerance),
		JobHandler:         jobs.NewHandler(inspector, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
