package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/approval"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/audit"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/fraud"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/matching"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/observability"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/pipeline"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/procurement"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/rbac"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/recurring"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/tolerance"
)

// Services bundles the domain services shared by the API server and the worker.
type Services struct {
	Invoices     *ap.Service
	Procurement  *procurement.Service
	Tolerance    *tolerance.Store
	Matching     *matching.Service
	Fraud        *fraud.Service
	Recurring    *recurring.Service
	Directory    *rbac.Directory
	Approval     *approval.Router
	Audit        *audit.Service
	Orchestrator *pipeline.Orchestrator
	Locker       *approval.RedisLocker
}

// NewServices wires repositories and services over the shared pool and Redis client.
func NewServices(cfg *Config, pool *pgxpool.Pool, rdb *redis.Client, metrics *observability.Metrics, logger *slog.Logger) *Services {
	invoices := ap.NewService(ap.NewRepository(pool), logger)
	proc := procurement.NewService(procurement.NewRepository(pool))
	tol := tolerance.NewStore(tolerance.NewRepository(pool), tolerance.NewVersionClock(rdb), logger)
	locker := approval.NewRedisLocker(rdb)
	directory := rbac.NewDirectory(rbac.NewRepository(pool), shared.NewAuditLogger(pool))

	matcher := matching.NewService(matching.NewRepository(pool), invoices, proc, tol, metrics, logger)
	scorer := fraud.NewService(fraud.NewRepository(pool), invoices, proc, fraud.NewScorer(cfg.Fraud), metrics, logger)
	rec := recurring.NewService(recurring.NewRepository(pool), invoices, cfg.Recurring, logger)
	router := approval.NewRouter(approval.NewRepository(pool), directory, tol, locker, cfg.Approval, metrics, logger)

	return &Services{
		Invoices:     invoices,
		Procurement:  proc,
		Tolerance:    tol,
		Matching:     matcher,
		Fraud:        scorer,
		Recurring:    rec,
		Directory:    directory,
		Approval:     router,
		Audit:        audit.NewService(audit.NewRepository(pool)),
		Orchestrator: pipeline.NewOrchestrator(invoices, matcher, scorer, rec, router, locker, logger),
		Locker:       locker,
	}
}
