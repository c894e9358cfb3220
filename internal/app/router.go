package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/ap"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/approval"
	audithttp "github.com/shenxingy/ai-ap-manager-sub001/internal/audit/http"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/fraud"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/matching"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/observability"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/pipeline"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/procurement"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/rbac"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/recurring"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/tolerance"
	"github.com/shenxingy/ai-ap-manager-sub001/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics

	InvoiceHandler     *ap.Handler
	MatchingHandler    *matching.Handler
	FraudHandler       *fraud.Handler
	RecurringHandler   *recurring.Handler
	PipelineHandler    *pipeline.Handler
	ApprovalHandler    *approval.Handler
	AuditHandler       *audithttp.Handler
	ProcurementHandler *procurement.Handler
	DirectoryHandler   *rbac.Handler
	ToleranceHandler   *tolerance.Handler
	JobHandler         *jobs.Handler
}

// NewRouter constructs the chi.Router with the API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/invoices", func(r chi.Router) {
			if params.InvoiceHandler != nil {
				params.InvoiceHandler.MountRoutes(r)
			}
			if params.MatchingHandler != nil {
				params.MatchingHandler.MountRoutes(r)
			}
			if params.FraudHandler != nil {
				params.FraudHandler.MountRoutes(r)
			}
			if params.RecurringHandler != nil {
				params.RecurringHandler.MountRoutes(r)
			}
			if params.PipelineHandler != nil {
				params.PipelineHandler.MountInvoiceRoutes(r)
			}
			if params.ApprovalHandler != nil {
				params.ApprovalHandler.MountInvoiceRoutes(r)
			}
			if params.AuditHandler != nil {
				params.AuditHandler.MountInvoiceRoutes(r)
			}
		})
		if params.ApprovalHandler != nil {
			params.ApprovalHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
		if params.ProcurementHandler != nil {
			params.ProcurementHandler.MountRoutes(r)
		}
		if params.RecurringHandler != nil {
			params.RecurringHandler.MountVendorRoutes(r)
		}
		if params.DirectoryHandler != nil {
			r.Route("/directory", params.DirectoryHandler.MountRoutes)
		}
		if params.ToleranceHandler != nil {
			r.Route("/tolerance", params.ToleranceHandler.MountRoutes)
		}
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
