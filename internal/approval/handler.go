package approval

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/httpx"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/rbac"
)

// Handler exposes approval chains, decisions and the approval matrix.
type Handler struct {
	logger *slog.Logger
	router *Router
	rbac   rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, router *Router, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, router: router, rbac: rbac}
}

// MountInvoiceRoutes registers routes under /api/invoices.
func (h *Handler) MountInvoiceRoutes(r chi.Router) {
	r.Get("/{id}/approvals", h.chain)
}

// MountRoutes registers routes under /api.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/approval-tasks/{id}", h.task)
	r.Post("/approval-tasks/{id}/decision", h.decide)
	r.Get("/approval-rules", h.rules)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(h.router.Policy().AdminRole))
		r.Post("/approval-rules", h.addRule)
		r.Delete("/approval-rules/{id}", h.deactivateRule)
		r.Post("/approval-tasks/escalate", h.escalate)
	})
}

func (h *Handler) chain(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.router.ChainView(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) task(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	task, err := h.router.Task(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, task)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in DecisionInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in.TaskID = id
	in.ActorID = actor
	out, err := h.router.Decide(r.Context(), in)
	if err != nil {
		h.logger.Warn("decide approval task", slog.String("task_id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) rules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.router.Rules(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *Handler) addRule(w http.ResponseWriter, r *http.Request) {
	var in RuleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rule, err := h.router.AddRule(r.Context(), in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (h *Handler) deactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.router.DeactivateRule(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) escalate(w http.ResponseWriter, r *http.Request) {
	report, err := h.router.Escalate(r.Context(), h.router.now())
	if errors.Is(err, ErrLockHeld) {
		httpx.Problem(w, http.StatusConflict, http.StatusText(http.StatusConflict), "an escalation sweep is already running")
		return
	}
	if err != nil {
		h.logger.Error("escalation sweep", slog.Any("error", err))
		httpx.JSON(w, http.StatusMultiStatus, map[string]any{"report": report, "error": err.Error()})
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}
