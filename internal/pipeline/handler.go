package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/approval"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/httpx"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

const (
	idempotencyHeader = "Idempotency-Key"
	processScope      = "invoice:process"
)

// Enqueuer hands invoices to the background worker.
type Enqueuer interface {
	EnqueueProcess(ctx context.Context, invoiceID, actorID uuid.UUID) (string, error)
	EnqueueRematch(ctx context.Context, invoiceID, actorID uuid.UUID) (string, error)
}

// Idempotency records request keys so a retried request is not enqueued twice.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Delete(ctx context.Context, key, scope string) error
}

// ResolveInput carries the reviewer's note on an exception.
type ResolveInput struct {
	Note string `json:"note" validate:"required,max=2048"`
}

// Handler exposes pipeline triggers under /api/invoices.
type Handler struct {
	logger       *slog.Logger
	orchestrator *Orchestrator
	enqueuer     Enqueuer
	idempotency  Idempotency
}

// NewHandler builds the pipeline handler. A nil idempotency store accepts
// every request.
func NewHandler(logger *slog.Logger, orchestrator *Orchestrator, enqueuer Enqueuer, idempotency Idempotency) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, orchestrator: orchestrator, enqueuer: enqueuer, idempotency: idempotency}
}

// MountInvoiceRoutes registers routes under /api/invoices.
func (h *Handler) MountInvoiceRoutes(r chi.Router) {
	r.Post("/{id}/process", h.process)
	r.Post("/{id}/rematch", h.rematch)
	r.Post("/{id}/exception/resolve", h.resolve)
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
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
	if h.enqueuer == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, processScope); err != nil {
			if errors.Is(err, shared.ErrConflict) {
				httpx.Problem(w, http.StatusConflict, http.StatusText(http.StatusConflict), "request with this idempotency key was already accepted")
				return
			}
			h.logger.Error("idempotency check", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}

	taskID, err := h.enqueuer.EnqueueProcess(r.Context(), id, actor)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if derr := h.idempotency.Delete(context.WithoutCancel(r.Context()), key, processScope); derr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", derr))
			}
		}
		h.logger.Error("enqueue invoice processing", slog.String("invoice_id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"invoice_id": id, "task_id": taskID})
}

func (h *Handler) rematch(w http.ResponseWriter, r *http.Request) {
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
	if h.enqueuer == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	taskID, err := h.enqueuer.EnqueueRematch(r.Context(), id, actor)
	if err != nil {
		h.logger.Error("enqueue rematch", slog.String("invoice_id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"invoice_id": id, "task_id": taskID})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
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
	var in ResolveInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := shared.ValidateStruct("pipeline.resolve", in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	route, err := h.orchestrator.ResolveException(r.Context(), id, actor, in.Note)
	if errors.Is(err, approval.ErrLockHeld) {
		httpx.Problem(w, http.StatusConflict, http.StatusText(http.StatusConflict), "invoice is being processed")
		return
	}
	if err != nil {
		h.logger.Warn("resolve exception", slog.String("invoice_id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, route)
}
