package fraud

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/httpx"
)

// Handler exposes fraud scoring.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers routes under /api/invoices.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/{id}/score", h.score)
	r.Get("/{id}/incidents", h.incidents)
}

func (h *Handler) score(w http.ResponseWriter, r *http.Request) {
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
	out, err := h.service.Score(r.Context(), id, actor)
	if err != nil {
		h.logger.Warn("score invoice", slog.String("invoice_id", id.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) incidents(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	incidents, err := h.service.Incidents(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}
