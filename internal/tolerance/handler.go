package tolerance

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/httpx"
)

// Handler exposes tolerance version management.
type Handler struct {
	logger *slog.Logger
	store  *Store
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, store *Store) *Handler {
	return &Handler{logger: logger, store: store}
}

// MountRoutes registers routes under /api/tolerance.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.createDraft)
	r.Get("/active", h.active)
	r.Get("/{version}", h.get)
	r.Post("/{version}/publish", h.publish)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	versions, err := h.store.List(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (h *Handler) active(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.Current(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	version, err := httpx.Int64Param(r, "version")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	cfg, err := h.store.Get(r.Context(), version)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input DraftInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	cfg, err := h.store.CreateDraft(r.Context(), input, actor)
	if err != nil {
		h.logger.Warn("create tolerance draft", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cfg)
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	version, err := httpx.Int64Param(r, "version")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	cfg, err := h.store.Publish(r.Context(), version, actor)
	if err != nil {
		h.logger.Warn("publish tolerance", slog.Int64("version", version), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}
