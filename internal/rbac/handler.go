package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/httpx"
)

// Handler manages approver role membership.
type Handler struct {
	logger    *slog.Logger
	directory *Directory
	rbac      Middleware
	adminRole string
}

// NewHandler builds Handler instance. Membership writes require adminRole.
func NewHandler(logger *slog.Logger, directory *Directory, rbac Middleware, adminRole string) *Handler {
	return &Handler{logger: logger, directory: directory, rbac: rbac, adminRole: adminRole}
}

// MountRoutes registers routes under /api/directory.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/users/{id}/roles", h.userRoles)
	r.Get("/roles/{role}/members", h.members)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(h.adminRole))
		r.Put("/users/{id}/roles/{role}", h.assign)
		r.Delete("/users/{id}/roles/{role}", h.remove)
	})
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	roles, err := h.directory.Roles(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": id, "roles": roles})
}

func (h *Handler) members(w http.ResponseWriter, r *http.Request) {
	members, err := h.directory.Members(r.Context(), chi.URLParam(r, "role"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	m, err := h.directory.Assign(r.Context(), id, chi.URLParam(r, "role"))
	if err != nil {
		h.logger.Warn("assign role", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, m)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.directory.Remove(r.Context(), id, chi.URLParam(r, "role")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
