package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/platform/httpx"
	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// Middleware wires role checks for HTTP handlers.
type Middleware struct {
	Directory *Directory
	Logger    *slog.Logger
}

// RequireAny ensures the acting user holds at least one of roles.
func (m Middleware) RequireAny(roles ...string) func(http.Handler) http.Handler {
	normalized := normalizeRoles(roles)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			granted, err := m.Directory.Roles(r.Context(), actor)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac require any", slog.Any("error", err))
				}
				httpx.RespondError(w, err)
				return
			}
			if hasAnyRole(granted, normalized) {
				next.ServeHTTP(w, r)
				return
			}
			httpx.Problem(w, http.StatusForbidden, http.StatusText(http.StatusForbidden), "requires one of the roles "+strings.Join(normalized, ", "))
		})
	}
}
