package httpx

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shenxingy/ai-ap-manager-sub001/internal/shared"
)

// UUIDParam parses a chi URL parameter as a UUID.
func UUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, shared.Validation("parse path", "%s must be a uuid", name)
	}
	return id, nil
}

// Int64Param parses a chi URL parameter as an integer.
func Int64Param(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, shared.Validation("parse path", "%s must be an integer", name)
	}
	return v, nil
}

// Actor returns the acting user placed in context by the actor middleware.
func Actor(r *http.Request) (uuid.UUID, error) {
	id, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return uuid.Nil, ErrUnauthorized
	}
	return id, nil
}
