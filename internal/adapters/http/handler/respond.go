package handler

import (
	"encoding/json"
	"net/http"

	"chanlink/internal/adapters/http/middleware"
	"chanlink/internal/core/apikey"
	"chanlink/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	appErr := errors.GetAppError(err)
	writeJSON(w, appErr.Code, map[string]interface{}{
		"error":   appErr.Message,
		"details": appErr.Details,
		"code":    appErr.Code,
	})
}

// authorize resolves the authenticated key and checks one permission.
func authorize(w http.ResponseWriter, r *http.Request, permission string) (*apikey.Key, bool) {
	key := middleware.KeyFromContext(r.Context())
	if key == nil {
		writeError(w, errors.ErrUnauthorized)
		return nil, false
	}
	if !key.HasPermission(permission) {
		writeError(w, errors.ErrPermissionDenied)
		return nil, false
	}
	return key, true
}
