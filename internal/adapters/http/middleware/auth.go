package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"chanlink/internal/core/apikey"
	"chanlink/pkg/errors"
	"chanlink/platform/logger"
)

type contextKey string

const keyContextKey contextKey = "api_key"

// APIKeyAuth validates requests against the key service. Health checks
// and inbound provider webhooks stay public; the latter are authenticated
// by their own verify tokens.
func APIKeyAuth(svc *apikey.Service, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path

			if isPublicRoute(path) {
				next.ServeHTTP(w, r)
				return
			}

			plaintext := extractAPIKey(r)
			if plaintext == "" {
				log.WarnWithFields("Missing API key", map[string]interface{}{
					"path":   path,
					"method": r.Method,
					"ip":     getClientIP(r),
				})
				writeAuthError(w, errors.ErrMissingAPIKey, "API key is required. Provide it via Authorization header or X-API-Key header")
				return
			}

			key, err := svc.Validate(r.Context(), plaintext, apikey.RequestInfo{
				Endpoint: path,
				Method:   r.Method,
				IP:       getClientIP(r),
			})
			if err != nil {
				log.WarnWithFields("API key rejected", map[string]interface{}{
					"path":    path,
					"method":  r.Method,
					"ip":      getClientIP(r),
					"api_key": apikey.MaskKey(plaintext),
				})
				appErr := errors.GetAppError(err)
				writeAuthError(w, appErr, appErr.Message)
				return
			}

			remaining, reset := svc.RateStatus(key.ID)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

			ctx := context.WithValue(r.Context(), keyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyFromContext returns the authenticated key, or nil on public routes.
func KeyFromContext(ctx context.Context) *apikey.Key {
	if key, ok := ctx.Value(keyContextKey).(*apikey.Key); ok {
		return key
	}
	return nil
}

func isPublicRoute(path string) bool {
	return strings.HasPrefix(path, "/health") ||
		strings.HasPrefix(path, "/channels/inbound/")
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func writeAuthError(w http.ResponseWriter, appErr *errors.AppError, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   http.StatusText(appErr.Code),
		"message": message,
		"code":    appErr.Code,
	})
}
