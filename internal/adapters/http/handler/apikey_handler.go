package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chanlink/internal/core/apikey"
	"chanlink/pkg/errors"
	"chanlink/platform/logger"
)

// APIKeyHandler manages key issuance and revocation.
type APIKeyHandler struct {
	service *apikey.Service
	log     *logger.Logger
}

func NewAPIKeyHandler(service *apikey.Service, log *logger.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		service: service,
		log:     log.WithModule("apikey-handler"),
	}
}

type generateKeyRequest struct {
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

type updatePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// Generate issues a new key. The plaintext appears in this response and
// nowhere else.
func (h *APIKeyHandler) Generate(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "apikeys:write")
	if !ok {
		return
	}

	var req generateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}

	plaintext, created, err := h.service.Generate(r.Context(), key.CompanyID, req.Name, req.Permissions, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":     created,
		"apiKey":  plaintext,
		"warning": "Store this key now. It cannot be retrieved again.",
	})
}

func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "apikeys:read")
	if !ok {
		return
	}

	keys, err := h.service.List(r.Context(), key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"total": len(keys),
	})
}

func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "apikeys:write")
	if !ok {
		return
	}

	id, err := h.ownedKeyID(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.service.Revoke(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"revoked": true,
	})
}

func (h *APIKeyHandler) UpdatePermissions(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "apikeys:write")
	if !ok {
		return
	}

	id, err := h.ownedKeyID(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updatePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}
	if len(req.Permissions) == 0 {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, "permissions must not be empty"))
		return
	}

	updated, err := h.service.UpdatePermissions(r.Context(), id, req.Permissions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Usage reports the aggregate audit trail for one of the caller's keys.
func (h *APIKeyHandler) Usage(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "apikeys:read")
	if !ok {
		return
	}

	id, err := h.ownedKeyID(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := h.service.Usage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ownedKeyID parses the path id and verifies it belongs to the caller's
// company. Foreign keys look like they do not exist.
func (h *APIKeyHandler) ownedKeyID(r *http.Request, companyID int) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		return uuid.Nil, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, "invalid key id")
	}

	keys, err := h.service.List(r.Context(), companyID)
	if err != nil {
		return uuid.Nil, err
	}
	for _, k := range keys {
		if k.ID == id {
			return id, nil
		}
	}
	return uuid.Nil, errors.ErrAPIKeyNotFound
}
