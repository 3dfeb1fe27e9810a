package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chanlink/internal/core/webhook"
	"chanlink/pkg/errors"
	"chanlink/platform/logger"
)

// WebhookHandler manages outbound webhook registrations and deliveries.
type WebhookHandler struct {
	service *webhook.Service
	log     *logger.Logger
}

func NewWebhookHandler(service *webhook.Service, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		log:     log.WithModule("webhook-handler"),
	}
}

type registerWebhookRequest struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Headers map[string]string `json:"headers"`
}

type updateWebhookRequest struct {
	Name    *string            `json:"name"`
	URL     *string            `json:"url"`
	Events  *[]string          `json:"events"`
	Headers *map[string]string `json:"headers"`
	Active  *bool              `json:"active"`
}

func (h *WebhookHandler) Register(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "webhooks:write")
	if !ok {
		return
	}

	var req registerWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}

	cfg := &webhook.Config{
		CompanyID: key.CompanyID,
		Name:      req.Name,
		URL:       req.URL,
		Events:    req.Events,
		Headers:   req.Headers,
	}
	if err := h.service.Register(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	// The signing secret appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"webhook": cfg,
		"secret":  cfg.Secret,
		"warning": "Store this secret now. It cannot be retrieved again.",
	})
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "webhooks:read")
	if !ok {
		return
	}

	webhooks := h.service.List(key.CompanyID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"webhooks": webhooks,
		"total":    len(webhooks),
	})
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "webhooks:read")
	if !ok {
		return
	}

	cfg, err := h.owned(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "webhooks:write")
	if !ok {
		return
	}

	cfg, err := h.owned(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}

	updated, err := h.service.Update(r.Context(), cfg.ID, func(c *webhook.Config) {
		if req.Name != nil {
			c.Name = *req.Name
		}
		if req.URL != nil {
			c.URL = *req.URL
		}
		if req.Events != nil {
			c.Events = *req.Events
		}
		if req.Headers != nil {
			c.Headers = *req.Headers
		}
		if req.Active != nil {
			c.Active = *req.Active
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "webhooks:write")
	if !ok {
		return
	}

	cfg, err := h.owned(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.service.Delete(r.Context(), cfg.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
	})
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "webhooks:write")
	if !ok {
		return
	}

	cfg, err := h.owned(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	// The request body is optional; when present it overrides the canned
	// test payload.
	var req struct {
		Data map[string]interface{} `json:"data"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	rec, err := h.service.Test(r.Context(), cfg.ID, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "webhooks:read")
	if !ok {
		return
	}

	cfg, err := h.owned(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	deliveries := h.service.History(cfg.ID, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": deliveries,
		"total":      len(deliveries),
	})
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "webhooks:read")
	if !ok {
		return
	}

	cfg, err := h.owned(r, key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := h.service.Stats(cfg.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// owned resolves the path webhook and hides other companies' registrations
// behind a not-found.
func (h *WebhookHandler) owned(r *http.Request, companyID int) (*webhook.Config, error) {
	id, err := uuid.Parse(chi.URLParam(r, "webhookID"))
	if err != nil {
		return nil, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, "invalid webhook id")
	}
	cfg, err := h.service.Get(id)
	if err != nil {
		return nil, err
	}
	if cfg.CompanyID != companyID {
		return nil, errors.ErrWebhookNotFound
	}
	return cfg, nil
}
