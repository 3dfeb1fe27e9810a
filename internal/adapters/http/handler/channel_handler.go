package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"chanlink/internal/core/channel"
	"chanlink/pkg/errors"
	"chanlink/platform/logger"
)

// ChannelHandler exposes connection lifecycle and messaging endpoints.
type ChannelHandler struct {
	manager *channel.Manager
	log     *logger.Logger
}

func NewChannelHandler(manager *channel.Manager, log *logger.Logger) *ChannelHandler {
	return &ChannelHandler{
		manager: manager,
		log:     log.WithModule("channel-handler"),
	}
}

type createConnectionRequest struct {
	Type          string          `json:"type"`
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration"`
}

type updateConnectionRequest struct {
	Name          string          `json:"name"`
	Configuration json.RawMessage `json:"configuration"`
}

func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "channels:write")
	if !ok {
		return
	}

	var req createConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}

	conn, err := h.manager.CreateConnection(r.Context(), key.CompanyID, channel.Type(req.Type), req.Name, req.Configuration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "channels:read")
	if !ok {
		return
	}

	conns, err := h.manager.ListConnections(r.Context(), key.CompanyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"total":       len(conns),
	})
}

func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "channels:read")
	if !ok {
		return
	}

	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.manager.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if conn.CompanyID != key.CompanyID {
		writeError(w, errors.ErrConnectionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *ChannelHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "channels:write"); !ok {
		return
	}

	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	status, err := h.manager.Connect(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connectionId": id.String(),
		"status":       status,
	})
}

func (h *ChannelHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "channels:write"); !ok {
		return
	}

	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.manager.Disconnect(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connectionId": id.String(),
		"status":       channel.StatusDisconnected,
	})
}

func (h *ChannelHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "channels:write"); !ok {
		return
	}

	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	status, err := h.manager.Reconnect(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connectionId": id.String(),
		"status":       status,
	})
}

func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "channels:write"); !ok {
		return
	}

	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}

	conn, err := h.manager.UpdateConnection(r.Context(), id, req.Name, req.Configuration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (h *ChannelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "channels:write"); !ok {
		return
	}

	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.manager.DeleteConnection(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
	})
}

func (h *ChannelHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "messages:send"); !ok {
		return
	}

	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var payload channel.MessagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}

	result, err := h.manager.SendMessage(r.Context(), id, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *ChannelHandler) Active(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "channels:read")
	if !ok {
		return
	}

	conns := h.manager.ActiveConnections(key.CompanyID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"total":       len(conns),
	})
}

// VerifyInbound answers the provider's webhook subscription handshake.
func (h *ChannelHandler) VerifyInbound(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.manager.GetConnection(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	creds, ok := conn.Configuration.(*channel.WhatsAppCloudConfig)
	if !ok {
		writeError(w, errors.ErrUnsupportedChannel)
		return
	}

	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")
	if mode != "subscribe" || token == "" || token != creds.WebhookVerifyToken {
		writeError(w, errors.ErrInvalidSignature)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// ReceiveInbound accepts a provider callback. Processing failures are
// logged and audited; the provider always gets a 200 so it stops
// re-posting payloads we already persisted.
func (h *ChannelHandler) ReceiveInbound(w http.ResponseWriter, r *http.Request) {
	id, err := connectionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errors.ErrBadRequest)
		return
	}

	if _, err := h.manager.ProcessInboundWebhook(r.Context(), id, body); err != nil {
		h.log.WarnWithFields("Inbound webhook processing failed", map[string]interface{}{
			"connection_id": id.String(),
			"error":         err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

func connectionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "connectionID"))
	if err != nil {
		return uuid.Nil, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, "invalid connection id")
	}
	return id, nil
}
