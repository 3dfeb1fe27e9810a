package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"chanlink/internal/core/eventbus"
	"chanlink/pkg/errors"
	"chanlink/platform/logger"
)

// EventsHandler exposes the event bus over HTTP: publishing, history and
// queue control.
type EventsHandler struct {
	bus *eventbus.Bus
	log *logger.Logger
}

func NewEventsHandler(bus *eventbus.Bus, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		bus: bus,
		log: log.WithModule("events-handler"),
	}
}

type publishEventRequest struct {
	Event          string                 `json:"event"`
	Data           map[string]interface{} `json:"data"`
	CorrelationID  string                 `json:"correlationId"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Priority       int                    `json:"priority"`
}

type publishBatchRequest struct {
	Events []publishEventRequest `json:"events"`
}

func (h *EventsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "events:publish")
	if !ok {
		return
	}

	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}

	id, err := h.bus.PublishEvent(r.Context(), req.Event, key.CompanyID, req.Data, eventbus.Options{
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
	})
	if err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"duplicate": true,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"eventId": id,
	})
}

func (h *EventsHandler) PublishBatch(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "events:publish")
	if !ok {
		return
	}

	var req publishBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, err.Error()))
		return
	}
	if len(req.Events) == 0 {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, "events must not be empty"))
		return
	}

	entries := make([]eventbus.Publication, 0, len(req.Events))
	for _, e := range req.Events {
		entries = append(entries, eventbus.Publication{
			Event:     e.Event,
			CompanyID: key.CompanyID,
			Data:      e.Data,
			Options: eventbus.Options{
				CorrelationID:  e.CorrelationID,
				IdempotencyKey: e.IdempotencyKey,
				Priority:       e.Priority,
			},
		})
	}

	ids, err := h.bus.PublishBatch(r.Context(), entries)
	if err != nil {
		writeJSON(w, http.StatusMultiStatus, map[string]interface{}{
			"eventIds":  ids,
			"published": len(ids),
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"eventIds":  ids,
		"published": len(ids),
	})
}

func (h *EventsHandler) History(w http.ResponseWriter, r *http.Request) {
	key, ok := authorize(w, r, "events:read")
	if !ok {
		return
	}

	event := r.URL.Query().Get("event")
	if event == "" {
		writeError(w, errors.NewWithDetails(errors.ErrBadRequest.Code, errors.ErrBadRequest.Message, "event query parameter is required"))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries := h.bus.History(event, key.CompanyID, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": entries,
		"total":  len(entries),
	})
}

func (h *EventsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "events:read"); !ok {
		return
	}

	stats, err := h.bus.QueueStats(r.Context())
	if err != nil {
		writeError(w, errors.ErrEventBusUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Failed lists events whose processing exhausted every retry.
func (h *EventsHandler) Failed(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "events:read"); !ok {
		return
	}

	jobs := h.bus.FailedJobs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

func (h *EventsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "events:admin"); !ok {
		return
	}

	h.bus.Pause()
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": true})
}

func (h *EventsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "events:admin"); !ok {
		return
	}

	h.bus.Resume()
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": false})
}

func (h *EventsHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if _, ok := authorize(w, r, "events:admin"); !ok {
		return
	}

	if err := h.bus.ClearQueue(r.Context()); err != nil {
		writeError(w, errors.ErrEventBusUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}
