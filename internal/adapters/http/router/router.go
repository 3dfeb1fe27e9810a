package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chanlink/internal/adapters/http/handler"
	"chanlink/internal/adapters/http/middleware"
	"chanlink/internal/adapters/ws"
	"chanlink/internal/core/apikey"
	"chanlink/internal/core/channel"
	"chanlink/internal/core/eventbus"
	"chanlink/internal/core/webhook"
	"chanlink/platform/config"
	"chanlink/platform/database"
	"chanlink/platform/logger"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Manager  *channel.Manager
	Bus      *eventbus.Bus
	Webhooks *webhook.Service
	APIKeys  *apikey.Service
	Hub      *ws.Hub
	DB       *database.Database
}

// SetupRoutes wires middlewares, handlers and the WebSocket endpoint.
func SetupRoutes(cfg *config.Config, log *logger.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	setupMiddlewares(r, deps.APIKeys, log)
	setupHealthRoutes(r, deps.DB)

	channels := handler.NewChannelHandler(deps.Manager, log)
	webhooks := handler.NewWebhookHandler(deps.Webhooks, log)
	keys := handler.NewAPIKeyHandler(deps.APIKeys, log)
	events := handler.NewEventsHandler(deps.Bus, log)

	r.Route("/channels", func(r chi.Router) {
		r.Get("/active", channels.Active)

		r.Route("/connections", func(r chi.Router) {
			r.Post("/", channels.Create)
			r.Get("/", channels.List)

			r.Route("/{connectionID}", func(r chi.Router) {
				r.Get("/", channels.Get)
				r.Put("/", channels.Update)
				r.Delete("/", channels.Delete)
				r.Post("/connect", channels.Connect)
				r.Post("/disconnect", channels.Disconnect)
				r.Post("/reconnect", channels.Reconnect)
				r.Post("/messages", channels.SendMessage)
			})
		})

		// Provider callbacks are public; each connection authenticates
		// them with its own verify token or signature.
		r.Route("/inbound/{connectionID}", func(r chi.Router) {
			r.Get("/", channels.VerifyInbound)
			r.Post("/", channels.ReceiveInbound)
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/", webhooks.Register)
		r.Get("/", webhooks.List)

		r.Route("/{webhookID}", func(r chi.Router) {
			r.Get("/", webhooks.Get)
			r.Put("/", webhooks.Update)
			r.Delete("/", webhooks.Delete)
			r.Post("/test", webhooks.Test)
			r.Get("/deliveries", webhooks.Deliveries)
			r.Get("/stats", webhooks.Stats)
		})
	})

	r.Route("/apikeys", func(r chi.Router) {
		r.Post("/", keys.Generate)
		r.Get("/", keys.List)
		r.Delete("/{keyID}", keys.Revoke)
		r.Put("/{keyID}/permissions", keys.UpdatePermissions)
		r.Get("/{keyID}/usage", keys.Usage)
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/", events.Publish)
		r.Post("/batch", events.PublishBatch)
		r.Get("/history", events.History)
		r.Get("/stats", events.Stats)
		r.Get("/failed", events.Failed)
		r.Post("/pause", events.Pause)
		r.Post("/resume", events.Resume)
		r.Delete("/queue", events.ClearQueue)
	})

	r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
		key := middleware.KeyFromContext(req.Context())
		if key == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		deps.Hub.Handle(w, req, key.CompanyID)
	})

	return r
}

func setupHealthRoutes(r *chi.Mux, db *database.Database) {
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"chanlink","version":"1.0.0"}`))
	})

	r.Get("/health/db", func(w http.ResponseWriter, req *http.Request) {
		check := db.PerformHealthCheck(req.Context())

		w.Header().Set("Content-Type", "application/json")
		if check.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(check)
	})
}
