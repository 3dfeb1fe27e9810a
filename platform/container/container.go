package container

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"chanlink/internal/adapters/http/router"
	"chanlink/internal/adapters/repository/postgres"
	"chanlink/internal/adapters/whatsapp"
	"chanlink/internal/adapters/ws"
	"chanlink/internal/core/apikey"
	"chanlink/internal/core/channel"
	"chanlink/internal/core/eventbus"
	"chanlink/internal/core/webhook"
	"chanlink/internal/queue"
	"chanlink/platform/config"
	"chanlink/platform/database"
	"chanlink/platform/logger"
)

// Container wires the application graph: platform pieces, queues, core
// services and the provider registry.
type Container struct {
	config   *config.Config
	logger   *logger.Logger
	database *database.Database
	redis    *redis.Client

	bus      *eventbus.Bus
	hub      *ws.Hub
	manager  *channel.Manager
	webhooks *webhook.Service
	apiKeys  *apikey.Service
}

// Config carries the pre-built platform dependencies into the container.
type Config struct {
	AppConfig *config.Config
	Logger    *logger.Logger
	Database  *database.Database
}

func New(cfg *Config) (*Container, error) {
	c := &Container{
		config:   cfg.AppConfig,
		logger:   cfg.Logger,
		database: cfg.Database,
	}
	if err := c.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize container: %w", err)
	}
	cfg.Logger.Info("Dependency injection container initialized successfully")
	return c, nil
}

func (c *Container) initialize() error {
	c.logger.Debug("Initializing container...")

	// 1. Queues. Redis when configured, in-process otherwise. The bus and
	// the webhook service each get their own queue so a webhook backlog
	// never starves event dispatch.
	var busQueue, webhookQueue queue.Queue
	if c.config.RedisEnabled() {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     c.config.Redis.Addr,
			Password: c.config.Redis.Password,
			DB:       c.config.Redis.DB,
		})
		busQueue = queue.NewRedis(c.redis, "events")
		webhookQueue = queue.NewRedis(c.redis, "webhooks")
	} else {
		busQueue = queue.NewMemory()
		webhookQueue = queue.NewMemory()
	}

	// 2. Event bus with the WebSocket hub as its synchronous sink.
	c.bus = eventbus.New(busQueue, c.config.EventBus, c.logger)
	c.hub = ws.NewHub(c.logger)
	c.bus.SetLocalSink(c.hub)

	// 3. Repositories.
	channelStore := postgres.NewChannelStore(c.database, c.logger, map[channel.Type]func(json.RawMessage) (channel.Configuration, error){
		channel.TypeWhatsAppCloud: channel.DecodeWhatsAppCloudConfig,
	})
	webhookRepo := postgres.NewWebhookRepository(c.database, c.logger)
	apiKeyRepo := postgres.NewAPIKeyRepository(c.database, c.logger)
	eventLog := postgres.NewEventLogRepository(c.database, c.logger)

	// Durable event trail. Best effort: a failed insert never fails the
	// event, only logs it.
	c.bus.SubscribeAll(func(ctx context.Context, p eventbus.Payload) error {
		if err := eventLog.Insert(ctx, p); err != nil {
			c.logger.WarnWithFields("Failed to persist event log row", map[string]interface{}{
				"event": p.Event,
				"error": err.Error(),
			})
		}
		return nil
	})

	// 4. Core services.
	c.webhooks = webhook.NewService(c.config.Webhook, webhookRepo, webhookQueue, c.bus, c.logger)
	c.apiKeys = apikey.NewService(c.config.APIKey, apiKeyRepo, c.logger)

	// 5. Channel manager and provider registry.
	c.manager = channel.NewManager(channelStore, c.bus, c.logger)
	c.manager.RegisterProvider(channel.TypeWhatsAppCloud, whatsapp.Registration(c.config.Channel, c.logger))

	c.logger.Debug("Container initialized successfully")
	return nil
}

func (c *Container) GetConfig() *config.Config {
	return c.config
}

func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

func (c *Container) GetDatabase() *database.Database {
	return c.database
}

func (c *Container) GetManager() *channel.Manager {
	return c.manager
}

func (c *Container) GetBus() *eventbus.Bus {
	return c.bus
}

func (c *Container) GetWebhookService() *webhook.Service {
	return c.webhooks
}

func (c *Container) GetAPIKeyService() *apikey.Service {
	return c.apiKeys
}

// Start brings the asynchronous components up in dependency order.
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("Starting container components...")

	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	c.bus.Start(ctx)

	if err := c.webhooks.Start(ctx); err != nil {
		return fmt.Errorf("failed to start webhook delivery: %w", err)
	}
	if err := c.apiKeys.Start(ctx); err != nil {
		return fmt.Errorf("failed to start api key service: %w", err)
	}

	c.logger.Info("Container components started successfully")
	return nil
}

// Stop shuts components down in reverse order of Start.
func (c *Container) Stop(ctx context.Context) error {
	c.logger.Info("Stopping container components...")

	c.manager.Shutdown(ctx)
	c.webhooks.Stop()
	c.bus.Close()
	c.hub.Shutdown()

	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.ErrorWithFields("Failed to close redis client", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	if err := c.database.Close(); err != nil {
		c.logger.ErrorWithFields("Failed to close database connection", map[string]interface{}{
			"error": err.Error(),
		})
	}

	c.logger.Info("Container components stopped successfully")
	return nil
}

// Handler returns the fully wired HTTP surface.
func (c *Container) Handler() http.Handler {
	return router.SetupRoutes(c.config, c.logger, router.Deps{
		Manager:  c.manager,
		Bus:      c.bus,
		Webhooks: c.webhooks,
		APIKeys:  c.apiKeys,
		Hub:      c.hub,
		DB:       c.database,
	})
}
