package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chanlink/internal/core/webhook"
	"chanlink/platform/database"
	"chanlink/platform/logger"
)

// WebhookRepository persists webhook registrations for warm-up at startup.
type WebhookRepository struct {
	db  *database.Database
	log *logger.Logger
}

func NewWebhookRepository(db *database.Database, log *logger.Logger) *WebhookRepository {
	return &WebhookRepository{
		db:  db,
		log: log.WithModule("webhook-repository"),
	}
}

type webhookModel struct {
	ID           string       `db:"id"`
	CompanyID    int          `db:"companyId"`
	Name         string       `db:"name"`
	URL          string       `db:"url"`
	Secret       string       `db:"secret"`
	Events       []byte       `db:"events"`
	Headers      []byte       `db:"headers"`
	Active       bool         `db:"active"`
	FailureCount int          `db:"failureCount"`
	LastSuccess  sql.NullTime `db:"lastSuccess"`
	LastFailure  sql.NullTime `db:"lastFailure"`
	CreatedAt    time.Time    `db:"createdAt"`
	UpdatedAt    time.Time    `db:"updatedAt"`
}

func (r *WebhookRepository) Save(ctx context.Context, cfg *webhook.Config) error {
	model, err := fromWebhookEntity(cfg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO "webhookSubscriptions" (
			"id", "companyId", "name", "url", "secret", "events", "headers",
			"active", "failureCount", "lastSuccess", "lastFailure", "createdAt", "updatedAt"
		) VALUES (
			:id, :companyId, :name, :url, :secret, :events, :headers,
			:active, :failureCount, :lastSuccess, :lastFailure, :createdAt, :updatedAt
		)
		ON CONFLICT ("id") DO UPDATE SET
			"name" = EXCLUDED."name",
			"url" = EXCLUDED."url",
			"secret" = EXCLUDED."secret",
			"events" = EXCLUDED."events",
			"headers" = EXCLUDED."headers",
			"active" = EXCLUDED."active",
			"failureCount" = EXCLUDED."failureCount",
			"updatedAt" = NOW()
	`
	if _, err := r.db.NamedExecContext(ctx, query, model); err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}
	return nil
}

func (r *WebhookRepository) List(ctx context.Context) ([]*webhook.Config, error) {
	var models []webhookModel
	if err := r.db.SelectContext(ctx, &models, `SELECT * FROM "webhookSubscriptions"`); err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}

	configs := make([]*webhook.Config, 0, len(models))
	for i := range models {
		cfg, err := toWebhookEntity(&models[i])
		if err != nil {
			r.log.WarnWithFields("Skipping undecodable webhook", map[string]interface{}{
				"webhook_id": models[i].ID,
				"error":      err.Error(),
			})
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (r *WebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM "webhookSubscriptions" WHERE "id" = $1`, id.String()); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

func (r *WebhookRepository) UpdateStats(ctx context.Context, cfg *webhook.Config) error {
	var lastSuccess, lastFailure sql.NullTime
	if cfg.LastSuccess != nil {
		lastSuccess = sql.NullTime{Time: *cfg.LastSuccess, Valid: true}
	}
	if cfg.LastFailure != nil {
		lastFailure = sql.NullTime{Time: *cfg.LastFailure, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE "webhookSubscriptions"
		 SET "active" = $2, "failureCount" = $3, "lastSuccess" = $4, "lastFailure" = $5, "updatedAt" = NOW()
		 WHERE "id" = $1`,
		cfg.ID.String(), cfg.Active, cfg.FailureCount, lastSuccess, lastFailure)
	if err != nil {
		return fmt.Errorf("failed to update webhook stats: %w", err)
	}
	return nil
}

func fromWebhookEntity(cfg *webhook.Config) (*webhookModel, error) {
	events, err := json.Marshal(cfg.Events)
	if err != nil {
		return nil, err
	}
	headers, err := json.Marshal(cfg.Headers)
	if err != nil {
		return nil, err
	}

	model := &webhookModel{
		ID:           cfg.ID.String(),
		CompanyID:    cfg.CompanyID,
		Name:         cfg.Name,
		URL:          cfg.URL,
		Secret:       cfg.Secret,
		Events:       events,
		Headers:      headers,
		Active:       cfg.Active,
		FailureCount: cfg.FailureCount,
		CreatedAt:    cfg.CreatedAt,
		UpdatedAt:    cfg.UpdatedAt,
	}
	if cfg.LastSuccess != nil {
		model.LastSuccess = sql.NullTime{Time: *cfg.LastSuccess, Valid: true}
	}
	if cfg.LastFailure != nil {
		model.LastFailure = sql.NullTime{Time: *cfg.LastFailure, Valid: true}
	}
	return model, nil
}

func toWebhookEntity(model *webhookModel) (*webhook.Config, error) {
	id, err := uuid.Parse(model.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook id: %w", err)
	}

	var events []string
	if err := json.Unmarshal(model.Events, &events); err != nil {
		return nil, fmt.Errorf("invalid events document: %w", err)
	}
	var headers map[string]string
	if len(model.Headers) > 0 {
		if err := json.Unmarshal(model.Headers, &headers); err != nil {
			return nil, fmt.Errorf("invalid headers document: %w", err)
		}
	}

	cfg := &webhook.Config{
		ID:           id,
		CompanyID:    model.CompanyID,
		Name:         model.Name,
		URL:          model.URL,
		Secret:       model.Secret,
		Events:       events,
		Headers:      headers,
		Active:       model.Active,
		FailureCount: model.FailureCount,
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
	if model.LastSuccess.Valid {
		t := model.LastSuccess.Time
		cfg.LastSuccess = &t
	}
	if model.LastFailure.Valid {
		t := model.LastFailure.Time
		cfg.LastFailure = &t
	}
	return cfg, nil
}
