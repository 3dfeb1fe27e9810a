package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chanlink/internal/core/apikey"
	"chanlink/pkg/errors"
	"chanlink/platform/database"
	"chanlink/platform/logger"
)

// APIKeyRepository persists keys and their usage audit trail.
type APIKeyRepository struct {
	db  *database.Database
	log *logger.Logger
}

func NewAPIKeyRepository(db *database.Database, log *logger.Logger) *APIKeyRepository {
	return &APIKeyRepository{
		db:  db,
		log: log.WithModule("apikey-repository"),
	}
}

type apiKeyModel struct {
	ID          string       `db:"id"`
	CompanyID   int          `db:"companyId"`
	Name        string       `db:"name"`
	Prefix      string       `db:"prefix"`
	Hash        string       `db:"hash"`
	Permissions []byte       `db:"permissions"`
	Active      bool         `db:"active"`
	LastUsedAt  sql.NullTime `db:"lastUsedAt"`
	ExpiresAt   sql.NullTime `db:"expiresAt"`
	RevokedAt   sql.NullTime `db:"revokedAt"`
	CreatedAt   time.Time    `db:"createdAt"`
	UpdatedAt   time.Time    `db:"updatedAt"`
}

func (r *APIKeyRepository) Save(ctx context.Context, key *apikey.Key) error {
	model, err := fromKeyEntity(key)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO "apiKeys" (
			"id", "companyId", "name", "prefix", "hash", "permissions", "active",
			"lastUsedAt", "expiresAt", "revokedAt", "createdAt", "updatedAt"
		) VALUES (
			:id, :companyId, :name, :prefix, :hash, :permissions, :active,
			:lastUsedAt, :expiresAt, :revokedAt, :createdAt, :updatedAt
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, model); err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) Update(ctx context.Context, key *apikey.Key) error {
	model, err := fromKeyEntity(key)
	if err != nil {
		return err
	}

	query := `
		UPDATE "apiKeys" SET
			"name" = :name,
			"permissions" = :permissions,
			"active" = :active,
			"lastUsedAt" = :lastUsedAt,
			"expiresAt" = :expiresAt,
			"revokedAt" = :revokedAt,
			"updatedAt" = NOW()
		WHERE "id" = :id
	`
	result, err := r.db.NamedExecContext(ctx, query, model)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.ErrAPIKeyNotFound
	}
	return nil
}

func (r *APIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*apikey.Key, error) {
	var model apiKeyModel
	err := r.db.GetContext(ctx, &model, `SELECT * FROM "apiKeys" WHERE "id" = $1`, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return toKeyEntity(&model)
}

func (r *APIKeyRepository) List(ctx context.Context, companyID int) ([]*apikey.Key, error) {
	var models []apiKeyModel
	err := r.db.SelectContext(ctx, &models,
		`SELECT * FROM "apiKeys" WHERE "companyId" = $1 ORDER BY "createdAt" DESC`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return r.toEntities(models), nil
}

func (r *APIKeyRepository) ListActive(ctx context.Context) ([]*apikey.Key, error) {
	var models []apiKeyModel
	err := r.db.SelectContext(ctx, &models, `SELECT * FROM "apiKeys" WHERE "active" = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active api keys: %w", err)
	}
	return r.toEntities(models), nil
}

func (r *APIKeyRepository) LogUsage(ctx context.Context, rec *apikey.UsageRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO "apiKeyUsage" ("id", "keyId", "companyId", "endpoint", "method", "ip", "timestamp")
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)`,
		rec.ID.String(), rec.KeyID.String(), rec.CompanyID,
		rec.Endpoint, rec.Method, rec.IP, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to log api key usage: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) UsageStats(ctx context.Context, keyID uuid.UUID) (*apikey.UsageStats, error) {
	var row struct {
		Total      int64        `db:"total"`
		LastUsedAt sql.NullTime `db:"lastUsedAt"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT COUNT(*) AS "total", MAX("timestamp") AS "lastUsedAt"
		 FROM "apiKeyUsage" WHERE "keyId" = $1`, keyID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate api key usage: %w", err)
	}

	stats := &apikey.UsageStats{KeyID: keyID, Total: row.Total}
	if row.LastUsedAt.Valid {
		t := row.LastUsedAt.Time
		stats.LastUsedAt = &t
	}
	return stats, nil
}

func (r *APIKeyRepository) toEntities(models []apiKeyModel) []*apikey.Key {
	keys := make([]*apikey.Key, 0, len(models))
	for i := range models {
		key, err := toKeyEntity(&models[i])
		if err != nil {
			r.log.WarnWithFields("Skipping undecodable api key", map[string]interface{}{
				"key_id": models[i].ID,
				"error":  err.Error(),
			})
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func fromKeyEntity(key *apikey.Key) (*apiKeyModel, error) {
	permissions, err := json.Marshal(key.Permissions)
	if err != nil {
		return nil, err
	}

	model := &apiKeyModel{
		ID:          key.ID.String(),
		CompanyID:   key.CompanyID,
		Name:        key.Name,
		Prefix:      key.Prefix,
		Hash:        key.Hash,
		Permissions: permissions,
		Active:      key.Active,
		CreatedAt:   key.CreatedAt,
		UpdatedAt:   key.UpdatedAt,
	}
	if key.LastUsedAt != nil {
		model.LastUsedAt = sql.NullTime{Time: *key.LastUsedAt, Valid: true}
	}
	if key.ExpiresAt != nil {
		model.ExpiresAt = sql.NullTime{Time: *key.ExpiresAt, Valid: true}
	}
	if key.RevokedAt != nil {
		model.RevokedAt = sql.NullTime{Time: *key.RevokedAt, Valid: true}
	}
	return model, nil
}

func toKeyEntity(model *apiKeyModel) (*apikey.Key, error) {
	id, err := uuid.Parse(model.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid api key id: %w", err)
	}

	var permissions []string
	if err := json.Unmarshal(model.Permissions, &permissions); err != nil {
		return nil, fmt.Errorf("invalid permissions document: %w", err)
	}

	key := &apikey.Key{
		ID:          id,
		CompanyID:   model.CompanyID,
		Name:        model.Name,
		Prefix:      model.Prefix,
		Hash:        model.Hash,
		Permissions: permissions,
		Active:      model.Active,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
	}
	if model.LastUsedAt.Valid {
		t := model.LastUsedAt.Time
		key.LastUsedAt = &t
	}
	if model.ExpiresAt.Valid {
		t := model.ExpiresAt.Time
		key.ExpiresAt = &t
	}
	if model.RevokedAt.Valid {
		t := model.RevokedAt.Time
		key.RevokedAt = &t
	}
	return key, nil
}
