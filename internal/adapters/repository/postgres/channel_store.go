package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"chanlink/internal/core/channel"
	"chanlink/pkg/errors"
	"chanlink/platform/database"
	"chanlink/platform/logger"
)

// ChannelStore is the sqlx implementation of channel.Store. Configuration
// documents live in JSONB and are decoded through the per-type decoders
// the container registers.
type ChannelStore struct {
	db       *database.Database
	log      *logger.Logger
	decoders map[channel.Type]func(json.RawMessage) (channel.Configuration, error)
}

func NewChannelStore(db *database.Database, log *logger.Logger, decoders map[channel.Type]func(json.RawMessage) (channel.Configuration, error)) *ChannelStore {
	return &ChannelStore{
		db:       db,
		log:      log.WithModule("channel-store"),
		decoders: decoders,
	}
}

type connectionModel struct {
	ID            string         `db:"id"`
	ChannelID     string         `db:"channelId"`
	CompanyID     int            `db:"companyId"`
	Type          string         `db:"type"`
	Name          string         `db:"name"`
	Status        string         `db:"status"`
	Configuration []byte         `db:"configuration"`
	LastError     sql.NullString `db:"lastError"`
	LastActivity  sql.NullTime   `db:"lastActivity"`
	CreatedAt     time.Time      `db:"createdAt"`
	UpdatedAt     time.Time      `db:"updatedAt"`
}

func (s *ChannelStore) EnsureChannel(ctx context.Context, companyID int, channelType channel.Type, name string) (uuid.UUID, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT "id" FROM "channels" WHERE "companyId" = $1 AND "type" = $2`,
		companyID, string(channelType))
	if err == nil {
		return uuid.Parse(id)
	}
	if err != sql.ErrNoRows {
		return uuid.Nil, fmt.Errorf("failed to find channel: %w", err)
	}

	newID := uuid.New()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO "channels" ("id", "companyId", "type", "name", "createdAt", "updatedAt")
		 VALUES ($1, $2, $3, $4, NOW(), NOW())`,
		newID.String(), companyID, string(channelType), name)
	if err != nil {
		// Lost the insert race, another request created it first.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if err := s.db.GetContext(ctx, &id,
				`SELECT "id" FROM "channels" WHERE "companyId" = $1 AND "type" = $2`,
				companyID, string(channelType)); err == nil {
				return uuid.Parse(id)
			}
		}
		return uuid.Nil, fmt.Errorf("failed to create channel: %w", err)
	}
	return newID, nil
}

func (s *ChannelStore) CreateConnection(ctx context.Context, conn *channel.ConnectionInfo) error {
	model, err := s.fromEntity(conn)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO "channelConnections" (
			"id", "channelId", "companyId", "type", "name", "status",
			"configuration", "lastError", "lastActivity", "createdAt", "updatedAt"
		) VALUES (
			:id, :channelId, :companyId, :type, :name, :status,
			:configuration, :lastError, :lastActivity, :createdAt, :updatedAt
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, model); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.ErrConnectionAlreadyExists
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

func (s *ChannelStore) GetConnection(ctx context.Context, id uuid.UUID) (*channel.ConnectionInfo, error) {
	var model connectionModel
	err := s.db.GetContext(ctx, &model,
		`SELECT * FROM "channelConnections" WHERE "id" = $1`, id.String())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return s.toEntity(&model)
}

func (s *ChannelStore) ListConnections(ctx context.Context, companyID int) ([]*channel.ConnectionInfo, error) {
	var models []connectionModel
	err := s.db.SelectContext(ctx, &models,
		`SELECT * FROM "channelConnections" WHERE "companyId" = $1 ORDER BY "createdAt" DESC`,
		companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	conns := make([]*channel.ConnectionInfo, 0, len(models))
	for i := range models {
		conn, err := s.toEntity(&models[i])
		if err != nil {
			s.log.WarnWithFields("Skipping undecodable connection", map[string]interface{}{
				"connection_id": models[i].ID,
				"error":         err.Error(),
			})
			continue
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func (s *ChannelStore) UpdateConnection(ctx context.Context, conn *channel.ConnectionInfo) error {
	model, err := s.fromEntity(conn)
	if err != nil {
		return err
	}

	query := `
		UPDATE "channelConnections" SET
			"name" = :name,
			"status" = :status,
			"configuration" = :configuration,
			"lastError" = :lastError,
			"lastActivity" = :lastActivity,
			"updatedAt" = NOW()
		WHERE "id" = :id
	`
	result, err := s.db.NamedExecContext(ctx, query, model)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.ErrConnectionNotFound
	}
	return nil
}

func (s *ChannelStore) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status channel.ConnectionStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE "channelConnections"
		 SET "status" = $2, "lastError" = NULLIF($3, ''), "updatedAt" = NOW()
		 WHERE "id" = $1`,
		id.String(), string(status), lastError)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}
	return nil
}

func (s *ChannelStore) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM "channelConnections" WHERE "id" = $1`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errors.ErrConnectionNotFound
	}
	return nil
}

func (s *ChannelStore) LogMessage(ctx context.Context, rec *channel.MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO "channelMessages" (
			"id", "connectionId", "companyId", "direction", "type", "externalId",
			"recipient", "sender", "body", "status", "error", "createdAt"
		) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, NULLIF($11, ''), $12)`,
		rec.ID.String(), rec.ConnectionID.String(), rec.CompanyID, string(rec.Direction),
		string(rec.Type), rec.ExternalID, rec.Recipient, rec.Sender, rec.Body,
		rec.Status, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to log message: %w", err)
	}
	return nil
}

func (s *ChannelStore) LogInboundWebhook(ctx context.Context, rec *channel.InboundWebhookRecord) error {
	payload := rec.Payload
	if !json.Valid(payload) {
		encoded, err := json.Marshal(map[string]string{"raw": string(payload)})
		if err != nil {
			return err
		}
		payload = encoded
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO "inboundWebhooks" (
			"id", "connectionId", "companyId", "channelType", "payload", "status", "receivedAt"
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID.String(), rec.ConnectionID.String(), rec.CompanyID,
		string(rec.ChannelType), payload, string(rec.Status), rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to log inbound webhook: %w", err)
	}
	return nil
}

func (s *ChannelStore) UpdateInboundWebhookStatus(ctx context.Context, id uuid.UUID, status channel.InboundWebhookStatus, processingError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE "inboundWebhooks"
		 SET "status" = $2, "processingError" = NULLIF($3, ''), "processedAt" = NOW()
		 WHERE "id" = $1`,
		id.String(), string(status), processingError)
	if err != nil {
		return fmt.Errorf("failed to update inbound webhook: %w", err)
	}
	return nil
}

func (s *ChannelStore) fromEntity(conn *channel.ConnectionInfo) (*connectionModel, error) {
	rawConfig, err := json.Marshal(conn.Configuration)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}

	model := &connectionModel{
		ID:            conn.ID.String(),
		ChannelID:     conn.ChannelID.String(),
		CompanyID:     conn.CompanyID,
		Type:          string(conn.Type),
		Name:          conn.Name,
		Status:        string(conn.Status),
		Configuration: rawConfig,
		CreatedAt:     conn.CreatedAt,
		UpdatedAt:     conn.UpdatedAt,
	}
	if conn.LastError != "" {
		model.LastError = sql.NullString{String: conn.LastError, Valid: true}
	}
	if !conn.LastActivity.IsZero() {
		model.LastActivity = sql.NullTime{Time: conn.LastActivity, Valid: true}
	}
	return model, nil
}

func (s *ChannelStore) toEntity(model *connectionModel) (*channel.ConnectionInfo, error) {
	id, err := uuid.Parse(model.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid connection id: %w", err)
	}
	channelID, err := uuid.Parse(model.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("invalid channel id: %w", err)
	}

	channelType := channel.Type(model.Type)
	decode, ok := s.decoders[channelType]
	if !ok {
		return nil, errors.ErrUnsupportedChannel
	}
	cfg, err := decode(model.Configuration)
	if err != nil {
		return nil, err
	}

	conn := &channel.ConnectionInfo{
		ID:            id,
		ChannelID:     channelID,
		CompanyID:     model.CompanyID,
		Type:          channelType,
		Name:          model.Name,
		Status:        channel.ConnectionStatus(model.Status),
		Configuration: cfg,
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}
	if model.LastError.Valid {
		conn.LastError = model.LastError.String
	}
	if model.LastActivity.Valid {
		conn.LastActivity = model.LastActivity.Time
	}
	return conn, nil
}
