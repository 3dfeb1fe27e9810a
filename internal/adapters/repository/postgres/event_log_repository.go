package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chanlink/internal/core/eventbus"
	"chanlink/platform/database"
	"chanlink/platform/logger"
)

// EventLogRepository keeps a durable trail of published events. Writes are
// best effort; the in-memory bus history stays the query surface for the
// API, this table is for offline inspection.
type EventLogRepository struct {
	db  *database.Database
	log *logger.Logger
}

func NewEventLogRepository(db *database.Database, log *logger.Logger) *EventLogRepository {
	return &EventLogRepository{
		db:  db,
		log: log.WithModule("eventlog-repository"),
	}
}

type eventLogModel struct {
	ID            string    `db:"id"`
	Event         string    `db:"event"`
	CompanyID     int       `db:"companyId"`
	Data          []byte    `db:"data"`
	Source        string    `db:"source"`
	CorrelationID string    `db:"correlationId"`
	CreatedAt     time.Time `db:"createdAt"`
}

func (r *EventLogRepository) Insert(ctx context.Context, p eventbus.Payload) error {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}

	model := &eventLogModel{
		ID:            p.ID,
		Event:         p.Event,
		CompanyID:     p.CompanyID,
		Data:          data,
		Source:        p.Metadata.Source,
		CorrelationID: p.Metadata.CorrelationID,
		CreatedAt:     p.Metadata.Timestamp,
	}

	query := `
		INSERT INTO "eventLog" (
			"id", "event", "companyId", "data", "source", "correlationId", "createdAt"
		) VALUES (
			:id, :event, :companyId, :data, :source, :correlationId, :createdAt
		)
		ON CONFLICT ("id") DO NOTHING
	`
	if _, err := r.db.NamedExecContext(ctx, query, model); err != nil {
		return fmt.Errorf("failed to insert event log row: %w", err)
	}
	return nil
}

// PruneBefore deletes log rows older than the cutoff and reports how many
// were removed.
func (r *EventLogRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM "eventLog" WHERE "createdAt" < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune event log: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
