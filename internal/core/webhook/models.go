package webhook

import (
	"time"

	"github.com/google/uuid"
)

// Config is one outbound webhook registration.
type Config struct {
	ID           uuid.UUID         `json:"id"`
	CompanyID    int               `json:"companyId"`
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	Secret       string            `json:"-"`
	Events       []string          `json:"events"`
	Headers      map[string]string `json:"headers,omitempty"`
	Active       bool              `json:"active"`
	FailureCount int               `json:"failureCount"`
	LastSuccess  *time.Time        `json:"lastSuccess,omitempty"`
	LastFailure  *time.Time        `json:"lastFailure,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Matches reports whether the registration wants the event. A bare "*"
// entry subscribes to everything.
func (c *Config) Matches(event string) bool {
	for _, e := range c.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// DeliveryRecord is one attempt against a webhook endpoint.
type DeliveryRecord struct {
	ID         uuid.UUID `json:"id"`
	WebhookID  uuid.UUID `json:"webhookId"`
	Event      string    `json:"event"`
	StatusCode int       `json:"statusCode,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
}

// delivery is the queued work item for one webhook and one event.
type delivery struct {
	WebhookID     uuid.UUID              `json:"webhookId"`
	EventID       string                 `json:"eventId"`
	Event         string                 `json:"event"`
	CompanyID     int                    `json:"companyId"`
	Data          map[string]interface{} `json:"data"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// breakerState tracks consecutive failures for one endpoint.
type breakerState struct {
	failures int
	openedAt time.Time
	open     bool
}
