package channel

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Provider is one live channel integration bound to a single connection.
// Implementations embed Runtime for the shared lifecycle machinery.
type Provider interface {
	// Initialize binds the provider to its connection record. It is also
	// called again after a configuration update, without reconnecting.
	Initialize(ctx context.Context, conn *ConnectionInfo) error

	// Connect establishes the upstream session, retrying per the runtime
	// policy. It returns the resulting status; ERROR comes with a non-nil
	// error after retries are exhausted.
	Connect(ctx context.Context) (ConnectionStatus, error)

	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) (ConnectionStatus, error)

	// SendMessage validates and dispatches a payload. Exhausted retries
	// yield a failed MessageResult, not an error; errors are reserved for
	// invalid payloads and disconnected providers.
	SendMessage(ctx context.Context, payload MessagePayload) (*MessageResult, error)

	// ProcessWebhook turns a raw inbound payload into normalized events.
	ProcessWebhook(ctx context.Context, body []byte) ([]Event, error)

	MarkAsRead(ctx context.Context, externalID string) error

	Status() ConnectionStatus
	Connection() *ConnectionInfo
	Capabilities() Capabilities
	ChannelType() Type

	OnEvent(fn EventFunc)
}

// Registration couples a provider constructor with its configuration
// decoder so the manager can build both sides from one registry entry.
type Registration struct {
	New          func() Provider
	DecodeConfig func(json.RawMessage) (Configuration, error)
}

// Store persists channels, connections and their audit trails.
type Store interface {
	EnsureChannel(ctx context.Context, companyID int, channelType Type, name string) (uuid.UUID, error)

	CreateConnection(ctx context.Context, conn *ConnectionInfo) error
	GetConnection(ctx context.Context, id uuid.UUID) (*ConnectionInfo, error)
	ListConnections(ctx context.Context, companyID int) ([]*ConnectionInfo, error)
	UpdateConnection(ctx context.Context, conn *ConnectionInfo) error
	UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status ConnectionStatus, lastError string) error
	DeleteConnection(ctx context.Context, id uuid.UUID) error

	LogMessage(ctx context.Context, rec *MessageRecord) error

	LogInboundWebhook(ctx context.Context, rec *InboundWebhookRecord) error
	UpdateInboundWebhookStatus(ctx context.Context, id uuid.UUID, status InboundWebhookStatus, processingError string) error
}

// EventPublisher is the slice of the event bus the manager needs.
type EventPublisher interface {
	Publish(ctx context.Context, event string, companyID int, data map[string]interface{}) error
}
