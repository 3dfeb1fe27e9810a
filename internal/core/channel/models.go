package channel

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeWhatsAppCloud   Type = "whatsapp_cloud"
	TypeWhatsAppBaileys Type = "whatsapp_baileys"
	TypeInstagram       Type = "instagram"
	TypeTelegram        Type = "telegram"
	TypeEmail           Type = "email"
	TypeSMS             Type = "sms"
)

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusConnecting   ConnectionStatus = "CONNECTING"
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusError        ConnectionStatus = "ERROR"
	StatusQRCode       ConnectionStatus = "QRCODE"
	StatusTimeout      ConnectionStatus = "TIMEOUT"
)

// Capabilities describes what a provider can do so callers can reject
// unsupported payloads before dispatch.
type Capabilities struct {
	SendText        bool `json:"sendText"`
	SendTemplate    bool `json:"sendTemplate"`
	SendInteractive bool `json:"sendInteractive"`
	SendMedia       bool `json:"sendMedia"`
	SendLocation    bool `json:"sendLocation"`

	ReceiveMessages  bool `json:"receiveMessages"`
	DeliveryReceipts bool `json:"deliveryReceipts"`
	ReadReceipts     bool `json:"readReceipts"`

	MaxTextLength       int       `json:"maxTextLength"`
	SupportedMediaTypes []string  `json:"supportedMediaTypes"`
	RateLimit           RateLimit `json:"rateLimit"`
}

type RateLimit struct {
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"window"`
}

// ConnectionInfo is the persisted state of one provider instance bound to
// a company's channel.
type ConnectionInfo struct {
	ID            uuid.UUID        `json:"id"`
	ChannelID     uuid.UUID        `json:"channelId"`
	CompanyID     int              `json:"companyId"`
	Type          Type             `json:"type"`
	Name          string           `json:"name"`
	Status        ConnectionStatus `json:"status"`
	Configuration Configuration    `json:"configuration"`
	LastError     string           `json:"lastError,omitempty"`
	LastActivity  time.Time        `json:"lastActivity"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

type MessageType string

const (
	MessageText        MessageType = "text"
	MessageTemplate    MessageType = "template"
	MessageInteractive MessageType = "interactive"
	MessageLocation    MessageType = "location"
	MessageImage       MessageType = "image"
	MessageVideo       MessageType = "video"
	MessageAudio       MessageType = "audio"
	MessageDocument    MessageType = "document"
	MessageSticker     MessageType = "sticker"
)

// MessagePayload is the provider-agnostic outbound message model. Only the
// section matching Type is consulted.
type MessagePayload struct {
	To   string      `json:"to"`
	Type MessageType `json:"type"`

	Text        string       `json:"text,omitempty"`
	Template    *Template    `json:"template,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
	Location    *Location    `json:"location,omitempty"`

	MediaURL string `json:"mediaUrl,omitempty"`
	MediaID  string `json:"mediaId,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type Template struct {
	Name       string                   `json:"name"`
	Language   string                   `json:"language"`
	Components []map[string]interface{} `json:"components,omitempty"`
}

type Interactive struct {
	SubType string                 `json:"subType"`
	Body    string                 `json:"body"`
	Header  string                 `json:"header,omitempty"`
	Footer  string                 `json:"footer,omitempty"`
	Action  map[string]interface{} `json:"action,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// MessageResult reports a send outcome. A failed send after retries comes
// back with Success false rather than an error.
type MessageResult struct {
	Success    bool      `json:"success"`
	MessageID  string    `json:"messageId,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type EventKind string

const (
	EventStatusChanged   EventKind = "channel.status"
	EventMessageSent     EventKind = "message.sent"
	EventMessageFailed   EventKind = "message.failed"
	EventMessageReceived EventKind = "message.received"
	EventMessageStatus   EventKind = "message.status"
	EventContactUpdated  EventKind = "contact.updated"
)

// Event is emitted by provider runtimes and re-published by the manager.
type Event struct {
	Kind         EventKind              `json:"kind"`
	ConnectionID uuid.UUID              `json:"connectionId"`
	CompanyID    int                    `json:"companyId"`
	Previous     ConnectionStatus       `json:"previous,omitempty"`
	Status       ConnectionStatus       `json:"status,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Payload      *MessagePayload        `json:"payload,omitempty"`
	Result       *MessageResult         `json:"result,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

type EventFunc func(Event)

type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageRecord is the audit row written for every message that crosses a
// connection, in either direction.
type MessageRecord struct {
	ID           uuid.UUID        `json:"id"`
	ConnectionID uuid.UUID        `json:"connectionId"`
	CompanyID    int              `json:"companyId"`
	Direction    MessageDirection `json:"direction"`
	Type         MessageType      `json:"type"`
	ExternalID   string           `json:"externalId,omitempty"`
	Recipient    string           `json:"recipient,omitempty"`
	Sender       string           `json:"sender,omitempty"`
	Body         string           `json:"body,omitempty"`
	Status       string           `json:"status"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

type InboundWebhookStatus string

const (
	InboundPending   InboundWebhookStatus = "PENDING"
	InboundProcessed InboundWebhookStatus = "PROCESSED"
	InboundFailed    InboundWebhookStatus = "ERROR"
)

// InboundWebhookRecord is the audit row written before any inbound webhook
// payload reaches a provider.
type InboundWebhookRecord struct {
	ID              uuid.UUID            `json:"id"`
	ConnectionID    uuid.UUID            `json:"connectionId"`
	CompanyID       int                  `json:"companyId"`
	ChannelType     Type                 `json:"channelType"`
	Payload         []byte               `json:"payload"`
	Status          InboundWebhookStatus `json:"status"`
	ProcessingError string               `json:"processingError,omitempty"`
	ReceivedAt      time.Time            `json:"receivedAt"`
	ProcessedAt     *time.Time           `json:"processedAt,omitempty"`
}
