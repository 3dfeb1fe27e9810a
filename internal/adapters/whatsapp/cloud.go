package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"chanlink/internal/core/channel"
	"chanlink/pkg/errors"
	"chanlink/platform/config"
	"chanlink/platform/logger"
)

const defaultBaseURL = "https://graph.facebook.com"

// CloudProvider speaks the Meta Graph API for one phone number. Lifecycle
// and retry mechanics live in the embedded runtime; this type owns the
// HTTP surface and the payload mapping.
type CloudProvider struct {
	*channel.Runtime

	cfg     config.ChannelConfig
	log     *logger.Logger
	client  *http.Client
	baseURL string
	limiter *windowLimiter

	creds *channel.WhatsAppCloudConfig
}

func NewCloudProvider(cfg config.ChannelConfig, log *logger.Logger) *CloudProvider {
	return &CloudProvider{
		Runtime: channel.NewRuntime(cfg, log.WithModule("whatsapp-cloud")),
		cfg:     cfg,
		log:     log.WithModule("whatsapp-cloud"),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		baseURL: defaultBaseURL,
		limiter: newWindowLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
	}
}

// Registration wires the provider and its configuration decoder into the
// manager registry.
func Registration(cfg config.ChannelConfig, log *logger.Logger) channel.Registration {
	return channel.Registration{
		New: func() channel.Provider {
			return NewCloudProvider(cfg, log)
		},
		DecodeConfig: channel.DecodeWhatsAppCloudConfig,
	}
}

func (p *CloudProvider) ChannelType() channel.Type {
	return channel.TypeWhatsAppCloud
}

func (p *CloudProvider) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		SendText:            true,
		SendTemplate:        true,
		SendInteractive:     true,
		SendMedia:           true,
		SendLocation:        true,
		ReceiveMessages:     true,
		DeliveryReceipts:    true,
		ReadReceipts:        true,
		MaxTextLength:       maxTextLength,
		SupportedMediaTypes: []string{"image", "video", "audio", "document", "sticker"},
		RateLimit: channel.RateLimit{
			MaxRequests: p.cfg.RateLimitMax,
			Window:      p.cfg.RateLimitWindow,
		},
	}
}

// Initialize binds the connection and adopts its credentials. Called again
// after configuration updates without restarting the session.
func (p *CloudProvider) Initialize(_ context.Context, conn *channel.ConnectionInfo) error {
	creds, ok := conn.Configuration.(*channel.WhatsAppCloudConfig)
	if !ok {
		return errors.ErrInvalidConfiguration
	}
	if err := creds.Validate(); err != nil {
		return err
	}

	p.creds = creds
	p.Bind(conn)
	return nil
}

func (p *CloudProvider) Connect(ctx context.Context) (channel.ConnectionStatus, error) {
	return p.ConnectWithRetry(ctx, p.dial)
}

// dial verifies the credentials by fetching the phone number resource.
// The Cloud API is stateless, so a successful probe is a live session.
func (p *CloudProvider) dial(ctx context.Context) (channel.ConnectionStatus, error) {
	url := fmt.Sprintf("%s/%s/%s", p.baseURL, p.apiVersion(), p.creds.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return channel.StatusError, err
	}
	req.Header.Set("Authorization", "Bearer "+p.creds.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return channel.StatusError, fmt.Errorf("verifying credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return channel.StatusError, graphError(resp)
	}
	return channel.StatusConnected, nil
}

func (p *CloudProvider) Disconnect(_ context.Context) error {
	p.SetStatus(channel.StatusDisconnected, "")
	return nil
}

func (p *CloudProvider) Reconnect(ctx context.Context) (channel.ConnectionStatus, error) {
	return p.Runtime.Reconnect(ctx, p.Disconnect, p.dial)
}

func (p *CloudProvider) SendMessage(ctx context.Context, payload channel.MessagePayload) (*channel.MessageResult, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	return p.SendWithRetry(ctx, payload, p.send)
}

func (p *CloudProvider) send(ctx context.Context, payload channel.MessagePayload) (*channel.MessageResult, error) {
	if err := p.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	body, err := buildMessageBody(payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := p.post(ctx, "messages", body, &parsed); err != nil {
		return nil, err
	}

	result := &channel.MessageResult{
		Success:   true,
		Timestamp: time.Now(),
	}
	if len(parsed.Messages) > 0 {
		result.ExternalID = parsed.Messages[0].ID
		result.MessageID = parsed.Messages[0].ID
	}
	return result, nil
}

// MarkAsRead flips the read receipt for an inbound message.
func (p *CloudProvider) MarkAsRead(ctx context.Context, externalID string) error {
	body := map[string]interface{}{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        externalID,
	}
	return p.post(ctx, "messages", body, nil)
}

// MediaURL resolves a webhook media id to its short-lived download URL.
func (p *CloudProvider) MediaURL(ctx context.Context, mediaID string) (string, error) {
	if mediaID == "" {
		return "", fmt.Errorf("media id is required")
	}

	url := fmt.Sprintf("%s/%s/%s", p.baseURL, p.apiVersion(), mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.creds.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", graphError(resp)
	}

	var parsed struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("media %s has no download url", mediaID)
	}
	return parsed.URL, nil
}

// VerifyWebhookToken answers the Graph API subscription handshake.
func (p *CloudProvider) VerifyWebhookToken(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || p.creds == nil || token != p.creds.WebhookVerifyToken {
		return "", errors.ErrInvalidSignature
	}
	return challenge, nil
}

// ProcessWebhook normalizes an inbound Graph payload into channel events.
func (p *CloudProvider) ProcessWebhook(_ context.Context, body []byte) ([]channel.Event, error) {
	var payload cloudWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}

	conn := p.Connection()
	events := make([]channel.Event, 0)

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}

			for _, msg := range change.Value.Messages {
				data := map[string]interface{}{
					"from":        msg.From,
					"externalId":  msg.ID,
					"messageType": msg.Type,
					"timestamp":   parseUnix(msg.Timestamp),
				}
				if name, ok := names[msg.From]; ok && name != "" {
					data["senderName"] = name
				}
				if msg.Text != nil {
					data["text"] = msg.Text.Body
				}
				if msg.Image != nil {
					data["mediaId"] = msg.Image.ID
					data["caption"] = msg.Image.Caption
				}
				if msg.Location != nil {
					data["latitude"] = msg.Location.Latitude
					data["longitude"] = msg.Location.Longitude
				}
				if msg.Interactive != nil {
					data["interactiveReply"] = msg.Interactive
				}

				ev := channel.Event{
					Kind:      channel.EventMessageReceived,
					Data:      data,
					Timestamp: time.Now(),
				}
				if conn != nil {
					ev.ConnectionID = conn.ID
					ev.CompanyID = conn.CompanyID
				}
				events = append(events, ev)
				p.Touch()
			}

			for _, st := range change.Value.Statuses {
				ev := channel.Event{
					Kind: channel.EventMessageStatus,
					Data: map[string]interface{}{
						"externalId": st.ID,
						"status":     st.Status,
						"recipient":  st.RecipientID,
						"timestamp":  parseUnix(st.Timestamp),
					},
					Timestamp: time.Now(),
				}
				if conn != nil {
					ev.ConnectionID = conn.ID
					ev.CompanyID = conn.CompanyID
				}
				events = append(events, ev)
			}
		}
	}

	return events, nil
}

// SetBaseURL points the provider at a different Graph endpoint. Test hook.
func (p *CloudProvider) SetBaseURL(url string) {
	p.baseURL = url
}

func (p *CloudProvider) post(ctx context.Context, resource string, body map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/%s/%s", p.baseURL, p.apiVersion(), p.creds.PhoneNumberID, resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return graphError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (p *CloudProvider) apiVersion() string {
	if p.creds != nil && p.creds.APIVersion != "" {
		return p.creds.APIVersion
	}
	return p.cfg.WhatsAppAPIVersion
}

func graphError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Errorf("graph api error %d: %s", resp.StatusCode, parsed.Error.Message)
	}
	return fmt.Errorf("graph api error %d", resp.StatusCode)
}

func parseUnix(ts string) int64 {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// cloudWebhook mirrors the subset of the Graph webhook document we act on.
type cloudWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []cloudMessage `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					RecipientID string `json:"recipient_id"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image *struct {
		ID      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Interactive map[string]interface{} `json:"interactive"`
}
