package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"chanlink/pkg/errors"
	"chanlink/platform/logger"
)

// Manager owns the provider registry and every live connection. It is the
// only component that builds providers, persists their status transitions
// and republishes their events on the bus.
type Manager struct {
	mu         sync.RWMutex
	registry   map[Type]Registration
	active     map[uuid.UUID]Provider
	connecting map[uuid.UUID]struct{}

	store Store
	bus   EventPublisher
	log   *logger.Logger
}

func NewManager(store Store, bus EventPublisher, log *logger.Logger) *Manager {
	return &Manager{
		registry:   make(map[Type]Registration),
		active:     make(map[uuid.UUID]Provider),
		connecting: make(map[uuid.UUID]struct{}),
		store:      store,
		bus:        bus,
		log:        log.WithModule("channel-manager"),
	}
}

// RegisterProvider installs a provider for a channel type. Registering the
// same type twice replaces the previous entry.
func (m *Manager) RegisterProvider(t Type, reg Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.registry[t]; exists {
		m.log.WarnWithFields("Provider registration replaced", map[string]interface{}{
			"channel_type": string(t),
		})
	}
	m.registry[t] = reg
}

func (m *Manager) RegisteredTypes() []Type {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make([]Type, 0, len(m.registry))
	for t := range m.registry {
		types = append(types, t)
	}
	return types
}

// CreateConnection validates the configuration, finds or creates the
// company's channel of this type and always inserts a fresh connection row
// in DISCONNECTED state.
func (m *Manager) CreateConnection(ctx context.Context, companyID int, t Type, name string, rawConfig json.RawMessage) (*ConnectionInfo, error) {
	reg, ok := m.registration(t)
	if !ok {
		return nil, errors.ErrUnsupportedChannel
	}

	cfg, err := reg.DecodeConfig(rawConfig)
	if err != nil {
		return nil, errors.NewWithDetails(errors.ErrInvalidConfiguration.Code, errors.ErrInvalidConfiguration.Message, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	channelID, err := m.store.EnsureChannel(ctx, companyID, t, name)
	if err != nil {
		return nil, errors.Wrap(err, "ensuring channel")
	}

	now := time.Now()
	conn := &ConnectionInfo{
		ID:            uuid.New(),
		ChannelID:     channelID,
		CompanyID:     companyID,
		Type:          t,
		Name:          name,
		Status:        StatusDisconnected,
		Configuration: cfg,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateConnection(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "creating connection")
	}

	m.log.InfoWithFields("Connection created", map[string]interface{}{
		"connection_id": conn.ID.String(),
		"company_id":    companyID,
		"channel_type":  string(t),
	})
	m.publish(ctx, "channel.created", companyID, map[string]interface{}{
		"connectionId": conn.ID.String(),
		"channelType":  string(t),
		"name":         name,
	})
	return conn, nil
}

// Connect builds the provider for a stored connection and dials it. A
// second Connect for the same connection while the first is still dialing
// fails fast with ErrAlreadyConnecting; connecting an already connected
// provider is a no-op.
func (m *Manager) Connect(ctx context.Context, id uuid.UUID) (ConnectionStatus, error) {
	m.mu.Lock()
	if p, ok := m.active[id]; ok && p.Status() == StatusConnected {
		m.mu.Unlock()
		return StatusConnected, nil
	}
	if _, inFlight := m.connecting[id]; inFlight {
		m.mu.Unlock()
		return StatusConnecting, errors.ErrAlreadyConnecting
	}
	m.connecting[id] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, id)
		m.mu.Unlock()
	}()

	conn, err := m.store.GetConnection(ctx, id)
	if err != nil {
		return StatusError, err
	}

	provider, err := m.buildProvider(ctx, conn)
	if err != nil {
		return StatusError, err
	}

	status, err := provider.Connect(ctx)
	if err != nil {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		return status, err
	}

	m.mu.Lock()
	m.active[id] = provider
	m.mu.Unlock()

	m.publish(ctx, "channel.connected", conn.CompanyID, map[string]interface{}{
		"connectionId": conn.ID.String(),
		"channelType":  string(conn.Type),
		"status":       string(status),
	})
	return status, nil
}

func (m *Manager) Disconnect(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	provider, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()

	if !ok {
		conn, err := m.store.GetConnection(ctx, id)
		if err != nil {
			return err
		}
		return m.store.UpdateConnectionStatus(ctx, conn.ID, StatusDisconnected, "")
	}

	conn := provider.Connection()
	if err := provider.Disconnect(ctx); err != nil {
		return err
	}

	m.publish(ctx, "channel.disconnected", conn.CompanyID, map[string]interface{}{
		"connectionId": id.String(),
		"channelType":  string(conn.Type),
	})
	return nil
}

func (m *Manager) Reconnect(ctx context.Context, id uuid.UUID) (ConnectionStatus, error) {
	m.mu.RLock()
	provider, ok := m.active[id]
	m.mu.RUnlock()

	if !ok {
		return m.Connect(ctx, id)
	}
	return provider.Reconnect(ctx)
}

// SendMessage routes a payload to the live provider. The audit row is best
// effort; delivery outcome wins over bookkeeping.
func (m *Manager) SendMessage(ctx context.Context, id uuid.UUID, payload MessagePayload) (*MessageResult, error) {
	m.mu.RLock()
	provider, ok := m.active[id]
	m.mu.RUnlock()

	if !ok || provider.Status() != StatusConnected {
		return nil, errors.ErrChannelNotConnected
	}

	result, err := provider.SendMessage(ctx, payload)
	if err != nil {
		return nil, err
	}

	conn := provider.Connection()
	rec := &MessageRecord{
		ID:           uuid.New(),
		ConnectionID: id,
		CompanyID:    conn.CompanyID,
		Direction:    DirectionOutbound,
		Type:         payload.Type,
		Recipient:    payload.To,
		Body:         payload.Text,
		Status:       "sent",
		CreatedAt:    time.Now(),
	}
	if result != nil {
		rec.ExternalID = result.ExternalID
		if !result.Success {
			rec.Status = "failed"
			rec.Error = result.Error
		}
	}
	if err := m.store.LogMessage(ctx, rec); err != nil {
		m.log.WarnWithFields("Failed to log outbound message", map[string]interface{}{
			"connection_id": id.String(),
			"error":         err.Error(),
		})
	}
	return result, nil
}

// ProcessInboundWebhook audits the raw payload before any parsing so a
// provider bug never loses the evidence, then hands it to the provider and
// republishes the resulting events.
func (m *Manager) ProcessInboundWebhook(ctx context.Context, id uuid.UUID, body []byte) ([]Event, error) {
	m.mu.RLock()
	provider, ok := m.active[id]
	m.mu.RUnlock()

	var (
		companyID   int
		channelType Type
	)
	if ok {
		conn := provider.Connection()
		companyID = conn.CompanyID
		channelType = conn.Type
	} else if conn, err := m.store.GetConnection(ctx, id); err == nil {
		companyID = conn.CompanyID
		channelType = conn.Type
	}

	audit := &InboundWebhookRecord{
		ID:           uuid.New(),
		ConnectionID: id,
		CompanyID:    companyID,
		ChannelType:  channelType,
		Payload:      body,
		Status:       InboundPending,
		ReceivedAt:   time.Now(),
	}
	if err := m.store.LogInboundWebhook(ctx, audit); err != nil {
		m.log.ErrorWithFields("Failed to audit inbound webhook", map[string]interface{}{
			"connection_id": id.String(),
			"error":         err.Error(),
		})
	}

	if !ok {
		m.auditInboundStatus(ctx, audit.ID, InboundFailed, errors.ErrConnectionNotFound.Message)
		return nil, errors.ErrConnectionNotFound
	}

	events, err := provider.ProcessWebhook(ctx, body)
	if err != nil {
		m.auditInboundStatus(ctx, audit.ID, InboundFailed, err.Error())
		return nil, err
	}
	m.auditInboundStatus(ctx, audit.ID, InboundProcessed, "")

	for _, ev := range events {
		m.handleProviderEvent(ev)
	}
	return events, nil
}

func (m *Manager) auditInboundStatus(ctx context.Context, id uuid.UUID, status InboundWebhookStatus, processingError string) {
	if err := m.store.UpdateInboundWebhookStatus(ctx, id, status, processingError); err != nil {
		m.log.WarnWithFields("Failed to update inbound webhook audit", map[string]interface{}{
			"webhook_id": id.String(),
			"status":     string(status),
			"error":      err.Error(),
		})
	}
}

// UpdateConnection merge-patches the stored configuration and optionally
// renames the connection. A live provider is re-initialized in place; the
// session is not restarted.
func (m *Manager) UpdateConnection(ctx context.Context, id uuid.UUID, name string, patch json.RawMessage) (*ConnectionInfo, error) {
	conn, err := m.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}

	reg, regOK := m.registration(conn.Type)
	if !regOK {
		return nil, errors.ErrUnsupportedChannel
	}

	if len(patch) > 0 {
		merged, err := MergeConfiguration(conn.Configuration, patch, reg.DecodeConfig)
		if err != nil {
			return nil, errors.NewWithDetails(errors.ErrInvalidConfiguration.Code, errors.ErrInvalidConfiguration.Message, err.Error())
		}
		if err := merged.Validate(); err != nil {
			return nil, err
		}
		conn.Configuration = merged
	}
	if name != "" {
		conn.Name = name
	}
	conn.UpdatedAt = time.Now()

	if err := m.store.UpdateConnection(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "updating connection")
	}

	m.mu.RLock()
	provider, live := m.active[id]
	m.mu.RUnlock()
	if live {
		if err := provider.Initialize(ctx, conn); err != nil {
			m.log.ErrorWithFields("Failed to re-initialize live provider", map[string]interface{}{
				"connection_id": id.String(),
				"error":         err.Error(),
			})
		}
	}
	return conn, nil
}

// DeleteConnection force-disconnects a live provider before removing the
// row.
func (m *Manager) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	provider, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()

	if ok {
		if err := provider.Disconnect(ctx); err != nil {
			m.log.WarnWithFields("Disconnect during delete failed", map[string]interface{}{
				"connection_id": id.String(),
				"error":         err.Error(),
			})
		}
	}
	return m.store.DeleteConnection(ctx, id)
}

func (m *Manager) GetConnection(ctx context.Context, id uuid.UUID) (*ConnectionInfo, error) {
	m.mu.RLock()
	provider, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return provider.Connection(), nil
	}
	return m.store.GetConnection(ctx, id)
}

func (m *Manager) ListConnections(ctx context.Context, companyID int) ([]*ConnectionInfo, error) {
	return m.store.ListConnections(ctx, companyID)
}

// ActiveConnections reports the live providers, optionally filtered by
// company.
func (m *Manager) ActiveConnections(companyID int) []*ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*ConnectionInfo, 0, len(m.active))
	for _, p := range m.active {
		conn := p.Connection()
		if conn == nil {
			continue
		}
		if companyID != 0 && conn.CompanyID != companyID {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

func (m *Manager) Status(id uuid.UUID) (ConnectionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.active[id]; ok {
		return p.Status(), true
	}
	return StatusDisconnected, false
}

// Shutdown disconnects every live provider.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	providers := make(map[uuid.UUID]Provider, len(m.active))
	for id, p := range m.active {
		providers[id] = p
	}
	m.active = make(map[uuid.UUID]Provider)
	m.mu.Unlock()

	for id, p := range providers {
		if err := p.Disconnect(ctx); err != nil {
			m.log.WarnWithFields("Disconnect during shutdown failed", map[string]interface{}{
				"connection_id": id.String(),
				"error":         err.Error(),
			})
		}
	}
}

func (m *Manager) registration(t Type) (Registration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registry[t]
	return reg, ok
}

func (m *Manager) buildProvider(ctx context.Context, conn *ConnectionInfo) (Provider, error) {
	reg, ok := m.registration(conn.Type)
	if !ok {
		return nil, errors.ErrUnsupportedChannel
	}

	provider := reg.New()
	if err := provider.Initialize(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "initializing provider")
	}
	provider.OnEvent(m.handleProviderEvent)
	return provider, nil
}

// handleProviderEvent persists status transitions and republishes every
// provider event on the bus. Runs on the provider's goroutine, so storage
// calls get their own deadline.
func (m *Manager) handleProviderEvent(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch ev.Kind {
	case EventStatusChanged:
		if err := m.store.UpdateConnectionStatus(ctx, ev.ConnectionID, ev.Status, ev.Error); err != nil {
			m.log.ErrorWithFields("Failed to persist status transition", map[string]interface{}{
				"connection_id": ev.ConnectionID.String(),
				"status":        string(ev.Status),
				"error":         err.Error(),
			})
		}
	case EventMessageReceived:
		rec := &MessageRecord{
			ID:           uuid.New(),
			ConnectionID: ev.ConnectionID,
			CompanyID:    ev.CompanyID,
			Direction:    DirectionInbound,
			Status:       "received",
			CreatedAt:    time.Now(),
		}
		if from, ok := ev.Data["from"].(string); ok {
			rec.Sender = from
		}
		if body, ok := ev.Data["text"].(string); ok {
			rec.Body = body
		}
		if extID, ok := ev.Data["externalId"].(string); ok {
			rec.ExternalID = extID
		}
		if msgType, ok := ev.Data["messageType"].(string); ok {
			rec.Type = MessageType(msgType)
		}
		if err := m.store.LogMessage(ctx, rec); err != nil {
			m.log.WarnWithFields("Failed to log inbound message", map[string]interface{}{
				"connection_id": ev.ConnectionID.String(),
				"error":         err.Error(),
			})
		}
	}

	m.republish(ctx, ev)
}

func (m *Manager) republish(ctx context.Context, ev Event) {
	data := map[string]interface{}{
		"connectionId": ev.ConnectionID.String(),
		"timestamp":    ev.Timestamp.Format(time.RFC3339Nano),
	}
	if ev.Status != "" {
		data["status"] = string(ev.Status)
		data["previous"] = string(ev.Previous)
	}
	if ev.Error != "" {
		data["error"] = ev.Error
	}
	if ev.Result != nil {
		data["result"] = ev.Result
	}
	for k, v := range ev.Data {
		data[k] = v
	}
	m.publish(ctx, string(ev.Kind), ev.CompanyID, data)
}

func (m *Manager) publish(ctx context.Context, event string, companyID int, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, event, companyID, data); err != nil {
		m.log.WarnWithFields("Failed to publish event", map[string]interface{}{
			"event": event,
			"error": err.Error(),
		})
	}
}
