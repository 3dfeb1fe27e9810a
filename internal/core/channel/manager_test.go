package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chanlink/pkg/errors"
	"chanlink/platform/config"
	"chanlink/platform/logger"
)

type memoryStore struct {
	mu          sync.Mutex
	channels    map[string]uuid.UUID
	connections map[uuid.UUID]*ConnectionInfo
	messages    []*MessageRecord
	inbound     map[uuid.UUID]*InboundWebhookRecord
	statuses    map[uuid.UUID]ConnectionStatus
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		channels:    make(map[string]uuid.UUID),
		connections: make(map[uuid.UUID]*ConnectionInfo),
		inbound:     make(map[uuid.UUID]*InboundWebhookRecord),
		statuses:    make(map[uuid.UUID]ConnectionStatus),
	}
}

func (s *memoryStore) EnsureChannel(ctx context.Context, companyID int, t Type, name string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%d:%s", companyID, t)
	if id, ok := s.channels[key]; ok {
		return id, nil
	}
	id := uuid.New()
	s.channels[key] = id
	return id, nil
}

func (s *memoryStore) CreateConnection(ctx context.Context, conn *ConnectionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *conn
	s.connections[conn.ID] = &c
	return nil
}

func (s *memoryStore) GetConnection(ctx context.Context, id uuid.UUID) (*ConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.connections[id]; ok {
		c := *conn
		return &c, nil
	}
	return nil, errors.ErrConnectionNotFound
}

func (s *memoryStore) ListConnections(ctx context.Context, companyID int) ([]*ConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ConnectionInfo, 0)
	for _, conn := range s.connections {
		if companyID == 0 || conn.CompanyID == companyID {
			c := *conn
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateConnection(ctx context.Context, conn *ConnectionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[conn.ID]; !ok {
		return errors.ErrConnectionNotFound
	}
	c := *conn
	s.connections[conn.ID] = &c
	return nil
}

func (s *memoryStore) UpdateConnectionStatus(ctx context.Context, id uuid.UUID, status ConnectionStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	if conn, ok := s.connections[id]; ok {
		conn.Status = status
		conn.LastError = lastError
	}
	return nil
}

func (s *memoryStore) DeleteConnection(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.connections[id]; !ok {
		return errors.ErrConnectionNotFound
	}
	delete(s.connections, id)
	return nil
}

func (s *memoryStore) LogMessage(ctx context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	s.messages = append(s.messages, &r)
	return nil
}

func (s *memoryStore) LogInboundWebhook(ctx context.Context, rec *InboundWebhookRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	s.inbound[rec.ID] = &r
	return nil
}

func (s *memoryStore) UpdateInboundWebhookStatus(ctx context.Context, id uuid.UUID, status InboundWebhookStatus, processingError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[id]; ok {
		rec.Status = status
		rec.ProcessingError = processingError
	}
	return nil
}

func (s *memoryStore) inboundRecords() []*InboundWebhookRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InboundWebhookRecord, 0, len(s.inbound))
	for _, rec := range s.inbound {
		r := *rec
		out = append(out, &r)
	}
	return out
}

func (s *memoryStore) loggedMessages() []*MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MessageRecord, len(s.messages))
	copy(out, s.messages)
	return out
}

type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) Publish(ctx context.Context, event string, companyID int, data map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	copy(out, b.events)
	return out
}

type stubConfig struct {
	Token string `json:"token"`
	Valid bool   `json:"valid"`
}

func (c *stubConfig) ChannelType() Type { return Type("stub") }

func (c *stubConfig) Validate() error {
	if !c.Valid {
		return errors.ErrInvalidConfiguration
	}
	return nil
}

type stubProvider struct {
	*Runtime

	dialErr    error
	sendResult *MessageResult
	webhookEvs []Event
	webhookErr error

	connectCalls atomic.Int32
	dialGate     chan struct{}
}

func newStubProvider(t *testing.T) *stubProvider {
	return &stubProvider{
		Runtime: NewRuntime(config.ChannelConfig{
			ConnectMaxRetries: 1,
			SendMaxRetries:    1,
		}, logger.New(logger.TestConfig())),
		sendResult: &MessageResult{Success: true, ExternalID: "ext-1"},
	}
}

func (p *stubProvider) Initialize(ctx context.Context, conn *ConnectionInfo) error {
	p.Bind(conn)
	return nil
}

func (p *stubProvider) Connect(ctx context.Context) (ConnectionStatus, error) {
	p.connectCalls.Add(1)
	if p.dialGate != nil {
		<-p.dialGate
	}
	if p.dialErr != nil {
		p.SetStatus(StatusError, p.dialErr.Error())
		return StatusError, p.dialErr
	}
	p.SetStatus(StatusConnected, "")
	return StatusConnected, nil
}

func (p *stubProvider) Disconnect(ctx context.Context) error {
	p.SetStatus(StatusDisconnected, "")
	return nil
}

func (p *stubProvider) Reconnect(ctx context.Context) (ConnectionStatus, error) {
	return p.Connect(ctx)
}

func (p *stubProvider) SendMessage(ctx context.Context, payload MessagePayload) (*MessageResult, error) {
	if p.Status() != StatusConnected {
		return nil, errors.ErrChannelNotConnected
	}
	return p.sendResult, nil
}

func (p *stubProvider) ProcessWebhook(ctx context.Context, body []byte) ([]Event, error) {
	if p.webhookErr != nil {
		return nil, p.webhookErr
	}
	return p.webhookEvs, nil
}

func (p *stubProvider) MarkAsRead(ctx context.Context, externalID string) error { return nil }

func (p *stubProvider) Capabilities() Capabilities { return Capabilities{SendText: true} }

func (p *stubProvider) ChannelType() Type { return Type("stub") }

func stubRegistration(p *stubProvider) Registration {
	return Registration{
		New: func() Provider { return p },
		DecodeConfig: func(raw json.RawMessage) (Configuration, error) {
			cfg := &stubConfig{Valid: true}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, cfg); err != nil {
					return nil, err
				}
			}
			return cfg, nil
		},
	}
}

func setupManager(t *testing.T) (*Manager, *memoryStore, *recordingBus, *stubProvider) {
	t.Helper()
	store := newMemoryStore()
	bus := &recordingBus{}
	provider := newStubProvider(t)

	m := NewManager(store, bus, logger.New(logger.TestConfig()))
	m.RegisterProvider(Type("stub"), stubRegistration(provider))
	return m, store, bus, provider
}

func createConnection(t *testing.T, m *Manager) *ConnectionInfo {
	t.Helper()
	conn, err := m.CreateConnection(context.Background(), 42, Type("stub"), "support", json.RawMessage(`{"token":"abc","valid":true}`))
	require.NoError(t, err)
	return conn
}

func TestCreateConnection(t *testing.T) {
	t.Run("creates a disconnected connection", func(t *testing.T) {
		m, store, bus, _ := setupManager(t)

		conn := createConnection(t, m)
		assert.Equal(t, StatusDisconnected, conn.Status)
		assert.Equal(t, 42, conn.CompanyID)

		stored, err := store.GetConnection(context.Background(), conn.ID)
		require.NoError(t, err)
		assert.Equal(t, conn.ID, stored.ID)
		assert.Contains(t, bus.published(), "channel.created")
	})

	t.Run("rejects unknown channel types", func(t *testing.T) {
		m, _, _, _ := setupManager(t)

		_, err := m.CreateConnection(context.Background(), 42, TypeTelegram, "bot", nil)
		assert.Equal(t, errors.ErrUnsupportedChannel, err)
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		m, _, _, _ := setupManager(t)

		_, err := m.CreateConnection(context.Background(), 42, Type("stub"), "support", json.RawMessage(`{"valid":false}`))
		require.Error(t, err)
	})

	t.Run("reuses the company channel across connections", func(t *testing.T) {
		m, _, _, _ := setupManager(t)

		first := createConnection(t, m)
		second := createConnection(t, m)
		assert.Equal(t, first.ChannelID, second.ChannelID)
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestConnect(t *testing.T) {
	t.Run("connects and publishes", func(t *testing.T) {
		m, _, bus, _ := setupManager(t)
		conn := createConnection(t, m)

		status, err := m.Connect(context.Background(), conn.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusConnected, status)
		assert.Contains(t, bus.published(), "channel.connected")
	})

	t.Run("connecting a connected provider is a no-op", func(t *testing.T) {
		m, _, _, provider := setupManager(t)
		conn := createConnection(t, m)

		_, err := m.Connect(context.Background(), conn.ID)
		require.NoError(t, err)
		calls := provider.connectCalls.Load()

		status, err := m.Connect(context.Background(), conn.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusConnected, status)
		assert.Equal(t, calls, provider.connectCalls.Load())
	})

	t.Run("concurrent connect fails fast", func(t *testing.T) {
		m, _, _, provider := setupManager(t)
		conn := createConnection(t, m)

		provider.dialGate = make(chan struct{})

		done := make(chan error, 1)
		go func() {
			_, err := m.Connect(context.Background(), conn.ID)
			done <- err
		}()

		// Wait until the first connect is inside the dial.
		require.Eventually(t, func() bool {
			return provider.connectCalls.Load() > 0
		}, time.Second, 5*time.Millisecond)

		_, err := m.Connect(context.Background(), conn.ID)
		assert.Equal(t, errors.ErrAlreadyConnecting, err)

		close(provider.dialGate)
		require.NoError(t, <-done)
	})

	t.Run("dial failure leaves no active provider", func(t *testing.T) {
		m, _, _, provider := setupManager(t)
		conn := createConnection(t, m)

		provider.dialErr = fmt.Errorf("refused")

		_, err := m.Connect(context.Background(), conn.ID)
		require.Error(t, err)
		assert.Empty(t, m.ActiveConnections(0))
	})

	t.Run("unknown connection", func(t *testing.T) {
		m, _, _, _ := setupManager(t)

		_, err := m.Connect(context.Background(), uuid.New())
		assert.Equal(t, errors.ErrConnectionNotFound, err)
	})
}

func TestSendMessage(t *testing.T) {
	t.Run("routes to the live provider and logs the message", func(t *testing.T) {
		m, store, _, _ := setupManager(t)
		conn := createConnection(t, m)

		_, err := m.Connect(context.Background(), conn.ID)
		require.NoError(t, err)

		res, err := m.SendMessage(context.Background(), conn.ID, MessagePayload{
			To:   "+5511999999999",
			Type: MessageText,
			Text: "hello",
		})
		require.NoError(t, err)
		assert.True(t, res.Success)

		msgs := store.loggedMessages()
		require.Len(t, msgs, 1)
		assert.Equal(t, DirectionOutbound, msgs[0].Direction)
		assert.Equal(t, "ext-1", msgs[0].ExternalID)
		assert.Equal(t, "sent", msgs[0].Status)
	})

	t.Run("rejects sends without a live provider", func(t *testing.T) {
		m, _, _, _ := setupManager(t)
		conn := createConnection(t, m)

		_, err := m.SendMessage(context.Background(), conn.ID, MessagePayload{To: "+1", Type: MessageText, Text: "hi"})
		assert.Equal(t, errors.ErrChannelNotConnected, err)
	})
}

func TestProcessInboundWebhook(t *testing.T) {
	t.Run("audits before processing and republishes events", func(t *testing.T) {
		m, store, bus, provider := setupManager(t)
		conn := createConnection(t, m)

		_, err := m.Connect(context.Background(), conn.ID)
		require.NoError(t, err)

		provider.webhookEvs = []Event{{
			Kind:         EventMessageReceived,
			ConnectionID: conn.ID,
			CompanyID:    conn.CompanyID,
			Data: map[string]interface{}{
				"from":       "+5511888888888",
				"text":       "hi there",
				"externalId": "wamid.in.1",
			},
			Timestamp: time.Now(),
		}}

		events, err := m.ProcessInboundWebhook(context.Background(), conn.ID, []byte(`{"entry":[]}`))
		require.NoError(t, err)
		require.Len(t, events, 1)

		records := store.inboundRecords()
		require.Len(t, records, 1)
		assert.Equal(t, InboundProcessed, records[0].Status)

		msgs := store.loggedMessages()
		require.Len(t, msgs, 1)
		assert.Equal(t, DirectionInbound, msgs[0].Direction)
		assert.Equal(t, "+5511888888888", msgs[0].Sender)
		assert.Equal(t, "hi there", msgs[0].Body)

		assert.Contains(t, bus.published(), string(EventMessageReceived))
	})

	t.Run("audit row survives a provider failure", func(t *testing.T) {
		m, store, _, provider := setupManager(t)
		conn := createConnection(t, m)

		_, err := m.Connect(context.Background(), conn.ID)
		require.NoError(t, err)

		provider.webhookErr = fmt.Errorf("malformed payload")

		_, err = m.ProcessInboundWebhook(context.Background(), conn.ID, []byte(`garbage`))
		require.Error(t, err)

		records := store.inboundRecords()
		require.Len(t, records, 1)
		assert.Equal(t, InboundFailed, records[0].Status)
		assert.Equal(t, "malformed payload", records[0].ProcessingError)
	})

	t.Run("webhook for an offline connection is audited as failed", func(t *testing.T) {
		m, store, _, _ := setupManager(t)
		conn := createConnection(t, m)

		_, err := m.ProcessInboundWebhook(context.Background(), conn.ID, []byte(`{}`))
		assert.Equal(t, errors.ErrConnectionNotFound, err)

		records := store.inboundRecords()
		require.Len(t, records, 1)
		assert.Equal(t, InboundFailed, records[0].Status)
		assert.Equal(t, conn.CompanyID, records[0].CompanyID)
	})
}

func TestUpdateConnection(t *testing.T) {
	t.Run("merge-patches configuration", func(t *testing.T) {
		m, _, _, _ := setupManager(t)
		conn := createConnection(t, m)

		updated, err := m.UpdateConnection(context.Background(), conn.ID, "", json.RawMessage(`{"token":"rotated"}`))
		require.NoError(t, err)

		cfg, ok := updated.Configuration.(*stubConfig)
		require.True(t, ok)
		assert.Equal(t, "rotated", cfg.Token)
		assert.True(t, cfg.Valid, "untouched fields survive the patch")
	})

	t.Run("renames without touching configuration", func(t *testing.T) {
		m, _, _, _ := setupManager(t)
		conn := createConnection(t, m)

		updated, err := m.UpdateConnection(context.Background(), conn.ID, "sales", nil)
		require.NoError(t, err)
		assert.Equal(t, "sales", updated.Name)
	})

	t.Run("live provider is re-initialized without reconnecting", func(t *testing.T) {
		m, _, _, provider := setupManager(t)
		conn := createConnection(t, m)

		_, err := m.Connect(context.Background(), conn.ID)
		require.NoError(t, err)
		calls := provider.connectCalls.Load()

		_, err = m.UpdateConnection(context.Background(), conn.ID, "", json.RawMessage(`{"token":"rotated"}`))
		require.NoError(t, err)

		assert.Equal(t, calls, provider.connectCalls.Load())
		assert.Equal(t, StatusConnected, provider.Status())
	})
}

func TestDeleteConnection(t *testing.T) {
	m, store, _, provider := setupManager(t)
	conn := createConnection(t, m)

	_, err := m.Connect(context.Background(), conn.ID)
	require.NoError(t, err)

	require.NoError(t, m.DeleteConnection(context.Background(), conn.ID))
	assert.Equal(t, StatusDisconnected, provider.Status())

	_, err = store.GetConnection(context.Background(), conn.ID)
	assert.Equal(t, errors.ErrConnectionNotFound, err)
}

func TestDisconnect(t *testing.T) {
	t.Run("disconnects a live provider and publishes", func(t *testing.T) {
		m, _, bus, provider := setupManager(t)
		conn := createConnection(t, m)

		_, err := m.Connect(context.Background(), conn.ID)
		require.NoError(t, err)

		require.NoError(t, m.Disconnect(context.Background(), conn.ID))
		assert.Equal(t, StatusDisconnected, provider.Status())
		assert.Contains(t, bus.published(), "channel.disconnected")
	})

	t.Run("offline connection just updates the row", func(t *testing.T) {
		m, store, _, _ := setupManager(t)
		conn := createConnection(t, m)

		require.NoError(t, m.Disconnect(context.Background(), conn.ID))

		stored, err := store.GetConnection(context.Background(), conn.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDisconnected, stored.Status)
	})
}
