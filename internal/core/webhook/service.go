package webhook

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chanlink/internal/core/eventbus"
	"chanlink/internal/queue"
	"chanlink/pkg/errors"
	"chanlink/platform/config"
	"chanlink/platform/logger"
)

const userAgent = "chanlink-webhooks/1.0"

// Repository persists webhook registrations across restarts. The live
// registry stays in memory; the repository is the warm-up source.
type Repository interface {
	Save(ctx context.Context, cfg *Config) error
	List(ctx context.Context) ([]*Config, error)
	Delete(ctx context.Context, id uuid.UUID) error
	UpdateStats(ctx context.Context, cfg *Config) error
}

// Bus is the slice of the event bus the service needs.
type Bus interface {
	SubscribeAll(h eventbus.Handler) string
	Publish(ctx context.Context, event string, companyID int, data map[string]interface{}) error
}

// Service fans bus events out to registered HTTP endpoints with signing,
// retries, a per-endpoint circuit breaker and delivery history.
type Service struct {
	cfg  config.WebhookConfig
	repo Repository
	q    queue.Queue
	bus  Bus
	log  *logger.Logger

	client *http.Client

	mu       sync.RWMutex
	webhooks map[uuid.UUID]*Config
	history  map[uuid.UUID][]DeliveryRecord
	breakers map[uuid.UUID]*breakerState

	subID  string
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

func NewService(cfg config.WebhookConfig, repo Repository, q queue.Queue, bus Bus, log *logger.Logger) *Service {
	return &Service{
		cfg:  cfg,
		repo: repo,
		q:    q,
		bus:  bus,
		log:  log.WithModule("webhook-delivery"),
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after 5 redirects")
				}
				return nil
			},
		},
		webhooks: make(map[uuid.UUID]*Config),
		history:  make(map[uuid.UUID][]DeliveryRecord),
		breakers: make(map[uuid.UUID]*breakerState),
		now:      time.Now,
	}
}

// Start warms the registry from storage, subscribes to every bus event and
// spins up the delivery workers.
func (s *Service) Start(ctx context.Context) error {
	if s.repo != nil {
		configs, err := s.repo.List(ctx)
		if err != nil {
			return errors.Wrap(err, "loading webhook registrations")
		}
		s.mu.Lock()
		for _, cfg := range configs {
			s.webhooks[cfg.ID] = cfg
		}
		s.mu.Unlock()
	}

	if s.bus != nil {
		s.subID = s.bus.SubscribeAll(s.handleEvent)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.log.InfoWithFields("Webhook delivery started", map[string]interface{}{
		"workers":  s.cfg.Workers,
		"webhooks": len(s.webhooks),
	})
	return nil
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.q.Close()
	s.wg.Wait()
	s.log.Info("Webhook delivery stopped")
}

// Register validates and stores a new webhook registration. The signing
// secret is always generated here; a caller-supplied one is discarded.
func (s *Service) Register(ctx context.Context, cfg *Config) error {
	secret, err := generateSecret()
	if err != nil {
		return errors.Wrap(err, "generating webhook secret")
	}
	cfg.Secret = secret

	if err := validateConfig(cfg); err != nil {
		return err
	}

	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	now := s.now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.Active = true
	cfg.FailureCount = 0

	if s.repo != nil {
		if err := s.repo.Save(ctx, cfg); err != nil {
			return errors.Wrap(err, "saving webhook")
		}
	}

	s.mu.Lock()
	s.webhooks[cfg.ID] = cfg
	s.mu.Unlock()

	s.log.InfoWithFields("Webhook registered", map[string]interface{}{
		"webhook_id": cfg.ID.String(),
		"company_id": cfg.CompanyID,
		"url":        cfg.URL,
	})
	return nil
}

// Update patches mutable fields of a registration. The patch is validated
// on a copy before the registry entry is swapped, so a rejected update
// leaves the webhook as it was. The id, signing secret and creation time
// never change. Re-activating a webhook resets its failure count and
// breaker.
func (s *Service) Update(ctx context.Context, id uuid.UUID, apply func(*Config)) (*Config, error) {
	s.mu.Lock()
	cfg, ok := s.webhooks[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.ErrWebhookNotFound
	}

	updated := *cfg
	apply(&updated)
	updated.ID = cfg.ID
	updated.Secret = cfg.Secret
	updated.CreatedAt = cfg.CreatedAt

	if err := validateConfig(&updated); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	updated.UpdatedAt = s.now()
	if !cfg.Active && updated.Active {
		updated.FailureCount = 0
		delete(s.breakers, id)
	}
	*cfg = updated
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.Save(ctx, &updated); err != nil {
			return nil, errors.Wrap(err, "saving webhook")
		}
	}
	return &updated, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	_, ok := s.webhooks[id]
	delete(s.webhooks, id)
	delete(s.history, id)
	delete(s.breakers, id)
	s.mu.Unlock()

	if !ok {
		return errors.ErrWebhookNotFound
	}
	if s.repo != nil {
		return s.repo.Delete(ctx, id)
	}
	return nil
}

func (s *Service) Get(id uuid.UUID) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cfg, ok := s.webhooks[id]; ok {
		c := *cfg
		return &c, nil
	}
	return nil, errors.ErrWebhookNotFound
}

func (s *Service) List(companyID int) []*Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Config, 0, len(s.webhooks))
	for _, cfg := range s.webhooks {
		if companyID != 0 && cfg.CompanyID != companyID {
			continue
		}
		c := *cfg
		out = append(out, &c)
	}
	return out
}

// History returns delivery attempts for a webhook, newest first.
func (s *Service) History(id uuid.UUID, limit int) []DeliveryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.history[id]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	out := make([]DeliveryRecord, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out
}

// EndpointStats aggregates the retained delivery history for one webhook.
type EndpointStats struct {
	WebhookID     uuid.UUID  `json:"webhookId"`
	Total         int        `json:"total"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	SuccessRate   float64    `json:"successRate"`
	AvgDurationMs int64      `json:"avgDurationMs"`
	LastSuccess   *time.Time `json:"lastSuccess,omitempty"`
	LastFailure   *time.Time `json:"lastFailure,omitempty"`
}

// Stats summarizes the retained history window, not lifetime totals.
func (s *Service) Stats(id uuid.UUID) (*EndpointStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.webhooks[id]
	if !ok {
		return nil, errors.ErrWebhookNotFound
	}

	stats := &EndpointStats{
		WebhookID:   id,
		LastSuccess: cfg.LastSuccess,
		LastFailure: cfg.LastFailure,
	}
	var totalDuration int64
	for _, rec := range s.history[id] {
		stats.Total++
		if rec.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		totalDuration += rec.DurationMs
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
		stats.AvgDurationMs = totalDuration / int64(stats.Total)
	}
	return stats, nil
}

// Test delivers a synthetic event immediately, bypassing the queue and the
// breaker bookkeeping. A nil data map falls back to a canned payload.
func (s *Service) Test(ctx context.Context, id uuid.UUID, data map[string]interface{}) (*DeliveryRecord, error) {
	s.mu.RLock()
	cfg, ok := s.webhooks[id]
	var snapshot Config
	if ok {
		snapshot = *cfg
	}
	s.mu.RUnlock()

	if !ok {
		return nil, errors.ErrWebhookNotFound
	}

	if data == nil {
		data = map[string]interface{}{
			"message": "test delivery",
		}
	}
	d := delivery{
		WebhookID: id,
		EventID:   uuid.NewString(),
		Event:     "webhook.test",
		CompanyID: snapshot.CompanyID,
		Data:      data,
	}
	rec := s.deliver(ctx, &snapshot, d, 1)
	s.record(id, rec)
	return &rec, nil
}

// handleEvent is the bus subscriber: one queued delivery per matching
// active webhook. Fan-out problems are logged, never propagated.
func (s *Service) handleEvent(ctx context.Context, p eventbus.Payload) error {
	s.mu.RLock()
	targets := make([]uuid.UUID, 0)
	for id, cfg := range s.webhooks {
		if !cfg.Active || cfg.CompanyID != p.CompanyID || !cfg.Matches(p.Event) {
			continue
		}
		targets = append(targets, id)
	}
	s.mu.RUnlock()

	for _, id := range targets {
		if s.breakerOpen(id) {
			s.log.WarnWithFields("Delivery not queued, circuit breaker open", map[string]interface{}{
				"webhook_id": id.String(),
				"event":      p.Event,
			})
			continue
		}
		d := delivery{
			WebhookID:     id,
			EventID:       p.ID,
			Event:         p.Event,
			CompanyID:     p.CompanyID,
			Data:          p.Data,
			CorrelationID: p.Metadata.CorrelationID,
		}
		if err := s.enqueue(ctx, d, 1); err != nil {
			s.log.ErrorWithFields("Failed to queue webhook delivery", map[string]interface{}{
				"webhook_id": id.String(),
				"event":      p.Event,
				"error":      err.Error(),
			})
		}
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, d delivery, attempt int) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.q.Enqueue(ctx, queue.Job{
		ID:         uuid.NewString(),
		Priority:   priorityForEvent(d.Event),
		Payload:    body,
		Attempt:    attempt,
		EnqueuedAt: s.now(),
	})
}

// priorityForEvent orders deliveries: failures first, conversation
// traffic next, everything else last.
func priorityForEvent(event string) int {
	switch {
	case strings.Contains(event, "failed") || strings.Contains(event, "error"):
		return queue.PriorityHigh
	case strings.HasPrefix(event, "message.") || strings.HasPrefix(event, "whatsapp."):
		return queue.PriorityMedium
	default:
		return queue.PriorityLow
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		job, err := s.q.Dequeue(ctx)
		if err != nil {
			return
		}

		var d delivery
		if err := json.Unmarshal(job.Payload, &d); err != nil {
			s.log.ErrorWithFields("Dropping undecodable delivery job", map[string]interface{}{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			continue
		}
		s.process(ctx, d, job.Attempt)
	}
}

func (s *Service) process(ctx context.Context, d delivery, attempt int) {
	s.mu.RLock()
	cfg, ok := s.webhooks[d.WebhookID]
	var snapshot Config
	if ok {
		snapshot = *cfg
	}
	s.mu.RUnlock()

	if !ok || !snapshot.Active {
		return
	}

	if s.breakerOpen(d.WebhookID) {
		s.log.WarnWithFields("Delivery skipped, circuit breaker open", map[string]interface{}{
			"webhook_id": d.WebhookID.String(),
			"event":      d.Event,
		})
		return
	}

	rec := s.deliver(ctx, &snapshot, d, attempt)
	s.record(d.WebhookID, rec)

	if rec.Success {
		s.onSuccess(ctx, d.WebhookID)
		return
	}
	s.onFailure(ctx, d, attempt, rec)
}

// deliver performs one HTTP attempt. Custom headers are applied first so a
// registration can never shadow the reserved ones.
func (s *Service) deliver(ctx context.Context, cfg *Config, d delivery, attempt int) DeliveryRecord {
	rec := DeliveryRecord{
		ID:        uuid.New(),
		WebhookID: cfg.ID,
		Event:     d.Event,
		Attempt:   attempt,
		Timestamp: s.now(),
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":            d.EventID,
		"event":         d.Event,
		"data":          d.Data,
		"correlationId": d.CorrelationID,
		"timestamp":     rec.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		rec.Error = err.Error()
		return rec
	}

	timestampMs := rec.Timestamp.UnixMilli()
	signature := Sign(cfg.Secret, timestampMs, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		rec.Error = err.Error()
		return rec
	}

	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", d.Event)
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", timestampMs))
	req.Header.Set("X-Webhook-ID", cfg.ID.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	rec.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	defer resp.Body.Close()

	rec.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec.Success = true
	} else {
		rec.Error = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	}
	return rec
}

func (s *Service) onSuccess(ctx context.Context, id uuid.UUID) {
	now := s.now()

	s.mu.Lock()
	cfg, ok := s.webhooks[id]
	if ok {
		cfg.FailureCount = 0
		cfg.LastSuccess = &now
	}
	delete(s.breakers, id)
	var snapshot Config
	if ok {
		snapshot = *cfg
	}
	s.mu.Unlock()

	if ok && s.repo != nil {
		if err := s.repo.UpdateStats(ctx, &snapshot); err != nil {
			s.log.WarnWithFields("Failed to persist webhook stats", map[string]interface{}{
				"webhook_id": id.String(),
				"error":      err.Error(),
			})
		}
	}
}

func (s *Service) onFailure(ctx context.Context, d delivery, attempt int, rec DeliveryRecord) {
	now := s.now()

	s.mu.Lock()
	cfg, ok := s.webhooks[d.WebhookID]
	if ok {
		cfg.FailureCount++
		cfg.LastFailure = &now
	}

	br := s.breakers[d.WebhookID]
	if br == nil {
		br = &breakerState{}
		s.breakers[d.WebhookID] = br
	}
	br.failures++
	if br.failures >= s.cfg.BreakerThreshold && !br.open {
		br.open = true
		br.openedAt = now
		s.log.WarnWithFields("Circuit breaker opened", map[string]interface{}{
			"webhook_id": d.WebhookID.String(),
			"failures":   br.failures,
		})
	}

	var snapshot Config
	var failureCount int
	if ok {
		snapshot = *cfg
		failureCount = cfg.FailureCount
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if attempt < s.cfg.MaxRetries {
		next := attempt + 1
		delay := s.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		time.AfterFunc(delay, func() {
			if err := s.enqueue(context.Background(), d, next); err != nil {
				s.log.ErrorWithFields("Failed to requeue delivery", map[string]interface{}{
					"webhook_id": d.WebhookID.String(),
					"error":      err.Error(),
				})
			}
		})
		if s.repo != nil {
			_ = s.repo.UpdateStats(ctx, &snapshot)
		}
		return
	}

	// Retries exhausted.
	s.log.ErrorWithFields("Webhook delivery exhausted retries", map[string]interface{}{
		"webhook_id": d.WebhookID.String(),
		"event":      d.Event,
		"attempts":   attempt,
		"error":      rec.Error,
	})

	if s.bus != nil {
		_ = s.bus.Publish(ctx, "webhook.failed", d.CompanyID, map[string]interface{}{
			"webhookId": d.WebhookID.String(),
			"event":     d.Event,
			"error":     rec.Error,
			"attempts":  attempt,
		})
	}

	if failureCount > s.cfg.DeactivateAfter {
		s.mu.Lock()
		if cfg, ok := s.webhooks[d.WebhookID]; ok {
			cfg.Active = false
			snapshot = *cfg
		}
		s.mu.Unlock()

		s.log.WarnWithFields("Webhook auto-deactivated", map[string]interface{}{
			"webhook_id":    d.WebhookID.String(),
			"failure_count": failureCount,
		})
	}

	if s.repo != nil {
		if err := s.repo.UpdateStats(ctx, &snapshot); err != nil {
			s.log.WarnWithFields("Failed to persist webhook stats", map[string]interface{}{
				"webhook_id": d.WebhookID.String(),
				"error":      err.Error(),
			})
		}
	}
}

// breakerOpen reports whether deliveries should be skipped. An open
// breaker lets one probe through after the recovery window.
func (s *Service) breakerOpen(id uuid.UUID) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	br, ok := s.breakers[id]
	if !ok || !br.open {
		return false
	}
	if now.Sub(br.openedAt) >= s.cfg.BreakerRecovery {
		// Half-open: allow the next delivery and re-arm on failure.
		br.open = false
		br.failures = s.cfg.BreakerThreshold - 1
		return false
	}
	return true
}

func (s *Service) record(id uuid.UUID, rec DeliveryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := append(s.history[id], rec)
	if len(entries) > s.cfg.HistoryLimit {
		entries = entries[len(entries)-s.cfg.HistoryLimit:]
	}
	s.history[id] = entries
}

func validateConfig(cfg *Config) error {
	if cfg.URL == "" {
		return errors.NewWithDetails(errors.ErrInvalidWebhookData.Code, errors.ErrInvalidWebhookData.Message, "url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.NewWithDetails(errors.ErrInvalidWebhookData.Code, errors.ErrInvalidWebhookData.Message, "url must be http or https")
	}
	if len(cfg.Events) == 0 {
		return errors.NewWithDetails(errors.ErrInvalidWebhookData.Code, errors.ErrInvalidWebhookData.Message, "at least one event is required")
	}
	if cfg.Secret == "" {
		return errors.NewWithDetails(errors.ErrInvalidWebhookData.Code, errors.ErrInvalidWebhookData.Message, "secret is required")
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// SetNow overrides the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}
