package apikey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chanlink/pkg/errors"
	"chanlink/platform/config"
	"chanlink/platform/logger"
)

// Repository persists keys and their usage trail.
type Repository interface {
	Save(ctx context.Context, key *Key) error
	Update(ctx context.Context, key *Key) error
	GetByID(ctx context.Context, id uuid.UUID) (*Key, error)
	List(ctx context.Context, companyID int) ([]*Key, error)
	ListActive(ctx context.Context) ([]*Key, error)
	LogUsage(ctx context.Context, rec *UsageRecord) error
	UsageStats(ctx context.Context, keyID uuid.UUID) (*UsageStats, error)
}

// RequestInfo carries optional request context into the usage audit.
type RequestInfo struct {
	Endpoint string
	Method   string
	IP       string
}

type rateWindow struct {
	start time.Time
	count int
}

// Service issues, validates and revokes API keys. Validation runs against
// an in-memory snapshot of active keys plus a TTL cache of resolved
// plaintexts, so the hot path never waits on storage.
type Service struct {
	cfg  config.APIKeyConfig
	repo Repository
	log  *logger.Logger

	cache *ttlCache

	mu      sync.RWMutex
	active  map[uuid.UUID]*Key
	windows map[uuid.UUID]*rateWindow

	now func() time.Time
}

func NewService(cfg config.APIKeyConfig, repo Repository, log *logger.Logger) *Service {
	return &Service{
		cfg:     cfg,
		repo:    repo,
		log:     log.WithModule("apikey"),
		cache:   newTTLCache(cfg.CacheTTL),
		active:  make(map[uuid.UUID]*Key),
		windows: make(map[uuid.UUID]*rateWindow),
		now:     time.Now,
	}
}

// Start warms the active-key snapshot from storage.
func (s *Service) Start(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	keys, err := s.repo.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "loading api keys")
	}

	s.mu.Lock()
	for _, k := range keys {
		s.active[k.ID] = k
	}
	s.mu.Unlock()

	s.log.InfoWithFields("API keys loaded", map[string]interface{}{
		"count": len(keys),
	})
	return nil
}

// Generate creates a key and returns the plaintext exactly once.
func (s *Service) Generate(ctx context.Context, companyID int, name string, permissions []string, expiresAt *time.Time) (string, *Key, error) {
	secret := make([]byte, s.cfg.SecretLength)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, errors.Wrap(err, "generating key material")
	}
	plaintext := s.cfg.Prefix + base64.RawURLEncoding.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.cfg.BcryptCost)
	if err != nil {
		return "", nil, errors.Wrap(err, "hashing key")
	}

	if len(permissions) == 0 {
		permissions = []string{"*"}
	}

	now := s.now()
	key := &Key{
		ID:          uuid.New(),
		CompanyID:   companyID,
		Name:        name,
		Prefix:      displayPrefix(plaintext),
		Hash:        string(hash),
		Permissions: permissions,
		Active:      true,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if s.repo != nil {
		if err := s.repo.Save(ctx, key); err != nil {
			return "", nil, errors.Wrap(err, "saving api key")
		}
	}

	s.mu.Lock()
	stored := *key
	s.active[key.ID] = &stored
	s.mu.Unlock()
	s.cache.Set(plaintext, key)

	s.log.InfoWithFields("API key generated", map[string]interface{}{
		"key_id":     key.ID.String(),
		"company_id": companyID,
		"prefix":     key.Prefix,
	})
	return plaintext, key, nil
}

// Validate resolves a plaintext key, enforces the fixed-window rate limit
// and records usage best effort.
func (s *Service) Validate(ctx context.Context, plaintext string, info RequestInfo) (*Key, error) {
	if !strings.HasPrefix(plaintext, s.cfg.Prefix) {
		return nil, errors.ErrInvalidAPIKey
	}

	key, ok := s.cache.Get(plaintext)
	if !ok {
		key = s.resolve(plaintext)
		if key == nil {
			return nil, errors.ErrInvalidAPIKey
		}
		s.cache.Set(plaintext, key)
	}

	if !key.Active {
		return nil, errors.ErrAPIKeyRevoked
	}
	if key.ExpiresAt != nil && s.now().After(*key.ExpiresAt) {
		return nil, errors.ErrAPIKeyRevoked
	}

	if !s.allow(key.ID) {
		return nil, errors.ErrRateLimited
	}

	s.audit(ctx, key, info)
	return key, nil
}

// Revoke deactivates a key and purges it from the cache. Revoking an
// already revoked or unknown key is not an error.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	now := s.now()

	s.mu.Lock()
	key, ok := s.active[id]
	if ok {
		key.Active = false
		key.RevokedAt = &now
		key.UpdatedAt = now
		delete(s.active, id)
	}
	var snapshot *Key
	if ok {
		c := *key
		snapshot = &c
	}
	s.mu.Unlock()

	s.cache.DeleteByID(id.String())

	if snapshot != nil && s.repo != nil {
		if err := s.repo.Update(ctx, snapshot); err != nil {
			return errors.Wrap(err, "revoking api key")
		}
	}

	s.log.InfoWithFields("API key revoked", map[string]interface{}{
		"key_id": id.String(),
	})
	return nil
}

// UpdatePermissions replaces a key's permission set.
func (s *Service) UpdatePermissions(ctx context.Context, id uuid.UUID, permissions []string) (*Key, error) {
	s.mu.Lock()
	key, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.ErrAPIKeyNotFound
	}
	key.Permissions = permissions
	key.UpdatedAt = s.now()
	snapshot := *key
	s.mu.Unlock()

	// Cached plaintexts resolved to the old permission set.
	s.cache.DeleteByID(id.String())

	if s.repo != nil {
		if err := s.repo.Update(ctx, &snapshot); err != nil {
			return nil, errors.Wrap(err, "updating api key")
		}
	}
	return &snapshot, nil
}

// Usage aggregates the audit trail for one key. Revoked keys keep their
// history, so the key is looked up in storage rather than the active
// snapshot.
func (s *Service) Usage(ctx context.Context, id uuid.UUID) (*UsageStats, error) {
	if s.repo == nil {
		return nil, errors.ErrAPIKeyNotFound
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	stats, err := s.repo.UsageStats(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "aggregating key usage")
	}
	return stats, nil
}

func (s *Service) List(ctx context.Context, companyID int) ([]*Key, error) {
	if s.repo != nil {
		return s.repo.List(ctx, companyID)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Key, 0)
	for _, k := range s.active {
		if companyID == 0 || k.CompanyID == companyID {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

// resolve bcrypt-compares the plaintext against every active key and
// returns a copy of the match, so callers never hold a pointer into the
// snapshot. Slow path; hits land in the cache.
func (s *Service) resolve(plaintext string) *Key {
	s.mu.RLock()
	candidates := make([]Key, 0, len(s.active))
	for _, k := range s.active {
		candidates = append(candidates, *k)
	}
	s.mu.RUnlock()

	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].Hash), []byte(plaintext)) == nil {
			k := candidates[i]
			return &k
		}
	}
	return nil
}

// allow enforces a fixed window per key.
func (s *Service) allow(id uuid.UUID) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[id]
	if !ok || now.Sub(w.start) >= s.cfg.RateLimitWindow {
		s.windows[id] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= s.cfg.RateLimitMax {
		return false
	}
	w.count++
	return true
}

// RateStatus reports the remaining window budget and its reset time.
func (s *Service) RateStatus(id uuid.UUID) (int, time.Time) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[id]
	if !ok || now.Sub(w.start) >= s.cfg.RateLimitWindow {
		return s.cfg.RateLimitMax, now.Add(s.cfg.RateLimitWindow)
	}
	remaining := s.cfg.RateLimitMax - w.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, w.start.Add(s.cfg.RateLimitWindow)
}

func (s *Service) audit(ctx context.Context, key *Key, info RequestInfo) {
	now := s.now()

	s.mu.Lock()
	if k, ok := s.active[key.ID]; ok {
		k.LastUsedAt = &now
	}
	s.mu.Unlock()

	if s.repo == nil {
		return
	}
	rec := &UsageRecord{
		ID:        uuid.New(),
		KeyID:     key.ID,
		CompanyID: key.CompanyID,
		Endpoint:  info.Endpoint,
		Method:    info.Method,
		IP:        info.IP,
		Timestamp: now,
	}
	if err := s.repo.LogUsage(ctx, rec); err != nil {
		s.log.DebugWithFields("Failed to log key usage", map[string]interface{}{
			"key_id": key.ID.String(),
			"error":  err.Error(),
		})
	}
}

// MaskKey redacts a plaintext key for logs.
func MaskKey(plaintext string) string {
	if len(plaintext) <= 12 {
		return strings.Repeat("*", len(plaintext))
	}
	return plaintext[:8] + strings.Repeat("*", len(plaintext)-12) + plaintext[len(plaintext)-4:]
}

func displayPrefix(plaintext string) string {
	if len(plaintext) < 12 {
		return plaintext
	}
	return plaintext[:12]
}

// SetNow overrides the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
	s.cache.now = now
}
