package apikey

import (
	"time"

	"github.com/google/uuid"
)

// Key is the stored shape of an API key. Only the bcrypt hash survives
// creation; the plaintext is returned once and never persisted.
type Key struct {
	ID          uuid.UUID  `json:"id"`
	CompanyID   int        `json:"companyId"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	Hash        string     `json:"-"`
	Permissions []string   `json:"permissions"`
	Active      bool       `json:"active"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// HasPermission honors the wildcard entry.
func (k *Key) HasPermission(permission string) bool {
	for _, p := range k.Permissions {
		if p == "*" || p == permission {
			return true
		}
	}
	return false
}

// UsageStats aggregates a key's audit trail.
type UsageStats struct {
	KeyID      uuid.UUID  `json:"keyId"`
	Total      int64      `json:"total"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// UsageRecord is the best-effort audit row written on each validation.
type UsageRecord struct {
	ID        uuid.UUID `json:"id"`
	KeyID     uuid.UUID `json:"keyId"`
	CompanyID int       `json:"companyId"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Method    string    `json:"method,omitempty"`
	IP        string    `json:"ip,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
