package store

import (
	"time"

	"github.com/rendis/credvault/pkg/schema"
)

// CredentialRecord is the persisted representation of one provider's credentials.
// Only the encrypted bundle is stored; plaintext never reaches this layer.
type CredentialRecord struct {
	ProviderID   string                 `json:"provider_id"`
	ProviderType schema.ProviderType    `json:"provider_type"`
	AuthType     schema.AuthType        `json:"auth_type"`
	Encrypted    schema.EncryptedBundle `json:"encrypted"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
	Active       bool                   `json:"active"`
	Revision     int64                  `json:"revision"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// IsExpired reports whether the record has an expiry at or before now.
func (r *CredentialRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// AuditFilter specifies criteria for listing audit entries.
type AuditFilter struct {
	ProviderID string             `json:"provider_id,omitempty"`
	ActorID    string             `json:"actor_id,omitempty"`
	Action     schema.AuditAction `json:"action,omitempty"`
	Since      *time.Time         `json:"since,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}
