package store

import (
	"context"
	"time"

	"github.com/rendis/credvault/pkg/schema"
)

// CredentialStore persists encrypted credential records.
// All implementations must be safe for concurrent use.
type CredentialStore interface {
	// FindByProviderID returns the record for providerID, active or not.
	FindByProviderID(ctx context.Context, providerID string) (*CredentialRecord, error)
	// Upsert inserts or replaces the single record for rec.ProviderID, marks it
	// active and bumps its revision. rec.Revision is updated in place.
	Upsert(ctx context.Context, rec *CredentialRecord) error
	UpdateActiveFlag(ctx context.Context, providerID string, active bool) error
	FindManyExpiredActive(ctx context.Context, now time.Time) ([]*CredentialRecord, error)
	// DeactivateMany deactivates the listed records whose expiry is still at or
	// before now, and returns how many rows changed.
	DeactivateMany(ctx context.Context, providerIDs []string, now time.Time) (int64, error)
	ListActive(ctx context.Context) ([]*CredentialRecord, error)
	// CompareAndSwapEncrypted replaces the encrypted bundle only if the stored
	// revision still equals expectedRevision. Returns CONFLICT otherwise.
	CompareAndSwapEncrypted(ctx context.Context, providerID string, expectedRevision int64, enc schema.EncryptedBundle) error

	// AcquireRotationLock takes the store-wide rotation lease. Returns CONFLICT
	// while another holder owns an unexpired lease.
	AcquireRotationLock(ctx context.Context, holder string, lease time.Duration) error
	ReleaseRotationLock(ctx context.Context, holder string) error
}

// AuditStore is the durable sink for audit entries.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *schema.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*schema.AuditEntry, error)
}

// Store is the full persistence contract.
type Store interface {
	CredentialStore
	AuditStore

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
