// Package vault is the credential facade the rest of the platform calls:
// validated, encrypted storage of provider credentials with a short-lived
// decrypted cache, expiry handling, OAuth refresh and key rotation.
package vault

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rendis/credvault/internal/cache"
	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/refresh"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/streaming"
	"github.com/rendis/credvault/internal/usage"
	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/pkg/schema"
)

// DefaultGracePeriod is the diagnostic window after nominal expiry.
const DefaultGracePeriod = 5 * time.Minute

// refresherActor is the actor recorded for writes made by token refresh.
const refresherActor = "system:refresher"

// Refresher renews expired OAuth credentials.
type Refresher interface {
	Refresh(ctx context.Context, providerID string) schema.RefreshOutcome
}

// AuditRecorder accepts audit entries without blocking or failing.
type AuditRecorder interface {
	Record(ctx context.Context, entry schema.AuditEntry)
}

// CacheEntry is a decrypted bundle held in the cache together with the
// credential's own expiry.
type CacheEntry struct {
	Bundle    schema.Bundle
	ExpiresAt *time.Time
}

// Cache is the decrypted-credential cache.
type Cache = cache.TTLCache[string, CacheEntry]

// NewCache creates a decrypted-credential cache.
func NewCache(opts cache.Options) *Cache {
	return cache.New[string, CacheEntry](opts)
}

// Deps are the collaborators of a Service. Store, Cipher and Validator are
// required; everything else has a default or may be nil.
type Deps struct {
	Store     store.CredentialStore
	Cipher    *secrets.Cipher
	Validator *validation.Validator
	Cache     *Cache
	Auditor   AuditRecorder
	Events    streaming.EventHub
	Usage     *usage.Tracker
	Refresher Refresher
	Logger    *slog.Logger
	Now       func() time.Time

	GracePeriod time.Duration

	// Salt and KDF must match the ones the current master key was derived
	// with; Rotate derives the next key the same way.
	Salt []byte
	KDF  secrets.KDFParams
}

// StoreRequest stores a full bundle for a provider.
type StoreRequest struct {
	ProviderID string
	// ProviderType is resolved from Metadata["provider_type"] or the provider
	// id prefix when empty.
	ProviderType schema.ProviderType
	AuthType     schema.AuthType
	Bundle       schema.Bundle
	ActorID      string
	// Metadata is copied into the audit entry. The keys expires_at (RFC 3339
	// or unix seconds) and expires_in (seconds) set the credential expiry
	// when the bundle carries an access token.
	Metadata map[string]any
}

// UpdateRequest merges a partial bundle over the stored one.
type UpdateRequest struct {
	ProviderID string
	Partial    schema.Bundle
	ActorID    string
	Metadata   map[string]any
}

// Service implements the credential vault operations.
type Service struct {
	store     store.CredentialStore
	cipher    *secrets.Cipher
	validator *validation.Validator
	cache     *Cache
	auditor   AuditRecorder
	events    streaming.EventHub
	usage     *usage.Tracker
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
	grace     time.Duration
	salt      []byte
	kdf       secrets.KDFParams

	rotating sync.Mutex
}

// New creates a Service.
func New(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Cipher == nil || deps.Validator == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "vault requires a store, a cipher and a validator")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Cache == nil {
		deps.Cache = NewCache(cache.Options{TTL: cache.DefaultTTL, Now: deps.Now})
	}
	if deps.GracePeriod <= 0 {
		deps.GracePeriod = DefaultGracePeriod
	}
	return &Service{
		store:     deps.Store,
		cipher:    deps.Cipher,
		validator: deps.Validator,
		cache:     deps.Cache,
		auditor:   deps.Auditor,
		events:    deps.Events,
		usage:     deps.Usage,
		refresher: deps.Refresher,
		logger:    deps.Logger.With(slog.String("component", "vault")),
		now:       deps.Now,
		grace:     deps.GracePeriod,
		salt:      deps.Salt,
		kdf:       deps.KDF,
	}, nil
}

// SetRefresher installs the refresher. The refresher itself reads through
// the Service, so it is wired after construction and before first use.
func (s *Service) SetRefresher(r Refresher) { s.refresher = r }

// Store validates, encrypts and persists a bundle, replacing any existing
// record for the provider.
func (s *Service) Store(ctx context.Context, req StoreRequest) error {
	if req.ProviderID == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider id is required")
	}
	var expiresAt *time.Time
	if req.Bundle.AccessToken != "" {
		exp, _, err := expiryFromMetadata(req.Metadata, s.now())
		if err != nil {
			s.record(ctx, req.ProviderID, schema.AuditWrite, req.ActorID, false,
				withMeta(req.Metadata, "error", "invalid expiry metadata"))
			return err
		}
		expiresAt = exp
	}
	return s.put(ctx, req, expiresAt)
}

func (s *Service) put(ctx context.Context, req StoreRequest, expiresAt *time.Time) error {
	ctx = logging.WithProviderID(ctx, req.ProviderID)
	logger := logging.LogWith(ctx, s.logger)

	pt := resolveProviderType(req)
	result := s.validator.Validate(pt, req.AuthType, req.Bundle)
	if !result.Valid() {
		s.record(ctx, req.ProviderID, schema.AuditWrite, req.ActorID, false,
			withMeta(req.Metadata, "error", "validation failed", "issues", result.Messages()))
		logger.InfoContext(ctx, "credentials rejected", slog.Int("issues", len(result.Errors)))
		if verr, ok := result.ToError().(*schema.VaultError); ok {
			return verr.WithProvider(req.ProviderID)
		}
		return result.ToError()
	}
	for _, w := range result.Warnings {
		logger.InfoContext(ctx, "credentials accepted with warning",
			slog.String("field", w.Field), slog.String("warning", w.Message))
	}

	enc, err := s.cipher.Encrypt(req.ProviderID, req.Bundle)
	if err != nil {
		s.record(ctx, req.ProviderID, schema.AuditWrite, req.ActorID, false,
			withMeta(req.Metadata, "error", err.Error()))
		logger.ErrorContext(ctx, "encrypting credentials failed", slog.String("error", err.Error()))
		return internalErr(req.ProviderID, "credential storage failed", err)
	}

	rec := &store.CredentialRecord{
		ProviderID:   req.ProviderID,
		ProviderType: pt,
		AuthType:     req.AuthType,
		Encrypted:    enc,
		ExpiresAt:    expiresAt,
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.record(ctx, req.ProviderID, schema.AuditWrite, req.ActorID, false,
			withMeta(req.Metadata, "error", err.Error()))
		logger.ErrorContext(ctx, "persisting credentials failed", slog.String("error", err.Error()))
		return internalErr(req.ProviderID, "credential storage failed", err)
	}

	// Invalidate only after the durable write.
	s.cache.Delete(req.ProviderID)

	s.record(ctx, req.ProviderID, schema.AuditWrite, req.ActorID, true,
		withMeta(req.Metadata, "key_version", enc.KeyVersion, "revision", rec.Revision))
	s.publish(ctx, schema.EventCredentialsStored, req.ProviderID, req.ActorID, map[string]any{
		"provider_type": string(pt),
		"auth_type":     string(req.AuthType),
	})
	logger.InfoContext(ctx, "credentials stored",
		slog.String("provider_type", string(pt)),
		slog.Int64("revision", rec.Revision),
	)
	return nil
}

// Get returns the decrypted bundle for providerID. Callers see either the
// bundle, NOT_FOUND, or an opaque INTERNAL_ERROR; failure detail goes to the
// audit trail only.
func (s *Service) Get(ctx context.Context, providerID, actorID string) (*schema.Bundle, error) {
	if e, ok := s.cache.Get(providerID); ok {
		if e.ExpiresAt == nil || s.now().Before(*e.ExpiresAt) {
			b := e.Bundle.Clone()
			return &b, nil
		}
		s.cache.Delete(providerID)
	}
	return s.load(ctx, providerID, actorID, true)
}

func (s *Service) load(ctx context.Context, providerID, actorID string, allowRefresh bool) (*schema.Bundle, error) {
	ctx = logging.WithProviderID(ctx, providerID)
	logger := logging.LogWith(ctx, s.logger)

	gen := s.cache.Reserve(providerID)
	rec, err := s.store.FindByProviderID(ctx, providerID)
	if schema.IsNotFound(err) {
		return nil, notFound(providerID)
	}
	if err != nil {
		s.record(ctx, providerID, schema.AuditRead, actorID, false, map[string]any{"error": err.Error()})
		logger.ErrorContext(ctx, "reading credentials failed", slog.String("error", err.Error()))
		return nil, internalErr(providerID, "credential retrieval failed", err)
	}
	if !rec.Active {
		return nil, notFound(providerID)
	}

	if rec.IsExpired(s.now()) {
		if allowRefresh && s.Refresh(ctx, providerID) == schema.RefreshSucceeded {
			return s.load(ctx, providerID, actorID, false)
		}
		logger.WarnContext(ctx, "credentials expired and could not be refreshed",
			slog.Time("expires_at", *rec.ExpiresAt))
		s.record(ctx, providerID, schema.AuditRead, actorID, false, map[string]any{
			"error":      "credentials expired",
			"expires_at": rec.ExpiresAt.UTC().Format(time.RFC3339),
		})
		return nil, notFound(providerID)
	}

	b, err := s.cipher.Decrypt(providerID, rec.Encrypted)
	if err != nil {
		s.record(ctx, providerID, schema.AuditRead, actorID, false, map[string]any{
			"error":       err.Error(),
			"key_version": rec.Encrypted.KeyVersion,
		})
		logger.ErrorContext(ctx, "decrypting credentials failed",
			slog.String("error", err.Error()),
			slog.Int("key_version", rec.Encrypted.KeyVersion),
		)
		return nil, internalErr(providerID, "credential retrieval failed", err)
	}

	s.cache.SetIfCurrent(providerID, gen, CacheEntry{Bundle: b.Clone(), ExpiresAt: rec.ExpiresAt})
	s.record(ctx, providerID, schema.AuditRead, actorID, true, nil)
	return &b, nil
}

// Update merges partial over the current bundle and stores the result under
// the record's auth type. Expired records can be updated.
func (s *Service) Update(ctx context.Context, req UpdateRequest) error {
	rec, current, err := s.current(ctx, req.ProviderID)
	if err != nil {
		if !schema.IsNotFound(err) {
			s.record(ctx, req.ProviderID, schema.AuditWrite, req.ActorID, false,
				withMeta(req.Metadata, "error", err.Error()))
		}
		return err
	}

	exp, set, err := expiryFromMetadata(req.Metadata, s.now())
	if err != nil {
		s.record(ctx, req.ProviderID, schema.AuditWrite, req.ActorID, false,
			withMeta(req.Metadata, "error", "invalid expiry metadata"))
		return err
	}
	if !set && req.Partial.AccessToken == "" {
		// The access token is unchanged, so is its expiry.
		exp = rec.ExpiresAt
	}

	return s.put(ctx, StoreRequest{
		ProviderID:   req.ProviderID,
		ProviderType: rec.ProviderType,
		AuthType:     rec.AuthType,
		Bundle:       current.Merge(req.Partial),
		ActorID:      req.ActorID,
		Metadata:     req.Metadata,
	}, exp)
}

// Delete soft-deletes the provider's credentials.
func (s *Service) Delete(ctx context.Context, providerID, actorID string) error {
	ctx = logging.WithProviderID(ctx, providerID)
	if err := s.store.UpdateActiveFlag(ctx, providerID, false); err != nil {
		if schema.IsNotFound(err) {
			return notFound(providerID)
		}
		s.record(ctx, providerID, schema.AuditDelete, actorID, false, map[string]any{"error": err.Error()})
		logging.LogWith(ctx, s.logger).ErrorContext(ctx, "deleting credentials failed",
			slog.String("error", err.Error()))
		return internalErr(providerID, "credential deletion failed", err)
	}
	s.cache.Delete(providerID)
	s.record(ctx, providerID, schema.AuditDelete, actorID, true, nil)
	s.publish(ctx, schema.EventCredentialsDeleted, providerID, actorID, nil)
	logging.LogWith(ctx, s.logger).InfoContext(ctx, "credentials deleted")
	return nil
}

// CheckExpiry reports the expiry state of the provider's record without
// refreshing or auditing.
func (s *Service) CheckExpiry(ctx context.Context, providerID string) (schema.ExpiryStatus, error) {
	rec, err := s.store.FindByProviderID(ctx, providerID)
	if schema.IsNotFound(err) {
		return schema.ExpiryStatus{}, notFound(providerID)
	}
	if err != nil {
		return schema.ExpiryStatus{}, internalErr(providerID, "credential lookup failed", err)
	}
	status := schema.ExpiryStatus{ExpiresAt: rec.ExpiresAt}
	if rec.ExpiresAt == nil {
		return status, nil
	}
	now := s.now()
	status.IsExpired = rec.IsExpired(now)
	if status.IsExpired {
		if left := rec.ExpiresAt.Add(s.grace).Sub(now); left > 0 {
			status.GracePeriodRemaining = &left
		}
	}
	return status, nil
}

// Refresh attempts an OAuth refresh for providerID.
func (s *Service) Refresh(ctx context.Context, providerID string) schema.RefreshOutcome {
	if s.refresher == nil {
		return schema.RefreshNotApplicable
	}
	outcome := s.refresher.Refresh(ctx, providerID)
	if outcome == schema.RefreshNotApplicable {
		return outcome
	}
	succeeded := outcome == schema.RefreshSucceeded
	s.record(ctx, providerID, schema.AuditRefresh, refresherActor, succeeded,
		map[string]any{"outcome": string(outcome)})
	if succeeded {
		s.publish(ctx, schema.EventCredentialsRefreshed, providerID, refresherActor, nil)
	}
	return outcome
}

// Peek decrypts the active record ignoring expiry and the cache.
func (s *Service) Peek(ctx context.Context, providerID string) (refresh.Credentials, error) {
	rec, b, err := s.current(ctx, providerID)
	if err != nil {
		return refresh.Credentials{}, err
	}
	return refresh.Credentials{ProviderType: rec.ProviderType, AuthType: rec.AuthType, Bundle: b}, nil
}

// ApplyRefresh stores token material returned by a refresh grant.
func (s *Service) ApplyRefresh(ctx context.Context, providerID string, tokens schema.Bundle, expiresAt *time.Time) error {
	meta := map[string]any{"source": "refresh"}
	if expiresAt != nil {
		meta["expires_at"] = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	return s.Update(ctx, UpdateRequest{
		ProviderID: providerID,
		Partial:    tokens,
		ActorID:    refresherActor,
		Metadata:   meta,
	})
}

// ValidateFormat reports whether apiKey matches the provider's key shape.
func (s *Service) ValidateFormat(pt schema.ProviderType, apiKey string) bool {
	return validation.ValidateFormat(pt, apiKey)
}

// ValidateStrength scores the bundle's secret material.
func (s *Service) ValidateStrength(b schema.Bundle) validation.StrengthReport {
	return validation.ValidateStrength(b)
}

// RecordUsage counts one provider call.
func (s *Service) RecordUsage(ctx context.Context, providerID string, success bool) {
	if s.usage != nil {
		s.usage.RecordUsage(ctx, providerID, success)
	}
}

// GetUsage returns the call counters for providerID.
func (s *Service) GetUsage(ctx context.Context, providerID string) (schema.UsageStats, error) {
	if s.usage == nil {
		return schema.UsageStats{SuccessRate: 100}, nil
	}
	return s.usage.GetUsage(ctx, providerID)
}

// UsageReport returns the call counters for providerID with a health verdict.
// Without a tracker every provider is healthy.
func (s *Service) UsageReport(ctx context.Context, providerID string) (schema.UsageReport, error) {
	if s.usage == nil {
		return schema.UsageReport{UsageStats: schema.UsageStats{SuccessRate: 100}, Healthy: true}, nil
	}
	return s.usage.Report(ctx, providerID)
}

// EvictExpired drops cache entries past their TTL.
func (s *Service) EvictExpired() int { return s.cache.EvictExpired() }

// DeactivateExpired flips every active record past its expiry to inactive.
// Records renewed between selection and the update stay active.
func (s *Service) DeactivateExpired(ctx context.Context) (int64, error) {
	now := s.now()
	recs, err := s.store.FindManyExpiredActive(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ProviderID
	}
	n, err := s.store.DeactivateMany(ctx, ids, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.cache.Delete(id)
	}
	return n, nil
}

// current returns the active record and its decrypted bundle.
func (s *Service) current(ctx context.Context, providerID string) (*store.CredentialRecord, schema.Bundle, error) {
	rec, err := s.store.FindByProviderID(ctx, providerID)
	if schema.IsNotFound(err) {
		return nil, schema.Bundle{}, notFound(providerID)
	}
	if err != nil {
		return nil, schema.Bundle{}, internalErr(providerID, "credential retrieval failed", err)
	}
	if !rec.Active {
		return nil, schema.Bundle{}, notFound(providerID)
	}
	b, err := s.cipher.Decrypt(providerID, rec.Encrypted)
	if err != nil {
		logging.LogWith(ctx, s.logger).ErrorContext(ctx, "decrypting credentials failed",
			slog.String("provider_id", providerID),
			slog.String("error", err.Error()),
		)
		return nil, schema.Bundle{}, internalErr(providerID, "credential retrieval failed", err)
	}
	return rec, b, nil
}

func (s *Service) record(ctx context.Context, providerID string, action schema.AuditAction, actorID string, success bool, meta map[string]any) {
	if s.auditor == nil {
		return
	}
	if actorID == "" {
		actorID = logging.ActorID(ctx)
	}
	s.auditor.Record(ctx, schema.AuditEntry{
		ProviderID: providerID,
		Action:     action,
		ActorID:    actorID,
		Success:    success,
		Metadata:   meta,
	})
}

func (s *Service) publish(ctx context.Context, eventType, providerID, actorID string, payload map[string]any) {
	if s.events == nil {
		return
	}
	if actorID == "" {
		actorID = logging.ActorID(ctx)
	}
	err := s.events.Publish(ctx, streaming.Event{
		ProviderID: providerID,
		EventType:  eventType,
		ActorID:    actorID,
		Timestamp:  s.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		s.logger.DebugContext(ctx, "event publish failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func resolveProviderType(req StoreRequest) schema.ProviderType {
	if req.ProviderType != "" {
		return req.ProviderType
	}
	if v, ok := req.Metadata["provider_type"].(string); ok && v != "" {
		return schema.ProviderType(v)
	}
	return schema.ParseProviderType(req.ProviderID)
}

// withMeta returns a copy of base with kv pairs added.
func withMeta(base map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(base)+len(kv)/2)
	maps.Copy(out, base)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}

func notFound(providerID string) error {
	return schema.NewError(schema.ErrCodeNotFound, "no active credentials").WithProvider(providerID)
}

func internalErr(providerID, message string, cause error) error {
	return schema.NewError(schema.ErrCodeInternal, message).WithProvider(providerID).WithCause(cause)
}
