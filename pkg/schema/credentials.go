package schema

import (
	"maps"
	"strings"
	"time"
)

// AuthType tags how a provider authenticates.
type AuthType string

const (
	AuthTypeAPIKey            AuthType = "api_key"
	AuthTypeOAuth             AuthType = "oauth"
	AuthTypeClientCredentials AuthType = "client_credentials"
	AuthTypeBearer            AuthType = "bearer"
)

// Valid reports whether t is a known auth type.
func (t AuthType) Valid() bool {
	switch t {
	case AuthTypeAPIKey, AuthTypeOAuth, AuthTypeClientCredentials, AuthTypeBearer:
		return true
	}
	return false
}

// Bundle is the plaintext set of secret fields for one provider.
// It only ever lives in memory; use Redacted before logging or returning it
// over an operator surface.
type Bundle struct {
	APIKey           string            `json:"api_key,omitempty"`
	ClientID         string            `json:"client_id,omitempty"`
	ClientSecret     string            `json:"client_secret,omitempty"`
	AccessToken      string            `json:"access_token,omitempty"`
	RefreshToken     string            `json:"refresh_token,omitempty"`
	CustomHeaders    map[string]string `json:"custom_headers,omitempty"`
	AdditionalConfig map[string]any    `json:"additional_config,omitempty"`
	Endpoint         string            `json:"endpoint,omitempty"`
	Organization     string            `json:"organization,omitempty"`
	Project          string            `json:"project,omitempty"`
	Region           string            `json:"region,omitempty"`
}

// Clone returns a deep-enough copy: maps are copied, nested AdditionalConfig
// values are shared.
func (b Bundle) Clone() Bundle {
	out := b
	if b.CustomHeaders != nil {
		out.CustomHeaders = maps.Clone(b.CustomHeaders)
	}
	if b.AdditionalConfig != nil {
		out.AdditionalConfig = maps.Clone(b.AdditionalConfig)
	}
	return out
}

// Merge overlays every non-empty field of partial onto a copy of b.
// Map fields are merged key by key.
func (b Bundle) Merge(partial Bundle) Bundle {
	out := b.Clone()
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&out.APIKey, partial.APIKey)
	setIf(&out.ClientID, partial.ClientID)
	setIf(&out.ClientSecret, partial.ClientSecret)
	setIf(&out.AccessToken, partial.AccessToken)
	setIf(&out.RefreshToken, partial.RefreshToken)
	setIf(&out.Endpoint, partial.Endpoint)
	setIf(&out.Organization, partial.Organization)
	setIf(&out.Project, partial.Project)
	setIf(&out.Region, partial.Region)
	if len(partial.CustomHeaders) > 0 {
		if out.CustomHeaders == nil {
			out.CustomHeaders = make(map[string]string, len(partial.CustomHeaders))
		}
		maps.Copy(out.CustomHeaders, partial.CustomHeaders)
	}
	if len(partial.AdditionalConfig) > 0 {
		if out.AdditionalConfig == nil {
			out.AdditionalConfig = make(map[string]any, len(partial.AdditionalConfig))
		}
		maps.Copy(out.AdditionalConfig, partial.AdditionalConfig)
	}
	return out
}

// HasSecret reports whether the bundle carries any secret material.
func (b Bundle) HasSecret() bool {
	return b.APIKey != "" || b.ClientSecret != "" || b.AccessToken != "" || b.RefreshToken != ""
}

// Redacted returns a copy safe for logs: secret fields are masked and
// custom header values are hidden.
func (b Bundle) Redacted() Bundle {
	out := b.Clone()
	out.APIKey = mask(b.APIKey)
	out.ClientSecret = mask(b.ClientSecret)
	out.AccessToken = mask(b.AccessToken)
	out.RefreshToken = mask(b.RefreshToken)
	for k := range out.CustomHeaders {
		out.CustomHeaders[k] = "***"
	}
	return out
}

// mask keeps at most a 4-character prefix so operators can tell keys apart.
func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 12 {
		return "***"
	}
	return s[:4] + strings.Repeat("*", 8)
}

// EncryptedBundle is the only representation of a Bundle that is persisted.
type EncryptedBundle struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
	KeyVersion int    `json:"key_version"`
}

// AuditAction classifies an audit entry.
type AuditAction string

const (
	AuditRead    AuditAction = "READ"
	AuditWrite   AuditAction = "WRITE"
	AuditDelete  AuditAction = "DELETE"
	AuditTest    AuditAction = "TEST"
	AuditRefresh AuditAction = "REFRESH"
	AuditRotate  AuditAction = "ROTATE"
)

// AuditEntry is an immutable record of one access or mutation attempt.
type AuditEntry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ProviderID string         `json:"provider_id"`
	Action     AuditAction    `json:"action"`
	ActorID    string         `json:"actor_id,omitempty"`
	Success    bool           `json:"success"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExpiryStatus is the result of an expiry check.
type ExpiryStatus struct {
	IsExpired            bool           `json:"is_expired"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	GracePeriodRemaining *time.Duration `json:"grace_period_remaining,omitempty"`
}

// UsageStats summarizes call counters for one provider.
type UsageStats struct {
	LastUsed    *time.Time `json:"last_used,omitempty"`
	CallCount   int64      `json:"call_count"`
	ErrorCount  int64      `json:"error_count"`
	SuccessRate float64    `json:"success_rate"`
}

// UsageReport is UsageStats plus the verdict of the usage health expression.
type UsageReport struct {
	UsageStats
	Healthy bool `json:"healthy"`
}

// RotationFailure describes one record a rotation could not re-encrypt.
type RotationFailure struct {
	ProviderID string `json:"provider_id"`
	Reason     string `json:"reason"`
}

// RotationResult summarizes a key rotation pass.
type RotationResult struct {
	Success      bool              `json:"success"`
	RotatedCount int               `json:"rotated_count"`
	FailedCount  int               `json:"failed_count"`
	SkippedCount int               `json:"skipped_count"`
	KeyVersion   int               `json:"key_version"`
	Errors       []RotationFailure `json:"errors,omitempty"`
}

// RefreshOutcome is the tri-state result of an OAuth refresh attempt.
type RefreshOutcome string

const (
	RefreshNotApplicable RefreshOutcome = "not_applicable"
	RefreshSucceeded     RefreshOutcome = "succeeded"
	RefreshFailed        RefreshOutcome = "failed"
)
