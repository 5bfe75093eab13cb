// Package refresh renews expired OAuth access tokens with the refresh-token
// grant.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/rendis/credvault/pkg/schema"
)

// DefaultTimeout bounds one refresh, retries included.
const DefaultTimeout = 10 * time.Second

// Credentials is the decrypted view of a record the refresher works from.
type Credentials struct {
	ProviderType schema.ProviderType
	AuthType     schema.AuthType
	Bundle       schema.Bundle
}

// Accessor is the slice of the vault the refresher needs. Peek must ignore
// expiry and bypass the cache; ApplyRefresh persists new token material.
type Accessor interface {
	Peek(ctx context.Context, providerID string) (Credentials, error)
	ApplyRefresh(ctx context.Context, providerID string, tokens schema.Bundle, expiresAt *time.Time) error
}

// Config configures a Refresher.
type Config struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    BreakerConfig
	Retry      RetryPolicy
	Now        func() time.Time
}

// Refresher runs refresh-token grants against each provider's token endpoint.
type Refresher struct {
	accessor   Accessor
	timeout    time.Duration
	httpClient *http.Client
	breakers   *BreakerRegistry
	retry      RetryPolicy
	logger     *slog.Logger
}

// New creates a Refresher.
func New(cfg Config, accessor Accessor, logger *slog.Logger) *Refresher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		accessor:   accessor,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		breakers:   NewBreakerRegistry(cfg.Breaker, cfg.Now),
		retry:      cfg.Retry,
		logger:     logger.With(slog.String("component", "refresher")),
	}
}

// Breakers exposes the per-provider circuit breakers.
func (r *Refresher) Breakers() *BreakerRegistry { return r.breakers }

// Refresh attempts one token refresh for providerID. It never panics and
// never returns an error: every failure is folded into RefreshFailed and
// nothing is stored.
func (r *Refresher) Refresh(ctx context.Context, providerID string) (outcome schema.RefreshOutcome) {
	logger := r.logger.With(slog.String("provider_id", providerID))
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "refresh panicked", slog.Any("panic", p))
			outcome = schema.RefreshFailed
		}
	}()

	creds, err := r.accessor.Peek(ctx, providerID)
	if schema.IsNotFound(err) {
		return schema.RefreshNotApplicable
	}
	if err != nil {
		logger.WarnContext(ctx, "refresh could not read credentials", slog.String("error", err.Error()))
		return schema.RefreshFailed
	}
	if creds.Bundle.RefreshToken == "" {
		return schema.RefreshNotApplicable
	}

	tokenURL := tokenEndpoint(creds)
	if tokenURL == "" {
		logger.WarnContext(ctx, "provider does not support token refresh",
			slog.String("provider_type", string(creds.ProviderType)))
		return schema.RefreshFailed
	}

	if err := r.breakers.Allow(providerID); err != nil {
		logger.WarnContext(ctx, "refresh skipped", slog.String("error", err.Error()))
		return schema.RefreshFailed
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tok, err := r.fetch(ctx, creds.Bundle, tokenURL)
	if err != nil {
		state := r.breakers.Failure(providerID)
		logger.WarnContext(ctx, "token refresh failed",
			slog.String("error", describe(err)),
			slog.String("circuit", state.String()),
		)
		return schema.RefreshFailed
	}
	r.breakers.Success(providerID)

	tokens := schema.Bundle{AccessToken: tok.AccessToken}
	if tok.RefreshToken != "" && tok.RefreshToken != creds.Bundle.RefreshToken {
		tokens.RefreshToken = tok.RefreshToken
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		expiresAt = &exp
	}
	if err := r.accessor.ApplyRefresh(ctx, providerID, tokens, expiresAt); err != nil {
		logger.WarnContext(ctx, "storing refreshed token failed", slog.String("error", err.Error()))
		return schema.RefreshFailed
	}

	logger.InfoContext(ctx, "access token refreshed")
	return schema.RefreshSucceeded
}

func (r *Refresher) fetch(ctx context.Context, b schema.Bundle, tokenURL string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     b.ClientID,
		ClientSecret: b.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		Scopes:       scopes(b),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	var lastErr error
	for attempt := range r.retry.MaxAttempts {
		if attempt > 0 {
			if err := waitForBackoff(ctx, r.retry.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		// An empty access token forces the source to run the refresh grant.
		tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: b.RefreshToken}).Token()
		if err == nil {
			if tok.AccessToken == "" {
				return nil, schema.NewError(schema.ErrCodeRefreshFailed, "token endpoint returned no access token")
			}
			return tok, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

// tokenEndpoint prefers a per-record token_url over the provider default.
func tokenEndpoint(c Credentials) string {
	if u, ok := c.Bundle.AdditionalConfig["token_url"].(string); ok && u != "" {
		return u
	}
	return c.ProviderType.Spec().TokenURL
}

func scopes(b schema.Bundle) []string {
	switch v := b.AdditionalConfig["scopes"].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// describe keeps the OAuth error code and drops the response body, which can
// echo request parameters.
func describe(err error) string {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := ""
		if rErr.Response != nil {
			status = rErr.Response.Status
		}
		if rErr.ErrorCode != "" {
			return "token endpoint " + status + ": " + rErr.ErrorCode
		}
		return "token endpoint " + status
	}
	return err.Error()
}
