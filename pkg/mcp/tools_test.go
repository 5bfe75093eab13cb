package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/internal/streaming"
	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/pkg/schema"
)

// --- Mock vault ---

type mockVault struct {
	expiry    schema.ExpiryStatus
	expiryErr error
	deleteErr error
	deleted   []string
	outcome   schema.RefreshOutcome
	rotated   []string
	rotation  schema.RotationResult
	usage     schema.UsageReport
}

func (m *mockVault) CheckExpiry(context.Context, string) (schema.ExpiryStatus, error) {
	return m.expiry, m.expiryErr
}

func (m *mockVault) Delete(_ context.Context, providerID, _ string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, providerID)
	return nil
}

func (m *mockVault) Refresh(context.Context, string) schema.RefreshOutcome { return m.outcome }

func (m *mockVault) Rotate(_ context.Context, secret, _ string) (schema.RotationResult, error) {
	m.rotated = append(m.rotated, secret)
	return m.rotation, nil
}

func (m *mockVault) UsageReport(context.Context, string) (schema.UsageReport, error) {
	return m.usage, nil
}

func (m *mockVault) ValidateFormat(pt schema.ProviderType, key string) bool {
	return validation.ValidateFormat(pt, key)
}

func (m *mockVault) ValidateStrength(b schema.Bundle) validation.StrengthReport {
	return validation.ValidateStrength(b)
}

type mockAudit struct{ entries []schema.AuditEntry }

func (m *mockAudit) Recent(_ context.Context, _ string, n int) ([]schema.AuditEntry, error) {
	if n < len(m.entries) {
		return m.entries[:n], nil
	}
	return m.entries, nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func decode(t *testing.T, result *mcp.CallToolResult, out any) {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), out))
}

// --- Tests ---

func TestCheckExpiryTool(t *testing.T) {
	exp := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	grace := 3 * time.Minute
	v := &mockVault{expiry: schema.ExpiryStatus{IsExpired: true, ExpiresAt: &exp, GracePeriodRemaining: &grace}}
	s := NewVaultServer(VaultServerDeps{Vault: v})

	result, err := s.handleCheckExpiry(context.Background(), buildRequest("credentials.check_expiry",
		map[string]any{"provider_id": "google-1"}))
	require.NoError(t, err)

	var out map[string]any
	decode(t, result, &out)
	assert.Equal(t, true, out["is_expired"])
	assert.Equal(t, "2025-01-01T00:00:00Z", out["expires_at"])
	assert.Equal(t, "3m0s", out["grace_period_remaining"])
}

func TestCheckExpiryTool_Errors(t *testing.T) {
	v := &mockVault{expiryErr: schema.NewError(schema.ErrCodeNotFound, "no active credentials").
		WithCause(assert.AnError)}
	s := NewVaultServer(VaultServerDeps{Vault: v})

	result, err := s.handleCheckExpiry(context.Background(), buildRequest("credentials.check_expiry",
		map[string]any{"provider_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "NOT_FOUND")
	assert.NotContains(t, resultText(t, result), assert.AnError.Error())

	result, err = s.handleCheckExpiry(context.Background(), buildRequest("credentials.check_expiry", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestValidateTool(t *testing.T) {
	v, err := validation.New()
	require.NoError(t, err)
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{}, Validator: v})

	result, err := s.handleValidate(context.Background(), buildRequest("credentials.validate", map[string]any{
		"provider_id": "openai-1",
		"bundle":      map[string]any{"api_key": "12345"},
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.NotContains(t, text, "12345", "secrets are never echoed")

	var out map[string]any
	decode(t, result, &out)
	assert.Equal(t, "openai", out["provider_type"])
	assert.Equal(t, false, out["format_valid"])
	assert.Equal(t, false, out["valid"])
	assert.NotEmpty(t, out["issues"])
}

func TestValidateTool_ReportsWarnings(t *testing.T) {
	v, err := validation.New()
	require.NoError(t, err)
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{}, Validator: v})

	result, err := s.handleValidate(context.Background(), buildRequest("credentials.validate", map[string]any{
		"provider_type": "acme-llm",
		"bundle":        map[string]any{"api_key": "12345"},
	}))
	require.NoError(t, err)

	var out map[string]any
	decode(t, result, &out)
	warnings, ok := out["warnings"].([]any)
	require.True(t, ok, "warnings present: %v", out)
	require.Len(t, warnings, 1)
	assert.Equal(t, "provider_type", warnings[0].(map[string]any)["field"])
}

func TestValidateTool_MissingBundle(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{}})
	result, err := s.handleValidate(context.Background(), buildRequest("credentials.validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDeleteTool(t *testing.T) {
	v := &mockVault{}
	s := NewVaultServer(VaultServerDeps{Vault: v})

	result, err := s.handleDelete(context.Background(), buildRequest("credentials.delete", map[string]any{
		"provider_id": "openai-1",
		"actor_id":    "ops",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"openai-1"}, v.deleted)

	result, err = s.handleDelete(context.Background(), buildRequest("credentials.delete", map[string]any{
		"provider_id": "openai-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "actor_id is required")
}

func TestRefreshTool(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{outcome: schema.RefreshNotApplicable}})
	result, err := s.handleRefresh(context.Background(), buildRequest("credentials.refresh",
		map[string]any{"provider_id": "openai-1"}))
	require.NoError(t, err)

	var out map[string]any
	decode(t, result, &out)
	assert.Equal(t, "not_applicable", out["outcome"])
}

func TestRotateTool(t *testing.T) {
	v := &mockVault{rotation: schema.RotationResult{Success: true, RotatedCount: 3, KeyVersion: 2}}
	s := NewVaultServer(VaultServerDeps{
		Vault:  v,
		Getenv: func(k string) string { return map[string]string{"NEXT_SECRET": "n3w-Master-Secret"}[k] },
	})

	result, err := s.handleRotate(context.Background(), buildRequest("credentials.rotate", map[string]any{
		"new_secret_env": "NEXT_SECRET",
		"actor_id":       "ops",
	}))
	require.NoError(t, err)
	assert.NotContains(t, resultText(t, result), "n3w-Master-Secret")

	var out schema.RotationResult
	decode(t, result, &out)
	assert.Equal(t, 3, out.RotatedCount)
	assert.Equal(t, []string{"n3w-Master-Secret"}, v.rotated)

	result, err = s.handleRotate(context.Background(), buildRequest("credentials.rotate", map[string]any{
		"new_secret_env": "UNSET",
		"actor_id":       "ops",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestUsageTool(t *testing.T) {
	report := schema.UsageReport{
		UsageStats: schema.UsageStats{CallCount: 40, ErrorCount: 30, SuccessRate: 25},
		Healthy:    false,
	}
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{usage: report}})
	result, err := s.handleUsage(context.Background(), buildRequest("credentials.usage",
		map[string]any{"provider_id": "openai-1"}))
	require.NoError(t, err)

	var out map[string]any
	decode(t, result, &out)
	assert.Equal(t, 40.0, out["call_count"])
	assert.Equal(t, 25.0, out["success_rate"])
	assert.Equal(t, false, out["healthy"])
}

func auditFixture() *mockAudit {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return &mockAudit{entries: []schema.AuditEntry{
		{ID: "3", Timestamp: now, ProviderID: "openai-1", Action: schema.AuditRead, Success: false},
		{ID: "2", Timestamp: now.Add(-time.Minute), ProviderID: "openai-1", Action: schema.AuditRead, Success: true},
		{ID: "1", Timestamp: now.Add(-2 * time.Minute), ProviderID: "openai-1", Action: schema.AuditWrite, Success: true},
	}}
}

func TestAuditTool(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{}, Audit: auditFixture()})

	result, err := s.handleAudit(context.Background(), buildRequest("credentials.audit", map[string]any{
		"provider_id": "openai-1",
		"limit":       2,
	}))
	require.NoError(t, err)
	var entries []schema.AuditEntry
	decode(t, result, &entries)
	assert.Len(t, entries, 2)
}

func TestAuditTool_JQFilter(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{}, Audit: auditFixture()})

	result, err := s.handleAudit(context.Background(), buildRequest("credentials.audit", map[string]any{
		"provider_id": "openai-1",
		"filter":      "map(select(.success | not)) | map(.id)",
	}))
	require.NoError(t, err)
	var ids []string
	decode(t, result, &ids)
	assert.Equal(t, []string{"3"}, ids)

	result, err = s.handleAudit(context.Background(), buildRequest("credentials.audit", map[string]any{
		"provider_id": "openai-1",
		"filter":      "$ENV.CREDVAULT_MASTER_SECRET",
	}))
	require.NoError(t, err)
	var leaked any
	decode(t, result, &leaked)
	assert.Nil(t, leaked, "environment is not visible to filters")

	result, err = s.handleAudit(context.Background(), buildRequest("credentials.audit", map[string]any{
		"provider_id": "openai-1",
		"filter":      "map(",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "VALIDATION_ERROR")
}

func TestAuditTool_NotConfigured(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{}})
	result, err := s.handleAudit(context.Background(), buildRequest("credentials.audit",
		map[string]any{"provider_id": "openai-1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestForwardEvents(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{Vault: &mockVault{}})
	hub := streaming.NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.ForwardEvents(ctx, hub))
	// No clients are connected; publishing must not block or panic.
	require.NoError(t, hub.Publish(ctx, streaming.Event{ProviderID: "openai-1", EventType: schema.EventCredentialsStored}))
}

func TestEventPayload(t *testing.T) {
	p := eventPayload(streaming.Event{ProviderID: "openai-1", EventType: schema.EventCredentialsDeleted, ActorID: "ops"})
	data := p["data"].(map[string]any)
	assert.Equal(t, "openai-1", data["provider_id"])
	assert.Equal(t, schema.EventCredentialsDeleted, data["event_type"])
}
