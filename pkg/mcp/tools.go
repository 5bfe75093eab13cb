package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/pkg/schema"
)

const defaultAuditLimit = 50

func (s *VaultServer) handleCheckExpiry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	providerID, err := req.RequireString("provider_id")
	if err != nil {
		return mcp.NewToolResultError("provider_id is required"), nil
	}
	status, err := s.vault.CheckExpiry(ctx, providerID)
	if err != nil {
		return toolError("expiry check failed", err), nil
	}
	out := map[string]any{"provider_id": providerID, "is_expired": status.IsExpired}
	if status.ExpiresAt != nil {
		out["expires_at"] = status.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if status.GracePeriodRemaining != nil {
		out["grace_period_remaining"] = status.GracePeriodRemaining.String()
	}
	return marshalResult(out)
}

func (s *VaultServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "bundle", nil)
	if raw == nil {
		return mcp.NewToolResultError("bundle is required"), nil
	}
	var bundle schema.Bundle
	if err := remarshal(raw, &bundle); err != nil {
		return mcp.NewToolResultError("bundle has an invalid shape"), nil
	}

	pt := schema.ProviderType(req.GetString("provider_type", ""))
	if pt == "" {
		pt = schema.ParseProviderType(req.GetString("provider_id", ""))
	}
	at := schema.AuthType(req.GetString("auth_type", string(schema.AuthTypeAPIKey)))

	out := map[string]any{
		"provider_type": string(pt),
		"strength":      s.vault.ValidateStrength(bundle),
	}
	if bundle.APIKey != "" {
		out["format_valid"] = s.vault.ValidateFormat(pt, bundle.APIKey)
	}
	if s.validator != nil {
		result := s.validator.Validate(pt, at, bundle)
		out["valid"] = result.Valid()
		out["issues"] = result.Messages()
		if len(result.Warnings) > 0 {
			out["warnings"] = result.Warnings
		}
	}
	return marshalResult(out)
}

func (s *VaultServer) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	providerID, err := req.RequireString("provider_id")
	if err != nil {
		return mcp.NewToolResultError("provider_id is required"), nil
	}
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	ctx = logging.WithActorID(ctx, actorID)
	if err := s.vault.Delete(ctx, providerID, actorID); err != nil {
		return toolError("delete failed", err), nil
	}
	return marshalResult(map[string]any{"provider_id": providerID, "deleted": true})
}

func (s *VaultServer) handleRefresh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	providerID, err := req.RequireString("provider_id")
	if err != nil {
		return mcp.NewToolResultError("provider_id is required"), nil
	}
	outcome := s.vault.Refresh(ctx, providerID)
	return marshalResult(map[string]any{"provider_id": providerID, "outcome": string(outcome)})
}

func (s *VaultServer) handleRotate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	envName, err := req.RequireString("new_secret_env")
	if err != nil {
		return mcp.NewToolResultError("new_secret_env is required"), nil
	}
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	secret := s.getenv(envName)
	if secret == "" {
		return mcp.NewToolResultError(fmt.Sprintf("environment variable %s is not set", envName)), nil
	}

	ctx = logging.WithActorID(ctx, actorID)
	result, err := s.vault.Rotate(ctx, secret, actorID)
	if err != nil {
		return toolError("rotation failed", err), nil
	}
	return marshalResult(result)
}

func (s *VaultServer) handleUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	providerID, err := req.RequireString("provider_id")
	if err != nil {
		return mcp.NewToolResultError("provider_id is required"), nil
	}
	report, err := s.vault.UsageReport(ctx, providerID)
	if err != nil {
		return toolError("usage lookup failed", err), nil
	}
	return marshalResult(report)
}

func (s *VaultServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	providerID, err := req.RequireString("provider_id")
	if err != nil {
		return mcp.NewToolResultError("provider_id is required"), nil
	}
	if s.audit == nil {
		return mcp.NewToolResultError("audit trail is not configured"), nil
	}
	limit := req.GetInt("limit", defaultAuditLimit)
	if limit <= 0 {
		limit = defaultAuditLimit
	}

	entries, err := s.audit.Recent(ctx, providerID, limit)
	if err != nil {
		return toolError("audit lookup failed", err), nil
	}

	expression := req.GetString("filter", "")
	if expression == "" {
		return marshalResult(entries)
	}
	filtered, err := s.jq.apply(ctx, expression, entries)
	if err != nil {
		return toolError("audit filter failed", err), nil
	}
	return marshalResult(filtered)
}

// toolError reports the vault error code and message only; causes stay in
// the server log and audit trail.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var vErr *schema.VaultError
	if errors.As(err, &vErr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, vErr.Code, vErr.Message))
	}
	return mcp.NewToolResultError(prefix)
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
