// Package mcp exposes credential vault operations to operators as MCP tools.
// No tool ever returns plaintext secret material.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/pkg/schema"
)

// Vault is the vault surface the tools drive.
type Vault interface {
	CheckExpiry(ctx context.Context, providerID string) (schema.ExpiryStatus, error)
	Delete(ctx context.Context, providerID, actorID string) error
	Refresh(ctx context.Context, providerID string) schema.RefreshOutcome
	Rotate(ctx context.Context, newMasterSecret, actorID string) (schema.RotationResult, error)
	UsageReport(ctx context.Context, providerID string) (schema.UsageReport, error)
	ValidateFormat(pt schema.ProviderType, apiKey string) bool
	ValidateStrength(b schema.Bundle) validation.StrengthReport
}

// AuditReader returns recent audit entries for a provider.
type AuditReader interface {
	Recent(ctx context.Context, providerID string, n int) ([]schema.AuditEntry, error)
}

// VaultServerDeps holds the dependencies for creating a VaultServer.
type VaultServerDeps struct {
	Vault     Vault
	Audit     AuditReader
	Validator *validation.Validator
	Logger    *slog.Logger
	// Getenv resolves the environment variable named by credentials.rotate.
	// Defaults to os.Getenv.
	Getenv func(string) string
}

// VaultServer wraps an MCP server with credential tool handlers.
type VaultServer struct {
	vault     Vault
	audit     AuditReader
	validator *validation.Validator
	logger    *slog.Logger
	getenv    func(string) string
	jq        *jqFilter
	mcpServer *server.MCPServer
}

// NewVaultServer creates a VaultServer with all credential tools registered.
func NewVaultServer(deps VaultServerDeps) *VaultServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	getenv := deps.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	s := &VaultServer{
		vault:     deps.Vault,
		audit:     deps.Audit,
		validator: deps.Validator,
		logger:    logger,
		getenv:    getenv,
		jq:        newJQFilter(),
	}

	mcpSrv := server.NewMCPServer(
		"credvault",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("credvault manages encrypted AI provider credentials. Use credentials.check_expiry and credentials.usage to inspect a provider, credentials.validate to score candidate credentials, credentials.refresh to renew an OAuth token, credentials.delete to deactivate credentials, credentials.rotate to re-encrypt everything under a new master key, and credentials.audit to read the audit trail."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *VaultServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VaultServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *VaultServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: checkExpiryTool(), Handler: s.handleCheckExpiry},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: refreshTool(), Handler: s.handleRefresh},
		{Tool: rotateTool(), Handler: s.handleRotate},
		{Tool: usageTool(), Handler: s.handleUsage},
		{Tool: auditTool(), Handler: s.handleAudit},
	}
}

// --- Tool definitions ---

func checkExpiryTool() mcp.Tool {
	return mcp.NewTool("credentials.check_expiry",
		mcp.WithDescription("Report whether a provider's credentials have expired"),
		mcp.WithString("provider_id", mcp.Required(), mcp.Description("Provider identifier, e.g. openai-1")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("credentials.validate",
		mcp.WithDescription("Score candidate credentials without storing them"),
		mcp.WithString("provider_id", mcp.Description("Provider identifier used to infer the provider type")),
		mcp.WithString("provider_type", mcp.Description("Provider type; overrides provider_id inference")),
		mcp.WithString("auth_type",
			mcp.Enum("api_key", "oauth", "client_credentials", "bearer"),
			mcp.Description("Auth type (default: api_key)"),
		),
		mcp.WithObject("bundle", mcp.Required(), mcp.Description("Credential fields (api_key, access_token, client_secret, ...)")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("credentials.delete",
		mcp.WithDescription("Deactivate a provider's credentials"),
		mcp.WithString("provider_id", mcp.Required(), mcp.Description("Provider identifier")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("Operator performing the deletion")),
	)
}

func refreshTool() mcp.Tool {
	return mcp.NewTool("credentials.refresh",
		mcp.WithDescription("Run an OAuth refresh-token grant for a provider"),
		mcp.WithString("provider_id", mcp.Required(), mcp.Description("Provider identifier")),
	)
}

func rotateTool() mcp.Tool {
	return mcp.NewTool("credentials.rotate",
		mcp.WithDescription("Re-encrypt all active credentials under a new master key"),
		mcp.WithString("new_secret_env", mcp.Required(), mcp.Description("Name of the server environment variable holding the new master secret")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("Operator performing the rotation")),
	)
}

func usageTool() mcp.Tool {
	return mcp.NewTool("credentials.usage",
		mcp.WithDescription("Get call counters and the health verdict for a provider"),
		mcp.WithString("provider_id", mcp.Required(), mcp.Description("Provider identifier")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("credentials.audit",
		mcp.WithDescription("List recent audit entries for a provider"),
		mcp.WithString("provider_id", mcp.Required(), mcp.Description("Provider identifier, or * for vault-wide entries")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 50)")),
		mcp.WithString("filter", mcp.Description("jq expression applied to the entry list, e.g. map(select(.success | not))")),
	)
}
