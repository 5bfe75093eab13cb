package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/credvault/internal/config"
	"github.com/rendis/credvault/internal/scheduler"
	"github.com/rendis/credvault/pkg/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP tool server and the cleanup scheduler",
	Long: `Run the credential vault as an MCP server on stdio.

Database migrations run on startup. Expired credentials are deactivated and
the decrypted-credential cache is pruned on cleanup_schedule (default hourly).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := scheduler.NewScheduler(a.vault, cfg.CleanupSchedule, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	srv := mcp.NewVaultServer(mcp.VaultServerDeps{
		Vault:     a.vault,
		Audit:     a.auditor,
		Validator: a.validator,
		Logger:    logger,
	})
	if err := srv.ForwardEvents(ctx, a.hub); err != nil {
		return err
	}

	logger.Info("credvault serving on stdio",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Int("key_version", cfg.KeyVersion),
	)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("credvault stopped")
	return nil
}
