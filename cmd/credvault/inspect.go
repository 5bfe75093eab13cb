package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var expiryCmd = &cobra.Command{
	Use:   "expiry <provider-id>",
	Short: "Show whether a provider's credentials have expired",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		status, err := a.vault.CheckExpiry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := map[string]any{"provider_id": args[0], "is_expired": status.IsExpired}
		if status.ExpiresAt != nil {
			out["expires_at"] = status.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if status.GracePeriodRemaining != nil {
			out["grace_period_remaining"] = status.GracePeriodRemaining.String()
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage <provider-id>",
	Short: "Show call counters and health for a provider",
	Long: `Show call counters and the health verdict for a provider.

Counters live in the fast store; without redis_url they only cover the
current process.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.vault.UsageReport(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	rootCmd.AddCommand(expiryCmd, usageCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
