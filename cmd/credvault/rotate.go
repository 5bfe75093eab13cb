package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/credvault/internal/logging"
)

const defaultNewSecretEnv = "CREDVAULT_NEW_MASTER_SECRET"

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-encrypt all active credentials under a new master key",
	Long: `Re-encrypt all active credentials under a new master key.

The new master secret is read from the environment variable named by
--new-secret-env, never from a flag. Records that fail stay readable under
their old key version.

After a rotation, configure the new secret as master_secret, set key_version
to the reported version and keep the previous secret under retired_keys until
no record uses it.

Example:

$ export CREDVAULT_NEW_MASTER_SECRET="$(credvault keygen)"
$ credvault rotate --actor ops@example.com
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		envName, _ := cmd.Flags().GetString("new-secret-env")
		actorID, _ := cmd.Flags().GetString("actor")

		secret := os.Getenv(envName)
		if secret == "" {
			return fmt.Errorf("environment variable %s is not set", envName)
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := logging.WithActorID(cmd.Context(), actorID)
		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.vault.Rotate(ctx, secret, actorID)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(),
			"Set master_secret to $%s, key_version to %d and add retired_keys %d=<previous secret>.\n",
			envName, result.KeyVersion, cfg.KeyVersion)
		if !result.Success {
			return fmt.Errorf("%d of %d credentials could not be rotated",
				result.FailedCount, result.FailedCount+result.RotatedCount+result.SkippedCount)
		}
		return nil
	},
}

func init() {
	rotateCmd.Flags().String("new-secret-env", defaultNewSecretEnv, "environment variable holding the new master secret")
	rotateCmd.Flags().String("actor", "cli", "operator recorded in the audit trail")
	rootCmd.AddCommand(rotateCmd)
}
