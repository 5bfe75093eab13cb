package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		logger.Info("migrations applied")

		if vacuum, _ := cmd.Flags().GetBool("vacuum"); vacuum {
			if err := st.Vacuum(cmd.Context()); err != nil {
				return err
			}
			logger.Info("database vacuumed")
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s vacuumed\n", cfg.DBPath)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", cfg.DBPath)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("vacuum", false, "reclaim free pages after migrating")
	rootCmd.AddCommand(migrateCmd)
}
