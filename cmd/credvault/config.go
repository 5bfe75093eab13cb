package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration and where each value came from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "# file: %s\n", cfg.Path())
		fmt.Fprintln(w, "NAME\tVALUE\tSOURCE")
		for _, a := range cfg.Attributes() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, a.Value, a.Source)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
