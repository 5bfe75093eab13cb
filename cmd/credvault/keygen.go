package main

import (
	"encoding/base64"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

const keygenBytes = 32

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random master secret",
	Long: `Generate a random master secret.

Prints a Base64-encoded 256 bit secret. Place it in the environment of the
credvault server; it is never written to disk by credvault.

Example:

$ export CREDVAULT_MASTER_SECRET="$(credvault keygen)"
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		buf := memguard.NewBufferRandom(keygenBytes)
		defer buf.Destroy()
		_, err := fmt.Fprint(cmd.OutOrStdout(), base64.StdEncoding.Strict().EncodeToString(buf.Bytes()))
		return err
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
