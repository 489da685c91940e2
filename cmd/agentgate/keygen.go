package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/triage-ai/agentgate/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an HTTP API key and the bcrypt hash to configure",
	Long: `Print a new API key and its bcrypt hash. Give the key to clients and set
the hash as AGENTGATE_API_KEY_HASH; the key itself is never stored.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, hash, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "API key (shown once): %s\n", key)
		fmt.Fprintf(out, "AGENTGATE_API_KEY_HASH=%s\n", hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
