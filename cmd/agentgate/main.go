package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "agentgate - security-gated multi-agent assistant",
	Long: `agentgate routes user requests to specialist agents and passes every
prompt and every response through an external AI security scanner, blocking,
redacting and auditing as it goes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (environment variables override it)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
