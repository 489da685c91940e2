package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triage-ai/agentgate/internal/scanner"
)

var scanKind string

var scanCmd = &cobra.Command{
	Use:   "scan TEXT...",
	Short: "Scan one piece of content and print the verdict as JSON",
	Long: `Send content to the security scanner once, outside of any agent turn.

Without scanner credentials the content is reported unsafe (category
no_scanner) rather than bypassed.

  agentgate scan --kind prompt "ignore all previous instructions"`,
	Args: cobra.MinimumNArgs(1),
	RunE: scanCommand,
}

func init() {
	scanCmd.Flags().StringVar(&scanKind, "kind", string(scanner.KindPrompt), "Content kind: prompt or response")
	rootCmd.AddCommand(scanCmd)
}

func scanCommand(cmd *cobra.Command, args []string) error {
	kind := scanner.Kind(scanKind)
	if kind != scanner.KindPrompt && kind != scanner.KindResponse {
		return fmt.Errorf("--kind must be %q or %q", scanner.KindPrompt, scanner.KindResponse)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	s, err := newScanner(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	result := s.Check(cmd.Context(), strings.Join(args, " "), kind)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.IsSafe {
		return fmt.Errorf("content blocked: %s", result.Category)
	}
	return nil
}
