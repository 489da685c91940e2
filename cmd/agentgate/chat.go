package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triage-ai/agentgate/internal/app"
)

var (
	chatSession string
	chatQuiet   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat TEXT...",
	Short: "Run one gated turn against the orchestrator and print the events",
	Long: `Run a single turn locally through the full pipeline: prompt scan,
routing, specialist, response scan and redaction.

  agentgate chat "what is the latest news on Go?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: chatCommand,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Session id (default: a new one)")
	chatCmd.Flags().BoolVar(&chatQuiet, "quiet", false, "Print only the reply, not diagnostics")
	rootCmd.AddCommand(chatCmd)
}

func chatCommand(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	rt, err := newRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	session := chatSession
	if session == "" {
		session = app.NewSessionID()
	}

	out := cmd.OutOrStdout()
	for ev := range rt.app.Chat(cmd.Context(), session, strings.Join(args, " ")) {
		if ev.IsDiagnostic() {
			if !chatQuiet {
				fmt.Fprintf(out, "[%s] %s\n", ev.Author.Name, ev.Text)
			}
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", ev.Author.Name, ev.Text)
	}
	if !chatQuiet {
		fmt.Fprintf(out, "(session %s)\n", session)
	}
	return nil
}
