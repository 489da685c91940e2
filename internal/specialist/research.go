// Package specialist implements the business logic of the delegated agents.
package specialist

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/agent"
	"github.com/triage-ai/agentgate/internal/llm"
	"github.com/triage-ai/agentgate/internal/search"
)

const researchInstruction = "You are a specialized research agent. Answer the user's query using only the search results provided below. " +
	"Synthesize the findings into a concise summary of the top 3-5 key points. " +
	"Format your response using markdown, including headings, bullet points, and bold text to improve readability. " +
	"Cite your sources by including the URL at the end of relevant sentences. " +
	"Do not answer from your own knowledge. If the search results are empty, " +
	"state that you were unable to find information on the topic."

// Researcher answers queries by searching the web and summarising the hits.
type Researcher struct {
	searcher  search.Searcher
	completer llm.Completer
	model     string
	logger    *zap.Logger
}

func NewResearcher(searcher search.Searcher, completer llm.Completer, model string, logger *zap.Logger) *Researcher {
	return &Researcher{searcher: searcher, completer: completer, model: model, logger: logger}
}

// Handle never returns an error: provider failures become an apology.
func (r *Researcher) Handle(ctx context.Context, inv agent.Invocation) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		node := inv.Node
		if inv.Verbose {
			msg := fmt.Sprintf("🔎 [%s] Starting research for: '%s...'", node.Name, truncate(inv.Input, 30))
			if !yield(agent.NewDiagnostic(node.Author(), msg), nil) {
				return
			}
		}

		answer, err := r.research(ctx, inv.Input)
		if err != nil {
			r.logger.Error("research failed",
				zap.String("agent", node.Name),
				zap.Error(err),
			)
			yield(agent.NewContent(node.AuthorIn("red"), apology(node.Name, err)), nil)
			return
		}
		yield(agent.NewContent(node.Author(), answer), nil)
	}
}

func (r *Researcher) research(ctx context.Context, query string) (string, error) {
	results, err := r.searcher.Search(ctx, query)
	if err != nil {
		return "", fmt.Errorf("research: %w", err)
	}
	if strings.TrimSpace(results) == "" {
		results = "(no results)"
	}

	answer, err := llm.Collect(r.completer.Complete(ctx, llm.Request{
		Model: r.model,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: researchInstruction},
			{Role: llm.RoleUser, Text: "Search results:\n" + results + "\nQuery: " + query},
		},
	}))
	if err != nil {
		return "", fmt.Errorf("research: %w", err)
	}
	return answer, nil
}

func apology(name string, err error) string {
	if errors.Is(err, search.ErrUnexpectedStatus) || errors.Is(err, llm.ErrUnexpectedStatus) {
		return fmt.Sprintf("🔎 [%s] I am sorry, but I encountered an error while communicating with the search or model provider. Please try again later.", name)
	}
	return fmt.Sprintf("🔎 [%s] I am sorry, but I encountered an unexpected error while trying to research your query. Please try again later.", name)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
