// Package router holds the orchestrator logic that decides which specialist
// handles a turn.
package router

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/agent"
	"github.com/triage-ai/agentgate/internal/llm"
)

// Decision is the routing outcome for one turn.
type Decision string

const (
	Research      Decision = "RESEARCH"
	Conversation  Decision = "CONVERSATION"
	Evaluation    Decision = "EVALUATION"
	Dashboard     Decision = "DASHBOARD"
	Malicious     Decision = "MALICIOUS"
	Clarification Decision = "CLARIFICATION"
)

// Names of the specialists the orchestrator delegates to.
const (
	ResearcherName = "ResearcherAgent"
	EvaluationName = "EvaluationAgent"
	DashboardName  = "SecurityDashboardAgent"
)

const (
	RefusalText       = "I cannot fulfill this request as it violates the security policy."
	ClarificationText = "I'm not sure how to handle your request. Could you please provide more details?"
)

var capabilityPattern = regexp.MustCompile(`(?i)(what\s+(can|are|is)\s+(you|this|app's|this app)\s+(do|capabilities|capbailities|capabilites)|who are you)`)

// priority is the containment check order; anything else is a conversation.
var priority = []struct {
	decision Decision
	target   string
}{
	{Research, ResearcherName},
	{Evaluation, EvaluationName},
	{Dashboard, DashboardName},
	{Malicious, ""},
	{Clarification, ""},
}

// Classify maps a raw classifier reply to a Decision by substring containment.
func Classify(reply string) Decision {
	normalized := strings.ToUpper(strings.TrimSpace(reply))
	for _, p := range priority {
		if strings.Contains(normalized, string(p.decision)) {
			return p.decision
		}
	}
	return Conversation
}

// Target returns the child name a decision delegates to, or "".
func (d Decision) Target() string {
	for _, p := range priority {
		if p.decision == d {
			return p.target
		}
	}
	return ""
}

// IsCapabilityQuestion reports whether text asks what the assistant is or does.
func IsCapabilityQuestion(text string) bool {
	return capabilityPattern.MatchString(text)
}

// Runner runs a full gated turn of a node.
type Runner interface {
	Run(ctx context.Context, sess agent.Session, node *agent.Node) iter.Seq[agent.Event]
}

// Config selects the models used by the orchestrator.
type Config struct {
	Model        string // persona replies
	RoutingModel string // classification
}

// Orchestrator is the business logic of the root node. Its input has
// already been approved by the enclosing gate.
type Orchestrator struct {
	completer llm.Completer
	runner    Runner
	cfg       Config
	logger    *zap.Logger
}

// New creates an Orchestrator. The runner executes delegated child turns.
func New(completer llm.Completer, runner Runner, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{completer: completer, runner: runner, cfg: cfg, logger: logger}
}

// Decide asks the classifier for the route of input.
func (o *Orchestrator) Decide(ctx context.Context, input string) (Decision, error) {
	first, err := llm.First(o.completer.Complete(ctx, llm.Request{
		Model: o.cfg.RoutingModel,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: routingInstruction},
			{Role: llm.RoleModel, Text: routingAck},
			{Role: llm.RoleUser, Text: input},
		},
	}))
	if err != nil {
		return "", fmt.Errorf("Decide: %w", err)
	}
	return Classify(first), nil
}

func (o *Orchestrator) Handle(ctx context.Context, inv agent.Invocation) iter.Seq2[agent.Event, error] {
	return func(yield func(agent.Event, error) bool) {
		node := inv.Node
		say := func(ev agent.Event) bool { return yield(ev, nil) }
		trace := func(msg string) bool {
			if !inv.Verbose {
				return true
			}
			return say(agent.NewDiagnostic(node.Author(), msg))
		}

		if !trace(fmt.Sprintf("🧠 [%s] Analyzing query: '%s...'", node.Name, preview(inv.Input, 30))) {
			return
		}

		if IsCapabilityQuestion(inv.Input) {
			say(agent.NewContent(node.Author(), capabilityAnswer))
			return
		}

		decision, err := o.Decide(ctx, inv.Input)
		if err != nil {
			yield(agent.Event{}, err)
			return
		}
		o.logger.Info("routing decision",
			zap.String("agent", node.Name),
			zap.String("decision", string(decision)),
		)
		if !trace(fmt.Sprintf("🚦 [%s] Routing decision: %s", node.Name, decision)) {
			return
		}

		switch decision {
		case Research, Evaluation, Dashboard:
			o.delegate(ctx, inv, decision.Target(), yield)

		case Malicious:
			say(agent.NewContent(node.AuthorIn("red"), RefusalText))

		case Clarification:
			if !trace(fmt.Sprintf("🤔 [%s] Asking for clarification...", node.Name)) {
				return
			}
			say(agent.NewContent(node.Author(), ClarificationText))

		default:
			if !trace(fmt.Sprintf("💬 [%s] Handling conversation directly...", node.Name)) {
				return
			}
			reply, err := llm.Collect(o.completer.Complete(ctx, llm.Request{
				Model: o.cfg.Model,
				Messages: []llm.Message{
					{Role: llm.RoleUser, Text: personaInstruction},
					{Role: llm.RoleModel, Text: personaAck},
					{Role: llm.RoleUser, Text: inv.Input},
				},
			}))
			if err != nil {
				yield(agent.Event{}, fmt.Errorf("conversation: %w", err))
				return
			}
			say(agent.NewContent(node.Author(), reply))
		}
	}
}

// delegate forwards the gated turn of the named child verbatim.
func (o *Orchestrator) delegate(ctx context.Context, inv agent.Invocation, name string, yield func(agent.Event, error) bool) {
	node := inv.Node
	if inv.Verbose {
		if !yield(agent.NewDiagnostic(node.Author(), fmt.Sprintf("➡️ [%s] delegating to '%s'...", node.Name, name)), nil) {
			return
		}
	}

	child, ok := node.Child(name)
	if !ok {
		o.logger.Warn("delegation target missing",
			zap.String("agent", node.Name),
			zap.String("target", name),
		)
		msg := fmt.Sprintf("Could not find '%s'.", name)
		if !yield(agent.NewDiagnostic(node.AuthorIn("red"), msg), nil) {
			return
		}
		yield(agent.NewContent(node.AuthorIn("red"), msg), nil)
		return
	}

	for ev := range o.runner.Run(ctx, inv.Session, child) {
		if !yield(ev, nil) {
			return
		}
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
