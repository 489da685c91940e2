// Package app assembles the gated agent tree: an orchestrator root that
// delegates to the research, evaluation and dashboard specialists.
package app

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/agent"
	"github.com/triage-ai/agentgate/internal/audit"
	"github.com/triage-ai/agentgate/internal/llm"
	"github.com/triage-ai/agentgate/internal/pipeline"
	"github.com/triage-ai/agentgate/internal/router"
	"github.com/triage-ai/agentgate/internal/search"
	"github.com/triage-ai/agentgate/internal/specialist"
	"github.com/triage-ai/agentgate/internal/storage"
)

const OrchestratorName = "OrchestratorAgent"

// Deps are the collaborators the tree is built from. Feedback and Sink may
// be nil.
type Deps struct {
	Scanner   pipeline.Scanner
	Completer llm.Completer
	Searcher  search.Searcher
	Feedback  specialist.FeedbackStore
	Sink      storage.EventWriter

	Model        string
	RoutingModel string
	Gate         pipeline.Config
	Location     *time.Location
	Logger       *zap.Logger
}

// App runs turns of the root agent through the gate.
type App struct {
	gate *pipeline.Gate
	root *agent.Node
}

func New(d Deps) *App {
	if d.Location == nil {
		d.Location = time.Local
	}

	recorder := audit.NewRecorder(d.Sink, d.Logger.Named("audit"))
	gate := pipeline.New(d.Scanner, recorder, d.Gate, d.Logger.Named("pipeline"))

	orchestrator := router.New(d.Completer, gate, router.Config{
		Model:        d.Model,
		RoutingModel: d.RoutingModel,
	}, d.Logger.Named("router"))

	root := agent.NewNode(OrchestratorName, "blue", "group_work", orchestrator)
	root.SetChildren(
		agent.NewNode(router.ResearcherName, "green", "travel_explore",
			specialist.NewResearcher(d.Searcher, d.Completer, d.Model, d.Logger.Named("research"))),
		agent.NewNode(router.EvaluationName, "purple", "thumb_up_off_alt",
			specialist.NewEvaluator(d.Feedback, d.Logger.Named("evaluation"))),
		agent.NewNode(router.DashboardName, "orange", "security",
			specialist.NewDashboard(recorder, d.Location)),
	)

	return &App{gate: gate, root: root}
}

func (a *App) Root() *agent.Node {
	return a.root
}

func (a *App) Recorder() *audit.Recorder {
	return a.gate.Recorder()
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Chat runs one gated turn of the root agent for the session.
func (a *App) Chat(ctx context.Context, sessionID, text string) iter.Seq[agent.Event] {
	return a.gate.Run(ctx, agent.StaticSession{SessionID: sessionID, Text: text}, a.root)
}

// Reply joins the content events of a turn into the user-facing text.
func Reply(events []agent.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.IsDiagnostic() {
			continue
		}
		b.WriteString(ev.Text)
	}
	return b.String()
}
