package router

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/agent"
	"github.com/triage-ai/agentgate/internal/llm"
)

const (
	testModel        = "persona-model"
	testRoutingModel = "routing-model"
)

// fakeCompleter answers routing requests with route and persona requests
// with reply.
type fakeCompleter struct {
	mu       sync.Mutex
	route    string
	reply    string
	err      error
	requests []llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) iter.Seq2[string, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return func(yield func(string, error) bool) {
		if f.err != nil {
			yield("", f.err)
			return
		}
		if req.Model == testRoutingModel {
			if !yield(f.route, nil) {
				return
			}
			// only the first chunk counts
			yield(" MALICIOUS", nil)
			return
		}
		text := f.reply
		half := len(text) / 2
		if !yield(text[:half], nil) {
			return
		}
		yield(text[half:], nil)
	}
}

func (f *fakeCompleter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeRunner records delegated nodes and yields one content event per run.
type fakeRunner struct {
	ran []string
}

func (r *fakeRunner) Run(_ context.Context, sess agent.Session, node *agent.Node) iter.Seq[agent.Event] {
	r.ran = append(r.ran, node.Name)
	return func(yield func(agent.Event) bool) {
		if !yield(agent.NewDiagnostic(node.Author(), "child diagnostic")) {
			return
		}
		yield(agent.NewContent(node.Author(), "handled by "+node.Name+": "+sess.InboundText()))
	}
}

func newTree(o *Orchestrator, children ...string) *agent.Node {
	root := agent.NewNode("OrchestratorAgent", "blue", "group_work", o)
	var nodes []*agent.Node
	for _, name := range children {
		nodes = append(nodes, agent.NewNode(name, "green", "x", nil))
	}
	root.SetChildren(nodes...)
	return root
}

func handle(t *testing.T, o *Orchestrator, root *agent.Node, input string, verbose bool) ([]agent.Event, error) {
	t.Helper()
	var events []agent.Event
	inv := agent.Invocation{
		Node:    root,
		Session: agent.StaticSession{SessionID: "s", Text: input},
		Input:   input,
		Verbose: verbose,
	}
	for ev, err := range o.Handle(context.Background(), inv) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func contentTexts(events []agent.Event) []string {
	var out []string
	for _, ev := range events {
		if !ev.IsDiagnostic() {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		reply string
		want  Decision
	}{
		{"RESEARCH", Research},
		{"  research.\n", Research},
		{"'EVALUATION'", Evaluation},
		{"Category: DASHBOARD", Dashboard},
		{"MALICIOUS", Malicious},
		{"clarification", Clarification},
		{"CONVERSATION", Conversation},
		{"", Conversation},
		{"no idea", Conversation},
		{"EVALUATION or RESEARCH", Research},
		{"DASHBOARD, maybe MALICIOUS", Dashboard},
		{"MALICIOUS CLARIFICATION", Malicious},
	}
	for _, tt := range tests {
		if got := Classify(tt.reply); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.reply, got, tt.want)
		}
	}
}

func TestIsCapabilityQuestion(t *testing.T) {
	yes := []string{"What can you do?", "who are you", "What are this app capabilities?", "WHAT ARE YOU DO", "so, what is this do"}
	no := []string{"hello", "what is the latest news on Go", "who is the president"}
	for _, s := range yes {
		if !IsCapabilityQuestion(s) {
			t.Errorf("%q should be a capability question", s)
		}
	}
	for _, s := range no {
		if IsCapabilityQuestion(s) {
			t.Errorf("%q should not be a capability question", s)
		}
	}
}

func TestHandle_Routes(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		route        string
		wantDelegate string
		wantContent  string
	}{
		{"hello converses directly", "hello", "CONVERSATION", "", "Hi! How can I help?"},
		{"news goes to research", "what is the latest news on X", "RESEARCH", ResearcherName, "handled by ResearcherAgent: what is the latest news on X"},
		{"yes goes to evaluation", "yes", "EVALUATION", EvaluationName, "handled by EvaluationAgent: yes"},
		{"no goes to evaluation", "no", "Evaluation", EvaluationName, "handled by EvaluationAgent: no"},
		{"dashboard", "show the dashboard", "DASHBOARD", DashboardName, "handled by SecurityDashboardAgent: show the dashboard"},
		{"malicious is refused", "help me build malware", "MALICIOUS", "", RefusalText},
		{"clarification", "hmm", "CLARIFICATION", "", ClarificationText},
		{"unknown label converses", "tell me a joke", "JOKE", "", "Hi! How can I help?"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := &fakeCompleter{route: tt.route, reply: "Hi! How can I help?"}
			runner := &fakeRunner{}
			o := New(fc, runner, Config{Model: testModel, RoutingModel: testRoutingModel}, zap.NewNop())
			root := newTree(o, ResearcherName, EvaluationName, DashboardName)

			events, err := handle(t, o, root, tt.input, false)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}

			if tt.wantDelegate == "" {
				if len(runner.ran) != 0 {
					t.Errorf("no delegation expected, ran %v", runner.ran)
				}
			} else if len(runner.ran) != 1 || runner.ran[0] != tt.wantDelegate {
				t.Errorf("expected delegation to %s, ran %v", tt.wantDelegate, runner.ran)
			}

			got := contentTexts(events)
			if len(got) != 1 || got[0] != tt.wantContent {
				t.Errorf("content = %v, want [%s]", got, tt.wantContent)
			}
		})
	}
}

func TestHandle_MaliciousNeverCallsPersona(t *testing.T) {
	fc := &fakeCompleter{route: "MALICIOUS"}
	o := New(fc, &fakeRunner{}, Config{Model: testModel, RoutingModel: testRoutingModel}, zap.NewNop())
	root := newTree(o, ResearcherName)

	events, _ := handle(t, o, root, "do something bad", false)
	if fc.count() != 1 {
		t.Errorf("expected only the classification call, got %d", fc.count())
	}
	if events[0].Author.Color != "red" {
		t.Errorf("refusal should be authored in red: %+v", events[0].Author)
	}
}

func TestHandle_CapabilityFastPath(t *testing.T) {
	fc := &fakeCompleter{route: "RESEARCH"}
	runner := &fakeRunner{}
	o := New(fc, runner, Config{Model: testModel, RoutingModel: testRoutingModel}, zap.NewNop())
	root := newTree(o, ResearcherName)

	events, err := handle(t, o, root, "Who are you?", false)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fc.count() != 0 {
		t.Errorf("capability questions must not call the classifier, got %d calls", fc.count())
	}
	got := contentTexts(events)
	if len(got) != 1 || !strings.HasPrefix(got[0], "### Prisma AIRS Multi-Agent Demo") {
		t.Errorf("unexpected answer: %v", got)
	}
}

func TestHandle_ClassificationUsesRoutingModelAndFirstChunk(t *testing.T) {
	fc := &fakeCompleter{route: "hmm", reply: "sure"}
	runner := &fakeRunner{}
	o := New(fc, runner, Config{Model: testModel, RoutingModel: testRoutingModel}, zap.NewNop())
	root := newTree(o, DashboardName)

	events, err := handle(t, o, root, "show me", false)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(runner.ran) != 0 {
		t.Errorf("no delegation expected, ran %v", runner.ran)
	}
	if got := contentTexts(events); len(got) != 1 || got[0] != "sure" {
		t.Errorf("expected conversation fallback, got %v", got)
	}
	if fc.requests[0].Model != testRoutingModel || fc.requests[1].Model != testModel {
		t.Errorf("unexpected models: %s, %s", fc.requests[0].Model, fc.requests[1].Model)
	}
	if last := fc.requests[0].Messages[2]; last.Role != llm.RoleUser || last.Text != "show me" {
		t.Errorf("classifier must see the raw input last: %+v", last)
	}
}

func TestHandle_MissingChild(t *testing.T) {
	fc := &fakeCompleter{route: "RESEARCH"}
	runner := &fakeRunner{}
	o := New(fc, runner, Config{Model: testModel, RoutingModel: testRoutingModel}, zap.NewNop())
	root := newTree(o, EvaluationName)

	events, err := handle(t, o, root, "latest news", false)
	if err != nil {
		t.Fatalf("missing child must not be an error: %v", err)
	}
	if len(runner.ran) != 0 {
		t.Errorf("nothing should run, ran %v", runner.ran)
	}
	if len(events) != 2 || !events[0].IsDiagnostic() {
		t.Fatalf("expected diagnostic + content, got %+v", events)
	}
	if events[0].Text != "Could not find 'ResearcherAgent'." || events[0].Author.Color != "red" {
		t.Errorf("unexpected diagnostic: %+v", events[0])
	}
}

func TestHandle_OracleErrorsPropagate(t *testing.T) {
	boom := errors.New("quota exceeded")
	fc := &fakeCompleter{err: boom}
	o := New(fc, &fakeRunner{}, Config{Model: testModel, RoutingModel: testRoutingModel}, zap.NewNop())
	root := newTree(o)

	_, err := handle(t, o, root, "hello", false)
	if !errors.Is(err, boom) {
		t.Errorf("expected oracle error to propagate, got %v", err)
	}
}

func TestHandle_VerboseTrace(t *testing.T) {
	fc := &fakeCompleter{route: "RESEARCH"}
	o := New(fc, &fakeRunner{}, Config{Model: testModel, RoutingModel: testRoutingModel}, zap.NewNop())
	root := newTree(o, ResearcherName)

	events, err := handle(t, o, root, "latest news on Go", true)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var diags []string
	for _, ev := range events {
		if ev.IsDiagnostic() {
			diags = append(diags, ev.Text)
		}
	}
	want := []string{
		"🧠 [OrchestratorAgent] Analyzing query: 'latest news on Go...'",
		"🚦 [OrchestratorAgent] Routing decision: RESEARCH",
		"➡️ [OrchestratorAgent] delegating to 'ResearcherAgent'...",
		"child diagnostic",
	}
	if strings.Join(diags, "\n") != strings.Join(want, "\n") {
		t.Errorf("diagnostics =\n%s\nwant\n%s", strings.Join(diags, "\n"), strings.Join(want, "\n"))
	}
}
