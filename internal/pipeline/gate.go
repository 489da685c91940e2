// Package pipeline wraps every agent turn in inbound and outbound scans.
package pipeline

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/agent"
	"github.com/triage-ai/agentgate/internal/audit"
	"github.com/triage-ai/agentgate/internal/redact"
	"github.com/triage-ai/agentgate/internal/scanner"
)

const (
	// ErrorMarker prefixes the terminal event of a turn whose logic failed.
	ErrorMarker = "❌ Agent error: "

	noInputPlaceholder = "No input provided"
	unknownSession     = "unknown"
)

var (
	// ScannerAuthor signs block diagnostics.
	ScannerAuthor  = agent.Author{Name: "Prisma AIRS", Color: "red", Icon: "security"}
	approvedAuthor = agent.Author{Name: "Prisma AIRS", Color: "green", Icon: "security"}
)

// Scanner is the part of the scan gateway the gate depends on.
type Scanner interface {
	Scan(ctx context.Context, content string, kind scanner.Kind) scanner.Verdict
	FailSafe(kind scanner.Kind, msg string, override bool) scanner.Verdict
}

// Config tunes the gate.
type Config struct {
	// Verbose emits progress diagnostics around each scan.
	Verbose bool
	// PassthroughDiagnostics forwards logic diagnostics as they are produced.
	// When false they are held back and dropped if the response scan blocks.
	PassthroughDiagnostics bool
}

// Gate runs agent turns through the scan, logic, scan, redact sequence.
// A Gate is safe for concurrent turns.
type Gate struct {
	scanner  Scanner
	recorder *audit.Recorder
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a Gate.
func New(s Scanner, recorder *audit.Recorder, cfg Config, logger *zap.Logger) *Gate {
	return &Gate{
		scanner:  s,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/triage-ai/agentgate/internal/pipeline"),
	}
}

// Recorder returns the audit trail the gate writes to.
func (g *Gate) Recorder() *audit.Recorder {
	return g.recorder
}

// Run returns the event stream of one turn of node. The sequence is lazy
// and can be consumed once; ranging over it again yields nothing.
func (g *Gate) Run(ctx context.Context, sess agent.Session, node *agent.Node) iter.Seq[agent.Event] {
	var consumed atomic.Bool
	return func(yield func(agent.Event) bool) {
		if !consumed.CompareAndSwap(false, true) {
			return
		}
		g.turn(ctx, sess, node, yield)
	}
}

// turnState carries what the conversation record needs.
type turnState struct {
	origin   audit.Origin
	inbound  string
	outbound string
	prompt   scanner.Verdict
	response *scanner.Verdict
}

func (g *Gate) turn(ctx context.Context, sess agent.Session, node *agent.Node, yield func(agent.Event) bool) {
	ctx, span := g.tracer.Start(ctx, "pipeline.Turn",
		trace.WithAttributes(attribute.String("agent.name", node.Name)),
	)
	defer span.End()

	input := sess.InboundText()
	if input == "" {
		input = noInputPlaceholder
	}
	sessionID := sess.ID()
	if sessionID == "" {
		sessionID = unknownSession
	}
	st := &turnState{
		origin:  audit.Origin{Agent: node.Name, SessionID: sessionID},
		inbound: input,
	}
	defer g.recordConversation(st)

	if g.cfg.Verbose {
		if !yield(agent.NewDiagnostic(node.AuthorIn("grey"), fmt.Sprintf("🕵️ [%s] Analyzing user prompt...", node.Name))) {
			return
		}
	}

	st.prompt = g.scan(ctx, input, scanner.KindPrompt)
	g.recorder.Record(scanner.KindPrompt, st.prompt, input, st.origin)
	span.SetAttributes(attribute.String("scan.prompt.action", string(st.prompt.Action)))

	if st.prompt.Blocked() {
		g.logger.Warn("input blocked",
			zap.String("agent", node.Name),
			zap.String("session_id", sessionID),
			zap.String("category", st.prompt.Category),
			zap.String("scan_id", st.prompt.ScanID),
		)
		if !yield(agent.NewDiagnostic(ScannerAuthor, fmt.Sprintf("🚨 [%s] Input blocked by Prisma AIRS. Reason: %s", node.Name, st.prompt.Category))) {
			return
		}
		st.outbound = BlockMessage(st.prompt, "prompt")
		yield(agent.NewContent(node.AuthorIn("red"), st.outbound))
		return
	}

	if g.cfg.Verbose {
		if !yield(agent.NewDiagnostic(approvedAuthor, fmt.Sprintf("✅ [%s] Input approved by Prisma AIRS.", node.Name))) {
			return
		}
	}

	inv := agent.Invocation{Node: node, Session: sess, Input: input, Verbose: g.cfg.Verbose}
	outbound, held, stopped, err := g.runLogic(ctx, inv, yield)
	if stopped {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent logic failed")
		g.logger.Error("agent logic failed",
			zap.String("agent", node.Name),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		st.outbound = ErrorMarker + err.Error()
		yield(agent.NewContent(node.AuthorIn("red"), st.outbound))
		return
	}

	response := g.scan(ctx, outbound, scanner.KindResponse)
	if response.Allowed() {
		outbound, response.Redacted = redact.Redact(outbound)
	}
	st.response = &response
	g.recorder.Record(scanner.KindResponse, response, outbound, st.origin)
	span.SetAttributes(
		attribute.String("scan.response.action", string(response.Action)),
		attribute.Bool("scan.response.redacted", response.Redacted),
	)

	if response.Blocked() {
		g.logger.Warn("response blocked",
			zap.String("agent", node.Name),
			zap.String("session_id", sessionID),
			zap.String("category", response.Category),
			zap.String("scan_id", response.ScanID),
			zap.Int("withheld_diagnostics", len(held)),
		)
		if !yield(agent.NewDiagnostic(ScannerAuthor, fmt.Sprintf("🚨 [%s] Response blocked by Prisma AIRS. Reason: %s", node.Name, response.Category))) {
			return
		}
		st.outbound = BlockMessage(response, "response")
		yield(agent.NewContent(node.AuthorIn("red"), st.outbound))
		return
	}

	for _, ev := range held {
		if !yield(ev) {
			return
		}
	}
	if g.cfg.Verbose {
		if !yield(agent.NewDiagnostic(approvedAuthor, fmt.Sprintf("✅ [%s] Response approved by Prisma AIRS. Scan ID: %s", node.Name, response.ScanID))) {
			return
		}
	}
	st.outbound = outbound
	yield(agent.NewContent(node.Author(), outbound))
}

// runLogic drives the node's logic, accumulating content text. Diagnostics
// are forwarded or held according to the gate config. Errors and panics
// raised by the logic are returned as err; stopped reports that the
// consumer quit early.
func (g *Gate) runLogic(ctx context.Context, inv agent.Invocation, yield func(agent.Event) bool) (outbound string, held []agent.Event, stopped bool, err error) {
	var b strings.Builder
	inYield := false
	defer func() {
		if p := recover(); p != nil {
			if inYield {
				panic(p)
			}
			g.logger.Error("agent logic panicked",
				zap.String("agent", inv.Node.Name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			outbound, held, stopped, err = b.String(), nil, false, fmt.Errorf("%v", p)
		}
	}()

	if inv.Node.Logic == nil {
		return "", nil, false, fmt.Errorf("agent %q has no logic", inv.Node.Name)
	}

	for ev, lerr := range inv.Node.Logic.Handle(ctx, inv) {
		if lerr != nil {
			return b.String(), nil, false, lerr
		}
		if !ev.IsDiagnostic() {
			b.WriteString(ev.Text)
			continue
		}
		if !g.cfg.PassthroughDiagnostics {
			held = append(held, ev)
			continue
		}
		inYield = true
		ok := yield(ev)
		inYield = false
		if !ok {
			return b.String(), nil, true, nil
		}
	}
	return b.String(), held, false, nil
}

// scan calls the scanner, turning a scanner panic into a fail-safe verdict.
func (g *Gate) scan(ctx context.Context, content string, kind scanner.Kind) (v scanner.Verdict) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("scan panicked", zap.String("kind", string(kind)), zap.Any("panic", p))
			v = g.scanner.FailSafe(kind, fmt.Sprintf("Middleware scan failed: %v", p), false)
		}
	}()
	return g.scanner.Scan(ctx, content, kind)
}

func (g *Gate) recordConversation(st *turnState) {
	g.recorder.RecordConversation(audit.Conversation{
		Origin:   st.origin,
		Inbound:  st.inbound,
		Outbound: st.outbound,
		Prompt:   st.prompt,
		Response: st.response,
	})
}

// BlockMessage formats the user-facing notice for blocked content.
// contentType is "prompt" or "response".
func BlockMessage(v scanner.Verdict, contentType string) string {
	scanID := v.ScanID
	if scanID == "" {
		scanID = "N/A"
	}
	return fmt.Sprintf("🛡️ Security Notice\n"+
		"Your %s has been blocked by Prisma AIRS security scanning.\n"+
		"Reason: %s\n"+
		"Category: %s\n"+
		"Scan ID: %s\n"+
		"Please review your content and try again.",
		contentType, v.Reason, v.Category, scanID)
}
