// Package api exposes the gated agents and the security audit trail over HTTP.
package api

import (
	"context"
	"iter"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/agent"
	"github.com/triage-ai/agentgate/internal/audit"
	"github.com/triage-ai/agentgate/internal/auth"
	"github.com/triage-ai/agentgate/internal/chread"
	"github.com/triage-ai/agentgate/internal/scanner"
	"github.com/triage-ai/agentgate/internal/storage"
	"github.com/triage-ai/agentgate/internal/store"
)

// Chatter runs one gated turn of the root agent.
type Chatter interface {
	Chat(ctx context.Context, sessionID, text string) iter.Seq[agent.Event]
}

// Checker is the standalone scan tool plus the gateway counters.
type Checker interface {
	Check(ctx context.Context, content string, kind scanner.Kind) scanner.CheckResult
	Metrics() scanner.Metrics
}

// ScanHistory reads persisted scan events.
type ScanHistory interface {
	ListScans(ctx context.Context, params chread.ListScansParams) ([]chread.ScanRow, int, error)
	GetScan(ctx context.Context, eventID string) (*chread.ScanRow, error)
	GetAnalytics(ctx context.Context, days int) (*chread.AnalyticsResult, error)
}

// SessionStore reads persisted feedback and conversations.
type SessionStore interface {
	ListFeedback(ctx context.Context, sessionID string) ([]store.Feedback, error)
	ListTurns(ctx context.Context, sessionID string, limit int) ([]storage.TurnRecord, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Identity, error)
}

// Dependencies holds shared state injected into all HTTP handlers.
// History, Sessions and Auth are nil when their backend is not configured.
type Dependencies struct {
	Chat     Chatter
	Scanner  Checker
	Recorder *audit.Recorder
	History  ScanHistory
	Sessions SessionStore
	Auth     Authenticator
	Logger   *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", deps.authMiddleware(deps.handleChat))
	mux.HandleFunc("POST /v1/scan", deps.authMiddleware(deps.handleScan))

	mux.HandleFunc("GET /api/security/events", deps.authMiddleware(deps.handleEvents))
	mux.HandleFunc("GET /api/security/metrics", deps.authMiddleware(deps.handleMetrics))
	mux.HandleFunc("GET /api/security/scans", deps.authMiddleware(deps.handleScans))
	mux.HandleFunc("GET /api/security/scans/history", deps.authMiddleware(deps.handleScanHistory))
	mux.HandleFunc("GET /api/security/scans/history/{event_id}", deps.authMiddleware(deps.handleGetScan))
	mux.HandleFunc("GET /api/security/analytics", deps.authMiddleware(deps.handleAnalytics))

	mux.HandleFunc("GET /api/feedback", deps.authMiddleware(deps.handleFeedback))
	mux.HandleFunc("GET /api/conversations", deps.authMiddleware(deps.handleConversations))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
