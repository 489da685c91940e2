package api

import (
	"context"
	"net/http"
	"slices"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/app"
	"github.com/triage-ai/agentgate/internal/scanner"
)

// handleChat implements POST /v1/chat: one gated turn of the root agent.
func (d *Dependencies) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = app.NewSessionID()
	}

	// A turn runs to completion once started: a client disconnect must not
	// fail the prompt scan closed. Scans and completions carry their own timeouts.
	ctx := context.WithoutCancel(r.Context())
	events := slices.Collect(d.Chat.Chat(ctx, req.SessionID, req.Message))

	resp := ChatResponse{
		SessionID: req.SessionID,
		Reply:     app.Reply(events),
		Events:    make([]EventResp, 0, len(events)),
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, EventResp{
			Author: ev.Author.Name,
			Color:  ev.Author.Color,
			Icon:   ev.Author.Icon,
			Kind:   ev.Kind.String(),
			Text:   ev.Text,
		})
	}

	d.Logger.Debug("chat turn served",
		zap.String("session_id", req.SessionID),
		zap.Int("events", len(events)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleScan implements POST /v1/scan, the standalone scan tool.
func (d *Dependencies) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "content is required"})
		return
	}

	kind := scanner.Kind(req.Kind)
	switch kind {
	case "":
		kind = scanner.KindPrompt
	case scanner.KindPrompt, scanner.KindResponse:
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "kind must be prompt or response"})
		return
	}

	writeJSON(w, http.StatusOK, d.Scanner.Check(r.Context(), req.Content, kind))
}
