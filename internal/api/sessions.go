package api

import (
	"net/http"

	"go.uber.org/zap"
)

const maxConversationTurns = 200

func (d *Dependencies) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if d.Sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "PostgreSQL not configured"})
		return "", false
	}
	id := r.URL.Query().Get("session_id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "session_id query parameter is required"})
		return "", false
	}
	return id, true
}

func (d *Dependencies) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := d.sessionID(w, r)
	if !ok {
		return
	}
	feedback, err := d.Sessions.ListFeedback(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to list feedback", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list feedback"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "feedback": feedback})
}

func (d *Dependencies) handleConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := d.sessionID(w, r)
	if !ok {
		return
	}
	limit := queryInt(r.URL.Query(), "limit", 50)
	if limit < 1 || limit > maxConversationTurns {
		limit = maxConversationTurns
	}
	turns, err := d.Sessions.ListTurns(r.Context(), id, limit)
	if err != nil {
		d.Logger.Error("failed to list conversations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list conversations"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}
