package api

import (
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/chread"
)

// handleEvents returns the in-memory security events, newest first.
// ?agent= restricts them to one agent.
func (d *Dependencies) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := d.Recorder.Events()
	if name := r.URL.Query().Get("agent"); name != "" {
		events = d.Recorder.AgentEvents(name)
	}
	slices.Reverse(events)
	writeJSON(w, http.StatusOK, EventListResp{Events: events})
}

func (d *Dependencies) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, MetricsResp{
		Snapshot: d.Recorder.Snapshot(),
		Metrics:  d.Scanner.Metrics(),
	})
}

// handleScans returns the bounded in-memory scan history, oldest first.
func (d *Dependencies) handleScans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ScanRecordListResp{Scans: d.Recorder.History()})
}

func (d *Dependencies) handleScanHistory(w http.ResponseWriter, r *http.Request) {
	if d.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	q := r.URL.Query()
	params := chread.ListScansParams{
		Page:     queryInt(q, "page", 1),
		PageSize: queryInt(q, "page_size", chread.DefaultPageSize),
	}
	for key, dst := range map[string]**string{
		"agent":      &params.Agent,
		"session_id": &params.SessionID,
		"kind":       &params.Kind,
		"action":     &params.Action,
		"category":   &params.Category,
	} {
		if v := q.Get(key); v != "" {
			*dst = &v
		}
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	scans, total, err := d.History.ListScans(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list scans", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list scans"})
		return
	}

	writeJSON(w, http.StatusOK, ScanHistoryResp{
		Scans:    scans,
		Total:    total,
		Page:     max(params.Page, 1),
		PageSize: params.PageSize,
	})
}

func (d *Dependencies) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if d.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	scan, err := d.History.GetScan(r.Context(), r.PathValue("event_id"))
	if err != nil {
		d.Logger.Error("failed to get scan", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get scan"})
		return
	}
	if scan == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Scan not found."})
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (d *Dependencies) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if d.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "ClickHouse not configured"})
		return
	}

	days := queryInt(r.URL.Query(), "days", 7)
	if days < 1 || days > 90 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "days must be between 1 and 90"})
		return
	}

	result, err := d.History.GetAnalytics(r.Context(), days)
	if err != nil {
		d.Logger.Error("failed to get analytics", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get analytics"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
