package api

import (
	"github.com/triage-ai/agentgate/internal/audit"
	"github.com/triage-ai/agentgate/internal/chread"
	"github.com/triage-ai/agentgate/internal/scanner"
)

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// ChatRequest is the JSON body for POST /v1/chat. A missing session id
// starts a new session.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// EventResp is one event of a turn.
type EventResp struct {
	Author string `json:"author"`
	Color  string `json:"color"`
	Icon   string `json:"icon"`
	Kind   string `json:"kind"`
	Text   string `json:"text"`
}

type ChatResponse struct {
	SessionID string      `json:"session_id"`
	Reply     string      `json:"reply"`
	Events    []EventResp `json:"events"`
}

// ScanRequest is the JSON body for POST /v1/scan.
type ScanRequest struct {
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"` // prompt (default) or response
}

// MetricsResp merges the recorder snapshot with the gateway counters.
type MetricsResp struct {
	audit.Snapshot
	scanner.Metrics
}

type EventListResp struct {
	Events []audit.SecurityEvent `json:"events"`
}

type ScanRecordListResp struct {
	Scans []audit.ScanRecord `json:"scans"`
}

type ScanHistoryResp struct {
	Scans    []chread.ScanRow `json:"scans"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}
