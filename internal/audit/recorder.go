// Package audit keeps the bounded in-memory trail of scans and exports it
// to a telemetry sink.
package audit

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/scanner"
	"github.com/triage-ai/agentgate/internal/storage"
)

const (
	// EventCapacity bounds the security events kept per agent.
	EventCapacity = 50
	// HistoryCapacity bounds the scan records kept per Recorder.
	HistoryCapacity = 100
	// PreviewLength is the number of characters kept as a content preview.
	PreviewLength = 100
)

// EventKind distinguishes inbound from outbound scans in the audit trail.
type EventKind string

const (
	PromptScan   EventKind = "prompt_scan"
	ResponseScan EventKind = "response_scan"
)

func eventKind(k scanner.Kind) EventKind {
	if k == scanner.KindResponse {
		return ResponseScan
	}
	return PromptScan
}

// Origin identifies who performed a scan.
type Origin struct {
	Agent     string `json:"agent_name"`
	SessionID string `json:"session_id"`
}

// SecurityEvent is one audit entry per scan performed by an agent turn.
type SecurityEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent"`
	Kind      EventKind      `json:"event_type"`
	Action    scanner.Action `json:"action"`
	Category  string         `json:"category"`
	ScanID    string         `json:"scan_id"`
	Preview   string         `json:"content_preview"`
	Blocked   bool           `json:"blocked"`

	seq int64 // record order across agents
}

// ScanRecord is one raw scan call with its resolved origin.
type ScanRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      scanner.Kind    `json:"scan_type"`
	Preview   string          `json:"content_preview"`
	Verdict   scanner.Verdict `json:"verdict"`
	Origin    Origin          `json:"context"`
}

// Conversation is the per-turn record logged once a turn terminates.
type Conversation struct {
	Origin   Origin
	Inbound  string
	Outbound string
	Prompt   scanner.Verdict
	Response *scanner.Verdict // nil when the turn stopped before the response scan
}

// Snapshot summarises the scans seen by a Recorder.
type Snapshot struct {
	TotalScans       int64   `json:"middleware_total_scans"`
	BlockedScans     int64   `json:"middleware_blocked_scans"`
	BlockRatePercent float64 `json:"middleware_block_rate_percent"`
	AvgScanTimeMs    float64 `json:"middleware_average_scan_time_ms"`
}

// Recorder is the audit trail of one gating middleware instance. Record
// never fails: sink problems are logged and swallowed.
type Recorder struct {
	sink   storage.EventWriter
	logger *zap.Logger
	now    func() time.Time

	history *Ring[ScanRecord]

	mu      sync.Mutex
	events  map[string]*Ring[SecurityEvent]
	total   int64
	blocked int64
	totalMs float64
}

// NewRecorder creates a Recorder. sink may be nil.
func NewRecorder(sink storage.EventWriter, logger *zap.Logger) *Recorder {
	return &Recorder{
		sink:    sink,
		logger:  logger,
		now:     time.Now,
		history: NewRing[ScanRecord](HistoryCapacity),
		events:  make(map[string]*Ring[SecurityEvent]),
	}
}

// Record appends one scan to the history and to the agent's event trail,
// updates the counters and exports the scan to the sink.
func (r *Recorder) Record(kind scanner.Kind, v scanner.Verdict, content string, origin Origin) {
	now := r.now()
	preview := storage.TruncatePayload(content, PreviewLength)

	// Pushes happen under mu so ring order always matches seq order.
	r.mu.Lock()
	ring, ok := r.events[origin.Agent]
	if !ok {
		ring = NewRing[SecurityEvent](EventCapacity)
		r.events[origin.Agent] = ring
	}
	r.total++
	seq := r.total
	r.totalMs += v.DurationMs
	if v.Blocked() {
		r.blocked++
	}
	r.history.Push(ScanRecord{
		Timestamp: now,
		Kind:      kind,
		Preview:   preview,
		Verdict:   v,
		Origin:    origin,
	})
	ring.Push(SecurityEvent{
		Timestamp: now,
		Agent:     origin.Agent,
		Kind:      eventKind(kind),
		Action:    v.Action,
		Category:  v.Category,
		ScanID:    v.ScanID,
		Preview:   preview,
		Blocked:   v.Blocked(),
		seq:       seq,
	})
	r.mu.Unlock()

	r.export("scan", func(sink storage.EventWriter) {
		sink.WriteScan(&storage.ScanEvent{
			EventID:        uuid.NewString(),
			Timestamp:      now,
			Agent:          origin.Agent,
			SessionID:      origin.SessionID,
			Kind:           string(kind),
			Action:         string(v.Action),
			Category:       v.Category,
			Reason:         v.Reason,
			ScanID:         v.ScanID,
			ReportID:       v.ReportID,
			Method:         string(v.Method),
			DurationMs:     float32(v.DurationMs),
			Redacted:       v.Redacted,
			PayloadPreview: storage.TruncatePayload(content, storage.PayloadPreviewLength),
			PayloadHash:    storage.HashPayload(content),
			PayloadSize:    uint32(len(content)),
		})
	})
}

// RecordConversation exports the conversation record of a finished turn.
func (r *Recorder) RecordConversation(c Conversation) {
	rec := &storage.TurnRecord{
		TurnID:         uuid.NewString(),
		Timestamp:      r.now(),
		Agent:          c.Origin.Agent,
		SessionID:      c.Origin.SessionID,
		Inbound:        c.Inbound,
		Outbound:       c.Outbound,
		PromptAction:   string(c.Prompt.Action),
		PromptCategory: c.Prompt.Category,
		PromptScanID:   c.Prompt.ScanID,
	}
	if c.Response != nil {
		rec.ResponseAction = string(c.Response.Action)
		rec.ResponseCategory = c.Response.Category
		rec.ResponseScanID = c.Response.ScanID
		rec.Redacted = c.Response.Redacted
	}
	r.export("turn", func(sink storage.EventWriter) { sink.WriteTurn(rec) })
}

func (r *Recorder) export(what string, fn func(storage.EventWriter)) {
	if r.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("audit sink failed",
				zap.String("record", what),
				zap.Any("panic", p),
			)
		}
	}()
	fn(r.sink)
}

// Snapshot returns the aggregate counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{TotalScans: r.total, BlockedScans: r.blocked}
	if r.total > 0 {
		s.BlockRatePercent = float64(r.blocked) / float64(r.total) * 100
		s.AvgScanTimeMs = math.Round(r.totalMs/float64(r.total)*100) / 100
	}
	return s
}

// Events returns the security events of every agent, oldest first.
func (r *Recorder) Events() []SecurityEvent {
	r.mu.Lock()
	rings := make([]*Ring[SecurityEvent], 0, len(r.events))
	for _, ring := range r.events {
		rings = append(rings, ring)
	}
	r.mu.Unlock()

	var out []SecurityEvent
	for _, ring := range rings {
		out = append(out, ring.Items()...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}

// AgentEvents returns the security events of one agent, oldest first.
func (r *Recorder) AgentEvents(agent string) []SecurityEvent {
	r.mu.Lock()
	ring, ok := r.events[agent]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ring.Items()
}

// History returns the most recent scan records, oldest first.
func (r *Recorder) History() []ScanRecord {
	return r.history.Items()
}
