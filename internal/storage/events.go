package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventWriter is the interface for exporting scan telemetry.
// WriteScan() and WriteTurn() must NEVER block the caller.
type EventWriter interface {
	WriteScan(event *ScanEvent)
	WriteTurn(turn *TurnRecord)
	Close()
}

// ScanEvent represents a single scan call to be persisted.
type ScanEvent struct {
	EventID        string
	Timestamp      time.Time
	Agent          string
	SessionID      string
	Kind           string // "prompt" or "response"
	Action         string
	Category       string
	Reason         string
	ScanID         string
	ReportID       string
	Method         string
	DurationMs     float32
	Redacted       bool
	PayloadPreview string // First 500 chars
	PayloadHash    string // SHA256 of full payload
	PayloadSize    uint32
}

// TurnRecord is one gated turn: what came in, what went out, and both verdicts.
type TurnRecord struct {
	TurnID           string    `json:"turn_id"`
	Timestamp        time.Time `json:"timestamp"`
	Agent            string    `json:"agent"`
	SessionID        string    `json:"session_id"`
	Inbound          string    `json:"inbound"`
	Outbound         string    `json:"outbound"`
	PromptAction     string    `json:"prompt_action"`
	PromptCategory   string    `json:"prompt_category"`
	PromptScanID     string    `json:"prompt_scan_id"`
	ResponseAction   string    `json:"response_action"`
	ResponseCategory string    `json:"response_category"`
	ResponseScanID   string    `json:"response_scan_id"`
	Redacted         bool      `json:"redacted"`
}

// PayloadPreviewLength is the max chars stored in payload_preview.
const PayloadPreviewLength = 500

// TruncatePayload returns the first N characters (runes) of a payload for
// preview storage. It never splits a multi-byte UTF-8 character.
func TruncatePayload(payload string, maxLen int) string {
	runes := []rune(payload)
	if len(runes) <= maxLen {
		return payload
	}
	return string(runes[:maxLen])
}

// HashPayload returns the hex SHA256 of payload.
func HashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// MultiWriter fans every event out to several writers.
type MultiWriter struct {
	writers []EventWriter
}

// NewMultiWriter returns a writer that forwards to each non-nil writer in order.
func NewMultiWriter(writers ...EventWriter) *MultiWriter {
	m := &MultiWriter{}
	for _, w := range writers {
		if w != nil {
			m.writers = append(m.writers, w)
		}
	}
	return m
}

func (m *MultiWriter) WriteScan(event *ScanEvent) {
	for _, w := range m.writers {
		w.WriteScan(event)
	}
}

func (m *MultiWriter) WriteTurn(turn *TurnRecord) {
	for _, w := range m.writers {
		w.WriteTurn(turn)
	}
}

func (m *MultiWriter) Close() {
	for _, w := range m.writers {
		w.Close()
	}
}
