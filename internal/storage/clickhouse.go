package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scan_events (
		event_id String,
		timestamp DateTime64(3),
		agent LowCardinality(String),
		session_id String,
		kind LowCardinality(String),
		action LowCardinality(String),
		category LowCardinality(String),
		reason String,
		scan_id String,
		report_id String,
		method LowCardinality(String),
		duration_ms Float32,
		redacted UInt8,
		payload_preview String,
		payload_hash String,
		payload_size UInt32
	) ENGINE = MergeTree ORDER BY (timestamp, agent)`,
	`CREATE TABLE IF NOT EXISTS turn_records (
		turn_id String,
		timestamp DateTime64(3),
		agent LowCardinality(String),
		session_id String,
		inbound String,
		outbound String,
		prompt_action LowCardinality(String),
		prompt_category LowCardinality(String),
		prompt_scan_id String,
		response_action LowCardinality(String),
		response_category LowCardinality(String),
		response_scan_id String,
		redacted UInt8
	) ENGINE = MergeTree ORDER BY (timestamp, session_id)`,
}

// ClickHouseWriter writes scan telemetry to ClickHouse asynchronously.
// Writes are non-blocking: records are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	scans   chan *ScanEvent
	turns   chan *TurnRecord
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter, ensures the tables exist and
// starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	// ParseDSN sets TLS when ?secure=true is in the DSN; enforce it otherwise too.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	for _, ddl := range schema {
		if err := conn.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
		}
	}

	w := &ClickHouseWriter{
		conn:    conn,
		scans:   make(chan *ScanEvent, bufferSize),
		turns:   make(chan *TurnRecord, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// WriteScan queues a scan event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) WriteScan(event *ScanEvent) {
	select {
	case w.scans <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping scan event",
			zap.String("event_id", event.EventID),
		)
	}
}

// WriteTurn queues a turn record for async insertion.
func (w *ClickHouseWriter) WriteTurn(turn *TurnRecord) {
	select {
	case w.turns <- turn:
	default:
		w.logger.Warn("clickhouse buffer full, dropping turn record",
			zap.String("turn_id", turn.TurnID),
		)
	}
}

// Close signals the flush loop to drain remaining records, waits for it to
// finish (up to drainTimeout), and closes the connection. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	scans := make([]*ScanEvent, 0, flushBatch)
	turns := make([]*TurnRecord, 0, flushBatch)

	flushAll := func() {
		if len(scans) > 0 {
			w.flushScans(scans)
			scans = scans[:0]
		}
		if len(turns) > 0 {
			w.flushTurns(turns)
			turns = turns[:0]
		}
	}

	for {
		select {
		case event := <-w.scans:
			scans = append(scans, event)
			if len(scans) >= flushBatch {
				w.flushScans(scans)
				scans = scans[:0]
			}
		case turn := <-w.turns:
			turns = append(turns, turn)
			if len(turns) >= flushBatch {
				w.flushTurns(turns)
				turns = turns[:0]
			}
		case <-ticker.C:
			flushAll()
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.scans:
					scans = append(scans, event)
				case turn := <-w.turns:
					turns = append(turns, turn)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			flushAll()
			return
		}
	}
}

func (w *ClickHouseWriter) flushScans(events []*ScanEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO scan_events (
			event_id, timestamp, agent, session_id, kind,
			action, category, reason, scan_id, report_id, method,
			duration_ms, redacted, payload_preview, payload_hash, payload_size
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.Timestamp,
			e.Agent,
			e.SessionID,
			e.Kind,
			e.Action,
			e.Category,
			e.Reason,
			e.ScanID,
			e.ReportID,
			e.Method,
			e.DurationMs,
			boolToUint8(e.Redacted),
			e.PayloadPreview,
			e.PayloadHash,
			e.PayloadSize,
		); err != nil {
			w.logger.Error("clickhouse append scan event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.String("table", "scan_events"),
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func (w *ClickHouseWriter) flushTurns(turns []*TurnRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO turn_records (
			turn_id, timestamp, agent, session_id, inbound, outbound,
			prompt_action, prompt_category, prompt_scan_id,
			response_action, response_category, response_scan_id, redacted
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, t := range turns {
		if err := batch.Append(
			t.TurnID,
			t.Timestamp,
			t.Agent,
			t.SessionID,
			t.Inbound,
			t.Outbound,
			t.PromptAction,
			t.PromptCategory,
			t.PromptScanID,
			t.ResponseAction,
			t.ResponseCategory,
			t.ResponseScanID,
			boolToUint8(t.Redacted),
		); err != nil {
			w.logger.Error("clickhouse append turn record failed",
				zap.String("turn_id", t.TurnID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.String("table", "turn_records"),
			zap.Int("batch_size", len(turns)),
			zap.Error(err),
		)
	}
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// LogWriter is a fallback EventWriter for local development.
// It logs records as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs records to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) WriteScan(event *ScanEvent) {
	w.logger.Info("scan_event",
		zap.String("event_id", event.EventID),
		zap.String("agent", event.Agent),
		zap.String("session_id", event.SessionID),
		zap.String("kind", event.Kind),
		zap.String("action", event.Action),
		zap.String("category", event.Category),
		zap.String("scan_id", event.ScanID),
		zap.String("method", event.Method),
		zap.Float32("duration_ms", event.DurationMs),
		zap.Bool("redacted", event.Redacted),
	)
}

func (w *LogWriter) WriteTurn(turn *TurnRecord) {
	w.logger.Info("turn_record",
		zap.String("turn_id", turn.TurnID),
		zap.String("agent", turn.Agent),
		zap.String("session_id", turn.SessionID),
		zap.String("prompt_action", turn.PromptAction),
		zap.String("response_action", turn.ResponseAction),
		zap.Bool("redacted", turn.Redacted),
	)
}

func (w *LogWriter) Close() {}
