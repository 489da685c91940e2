package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/storage"
)

const (
	turnBufferSize    = 1000
	turnFlushBatch    = 50
	turnFlushInterval = 2 * time.Second
	turnDrainTimeout  = 5 * time.Second
)

// SaveTurns inserts conversation records in one transaction.
func (s *Store) SaveTurns(ctx context.Context, turns []*storage.TurnRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SaveTurns: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversations (
			turn_id, session_id, agent, inbound, outbound,
			prompt_action, prompt_category, prompt_scan_id,
			response_action, response_category, response_scan_id,
			redacted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (turn_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("SaveTurns: %w", err)
	}
	defer stmt.Close()

	for _, t := range turns {
		if _, err := stmt.ExecContext(ctx,
			t.TurnID, t.SessionID, t.Agent, t.Inbound, t.Outbound,
			t.PromptAction, t.PromptCategory, t.PromptScanID,
			t.ResponseAction, t.ResponseCategory, t.ResponseScanID,
			t.Redacted, t.Timestamp,
		); err != nil {
			return fmt.Errorf("SaveTurns: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("SaveTurns: %w", err)
	}
	return nil
}

// ListTurns returns the most recent conversation records of a session,
// oldest first.
func (s *Store) ListTurns(ctx context.Context, sessionID string, limit int) ([]storage.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, session_id, agent, inbound, outbound,
		       prompt_action, prompt_category, prompt_scan_id,
		       response_action, response_category, response_scan_id,
		       redacted, created_at
		FROM (
			SELECT * FROM conversations WHERE session_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("ListTurns: %w", err)
	}
	defer rows.Close()

	out := []storage.TurnRecord{}
	for rows.Next() {
		var t storage.TurnRecord
		if err := rows.Scan(&t.TurnID, &t.SessionID, &t.Agent, &t.Inbound, &t.Outbound,
			&t.PromptAction, &t.PromptCategory, &t.PromptScanID,
			&t.ResponseAction, &t.ResponseCategory, &t.ResponseScanID,
			&t.Redacted, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("ListTurns: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type turnSaver interface {
	SaveTurns(ctx context.Context, turns []*storage.TurnRecord) error
}

// TurnWriter is a storage.EventWriter that persists conversation records to
// PostgreSQL in batches. Scan events are left to the other writers.
type TurnWriter struct {
	saver   turnSaver
	turns   chan *storage.TurnRecord
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewTurnWriter starts the background flush loop.
func NewTurnWriter(s *Store, logger *zap.Logger) *TurnWriter {
	return newTurnWriter(s, logger)
}

func newTurnWriter(saver turnSaver, logger *zap.Logger) *TurnWriter {
	w := &TurnWriter{
		saver:   saver,
		turns:   make(chan *storage.TurnRecord, turnBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

func (w *TurnWriter) WriteScan(*storage.ScanEvent) {}

// WriteTurn queues a record; it drops the record if the buffer is full.
func (w *TurnWriter) WriteTurn(turn *storage.TurnRecord) {
	select {
	case w.turns <- turn:
	default:
		w.logger.Warn("postgres buffer full, dropping turn record",
			zap.String("turn_id", turn.TurnID),
		)
	}
}

// Close drains queued records and waits for the final flush. Call once.
func (w *TurnWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *TurnWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(turnFlushInterval)
	defer ticker.Stop()

	batch := make([]*storage.TurnRecord, 0, turnFlushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), turnDrainTimeout)
		defer cancel()
		if err := w.saver.SaveTurns(ctx, batch); err != nil {
			w.logger.Error("postgres turn insert failed",
				zap.Int("count", len(batch)),
				zap.Error(err),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case turn := <-w.turns:
			batch = append(batch, turn)
			if len(batch) >= turnFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
		drain:
			for {
				select {
				case turn := <-w.turns:
					batch = append(batch, turn)
					if len(batch) >= turnFlushBatch {
						flush()
					}
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}
