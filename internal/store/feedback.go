package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Feedback represents a row in the feedback table.
type Feedback struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveFeedback stores a yes/no answer for a session.
func (s *Store) SaveFeedback(ctx context.Context, sessionID, feedback string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, session_id, feedback)
		VALUES ($1, $2, $3)`,
		uuid.NewString(), sessionID, feedback,
	)
	if err != nil {
		return fmt.Errorf("SaveFeedback: %w", err)
	}
	return nil
}

// ListFeedback returns the feedback for a session, oldest first.
func (s *Store) ListFeedback(ctx context.Context, sessionID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, feedback, created_at
		FROM feedback WHERE session_id = $1
		ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ListFeedback: %w", err)
	}
	defer rows.Close()

	out := []Feedback{}
	for rows.Next() {
		var f Feedback
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Feedback, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListFeedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
