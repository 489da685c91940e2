// Package store persists conversations and feedback in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// Store provides access to the PostgreSQL database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL through the pgx driver and verifies the
// connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS feedback (
		id         UUID PRIMARY KEY,
		session_id TEXT NOT NULL,
		feedback   TEXT NOT NULL CHECK (feedback IN ('yes', 'no')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS feedback_session_idx ON feedback (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		turn_id           UUID PRIMARY KEY,
		session_id        TEXT NOT NULL,
		agent             TEXT NOT NULL,
		inbound           TEXT NOT NULL,
		outbound          TEXT NOT NULL,
		prompt_action     TEXT NOT NULL,
		prompt_category   TEXT NOT NULL,
		prompt_scan_id    TEXT NOT NULL,
		response_action   TEXT NOT NULL DEFAULT '',
		response_category TEXT NOT NULL DEFAULT '',
		response_scan_id  TEXT NOT NULL DEFAULT '',
		redacted          BOOLEAN NOT NULL DEFAULT false,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS conversations_session_idx ON conversations (session_id, created_at)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("Migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
