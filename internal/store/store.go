package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

// Store manages the PostgreSQL connections for the recognition history.
// It is safe for concurrent use: a batch looks up cached results while
// earlier results are still being recorded.
type Store struct {
	pool *pgxpool.Pool
}

// Entry is one recorded recognition, successful or not.
type Entry struct {
	ID        uuid.UUID
	ImageHash string
	Source    string
	Mode      string
	Text      string
	Err       string
	Duration  time.Duration
	CreatedAt time.Time
}

func (e Entry) Ok() bool { return e.Err == "" }

// New opens a connection pool to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the history table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS recognitions (
			id UUID PRIMARY KEY,
			image_hash TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS recognitions_created_at_idx ON recognitions (created_at DESC);
		CREATE INDEX IF NOT EXISTS recognitions_image_hash_idx ON recognitions (image_hash);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close waits for in-use connections to be released and closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Record saves one result. Recording the same ID twice keeps the latest outcome.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recognitions (id, image_hash, source, mode, text, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET text = EXCLUDED.text, error = EXCLUDED.error, duration_ms = EXCLUDED.duration_ms
	`, e.ID, e.ImageHash, e.Source, e.Mode, e.Text, e.Err, e.Duration.Milliseconds())
	return err
}

// List returns the most recent entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, image_hash, source, mode, text, error, duration_ms, created_at
		FROM recognitions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationMs int64
		if err := rows.Scan(&e.ID, &e.ImageHash, &e.Source, &e.Mode, &e.Text, &e.Err, &durationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Lookup returns the latest successful text recorded for an image hash.
func (s *Store) Lookup(ctx context.Context, imageHash, mode string) (string, bool, error) {
	var text string
	err := s.pool.QueryRow(ctx, `
		SELECT text FROM recognitions
		WHERE image_hash = $1 AND mode = $2 AND error = ''
		ORDER BY created_at DESC
		LIMIT 1
	`, imageHash, mode).Scan(&text)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}

// Reset drops the history table to clear the database state.
// The next New recreates it.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS recognitions CASCADE;`)
	return err
}
