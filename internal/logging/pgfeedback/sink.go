// Package pgfeedback is a PostgreSQL Feedback Sink. It mirrors the SQLite
// feedback log so deployments with several engine instances can share one
// feedback stream.
package pgfeedback

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

const schema = `
CREATE TABLE IF NOT EXISTS feedback_events (
	message_id TEXT PRIMARY KEY,
	rating     SMALLINT NOT NULL CHECK (rating BETWEEN -1 AND 1),
	reason     TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_events_created ON feedback_events(created_at);
`

// DB is the subset of *pgxpool.Pool the sink uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Sink appends and reads feedback events in PostgreSQL.
type Sink struct {
	db DB
}

// New wraps an open pool.
func New(db DB) *Sink {
	return &Sink{db: db}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the feedback table if needed.
func (s *Sink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate feedback: %w", err)
	}
	return nil
}

// Append stores ev; a repeated MessageID is a no-op reported as duplicate.
func (s *Sink) Append(ctx context.Context, ev accuracy.FeedbackEvent) (bool, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var reason *string
	if ev.Reason != "" {
		reason = &ev.Reason
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO feedback_events (message_id, rating, reason, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id) DO NOTHING`,
		ev.MessageID, ev.Rating, reason, ev.Timestamp.UTC())
	if err != nil {
		return false, fmt.Errorf("append feedback: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

// Since returns feedback recorded at or after t, oldest first.
func (s *Sink) Since(ctx context.Context, t time.Time) ([]accuracy.FeedbackEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT message_id, rating, COALESCE(reason, ''), created_at
		 FROM feedback_events WHERE created_at >= $1
		 ORDER BY created_at ASC, message_id ASC`, t.UTC())
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []accuracy.FeedbackEvent
	for rows.Next() {
		var ev accuracy.FeedbackEvent
		var rating int16
		if err := rows.Scan(&ev.MessageID, &rating, &ev.Reason, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		ev.Rating = int(rating)
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return out, nil
}
