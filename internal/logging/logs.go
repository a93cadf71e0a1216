// Package logging holds the append-only logs the tuner replays: user
// feedback, shadow comparisons and served-query records. Rows are only
// ever inserted.
package logging

import (
	"database/sql"
	"fmt"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS feedback_events (
	message_id TEXT PRIMARY KEY,
	rating     INTEGER NOT NULL CHECK (rating BETWEEN -1 AND 1),
	reason     TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_events_created ON feedback_events(created_at);

CREATE TABLE IF NOT EXISTS shadow_records (
	id                TEXT PRIMARY KEY,
	query_id          TEXT NOT NULL,
	control_version   INTEGER NOT NULL,
	candidate_version INTEGER NOT NULL,
	control_json      TEXT NOT NULL,
	candidate_json    TEXT NOT NULL,
	divergence        REAL NOT NULL,
	created_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_shadow_records_candidate ON shadow_records(candidate_version, created_at);

CREATE TABLE IF NOT EXISTS served_records (
	query_id       TEXT PRIMARY KEY,
	arm            TEXT NOT NULL,
	config_version INTEGER NOT NULL,
	accepted_count INTEGER NOT NULL,
	mean_semantic  REAL NOT NULL,
	mean_keyword   REAL NOT NULL,
	mean_recency   REAL NOT NULL,
	served_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_served_records_served ON served_records(served_at);
`

// #endregion schema

// #region logs
// Logs writes and reads the append-only tables on a shared database handle,
// normally the one owned by state.Store.
type Logs struct {
	db *sql.DB
}

// NewLogs creates the log tables if needed.
func NewLogs(db *sql.DB) (*Logs, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate logs: %w", err)
	}
	return &Logs{db: db}, nil
}

// #endregion logs

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
