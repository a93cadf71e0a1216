// Package state is the durable Config Store: versioned AccuracyConfig rows,
// a single-row ACTIVE pointer, and an append-only log of status transitions.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS accuracy_configs (
	version           INTEGER PRIMARY KEY,
	parent_version    INTEGER,
	weights_json      TEXT NOT NULL,
	thresholds_json   TEXT NOT NULL,
	status            TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	status_changed_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_accuracy_configs_single_active
ON accuracy_configs(status) WHERE status = 'ACTIVE';

CREATE UNIQUE INDEX IF NOT EXISTS idx_accuracy_configs_single_shadow
ON accuracy_configs(status) WHERE status = 'SHADOW';

CREATE TABLE IF NOT EXISTS config_transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	version     INTEGER NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT,
	created_at  TEXT NOT NULL,
	FOREIGN KEY (version) REFERENCES accuracy_configs(version)
);

CREATE TABLE IF NOT EXISTS active_config (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	FOREIGN KEY (version) REFERENCES accuracy_configs(version)
);
`

const configColumns = `version, parent_version, weights_json, thresholds_json, status, created_at, status_changed_at`

// #endregion schema

// #region store-struct
// Store manages versioned accuracy configs in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region bootstrap
// Bootstrap returns the ACTIVE config, creating version 1 as ACTIVE from the
// given weights and thresholds when the store is empty.
func (s *Store) Bootstrap(ctx context.Context, w accuracy.Weights, th accuracy.Thresholds) (accuracy.AccuracyConfig, error) {
	if err := accuracy.Validate(w, th); err != nil {
		return accuracy.AccuracyConfig{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if cur, err := activeFrom(ctx, tx); err == nil {
		return cur, nil
	} else if !errors.Is(err, accuracy.ErrNoActiveConfig) {
		return accuracy.AccuracyConfig{}, err
	}

	now := s.now()
	rec := accuracy.AccuracyConfig{
		Version:         1,
		Weights:         w,
		Thresholds:      th,
		Status:          accuracy.StatusActive,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	if err := insertConfig(ctx, tx, rec); err != nil {
		return accuracy.AccuracyConfig{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO active_config (id, version) VALUES (1, ?)`, rec.Version); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("set active: %w", err)
	}
	if err := insertTransition(ctx, tx, rec.Version, accuracy.StatusDraft, accuracy.StatusActive, "bootstrap", now); err != nil {
		return accuracy.AccuracyConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion bootstrap

// #region reads
// Active reads the config behind the ACTIVE pointer.
func (s *Store) Active(ctx context.Context) (accuracy.AccuracyConfig, error) {
	return activeFrom(ctx, s.db)
}

// Get retrieves a specific config version.
func (s *Store) Get(ctx context.Context, version int64) (accuracy.AccuracyConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM accuracy_configs WHERE version = ?`, version)
	rec, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accuracy.AccuracyConfig{}, fmt.Errorf("get version %d: %w", version, accuracy.ErrConfigNotFound)
	}
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("get version %d: %w", version, err)
	}
	return rec, nil
}

// Candidate returns the config currently in SHADOW, or nil.
func (s *Store) Candidate(ctx context.Context) (*accuracy.AccuracyConfig, error) {
	return s.singleByStatus(ctx, accuracy.StatusShadow, "ASC")
}

// LatestDraft returns the newest DRAFT config that is newer than ACTIVE, or
// nil. Drafts at or below the ACTIVE version can never be promoted.
func (s *Store) LatestDraft(ctx context.Context) (*accuracy.AccuracyConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM accuracy_configs
		 WHERE status = 'DRAFT' AND version > (SELECT version FROM active_config WHERE id = 1)
		 ORDER BY version DESC LIMIT 1`)
	rec, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get DRAFT config: %w", err)
	}
	return &rec, nil
}

// StaleDrafts returns DRAFT configs whose version is not above ACTIVE,
// oldest first.
func (s *Store) StaleDrafts(ctx context.Context) ([]accuracy.AccuracyConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM accuracy_configs
		 WHERE status = 'DRAFT' AND version <= (SELECT version FROM active_config WHERE id = 1)
		 ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("list stale drafts: %w", err)
	}
	defer rows.Close()

	var out []accuracy.AccuracyConfig
	for rows.Next() {
		rec, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) singleByStatus(ctx context.Context, status accuracy.Status, order string) (*accuracy.AccuracyConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM accuracy_configs WHERE status = ? ORDER BY version `+order+` LIMIT 1`, string(status))
	rec, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s config: %w", status, err)
	}
	return &rec, nil
}

// List returns the most recent configs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]accuracy.AccuracyConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM accuracy_configs ORDER BY version DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	defer rows.Close()

	var out []accuracy.AccuracyConfig
	for rows.Next() {
		rec, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transitions returns the status history of a version, oldest first.
func (s *Store) Transitions(ctx context.Context, version int64) ([]accuracy.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, from_status, to_status, reason, created_at
		 FROM config_transitions WHERE version = ? ORDER BY id ASC`, version)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []accuracy.Transition
	for rows.Next() {
		var tr accuracy.Transition
		var from, to, at string
		var reason sql.NullString
		if err := rows.Scan(&tr.Version, &from, &to, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From, tr.To = accuracy.Status(from), accuracy.Status(to)
		tr.Reason = reason.String
		tr.At = ParseTime(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// #endregion reads

// #region create
// Create inserts a new DRAFT config with the next version number.
func (s *Store) Create(ctx context.Context, parent int64, w accuracy.Weights, th accuracy.Thresholds) (accuracy.AccuracyConfig, error) {
	if err := accuracy.Validate(w, th); err != nil {
		return accuracy.AccuracyConfig{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM accuracy_configs`).Scan(&next); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("next version: %w", err)
	}

	now := s.now()
	rec := accuracy.AccuracyConfig{
		Version:         next,
		ParentVersion:   parent,
		Weights:         w,
		Thresholds:      th,
		Status:          accuracy.StatusDraft,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	if err := insertConfig(ctx, tx, rec); err != nil {
		return accuracy.AccuracyConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion create

// #region transition
// Transition moves version from -> to. ACTIVE can only be reached through
// Promote. Only one config may be in SHADOW at a time.
func (s *Store) Transition(ctx context.Context, version int64, from, to accuracy.Status, reason string) (accuracy.AccuracyConfig, error) {
	if to == accuracy.StatusActive || from == accuracy.StatusActive || !accuracy.CanTransition(from, to) {
		return accuracy.AccuracyConfig{}, fmt.Errorf("%w: %s -> %s", accuracy.ErrInvalidTransition, from, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if to == accuracy.StatusShadow {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accuracy_configs WHERE status = 'SHADOW'`).Scan(&n); err != nil {
			return accuracy.AccuracyConfig{}, fmt.Errorf("count shadow: %w", err)
		}
		if n > 0 {
			return accuracy.AccuracyConfig{}, fmt.Errorf("%w: another config is already in SHADOW", accuracy.ErrInvalidTransition)
		}
	}

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE accuracy_configs SET status = ?, status_changed_at = ? WHERE version = ? AND status = ?`,
		string(to), FormatTime(now), version, string(from))
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return accuracy.AccuracyConfig{}, s.explainMiss(ctx, tx, version, from)
	}
	if err := insertTransition(ctx, tx, version, from, to, reason, now); err != nil {
		return accuracy.AccuracyConfig{}, err
	}

	rec, err := scanConfig(tx.QueryRowContext(ctx, `SELECT `+configColumns+` FROM accuracy_configs WHERE version = ?`, version))
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("reload version %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion transition

// #region promote
// Promote atomically makes candidate ACTIVE and retires the previous ACTIVE,
// provided the ACTIVE pointer still names expectedActive. Otherwise it
// returns accuracy.ErrConfigConflict and changes nothing. candidate must be
// in SHADOW and newer than expectedActive.
func (s *Store) Promote(ctx context.Context, candidate, expectedActive int64, reason string) (accuracy.AccuracyConfig, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM active_config WHERE id = 1`).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return accuracy.AccuracyConfig{}, accuracy.ErrNoActiveConfig
		}
		return accuracy.AccuracyConfig{}, fmt.Errorf("read active: %w", err)
	}
	if current != expectedActive {
		return accuracy.AccuracyConfig{}, fmt.Errorf("%w: expected active %d, found %d", accuracy.ErrConfigConflict, expectedActive, current)
	}

	cand, err := scanConfig(tx.QueryRowContext(ctx, `SELECT `+configColumns+` FROM accuracy_configs WHERE version = ?`, candidate))
	if errors.Is(err, sql.ErrNoRows) {
		return accuracy.AccuracyConfig{}, fmt.Errorf("promote %d: %w", candidate, accuracy.ErrConfigNotFound)
	}
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("read candidate: %w", err)
	}
	if cand.Status != accuracy.StatusShadow {
		return accuracy.AccuracyConfig{}, fmt.Errorf("%w: candidate %d is %s, not SHADOW", accuracy.ErrInvalidTransition, candidate, cand.Status)
	}
	if cand.Version <= current {
		return accuracy.AccuracyConfig{}, fmt.Errorf("%w: candidate %d is not newer than active %d", accuracy.ErrInvalidTransition, candidate, current)
	}

	now := s.now()
	ts := FormatTime(now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE accuracy_configs SET status = 'RETIRED', status_changed_at = ? WHERE version = ? AND status = 'ACTIVE'`,
		ts, current); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("retire active: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accuracy_configs SET status = 'ACTIVE', status_changed_at = ? WHERE version = ? AND status = 'SHADOW'`,
		ts, candidate); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("activate candidate: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE active_config SET version = ? WHERE id = 1 AND version = ?`, candidate, current)
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("swap active: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return accuracy.AccuracyConfig{}, fmt.Errorf("%w: active pointer moved during promotion", accuracy.ErrConfigConflict)
	}
	if err := insertTransition(ctx, tx, current, accuracy.StatusActive, accuracy.StatusRetired, fmt.Sprintf("superseded by %d", candidate), now); err != nil {
		return accuracy.AccuracyConfig{}, err
	}
	if err := insertTransition(ctx, tx, candidate, accuracy.StatusShadow, accuracy.StatusActive, reason, now); err != nil {
		return accuracy.AccuracyConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("commit: %w", err)
	}

	cand.Status = accuracy.StatusActive
	cand.StatusChangedAt = now
	return cand, nil
}

// #endregion promote

// #region helpers
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (accuracy.AccuracyConfig, error) {
	var rec accuracy.AccuracyConfig
	var parent sql.NullInt64
	var weightsJSON, thresholdsJSON, status, created, changed string
	if err := row.Scan(&rec.Version, &parent, &weightsJSON, &thresholdsJSON, &status, &created, &changed); err != nil {
		return accuracy.AccuracyConfig{}, err
	}
	if err := json.Unmarshal([]byte(weightsJSON), &rec.Weights); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("unmarshal weights: %w", err)
	}
	if err := json.Unmarshal([]byte(thresholdsJSON), &rec.Thresholds); err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("unmarshal thresholds: %w", err)
	}
	rec.ParentVersion = parent.Int64
	rec.Status = accuracy.Status(status)
	rec.CreatedAt = ParseTime(created)
	rec.StatusChangedAt = ParseTime(changed)
	return rec, nil
}

func insertConfig(ctx context.Context, tx *sql.Tx, rec accuracy.AccuracyConfig) error {
	weightsJSON, err := json.Marshal(rec.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	thresholdsJSON, err := json.Marshal(rec.Thresholds)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}
	var parent any
	if rec.ParentVersion != 0 {
		parent = rec.ParentVersion
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO accuracy_configs (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Version, parent, string(weightsJSON), string(thresholdsJSON), string(rec.Status),
		FormatTime(rec.CreatedAt), FormatTime(rec.StatusChangedAt),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, version int64, from, to accuracy.Status, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO config_transitions (version, from_status, to_status, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		version, string(from), string(to), reason, FormatTime(at))
	if err != nil {
		return fmt.Errorf("log transition: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activeFrom(ctx context.Context, q rowQuerier) (accuracy.AccuracyConfig, error) {
	rec, err := scanConfig(q.QueryRowContext(ctx,
		`SELECT `+prefixed("c.")+` FROM active_config a
		 JOIN accuracy_configs c ON c.version = a.version WHERE a.id = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return accuracy.AccuracyConfig{}, accuracy.ErrNoActiveConfig
	}
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("get active: %w", err)
	}
	return rec, nil
}

// explainMiss turns a zero-row conditional update into the right error.
func (s *Store) explainMiss(ctx context.Context, tx *sql.Tx, version int64, from accuracy.Status) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM accuracy_configs WHERE version = ?`, version).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("version %d: %w", version, accuracy.ErrConfigNotFound)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return fmt.Errorf("%w: version %d is %s, expected %s", accuracy.ErrInvalidTransition, version, status, from)
}

func prefixed(p string) string {
	return p + "version, " + p + "parent_version, " + p + "weights_json, " + p + "thresholds_json, " +
		p + "status, " + p + "created_at, " + p + "status_changed_at"
}

// #endregion helpers
