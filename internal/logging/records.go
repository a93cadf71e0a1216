package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/state"
)

// #region shadow
// AppendShadow stores one control-vs-candidate comparison.
func (l *Logs) AppendShadow(ctx context.Context, rec accuracy.ShadowTestRecord) error {
	controlJSON, err := json.Marshal(rec.ControlResult)
	if err != nil {
		return fmt.Errorf("marshal control result: %w", err)
	}
	candidateJSON, err := json.Marshal(rec.CandidateResult)
	if err != nil {
		return fmt.Errorf("marshal candidate result: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO shadow_records (id, query_id, control_version, candidate_version, control_json, candidate_json, divergence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.QueryID, rec.ControlConfigVersion, rec.CandidateConfigVersion,
		string(controlJSON), string(candidateJSON), rec.DivergenceScore, state.FormatTime(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append shadow record: %w", err)
	}
	return nil
}

// ShadowSince returns the comparisons made for a candidate version at or
// after t, oldest first.
func (l *Logs) ShadowSince(ctx context.Context, candidateVersion int64, t time.Time) ([]accuracy.ShadowTestRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, query_id, control_version, candidate_version, control_json, candidate_json, divergence, created_at
		 FROM shadow_records WHERE candidate_version = ? AND created_at >= ?
		 ORDER BY created_at ASC, id ASC`, candidateVersion, state.FormatTime(t))
	if err != nil {
		return nil, fmt.Errorf("query shadow records: %w", err)
	}
	defer rows.Close()

	var out []accuracy.ShadowTestRecord
	for rows.Next() {
		var rec accuracy.ShadowTestRecord
		var controlJSON, candidateJSON, at string
		if err := rows.Scan(&rec.ID, &rec.QueryID, &rec.ControlConfigVersion, &rec.CandidateConfigVersion,
			&controlJSON, &candidateJSON, &rec.DivergenceScore, &at); err != nil {
			return nil, fmt.Errorf("scan shadow record: %w", err)
		}
		if err := json.Unmarshal([]byte(controlJSON), &rec.ControlResult); err != nil {
			return nil, fmt.Errorf("unmarshal control result: %w", err)
		}
		if err := json.Unmarshal([]byte(candidateJSON), &rec.CandidateResult); err != nil {
			return nil, fmt.Errorf("unmarshal candidate result: %w", err)
		}
		rec.Timestamp = state.ParseTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion shadow

// #region served
// AppendServed records which config produced the result for a query.
func (l *Logs) AppendServed(ctx context.Context, rec accuracy.ServedRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO served_records (query_id, arm, config_version, accepted_count, mean_semantic, mean_keyword, mean_recency, served_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.QueryID, rec.Arm, rec.ConfigVersion, rec.AcceptedCount,
		rec.MeanSignals.SemanticSim, rec.MeanSignals.KeywordOverlap, rec.MeanSignals.RecencyScore,
		state.FormatTime(rec.ServedAt),
	)
	if err != nil {
		return fmt.Errorf("append served record: %w", err)
	}
	return nil
}

// ServedSince returns served records at or after t, oldest first.
func (l *Logs) ServedSince(ctx context.Context, t time.Time) ([]accuracy.ServedRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT query_id, arm, config_version, accepted_count, mean_semantic, mean_keyword, mean_recency, served_at
		 FROM served_records WHERE served_at >= ? ORDER BY served_at ASC, query_id ASC`, state.FormatTime(t))
	if err != nil {
		return nil, fmt.Errorf("query served records: %w", err)
	}
	defer rows.Close()

	var out []accuracy.ServedRecord
	for rows.Next() {
		var rec accuracy.ServedRecord
		var at string
		if err := rows.Scan(&rec.QueryID, &rec.Arm, &rec.ConfigVersion, &rec.AcceptedCount,
			&rec.MeanSignals.SemanticSim, &rec.MeanSignals.KeywordOverlap, &rec.MeanSignals.RecencyScore, &at); err != nil {
			return nil, fmt.Errorf("scan served record: %w", err)
		}
		rec.ServedAt = state.ParseTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// #endregion served
