package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/state"
)

// #region append-feedback
// Append stores a feedback event. A second event with the same MessageID is
// ignored and reported as a duplicate, so redelivery never double counts.
func (l *Logs) Append(ctx context.Context, ev accuracy.FeedbackEvent) (bool, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO feedback_events (message_id, rating, reason, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		ev.MessageID, ev.Rating, nullIfEmpty(ev.Reason), state.FormatTime(ev.Timestamp),
	)
	if err != nil {
		return false, fmt.Errorf("append feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append feedback: %w", err)
	}
	return n == 0, nil
}

// #endregion append-feedback

// #region since
// Since returns feedback recorded at or after t, oldest first.
func (l *Logs) Since(ctx context.Context, t time.Time) ([]accuracy.FeedbackEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT message_id, rating, reason, created_at FROM feedback_events
		 WHERE created_at >= ? ORDER BY created_at ASC, message_id ASC`, state.FormatTime(t))
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []accuracy.FeedbackEvent
	for rows.Next() {
		var ev accuracy.FeedbackEvent
		var reason sql.NullString
		var at string
		if err := rows.Scan(&ev.MessageID, &ev.Rating, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		ev.Reason = reason.String
		ev.Timestamp = state.ParseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// #endregion since
