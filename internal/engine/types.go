package engine

import (
	"context"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/shadow"
)

// #region ports
// ChunkStore supplies candidate chunks with raw signals for a query. The
// result may be empty and is not assumed sorted.
type ChunkStore interface {
	FetchCandidates(ctx context.Context, q accuracy.ProcessedQuery) ([]accuracy.ChunkCandidate, error)
}

// FeedbackSink is the append-only feedback log, keyed by message id.
type FeedbackSink interface {
	Append(ctx context.Context, ev accuracy.FeedbackEvent) (duplicate bool, err error)
}

// ServedLog records which config served which query.
type ServedLog interface {
	AppendServed(ctx context.Context, rec accuracy.ServedRecord) error
}

// ConfigStore is the administrative side of the Config Store.
type ConfigStore interface {
	Get(ctx context.Context, version int64) (accuracy.AccuracyConfig, error)
	List(ctx context.Context, limit int) ([]accuracy.AccuracyConfig, error)
	Create(ctx context.Context, parent int64, w accuracy.Weights, th accuracy.Thresholds) (accuracy.AccuracyConfig, error)
}

// ShadowQueue accepts shadow jobs without blocking.
type ShadowQueue interface {
	Submit(job shadow.Job) bool
}

// #endregion ports

// #region results
// Retrieval is the production answer to a query.
type Retrieval struct {
	QueryID       string              `json:"query_id"`
	ConfigVersion int64               `json:"config_version"`
	Arm           string              `json:"arm"`
	Intent        accuracy.Intent     `json:"intent"`
	Result        accuracy.RuleResult `json:"result"`
}

// Ack acknowledges a feedback event.
type Ack struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
}

// #endregion results
