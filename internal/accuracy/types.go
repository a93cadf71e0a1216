// Package accuracy holds the data model shared by the scoring, ruling,
// shadow-testing and tuning stages, plus the copy-on-write holder the hot
// path reads the authoritative configuration from.
package accuracy

import (
	"fmt"
	"time"
)

// #region status
// Status is the lifecycle position of an AccuracyConfig.
type Status string

const (
	StatusDraft   Status = "DRAFT"
	StatusShadow  Status = "SHADOW"
	StatusActive  Status = "ACTIVE"
	StatusRetired Status = "RETIRED"
)

// CanTransition reports whether from -> to is an edge of the config state machine.
// ACTIVE -> RETIRED only happens as the second half of a promotion.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusShadow || to == StatusRetired
	case StatusShadow:
		return to == StatusActive || to == StatusRetired
	case StatusActive:
		return to == StatusRetired
	}
	return false
}

// #endregion status

// #region accuracy-config
// Weights are the signal coefficients of the composite score.
type Weights struct {
	Semantic         float64 `json:"semantic" yaml:"semantic"`
	Keyword          float64 `json:"keyword" yaml:"keyword"`
	Recency          float64 `json:"recency" yaml:"recency"`
	DiversityPenalty float64 `json:"diversity_penalty" yaml:"diversity_penalty"`
}

// Sum returns the total of the three signal weights (diversity penalty excluded).
func (w Weights) Sum() float64 {
	return w.Semantic + w.Keyword + w.Recency
}

// Thresholds bound what the rule engine accepts.
type Thresholds struct {
	MinSimilarity float64 `json:"min_similarity" yaml:"min_similarity"`
	MaxResults    int     `json:"max_results" yaml:"max_results"`
	MaxPerSource  int     `json:"max_per_source" yaml:"max_per_source"` // 0 = no cap
}

// AccuracyConfig is a versioned, immutable bundle of weights and thresholds.
// Only Status and StatusChangedAt move after creation.
type AccuracyConfig struct {
	Version         int64      `json:"version"`
	ParentVersion   int64      `json:"parent_version,omitempty"`
	Weights         Weights    `json:"weights"`
	Thresholds      Thresholds `json:"thresholds"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
}

// DefaultWeights returns the weights used when bootstrapping an empty store.
func DefaultWeights() Weights {
	return Weights{
		Semantic:         0.6,
		Keyword:          0.3,
		Recency:          0.1,
		DiversityPenalty: 0.05,
	}
}

// DefaultThresholds returns the thresholds used when bootstrapping an empty store.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSimilarity: 0.5,
		MaxResults:    8,
		MaxPerSource:  3,
	}
}

// Validate checks the weights and thresholds of a config.
func Validate(w Weights, t Thresholds) error {
	if w.Semantic < 0 || w.Keyword < 0 || w.Recency < 0 || w.DiversityPenalty < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidConfig)
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("%w: at least one signal weight must be positive", ErrInvalidConfig)
	}
	if t.MinSimilarity < 0 || t.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be in [0,1], got %f", ErrInvalidConfig, t.MinSimilarity)
	}
	if t.MaxResults < 1 {
		return fmt.Errorf("%w: max_results must be positive, got %d", ErrInvalidConfig, t.MaxResults)
	}
	if t.MaxPerSource < 0 {
		return fmt.Errorf("%w: max_per_source must be >= 0, got %d", ErrInvalidConfig, t.MaxPerSource)
	}
	return nil
}

// #endregion accuracy-config

// #region chunk-candidate
// RawSignals are the pre-normalized similarity signals supplied by external providers.
// Each is expected in [0,1]; nothing downstream renormalizes them.
type RawSignals struct {
	SemanticSim    float64 `json:"semantic_sim" yaml:"semantic_sim"`
	KeywordOverlap float64 `json:"keyword_overlap" yaml:"keyword_overlap"`
	RecencyScore   float64 `json:"recency_score" yaml:"recency_score"`
}

// ChunkCandidate is one retrievable fragment. CompositeScore and Rank are
// derived per scoring pass and never carried across config versions.
type ChunkCandidate struct {
	ID             string     `json:"id" yaml:"id"`
	SourceRef      string     `json:"source_ref" yaml:"source_ref"`
	RawSignals     RawSignals `json:"raw_signals" yaml:"raw_signals"`
	CompositeScore float64    `json:"composite_score" yaml:"-"`
	Rank           int        `json:"rank" yaml:"-"`
}

// #endregion chunk-candidate

// #region rule-result
// RejectReason explains why the rule engine dropped a candidate.
type RejectReason string

const (
	ReasonBelowThreshold RejectReason = "BELOW_THRESHOLD"
	ReasonDiversityCap   RejectReason = "DIVERSITY_CAP"
	ReasonTruncated      RejectReason = "TRUNCATED"
)

// Rejection pairs a dropped candidate with its reason.
type Rejection struct {
	Candidate ChunkCandidate `json:"candidate"`
	Reason    RejectReason   `json:"reason"`
}

// RuleResult is the ranked output of one rule engine pass.
type RuleResult struct {
	Accepted []ChunkCandidate `json:"accepted"`
	Rejected []Rejection      `json:"rejected"`
}

// AcceptedIDs returns the ids of the accepted candidates in rank order.
func (r RuleResult) AcceptedIDs() []string {
	ids := make([]string, len(r.Accepted))
	for i, c := range r.Accepted {
		ids[i] = c.ID
	}
	return ids
}

// #endregion rule-result

// #region processed-query
// Intent is the coarse, rule-derived purpose of a query.
type Intent string

const (
	IntentFactual      Intent = "factual"
	IntentComparative  Intent = "comparative"
	IntentNavigational Intent = "navigational"
	IntentProcedural   Intent = "procedural"
	IntentGeneral      Intent = "general"
)

// ProcessedQuery is the normalized, expanded form of a raw query.
type ProcessedQuery struct {
	RawText           string   `json:"raw_text"`
	NormalizedTokens  []string `json:"normalized_tokens"`
	ExpandedTerms     []string `json:"expanded_terms"` // set semantics, sorted
	IntentTag         Intent   `json:"intent_tag"`
	DictionaryVersion string   `json:"dictionary_version,omitempty"`
}

// #endregion processed-query

// #region feedback
// FeedbackEvent is a user rating of a previously returned result.
type FeedbackEvent struct {
	MessageID string    `json:"message_id"`
	Rating    int       `json:"rating"` // -1, 0, +1
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ValidRating reports whether r is one of -1, 0, +1.
func ValidRating(r int) bool {
	return r >= -1 && r <= 1
}

// #endregion feedback

// #region shadow-record
// ShadowTestRecord captures one control-vs-candidate comparison.
type ShadowTestRecord struct {
	ID                     string     `json:"id"`
	QueryID                string     `json:"query_id"`
	ControlConfigVersion   int64      `json:"control_config_version"`
	CandidateConfigVersion int64      `json:"candidate_config_version"`
	ControlResult          RuleResult `json:"control_result"`
	CandidateResult        RuleResult `json:"candidate_result"`
	DivergenceScore        float64    `json:"divergence_score"`
	Timestamp              time.Time  `json:"timestamp"`
}

// #endregion shadow-record

// #region served-record
// ServedRecord notes which config produced the result returned for a query,
// so feedback keyed by the same id can be attributed by replay.
type ServedRecord struct {
	QueryID       string     `json:"query_id"`
	Arm           string     `json:"arm"`
	ConfigVersion int64      `json:"config_version"`
	AcceptedCount int        `json:"accepted_count"`
	MeanSignals   RawSignals `json:"mean_signals"`
	ServedAt      time.Time  `json:"served_at"`
}

// MeanAcceptedSignals averages the raw signals of the accepted candidates.
func MeanAcceptedSignals(accepted []ChunkCandidate) RawSignals {
	if len(accepted) == 0 {
		return RawSignals{}
	}
	var m RawSignals
	for _, c := range accepted {
		m.SemanticSim += c.RawSignals.SemanticSim
		m.KeywordOverlap += c.RawSignals.KeywordOverlap
		m.RecencyScore += c.RawSignals.RecencyScore
	}
	n := float64(len(accepted))
	m.SemanticSim /= n
	m.KeywordOverlap /= n
	m.RecencyScore /= n
	return m
}

// #endregion served-record

// #region transition
// Transition is one status change of a config, kept in an append-only log.
type Transition struct {
	Version int64     `json:"version"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// #endregion transition
