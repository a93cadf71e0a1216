package score

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

func scenarioConfig() accuracy.AccuracyConfig {
	return accuracy.AccuracyConfig{
		Version:    1,
		Weights:    accuracy.Weights{Semantic: 0.6, Keyword: 0.3, Recency: 0.1},
		Thresholds: accuracy.Thresholds{MinSimilarity: 0.5, MaxResults: 5},
		Status:     accuracy.StatusActive,
	}
}

func TestScoreRefundPolicyScenario(t *testing.T) {
	candidates := []accuracy.ChunkCandidate{
		{ID: "A", RawSignals: accuracy.RawSignals{SemanticSim: 0.9, KeywordOverlap: 0.8, RecencyScore: 0.5}},
		{ID: "B", RawSignals: accuracy.RawSignals{SemanticSim: 0.4, KeywordOverlap: 0.2, RecencyScore: 0.9}},
	}
	scored := Score(accuracy.ProcessedQuery{RawText: "refund policy"}, candidates, scenarioConfig())

	require.Len(t, scored, 2)
	assert.InDelta(t, 0.83, scored[0].CompositeScore, 1e-9)
	assert.InDelta(t, 0.39, scored[1].CompositeScore, 1e-9)
}

func TestScoreDoesNotMutateInput(t *testing.T) {
	candidates := []accuracy.ChunkCandidate{
		{ID: "A", RawSignals: accuracy.RawSignals{SemanticSim: 1}, CompositeScore: 42, Rank: 7},
	}
	scored := Score(accuracy.ProcessedQuery{}, candidates, scenarioConfig())

	assert.Equal(t, 42.0, candidates[0].CompositeScore)
	assert.Equal(t, 7, candidates[0].Rank)
	assert.InDelta(t, 0.6, scored[0].CompositeScore, 1e-9)
	assert.Equal(t, 0, scored[0].Rank)
}

func TestScoreDependsOnlyOnSignalsAndConfig(t *testing.T) {
	c := []accuracy.ChunkCandidate{{ID: "x", RawSignals: accuracy.RawSignals{SemanticSim: 0.3, KeywordOverlap: 0.7, RecencyScore: 0.2}}}
	a := Score(accuracy.ProcessedQuery{RawText: "one"}, c, scenarioConfig())
	b := Score(accuracy.ProcessedQuery{RawText: "two"}, c, scenarioConfig())
	assert.Equal(t, a, b)

	other := scenarioConfig()
	other.Weights = accuracy.Weights{Keyword: 1}
	assert.InDelta(t, 0.7, Score(accuracy.ProcessedQuery{}, c, other)[0].CompositeScore, 1e-9)
}

func TestScoreEmpty(t *testing.T) {
	assert.Empty(t, Score(accuracy.ProcessedQuery{}, nil, scenarioConfig()))
}
