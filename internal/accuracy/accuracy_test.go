package accuracy

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(DefaultWeights(), DefaultThresholds()))

	cases := []struct {
		name string
		w    Weights
		th   Thresholds
	}{
		{"negative weight", Weights{Semantic: -0.1, Keyword: 1}, DefaultThresholds()},
		{"all zero", Weights{}, DefaultThresholds()},
		{"min similarity above one", DefaultWeights(), Thresholds{MinSimilarity: 1.2, MaxResults: 3}},
		{"zero max results", DefaultWeights(), Thresholds{MinSimilarity: 0.2}},
		{"negative cap", DefaultWeights(), Thresholds{MinSimilarity: 0.2, MaxResults: 3, MaxPerSource: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.w, tc.th)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusDraft, StatusShadow))
	assert.True(t, CanTransition(StatusDraft, StatusRetired))
	assert.True(t, CanTransition(StatusShadow, StatusActive))
	assert.True(t, CanTransition(StatusShadow, StatusRetired))
	assert.True(t, CanTransition(StatusActive, StatusRetired))

	assert.False(t, CanTransition(StatusDraft, StatusActive))
	assert.False(t, CanTransition(StatusRetired, StatusActive))
	assert.False(t, CanTransition(StatusRetired, StatusShadow))
	assert.False(t, CanTransition(StatusActive, StatusShadow))
}

func TestHolderPublishIsolatesCandidate(t *testing.T) {
	h := NewHolder(AccuracyConfig{Version: 1, Status: StatusActive})
	assert.Nil(t, h.Load().Candidate)

	cand := AccuracyConfig{Version: 2, Status: StatusShadow}
	h.Publish(AccuracyConfig{Version: 1, Status: StatusActive}, &cand)
	cand.Version = 99

	snap := h.Load()
	require.NotNil(t, snap.Candidate)
	assert.Equal(t, int64(2), snap.Candidate.Version)
}

func TestHolderConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	h := NewHolder(AccuracyConfig{Version: 1, Weights: Weights{Semantic: 1}})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				snap := h.Load()
				// Published pairs always have Semantic == Version.
				assert.Equal(t, float64(snap.Active.Version), snap.Active.Weights.Semantic)
			}
		}()
	}
	for v := int64(2); v < 200; v++ {
		h.Publish(AccuracyConfig{Version: v, Weights: Weights{Semantic: float64(v)}}, nil)
	}
	wg.Wait()
}

func TestMeanAcceptedSignals(t *testing.T) {
	assert.Equal(t, RawSignals{}, MeanAcceptedSignals(nil))

	m := MeanAcceptedSignals([]ChunkCandidate{
		{RawSignals: RawSignals{SemanticSim: 1, KeywordOverlap: 0.5, RecencyScore: 0}},
		{RawSignals: RawSignals{SemanticSim: 0, KeywordOverlap: 0.5, RecencyScore: 1}},
	})
	assert.InDelta(t, 0.5, m.SemanticSim, 1e-9)
	assert.InDelta(t, 0.5, m.KeywordOverlap, 1e-9)
	assert.InDelta(t, 0.5, m.RecencyScore, 1e-9)
}

func TestValidRating(t *testing.T) {
	for _, r := range []int{-1, 0, 1} {
		assert.True(t, ValidRating(r))
	}
	assert.False(t, ValidRating(2))
	assert.False(t, ValidRating(-2))
}
