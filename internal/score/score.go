// Package score combines raw similarity signals into a composite score.
//
// Precondition: every raw signal is already normalized to [0,1] by its
// provider (embedding similarity, lexical overlap, recency decay). Score does
// not renormalize. Diversity is a ranking concern and lives in package rules.
package score

import "github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"

// #region score
// Score returns a copy of candidates with CompositeScore set to the weighted
// sum of raw signals under cfg and Rank cleared. The input slice is not
// modified, so one candidate set can be scored under several configs
// concurrently. The query is accepted for interface stability; the current
// combination does not read it.
func Score(_ accuracy.ProcessedQuery, candidates []accuracy.ChunkCandidate, cfg accuracy.AccuracyConfig) []accuracy.ChunkCandidate {
	out := make([]accuracy.ChunkCandidate, len(candidates))
	for i, c := range candidates {
		c.CompositeScore = Composite(c.RawSignals, cfg.Weights)
		c.Rank = 0
		out[i] = c
	}
	return out
}

// Composite is the weighted sum semantic*w.Semantic + keyword*w.Keyword + recency*w.Recency.
func Composite(s accuracy.RawSignals, w accuracy.Weights) float64 {
	return s.SemanticSim*w.Semantic + s.KeywordOverlap*w.Keyword + s.RecencyScore*w.Recency
}

// #endregion score
