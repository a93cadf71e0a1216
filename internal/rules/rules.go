// Package rules turns scored candidates into the final ranked result.
//
// Pipeline, in order:
//  1. threshold: CompositeScore < MinSimilarity -> BELOW_THRESHOLD
//  2. sort: CompositeScore desc, RecencyScore desc, ID asc
//  3. diversity: with k chunks already kept from the same SourceRef, reject
//     when MaxPerSource > 0 and k >= MaxPerSource; otherwise demote by
//     DiversityPenalty*k, rejecting if the demoted score falls under
//     MinSimilarity (both -> DIVERSITY_CAP). Survivors are re-sorted.
//  4. truncate to MaxResults -> TRUNCATED
//
// Rejections carry the candidate as it was before demotion. Everything is
// driven by the AccuracyConfig; there is no rule code per config.
package rules

import (
	"sort"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region apply
// Apply runs the rule pipeline over scored candidates. It does not modify scored.
func Apply(scored []accuracy.ChunkCandidate, cfg accuracy.AccuracyConfig) accuracy.RuleResult {
	th := cfg.Thresholds
	result := accuracy.RuleResult{
		Accepted: []accuracy.ChunkCandidate{},
		Rejected: []accuracy.Rejection{},
	}

	// 1. Threshold
	kept := make([]accuracy.ChunkCandidate, 0, len(scored))
	for _, c := range scored {
		if c.CompositeScore < th.MinSimilarity {
			result.Rejected = append(result.Rejected, accuracy.Rejection{Candidate: c, Reason: accuracy.ReasonBelowThreshold})
			continue
		}
		kept = append(kept, c)
	}

	// 2. Order
	sortCandidates(kept)

	// 3. Diversity
	survivors := diversify(kept, cfg, &result)

	// 4. Truncate
	limit := th.MaxResults
	if limit < 0 {
		limit = 0
	}
	for i, e := range survivors {
		c := e.cur
		if i >= limit {
			c = e.orig
			c.Rank = 0
			result.Rejected = append(result.Rejected, accuracy.Rejection{Candidate: c, Reason: accuracy.ReasonTruncated})
			continue
		}
		c.Rank = i + 1
		result.Accepted = append(result.Accepted, c)
	}
	return result
}

// #endregion apply

// #region diversity
// survivor pairs a candidate that passed diversity with its pre-demotion form.
// IDs are not assumed unique within a fetch.
type survivor struct {
	cur, orig accuracy.ChunkCandidate
}

// diversify applies the per-source cap and penalty to candidates in rank order.
func diversify(ranked []accuracy.ChunkCandidate, cfg accuracy.AccuracyConfig, result *accuracy.RuleResult) []survivor {
	th := cfg.Thresholds
	penalty := cfg.Weights.DiversityPenalty
	perSource := make(map[string]int)
	out := make([]survivor, 0, len(ranked))
	demoted := false

	for _, c := range ranked {
		k := 0
		if c.SourceRef != "" {
			k = perSource[c.SourceRef]
		}
		if th.MaxPerSource > 0 && k >= th.MaxPerSource {
			result.Rejected = append(result.Rejected, accuracy.Rejection{Candidate: c, Reason: accuracy.ReasonDiversityCap})
			continue
		}
		if k > 0 && penalty > 0 {
			adjusted := c.CompositeScore - penalty*float64(k)
			if adjusted < th.MinSimilarity {
				result.Rejected = append(result.Rejected, accuracy.Rejection{Candidate: c, Reason: accuracy.ReasonDiversityCap})
				continue
			}
			orig := c
			c.CompositeScore = adjusted
			demoted = true
			out = append(out, survivor{cur: c, orig: orig})
		} else {
			out = append(out, survivor{cur: c, orig: c})
		}
		if c.SourceRef != "" {
			perSource[c.SourceRef] = k + 1
		}
	}

	if demoted {
		sort.SliceStable(out, func(i, j int) bool {
			return Less(out[i].cur, out[j].cur)
		})
	}
	return out
}

// #endregion diversity

// #region ordering
// sortCandidates orders by CompositeScore desc, then RecencyScore desc, then ID asc.
func sortCandidates(cs []accuracy.ChunkCandidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return Less(cs[i], cs[j])
	})
}

// Less reports whether a ranks before b.
func Less(a, b accuracy.ChunkCandidate) bool {
	if a.CompositeScore != b.CompositeScore {
		return a.CompositeScore > b.CompositeScore
	}
	if a.RawSignals.RecencyScore != b.RawSignals.RecencyScore {
		return a.RawSignals.RecencyScore > b.RawSignals.RecencyScore
	}
	return a.ID < b.ID
}

// #endregion ordering
