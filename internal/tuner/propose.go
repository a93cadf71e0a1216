package tuner

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region proposal
// Proposal is the output of Propose.
type Proposal struct {
	Action    string              `json:"action"` // "propose" | "no_op"
	Reason    string              `json:"reason"`
	Weights   accuracy.Weights    `json:"weights"`
	Direction accuracy.RawSignals `json:"direction"`
	DeltaNorm float64             `json:"delta_norm"`
}

// Propose is a pure bounded local search step from the active weights. It
// nudges each signal weight along the feedback direction recorded for the
// active version, clamps the step to cfg.MaxStepNorm (L2), floors weights at
// zero and rescales so the signal weights keep their previous sum.
// DiversityPenalty is carried over unchanged.
func Propose(active accuracy.AccuracyConfig, agg Aggregates, cfg Config) Proposal {
	noop := func(reason string) Proposal {
		return Proposal{Action: "no_op", Reason: reason, Weights: active.Weights}
	}

	stats := agg.Stats(active.Version)
	if stats.N < cfg.MinProposalFeedback {
		return noop(fmt.Sprintf("insufficient feedback: %d < %d", stats.N, cfg.MinProposalFeedback))
	}
	dir := agg.Direction(active.Version)
	if dir == (accuracy.RawSignals{}) || cfg.LearningRate <= 0 {
		return noop("no feedback direction")
	}

	delta := [3]float64{
		cfg.LearningRate * dir.SemanticSim,
		cfg.LearningRate * dir.KeywordOverlap,
		cfg.LearningRate * dir.RecencyScore,
	}
	if norm := l2(delta); cfg.MaxStepNorm > 0 && norm > cfg.MaxStepNorm {
		scale := cfg.MaxStepNorm / norm
		for i := range delta {
			delta[i] *= scale
		}
	}

	old := [3]float64{active.Weights.Semantic, active.Weights.Keyword, active.Weights.Recency}
	var next [3]float64
	var sum float64
	for i := range next {
		next[i] = math.Max(old[i]+delta[i], 0)
		sum += next[i]
	}
	if sum == 0 {
		return noop("step would zero every weight")
	}
	prevSum := active.Weights.Sum()
	for i := range next {
		next[i] *= prevSum / sum
	}

	var moved [3]float64
	for i := range moved {
		moved[i] = next[i] - old[i]
	}
	norm := l2(moved)
	if norm < 1e-9 {
		return noop("step below precision")
	}

	return Proposal{
		Action: "propose",
		Reason: fmt.Sprintf("feedback direction over %d ratings, delta norm %.6f", stats.N, norm),
		Weights: accuracy.Weights{
			Semantic:         next[0],
			Keyword:          next[1],
			Recency:          next[2],
			DiversityPenalty: active.Weights.DiversityPenalty,
		},
		Direction: dir,
		DeltaNorm: norm,
	}
}

func l2(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// #endregion proposal
