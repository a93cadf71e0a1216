package tuner

import (
	"math"
	"time"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region aggregates
// WeightedSignals accumulates decay-weighted mean signals.
type WeightedSignals struct {
	Sum    accuracy.RawSignals `json:"sum"`
	Weight float64             `json:"weight"`
}

func (w *WeightedSignals) add(s accuracy.RawSignals, weight float64) {
	w.Sum.SemanticSim += s.SemanticSim * weight
	w.Sum.KeywordOverlap += s.KeywordOverlap * weight
	w.Sum.RecencyScore += s.RecencyScore * weight
	w.Weight += weight
}

// Mean returns the weighted mean, zero when nothing was added.
func (w WeightedSignals) Mean() accuracy.RawSignals {
	if w.Weight == 0 {
		return accuracy.RawSignals{}
	}
	return accuracy.RawSignals{
		SemanticSim:    w.Sum.SemanticSim / w.Weight,
		KeywordOverlap: w.Sum.KeywordOverlap / w.Weight,
		RecencyScore:   w.Sum.RecencyScore / w.Weight,
	}
}

// VersionAggregate is the feedback attributed to one config version.
type VersionAggregate struct {
	Ratings  RatingStats     `json:"ratings"`
	Positive WeightedSignals `json:"positive"`
	Negative WeightedSignals `json:"negative"`
}

// Aggregates is the tuner's view of the logs. It is rebuilt from scratch by
// Replay on every cycle and never updated in place.
type Aggregates struct {
	Versions     map[int64]*VersionAggregate `json:"versions"`
	Events       int                         `json:"events"`
	Duplicates   int                         `json:"duplicates"`
	Unattributed int                         `json:"unattributed"`
}

// Stats returns the rating stats for version.
func (a Aggregates) Stats(version int64) RatingStats {
	if v, ok := a.Versions[version]; ok {
		return v.Ratings
	}
	return RatingStats{}
}

// Direction returns mean(signals | positive) - mean(signals | negative) for
// version. It is zero unless both sides have feedback.
func (a Aggregates) Direction(version int64) accuracy.RawSignals {
	v, ok := a.Versions[version]
	if !ok || v.Positive.Weight == 0 || v.Negative.Weight == 0 {
		return accuracy.RawSignals{}
	}
	p, n := v.Positive.Mean(), v.Negative.Mean()
	return accuracy.RawSignals{
		SemanticSim:    p.SemanticSim - n.SemanticSim,
		KeywordOverlap: p.KeywordOverlap - n.KeywordOverlap,
		RecencyScore:   p.RecencyScore - n.RecencyScore,
	}
}

// #endregion aggregates

// #region replay
// Replay folds feedback and served records into Aggregates. Feedback is
// joined to served records on MessageID == QueryID; a repeated MessageID
// counts once. Each rating's signal contribution decays with age relative to
// now, halving every halfLife (halfLife <= 0 disables decay).
func Replay(events []accuracy.FeedbackEvent, served []accuracy.ServedRecord, now time.Time, halfLife time.Duration) Aggregates {
	byQuery := make(map[string]accuracy.ServedRecord, len(served))
	for _, s := range served {
		if _, ok := byQuery[s.QueryID]; !ok {
			byQuery[s.QueryID] = s
		}
	}

	agg := Aggregates{Versions: map[int64]*VersionAggregate{}}
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		if !accuracy.ValidRating(ev.Rating) {
			continue
		}
		if _, dup := seen[ev.MessageID]; dup {
			agg.Duplicates++
			continue
		}
		seen[ev.MessageID] = struct{}{}
		agg.Events++

		rec, ok := byQuery[ev.MessageID]
		if !ok {
			agg.Unattributed++
			continue
		}
		v := agg.Versions[rec.ConfigVersion]
		if v == nil {
			v = &VersionAggregate{}
			agg.Versions[rec.ConfigVersion] = v
		}
		v.Ratings.Add(float64(ev.Rating))

		w := decayWeight(now.Sub(ev.Timestamp), halfLife)
		switch {
		case ev.Rating > 0:
			v.Positive.add(rec.MeanSignals, w)
		case ev.Rating < 0:
			v.Negative.add(rec.MeanSignals, w)
		}
	}
	return agg
}

func decayWeight(age, halfLife time.Duration) float64 {
	if halfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / halfLife.Hours())
}

// #endregion replay
