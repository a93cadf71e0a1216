package tuner

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region gate-types
// Action is what the gate wants done with the candidate.
type Action string

const (
	ActionPromote Action = "promote"
	ActionRetire  Action = "retire"
	ActionWait    Action = "wait"
)

// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoSamples    VetoType = "insufficient_samples"
	VetoDivergence VetoType = "divergence"
	VetoComparator VetoType = "comparator"
)

// VetoSignal is one failed hard requirement.
type VetoSignal struct {
	Type   VetoType `json:"type"`
	Reason string   `json:"reason"`
}

// Check is one measured gate input.
type Check struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// ShadowSummary condenses the shadow records of a candidate.
type ShadowSummary struct {
	Samples        int     `json:"samples"`
	MeanDivergence float64 `json:"mean_divergence"`
}

// Summarize computes the summary of records.
func Summarize(records []accuracy.ShadowTestRecord) ShadowSummary {
	if len(records) == 0 {
		return ShadowSummary{}
	}
	var sum float64
	for _, r := range records {
		sum += r.DivergenceScore
	}
	return ShadowSummary{Samples: len(records), MeanDivergence: sum / float64(len(records))}
}

// GateInput is everything the gate looks at. Built fresh from the logs.
type GateInput struct {
	Active    accuracy.AccuracyConfig
	Candidate accuracy.AccuracyConfig
	Shadow    ShadowSummary
	Control   RatingStats
	Treated   RatingStats
	Now       time.Time
}

// Decision is the gate output.
type Decision struct {
	Action  Action       `json:"action"`
	Reason  string       `json:"reason"`
	Vetoed  bool         `json:"vetoed"`
	Vetoes  []VetoSignal `json:"vetoes,omitempty"`
	Verdict Verdict      `json:"verdict"`
	Checks  []Check      `json:"checks"`
}

// #endregion gate-types

// #region gate
// Gate decides promotion of a SHADOW candidate.
type Gate struct {
	cfg        Config
	comparator Comparator
}

// NewGate creates a gate. A nil comparator uses DefaultComparator.
func NewGate(cfg Config, comparator Comparator) *Gate {
	if comparator == nil {
		comparator = DefaultComparator()
	}
	return &Gate{cfg: cfg, comparator: comparator}
}

// Evaluate checks hard vetoes first. With no veto the candidate is promoted.
// A vetoed candidate waits until its observation window has elapsed and is
// then retired.
func (g *Gate) Evaluate(in GateInput) Decision {
	var vetoes []VetoSignal
	var checks []Check

	samplesOK := in.Shadow.Samples >= g.cfg.MinShadowSamples
	checks = append(checks, Check{Name: "shadow_samples", Value: float64(in.Shadow.Samples), Pass: samplesOK})
	if !samplesOK {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoSamples,
			Reason: fmt.Sprintf("%d shadow samples, need %d", in.Shadow.Samples, g.cfg.MinShadowSamples),
		})
	}

	divOK := in.Shadow.Samples > 0 && in.Shadow.MeanDivergence <= g.cfg.MaxMeanDivergence
	checks = append(checks, Check{Name: "mean_divergence", Value: in.Shadow.MeanDivergence, Pass: divOK})
	if in.Shadow.Samples > 0 && !divOK {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoDivergence,
			Reason: fmt.Sprintf("mean divergence %.4f exceeds %.4f", in.Shadow.MeanDivergence, g.cfg.MaxMeanDivergence),
		})
	}

	verdict := g.comparator.Compare(in.Control, in.Treated)
	checks = append(checks,
		Check{Name: "control_mean_rating", Value: in.Control.Mean(), Pass: true},
		Check{Name: "candidate_mean_rating", Value: in.Treated.Mean(), Pass: verdict == VerdictPass},
	)
	if verdict != VerdictPass {
		reason := fmt.Sprintf("%s: %s (control n=%d mean=%.4f, candidate n=%d mean=%.4f)",
			g.comparator.Name(), verdict, in.Control.N, in.Control.Mean(), in.Treated.N, in.Treated.Mean())
		vetoes = append(vetoes, VetoSignal{Type: VetoComparator, Reason: reason})
	}

	if len(vetoes) == 0 {
		return Decision{
			Action:  ActionPromote,
			Reason:  fmt.Sprintf("passed gate: %d samples, divergence %.4f", in.Shadow.Samples, in.Shadow.MeanDivergence),
			Verdict: verdict,
			Checks:  checks,
		}
	}

	d := Decision{
		Action:  ActionWait,
		Reason:  fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
		Vetoed:  true,
		Vetoes:  vetoes,
		Verdict: verdict,
		Checks:  checks,
	}
	if g.cfg.ObservationWindow > 0 && in.Now.Sub(in.Candidate.StatusChangedAt) >= g.cfg.ObservationWindow {
		d.Action = ActionRetire
		d.Reason = fmt.Sprintf("observation window %s elapsed: %s", g.cfg.ObservationWindow, vetoes[0].Reason)
	}
	return d
}

// #endregion gate
