package tuner

import (
	"math"
	"time"
)

// #region tuner-config
// Config holds the tuning loop parameters.
type Config struct {
	Interval time.Duration

	// Proposal
	LearningRate        float64       // scale applied to the feedback direction
	MaxStepNorm         float64       // L2 clamp on the weight delta
	FeedbackHalfLife    time.Duration // age at which a rating counts half
	FeedbackLookback    time.Duration // how far back proposals read the logs
	MinProposalFeedback int           // rated queries needed before proposing

	// Promotion
	MinShadowSamples   int
	MaxMeanDivergence  float64
	ObservationWindow  time.Duration // SHADOW lifetime before retiring
	MaxPromoteAttempts int           // CAS retries per cycle
}

// DefaultConfig returns the tuning defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            time.Minute,
		LearningRate:        0.1,
		MaxStepNorm:         0.05,
		FeedbackHalfLife:    24 * time.Hour,
		FeedbackLookback:    7 * 24 * time.Hour,
		MinProposalFeedback: 50,
		MinShadowSamples:    100,
		MaxMeanDivergence:   0.6,
		ObservationWindow:   72 * time.Hour,
		MaxPromoteAttempts:  3,
	}
}

// #endregion tuner-config

// #region rating-stats
// RatingStats summarises ratings in {-1, 0, +1} for one config version.
type RatingStats struct {
	N     int     `json:"n"`
	Sum   float64 `json:"sum"`
	SumSq float64 `json:"sum_sq"`
}

// Add folds one rating in.
func (s *RatingStats) Add(r float64) {
	s.N++
	s.Sum += r
	s.SumSq += r * r
}

// Mean returns the average rating, 0 when empty.
func (s RatingStats) Mean() float64 {
	if s.N == 0 {
		return 0
	}
	return s.Sum / float64(s.N)
}

// Variance returns the unbiased sample variance, 0 below two samples.
func (s RatingStats) Variance() float64 {
	if s.N < 2 {
		return 0
	}
	n := float64(s.N)
	v := (s.SumSq - s.Sum*s.Sum/n) / (n - 1)
	return math.Max(v, 0)
}

// #endregion rating-stats

// #region verdict
// Verdict is a comparator outcome.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// #endregion verdict
