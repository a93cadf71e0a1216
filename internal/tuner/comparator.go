package tuner

import (
	"fmt"
	"math"
)

// #region comparator
// Comparator decides whether candidate feedback is no worse than control
// feedback. Implementations must be pure.
type Comparator interface {
	Compare(control, candidate RatingStats) Verdict
	Name() string
}

// NoWorseThan passes when the candidate mean rating is at least the control
// mean minus Margin. Either side under MinSamples is inconclusive.
type NoWorseThan struct {
	Margin     float64
	MinSamples int
}

// DefaultComparator is NoWorseThan{Margin: 0.05, MinSamples: 20}.
func DefaultComparator() Comparator {
	return NoWorseThan{Margin: 0.05, MinSamples: 20}
}

func (c NoWorseThan) Compare(control, candidate RatingStats) Verdict {
	if control.N < c.MinSamples || candidate.N < c.MinSamples {
		return VerdictInconclusive
	}
	if candidate.Mean() >= control.Mean()-c.Margin {
		return VerdictPass
	}
	return VerdictFail
}

func (c NoWorseThan) Name() string {
	return fmt.Sprintf("no_worse_than(margin=%.3f,min=%d)", c.Margin, c.MinSamples)
}

// WelchNonInferiority is a one-sided Welch test of
// H0: mean(candidate) - mean(control) <= -Margin. It passes when the
// statistic clears Z, fails when it is below -Z, and is inconclusive
// otherwise.
type WelchNonInferiority struct {
	Margin     float64
	Z          float64 // 1.645 for a 5% one-sided test
	MinSamples int
}

func (c WelchNonInferiority) Compare(control, candidate RatingStats) Verdict {
	minN := c.MinSamples
	if minN < 2 {
		minN = 2
	}
	if control.N < minN || candidate.N < minN {
		return VerdictInconclusive
	}
	diff := candidate.Mean() - control.Mean() + c.Margin
	se := math.Sqrt(candidate.Variance()/float64(candidate.N) + control.Variance()/float64(control.N))
	if se == 0 {
		if diff >= 0 {
			return VerdictPass
		}
		return VerdictFail
	}
	stat := diff / se
	switch {
	case stat >= c.Z:
		return VerdictPass
	case stat <= -c.Z:
		return VerdictFail
	}
	return VerdictInconclusive
}

func (c WelchNonInferiority) Name() string {
	return fmt.Sprintf("welch_non_inferiority(margin=%.3f,z=%.3f)", c.Margin, c.Z)
}

// #endregion comparator
