// Package shadow re-runs scoring and ruling under a candidate config next to
// the control config and records how far the two results diverge. Candidate
// output never reaches the caller of the production query.
package shadow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/rules"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/score"
)

// #region runner
// Runner executes the two pipeline passes of a shadow test.
type Runner struct {
	TopK   int
	tracer trace.Tracer
	now    func() time.Time
}

// NewRunner creates a runner comparing the top topK accepted ids.
func NewRunner(topK int) *Runner {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Runner{
		TopK:   topK,
		tracer: otel.Tracer("retrieval-accuracy/shadow"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run scores and rules candidates under both configs concurrently. Each pass
// works on its own copy of candidates. The returned record has no QueryID;
// the caller owns that association.
func (r *Runner) Run(ctx context.Context, q accuracy.ProcessedQuery, candidates []accuracy.ChunkCandidate, control, candidate accuracy.AccuracyConfig) (accuracy.ShadowTestRecord, error) {
	ctx, span := r.tracer.Start(ctx, "shadow.run", trace.WithAttributes(
		attribute.Int64("control_version", control.Version),
		attribute.Int64("candidate_version", candidate.Version),
		attribute.Int("candidates", len(candidates)),
	))
	defer span.End()

	var controlRes, candidateRes accuracy.RuleResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := pipeline(gctx, q, candidates, control)
		controlRes = res
		return err
	})
	g.Go(func() error {
		res, err := pipeline(gctx, q, candidates, candidate)
		candidateRes = res
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "shadow run abandoned")
		return accuracy.ShadowTestRecord{}, fmt.Errorf("shadow run: %w", err)
	}

	div := Divergence(controlRes.AcceptedIDs(), candidateRes.AcceptedIDs(), r.TopK)
	span.SetAttributes(attribute.Float64("divergence", div))

	return accuracy.ShadowTestRecord{
		ID:                     uuid.New().String(),
		ControlConfigVersion:   control.Version,
		CandidateConfigVersion: candidate.Version,
		ControlResult:          controlRes,
		CandidateResult:        candidateRes,
		DivergenceScore:        div,
		Timestamp:              r.now(),
	}, nil
}

func pipeline(ctx context.Context, q accuracy.ProcessedQuery, candidates []accuracy.ChunkCandidate, cfg accuracy.AccuracyConfig) (accuracy.RuleResult, error) {
	if err := ctx.Err(); err != nil {
		return accuracy.RuleResult{}, err
	}
	scored := score.Score(q, candidates, cfg)
	if err := ctx.Err(); err != nil {
		return accuracy.RuleResult{}, err
	}
	return rules.Apply(scored, cfg), nil
}

// #endregion runner
