// Package tuner evolves AccuracyConfig versions from feedback. Each cycle
// rebuilds its view of the world by replaying the append-only logs, then
// either proposes a DRAFT, enrolls a DRAFT into SHADOW, or runs the
// promotion gate on the current SHADOW candidate. Promotion is a conditional
// swap of the ACTIVE pointer, so concurrent tuner instances cannot both win.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region ports
// ConfigStore is the subset of the Config Store the tuner writes through.
type ConfigStore interface {
	Active(ctx context.Context) (accuracy.AccuracyConfig, error)
	Candidate(ctx context.Context) (*accuracy.AccuracyConfig, error)
	LatestDraft(ctx context.Context) (*accuracy.AccuracyConfig, error)
	StaleDrafts(ctx context.Context) ([]accuracy.AccuracyConfig, error)
	Create(ctx context.Context, parent int64, w accuracy.Weights, th accuracy.Thresholds) (accuracy.AccuracyConfig, error)
	Transition(ctx context.Context, version int64, from, to accuracy.Status, reason string) (accuracy.AccuracyConfig, error)
	Promote(ctx context.Context, candidate, expectedActive int64, reason string) (accuracy.AccuracyConfig, error)
}

// FeedbackSource reads the feedback log.
type FeedbackSource interface {
	Since(ctx context.Context, t time.Time) ([]accuracy.FeedbackEvent, error)
}

// RecordSource reads the served and shadow logs.
type RecordSource interface {
	ServedSince(ctx context.Context, t time.Time) ([]accuracy.ServedRecord, error)
	ShadowSince(ctx context.Context, candidateVersion int64, t time.Time) ([]accuracy.ShadowTestRecord, error)
}

// #endregion ports

// #region report
// Outcome names what a cycle did.
type Outcome string

const (
	OutcomeNoOp     Outcome = "no_op"
	OutcomeProposed Outcome = "proposed"
	OutcomeEnrolled Outcome = "enrolled"
	OutcomeWaiting  Outcome = "waiting"
	OutcomePromoted Outcome = "promoted"
	OutcomeRetired  Outcome = "retired"
	OutcomeDeferred Outcome = "deferred"
)

// Report describes one tuning cycle.
type Report struct {
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason"`
	Active    int64     `json:"active_version"`
	Candidate int64     `json:"candidate_version,omitempty"`
	Proposal  *Proposal `json:"proposal,omitempty"`
	Decision  *Decision `json:"decision,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
}

// #endregion report

// #region tuner
// Tuner runs tuning cycles. It holds no state between cycles.
type Tuner struct {
	store    ConfigStore
	feedback FeedbackSource
	records  RecordSource
	gate     *Gate
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	retry    func() backoff.BackOff
}

// New creates a tuner. A nil comparator uses DefaultComparator.
func New(store ConfigStore, feedback FeedbackSource, records RecordSource, cfg Config, comparator Comparator, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPromoteAttempts <= 0 {
		cfg.MaxPromoteAttempts = 1
	}
	return &Tuner{
		store:    store,
		feedback: feedback,
		records:  records,
		gate:     NewGate(cfg, comparator),
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("retrieval-accuracy/tuner"),
		now:      func() time.Time { return time.Now().UTC() },
		retry: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 100 * time.Millisecond
			bo.MaxInterval = 2 * time.Second
			return bo
		},
	}
}

// RunCycle performs one tuning step. I/O failures that outlast the retry
// budget are returned wrapped in accuracy.ErrUpstreamUnavailable; the caller
// skips the cycle.
func (t *Tuner) RunCycle(ctx context.Context) (Report, error) {
	ctx, span := t.tracer.Start(ctx, "tuner.cycle")
	defer span.End()

	rep, err := t.cycle(ctx)
	span.SetAttributes(
		attribute.String("outcome", string(rep.Outcome)),
		attribute.Int64("active_version", rep.Active),
		attribute.Int64("candidate_version", rep.Candidate),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tuning cycle failed")
	}
	return rep, err
}

func (t *Tuner) cycle(ctx context.Context) (Report, error) {
	active, err := ioRetry(ctx, t, func() (accuracy.AccuracyConfig, error) { return t.store.Active(ctx) })
	if err != nil {
		return Report{}, err
	}
	cand, err := ioRetry(ctx, t, func() (*accuracy.AccuracyConfig, error) { return t.store.Candidate(ctx) })
	if err != nil {
		return Report{Active: active.Version}, err
	}
	if cand != nil {
		return t.judge(ctx, active, *cand)
	}
	return t.proposeAndEnroll(ctx, active)
}

// #endregion tuner

// #region propose-enroll
func (t *Tuner) proposeAndEnroll(ctx context.Context, active accuracy.AccuracyConfig) (Report, error) {
	rep := Report{Active: active.Version, Outcome: OutcomeNoOp}

	if err := t.retireStaleDrafts(ctx, active); err != nil {
		return rep, err
	}
	draft, err := ioRetry(ctx, t, func() (*accuracy.AccuracyConfig, error) { return t.store.LatestDraft(ctx) })
	if err != nil {
		return rep, err
	}

	if draft == nil {
		now := t.now()
		agg, err := t.replay(ctx, now.Add(-t.cfg.FeedbackLookback), now)
		if err != nil {
			return rep, err
		}
		p := Propose(active, agg, t.cfg)
		rep.Proposal = &p
		if p.Action != "propose" {
			rep.Reason = p.Reason
			return rep, nil
		}
		created, err := ioRetry(ctx, t, func() (accuracy.AccuracyConfig, error) {
			return t.store.Create(ctx, active.Version, p.Weights, active.Thresholds)
		})
		if err != nil {
			return rep, err
		}
		t.logger.Info("tuner_proposed",
			"version", created.Version,
			"parent_version", active.Version,
			"delta_norm", p.DeltaNorm,
			"semantic", p.Weights.Semantic,
			"keyword", p.Weights.Keyword,
			"recency", p.Weights.Recency,
		)
		rep.Outcome, rep.Reason = OutcomeProposed, p.Reason
		draft = &created
	}

	shadowed, err := ioRetry(ctx, t, func() (accuracy.AccuracyConfig, error) {
		return t.store.Transition(ctx, draft.Version, accuracy.StatusDraft, accuracy.StatusShadow, "enrolled in shadow test")
	})
	if err != nil {
		return rep, err
	}
	t.logger.Info("tuner_enrolled", "version", shadowed.Version, "active_version", active.Version)
	rep.Outcome, rep.Candidate = OutcomeEnrolled, shadowed.Version
	if rep.Reason == "" {
		rep.Reason = "enrolled existing draft"
	}
	return rep, nil
}

// retireStaleDrafts retires DRAFTs that a promotion has overtaken.
func (t *Tuner) retireStaleDrafts(ctx context.Context, active accuracy.AccuracyConfig) error {
	stale, err := ioRetry(ctx, t, func() ([]accuracy.AccuracyConfig, error) { return t.store.StaleDrafts(ctx) })
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("superseded by v%d", active.Version)
	for _, d := range stale {
		_, err := ioRetry(ctx, t, func() (accuracy.AccuracyConfig, error) {
			return t.store.Transition(ctx, d.Version, accuracy.StatusDraft, accuracy.StatusRetired, reason)
		})
		if errors.Is(err, accuracy.ErrInvalidTransition) || errors.Is(err, accuracy.ErrConfigNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		t.logger.Info("tuner_draft_retired", "version", d.Version, "active_version", active.Version)
	}
	return nil
}

// #endregion propose-enroll

// #region judge
// judge runs the gate and applies its decision. A lost promotion race
// reloads fresh state and re-evaluates, up to MaxPromoteAttempts.
func (t *Tuner) judge(ctx context.Context, active, cand accuracy.AccuracyConfig) (Report, error) {
	rep := Report{Active: active.Version, Candidate: cand.Version}

	for attempt := 1; attempt <= t.cfg.MaxPromoteAttempts; attempt++ {
		rep.Attempts = attempt
		if cand.Version <= active.Version {
			return t.retire(ctx, rep, cand, fmt.Sprintf("superseded by v%d", active.Version))
		}
		in, err := t.gateInput(ctx, active, cand)
		if err != nil {
			return rep, err
		}
		d := t.gate.Evaluate(in)
		rep.Decision = &d
		rep.Reason = d.Reason

		switch d.Action {
		case ActionWait:
			rep.Outcome = OutcomeWaiting
			return rep, nil

		case ActionRetire:
			return t.retire(ctx, rep, cand, d.Reason)
		}

		expected, candidate, reason := active.Version, cand.Version, d.Reason
		_, err = ioRetry(ctx, t, func() (accuracy.AccuracyConfig, error) {
			return t.store.Promote(ctx, candidate, expected, reason)
		})
		if err == nil {
			t.logger.Info("tuner_promoted",
				"version", cand.Version,
				"previous_version", active.Version,
				"attempt", attempt,
				"reason", d.Reason,
			)
			rep.Outcome = OutcomePromoted
			return rep, nil
		}
		if errors.Is(err, accuracy.ErrInvalidTransition) {
			t.logger.Warn("tuner_promote_rejected", "version", cand.Version, "error", err)
			return t.retire(ctx, rep, cand, fmt.Sprintf("promotion rejected: %v", err))
		}
		if !errors.Is(err, accuracy.ErrConfigConflict) {
			return rep, fmt.Errorf("promote %d: %w", candidate, err)
		}

		t.logger.Warn("tuner_promote_conflict", "version", cand.Version, "expected_active", active.Version, "attempt", attempt)
		active, err = ioRetry(ctx, t, func() (accuracy.AccuracyConfig, error) { return t.store.Active(ctx) })
		if err != nil {
			return rep, err
		}
		fresh, err := ioRetry(ctx, t, func() (*accuracy.AccuracyConfig, error) { return t.store.Candidate(ctx) })
		if err != nil {
			return rep, err
		}
		rep.Active = active.Version
		if fresh == nil || fresh.Version != cand.Version {
			rep.Outcome, rep.Reason = OutcomeNoOp, "candidate resolved by another writer"
			return rep, nil
		}
		cand = *fresh
	}

	t.logger.Warn("tuner_promote_deferred", "version", cand.Version, "attempts", rep.Attempts)
	rep.Outcome = OutcomeDeferred
	return rep, nil
}

// retire moves the SHADOW candidate to RETIRED. A candidate another writer
// has already moved is reported as a no-op.
func (t *Tuner) retire(ctx context.Context, rep Report, cand accuracy.AccuracyConfig, reason string) (Report, error) {
	_, err := ioRetry(ctx, t, func() (accuracy.AccuracyConfig, error) {
		return t.store.Transition(ctx, cand.Version, accuracy.StatusShadow, accuracy.StatusRetired, reason)
	})
	if errors.Is(err, accuracy.ErrInvalidTransition) || errors.Is(err, accuracy.ErrConfigNotFound) {
		rep.Outcome, rep.Reason = OutcomeNoOp, "candidate resolved by another writer"
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	t.logger.Info("tuner_retired", "version", cand.Version, "reason", reason)
	rep.Outcome, rep.Reason = OutcomeRetired, reason
	return rep, nil
}

func (t *Tuner) gateInput(ctx context.Context, active, cand accuracy.AccuracyConfig) (GateInput, error) {
	since := cand.StatusChangedAt
	now := t.now()
	shadow, err := ioRetry(ctx, t, func() ([]accuracy.ShadowTestRecord, error) {
		return t.records.ShadowSince(ctx, cand.Version, since)
	})
	if err != nil {
		return GateInput{}, err
	}
	agg, err := t.replay(ctx, since, now)
	if err != nil {
		return GateInput{}, err
	}
	return GateInput{
		Active:    active,
		Candidate: cand,
		Shadow:    Summarize(shadow),
		Control:   agg.Stats(active.Version),
		Treated:   agg.Stats(cand.Version),
		Now:       now,
	}, nil
}

func (t *Tuner) replay(ctx context.Context, since, now time.Time) (Aggregates, error) {
	events, err := ioRetry(ctx, t, func() ([]accuracy.FeedbackEvent, error) { return t.feedback.Since(ctx, since) })
	if err != nil {
		return Aggregates{}, err
	}
	served, err := ioRetry(ctx, t, func() ([]accuracy.ServedRecord, error) { return t.records.ServedSince(ctx, since) })
	if err != nil {
		return Aggregates{}, err
	}
	return Replay(events, served, now, t.cfg.FeedbackHalfLife), nil
}

// #endregion judge

// #region preview
// Preview reports what the next cycle would decide without writing to the
// store: the proposal when no candidate is under test, otherwise the gate
// decision. Pending drafts are not enrolled.
func (t *Tuner) Preview(ctx context.Context) (Report, Aggregates, error) {
	active, err := ioRetry(ctx, t, func() (accuracy.AccuracyConfig, error) { return t.store.Active(ctx) })
	if err != nil {
		return Report{}, Aggregates{}, err
	}
	cand, err := ioRetry(ctx, t, func() (*accuracy.AccuracyConfig, error) { return t.store.Candidate(ctx) })
	if err != nil {
		return Report{}, Aggregates{}, err
	}
	rep := Report{Active: active.Version, Outcome: OutcomeNoOp}
	now := t.now()

	if cand == nil {
		agg, err := t.replay(ctx, now.Add(-t.cfg.FeedbackLookback), now)
		if err != nil {
			return rep, Aggregates{}, err
		}
		p := Propose(active, agg, t.cfg)
		rep.Proposal, rep.Reason = &p, p.Reason
		if p.Action == "propose" {
			rep.Outcome = OutcomeProposed
		}
		return rep, agg, nil
	}

	rep.Candidate = cand.Version
	if cand.Version <= active.Version {
		rep.Outcome, rep.Reason = OutcomeRetired, fmt.Sprintf("superseded by v%d", active.Version)
		return rep, Aggregates{}, nil
	}
	in, err := t.gateInput(ctx, active, *cand)
	if err != nil {
		return rep, Aggregates{}, err
	}
	d := t.gate.Evaluate(in)
	rep.Decision, rep.Reason = &d, d.Reason
	switch d.Action {
	case ActionPromote:
		rep.Outcome = OutcomePromoted
	case ActionRetire:
		rep.Outcome = OutcomeRetired
	default:
		rep.Outcome = OutcomeWaiting
	}
	agg, err := t.replay(ctx, cand.StatusChangedAt, now)
	if err != nil {
		return rep, Aggregates{}, err
	}
	return rep, agg, nil
}

// #endregion preview

// #region retry
// ioRetry retries op with bounded backoff. Domain errors are returned at
// once; I/O failures that outlast the budget become
// accuracy.ErrUpstreamUnavailable.
func ioRetry[T any](ctx context.Context, t *Tuner, op func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(t.retry()), backoff.WithMaxTries(3))
	if err == nil || isPermanent(err) || errors.Is(err, accuracy.ErrUpstreamUnavailable) || ctx.Err() != nil {
		return v, err
	}
	return v, fmt.Errorf("%w: %v", accuracy.ErrUpstreamUnavailable, err)
}

func isPermanent(err error) bool {
	return errors.Is(err, accuracy.ErrConfigConflict) ||
		errors.Is(err, accuracy.ErrInvalidTransition) ||
		errors.Is(err, accuracy.ErrInvalidConfig) ||
		errors.Is(err, accuracy.ErrConfigNotFound) ||
		errors.Is(err, accuracy.ErrNoActiveConfig)
}

// #endregion retry
