// Package engine is the production entry point of the retrieval accuracy
// pipeline: query processing, scoring and ruling under the ACTIVE config,
// experiment routing, and the feedback and config hooks the tuner consumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/query"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/rules"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/score"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/shadow"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/variant"
)

// #region engine-struct
// Options wires the engine's collaborators. Shadow, Served and Notify
// are optional.
type Options struct {
	Processor *query.Processor
	Chunks    ChunkStore
	Holder    *accuracy.Holder
	Configs   ConfigStore
	Feedback  FeedbackSink
	Served    ServedLog
	Shadow    ShadowQueue

	// ExperimentID prefixes the per-candidate experiment id, so each
	// candidate version gets a fresh assignment.
	ExperimentID string
	Arms         []string
	Notify       func()

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Engine serves queries and ingests feedback. Safe for concurrent use.
type Engine struct {
	processor    *query.Processor
	chunks       ChunkStore
	holder       *accuracy.Holder
	configs      ConfigStore
	feedback     FeedbackSink
	served       ServedLog
	shadow       ShadowQueue
	experimentID string
	arms         []string
	notify       func()
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Processor == nil || opts.Chunks == nil || opts.Holder == nil || opts.Configs == nil || opts.Feedback == nil {
		return nil, errors.New("engine: processor, chunks, holder, configs and feedback are required")
	}
	e := &Engine{
		processor:    opts.Processor,
		chunks:       opts.Chunks,
		holder:       opts.Holder,
		configs:      opts.Configs,
		feedback:     opts.Feedback,
		served:       opts.Served,
		shadow:       opts.Shadow,
		experimentID: opts.ExperimentID,
		arms:         opts.Arms,
		notify:       opts.Notify,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if e.experimentID == "" {
		e.experimentID = "accuracy-tuning"
	}
	if len(e.arms) == 0 {
		e.arms = []string{variant.ArmControl, variant.ArmShadow, variant.ArmCanary}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("retrieval-accuracy/engine")
	}
	return e, nil
}

// #endregion engine-struct

// #region retrieve
// Retrieve runs the production pipeline for rawQuery. With a subjectID and a
// candidate under test, the subject is routed to an experiment arm: shadow
// subjects are served by ACTIVE and trigger a background comparison, canary
// subjects are served by the candidate. Candidate output on the shadow arm
// never reaches the caller.
func (e *Engine) Retrieve(ctx context.Context, rawQuery, subjectID string) (Retrieval, error) {
	ctx, span := e.tracer.Start(ctx, "engine.retrieve")
	defer span.End()

	out, err := e.retrieve(ctx, rawQuery, subjectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieve failed")
		return Retrieval{}, err
	}
	span.SetAttributes(
		attribute.String("query_id", out.QueryID),
		attribute.Int64("config_version", out.ConfigVersion),
		attribute.String("arm", out.Arm),
		attribute.Int("accepted", len(out.Result.Accepted)),
		attribute.Int("rejected", len(out.Result.Rejected)),
	)
	return out, nil
}

func (e *Engine) retrieve(ctx context.Context, rawQuery, subjectID string) (Retrieval, error) {
	pq, err := e.processor.Process(rawQuery)
	if err != nil {
		return Retrieval{}, err
	}

	snap := e.holder.Load()
	arm := variant.ArmControl
	if subjectID != "" && snap.Candidate != nil {
		arm = variant.Select(subjectID, e.experimentKey(snap.Candidate.Version), e.arms)
	}

	candidates, err := e.chunks.FetchCandidates(ctx, pq)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, accuracy.ErrUpstreamUnavailable) {
			return Retrieval{}, fmt.Errorf("fetch candidates: %w", err)
		}
		return Retrieval{}, fmt.Errorf("fetch candidates: %w: %v", accuracy.ErrUpstreamUnavailable, err)
	}

	cfg := snap.Active
	if arm == variant.ArmCanary {
		cfg = *snap.Candidate
	}

	if err := ctx.Err(); err != nil {
		return Retrieval{}, err
	}
	queryID := uuid.New().String()

	// The shadow job only needs the fetched candidates, so it starts before
	// the served pass is scored.
	if e.shadow != nil && snap.Candidate != nil && (arm == variant.ArmShadow || arm == variant.ArmCanary) {
		e.shadow.Submit(shadow.Job{
			QueryID:    queryID,
			Query:      pq,
			Candidates: candidates,
			Control:    snap.Active,
			Candidate:  *snap.Candidate,
		})
	}

	scored := score.Score(pq, candidates, cfg)
	if err := ctx.Err(); err != nil {
		return Retrieval{}, err
	}
	result := rules.Apply(scored, cfg)

	out := Retrieval{
		QueryID:       queryID,
		ConfigVersion: cfg.Version,
		Arm:           arm,
		Intent:        pq.IntentTag,
		Result:        result,
	}

	if e.served != nil {
		rec := accuracy.ServedRecord{
			QueryID:       out.QueryID,
			Arm:           arm,
			ConfigVersion: cfg.Version,
			AcceptedCount: len(result.Accepted),
			MeanSignals:   accuracy.MeanAcceptedSignals(result.Accepted),
			ServedAt:      e.now(),
		}
		if err := e.served.AppendServed(ctx, rec); err != nil {
			e.logger.Warn("served_record_failed", "query_id", out.QueryID, "error", err)
		}
	}

	e.logger.Debug("retrieved",
		"query_id", out.QueryID,
		"intent", string(pq.IntentTag),
		"arm", arm,
		"config_version", cfg.Version,
		"candidates", len(candidates),
		"accepted", len(result.Accepted),
	)
	return out, nil
}

func (e *Engine) experimentKey(candidate int64) string {
	return fmt.Sprintf("%s/v%d", e.experimentID, candidate)
}

// #endregion retrieve

// #region feedback
// RecordFeedback appends a rating for a previously returned result. A
// repeated messageID is acknowledged as a duplicate and not counted twice.
func (e *Engine) RecordFeedback(ctx context.Context, messageID string, rating int, reason string) (Ack, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Ack{}, fmt.Errorf("%w: message_id is required", accuracy.ErrInvalidFeedback)
	}
	if !accuracy.ValidRating(rating) {
		return Ack{}, fmt.Errorf("%w: rating must be -1, 0 or 1, got %d", accuracy.ErrInvalidFeedback, rating)
	}

	dup, err := e.feedback.Append(ctx, accuracy.FeedbackEvent{
		MessageID: messageID,
		Rating:    rating,
		Reason:    strings.TrimSpace(reason),
		Timestamp: e.now(),
	})
	if err != nil {
		return Ack{}, fmt.Errorf("record feedback: %w: %v", accuracy.ErrUpstreamUnavailable, err)
	}
	if dup {
		e.logger.Info("feedback_duplicate", "message_id", messageID)
	} else if e.notify != nil {
		e.notify()
	}
	return Ack{MessageID: messageID, Duplicate: dup}, nil
}

// #endregion feedback

// #region config-hooks
// ActiveConfig returns the ACTIVE config from the current snapshot.
func (e *Engine) ActiveConfig() accuracy.AccuracyConfig {
	return e.holder.Load().Active
}

// Snapshot returns the ACTIVE config and the candidate under test.
func (e *Engine) Snapshot() accuracy.Snapshot {
	return *e.holder.Load()
}

// ProposeConfig creates a DRAFT derived from the ACTIVE config. The tuner
// enrolls it into SHADOW on a later cycle.
func (e *Engine) ProposeConfig(ctx context.Context, w accuracy.Weights, th accuracy.Thresholds) (accuracy.AccuracyConfig, error) {
	if err := accuracy.Validate(w, th); err != nil {
		return accuracy.AccuracyConfig{}, err
	}
	parent := e.holder.Load().Active.Version
	rec, err := e.configs.Create(ctx, parent, w, th)
	if err != nil {
		return accuracy.AccuracyConfig{}, fmt.Errorf("propose config: %w", err)
	}
	e.logger.Info("config_proposed", "version", rec.Version, "parent_version", parent)
	if e.notify != nil {
		e.notify()
	}
	return rec, nil
}

// Config returns one version.
func (e *Engine) Config(ctx context.Context, version int64) (accuracy.AccuracyConfig, error) {
	return e.configs.Get(ctx, version)
}

// Configs lists recent versions, newest first.
func (e *Engine) Configs(ctx context.Context, limit int) ([]accuracy.AccuracyConfig, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.configs.List(ctx, limit)
}

// #endregion config-hooks
