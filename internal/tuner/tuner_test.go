package tuner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/logging"
	"github.com/danielpatrickdp/retrieval-accuracy/internal/state"
)

// #region harness
type harness struct {
	store *state.Store
	logs  *logging.Logs
	ctx   context.Context
	seq   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := state.NewStore(filepath.Join(t.TempDir(), "tuner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l, err := logging.NewLogs(s.DB())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.Bootstrap(ctx, accuracy.DefaultWeights(), accuracy.DefaultThresholds())
	require.NoError(t, err)
	return &harness{store: s, logs: l, ctx: ctx}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinProposalFeedback = 4
	cfg.MinShadowSamples = 3
	cfg.MaxMeanDivergence = 0.9
	cfg.ObservationWindow = time.Hour
	return cfg
}

func (h *harness) tuner(store ConfigStore) *Tuner {
	if store == nil {
		store = h.store
	}
	tn := New(store, h.logs, h.logs, testConfig(), NoWorseThan{Margin: 0.05, MinSamples: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tn.retry = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return tn
}

// serve logs a served query and its rating.
func (h *harness) serve(t *testing.T, version int64, arm string, sem, kw float64, rating int) {
	t.Helper()
	h.seq++
	id := fmt.Sprintf("q%03d", h.seq)
	ts := time.Now().UTC()
	require.NoError(t, h.logs.AppendServed(h.ctx, accuracy.ServedRecord{
		QueryID:       id,
		Arm:           arm,
		ConfigVersion: version,
		AcceptedCount: 2,
		MeanSignals:   accuracy.RawSignals{SemanticSim: sem, KeywordOverlap: kw},
		ServedAt:      ts,
	}))
	_, err := h.logs.Append(h.ctx, accuracy.FeedbackEvent{MessageID: id, Rating: rating, Timestamp: ts})
	require.NoError(t, err)
}

func (h *harness) shadow(t *testing.T, control, candidate int64, n int, div float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		h.seq++
		require.NoError(t, h.logs.AppendShadow(h.ctx, accuracy.ShadowTestRecord{
			ID:                     fmt.Sprintf("s%03d", h.seq),
			QueryID:                fmt.Sprintf("q%03d", h.seq),
			ControlConfigVersion:   control,
			CandidateConfigVersion: candidate,
			DivergenceScore:        div,
			Timestamp:              time.Now().UTC(),
		}))
	}
}

func (h *harness) enroll(t *testing.T, w accuracy.Weights) accuracy.AccuracyConfig {
	t.Helper()
	d, err := h.store.Create(h.ctx, 1, w, accuracy.DefaultThresholds())
	require.NoError(t, err)
	c, err := h.store.Transition(h.ctx, d.Version, accuracy.StatusDraft, accuracy.StatusShadow, "test")
	require.NoError(t, err)
	return c
}

type conflictingStore struct {
	*state.Store
	conflicts int
}

func (c *conflictingStore) Promote(ctx context.Context, candidate, expected int64, reason string) (accuracy.AccuracyConfig, error) {
	if c.conflicts > 0 {
		c.conflicts--
		return accuracy.AccuracyConfig{}, fmt.Errorf("%w: injected", accuracy.ErrConfigConflict)
	}
	return c.Store.Promote(ctx, candidate, expected, reason)
}

type rejectingStore struct {
	*state.Store
}

func (r *rejectingStore) Promote(context.Context, int64, int64, string) (accuracy.AccuracyConfig, error) {
	return accuracy.AccuracyConfig{}, fmt.Errorf("%w: injected", accuracy.ErrInvalidTransition)
}

// advancingStore loses the promotion race to a writer whose ACTIVE is newer
// than the candidate.
type advancingStore struct {
	*state.Store
	ahead int64
}

func (a *advancingStore) Promote(context.Context, int64, int64, string) (accuracy.AccuracyConfig, error) {
	a.ahead = 50
	return accuracy.AccuracyConfig{}, fmt.Errorf("%w: injected", accuracy.ErrConfigConflict)
}

func (a *advancingStore) Active(ctx context.Context) (accuracy.AccuracyConfig, error) {
	if a.ahead > 0 {
		return accuracy.AccuracyConfig{Version: a.ahead, Status: accuracy.StatusActive, Weights: accuracy.DefaultWeights(), Thresholds: accuracy.DefaultThresholds()}, nil
	}
	return a.Store.Active(ctx)
}

type downFeedback struct{ calls int }

func (d *downFeedback) Since(context.Context, time.Time) ([]accuracy.FeedbackEvent, error) {
	d.calls++
	return nil, errors.New("connection refused")
}

// #endregion harness

// #region lifecycle-tests
func TestCycleWithoutFeedbackIsNoOp(t *testing.T) {
	h := newHarness(t)
	rep, err := h.tuner(nil).RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, rep.Outcome)
	require.NotNil(t, rep.Proposal)
	assert.Contains(t, rep.Proposal.Reason, "insufficient feedback")

	list, err := h.store.List(h.ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t)
	tn := h.tuner(nil)

	// Users like semantically close results and dislike keyword-only hits.
	for i := 0; i < 3; i++ {
		h.serve(t, 1, "control", 0.9, 0.2, 1)
		h.serve(t, 1, "control", 0.3, 0.9, -1)
	}

	rep, err := tn.RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnrolled, rep.Outcome)
	require.NotNil(t, rep.Proposal)
	assert.Equal(t, "propose", rep.Proposal.Action)

	cand, err := h.store.Candidate(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, cand)
	assert.Equal(t, int64(2), cand.Version)
	assert.Equal(t, int64(1), cand.ParentVersion)
	assert.Greater(t, cand.Weights.Semantic, accuracy.DefaultWeights().Semantic)
	assert.Less(t, cand.Weights.Keyword, accuracy.DefaultWeights().Keyword)

	// No shadow data yet: wait.
	rep, err = tn.RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, rep.Outcome)
	require.NotNil(t, rep.Decision)
	assert.Equal(t, VetoSamples, rep.Decision.Vetoes[0].Type)

	h.shadow(t, 1, 2, 3, 0.25)
	h.serve(t, 1, "control", 0.8, 0.3, 1)
	h.serve(t, 1, "control", 0.8, 0.3, 0)
	h.serve(t, 2, "canary", 0.8, 0.3, 1)
	h.serve(t, 2, "canary", 0.8, 0.3, 1)

	rep, err = tn.RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePromoted, rep.Outcome, rep.Reason)
	assert.Equal(t, 1, rep.Attempts)

	active, err := h.store.Active(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active.Version)
	old, err := h.store.Get(h.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, accuracy.StatusRetired, old.Status)
}

func TestCandidateWorseThanControlIsNotPromoted(t *testing.T) {
	h := newHarness(t)
	tn := h.tuner(nil)
	c := h.enroll(t, accuracy.Weights{Semantic: 0.2, Keyword: 0.7, Recency: 0.1})

	h.shadow(t, 1, c.Version, 5, 0.2)
	h.serve(t, 1, "control", 0.8, 0.3, 1)
	h.serve(t, 1, "control", 0.8, 0.3, 1)
	h.serve(t, c.Version, "canary", 0.4, 0.9, -1)
	h.serve(t, c.Version, "canary", 0.4, 0.9, -1)

	rep, err := tn.RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaiting, rep.Outcome)
	assert.Equal(t, VerdictFail, rep.Decision.Verdict)

	tn.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	rep, err = tn.RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetired, rep.Outcome)

	got, err := h.store.Get(h.ctx, c.Version)
	require.NoError(t, err)
	assert.Equal(t, accuracy.StatusRetired, got.Status)
	active, err := h.store.Active(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
}

func TestEnrollsAdminDraft(t *testing.T) {
	h := newHarness(t)
	d, err := h.store.Create(h.ctx, 1, accuracy.Weights{Semantic: 0.5, Keyword: 0.5}, accuracy.DefaultThresholds())
	require.NoError(t, err)

	rep, err := h.tuner(nil).RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEnrolled, rep.Outcome)
	assert.Equal(t, d.Version, rep.Candidate)
	assert.Nil(t, rep.Proposal)
}

// #endregion lifecycle-tests

// #region cas-tests
func readyCandidate(t *testing.T, h *harness) accuracy.AccuracyConfig {
	c := h.enroll(t, accuracy.Weights{Semantic: 0.7, Keyword: 0.2, Recency: 0.1})
	h.shadow(t, 1, c.Version, 3, 0.1)
	h.serve(t, 1, "control", 0.8, 0.3, 1)
	h.serve(t, 1, "control", 0.8, 0.3, 1)
	h.serve(t, c.Version, "canary", 0.8, 0.3, 1)
	h.serve(t, c.Version, "canary", 0.8, 0.3, 1)
	return c
}

func TestPromoteRetriesAfterConflict(t *testing.T) {
	h := newHarness(t)
	c := readyCandidate(t, h)
	store := &conflictingStore{Store: h.store, conflicts: 1}

	rep, err := h.tuner(store).RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePromoted, rep.Outcome)
	assert.Equal(t, 2, rep.Attempts)

	active, err := h.store.Active(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, c.Version, active.Version)
}

func TestPromoteDefersAfterRepeatedConflicts(t *testing.T) {
	h := newHarness(t)
	c := readyCandidate(t, h)
	store := &conflictingStore{Store: h.store, conflicts: 100}

	rep, err := h.tuner(store).RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, rep.Outcome)
	assert.Equal(t, testConfig().MaxPromoteAttempts, rep.Attempts)

	active, err := h.store.Active(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
	got, err := h.store.Get(h.ctx, c.Version)
	require.NoError(t, err)
	assert.Equal(t, accuracy.StatusShadow, got.Status)
}

func TestVersionsOnlyGrow(t *testing.T) {
	h := newHarness(t)
	tn := h.tuner(nil)
	var last int64 = 1
	for round := 0; round < 3; round++ {
		active, err := h.store.Active(h.ctx)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			h.serve(t, active.Version, "control", 0.9, 0.2, 1)
			h.serve(t, active.Version, "control", 0.3, 0.9, -1)
		}
		rep, err := tn.RunCycle(h.ctx)
		require.NoError(t, err)
		require.Equal(t, OutcomeEnrolled, rep.Outcome)
		assert.Greater(t, rep.Candidate, last)
		last = rep.Candidate

		h.shadow(t, active.Version, rep.Candidate, 3, 0.1)
		h.serve(t, active.Version, "control", 0.8, 0.3, 1)
		h.serve(t, active.Version, "control", 0.8, 0.3, 1)
		h.serve(t, rep.Candidate, "canary", 0.8, 0.3, 1)
		h.serve(t, rep.Candidate, "canary", 0.8, 0.3, 1)
		rep, err = tn.RunCycle(h.ctx)
		require.NoError(t, err)
		require.Equal(t, OutcomePromoted, rep.Outcome, rep.Reason)
	}

	list, err := h.store.List(h.ctx, 10)
	require.NoError(t, err)
	active := 0
	for i, c := range list {
		if i > 0 {
			assert.Less(t, c.Version, list[i-1].Version)
		}
		if c.Status == accuracy.StatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

// passing feeds shadow and rating data that clears the gate for cand.
func (h *harness) passing(t *testing.T, control, cand int64) {
	h.shadow(t, control, cand, 3, 0.1)
	h.serve(t, control, "control", 0.8, 0.3, 1)
	h.serve(t, control, "control", 0.8, 0.3, 1)
	h.serve(t, cand, "canary", 0.8, 0.3, 1)
	h.serve(t, cand, "canary", 0.8, 0.3, 1)
}

func TestOlderDraftIsRetiredAfterPromotion(t *testing.T) {
	h := newHarness(t)
	tn := h.tuner(nil)
	older, err := h.store.Create(h.ctx, 1, accuracy.Weights{Semantic: 0.5, Keyword: 0.5}, accuracy.DefaultThresholds())
	require.NoError(t, err)
	newer, err := h.store.Create(h.ctx, 1, accuracy.Weights{Semantic: 0.7, Keyword: 0.2, Recency: 0.1}, accuracy.DefaultThresholds())
	require.NoError(t, err)

	rep, err := tn.RunCycle(h.ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeEnrolled, rep.Outcome)
	assert.Equal(t, newer.Version, rep.Candidate)

	h.passing(t, 1, newer.Version)
	rep, err = tn.RunCycle(h.ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomePromoted, rep.Outcome, rep.Reason)

	for i := 0; i < 4; i++ {
		rep, err = tn.RunCycle(h.ctx)
		require.NoError(t, err, "cycle %d", i)
		if rep.Candidate != 0 {
			assert.Greater(t, rep.Candidate, newer.Version)
		}
	}

	got, err := h.store.Get(h.ctx, older.Version)
	require.NoError(t, err)
	assert.Equal(t, accuracy.StatusRetired, got.Status)
	trs, err := h.store.Transitions(h.ctx, older.Version)
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, accuracy.StatusDraft, trs[0].From)
	assert.Equal(t, fmt.Sprintf("superseded by v%d", newer.Version), trs[0].Reason)

	active, err := h.store.Active(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.Version, active.Version)
}

func TestCandidateOlderThanActiveIsRetired(t *testing.T) {
	h := newHarness(t)
	older, err := h.store.Create(h.ctx, 1, accuracy.Weights{Semantic: 0.5, Keyword: 0.5}, accuracy.DefaultThresholds())
	require.NoError(t, err)
	newer, err := h.store.Create(h.ctx, 1, accuracy.Weights{Semantic: 0.7, Keyword: 0.3}, accuracy.DefaultThresholds())
	require.NoError(t, err)
	_, err = h.store.Transition(h.ctx, newer.Version, accuracy.StatusDraft, accuracy.StatusShadow, "test")
	require.NoError(t, err)
	_, err = h.store.Promote(h.ctx, newer.Version, 1, "test")
	require.NoError(t, err)
	_, err = h.store.Transition(h.ctx, older.Version, accuracy.StatusDraft, accuracy.StatusShadow, "test")
	require.NoError(t, err)
	h.passing(t, newer.Version, older.Version)

	tn := h.tuner(nil)
	preview, _, err := tn.Preview(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetired, preview.Outcome)

	rep, err := tn.RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetired, rep.Outcome)
	assert.Equal(t, fmt.Sprintf("superseded by v%d", newer.Version), rep.Reason)

	got, err := h.store.Get(h.ctx, older.Version)
	require.NoError(t, err)
	assert.Equal(t, accuracy.StatusRetired, got.Status)
	active, err := h.store.Active(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.Version, active.Version)

	_, err = tn.RunCycle(h.ctx)
	require.NoError(t, err)
}

func TestRejectedPromotionRetiresCandidate(t *testing.T) {
	h := newHarness(t)
	c := readyCandidate(t, h)

	rep, err := h.tuner(&rejectingStore{Store: h.store}).RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetired, rep.Outcome)
	assert.Contains(t, rep.Reason, "promotion rejected")

	got, err := h.store.Get(h.ctx, c.Version)
	require.NoError(t, err)
	assert.Equal(t, accuracy.StatusRetired, got.Status)
	active, err := h.store.Active(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version)
}

func TestConflictWithNewerActiveRetiresCandidate(t *testing.T) {
	h := newHarness(t)
	c := readyCandidate(t, h)

	rep, err := h.tuner(&advancingStore{Store: h.store}).RunCycle(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetired, rep.Outcome)
	assert.Equal(t, 2, rep.Attempts)
	assert.Equal(t, int64(50), rep.Active)
	assert.Equal(t, "superseded by v50", rep.Reason)

	got, err := h.store.Get(h.ctx, c.Version)
	require.NoError(t, err)
	assert.Equal(t, accuracy.StatusRetired, got.Status)
}

// #endregion cas-tests

// #region failure-tests
func TestUpstreamFailureSkipsCycle(t *testing.T) {
	h := newHarness(t)
	down := &downFeedback{}
	tn := New(h.store, down, h.logs, testConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tn.retry = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	_, err := tn.RunCycle(h.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, accuracy.ErrUpstreamUnavailable)
	assert.Equal(t, 3, down.calls, "bounded retries")

	list, err := h.store.List(h.ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestServiceRefreshAndTrigger(t *testing.T) {
	h := newHarness(t)
	c := h.enroll(t, accuracy.Weights{Semantic: 0.7, Keyword: 0.3})
	holder := accuracy.NewHolder(accuracy.AccuracyConfig{})
	svc := NewService(h.tuner(nil), holder)

	require.NoError(t, svc.Refresh(h.ctx))
	snap := holder.Load()
	assert.Equal(t, int64(1), snap.Active.Version)
	require.NotNil(t, snap.Candidate)
	assert.Equal(t, c.Version, snap.Candidate.Version)

	// Trigger never blocks, even with nobody draining.
	svc.Trigger()
	svc.Trigger()

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, ok := svc.LastReport()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rep, _ := svc.LastReport()
	assert.Equal(t, OutcomeWaiting, rep.Outcome)
}

// #endregion failure-tests

func TestPreviewDoesNotWrite(t *testing.T) {
	h := newHarness(t)
	tn := h.tuner(nil)
	for i := 0; i < 3; i++ {
		h.serve(t, 1, "control", 0.9, 0.2, 1)
		h.serve(t, 1, "control", 0.3, 0.9, -1)
	}

	rep, agg, err := tn.Preview(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProposed, rep.Outcome)
	require.NotNil(t, rep.Proposal)
	assert.Equal(t, 6, agg.Stats(1).N)

	list, err := h.store.List(h.ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1, "preview must not create drafts")

	c := h.enroll(t, accuracy.Weights{Semantic: 0.7, Keyword: 0.2, Recency: 0.1})
	h.shadow(t, 1, c.Version, 3, 0.1)
	h.serve(t, 1, "control", 0.8, 0.3, 1)
	h.serve(t, 1, "control", 0.8, 0.3, 1)
	h.serve(t, c.Version, "canary", 0.8, 0.3, 1)
	h.serve(t, c.Version, "canary", 0.8, 0.3, 1)

	rep, _, err = tn.Preview(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePromoted, rep.Outcome, rep.Reason)
	require.NotNil(t, rep.Decision)

	active, err := h.store.Active(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active.Version, "preview must not promote")
}
