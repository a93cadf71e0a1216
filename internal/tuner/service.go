package tuner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region service
// Service drives the tuner in the background and keeps the hot-path holder
// in step with the store. Only one cycle runs at a time per process.
type Service struct {
	tuner    *Tuner
	holder   *accuracy.Holder
	interval time.Duration
	trigger  chan struct{}

	mu   sync.Mutex
	last *Report
}

// NewService wires a tuner to the snapshot holder.
func NewService(t *Tuner, holder *accuracy.Holder) *Service {
	interval := t.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	return &Service{
		tuner:    t,
		holder:   holder,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger asks for an early cycle. It never blocks; nudges that arrive while
// one is already pending collapse into it.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		s.tuner.logger.Warn("tuner_refresh_failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		s.Tick(ctx)
	}
}

// Tick runs one cycle and republishes the snapshot.
func (s *Service) Tick(ctx context.Context) {
	rep, err := s.tuner.RunCycle(ctx)
	switch {
	case errors.Is(err, accuracy.ErrUpstreamUnavailable):
		s.tuner.logger.Warn("tuner_cycle_skipped", "error", err)
	case err != nil:
		s.tuner.logger.Error("tuner_cycle_failed", "error", err)
	default:
		s.mu.Lock()
		s.last = &rep
		s.mu.Unlock()
		s.tuner.logger.Debug("tuner_cycle",
			"outcome", string(rep.Outcome),
			"active_version", rep.Active,
			"candidate_version", rep.Candidate,
			"reason", rep.Reason,
		)
	}

	// Another instance may have promoted; always resync.
	if err := s.Refresh(ctx); err != nil {
		s.tuner.logger.Warn("tuner_refresh_failed", "error", err)
	}
}

// Refresh loads ACTIVE and SHADOW from the store and publishes them.
func (s *Service) Refresh(ctx context.Context) error {
	active, err := s.tuner.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("refresh active: %w", err)
	}
	cand, err := s.tuner.store.Candidate(ctx)
	if err != nil {
		return fmt.Errorf("refresh candidate: %w", err)
	}
	s.holder.Publish(active, cand)
	return nil
}

// LastReport returns the most recent successful cycle report.
func (s *Service) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// #endregion service
