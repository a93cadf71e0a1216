package shadow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/retrieval-accuracy/internal/accuracy"
)

// #region types
// Log persists finished shadow records.
type Log interface {
	AppendShadow(ctx context.Context, rec accuracy.ShadowTestRecord) error
}

// DispatcherConfig bounds the background shadow work.
type DispatcherConfig struct {
	Timeout       time.Duration // per job, covers both passes and the append
	MaxInFlight   int64
	RatePerSecond float64
	Burst         int
	AppendTries   uint
}

// DefaultDispatcherConfig returns conservative limits.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Timeout:       2 * time.Second,
		MaxInFlight:   32,
		RatePerSecond: 50,
		Burst:         10,
		AppendTries:   3,
	}
}

// Job is one shadow comparison request.
type Job struct {
	QueryID    string
	Query      accuracy.ProcessedQuery
	Candidates []accuracy.ChunkCandidate
	Control    accuracy.AccuracyConfig
	Candidate  accuracy.AccuracyConfig
}

// Stats counts job outcomes since the dispatcher was created.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Dropped   int64 `json:"dropped"`
	Recorded  int64 `json:"recorded"`
	Failed    int64 `json:"failed"`
}

// #endregion types

// #region dispatcher
// Dispatcher runs shadow jobs in the background. Submit never blocks: jobs
// over the rate limit or the in-flight bound are dropped. Each job gets its
// own timeout detached from the request context, and a job that fails or
// times out is logged and discarded.
type Dispatcher struct {
	runner  *Runner
	log     Log
	logger  *slog.Logger
	cfg     DispatcherConfig
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	submitted, dropped, recorded, failed atomic.Int64
}

// NewDispatcher creates a dispatcher writing records to log.
func NewDispatcher(runner *Runner, log Log, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.AppendTries == 0 {
		cfg.AppendTries = def.AppendTries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		runner:  runner,
		log:     log,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// Submit schedules job and reports whether it was accepted.
func (d *Dispatcher) Submit(job Job) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if !d.limiter.Allow() {
		d.drop(job, "rate_limited")
		return false
	}
	if !d.sem.TryAcquire(1) {
		d.drop(job, "saturated")
		return false
	}

	job.Candidates = append([]accuracy.ChunkCandidate(nil), job.Candidates...)
	d.submitted.Add(1)
	d.wg.Add(1)
	go d.run(job)
	return true
}

func (d *Dispatcher) drop(job Job, reason string) {
	d.dropped.Add(1)
	d.logger.Debug("shadow_dropped", "query_id", job.QueryID, "reason", reason)
}

func (d *Dispatcher) run(job Job) {
	defer d.wg.Done()
	defer d.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	rec, err := d.runner.Run(ctx, job.Query, job.Candidates, job.Control, job.Candidate)
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("shadow_run_failed", "query_id", job.QueryID, "error", err)
		return
	}
	rec.QueryID = job.QueryID

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.log.AppendShadow(ctx, rec)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(d.cfg.AppendTries))
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("shadow_record_discarded", "query_id", job.QueryID, "candidate_version", rec.CandidateConfigVersion, "error", err)
		return
	}
	d.recorded.Add(1)
	d.logger.Debug("shadow_recorded",
		"query_id", job.QueryID,
		"control_version", rec.ControlConfigVersion,
		"candidate_version", rec.CandidateConfigVersion,
		"divergence", rec.DivergenceScore,
	)
}

// Stats returns a snapshot of the outcome counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Submitted: d.submitted.Load(),
		Dropped:   d.dropped.Load(),
		Recorded:  d.recorded.Load(),
		Failed:    d.failed.Load(),
	}
}

// Close stops accepting jobs and waits for in-flight ones to finish. Every
// job is bounded by its own timeout, so Close returns within one Timeout.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// #endregion dispatcher
