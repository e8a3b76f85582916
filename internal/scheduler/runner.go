package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/advflow/internal/clock"
	"github.com/pitabwire/advflow/internal/observability"
)

// Handler runs a claimed job.
type Handler interface {
	HandleJob(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// HandleJob implements Handler.
func (f HandlerFunc) HandleJob(ctx context.Context, job Job) error { return f(ctx, job) }

// RunnerConfig tunes the polling loop.
type RunnerConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Runner polls a Queue and hands due jobs to a Handler. Failed jobs are
// rescheduled with linear backoff until MaxAttempts, then dropped.
type Runner struct {
	queue   Queue
	handler Handler
	cfg     RunnerConfig
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRunner creates a runner. Zero config values fall back to defaults
// (5s interval, batch 50, 5 attempts, 30s retry delay).
func NewRunner(queue Queue, handler Handler, cfg RunnerConfig, logger *zap.Logger, metrics *observability.Metrics) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{queue: queue, handler: handler, cfg: cfg, logger: logger, metrics: metrics}
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick claims and runs one batch of due jobs, returning how many ran.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	jobs, err := r.queue.Claim(ctx, clock.Now(), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		r.run(ctx, job)
	}
	return len(jobs), nil
}

func (r *Runner) run(ctx context.Context, job Job) {
	log := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_kind", string(job.Kind)),
		zap.String("target", job.Target.String()),
	)

	err := r.handler.HandleJob(ctx, job)
	if err == nil {
		r.metrics.RecordJobProcessed(string(job.Kind), "success")
		log.Info("job completed")
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	if job.Attempts >= r.cfg.MaxAttempts {
		r.metrics.RecordJobProcessed(string(job.Kind), "dropped")
		log.Error("job dropped after max attempts", zap.Int("attempts", job.Attempts), zap.Error(err))
		return
	}

	at := clock.Now().Add(time.Duration(job.Attempts) * r.cfg.RetryDelay)
	if _, serr := r.queue.ScheduleAt(ctx, at, job); serr != nil {
		r.metrics.RecordJobProcessed(string(job.Kind), "dropped")
		log.Error("job reschedule failed", zap.Error(serr), zap.NamedError("job_error", err))
		return
	}
	r.metrics.RecordJobProcessed(string(job.Kind), "retry")
	log.Warn("job failed, rescheduled", zap.Int("attempts", job.Attempts), zap.Time("run_at", at), zap.Error(err))
}
