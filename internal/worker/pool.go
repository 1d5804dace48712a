// Package worker drains the job queue under a concurrency cap and dispatches
// to registered task handlers. Handler failures become queue-level retry or
// dead-letter bookkeeping; they never crash the pool.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
)

// Handler executes one job and returns its result payload.
type Handler func(ctx context.Context, job *models.Job) (map[string]any, error)

// JobQueue is the slice of the queue the pool depends on.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error)
	Complete(ctx context.Context, jobID string, result map[string]any) error
	Fail(ctx context.Context, jobID string, jobErr string, retry bool) error
	ExtendLease(ctx context.Context, jobID string) (bool, error)
	QueueSize(ctx context.Context, priority string) (int64, error)
}

// Options tune the pool; zero values fall back to defaults.
// HeartbeatInterval must stay well under the queue's visibility timeout so a
// slow handler keeps its lease alive instead of being redelivered mid-flight.
type Options struct {
	Concurrency       int64
	PollInterval      time.Duration
	DequeueTimeout    time.Duration
	ShutdownGrace     time.Duration
	HeartbeatInterval time.Duration
}

// Pool supervises a bounded set of concurrent job executors.
type Pool struct {
	queue    JobQueue
	handlers map[string]Handler
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	sem      *semaphore.Weighted
	opts     Options
}

// NewPool constructs a pool over the given queue.
func NewPool(q JobQueue, logger *slog.Logger, metrics *telemetry.Metrics, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 25 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	return &Pool{
		queue:    q,
		handlers: make(map[string]Handler),
		logger:   logger,
		metrics:  metrics,
		sem:      semaphore.NewWeighted(opts.Concurrency),
		opts:     opts,
	}
}

// RegisterHandler binds a handler to a task name.
func (p *Pool) RegisterHandler(taskName string, handler Handler) {
	if taskName == "" || handler == nil {
		return
	}
	p.handlers[taskName] = handler
}

// Run polls the queue until ctx is cancelled, then waits up to the grace
// period for in-flight handlers before force-cancelling stragglers.
// Abandoned jobs stay leased until maintenance reclaims them.
func (p *Pool) Run(ctx context.Context) error {
	// Handlers outlive the dequeue loop so shutdown can drain them.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}

		job, err := p.queue.Dequeue(ctx, p.opts.DequeueTimeout)
		if err != nil {
			p.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("dequeue failed", slog.Any("error", err))
			if !sleep(ctx, p.opts.PollInterval) {
				break
			}
			continue
		}
		if job == nil {
			p.sem.Release(1)
			if !sleep(ctx, p.opts.PollInterval) {
				break
			}
			continue
		}

		p.metrics.JobsInFlight.Inc()
		go func(job *models.Job) {
			defer p.sem.Release(1)
			defer p.metrics.JobsInFlight.Dec()
			p.dispatch(jobCtx, job)
		}(job)
	}

	if !p.drain(p.opts.ShutdownGrace) {
		p.logger.Warn("shutdown grace elapsed, force-cancelling in-flight handlers")
		cancelJobs()
		p.drain(time.Second)
	}
	return ctx.Err()
}

// drain waits for every slot to come back, bounded by timeout.
func (p *Pool) drain(timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, p.opts.Concurrency); err != nil {
		return false
	}
	p.sem.Release(p.opts.Concurrency)
	return true
}

// dispatch runs one job to completion or failure. An unknown task name is
// fatal for that job only and skips the retry budget entirely.
func (p *Pool) dispatch(ctx context.Context, job *models.Job) {
	logger := p.logger.With(slog.String("job_id", job.ID), slog.String("task", job.TaskName))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.keepLeaseAlive(hbCtx, logger, job.ID)

	handler, ok := p.handlers[job.TaskName]
	if !ok {
		logger.Error("no handler registered for task")
		p.report(ctx, logger, func(ctx context.Context) error {
			return p.queue.Fail(ctx, job.ID, fmt.Sprintf("no handler registered for task %q", job.TaskName), false)
		})
		p.metrics.JobsDeadLetter.Inc()
		return
	}

	result, err := handler(ctx, job)
	if err != nil {
		logger.Warn("handler failed", slog.Int("attempt", job.Attempts), slog.Any("error", err))
		p.report(ctx, logger, func(ctx context.Context) error {
			return p.queue.Fail(ctx, job.ID, err.Error(), true)
		})
		if job.Attempts < job.MaxRetries {
			p.metrics.JobsRetried.Inc()
		} else {
			p.metrics.JobsDeadLetter.Inc()
		}
		return
	}

	p.report(ctx, logger, func(ctx context.Context) error {
		return p.queue.Complete(ctx, job.ID, result)
	})
	p.metrics.JobsCompleted.Inc()
	logger.Info("job completed", slog.Int("attempt", job.Attempts))
}

// keepLeaseAlive heartbeats the visibility lease while a handler runs, so a
// job that legitimately outlives one lease period is not reclaimed and
// handed to a second worker mid-flight.
func (p *Pool) keepLeaseAlive(ctx context.Context, logger *slog.Logger, jobID string) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := p.queue.ExtendLease(ctx, jobID)
			if err != nil {
				logger.Warn("lease extension failed", slog.Any("error", err))
				continue
			}
			if !held {
				// Already reclaimed; the redelivered copy owns the lease.
				return
			}
		}
	}
}

// report retries completion/failure bookkeeping against transient store
// errors. If all attempts fail the job stays processing until its lease
// expires and maintenance requeues it.
func (p *Pool) report(ctx context.Context, logger *slog.Logger, fn func(ctx context.Context) error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(ctx); err == nil {
			return
		}
		if !sleep(ctx, time.Duration(attempt+1)*200*time.Millisecond) {
			break
		}
	}
	logger.Error("reporting job outcome failed, awaiting lease reclaim", slog.Any("error", err))
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
