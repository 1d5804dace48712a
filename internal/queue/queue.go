// Package queue implements the durable priority job queue: three ready lists
// drained in strict {high, normal, low} order, a time-ordered scheduled set,
// a visibility-lease set for in-flight jobs, and a bounded dead-letter list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/redisstore"
)

// ErrJobNotFound is returned when a job body is missing from the store.
var ErrJobNotFound = errors.New("job not found")

const pollInterval = 100 * time.Millisecond

// Queue coordinates job state through the store adapter. The store is the
// single source of truth: no job state is trusted across a dequeue boundary.
type Queue struct {
	store      *redisstore.Store
	name       string
	logger     *slog.Logger
	visibility time.Duration
	dlqCap     int64
	schedBatch int64
}

// Options tune a queue instance; zero values fall back to defaults.
type Options struct {
	Name              string
	VisibilityTimeout time.Duration
	DeadLetterCap     int64
	ScheduledBatch    int64
}

// New constructs a queue over the given store adapter.
func New(store *redisstore.Store, logger *slog.Logger, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.DeadLetterCap == 0 {
		opts.DeadLetterCap = 1000
	}
	if opts.ScheduledBatch == 0 {
		opts.ScheduledBatch = 100
	}
	return &Queue{
		store:      store,
		name:       opts.Name,
		logger:     logger.With(slog.String("queue", opts.Name)),
		visibility: opts.VisibilityTimeout,
		dlqCap:     opts.DeadLetterCap,
		schedBatch: opts.ScheduledBatch,
	}
}

func (q *Queue) readyKey(priority string) string {
	return q.store.Key("ready", q.name, priority)
}

func (q *Queue) readyKeys() []string {
	keys := make([]string, 0, len(models.Priorities))
	for _, p := range models.Priorities {
		keys = append(keys, q.readyKey(p))
	}
	return keys
}

func (q *Queue) scheduledKey() string { return q.store.Key("scheduled", q.name) }
func (q *Queue) leaseKey() string     { return q.store.Key("lease", q.name) }
func (q *Queue) dlqKey() string       { return q.store.Key("dlq", q.name) }
func (q *Queue) jobKey(id string) string {
	return q.store.Key("job", id)
}

// EnqueueParams collects inputs for a new job.
type EnqueueParams struct {
	TaskName    string
	Payload     map[string]any
	Priority    string
	ScheduledAt *time.Time
	MaxRetries  int
	BaseDelay   time.Duration
	Metadata    map[string]any
}

// Enqueue durably writes the job body before making the id visible in either
// the scheduled set or the ready list for its priority class.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if p.TaskName == "" {
		return "", errors.New("task name is required")
	}
	if p.Priority == "" {
		p.Priority = models.PriorityNormal
	}
	if !validPriority(p.Priority) {
		return "", fmt.Errorf("unknown priority %q", p.Priority)
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 2 * time.Second
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New().String(),
		Queue:      q.name,
		TaskName:   p.TaskName,
		Payload:    p.Payload,
		Priority:   p.Priority,
		Status:     models.JobPending,
		CreatedAt:  now,
		MaxRetries: p.MaxRetries,
		BaseDelay:  p.BaseDelay,
		Metadata:   p.Metadata,
	}

	deferred := p.ScheduledAt != nil && p.ScheduledAt.After(now)
	if deferred {
		at := p.ScheduledAt.UTC()
		job.ScheduledAt = &at
	}

	if err := q.saveJob(ctx, job); err != nil {
		return "", err
	}
	if deferred {
		if err := q.store.ZAdd(ctx, q.scheduledKey(), job.ID, *job.ScheduledAt); err != nil {
			return "", fmt.Errorf("schedule job: %w", err)
		}
	} else {
		if err := q.store.Push(ctx, q.readyKey(job.Priority), job.ID); err != nil {
			return "", fmt.Errorf("enqueue job: %w", err)
		}
	}
	return job.ID, nil
}

// Dequeue promotes due scheduled jobs, then pops the ready lists in strict
// priority order, polling until timeout. The popped job is marked processing
// with its attempt count incremented and durably written before return.
// Returns (nil, nil) when nothing arrived within the timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		if _, err := q.PromoteScheduled(ctx, now, q.schedBatch); err != nil {
			return nil, err
		}

		id, err := q.store.PopFirstWithLease(ctx, q.readyKeys(), q.leaseKey(), now.Add(q.visibility))
		if err != nil {
			return nil, err
		}
		if id != "" {
			job, err := q.claim(ctx, id, now)
			if err != nil {
				return nil, err
			}
			if job != nil {
				return job, nil
			}
			// Popped id was cancelled or orphaned; keep draining.
			continue
		}

		if !time.Now().Add(pollInterval).Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// claim transitions a popped id to processing. Returns (nil, nil) when the
// job should be skipped rather than handed to a worker.
func (q *Queue) claim(ctx context.Context, id string, now time.Time) (*models.Job, error) {
	job, err := q.loadJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		q.logger.Warn("popped job id with no body", slog.String("job_id", id))
		_, _ = q.store.ZRem(ctx, q.leaseKey(), id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobCancelled {
		_, _ = q.store.ZRem(ctx, q.leaseKey(), id)
		return nil, nil
	}

	started := now
	job.Status = models.JobProcessing
	job.Attempts++
	job.StartedAt = &started
	if err := q.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete records the result, marks the job completed, and releases its lease.
func (q *Queue) Complete(ctx context.Context, jobID string, result map[string]any) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Status = models.JobCompleted
	job.Result = result
	job.CompletedAt = &now
	job.LastError = ""
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	_, err = q.store.ZRem(ctx, q.leaseKey(), jobID)
	return err
}

// Fail routes a processing job to retry or the dead-letter list. With
// retry=true and attempts below the budget the job is rescheduled at
// now + base × 2^(attempts-1); otherwise it is dead-lettered and the list is
// trimmed to its cap, silently dropping the oldest entries.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr string, retry bool) error {
	job, err := q.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.LastError = jobErr

	if retry && job.Attempts < job.MaxRetries {
		at := time.Now().UTC().Add(job.NextRetryDelay())
		job.Status = models.JobRetry
		job.ScheduledAt = &at
		if err := q.saveJob(ctx, job); err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, q.scheduledKey(), job.ID, at); err != nil {
			return fmt.Errorf("reschedule job: %w", err)
		}
		_, err = q.store.ZRem(ctx, q.leaseKey(), jobID)
		return err
	}

	now := time.Now().UTC()
	job.Status = models.JobFailed
	job.CompletedAt = &now
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.store.Push(ctx, q.dlqKey(), job.ID); err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	if err := q.store.ListTrim(ctx, q.dlqKey(), -q.dlqCap, -1); err != nil {
		return fmt.Errorf("trim dead-letter list: %w", err)
	}
	_, err = q.store.ZRem(ctx, q.leaseKey(), jobID)
	return err
}

// Cancel removes a pending or retry job from whichever list holds it.
// Returns false when the job was already dequeued or finished.
func (q *Queue) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := q.loadJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.Status != models.JobPending && job.Status != models.JobRetry {
		return false, nil
	}

	removed := false
	if n, err := q.store.Remove(ctx, q.readyKey(job.Priority), jobID); err != nil {
		return false, err
	} else if n > 0 {
		removed = true
	}
	if !removed {
		ok, err := q.store.ZRem(ctx, q.scheduledKey(), jobID)
		if err != nil {
			return false, err
		}
		removed = ok
	}
	if !removed {
		// Lost the race with a consumer.
		return false, nil
	}

	job.Status = models.JobCancelled
	if err := q.saveJob(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// PromoteScheduled moves due scheduled jobs into their priority lists. Safe
// to run from every consumer; the zset-to-list move is atomic per member so
// concurrent promoters cannot double-deliver.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.store.ZDueMembers(ctx, q.scheduledKey(), now, limit)
	if err != nil {
		return 0, fmt.Errorf("scan scheduled set: %w", err)
	}
	promoted := 0
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			_, _ = q.store.ZRem(ctx, q.scheduledKey(), id)
			continue
		}
		if err != nil {
			return promoted, err
		}
		if job.Status != models.JobPending && job.Status != models.JobRetry {
			_, _ = q.store.ZRem(ctx, q.scheduledKey(), id)
			continue
		}

		job.Status = models.JobPending
		if err := q.saveJob(ctx, job); err != nil {
			return promoted, err
		}
		moved, err := q.store.ZMoveToList(ctx, q.scheduledKey(), id, q.readyKey(job.Priority))
		if err != nil {
			return promoted, err
		}
		if moved {
			promoted++
		}
	}
	return promoted, nil
}

// ExtendLease pushes a processing job's visibility deadline out by one
// lease period. Returns false when the lease no longer exists: the job was
// already reclaimed and the redelivered copy owns it now.
func (q *Queue) ExtendLease(ctx context.Context, jobID string) (bool, error) {
	return q.store.ZAddIfPresent(ctx, q.leaseKey(), jobID, time.Now().UTC().Add(q.visibility))
}

// ReclaimExpired requeues jobs whose visibility lease lapsed, covering
// workers that crashed between dequeue and completion.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.store.ZDueMembers(ctx, q.leaseKey(), now, limit)
	if err != nil {
		return nil, fmt.Errorf("scan lease set: %w", err)
	}
	var reclaimed []string
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			_, _ = q.store.ZRem(ctx, q.leaseKey(), id)
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		if job.Status != models.JobProcessing {
			_, _ = q.store.ZRem(ctx, q.leaseKey(), id)
			continue
		}
		moved, err := q.store.ZMoveToList(ctx, q.leaseKey(), id, q.readyKey(job.Priority))
		if err != nil {
			return reclaimed, err
		}
		if !moved {
			continue
		}
		job.Status = models.JobPending
		if err := q.saveJob(ctx, job); err != nil {
			return reclaimed, err
		}
		q.logger.Warn("reclaimed expired lease", slog.String("job_id", id), slog.Int("attempts", job.Attempts))
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

// QueueSize returns the depth of one priority list, or all of them when
// priority is empty.
func (q *Queue) QueueSize(ctx context.Context, priority string) (int64, error) {
	if priority != "" {
		if !validPriority(priority) {
			return 0, fmt.Errorf("unknown priority %q", priority)
		}
		return q.store.ListLen(ctx, q.readyKey(priority))
	}
	var total int64
	for _, p := range models.Priorities {
		n, err := q.store.ListLen(ctx, q.readyKey(p))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ScheduledCount returns how many jobs are waiting in the scheduled set.
func (q *Queue) ScheduledCount(ctx context.Context) (int64, error) {
	return q.store.ZCard(ctx, q.scheduledKey())
}

// DeadLetters loads up to n jobs from the dead-letter list, newest last.
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]*models.Job, error) {
	ids, err := q.store.ListRange(ctx, q.dlqKey(), -n, -1)
	if err != nil {
		return nil, fmt.Errorf("read dead-letter list: %w", err)
	}
	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Job fetches a job body by id.
func (q *Queue) Job(ctx context.Context, id string) (*models.Job, error) {
	return q.loadJob(ctx, id)
}

func (q *Queue) saveJob(ctx context.Context, job *models.Job) error {
	if err := q.store.SetJSON(ctx, q.jobKey(job.ID), job, 0); err != nil {
		return fmt.Errorf("write job body: %w", err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	found, err := q.store.GetJSON(ctx, q.jobKey(id), &job)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return &job, nil
}

func validPriority(p string) bool {
	for _, known := range models.Priorities {
		if p == known {
			return true
		}
	}
	return false
}
