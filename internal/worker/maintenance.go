package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/archive"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/queue"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
)

// Maintenance runs the periodic housekeeping the polling consumers cannot
// guarantee on their own: a promotion backstop for scheduled jobs when no
// consumer is dequeuing, reclaim of expired visibility leases, queue depth
// sampling, and dead-letter archival.
type Maintenance struct {
	queue        *queue.Queue
	archiver     *archive.Archiver
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	cron         *cron.Cron
	batch        int64
	archiveBatch int64
	ctx          context.Context
}

// NewMaintenance wires the housekeeping schedule. archiver may be nil when
// no archive bucket is configured.
func NewMaintenance(q *queue.Queue, archiver *archive.Archiver, logger *slog.Logger, metrics *telemetry.Metrics, batch, archiveBatch int64) *Maintenance {
	if batch <= 0 {
		batch = 100
	}
	if archiveBatch <= 0 {
		archiveBatch = batch
	}
	return &Maintenance{
		queue:        q,
		archiver:     archiver,
		logger:       logger,
		metrics:      metrics,
		cron:         cron.New(),
		batch:        batch,
		archiveBatch: archiveBatch,
	}
}

// Start registers the tick on the given cron spec and begins the schedule.
func (m *Maintenance) Start(ctx context.Context, spec string) error {
	m.ctx = ctx
	if _, err := m.cron.AddFunc(spec, m.tick); err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for a running tick to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintenance) tick() {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()
	now := time.Now().UTC()

	if _, err := m.queue.PromoteScheduled(ctx, now, m.batch); err != nil {
		m.logger.Error("promote scheduled failed", slog.Any("error", err))
	}

	reclaimed, err := m.queue.ReclaimExpired(ctx, now, m.batch)
	if err != nil {
		m.logger.Error("lease reclaim failed", slog.Any("error", err))
	} else if len(reclaimed) > 0 {
		m.metrics.JobsReclaimed.Add(float64(len(reclaimed)))
	}

	if depth, err := m.queue.QueueSize(ctx, ""); err == nil {
		m.metrics.QueueDepth.Set(float64(depth))
	}

	if m.archiver != nil {
		jobs, err := m.queue.DeadLetters(ctx, m.archiveBatch)
		if err != nil {
			m.logger.Error("dead-letter read failed", slog.Any("error", err))
			return
		}
		if n, err := m.archiver.Archive(ctx, jobs); err != nil {
			m.logger.Error("dead-letter archive failed", slog.Any("error", err))
		} else if n > 0 {
			m.logger.Info("archived dead-lettered jobs", slog.Int("count", n))
		}
	}
}
