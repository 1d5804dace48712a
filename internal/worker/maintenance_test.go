package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/archive"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/queue"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
)

type memPutter struct {
	keys []string
}

func (m *memPutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.keys = append(m.keys, *in.Key)
	return &s3.PutObjectOutput{}, nil
}

func newTestMaintenance(t *testing.T, q *queue.Queue, a *archive.Archiver) *Maintenance {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMaintenance(q, a, logger, telemetry.New(), 100, 50)
	require.NoError(t, m.Start(context.Background(), "@every 1h"))
	t.Cleanup(m.Stop)
	return m
}

func TestMaintenanceReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	q := newTestPoolQueue(t, queue.Options{VisibilityTimeout: 200 * time.Millisecond})
	m := newTestMaintenance(t, q, nil)

	id, err := q.Enqueue(ctx, queue.EnqueueParams{TaskName: "t"})
	require.NoError(t, err)

	// Dequeue takes the lease; the consumer then disappears.
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 1, job.Attempts)

	// Lease not expired yet: nothing to reclaim.
	m.tick()
	got, err := q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)

	time.Sleep(250 * time.Millisecond)
	m.tick()

	got, err = q.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)

	// The job is deliverable again and counts a second attempt.
	job, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestMaintenancePromotesScheduledWithoutConsumers(t *testing.T) {
	ctx := context.Background()
	q := newTestPoolQueue(t, queue.Options{})
	m := newTestMaintenance(t, q, nil)

	at := time.Now().Add(10 * time.Millisecond)
	_, err := q.Enqueue(ctx, queue.EnqueueParams{TaskName: "t", ScheduledAt: &at})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	m.tick()

	ready, err := q.QueueSize(ctx, models.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)

	scheduled, err := q.ScheduledCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), scheduled)
}

func TestMaintenanceArchivesDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestPoolQueue(t, queue.Options{})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	putter := &memPutter{}
	m := newTestMaintenance(t, q, archive.NewWithClient(putter, "dlq-archive", "", logger))

	id, err := q.Enqueue(ctx, queue.EnqueueParams{TaskName: "t"})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Fail(ctx, id, "boom", false))

	m.tick()
	require.Len(t, putter.keys, 1)
	assert.Contains(t, putter.keys[0], id)

	// Already-exported jobs are not re-uploaded.
	m.tick()
	assert.Len(t, putter.keys, 1)
}
