package models

import (
	"time"
)

// Priority classes drained in strict order by the queue.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Priorities lists the classes in dequeue order.
var Priorities = []string{PriorityHigh, PriorityNormal, PriorityLow}

// Job lifecycle states persisted with the job body.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
	JobRetry      = "retry"
)

// Job is one unit of deferred work tracked by the queue. The body lives in
// the store adapter's KV namespace and is always written before the job id
// becomes visible in any list.
type Job struct {
	ID          string         `json:"id"`
	Queue       string         `json:"queue"`
	TaskName    string         `json:"task_name"`
	Payload     map[string]any `json:"payload"`
	Priority    string         `json:"priority"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	BaseDelay   time.Duration  `json:"base_delay"`
	LastError   string         `json:"last_error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// NextRetryDelay computes the backoff for the attempt that just failed:
// base × 2^(attempts-1). No jitter; callers needing smoothing layer it on.
func (j *Job) NextRetryDelay() time.Duration {
	if j.Attempts <= 1 {
		return j.BaseDelay
	}
	return j.BaseDelay << uint(j.Attempts-1)
}
