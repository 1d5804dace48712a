package models

import (
	"time"
)

// Run lifecycle states. Paused is reachable from running and resumable;
// the engine only transitions out of it at step boundaries.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
	RunPaused    = "paused"
)

// Step lifecycle states.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// StepDef is one ordered unit inside a workflow definition. Input values are
// either literals or "$variable" references resolved against the run's
// variable mapping; Outputs maps variable names to dotted paths into the
// agent result.
type StepDef struct {
	Name    string            `json:"name"`
	AgentID string            `json:"agent_id"`
	Input   map[string]any    `json:"input,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// WorkflowDefinition is the declarative step list loaded from the relational
// store, cache-through Redis with a TTL.
type WorkflowDefinition struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	Steps         []StepDef `json:"steps"`
	IsLongRunning bool      `json:"is_long_running"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HistoryEntry is one timestamped line in a run's ordered event log.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// WorkflowRun is one execution instance of a definition. Persisted after
// every state-affecting mutation so a crash mid-run resumes from the last
// saved step index and variable snapshot.
type WorkflowRun struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      string         `json:"status"`
	CurrentStep int            `json:"current_step"`
	Variables   map[string]any `json:"variables"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	History     []HistoryEntry `json:"history"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Duration is the wall-clock execution time, zero until both ends are set.
func (r *WorkflowRun) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// Finished reports whether the run reached a terminal status.
func (r *WorkflowRun) Finished() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// WorkflowStep is the execution record of one step within a run. Immutable
// once the run moves past it except for terminal status and output.
type WorkflowStep struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Index       int            `json:"index"`
	Name        string         `json:"name"`
	AgentID     string         `json:"agent_id"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Workflow lifecycle event types published on the global and tenant channels.
const (
	EventWorkflowStarted   = "workflow.started"
	EventStepStarted       = "step.started"
	EventStepCompleted     = "step.completed"
	EventStepFailed        = "step.failed"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
)

// Event is the wire form of a workflow lifecycle notification.
type Event struct {
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	StepName   string         `json:"step_name,omitempty"`
	StepIndex  int            `json:"step_index,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
}
