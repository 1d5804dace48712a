// Package workflow executes declarative step sequences against mutable run
// state. Runs are persisted after every state-affecting mutation so a crash
// mid-run resumes from the last saved step index and variable snapshot;
// lifecycle events are published best-effort and never fail a run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/queue"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
)

// TaskExecuteWorkflow is the queue task name that re-enters a deferred run.
const TaskExecuteWorkflow = "workflow.execute"

// Payload keys reserved on jobs that re-invoke the engine.
const (
	PayloadWorkflowID = "workflow_id"
	PayloadTenantID   = "tenant_id"
	PayloadRunID      = "run_id"
	PayloadInput      = "input"
)

var (
	// ErrWorkflowInactive rejects execution of a disabled definition.
	ErrWorkflowInactive = errors.New("workflow is not active")
	// ErrRunFinished rejects mutations of a terminal run.
	ErrRunFinished = errors.New("run already finished")
)

// DefinitionStore loads declarative workflow definitions.
type DefinitionStore interface {
	LoadWorkflow(ctx context.Context, id, tenantID string) (*models.WorkflowDefinition, error)
}

// RunStore persists run and step state. SaveRun must be an atomic upsert
// keyed by run id.
type RunStore interface {
	SaveRun(ctx context.Context, run *models.WorkflowRun) error
	LoadRun(ctx context.Context, id, tenantID string) (*models.WorkflowRun, error)
	SaveStep(ctx context.Context, step *models.WorkflowStep) error
}

// AgentExecutor performs the actual work of a step. The engine treats it as
// opaque: it does not inspect error kinds, and step retry (if any) is the
// executor's own business.
type AgentExecutor interface {
	Execute(ctx context.Context, agentID string, input map[string]any) (map[string]any, error)
}

// Publisher emits lifecycle events on named channels.
type Publisher interface {
	Publish(ctx context.Context, channel string, v any) error
}

// DefinitionCache is the TTL cache in front of the definition store.
// Definition edits become visible only after expiry.
type DefinitionCache interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Key(parts ...string) string
}

// Enqueuer defers long runs onto the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (string, error)
}

const eventChannel = "workflows:events"

func tenantChannel(tenantID string) string {
	return eventChannel + ":" + tenantID
}

// Options tune engine behavior.
type Options struct {
	StepTimeout time.Duration
	CacheTTL    time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
}

// Engine drives workflow runs. One engine serves many concurrent runs; step
// execution within a single run is strictly sequential.
type Engine struct {
	defs     DefinitionStore
	runs     RunStore
	executor AgentExecutor
	pub      Publisher
	cache    DefinitionCache
	jobs     Enqueuer
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	opts     Options
}

// New wires an engine. cache and jobs may be nil: without a cache every load
// hits the definition store; without an enqueuer deferral is unavailable and
// long-running definitions execute inline.
func New(defs DefinitionStore, runs RunStore, executor AgentExecutor, pub Publisher,
	cache DefinitionCache, jobs Enqueuer, logger *slog.Logger, metrics *telemetry.Metrics, opts Options,
) *Engine {
	if opts.StepTimeout == 0 {
		opts.StepTimeout = 60 * time.Second
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 2 * time.Second
	}
	return &Engine{
		defs:     defs,
		runs:     runs,
		executor: executor,
		pub:      pub,
		cache:    cache,
		jobs:     jobs,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
	}
}

// ExecuteWorkflow starts a run. Long-running definitions are deferred when
// requested: a pending run is persisted, a job carrying the re-entry payload
// is enqueued, and the pending run is returned immediately for the caller to
// poll or subscribe on.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID, tenantID string, input map[string]any, deferLong bool) (*models.WorkflowRun, error) {
	def, err := e.loadDefinition(ctx, workflowID, tenantID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowInactive)
	}

	if input == nil {
		input = map[string]any{}
	}
	variables := make(map[string]any, len(input))
	for k, v := range input {
		variables[k] = v
	}
	run := &models.WorkflowRun{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		WorkflowID: workflowID,
		Status:     models.RunPending,
		Variables:  variables,
		Input:      input,
		History:    []models.HistoryEntry{},
	}

	if def.IsLongRunning && deferLong && e.jobs != nil {
		if err := e.runs.SaveRun(ctx, run); err != nil {
			return nil, err
		}
		_, err := e.jobs.Enqueue(ctx, queue.EnqueueParams{
			TaskName: TaskExecuteWorkflow,
			Payload: map[string]any{
				PayloadWorkflowID: workflowID,
				PayloadTenantID:   tenantID,
				PayloadRunID:      run.ID,
				PayloadInput:      input,
			},
			Priority:   models.PriorityNormal,
			MaxRetries: e.opts.MaxRetries,
			BaseDelay:  e.opts.BaseDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("defer run %s: %w", run.ID, err)
		}
		return run, nil
	}

	if err := e.runSteps(ctx, run, def); err != nil {
		return nil, err
	}
	return run, nil
}

// ExecuteRun re-enters a previously created run; this is the worker-side
// entry point for deferred jobs. Re-entering a finished run is a no-op so
// job redelivery stays harmless.
func (e *Engine) ExecuteRun(ctx context.Context, runID, tenantID string) (*models.WorkflowRun, error) {
	run, err := e.runs.LoadRun(ctx, runID, tenantID)
	if err != nil {
		return nil, err
	}
	if run.Finished() {
		return run, nil
	}
	def, err := e.loadDefinition(ctx, run.WorkflowID, tenantID)
	if err != nil {
		return nil, err
	}
	if err := e.runSteps(ctx, run, def); err != nil {
		return nil, err
	}
	return run, nil
}

// CancelRun requests cancellation. A pending run is finalized immediately; a
// running one is marked and the engine honors it at the next step boundary.
func (e *Engine) CancelRun(ctx context.Context, runID, tenantID string) error {
	run, err := e.runs.LoadRun(ctx, runID, tenantID)
	if err != nil {
		return err
	}
	if run.Finished() {
		return fmt.Errorf("run %s: %w", runID, ErrRunFinished)
	}
	run.Status = models.RunCancelled
	if run.StartedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}
	run.History = append(run.History, models.HistoryEntry{
		Timestamp: time.Now().UTC(),
		Event:     "run.cancel_requested",
	})
	return e.runs.SaveRun(ctx, run)
}

// runSteps executes the definition from the run's current step index. Step
// errors become run state, not Go errors; only persistence failures surface
// to the caller.
func (e *Engine) runSteps(ctx context.Context, run *models.WorkflowRun, def *models.WorkflowDefinition) error {
	logger := e.logger.With(
		slog.String("tenant_id", run.TenantID),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("run_id", run.ID),
	)

	// Running is never skipped, even for zero-step definitions.
	if run.Status == models.RunPending {
		now := time.Now().UTC()
		run.Status = models.RunRunning
		run.StartedAt = &now
		run.History = append(run.History, models.HistoryEntry{Timestamp: now, Event: models.EventWorkflowStarted})
		if err := e.runs.SaveRun(ctx, run); err != nil {
			return err
		}
		e.metrics.RunsStarted.Inc()
		e.emit(ctx, run, models.EventWorkflowStarted, "", 0, nil)
	}

	for i := run.CurrentStep; i < len(def.Steps); i++ {
		if stopped, err := e.checkBoundary(ctx, run, logger); err != nil {
			return err
		} else if stopped {
			return nil
		}

		stepDef := def.Steps[i]
		resolved := ResolveInput(stepDef.Input, run.Variables)
		now := time.Now().UTC()
		step := &models.WorkflowStep{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			Index:     i,
			Name:      stepDef.Name,
			AgentID:   stepDef.AgentID,
			Status:    models.StepRunning,
			Input:     resolved,
			StartedAt: &now,
		}
		if err := e.runs.SaveStep(ctx, step); err != nil {
			return err
		}
		run.History = append(run.History, models.HistoryEntry{
			Timestamp: now, Event: models.EventStepStarted, Detail: stepDef.Name,
		})
		e.emit(ctx, run, models.EventStepStarted, stepDef.Name, i, nil)

		output, stepErr := e.executeStep(ctx, stepDef, resolved)
		e.metrics.StepsExecuted.Inc()
		done := time.Now().UTC()
		step.CompletedAt = &done

		if stepErr != nil {
			step.Status = models.StepFailed
			step.Error = stepErr.Error()
			if err := e.runs.SaveStep(ctx, step); err != nil {
				return err
			}
			run.History = append(run.History, models.HistoryEntry{
				Timestamp: done, Event: models.EventStepFailed, Detail: stepErr.Error(),
			})
			e.emit(ctx, run, models.EventStepFailed, stepDef.Name, i, map[string]any{"error": stepErr.Error()})
			return e.failRun(ctx, run, fmt.Sprintf("step %q failed: %v", stepDef.Name, stepErr))
		}

		step.Status = models.StepCompleted
		step.Output = output
		if err := e.runs.SaveStep(ctx, step); err != nil {
			return err
		}
		for varName, path := range stepDef.Outputs {
			value, _ := LookupPath(output, path)
			run.Variables[varName] = value
		}
		run.History = append(run.History, models.HistoryEntry{
			Timestamp: done, Event: models.EventStepCompleted, Detail: stepDef.Name,
		})
		run.CurrentStep = i + 1
		// Re-check before persisting progress: a cancel written while the
		// step ran must not be overwritten by the progress save.
		if stopped, err := e.checkBoundary(ctx, run, logger); err != nil {
			return err
		} else if stopped {
			return nil
		}
		if err := e.runs.SaveRun(ctx, run); err != nil {
			return err
		}
		e.emit(ctx, run, models.EventStepCompleted, stepDef.Name, i, nil)
		logger.Info("step completed", slog.String("step", stepDef.Name), slog.Int("index", i))
	}

	now := time.Now().UTC()
	run.Status = models.RunCompleted
	run.Output = run.Variables
	run.CompletedAt = &now
	run.History = append(run.History, models.HistoryEntry{Timestamp: now, Event: models.EventWorkflowCompleted})
	if err := e.runs.SaveRun(ctx, run); err != nil {
		return err
	}
	e.metrics.RunsCompleted.Inc()
	e.emit(ctx, run, models.EventWorkflowCompleted, "", 0, map[string]any{"duration_ms": run.Duration().Milliseconds()})
	logger.Info("run completed", slog.Duration("duration", run.Duration()))
	return nil
}

// checkBoundary reloads persisted status so external cancellation or pausing
// takes effect between steps. Mid-step cancellation is intentionally not
// supported.
func (e *Engine) checkBoundary(ctx context.Context, run *models.WorkflowRun, logger *slog.Logger) (bool, error) {
	fresh, err := e.runs.LoadRun(ctx, run.ID, run.TenantID)
	if err != nil {
		return false, err
	}
	switch fresh.Status {
	case models.RunCancelled:
		now := time.Now().UTC()
		run.Status = models.RunCancelled
		run.CompletedAt = &now
		run.History = append(run.History, models.HistoryEntry{Timestamp: now, Event: "run.cancelled"})
		if err := e.runs.SaveRun(ctx, run); err != nil {
			return false, err
		}
		logger.Info("run cancelled at step boundary", slog.Int("step", run.CurrentStep))
		return true, nil
	case models.RunPaused:
		run.Status = models.RunPaused
		if err := e.runs.SaveRun(ctx, run); err != nil {
			return false, err
		}
		logger.Info("run paused at step boundary", slog.Int("step", run.CurrentStep))
		return true, nil
	default:
		return false, nil
	}
}

// executeStep invokes the agent executor under the per-step timeout.
func (e *Engine) executeStep(ctx context.Context, stepDef models.StepDef, input map[string]any) (map[string]any, error) {
	timeout := stepDef.Timeout
	if timeout <= 0 {
		timeout = e.opts.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.executor.Execute(stepCtx, stepDef.AgentID, input)
}

func (e *Engine) failRun(ctx context.Context, run *models.WorkflowRun, msg string) error {
	now := time.Now().UTC()
	run.Status = models.RunFailed
	run.Error = msg
	run.CompletedAt = &now
	run.History = append(run.History, models.HistoryEntry{Timestamp: now, Event: models.EventWorkflowFailed, Detail: msg})
	if err := e.runs.SaveRun(ctx, run); err != nil {
		return err
	}
	e.metrics.RunsFailed.Inc()
	e.emit(ctx, run, models.EventWorkflowFailed, "", run.CurrentStep, map[string]any{"error": msg})
	return nil
}

// emit publishes on the global and tenant channels. At-most-once: failures
// are logged and swallowed, never escalated to the run.
func (e *Engine) emit(ctx context.Context, run *models.WorkflowRun, eventType, stepName string, stepIndex int, payload map[string]any) {
	event := models.Event{
		Type:       eventType,
		TenantID:   run.TenantID,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		StepName:   stepName,
		StepIndex:  stepIndex,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
	}
	for _, channel := range []string{eventChannel, tenantChannel(run.TenantID)} {
		if err := e.pub.Publish(ctx, channel, event); err != nil {
			e.logger.Warn("event publish failed",
				slog.String("channel", channel),
				slog.String("event", eventType),
				slog.String("run_id", run.ID),
				slog.Any("error", err))
		}
	}
}

// loadDefinition reads through the TTL cache when one is configured.
func (e *Engine) loadDefinition(ctx context.Context, workflowID, tenantID string) (*models.WorkflowDefinition, error) {
	if e.cache == nil {
		return e.defs.LoadWorkflow(ctx, workflowID, tenantID)
	}
	key := e.cache.Key("wfdef", tenantID, workflowID)
	var cached models.WorkflowDefinition
	found, err := e.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		e.logger.Warn("definition cache read failed", slog.String("workflow_id", workflowID), slog.Any("error", err))
	} else if found {
		return &cached, nil
	}

	def, err := e.defs.LoadWorkflow(ctx, workflowID, tenantID)
	if err != nil {
		return nil, err
	}
	if err := e.cache.SetJSON(ctx, key, def, e.opts.CacheTTL); err != nil {
		e.logger.Warn("definition cache write failed", slog.String("workflow_id", workflowID), slog.Any("error", err))
	}
	return def, nil
}
