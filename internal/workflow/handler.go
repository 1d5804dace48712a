package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
)

// JobHandler adapts the engine to the worker pool's handler signature so
// deferred runs can be re-entered from the queue. A malformed payload is a
// permanent error; the pool's retry policy covers the transient ones.
func JobHandler(e *Engine) func(ctx context.Context, job *models.Job) (map[string]any, error) {
	return func(ctx context.Context, job *models.Job) (map[string]any, error) {
		tenantID, _ := job.Payload[PayloadTenantID].(string)
		if tenantID == "" {
			return nil, errors.New("job payload missing tenant_id")
		}

		var (
			run *models.WorkflowRun
			err error
		)
		if runID, _ := job.Payload[PayloadRunID].(string); runID != "" {
			run, err = e.ExecuteRun(ctx, runID, tenantID)
		} else if workflowID, _ := job.Payload[PayloadWorkflowID].(string); workflowID != "" {
			input, _ := job.Payload[PayloadInput].(map[string]any)
			run, err = e.ExecuteWorkflow(ctx, workflowID, tenantID, input, false)
		} else {
			return nil, errors.New("job payload missing run_id and workflow_id")
		}
		if err != nil {
			return nil, fmt.Errorf("execute workflow job: %w", err)
		}

		// A failed run is recorded run state, not a job failure; retrying
		// the job would not re-run completed steps.
		return map[string]any{
			"run_id": run.ID,
			"status": run.Status,
		}, nil
	}
}
