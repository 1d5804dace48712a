package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
)

// LoadWorkflow fetches a definition scoped to a tenant.
func (s *Store) LoadWorkflow(ctx context.Context, id, tenantID string) (*models.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, steps, is_long_running, is_active, created_at, updated_at
		FROM workflow_definitions WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	var def models.WorkflowDefinition
	var stepsJSON []byte
	err := row.Scan(&def.ID, &def.TenantID, &def.Name, &stepsJSON, &def.IsLongRunning, &def.IsActive, &def.CreatedAt, &def.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &def, nil
}

// SaveWorkflow upserts a definition. Used by seeding and operational tooling;
// definition authoring itself lives outside this core.
func (s *Store) SaveWorkflow(ctx context.Context, def *models.WorkflowDefinition) error {
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (id, tenant_id, name, steps, is_long_running, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			steps = EXCLUDED.steps,
			is_long_running = EXCLUDED.is_long_running,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`, def.ID, def.TenantID, def.Name, stepsJSON, def.IsLongRunning, def.IsActive, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// SaveRun writes the full run state as one atomic upsert keyed by run id.
// Re-running the same mutation after a crash produces the same row.
func (s *Store) SaveRun(ctx context.Context, run *models.WorkflowRun) error {
	variables, err := json.Marshal(run.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	output, err := json.Marshal(run.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	history, err := json.Marshal(run.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (id, tenant_id, workflow_id, status, current_step, variables, input, output, history, last_error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			variables = EXCLUDED.variables,
			output = EXCLUDED.output,
			history = EXCLUDED.history,
			last_error = EXCLUDED.last_error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, run.ID, run.TenantID, run.WorkflowID, run.Status, run.CurrentStep, variables, input, output, history,
		emptyToNil(run.Error), run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// LoadRun fetches a run scoped to a tenant.
func (s *Store) LoadRun(ctx context.Context, id, tenantID string) (*models.WorkflowRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, workflow_id, status, current_step, variables, input, output, history, last_error, started_at, completed_at
		FROM workflow_runs WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)

	var run models.WorkflowRun
	var variables, input, output, history []byte
	var lastErr pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz
	err := row.Scan(&run.ID, &run.TenantID, &run.WorkflowID, &run.Status, &run.CurrentStep,
		&variables, &input, &output, &history, &lastErr, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal(variables, &run.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if err := json.Unmarshal(input, &run.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := json.Unmarshal(output, &run.Output); err != nil {
		return nil, fmt.Errorf("unmarshal output: %w", err)
	}
	if err := json.Unmarshal(history, &run.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if lastErr.Valid {
		run.Error = lastErr.String
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// SaveStep upserts a step execution record. The arbiter is (run_id,
// step_index), not the step id: when a crashed worker's job is redelivered
// the engine mints a fresh id for the same index, and the new row must
// replace the orphaned running one instead of violating the index's
// uniqueness.
func (s *Store) SaveStep(ctx context.Context, step *models.WorkflowStep) error {
	input, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	output, err := json.Marshal(step.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_steps (id, run_id, step_index, name, agent_id, status, input, output, last_error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			id = EXCLUDED.id,
			name = EXCLUDED.name,
			agent_id = EXCLUDED.agent_id,
			status = EXCLUDED.status,
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			last_error = EXCLUDED.last_error,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, step.ID, step.RunID, step.Index, step.Name, step.AgentID, step.Status, input, output,
		emptyToNil(step.Error), step.StartedAt, step.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}
	return nil
}

// StepsForRun returns the run's step records in execution order.
func (s *Store) StepsForRun(ctx context.Context, runID string) ([]*models.WorkflowStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, step_index, name, agent_id, status, input, output, last_error, started_at, completed_at
		FROM workflow_steps WHERE run_id = $1 ORDER BY step_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		var step models.WorkflowStep
		var input, output []byte
		var lastErr pgtype.Text
		var startedAt, completedAt pgtype.Timestamptz
		if err := rows.Scan(&step.ID, &step.RunID, &step.Index, &step.Name, &step.AgentID, &step.Status,
			&input, &output, &lastErr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if err := json.Unmarshal(input, &step.Input); err != nil {
			return nil, fmt.Errorf("unmarshal step input: %w", err)
		}
		if err := json.Unmarshal(output, &step.Output); err != nil {
			return nil, fmt.Errorf("unmarshal step output: %w", err)
		}
		if lastErr.Valid {
			step.Error = lastErr.String
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
