package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/queue"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
)

// memStore implements DefinitionStore and RunStore over maps, copying values
// through JSON the way the real Postgres store does.
type memStore struct {
	mu    sync.Mutex
	defs  map[string]*models.WorkflowDefinition
	runs  map[string]*models.WorkflowRun
	steps map[string][]*models.WorkflowStep
}

func newMemStore() *memStore {
	return &memStore{
		defs:  make(map[string]*models.WorkflowDefinition),
		runs:  make(map[string]*models.WorkflowRun),
		steps: make(map[string][]*models.WorkflowStep),
	}
}

func jsonCopy[T any](in *T) *T {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

func (m *memStore) LoadWorkflow(_ context.Context, id, tenantID string) (*models.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok || def.TenantID != tenantID {
		return nil, fmt.Errorf("workflow %s not found", id)
	}
	return jsonCopy(def), nil
}

func (m *memStore) SaveRun(_ context.Context, run *models.WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = jsonCopy(run)
	return nil
}

func (m *memStore) LoadRun(_ context.Context, id, tenantID string) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.TenantID != tenantID {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return jsonCopy(run), nil
}

func (m *memStore) SaveStep(_ context.Context, step *models.WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Same upsert arbiter as the Postgres table: one row per
	// (run_id, step_index), regardless of the step id.
	for i, existing := range m.steps[step.RunID] {
		if existing.Index == step.Index {
			m.steps[step.RunID][i] = jsonCopy(step)
			return nil
		}
	}
	m.steps[step.RunID] = append(m.steps[step.RunID], jsonCopy(step))
	return nil
}

func (m *memStore) stepsFor(runID string) []*models.WorkflowStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.WorkflowStep(nil), m.steps[runID]...)
}

// fakeExecutor dispatches on agent id.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]map[string]any
	errs    map[string]error
	onCall  func(agentID string)
}

func (f *fakeExecutor) Execute(_ context.Context, agentID string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(agentID)
	}
	if err, ok := f.errs[agentID]; ok {
		return nil, err
	}
	return f.outputs[agentID], nil
}

// capturePublisher records events; fail makes every publish error.
type capturePublisher struct {
	mu     sync.Mutex
	events []models.Event
	fail   bool
}

func (p *capturePublisher) Publish(_ context.Context, _ string, v any) error {
	if p.fail {
		return errors.New("broker down")
	}
	event, ok := v.(models.Event)
	if !ok {
		return errors.New("unexpected payload type")
	}
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// captureEnqueuer records deferred jobs.
type captureEnqueuer struct {
	params []queue.EnqueueParams
}

func (c *captureEnqueuer) Enqueue(_ context.Context, p queue.EnqueueParams) (string, error) {
	c.params = append(c.params, p)
	return "job-1", nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(store *memStore, exec *fakeExecutor, pub Publisher, jobs Enqueuer) *Engine {
	return New(store, store, exec, pub, nil, jobs, testLogger(), telemetry.New(), Options{
		StepTimeout: time.Second,
	})
}

func seedDefinition(store *memStore, steps []models.StepDef, longRunning bool) *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		ID:            "wf-1",
		TenantID:      "acme",
		Name:          "sync-contacts",
		Steps:         steps,
		IsLongRunning: longRunning,
		IsActive:      true,
	}
	store.defs[def.ID] = def
	return def
}

func TestRunCompletesAllStepsInOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{
		{Name: "pull", AgentID: "crm"},
		{Name: "transform", AgentID: "mapper"},
		{Name: "push", AgentID: "helpdesk"},
	}, false)
	exec := &fakeExecutor{outputs: map[string]map[string]any{}}
	pub := &capturePublisher{}
	engine := newTestEngine(store, exec, pub, nil)

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", map[string]any{"source": "crm"}, false)
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 3, run.CurrentStep)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, []string{"crm", "mapper", "helpdesk"}, exec.calls)

	steps := store.stepsFor(run.ID)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.Index)
		assert.Equal(t, models.StepCompleted, step.Status)
	}

	assert.Equal(t, []string{
		models.EventWorkflowStarted,
		models.EventStepStarted, models.EventStepStarted, // global + tenant channel
		models.EventStepCompleted, models.EventStepCompleted,
		models.EventStepStarted, models.EventStepStarted,
		models.EventStepCompleted, models.EventStepCompleted,
		models.EventStepStarted, models.EventStepStarted,
		models.EventStepCompleted, models.EventStepCompleted,
		models.EventWorkflowCompleted, models.EventWorkflowCompleted,
	}, pub.types()[1:]) // first entry is workflow.started's second channel
}

func TestStepFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{
		{Name: "pull", AgentID: "crm"},
		{Name: "transform", AgentID: "mapper"},
		{Name: "push", AgentID: "helpdesk"},
	}, false)
	exec := &fakeExecutor{
		outputs: map[string]map[string]any{},
		errs:    map[string]error{"mapper": errors.New("schema mismatch")},
	}
	pub := &capturePublisher{}
	engine := newTestEngine(store, exec, pub, nil)

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, false)
	require.NoError(t, err)

	assert.Equal(t, models.RunFailed, run.Status)
	assert.Equal(t, 1, run.CurrentStep)
	assert.Contains(t, run.Error, `step "transform" failed`)
	assert.Contains(t, run.Error, "schema mismatch")
	assert.NotNil(t, run.CompletedAt)

	steps := store.stepsFor(run.ID)
	require.Len(t, steps, 2) // steps after the failure are never created
	assert.Equal(t, models.StepCompleted, steps[0].Status)
	assert.Equal(t, models.StepFailed, steps[1].Status)
	assert.Equal(t, "schema mismatch", steps[1].Error)

	// helpdesk never invoked
	assert.Equal(t, []string{"crm", "mapper"}, exec.calls)
	assert.Contains(t, pub.types(), models.EventWorkflowFailed)
	assert.NotContains(t, pub.types(), models.EventWorkflowCompleted)
}

func TestVariableResolutionBetweenSteps(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{
		{Name: "fetch", AgentID: "fetcher", Outputs: map[string]string{"email": "result.email"}},
		{Name: "notify", AgentID: "notifier", Input: map[string]any{"to": "$email"}},
	}, false)

	var notifyInput map[string]any
	exec := &fakeExecutor{
		outputs: map[string]map[string]any{
			"fetcher": {"result": map[string]any{"email": "a@b.com"}},
		},
	}
	engine := New(store, store, execCapture(exec, "notifier", &notifyInput), &capturePublisher{},
		nil, nil, testLogger(), telemetry.New(), Options{})

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, false)
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, "a@b.com", notifyInput["to"])
	assert.Equal(t, "a@b.com", run.Output["email"])
}

// execCapture records the resolved input handed to one agent.
type inputCapturingExecutor struct {
	inner   *fakeExecutor
	agentID string
	into    *map[string]any
}

func execCapture(inner *fakeExecutor, agentID string, into *map[string]any) AgentExecutor {
	return &inputCapturingExecutor{inner: inner, agentID: agentID, into: into}
}

func (e *inputCapturingExecutor) Execute(ctx context.Context, agentID string, input map[string]any) (map[string]any, error) {
	if agentID == e.agentID {
		*e.into = input
	}
	return e.inner.Execute(ctx, agentID, input)
}

func TestZeroStepDefinitionStillTransitsRunning(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, nil, false)
	pub := &capturePublisher{}
	engine := newTestEngine(store, &fakeExecutor{}, pub, nil)

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, false)
	require.NoError(t, err)

	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Contains(t, pub.types(), models.EventWorkflowStarted)
	var sawStarted bool
	for _, entry := range run.History {
		if entry.Event == models.EventWorkflowStarted {
			sawStarted = true
		}
	}
	assert.True(t, sawStarted)
}

func TestInactiveWorkflowRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	def := seedDefinition(store, nil, false)
	def.IsActive = false
	engine := newTestEngine(store, &fakeExecutor{}, &capturePublisher{}, nil)

	_, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, false)
	assert.ErrorIs(t, err, ErrWorkflowInactive)
}

func TestLongRunningWorkflowDeferred(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{{Name: "crunch", AgentID: "cruncher"}}, true)
	exec := &fakeExecutor{outputs: map[string]map[string]any{"cruncher": {"ok": true}}}
	jobs := &captureEnqueuer{}
	engine := newTestEngine(store, exec, &capturePublisher{}, jobs)

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", map[string]any{"n": "9"}, true)
	require.NoError(t, err)

	// Returned immediately, nothing executed yet.
	assert.Equal(t, models.RunPending, run.Status)
	assert.Empty(t, exec.calls)

	require.Len(t, jobs.params, 1)
	job := jobs.params[0]
	assert.Equal(t, TaskExecuteWorkflow, job.TaskName)
	assert.Equal(t, "wf-1", job.Payload[PayloadWorkflowID])
	assert.Equal(t, "acme", job.Payload[PayloadTenantID])
	assert.Equal(t, run.ID, job.Payload[PayloadRunID])

	// Worker-side re-entry drives the pending run to completion.
	resumed, err := engine.ExecuteRun(ctx, run.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, resumed.Status)
	assert.Equal(t, []string{"cruncher"}, exec.calls)

	// Redelivery of the job is harmless.
	again, err := engine.ExecuteRun(ctx, run.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, again.Status)
	assert.Equal(t, []string{"cruncher"}, exec.calls)
}

func TestExecuteRunResumesAfterCrashMidStep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{
		{Name: "pull", AgentID: "crm"},
		{Name: "push", AgentID: "helpdesk"},
	}, true)
	exec := &fakeExecutor{outputs: map[string]map[string]any{}}
	engine := newTestEngine(store, exec, &capturePublisher{}, nil)

	// State a dead worker leaves behind: the run persisted at index 1 with a
	// running step row already written for that index.
	started := time.Now().UTC()
	run := &models.WorkflowRun{
		ID:          "r-crashed",
		TenantID:    "acme",
		WorkflowID:  "wf-1",
		Status:      models.RunRunning,
		CurrentStep: 1,
		Variables:   map[string]any{},
		History:     []models.HistoryEntry{},
		StartedAt:   &started,
	}
	require.NoError(t, store.SaveRun(ctx, run))
	require.NoError(t, store.SaveStep(ctx, &models.WorkflowStep{
		ID:        "step-orphaned",
		RunID:     run.ID,
		Index:     1,
		Name:      "push",
		AgentID:   "helpdesk",
		Status:    models.StepRunning,
		StartedAt: &started,
	}))

	// Redelivery re-enters the run from the saved index.
	resumed, err := engine.ExecuteRun(ctx, run.ID, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, resumed.Status)
	assert.Equal(t, 2, resumed.CurrentStep)
	assert.Equal(t, []string{"helpdesk"}, exec.calls)

	// The fresh attempt replaces the orphaned running row for index 1
	// rather than adding a duplicate.
	steps := store.stepsFor(run.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].Index)
	assert.Equal(t, models.StepCompleted, steps[0].Status)
	assert.NotEqual(t, "step-orphaned", steps[0].ID)
}

func TestCancelTakesEffectAtStepBoundary(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{
		{Name: "first", AgentID: "one"},
		{Name: "second", AgentID: "two"},
	}, false)

	exec := &fakeExecutor{outputs: map[string]map[string]any{}}
	engine := newTestEngine(store, exec, &capturePublisher{}, nil)

	// Cancel mid-first-step; the engine must stop before the second step.
	exec.onCall = func(agentID string) {
		if agentID == "one" {
			store.mu.Lock()
			for _, run := range store.runs {
				run.Status = models.RunCancelled
			}
			store.mu.Unlock()
		}
	}

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, false)
	require.NoError(t, err)

	assert.Equal(t, models.RunCancelled, run.Status)
	assert.Equal(t, []string{"one"}, exec.calls)
	assert.NotNil(t, run.CompletedAt)
}

func TestPublishFailureNeverFailsRun(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{{Name: "only", AgentID: "a"}}, false)
	engine := newTestEngine(store, &fakeExecutor{outputs: map[string]map[string]any{}}, &capturePublisher{fail: true}, nil)

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, false)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
}

func TestCancelRunOnFinishedRun(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, nil, false)
	engine := newTestEngine(store, &fakeExecutor{}, &capturePublisher{}, nil)

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, false)
	require.NoError(t, err)

	err = engine.CancelRun(ctx, run.ID, "acme")
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestJobHandlerReentersRun(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{{Name: "s", AgentID: "a"}}, true)
	exec := &fakeExecutor{outputs: map[string]map[string]any{"a": {"done": true}}}
	jobs := &captureEnqueuer{}
	engine := newTestEngine(store, exec, &capturePublisher{}, jobs)

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, true)
	require.NoError(t, err)

	handler := JobHandler(engine)
	result, err := handler(ctx, &models.Job{Payload: map[string]any{
		PayloadTenantID: "acme",
		PayloadRunID:    run.ID,
	}})
	require.NoError(t, err)
	assert.Equal(t, run.ID, result["run_id"])
	assert.Equal(t, models.RunCompleted, result["status"])
}

func TestJobHandlerRejectsMalformedPayload(t *testing.T) {
	handler := JobHandler(newTestEngine(newMemStore(), &fakeExecutor{}, &capturePublisher{}, nil))

	_, err := handler(context.Background(), &models.Job{Payload: map[string]any{}})
	assert.Error(t, err)

	_, err = handler(context.Background(), &models.Job{Payload: map[string]any{PayloadTenantID: "acme"}})
	assert.Error(t, err)
}

func TestRunHistoryIsOrdered(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedDefinition(store, []models.StepDef{{Name: "s1", AgentID: "a"}, {Name: "s2", AgentID: "b"}}, false)
	engine := newTestEngine(store, &fakeExecutor{outputs: map[string]map[string]any{}}, &capturePublisher{}, nil)

	run, err := engine.ExecuteWorkflow(ctx, "wf-1", "acme", nil, false)
	require.NoError(t, err)

	var events []string
	for _, entry := range run.History {
		events = append(events, entry.Event)
	}
	assert.Equal(t, []string{
		models.EventWorkflowStarted,
		models.EventStepStarted, models.EventStepCompleted,
		models.EventStepStarted, models.EventStepCompleted,
		models.EventWorkflowCompleted,
	}, events)
	for i := 1; i < len(run.History); i++ {
		assert.False(t, run.History[i].Timestamp.Before(run.History[i-1].Timestamp))
	}
}
