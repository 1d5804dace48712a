// Package api wires the HTTP boundary: workflow triggers, direct job
// enqueueing, and inspection endpoints. Mutation routes pass through the
// idempotency middleware and a per-tenant rate limit.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/idempotency"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/queue"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/ratelimit"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/store"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/workflow"
)

// WorkflowService is the engine surface the API depends on.
type WorkflowService interface {
	ExecuteWorkflow(ctx context.Context, workflowID, tenantID string, input map[string]any, deferLong bool) (*models.WorkflowRun, error)
	CancelRun(ctx context.Context, runID, tenantID string) error
}

// RunReader loads persisted runs for inspection.
type RunReader interface {
	LoadRun(ctx context.Context, id, tenantID string) (*models.WorkflowRun, error)
	StepsForRun(ctx context.Context, runID string) ([]*models.WorkflowStep, error)
}

// DefinitionStore reads and upserts workflow definitions.
type DefinitionStore interface {
	LoadWorkflow(ctx context.Context, id, tenantID string) (*models.WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, def *models.WorkflowDefinition) error
}

// Server holds the API dependencies.
type Server struct {
	engine  WorkflowService
	runs    RunReader
	defs    DefinitionStore
	queue   *queue.Queue
	idem    *idempotency.Middleware
	limiter *ratelimit.TokenBucket
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New constructs the API server.
func New(engine WorkflowService, runs RunReader, defs DefinitionStore, q *queue.Queue, idem *idempotency.Middleware,
	limiter *ratelimit.TokenBucket, metrics *telemetry.Metrics, logger *slog.Logger,
) *Server {
	return &Server{
		engine:  engine,
		runs:    runs,
		defs:    defs,
		queue:   q,
		idem:    idem,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.idem != nil {
			r.Use(s.idem.Handler)
		}
		r.Put("/workflows/{id}", s.handlePutWorkflow)
		r.Post("/workflows/{id}/execute", s.handleExecuteWorkflow)
		r.Post("/jobs", s.handleEnqueue)
	})

	r.Get("/workflows/{id}", s.handleGetWorkflow)
	r.Post("/runs/{id}/cancel", s.handleCancelRun)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Get("/queue/stats", s.handleQueueStats)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type putWorkflowRequest struct {
	Name          string           `json:"name"`
	Steps         []models.StepDef `json:"steps"`
	IsLongRunning bool             `json:"is_long_running"`
	IsActive      *bool            `json:"is_active"`
}

func (s *Server) handlePutWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if !s.allow(w, r, tenant) {
		return
	}
	var req putWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	def := &models.WorkflowDefinition{
		ID:            chi.URLParam(r, "id"),
		TenantID:      tenant,
		Name:          req.Name,
		Steps:         req.Steps,
		IsLongRunning: req.IsLongRunning,
		IsActive:      true,
	}
	if req.IsActive != nil {
		def.IsActive = *req.IsActive
	}
	if existing, err := s.defs.LoadWorkflow(r.Context(), def.ID, tenant); err == nil {
		def.CreatedAt = existing.CreatedAt
	}
	if err := s.defs.SaveWorkflow(r.Context(), def); err != nil {
		s.logger.Error("save workflow failed", slog.String("tenant_id", tenant), slog.Any("error", err))
		http.Error(w, "save workflow failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	def, err := s.defs.LoadWorkflow(r.Context(), chi.URLParam(r, "id"), tenant)
	if err != nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type executeRequest struct {
	Input map[string]any `json:"input"`
	Defer bool           `json:"defer"`
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if !s.allow(w, r, tenant) {
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	run, err := s.engine.ExecuteWorkflow(r.Context(), chi.URLParam(r, "id"), tenant, req.Input, req.Defer)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, workflow.ErrWorkflowInactive) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("execute workflow failed", slog.String("tenant_id", tenant), slog.Any("error", err))
		http.Error(w, "workflow execution failed", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if run.Status == models.RunPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	run, err := s.runs.LoadRun(r.Context(), chi.URLParam(r, "id"), tenant)
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	steps, err := s.runs.StepsForRun(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("load steps failed", slog.String("run_id", run.ID), slog.Any("error", err))
		http.Error(w, "load steps failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	err := s.engine.CancelRun(r.Context(), chi.URLParam(r, "id"), tenant)
	if errors.Is(err, workflow.ErrRunFinished) {
		http.Error(w, "run already finished", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type enqueueRequest struct {
	TaskName     string         `json:"task_name"`
	Payload      map[string]any `json:"payload"`
	Priority     string         `json:"priority"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxRetries   int            `json:"max_retries"`
	BaseDelaySec int            `json:"base_delay_seconds"`
	Metadata     map[string]any `json:"metadata"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if !s.allow(w, r, tenant) {
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TaskName == "" {
		http.Error(w, "task_name is required", http.StatusBadRequest)
		return
	}

	var scheduledAt *time.Time
	if req.RunAt != nil {
		scheduledAt = req.RunAt
	}
	if req.DelaySeconds > 0 {
		at := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		scheduledAt = &at
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["tenant_id"] = tenant

	jobID, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		TaskName:    req.TaskName,
		Payload:     req.Payload,
		Priority:    req.Priority,
		ScheduledAt: scheduledAt,
		MaxRetries:  req.MaxRetries,
		BaseDelay:   time.Duration(req.BaseDelaySec) * time.Second,
		Metadata:    metadata,
	})
	if err != nil {
		s.logger.Error("enqueue failed", slog.String("tenant_id", tenant), slog.Any("error", err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	s.metrics.JobsEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Job(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "load job failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if !cancelled {
		http.Error(w, "job is not cancellable", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]int64{}
	for _, p := range models.Priorities {
		n, err := s.queue.QueueSize(r.Context(), p)
		if err != nil {
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		stats[p] = n
	}
	scheduled, err := s.queue.ScheduledCount(r.Context())
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": stats, "scheduled": scheduled})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.DeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead-letter list", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// allow applies the per-tenant rate limit, writing the rejection itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, tenant string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), tenant)
	if err != nil {
		s.logger.Error("rate limiter unavailable", slog.Any("error", err))
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		s.metrics.RateLimitDenied.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get(idempotency.TenantHeader); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
