package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskmesh/engine/internal/dlq"
	"github.com/taskmesh/engine/internal/engine"
	"github.com/taskmesh/engine/internal/lock"
	"github.com/taskmesh/engine/internal/logger"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/task"
	"github.com/taskmesh/engine/internal/worker"
)

// AdminHandler handles admin API requests: engine/queue observability,
// per-task lifecycle overrides (pause/resume/retry), and dead-letter
// queue management. Generalized from the teacher's worker-registry-
// and priority-stream-centric admin surface (spec's engine has neither
// concept) onto the engine/repository/dlq operations spec §6 actually
// exposes.
type AdminHandler struct {
	engine *engine.Engine
	repo   repository.TaskRepository
	dlq    *dlq.Queue
	pool   *worker.Pool
	lock   *lock.AdapterLock
	ping   func() error
}

// NewAdminHandler creates a new admin handler. dlq, pool, and lock are
// optional (nil-safe) since the worker pool and AdapterLock are only
// wired in when configured.
func NewAdminHandler(eng *engine.Engine, repo repository.TaskRepository, dlqQueue *dlq.Queue, pool *worker.Pool, al *lock.AdapterLock, ping func() error) *AdminHandler {
	return &AdminHandler{engine: eng, repo: repo, dlq: dlqQueue, pool: pool, lock: al, ping: ping}
}

// HealthCheck handles GET /admin/health.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(); err != nil {
			h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

// GetQueues handles GET /admin/queues, reporting how many tasks sit in
// each scannable status — the closest analogue this engine has to the
// teacher's per-priority stream depths.
func (h *AdminHandler) GetQueues(w http.ResponseWriter, r *http.Request) {
	statuses := []task.Status{
		task.StatusCreated, task.StatusScheduled, task.StatusClaimed,
		task.StatusRunning, task.StatusWaitingRetry, task.StatusPaused,
	}

	counts := make(map[string]int, len(statuses))
	var total int
	for _, s := range statuses {
		tasks, err := h.repo.List(r.Context(), repository.ListQuery{Statuses: []task.Status{s}})
		if err != nil {
			logger.Error().Err(err).Str("status", s.String()).Msg("failed to count tasks")
			h.respondError(w, http.StatusInternalServerError, "failed to get queue statistics")
			return
		}
		counts[s.String()] = len(tasks)
		total += len(tasks)
	}

	stats := map[string]interface{}{
		"statuses": counts,
		"total":    total,
	}
	if h.pool != nil {
		stats["worker_pool"] = map[string]interface{}{
			"active_jobs": h.pool.ActiveJobs(),
			"queue_depth": h.pool.QueueDepth(),
			"capacity":    h.pool.Capacity(),
		}
	}
	if h.lock != nil {
		stats["adapter_lock"] = h.lock.Stats()
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// ListDLQ handles GET /admin/dlq.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		h.respondError(w, http.StatusNotImplemented, "dead-letter queue not configured")
		return
	}

	entries, err := h.dlq.List(r.Context(), 100, "")
	if err != nil {
		logger.Error().Err(err).Msg("failed to list DLQ")
		h.respondError(w, http.StatusInternalServerError, "failed to list DLQ")
		return
	}

	size, _ := h.dlq.Size(r.Context())

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"size":    size,
	})
}

// RetryDLQRequest represents a request to retry a dead-lettered task.
type RetryDLQRequest struct {
	TaskID string `json:"task_id"`
}

// RetryDLQ handles POST /admin/dlq/retry.
func (h *AdminHandler) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		h.respondError(w, http.StatusNotImplemented, "dead-letter queue not configured")
		return
	}

	var req RetryDLQRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TaskID == "" {
		h.respondError(w, http.StatusBadRequest, "task_id is required")
		return
	}

	if err := h.dlq.Retry(r.Context(), h.repo, req.TaskID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found in DLQ")
			return
		}
		logger.Error().Err(err).Str("task_id", req.TaskID).Msg("failed to retry DLQ task")
		h.respondError(w, http.StatusInternalServerError, "failed to retry task")
		return
	}

	logger.Info().Str("task_id", req.TaskID).Msg("task retried from DLQ")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task re-queued",
		"task_id": req.TaskID,
	})
}

// ClearDLQ handles DELETE /admin/dlq.
func (h *AdminHandler) ClearDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		h.respondError(w, http.StatusNotImplemented, "dead-letter queue not configured")
		return
	}

	if err := h.dlq.Clear(r.Context()); err != nil {
		logger.Error().Err(err).Msg("failed to clear DLQ")
		h.respondError(w, http.StatusInternalServerError, "failed to clear DLQ")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "DLQ cleared",
	})
}

// PauseTask handles POST /admin/tasks/{taskID}/pause.
func (h *AdminHandler) PauseTask(w http.ResponseWriter, r *http.Request) {
	h.applyLifecycleOp(w, r, h.engine.Pause, "task paused")
}

// ResumeTask handles POST /admin/tasks/{taskID}/resume.
func (h *AdminHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	h.applyLifecycleOp(w, r, h.engine.Resume, "task resumed")
}

// RetryTask handles POST /admin/tasks/{taskID}/retry: a FAILED task not
// routed through the DLQ (or one an operator wants retried directly
// rather than via /admin/dlq/retry) is reset the same way dlq.Queue.Retry
// does, minus the dead-letter bookkeeping.
func (h *AdminHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	t, err := h.repo.Read(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to read task")
		h.respondError(w, http.StatusInternalServerError, "failed to retry task")
		return
	}

	if t.Status != task.StatusFailed {
		h.respondError(w, http.StatusConflict, "only failed tasks can be retried")
		return
	}

	t.Attempt = 0
	t.Err = nil
	t.NextRunAt = nil
	t.Status = task.StatusScheduled
	if _, err := h.repo.Update(r.Context(), t); err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to requeue task")
		h.respondError(w, http.StatusInternalServerError, "failed to retry task")
		return
	}

	logger.Info().Str("task_id", taskID).Msg("task retried manually")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "task re-queued",
		"task_id": taskID,
	})
}

func (h *AdminHandler) applyLifecycleOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error, message string) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	if err := op(r.Context(), taskID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		h.respondError(w, http.StatusConflict, "failed to update task")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": message,
		"task_id": taskID,
	})
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
