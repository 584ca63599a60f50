package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/taskmesh/engine/internal/engine"
	"github.com/taskmesh/engine/internal/logger"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/task"
)

// CreateTaskRequest is the payload for POST /api/v1/tasks.
type CreateTaskRequest struct {
	ID             string                `json:"id,omitempty"`
	Classification string                `json:"classification"`
	Input          json.RawMessage       `json:"input,omitempty"`
	Priority       string                `json:"priority,omitempty"`
	MaxAttempts    int                   `json:"max_attempts,omitempty"`
	ScheduledAt    *time.Time            `json:"scheduled_at,omitempty"`
	Steps          []task.StepDescriptor `json:"steps,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
}

// TaskHandler handles task-related HTTP requests, submitting and reading
// tasks through the engine's own operations (spec §6) rather than talking
// to the repository directly for anything that drives the lifecycle.
type TaskHandler struct {
	engine       *engine.Engine
	repo         repository.TaskRepository
	maxQueueSize int
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(eng *engine.Engine, repo repository.TaskRepository, maxQueueSize int) *TaskHandler {
	return &TaskHandler{engine: eng, repo: repo, maxQueueSize: maxQueueSize}
}

// Create handles POST /api/v1/tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Classification == "" {
		h.respondError(w, http.StatusBadRequest, "classification is required")
		return
	}

	if h.maxQueueSize > 0 {
		pending, err := h.repo.List(r.Context(), repository.RunnableQuery(0))
		if err == nil && len(pending) >= h.maxQueueSize {
			h.respondError(w, http.StatusServiceUnavailable, "queue at capacity")
			return
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	t := task.New(id, req.Classification, req.Input)
	if req.Priority != "" {
		t.Priority = task.ParsePriority(req.Priority)
	}
	if req.MaxAttempts > 0 {
		t.MaxAttempts = req.MaxAttempts
	}
	if len(req.Steps) > 0 {
		t.Atomicity = task.AtomicityComposite
		t.Steps = req.Steps
	}
	if req.Metadata != nil {
		t.Metadata = req.Metadata
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(time.Now().UTC()) {
		t.Status = task.StatusScheduled
		t.ScheduledTo = req.ScheduledAt
		t.NextRunAt = req.ScheduledAt
	}

	if err := h.engine.Submit(r.Context(), t); err != nil {
		logger.Error().Err(err).Str("task_id", t.ID).Msg("failed to submit task")
		h.respondError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	logger.Info().
		Str("task_id", t.ID).
		Str("classification", t.Classification).
		Str("priority", t.Priority.String()).
		Msg("task submitted")

	h.respondJSON(w, http.StatusCreated, t)
}

// Get handles GET /api/v1/tasks/{taskID}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
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
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to get task")
		h.respondError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	h.respondJSON(w, http.StatusOK, t)
}

// Cancel handles DELETE /api/v1/tasks/{taskID}.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if taskID == "" {
		h.respondError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	if err := h.engine.Cancel(r.Context(), taskID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found")
			return
		}
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to cancel task")
		h.respondError(w, http.StatusConflict, "failed to cancel task")
		return
	}

	t, err := h.repo.Read(r.Context(), taskID)
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("failed to read canceled task")
		h.respondError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}

	logger.Info().Str("task_id", taskID).Msg("task cancelled")
	h.respondJSON(w, http.StatusOK, t)
}

// ListResponse represents the response for listing tasks.
type ListResponse struct {
	Tasks      []*task.TaskModel `json:"tasks"`
	TotalCount int               `json:"total_count"`
}

// List handles GET /api/v1/tasks.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	query := repository.ListQuery{}
	if s := r.URL.Query().Get("status"); s != "" {
		query.Statuses = []task.Status{task.ParseStatus(s)}
	}

	tasks, err := h.repo.List(r.Context(), query)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list tasks")
		h.respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	h.respondJSON(w, http.StatusOK, ListResponse{Tasks: tasks, TotalCount: len(tasks)})
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *TaskHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *TaskHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
