package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/engine/internal/dlq"
)

func TestAdminHandler_respondJSON(t *testing.T) {
	h := &AdminHandler{}

	w := httptest.NewRecorder()
	data := map[string]string{"status": "ok"}

	h.respondJSON(w, http.StatusOK, data)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "ok", response["status"])
}

func TestAdminHandler_respondError(t *testing.T) {
	h := &AdminHandler{}

	w := httptest.NewRecorder()
	h.respondError(w, http.StatusNotFound, "task not found")

	assert.Equal(t, http.StatusNotFound, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "Not Found", response["error"])
	assert.Equal(t, "task not found", response["message"])
}

func TestAdminHandler_RetryTask_MissingID(t *testing.T) {
	h := &AdminHandler{}

	req := httptest.NewRequest(http.MethodPost, "/admin/tasks//retry", nil)
	w := httptest.NewRecorder()

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("taskID", "")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	h.RetryTask(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "task ID is required", response["message"])
}

func TestAdminHandler_RetryDLQ_MissingTaskID(t *testing.T) {
	h := &AdminHandler{dlq: dlq.New(nil, nil)}

	req := httptest.NewRequest(http.MethodPost, "/admin/dlq/retry", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()

	h.RetryDLQ(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "task_id is required", response["message"])
}

func TestAdminHandler_ListDLQ_NotConfigured(t *testing.T) {
	h := &AdminHandler{}

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	w := httptest.NewRecorder()

	h.ListDLQ(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestAdminHandler_PauseTask_MissingID(t *testing.T) {
	h := &AdminHandler{}

	req := httptest.NewRequest(http.MethodPost, "/admin/tasks//pause", nil)
	w := httptest.NewRecorder()

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("taskID", "")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	h.PauseTask(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryDLQRequest_Struct(t *testing.T) {
	req := RetryDLQRequest{TaskID: "task-123"}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded RetryDLQRequest
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)

	assert.Equal(t, req.TaskID, decoded.TaskID)
}
