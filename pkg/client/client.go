package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/taskmesh/engine/internal/api/handlers"
	"github.com/taskmesh/engine/internal/eventbus"
	"github.com/taskmesh/engine/internal/task"
)

// TaskEngineClient is a hand-written net/http client over the API
// server's REST surface (spec §6). The teacher's pkg/client wrapped a
// generated ClientWithResponses pair; no OpenAPI document for this repo
// exists anywhere in the retrieved pack, so this client is written by
// hand against the same handlers/DTOs the server itself uses
// (internal/api/handlers, internal/task), keeping request/response
// shapes in lockstep with the server without needing a generator.
type TaskEngineClient struct {
	baseURL string
	opts    *options
	ws      *WebSocketClient
}

// New creates a new TaskEngineClient.
func New(baseURL string, opts ...Option) (*TaskEngineClient, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &TaskEngineClient{baseURL: baseURL, opts: o}, nil
}

func (c *TaskEngineClient) do(ctx context.Context, method, path string, body any, out any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.opts.applyHeaders()(ctx, req); err != nil {
		return nil, fmt.Errorf("apply headers: %w", err)
	}

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}

// ConnectWebSocket establishes a WebSocket connection for real-time events.
func (c *TaskEngineClient) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel that receives WebSocket events.
// Must call ConnectWebSocket first.
func (c *TaskEngineClient) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *TaskEngineClient) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// SubscribeEvents subscribes to specific event kinds.
func (c *TaskEngineClient) SubscribeEvents(kinds ...eventbus.Kind) error {
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.ws.Subscribe(kinds...)
}

// SubmitTask creates a new task and returns the created task.
func (c *TaskEngineClient) SubmitTask(ctx context.Context, req handlers.CreateTaskRequest) (*task.TaskModel, error) {
	var t task.TaskModel
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/tasks", req, &t)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("submit task: unexpected status %d", resp.StatusCode)
	}
	return &t, nil
}

// GetTaskByID retrieves a task by its ID.
func (c *TaskEngineClient) GetTaskByID(ctx context.Context, taskID string) (*task.TaskModel, error) {
	var t task.TaskModel
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &t)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get task: unexpected status %d", resp.StatusCode)
	}
	return &t, nil
}

// CancelTaskByID cancels a task by its ID.
func (c *TaskEngineClient) CancelTaskByID(ctx context.Context, taskID string) (*task.TaskModel, error) {
	var t task.TaskModel
	resp, err := c.do(ctx, http.MethodDelete, "/api/v1/tasks/"+taskID, nil, &t)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return &t, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("task not found: %s", taskID)
	case http.StatusConflict:
		return nil, fmt.Errorf("cannot cancel task: %s", taskID)
	default:
		return nil, fmt.Errorf("cancel task: unexpected status %d", resp.StatusCode)
	}
}

// ListTasks lists tasks, optionally filtered by status.
func (c *TaskEngineClient) ListTasks(ctx context.Context, status string) (*handlers.ListResponse, error) {
	path := "/api/v1/tasks"
	if status != "" {
		path += "?status=" + status
	}
	var list handlers.ListResponse
	resp, err := c.do(ctx, http.MethodGet, path, nil, &list)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list tasks: unexpected status %d", resp.StatusCode)
	}
	return &list, nil
}

// CheckHealth checks the health of the API server.
func (c *TaskEngineClient) CheckHealth(ctx context.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	resp, err := c.do(ctx, http.MethodGet, "/admin/health", nil, &body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("health check: unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// GetQueueStatistics returns the current per-status queue depths and,
// when configured, worker-pool/AdapterLock stats.
func (c *TaskEngineClient) GetQueueStatistics(ctx context.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	resp, err := c.do(ctx, http.MethodGet, "/admin/queues", nil, &body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get queue statistics: unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// GetDLQEntries returns all entries in the dead letter queue.
func (c *TaskEngineClient) GetDLQEntries(ctx context.Context) (map[string]interface{}, error) {
	var body map[string]interface{}
	resp, err := c.do(ctx, http.MethodGet, "/admin/dlq", nil, &body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get DLQ entries: unexpected status %d", resp.StatusCode)
	}
	return body, nil
}

// RetryDLQTask retries a specific task from the DLQ.
func (c *TaskEngineClient) RetryDLQTask(ctx context.Context, taskID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/admin/dlq/retry", handlers.RetryDLQRequest{TaskID: taskID}, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("retry DLQ task: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ClearDLQAll clears all entries from the dead letter queue.
func (c *TaskEngineClient) ClearDLQAll(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/admin/dlq", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clear DLQ: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// RetryTaskByID manually requeues a FAILED task.
func (c *TaskEngineClient) RetryTaskByID(ctx context.Context, taskID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/admin/tasks/"+taskID+"/retry", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("retry task: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// PauseTaskByID pauses a runnable task.
func (c *TaskEngineClient) PauseTaskByID(ctx context.Context, taskID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/admin/tasks/"+taskID+"/pause", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pause task: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ResumeTaskByID resumes a paused task.
func (c *TaskEngineClient) ResumeTaskByID(ctx context.Context, taskID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/admin/tasks/"+taskID+"/resume", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resume task: unexpected status %d", resp.StatusCode)
	}
	return nil
}
