//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/engine/internal/adapter/redisadapter"
	"github.com/taskmesh/engine/internal/api"
	"github.com/taskmesh/engine/internal/api/handlers"
	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/dlq"
	"github.com/taskmesh/engine/internal/engine"
	"github.com/taskmesh/engine/internal/eventbus/redisbus"
	"github.com/taskmesh/engine/internal/handler"
	"github.com/taskmesh/engine/internal/logger"
	"github.com/taskmesh/engine/internal/lock"
	"github.com/taskmesh/engine/internal/repository/redisrepo"
	"github.com/taskmesh/engine/internal/task"
	"github.com/taskmesh/engine/internal/taskctx"
	"github.com/taskmesh/engine/internal/worker"
)

func init() {
	logger.Init("error", false)
}

func testConfig() *config.Config {
	return &config.Config{
		Redis: config.RedisConfig{
			Addr:         "localhost:6379",
			Password:     "",
			DB:           15, // Use a separate DB for tests
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Adapter: config.AdapterConfig{
			Alias:         "test",
			Flavour:       "redis",
			RedisKeyspace: "taskengine_test",
		},
		Engine: config.EngineConfig{
			Concurrency:             4,
			LeaseMs:                 30 * time.Second,
			PollMsIdle:              200 * time.Millisecond,
			PollMsBusy:              20 * time.Millisecond,
			LogTailMax:              100,
			StreamBufferSize:        20,
			MaxLoggingBuffer:        500,
			LoggingBufferTruncation: 100,
			GracefulShutdownMs:      5 * time.Second,
			WorkerConcurrency:       2,
		},
		Server: config.ServerConfig{
			Host:         "localhost",
			Port:         8080,
			AdminPort:    8081,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func setupTestServer(t *testing.T) (*api.Server, *engine.Engine, func()) {
	cfg := testConfig()

	a, err := redisadapter.New(cfg.Adapter.Alias, map[string]any{
		"addr":     cfg.Redis.Addr,
		"password": cfg.Redis.Password,
		"db":       cfg.Redis.DB,
		"keyspace": cfg.Adapter.RedisKeyspace,
	})
	require.NoError(t, err)
	store := a.(*redisadapter.Adapter)
	require.NoError(t, store.Initialize(context.Background()))

	repo := redisrepo.New(store)
	bus := redisbus.New(store.Client(), logger.WithComponent("eventbus"))
	dlqQueue := dlq.New(store.Client(), store.Key)
	al := lock.New(lock.WithCounter(1))

	registry := handler.NewRegistry()
	registry.RegisterFunc("test-task", echoHandler)

	eng := engine.New(engine.Config{
		Concurrency:             cfg.Engine.Concurrency,
		LeaseDuration:           cfg.Engine.LeaseMs,
		PollIdle:                cfg.Engine.PollMsIdle,
		PollBusy:                cfg.Engine.PollMsBusy,
		StreamBufferSize:        cfg.Engine.StreamBufferSize,
		MaxLoggingBuffer:        cfg.Engine.MaxLoggingBuffer,
		LoggingBufferTruncation: cfg.Engine.LoggingBufferTruncation,
		ShutdownTimeout:         cfg.Engine.GracefulShutdownMs,
	}, repo, registry, logger.WithEngine("test"), engine.WithEventBus(bus), engine.WithDeadLetter(dlqQueue))

	server := api.NewServer(cfg, eng, repo, dlqQueue, nil, al, bus, nil)

	cleanup := func() {
		ctx := context.Background()
		store.Client().FlushDB(ctx)
		_ = store.Close()
	}

	return server, eng, cleanup
}

func echoHandler(ctx context.Context, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
	return input, nil
}

func TestTaskLifecycle_CreateAndGet(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	createReq := handlers.CreateTaskRequest{
		Classification: "test-task",
		Input:          json.RawMessage(`{"key":"value"}`),
		Priority:       "high",
		MaxAttempts:    5,
	}
	body, _ := json.Marshal(createReq)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var created task.TaskModel
	err := json.Unmarshal(w.Body.Bytes(), &created)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "test-task", created.Classification)
	assert.Equal(t, task.PriorityHigh, created.Priority)
	assert.Equal(t, task.StatusCreated, created.Status)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	w = httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var fetched task.TaskModel
	err = json.Unmarshal(w.Body.Bytes(), &fetched)
	require.NoError(t, err)

	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, created.Classification, fetched.Classification)
}

func TestTaskLifecycle_Cancel(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	createReq := handlers.CreateTaskRequest{
		Classification: "cancellable-task",
	}
	body, _ := json.Marshal(createReq)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created task.TaskModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/"+created.ID, nil)
	w = httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var canceled task.TaskModel
	err := json.Unmarshal(w.Body.Bytes(), &canceled)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCanceled, canceled.Status)
}

func TestTaskLifecycle_List(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	for i := 0; i < 4; i++ {
		createReq := handlers.CreateTaskRequest{
			Classification: fmt.Sprintf("task-priority-%d", i),
		}
		body, _ := json.Marshal(createReq)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var listResp handlers.ListResponse
	err := json.Unmarshal(w.Body.Bytes(), &listResp)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, listResp.TotalCount, 4)
}

func TestTaskLifecycle_GetNotFound(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nonexistent-id", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminEndpoints_Health(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Equal(t, "healthy", resp["status"])
}

func TestAdminEndpoints_GetQueues(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Contains(t, resp, "statuses")
	assert.Contains(t, resp, "total")
	assert.Contains(t, resp, "adapter_lock")
}

func TestAdminEndpoints_DLQ(t *testing.T) {
	server, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err)

	assert.Contains(t, resp, "entries")
	assert.Contains(t, resp, "size")
}

func TestEngine_ClaimAndExecute(t *testing.T) {
	server, eng, cleanup := setupTestServer(t)
	defer cleanup()

	createReq := handlers.CreateTaskRequest{
		Classification: "test-task",
		Input:          json.RawMessage(`{"hello":"world"}`),
	}
	body, _ := json.Marshal(createReq)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created task.TaskModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, eng.Start(ctx))

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		var current task.TaskModel
		if err := json.Unmarshal(w.Body.Bytes(), &current); err != nil {
			return false
		}
		return current.Status == task.StatusSucceeded
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, eng.Stop(stopCtx))
}

func TestWorkerPool_StartStop(t *testing.T) {
	registry := handler.NewRegistry()
	registry.RegisterFunc("test-task", echoHandler)

	pool := worker.New(2, 2, registry, logger.WithComponent("worker_pool"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, pool.Start(ctx))
	assert.Equal(t, 2*2, pool.Capacity())

	time.Sleep(100 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	require.NoError(t, pool.Shutdown(stopCtx, 5*time.Second))
}
