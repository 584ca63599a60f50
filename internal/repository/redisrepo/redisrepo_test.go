package redisrepo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/engine/internal/task"
)

// These tests exercise the pure, client-independent helpers only — the
// teacher's own queue tests (internal/queue/scheduler_test.go) likewise
// stop short of driving a live Redis server and instead assert on
// constants and constructors.

func TestRepository_KeyNamespacing(t *testing.T) {
	repo := &Repository{key: func(parts ...string) string {
		k := "taskengine"
		for _, p := range parts {
			k += ":" + p
		}
		return k
	}}

	assert.Equal(t, "taskengine:task:t1", repo.taskKey("t1"))
	assert.Equal(t, "taskengine:index:created", repo.indexKey(task.StatusCreated))
}

func TestNextRunAtScore_Unset(t *testing.T) {
	tk := task.New("t1", "demo", nil)
	assert.Equal(t, float64(0), nextRunAtScore(tk))
}

func TestNextRunAtScore_Set(t *testing.T) {
	tk := task.New("t1", "demo", nil)
	when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk.NextRunAt = &when
	assert.Equal(t, float64(when.UnixMilli()), nextRunAtScore(tk))
}

func TestDecodeTask_RoundTrip(t *testing.T) {
	tk := task.New("t1", "demo", json.RawMessage(`{"x":1}`))
	data, err := json.Marshal(tk)
	require.NoError(t, err)

	got, err := decodeTask(data)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, tk.Classification, got.Classification)
}

func TestDecodeTask_InvalidJSON(t *testing.T) {
	_, err := decodeTask([]byte("not json"))
	assert.Error(t, err)
}
