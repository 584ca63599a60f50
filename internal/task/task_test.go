package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_String(t *testing.T) {
	tests := []struct {
		priority Priority
		expected string
	}{
		{PriorityLow, "low"},
		{PriorityNormal, "normal"},
		{PriorityHigh, "high"},
		{PriorityCritical, "critical"},
		{Priority(99), "normal"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.priority.String())
		})
	}
}

func TestPriority_StreamName(t *testing.T) {
	tests := []struct {
		priority Priority
		prefix   string
		expected string
	}{
		{PriorityLow, "tasks", "tasks:low"},
		{PriorityNormal, "tasks", "tasks:normal"},
		{PriorityHigh, "queue", "queue:high"},
		{PriorityCritical, "jobs", "jobs:critical"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.priority.StreamName(tt.prefix))
		})
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input    string
		expected Priority
	}{
		{"low", PriorityLow},
		{"normal", PriorityNormal},
		{"high", PriorityHigh},
		{"critical", PriorityCritical},
		{"invalid", PriorityNormal},
		{"", PriorityNormal},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParsePriority(tt.input))
		})
	}
}

func TestNew(t *testing.T) {
	input := json.RawMessage(`{"key":"value"}`)
	tk := New("task-1", "demo.classification", input)

	assert.Equal(t, "task-1", tk.ID)
	assert.Equal(t, "demo.classification", tk.Classification)
	assert.Equal(t, AtomicitySimple, tk.Atomicity)
	assert.Equal(t, StatusCreated, tk.Status)
	assert.Equal(t, PriorityNormal, tk.Priority)
	assert.JSONEq(t, string(input), string(tk.Input))
	assert.Equal(t, 1, tk.MaxAttempts)
	assert.Equal(t, 0, tk.Attempt)
	assert.False(t, tk.CreatedAt.IsZero())
	assert.False(t, tk.UpdatedAt.IsZero())
	assert.NotNil(t, tk.Metadata)
}

func TestTaskModel_Fingerprint(t *testing.T) {
	tk := New("task-1", "demo.classification", nil)
	assert.Equal(t, "demo.classification:task-1", tk.Fingerprint())
}

func TestTaskModel_CanRetry(t *testing.T) {
	tk := New("t", "c", nil)
	tk.MaxAttempts = 3

	tk.Attempt = 0
	assert.True(t, tk.CanRetry())
	tk.Attempt = 1
	assert.True(t, tk.CanRetry())
	tk.Attempt = 2
	assert.False(t, tk.CanRetry())
}

func TestTaskModel_CanRetry_MaxAttemptsOne(t *testing.T) {
	tk := New("t", "c", nil)
	require.Equal(t, 1, tk.MaxAttempts)
	assert.False(t, tk.CanRetry())
}

func TestTaskModel_IsRunnable(t *testing.T) {
	now := time.Now()
	tk := New("t", "c", nil)
	assert.True(t, tk.IsRunnable(now))

	tk.Status = StatusRunning
	assert.False(t, tk.IsRunnable(now))

	tk.Status = StatusWaitingRetry
	future := now.Add(time.Minute)
	tk.NextRunAt = &future
	assert.False(t, tk.IsRunnable(now))

	past := now.Add(-time.Minute)
	tk.NextRunAt = &past
	assert.True(t, tk.IsRunnable(now))
}

func TestTaskModel_LeaseExpired(t *testing.T) {
	now := time.Now()
	tk := New("t", "c", nil)
	assert.False(t, tk.LeaseExpired(now))

	tk.LeaseOwner = "worker-1"
	future := now.Add(time.Minute)
	tk.LeaseExpiry = &future
	assert.False(t, tk.LeaseExpired(now))

	past := now.Add(-time.Minute)
	tk.LeaseExpiry = &past
	assert.True(t, tk.LeaseExpired(now))
}

func TestTaskModel_AppendLog_TruncatesToMax(t *testing.T) {
	tk := New("t", "c", nil)
	tk.LogTailMax = 3

	for i := 0; i < 5; i++ {
		tk.AppendLog(LogEntry{Level: "info", Message: "line", Timestamp: time.Now()})
	}

	assert.Len(t, tk.LogTail, 3)
}

func TestTaskModel_Validate(t *testing.T) {
	now := time.Now()
	tk := New("t", "c", nil)
	require.NoError(t, tk.Validate(now))

	tk.Status = StatusRunning
	assert.Error(t, tk.Validate(now), "running without a live lease should fail validation")

	tk.LeaseOwner = "worker-1"
	future := now.Add(time.Minute)
	tk.LeaseExpiry = &future
	require.NoError(t, tk.Validate(now))

	tk.Attempt = tk.MaxAttempts + 1
	assert.Error(t, tk.Validate(now))
}

func TestTaskModel_JSONRoundTrip(t *testing.T) {
	tk := New("t", "c", json.RawMessage(`{"a":1}`))
	tk.Priority = PriorityHigh
	tk.Status = StatusScheduled

	data, err := json.Marshal(tk)
	require.NoError(t, err)

	var restored TaskModel
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, tk.ID, restored.ID)
	assert.Equal(t, tk.Classification, restored.Classification)
	assert.Equal(t, tk.Priority, restored.Priority)
	assert.Equal(t, tk.Status, restored.Status)
}
