package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusCreated, "created"},
		{StatusScheduled, "scheduled"},
		{StatusClaimed, "claimed"},
		{StatusRunning, "running"},
		{StatusWaitingRetry, "waiting_retry"},
		{StatusSucceeded, "succeeded"},
		{StatusFailed, "failed"},
		{StatusCanceled, "canceled"},
		{StatusPaused, "paused"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected Status
	}{
		{"created", StatusCreated},
		{"scheduled", StatusScheduled},
		{"claimed", StatusClaimed},
		{"running", StatusRunning},
		{"waiting_retry", StatusWaitingRetry},
		{"succeeded", StatusSucceeded},
		{"failed", StatusFailed},
		{"canceled", StatusCanceled},
		{"paused", StatusPaused},
		{"invalid", StatusCreated},
		{"", StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseStatus(tt.input))
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCanceled}
	nonTerminal := []Status{StatusCreated, StatusScheduled, StatusClaimed, StatusRunning, StatusWaitingRetry, StatusPaused}

	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %s to not be terminal", s)
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusCreated, StatusClaimed, true},
		{StatusCreated, StatusCanceled, true},
		{StatusCreated, StatusSucceeded, false},

		{StatusClaimed, StatusRunning, true},
		{StatusClaimed, StatusScheduled, true},
		{StatusClaimed, StatusFailed, false},

		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusWaitingRetry, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCreated, false},

		{StatusWaitingRetry, StatusClaimed, true},
		{StatusWaitingRetry, StatusCanceled, true},
		{StatusWaitingRetry, StatusSucceeded, false},

		{StatusSucceeded, StatusCreated, false},
		{StatusFailed, StatusCreated, false},
		{StatusCanceled, StatusCreated, false},

		{StatusPaused, StatusScheduled, true},
		{StatusPaused, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStateMachine_ClaimAndBegin(t *testing.T) {
	tk := New("t1", "demo", nil)
	sm := NewStateMachine(tk)

	require.NoError(t, sm.Claim("worker-1", 30*time.Second))
	assert.Equal(t, StatusClaimed, tk.Status)
	assert.Equal(t, "worker-1", tk.LeaseOwner)
	require.NotNil(t, tk.LeaseExpiry)

	require.NoError(t, sm.Begin())
	assert.Equal(t, StatusRunning, tk.Status)
}

func TestStateMachine_Succeed(t *testing.T) {
	tk := New("t1", "demo", nil)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Claim("worker-1", 30*time.Second))
	require.NoError(t, sm.Begin())

	require.NoError(t, sm.Succeed([]byte(`{"ok":true}`)))
	assert.Equal(t, StatusSucceeded, tk.Status)
	assert.Empty(t, tk.LeaseOwner)
	assert.Nil(t, tk.LeaseExpiry)
	assert.Nil(t, tk.Err)
}

func TestStateMachine_Retry_WithAttemptsLeft(t *testing.T) {
	tk := New("t1", "demo", nil)
	tk.MaxAttempts = 3
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Claim("worker-1", 30*time.Second))
	require.NoError(t, sm.Begin())

	next := time.Now().Add(time.Second)
	require.NoError(t, sm.Retry(next, &TaskError{Kind: "handler", Message: "boom"}))
	assert.Equal(t, StatusWaitingRetry, tk.Status)
	assert.Equal(t, 1, tk.Attempt)
	require.NotNil(t, tk.NextRunAt)
	assert.Empty(t, tk.LeaseOwner)
}

func TestStateMachine_Fail(t *testing.T) {
	tk := New("t1", "demo", nil)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Claim("worker-1", 30*time.Second))
	require.NoError(t, sm.Begin())

	require.NoError(t, sm.Fail(&TaskError{Kind: "handler", Message: "fatal"}))
	assert.Equal(t, StatusFailed, tk.Status)
	assert.Equal(t, "fatal", tk.Err.Message)
}

func TestStateMachine_Cancel(t *testing.T) {
	tk := New("t1", "demo", nil)
	sm := NewStateMachine(tk)

	require.NoError(t, sm.Cancel())
	assert.Equal(t, StatusCanceled, tk.Status)
}

func TestStateMachine_Cancel_NoopOnTerminal(t *testing.T) {
	tk := New("t1", "demo", nil)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Claim("w", time.Second))
	require.NoError(t, sm.Begin())
	require.NoError(t, sm.Succeed(nil))

	require.NoError(t, sm.Cancel())
	assert.Equal(t, StatusSucceeded, tk.Status)
}

func TestStateMachine_RecoverLease(t *testing.T) {
	tk := New("t1", "demo", nil)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Claim("worker-1", time.Millisecond))
	require.NoError(t, sm.Begin())

	require.NoError(t, sm.RecoverLease())
	assert.Equal(t, StatusScheduled, tk.Status)
	assert.Empty(t, tk.LeaseOwner)
	assert.Nil(t, tk.LeaseExpiry)
}

func TestStateMachine_ApplyStateChange_Pause(t *testing.T) {
	tk := New("t1", "demo", nil)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Claim("worker-1", time.Second))
	require.NoError(t, sm.Begin())

	require.NoError(t, sm.ApplyStateChange(StatusPaused, nil, nil))
	assert.Equal(t, StatusPaused, tk.Status)
	assert.Empty(t, tk.LeaseOwner)
}

func TestStateMachine_ApplyStateChange_ScheduleAt(t *testing.T) {
	tk := New("t1", "demo", nil)
	sm := NewStateMachine(tk)
	require.NoError(t, sm.Claim("worker-1", time.Second))
	require.NoError(t, sm.Begin())

	at := time.Now().Add(time.Hour)
	require.NoError(t, sm.ApplyStateChange(StatusScheduled, &at, nil))
	assert.Equal(t, StatusScheduled, tk.Status)
	require.NotNil(t, tk.ScheduledTo)
	assert.WithinDuration(t, at, *tk.ScheduledTo, time.Second)
	require.NotNil(t, tk.NextRunAt)
}
