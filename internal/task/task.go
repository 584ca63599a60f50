// Package task defines the persistent unit of work the engine schedules,
// its lifecycle state machine, and its retry/backoff policy.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Atomicity distinguishes a single-shot task from one driven by an ordered
// sequence of steps.
type Atomicity int

const (
	AtomicitySimple Atomicity = iota
	AtomicityComposite
)

func (a Atomicity) String() string {
	if a == AtomicityComposite {
		return "composite"
	}
	return "simple"
}

// Priority levels a task carries. The engine's scan loop orders dispatch
// by NextRunAt then ID only and does not consult Priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// StreamName returns the per-priority dispatch stream name for prefix.
func (p Priority) StreamName(prefix string) string {
	return prefix + ":" + p.String()
}

func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// TaskError is the serialized form of a handler or repository failure
// attached to a TaskModel (spec §3: error: kind, message, optional stack).
type TaskError struct {
	Kind    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// StepDescriptor is one step of a composite task.
type StepDescriptor struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Name      string          `json:"name"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// LogEntry is one buffered log line retained in a task's LogTail.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Extra     string    `json:"extra,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskModel is the persistent unit of work (spec §3).
type TaskModel struct {
	ID             string    `json:"id"`
	Classification string    `json:"classification"`
	Atomicity      Atomicity `json:"atomicity"`
	Status         Status    `json:"status"`
	Priority       Priority  `json:"priority"`

	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Err    *TaskError      `json:"error,omitempty"`

	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffPolicy `json:"backoff"`

	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	ScheduledTo *time.Time `json:"scheduled_to,omitempty"`

	LeaseOwner  string     `json:"lease_owner,omitempty"`
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`

	Steps       []StepDescriptor `json:"steps,omitempty"`
	StepResults []StepResult     `json:"step_results,omitempty"`
	CurrentStep int              `json:"current_step"`

	LogTail    []LogEntry        `json:"log_tail,omitempty"`
	LogTailMax int               `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timeout    time.Duration     `json:"timeout"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version supports optimistic-concurrency updates at the repository
	// boundary; it is not part of the spec's data model but is required
	// for a CAS-based Claim to be detectable per spec §6.
	Version int64 `json:"version"`
}

// New creates a TaskModel with the defaults spec §3 implies (attempt 0,
// CREATED status, a fresh id supplied by the caller).
func New(id, classification string, input json.RawMessage) *TaskModel {
	now := time.Now().UTC()
	return &TaskModel{
		ID:             id,
		Classification: classification,
		Atomicity:      AtomicitySimple,
		Status:         StatusCreated,
		Priority:       PriorityNormal,
		Input:          input,
		MaxAttempts:    1,
		Backoff:        DefaultBackoffPolicy(),
		LogTailMax:     100,
		Metadata:       make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Fingerprint identifies a task for at-most-one-dispatch purposes
// (SPEC_FULL §4.1).
func (t *TaskModel) Fingerprint() string {
	return t.Classification + ":" + t.ID
}

// CanRetry reports whether another attempt is permitted under MaxAttempts
// (spec §4.2: attempt+1 < maxAttempts retries, attempt+1 >= maxAttempts
// fails outright — a fresh task with MaxAttempts=1 never retries).
func (t *TaskModel) CanRetry() bool {
	return t.Attempt+1 < t.MaxAttempts
}

// IsRunnable implements the scan-loop predicate of spec §4.1: eligible
// states whose NextRunAt has elapsed (or is unset).
func (t *TaskModel) IsRunnable(now time.Time) bool {
	switch t.Status {
	case StatusCreated, StatusScheduled, StatusWaitingRetry:
	default:
		return false
	}
	return t.NextRunAt == nil || !t.NextRunAt.After(now)
}

// LeaseExpired reports whether a held lease has passed its expiry, making
// the task eligible for lease recovery (spec §4.1).
func (t *TaskModel) LeaseExpired(now time.Time) bool {
	if t.LeaseOwner == "" || t.LeaseExpiry == nil {
		return false
	}
	return !t.LeaseExpiry.After(now)
}

// AppendLog appends entries to LogTail, enforcing invariant 5 of spec §3
// (logTail is a bounded suffix of the emitted stream) by dropping the
// oldest entries once LogTailMax is exceeded.
func (t *TaskModel) AppendLog(entries ...LogEntry) {
	max := t.LogTailMax
	if max <= 0 {
		max = 100
	}
	t.LogTail = append(t.LogTail, entries...)
	if len(t.LogTail) > max {
		t.LogTail = t.LogTail[len(t.LogTail)-max:]
	}
}

// Validate checks the invariants of spec §3 that can be verified without
// access to a lock on the repository.
func (t *TaskModel) Validate(now time.Time) error {
	if t.Status == StatusRunning {
		if t.LeaseOwner == "" || t.LeaseExpiry == nil || !t.LeaseExpiry.After(now) {
			return fmt.Errorf("task %s: invariant violated: RUNNING requires a live lease", t.ID)
		}
	}
	switch t.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		if t.LeaseOwner != "" || t.LeaseExpiry != nil {
			return fmt.Errorf("task %s: invariant violated: terminal state must clear lease", t.ID)
		}
	}
	if t.Attempt > t.MaxAttempts {
		return fmt.Errorf("task %s: invariant violated: attempt %d exceeds maxAttempts %d", t.ID, t.Attempt, t.MaxAttempts)
	}
	if t.Atomicity == AtomicityComposite && len(t.StepResults) > len(t.Steps) {
		return fmt.Errorf("task %s: invariant violated: more stepResults than steps", t.ID)
	}
	if t.LogTailMax > 0 && len(t.LogTail) > t.LogTailMax {
		return fmt.Errorf("task %s: invariant violated: logTail exceeds logTailMax", t.ID)
	}
	return nil
}
