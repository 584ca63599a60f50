package task

import "time"

// Retryer applies a TaskModel's BackoffPolicy to compute retry scheduling
// decisions, mirroring the teacher's Retryer but driven by the spec §4.2
// state machine instead of a flat Pending/Retrying cycle.
type Retryer struct{}

func NewRetryer() *Retryer {
	return &Retryer{}
}

// RetryInfo summarizes the scheduling decision after a failed attempt.
type RetryInfo struct {
	ShouldRetry  bool
	NextRunAt    time.Time
	BackoffDelay time.Duration
	AttemptsLeft int
}

// Decide computes whether t should be retried and, if so, when.
func (r *Retryer) Decide(t *TaskModel, now time.Time) RetryInfo {
	if !t.CanRetry() {
		return RetryInfo{ShouldRetry: false}
	}
	delay := computeBackoff(t.Attempt+1, t.Backoff)
	return RetryInfo{
		ShouldRetry:  true,
		NextRunAt:    now.Add(delay),
		BackoffDelay: delay,
		AttemptsLeft: t.MaxAttempts - t.Attempt - 1,
	}
}

// ApplyFailure drives the state machine's Retry/Fail transition based on
// the computed RetryInfo, as the engine does after a handler error
// (spec §4.2).
func (r *Retryer) ApplyFailure(t *TaskModel, now time.Time, taskErr *TaskError) error {
	info := r.Decide(t, now)
	sm := NewStateMachine(t).WithClock(func() time.Time { return now })
	if info.ShouldRetry {
		return sm.Retry(info.NextRunAt, taskErr)
	}
	return sm.Fail(taskErr)
}
