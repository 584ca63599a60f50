// Package dlq implements a dead-letter queue for tasks the engine has
// given up on (status FAILED), adapted from the teacher's
// internal/queue/dlq.go (a Redis stream + lookup-set pair) onto
// task.TaskModel and repository.TaskRepository, supplementing a feature
// the distilled spec's scope left out (spec.md's own scan loop says
// nothing about retained visibility into exhausted failures, but the
// teacher's original system does, so it is carried forward here).
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/task"
)

const (
	streamName = "tasks:dlq"
	setName    = "tasks:dlq:set"
)

// Queue is a dead-letter queue for FAILED tasks, so an operator can
// inspect, requeue, or discard them after the fact.
type Queue struct {
	client *redis.Client
	key    func(parts ...string) string
}

// New builds a Queue over client, namespacing keys with key (normally
// (*redisadapter.Adapter).Key).
func New(client *redis.Client, key func(parts ...string) string) *Queue {
	if key == nil {
		key = func(parts ...string) string {
			k := "taskengine"
			for _, p := range parts {
				k += ":" + p
			}
			return k
		}
	}
	return &Queue{client: client, key: key}
}

func (q *Queue) streamKey() string { return q.key(streamName) }
func (q *Queue) setKey() string    { return q.key(setName) }

// Entry is one dead-letter record.
type Entry struct {
	Task      *task.TaskModel `json:"task"`
	Reason    string          `json:"reason"`
	AddedAt   time.Time       `json:"added_at"`
	MessageID string          `json:"-"`
}

// Add records t in the dead-letter queue. t should already be in
// StatusFailed; Add does not itself drive the state machine, since the
// engine's finish() is the only caller and already performed that
// transition.
func (q *Queue) Add(ctx context.Context, t *task.TaskModel, reason string) error {
	entry := Entry{Task: t, Reason: reason, AddedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry: %w", err)
	}

	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(),
		Values: map[string]any{
			"task_id":        t.ID,
			"classification": t.Classification,
			"data":           string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("dlq: add to stream: %w", err)
	}

	q.client.SAdd(ctx, q.setKey(), t.ID)
	return nil
}

// List returns up to limit entries at or after cursor (an XRange start
// id; "" means the beginning of the stream). limit <= 0 means unbounded.
func (q *Queue) List(ctx context.Context, limit int64, cursor string) ([]Entry, error) {
	if cursor == "" {
		cursor = "-"
	}
	messages, err := q.client.XRange(ctx, q.streamKey(), cursor, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("dlq: read stream: %w", err)
	}

	entries := make([]Entry, 0, len(messages))
	for i, msg := range messages {
		if limit > 0 && int64(i) >= limit {
			break
		}
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entry.MessageID = msg.ID
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove deletes one entry from both the stream and the lookup set.
func (q *Queue) Remove(ctx context.Context, taskID, messageID string) error {
	if messageID != "" {
		if err := q.client.XDel(ctx, q.streamKey(), messageID).Err(); err != nil {
			return fmt.Errorf("dlq: delete from stream: %w", err)
		}
	}
	q.client.SRem(ctx, q.setKey(), taskID)
	return nil
}

// Retry resets taskID's attempt count and reschedules it immediately via
// repo, then removes it from the dead-letter queue.
func (q *Queue) Retry(ctx context.Context, repo repository.TaskRepository, taskID string) error {
	entries, err := q.List(ctx, 0, "")
	if err != nil {
		return err
	}

	var target *Entry
	for i := range entries {
		if entries[i].Task.ID == taskID {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return repository.ErrNotFound
	}

	current, err := repo.Read(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dlq: read task for retry: %w", err)
	}
	// FAILED has no outgoing transitions in the ordinary state machine
	// (spec §4.2: terminal states are final); an operator-initiated DLQ
	// retry is a deliberate administrative override of that rule, so it
	// sets the fields directly rather than going through
	// StateMachine.Transition's legality check.
	current.Attempt = 0
	current.Err = nil
	current.NextRunAt = nil
	current.Status = task.StatusScheduled
	current.UpdatedAt = time.Now().UTC()
	if _, err := repo.Update(ctx, current); err != nil {
		return fmt.Errorf("dlq: persist reschedule: %w", err)
	}

	return q.Remove(ctx, taskID, target.MessageID)
}

// Size returns the number of tasks currently dead-lettered.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.client.SCard(ctx, q.setKey()).Result()
}

// Contains reports whether taskID is currently dead-lettered.
func (q *Queue) Contains(ctx context.Context, taskID string) (bool, error) {
	return q.client.SIsMember(ctx, q.setKey(), taskID).Result()
}

// Clear removes every entry from the dead-letter queue.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.streamKey()).Err(); err != nil {
		return fmt.Errorf("dlq: clear stream: %w", err)
	}
	return q.client.Del(ctx, q.setKey()).Err()
}
