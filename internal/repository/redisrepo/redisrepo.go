// Package redisrepo implements repository.TaskRepository over Redis,
// grounded on the teacher's internal/queue/redis_streams.go (task blobs
// stored as JSON under a per-task key) and internal/queue/scheduler.go
// (a Redis sorted set used as a time-ordered index, ZRangeByScore to
// find due work). CAS semantics use go-redis's optimistic
// WATCH/MULTI/EXEC transaction helper instead of a hand-rolled retry
// loop around GET+SET.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/engine/internal/adapter/redisadapter"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/task"
)

// Repository is a Redis-backed repository.TaskRepository.
type Repository struct {
	client *redis.Client
	key    func(parts ...string) string
}

func New(a *redisadapter.Adapter) *Repository {
	return &Repository{client: a.Client(), key: a.Key}
}

func (r *Repository) taskKey(id string) string { return r.key("task", id) }

// indexKey returns the sorted-set key holding every task id currently in
// the given status, scored by NextRunAt (unix millis, 0 when unset) so
// ZRangeByScore yields spec §4.1 fairness order directly.
func (r *Repository) indexKey(status task.Status) string {
	return r.key("index", string(status))
}

func (r *Repository) Create(ctx context.Context, t *task.TaskModel) error {
	exists, err := r.client.Exists(ctx, r.taskKey(t.ID)).Result()
	if err != nil {
		return fmt.Errorf("redisrepo: exists check: %w", err)
	}
	if exists > 0 {
		return task.ErrTaskAlreadyExists
	}
	t.Version = 1
	return r.writeTask(ctx, nil, t)
}

func (r *Repository) Read(ctx context.Context, id string) (*task.TaskModel, error) {
	data, err := r.client.Get(ctx, r.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisrepo: get task: %w", err)
	}
	return decodeTask(data)
}

func (r *Repository) Update(ctx context.Context, t *task.TaskModel) (*task.TaskModel, error) {
	bumped := false
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.taskKey(t.ID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redisrepo: get task: %w", err)
		}
		existing, err := decodeTask(data)
		if err != nil {
			return err
		}
		if existing.Version != t.Version {
			return repository.ErrVersionConflict
		}
		t.Version++
		bumped = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.stageWrite(ctx, pipe, existing, t)
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, r.taskKey(t.ID)); err != nil {
		if bumped {
			t.Version-- // undo the speculative bump on failure
		}
		return nil, err
	}
	return t, nil
}

func (r *Repository) Claim(ctx context.Context, id, owner string, leaseMs time.Duration) (*task.TaskModel, error) {
	var claimed *task.TaskModel

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, r.taskKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("redisrepo: get task: %w", err)
		}
		before, err := decodeTask(data)
		if err != nil {
			return err
		}

		t := *before
		now := time.Now().UTC()
		if !t.IsRunnable(now) && !t.LeaseExpired(now) {
			return repository.ErrClaimConflict
		}

		sm := task.NewStateMachine(&t)
		if t.LeaseExpired(now) && !t.Status.IsTerminal() {
			if err := sm.RecoverLease(); err != nil {
				return err
			}
		}
		if err := sm.Claim(owner, leaseMs); err != nil {
			return repository.ErrClaimConflict
		}
		t.Version++

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.stageWrite(ctx, pipe, before, &t)
		})
		if err != nil {
			return err
		}
		claimed = &t
		return nil
	}

	if err := r.client.Watch(ctx, txf, r.taskKey(id)); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Repository) List(ctx context.Context, query repository.ListQuery) ([]*task.TaskModel, error) {
	statuses := query.Statuses
	if len(statuses) == 0 {
		statuses = []task.Status{
			task.StatusCreated, task.StatusScheduled, task.StatusClaimed,
			task.StatusRunning, task.StatusWaitingRetry, task.StatusSucceeded,
			task.StatusFailed, task.StatusCanceled, task.StatusPaused,
		}
	}

	idSet := make(map[string]struct{})
	var ids []string
	for _, s := range statuses {
		members, err := r.client.ZRangeByScore(ctx, r.indexKey(s), &redis.ZRangeBy{
			Min: "-inf", Max: "+inf",
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("redisrepo: zrangebyscore %s: %w", s, err)
		}
		for _, id := range members {
			if _, seen := idSet[id]; !seen {
				idSet[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.taskKey(id)
	}
	blobs, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisrepo: mget: %w", err)
	}

	out := make([]*task.TaskModel, 0, len(blobs))
	for _, b := range blobs {
		s, ok := b.(string)
		if !ok {
			continue // deleted between ZRANGE and MGET
		}
		t, err := decodeTask([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool {
		ni, nj := out[i].NextRunAt, out[j].NextRunAt
		switch {
		case ni == nil && nj == nil:
			return out[i].ID < out[j].ID
		case ni == nil:
			return true
		case nj == nil:
			return false
		case !ni.Equal(*nj):
			return ni.Before(*nj)
		default:
			return out[i].ID < out[j].ID
		}
	})

	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// writeTask persists t outside of any existing transaction (used by
// Create, which has no prior version to compare against).
func (r *Repository) writeTask(ctx context.Context, before, t *task.TaskModel) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.stageWrite(ctx, pipe, before, t)
	})
	return err
}

// stageWrite queues the blob SET plus the index ZREM/ZADD moves needed to
// keep the status sorted sets consistent with t, onto pipe.
func (r *Repository) stageWrite(ctx context.Context, pipe redis.Pipeliner, before, t *task.TaskModel) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redisrepo: marshal task: %w", err)
	}
	pipe.Set(ctx, r.taskKey(t.ID), data, 0)

	if before != nil && before.Status != t.Status {
		pipe.ZRem(ctx, r.indexKey(before.Status), t.ID)
	}
	pipe.ZAdd(ctx, r.indexKey(t.Status), redis.Z{
		Score:  nextRunAtScore(t),
		Member: t.ID,
	})
	return nil
}

func nextRunAtScore(t *task.TaskModel) float64 {
	if t.NextRunAt == nil {
		return 0
	}
	return float64(t.NextRunAt.UnixMilli())
}

func decodeTask(data []byte) (*task.TaskModel, error) {
	var t task.TaskModel
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("redisrepo: unmarshal task: %w", err)
	}
	return &t, nil
}
