// Package boltrepo implements repository.TaskRepository over an embedded
// go.etcd.io/bbolt database, grounded on hashicorp-nomad's client state
// store conventions (one bucket per entity, JSON-encoded values, the
// whole mutation wrapped in a single db.Update transaction).
package boltrepo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/taskmesh/engine/internal/adapter/boltadapter"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/task"
)

// Repository is a bbolt-backed repository.TaskRepository.
type Repository struct {
	db *bbolt.DB
}

func New(a *boltadapter.Adapter) *Repository {
	return &Repository{db: a.DB()}
}

func (r *Repository) Create(ctx context.Context, t *task.TaskModel) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltadapter.BucketTasks))
		if b.Get([]byte(t.ID)) != nil {
			return task.ErrTaskAlreadyExists
		}
		t.Version = 1
		return putTask(b, t)
	})
}

func (r *Repository) Read(ctx context.Context, id string) (*task.TaskModel, error) {
	var out *task.TaskModel
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltadapter.BucketTasks))
		data := b.Get([]byte(id))
		if data == nil {
			return repository.ErrNotFound
		}
		t, err := decodeTask(data)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (r *Repository) Update(ctx context.Context, t *task.TaskModel) (*task.TaskModel, error) {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltadapter.BucketTasks))
		data := b.Get([]byte(t.ID))
		if data == nil {
			return repository.ErrNotFound
		}
		existing, err := decodeTask(data)
		if err != nil {
			return err
		}
		if existing.Version != t.Version {
			return repository.ErrVersionConflict
		}
		t.Version++
		return putTask(b, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) List(ctx context.Context, query repository.ListQuery) ([]*task.TaskModel, error) {
	wanted := make(map[task.Status]bool, len(query.Statuses))
	for _, s := range query.Statuses {
		wanted[s] = true
	}

	var out []*task.TaskModel
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltadapter.BucketTasks))
		return b.ForEach(func(k, v []byte) error {
			t, err := decodeTask(v)
			if err != nil {
				return err
			}
			if len(wanted) > 0 && !wanted[t.Status] {
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	// Fairness: ascending nextRunAt, tie-broken by id (spec §4.1).
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

func (r *Repository) Claim(ctx context.Context, id, owner string, leaseMs time.Duration) (*task.TaskModel, error) {
	var claimed *task.TaskModel
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(boltadapter.BucketTasks))
		data := b.Get([]byte(id))
		if data == nil {
			return repository.ErrNotFound
		}
		t, err := decodeTask(data)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if !t.IsRunnable(now) && !t.LeaseExpired(now) {
			return repository.ErrClaimConflict
		}

		sm := task.NewStateMachine(t)
		if t.LeaseExpired(now) && !t.Status.IsTerminal() {
			if err := sm.RecoverLease(); err != nil {
				return err
			}
		}
		if err := sm.Claim(owner, leaseMs); err != nil {
			return repository.ErrClaimConflict
		}
		t.Version++
		if err := putTask(b, t); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func putTask(b *bbolt.Bucket, t *task.TaskModel) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("boltrepo: marshal task: %w", err)
	}
	return b.Put([]byte(t.ID), data)
}

func decodeTask(data []byte) (*task.TaskModel, error) {
	var t task.TaskModel
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("boltrepo: unmarshal task: %w", err)
	}
	return &t, nil
}
