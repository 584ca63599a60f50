// Package repository implements the task repository consumed by the
// engine (spec §6: "create(task), read(id, ctx), update(task, ctx?),
// list(query), claim(id, owner, leaseMs)").
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/taskmesh/engine/internal/task"
)

// ErrVersionConflict is returned by Update when the stored Version no
// longer matches the caller's, signaling a conflicting write (spec §6:
// "conflicting updates must be detectable").
var ErrVersionConflict = errors.New("repository: version conflict")

// ErrClaimConflict is returned by Claim when another worker already holds
// a live lease, or the task is no longer runnable (spec §7 ClaimConflict:
// "skip silently; re-scan later").
var ErrClaimConflict = errors.New("repository: claim conflict")

// ErrNotFound is returned by Read/Update/Claim for an unknown task id.
var ErrNotFound = task.ErrTaskNotFound

// ListQuery filters and bounds a List call. A nil Statuses means any
// status; a zero Limit means unbounded.
type ListQuery struct {
	Statuses []task.Status
	Limit    int
}

// TaskRepository is the persistence boundary the engine consumes
// (spec §6, §2 "collaborators").
type TaskRepository interface {
	Create(ctx context.Context, t *task.TaskModel) error
	Read(ctx context.Context, id string) (*task.TaskModel, error)
	Update(ctx context.Context, t *task.TaskModel) (*task.TaskModel, error)
	List(ctx context.Context, query ListQuery) ([]*task.TaskModel, error)
	// Claim performs a compare-and-set claim: it succeeds only if the task
	// is still runnable (or its lease has expired) and is not already
	// owned with a live lease (spec §4.1).
	Claim(ctx context.Context, id, owner string, leaseMs time.Duration) (*task.TaskModel, error)
}

// RunnableQuery returns the ListQuery matching the scan loop's
// eligibility predicate of spec §4.1 (status ∈ {CREATED, SCHEDULED,
// WAITING_RETRY}). Lease-expiry recovery is handled separately by List
// plus in-process filtering on LeaseExpired, since it spans a different
// status set (any non-terminal status).
func RunnableQuery(limit int) ListQuery {
	return ListQuery{
		Statuses: []task.Status{task.StatusCreated, task.StatusScheduled, task.StatusWaitingRetry},
		Limit:    limit,
	}
}
