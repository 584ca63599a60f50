package boltrepo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/engine/internal/adapter"
	"github.com/taskmesh/engine/internal/adapter/boltadapter"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/task"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	a, err := adapter.New("bolt", "primary", map[string]any{"path": path})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return New(a.(*boltadapter.Adapter))
}

func TestRepository_CreateAndRead(t *testing.T) {
	repo := newTestRepo(t)
	tk := task.New("t1", "demo", nil)

	require.NoError(t, repo.Create(context.Background(), tk))

	got, err := repo.Read(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, int64(1), got.Version)
}

func TestRepository_Create_Duplicate(t *testing.T) {
	repo := newTestRepo(t)
	tk := task.New("t1", "demo", nil)
	require.NoError(t, repo.Create(context.Background(), tk))

	err := repo.Create(context.Background(), task.New("t1", "demo", nil))
	assert.ErrorIs(t, err, task.ErrTaskAlreadyExists)
}

func TestRepository_Read_NotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Read(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRepository_Update_VersionConflict(t *testing.T) {
	repo := newTestRepo(t)
	tk := task.New("t1", "demo", nil)
	require.NoError(t, repo.Create(context.Background(), tk))

	stale := task.New("t1", "demo", nil)
	stale.Version = 99

	_, err := repo.Update(context.Background(), stale)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
}

func TestRepository_Update_Success(t *testing.T) {
	repo := newTestRepo(t)
	tk := task.New("t1", "demo", nil)
	require.NoError(t, repo.Create(context.Background(), tk))

	tk.Status = task.StatusCanceled
	updated, err := repo.Update(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	got, err := repo.Read(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCanceled, got.Status)
}

func TestRepository_Claim_Success(t *testing.T) {
	repo := newTestRepo(t)
	tk := task.New("t1", "demo", nil)
	require.NoError(t, repo.Create(context.Background(), tk))

	claimed, err := repo.Claim(context.Background(), "t1", "worker-1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, task.StatusClaimed, claimed.Status)
	assert.Equal(t, "worker-1", claimed.LeaseOwner)
}

func TestRepository_Claim_ConflictWhenAlreadyLeased(t *testing.T) {
	repo := newTestRepo(t)
	tk := task.New("t1", "demo", nil)
	require.NoError(t, repo.Create(context.Background(), tk))

	_, err := repo.Claim(context.Background(), "t1", "worker-1", 30*time.Second)
	require.NoError(t, err)

	_, err = repo.Claim(context.Background(), "t1", "worker-2", 30*time.Second)
	assert.ErrorIs(t, err, repository.ErrClaimConflict)
}

func TestRepository_Claim_RecoversExpiredLease(t *testing.T) {
	repo := newTestRepo(t)
	tk := task.New("t1", "demo", nil)
	require.NoError(t, repo.Create(context.Background(), tk))

	_, err := repo.Claim(context.Background(), "t1", "worker-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	claimed, err := repo.Claim(context.Background(), "t1", "worker-2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", claimed.LeaseOwner)
}

func TestRepository_List_OrdersByNextRunAtThenID(t *testing.T) {
	repo := newTestRepo(t)

	later := task.New("b", "demo", nil)
	nr := time.Now().Add(time.Hour)
	later.NextRunAt = &nr
	require.NoError(t, repo.Create(context.Background(), later))

	sooner := task.New("a", "demo", nil)
	nr2 := time.Now().Add(time.Minute)
	sooner.NextRunAt = &nr2
	require.NoError(t, repo.Create(context.Background(), sooner))

	noSchedule := task.New("z", "demo", nil)
	require.NoError(t, repo.Create(context.Background(), noSchedule))

	out, err := repo.List(context.Background(), repository.RunnableQuery(0))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "z", out[0].ID)
	assert.Equal(t, "a", out[1].ID)
	assert.Equal(t, "b", out[2].ID)
}

func TestRepository_List_FiltersByStatus(t *testing.T) {
	repo := newTestRepo(t)
	running := task.New("r1", "demo", nil)
	running.Status = task.StatusRunning
	require.NoError(t, repo.Create(context.Background(), running))

	created := task.New("c1", "demo", nil)
	require.NoError(t, repo.Create(context.Background(), created))

	out, err := repo.List(context.Background(), repository.RunnableQuery(0))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c1", out[0].ID)
}
