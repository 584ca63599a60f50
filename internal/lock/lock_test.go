package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fireNoop(v any) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) { return v, nil }
}

func TestAdapterLock_Submit_SerializesByDefault(t *testing.T) {
	l := New()
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := &Transaction{ID: "tx", Fire: func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}}
			tx.ID = "tx-" + string(rune('a'+i))
			_, _ = l.Submit(context.Background(), tx)
		}()
	}
	wg.Wait()
	assert.Len(t, order, 5)
}

func TestAdapterLock_Submit_ReentrantSameTransaction(t *testing.T) {
	l := New()
	var innerRan bool

	tx := &Transaction{ID: "tx-1"}
	tx.Fire = func(ctx context.Context) (any, error) {
		inner := &Transaction{ID: "tx-1", Fire: func(ctx context.Context) (any, error) {
			innerRan = true
			return nil, nil
		}}
		return l.Submit(ctx, inner)
	}

	_, err := l.Submit(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, innerRan)
}

func TestAdapterLock_FIFOUnderContention(t *testing.T) {
	l := New(WithCounter(1))
	var mu sync.Mutex
	var completed []string

	release := make(chan struct{})
	first := &Transaction{ID: "first", Fire: func(ctx context.Context) (any, error) {
		<-release
		mu.Lock()
		completed = append(completed, "first")
		mu.Unlock()
		return nil, nil
	}}

	go func() { _, _ = l.Submit(context.Background(), first) }()
	time.Sleep(20 * time.Millisecond) // let "first" become current

	var wg sync.WaitGroup
	for _, id := range []string{"second", "third"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := &Transaction{ID: id, Fire: func(ctx context.Context) (any, error) {
				mu.Lock()
				completed = append(completed, id)
				mu.Unlock()
				return nil, nil
			}}
			_, _ = l.Submit(context.Background(), tx)
		}()
		time.Sleep(10 * time.Millisecond) // preserve submission order
	}

	close(release)
	wg.Wait()

	require.Len(t, completed, 3)
	assert.Equal(t, []string{"first", "second", "third"}, completed)
}

// Scenario E — lock reentry: both calls succeed without blocking; on
// release, table locks drop exactly once per resource.
func TestAdapterLock_ScenarioE_LockReentry(t *testing.T) {
	l := New()
	tx := &Transaction{ID: "tx-1"}

	require.NoError(t, l.LockTables(context.Background(), tx, []string{"a", "b"}))
	require.NoError(t, l.LockTables(context.Background(), tx, []string{"b", "a"}))

	l.mu.Lock()
	assert.Equal(t, 2, l.tables["a"].refCount)
	assert.Equal(t, 2, l.tables["b"].refCount)
	l.mu.Unlock()

	l.release(tx, nil)

	l.mu.Lock()
	assert.Empty(t, l.tables["a"].owner)
	assert.Empty(t, l.tables["b"].owner)
	l.mu.Unlock()
}

// Scenario F — lock contention: T2 blocks until T1 releases table "x";
// T3 requesting ["x","y"] in the same sorted order never deadlocks.
func TestAdapterLock_ScenarioF_ContentionNoDeadlock(t *testing.T) {
	l := New()
	t1 := &Transaction{ID: "t1"}
	t2 := &Transaction{ID: "t2"}
	t3 := &Transaction{ID: "t3"}

	require.NoError(t, l.LockTables(context.Background(), t1, []string{"x"}))

	var t2Acquired, t3Acquired int32
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		require.NoError(t, l.LockTables(context.Background(), t2, []string{"x"}))
		atomic.StoreInt32(&t2Acquired, 1)
	}()
	go func() {
		defer wg.Done()
		require.NoError(t, l.LockTables(context.Background(), t3, []string{"x", "y"}))
		atomic.StoreInt32(&t3Acquired, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&t2Acquired))
	assert.Equal(t, int32(0), atomic.LoadInt32(&t3Acquired))

	l.release(t1, nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock: waiters never acquired table x")
	}
}

func TestAdapterLock_LockRecords_EmptyIsNoop(t *testing.T) {
	l := New()
	tx := &Transaction{ID: "t1"}
	require.NoError(t, l.LockTables(context.Background(), tx, nil))
	require.NoError(t, l.LockRecords(context.Background(), tx, "users", nil))
}

func TestAdapterLock_LockTimeout(t *testing.T) {
	l := New()
	t1 := &Transaction{ID: "t1"}
	t2 := &Transaction{ID: "t2"}

	require.NoError(t, l.LockTables(context.Background(), t1, []string{"x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.LockTables(ctx, t2, []string{"x"})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestAdapterLock_Stats(t *testing.T) {
	l := New()
	tx := &Transaction{ID: "t1"}
	require.NoError(t, l.LockTables(context.Background(), tx, []string{"a"}))
	require.NoError(t, l.LockRecords(context.Background(), tx, "users", []string{"1"}))

	stats := l.Stats()
	assert.Equal(t, 1, stats.HeldTables)
	assert.Equal(t, 1, stats.HeldRecords)
}
