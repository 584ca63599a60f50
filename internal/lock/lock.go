// Package lock implements AdapterLock, the transactional resource manager
// of spec §4.5: it serializes transactions over a persistence adapter
// while granting re-entrant table- and record-level locks.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-set/v3"

	"github.com/taskmesh/engine/internal/metrics"
)

// ErrLockTimeout is returned when a caller-supplied context deadline
// expires while a resource acquisition is blocked (spec §7 LockTimeout).
var ErrLockTimeout = errors.New("lock: timed out waiting for resource")

// Transaction is the runtime-only unit of adapter work submitted to
// AdapterLock (spec §3). Fire performs the transactional work; it is
// invoked by the lock with this transaction considered "current", so
// Fire may re-entrantly Submit the same Transaction without blocking.
type Transaction struct {
	ID   string
	Fire func(ctx context.Context) (any, error)
}

// resourceState is the per-resource lock record (spec §3 ResourceState):
// a binary semaphore (ch) expressing ownership, guarded for bookkeeping
// fields by the lock's own mutex.
type resourceState struct {
	ch       chan struct{}
	owner    string
	refCount int
}

func newResourceState() *resourceState {
	return &resourceState{ch: make(chan struct{}, 1)}
}

type pendingItem struct {
	tx       *Transaction
	ctx      context.Context
	resultCh chan submitResult
}

type submitResult struct {
	value any
	err   error
}

// Option configures an AdapterLock.
type Option func(*AdapterLock)

// WithCounter sets the initial soft-concurrency counter (default 1: strict
// serial execution of transactions; higher values permit concurrency).
func WithCounter(n int) Option {
	return func(l *AdapterLock) {
		if n > 0 {
			l.counter = n
		}
	}
}

// WithOnBegin/WithOnEnd install the transaction lifecycle hooks of spec §6
// ("Lock: initial counter, optional onBegin, onEnd").
func WithOnBegin(fn func(tx *Transaction) error) Option {
	return func(l *AdapterLock) { l.onBegin = fn }
}

func WithOnEnd(fn func(tx *Transaction, err error)) Option {
	return func(l *AdapterLock) { l.onEnd = fn }
}

// AdapterLock serializes transactions and grants re-entrant table/record
// locks, per spec §4.5.
type AdapterLock struct {
	mu      sync.Mutex
	counter int
	current *Transaction
	pending []*pendingItem

	tables  map[string]*resourceState
	records map[string]*resourceState

	txTableRefs  map[string]map[string]int
	txRecordRefs map[string]map[string]int

	onBegin func(tx *Transaction) error
	onEnd   func(tx *Transaction, err error)
}

func New(opts ...Option) *AdapterLock {
	l := &AdapterLock{
		counter:      1,
		tables:       make(map[string]*resourceState),
		records:      make(map[string]*resourceState),
		txTableRefs:  make(map[string]map[string]int),
		txRecordRefs: make(map[string]map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Submit implements the protocol of spec §4.5: re-entrant direct fire for
// the currently-running transaction, immediate fire when the soft
// concurrency counter allows it, or FIFO queueing otherwise.
func (l *AdapterLock) Submit(ctx context.Context, tx *Transaction) (any, error) {
	l.mu.Lock()
	if l.current != nil && l.current.ID == tx.ID {
		l.mu.Unlock()
		return tx.Fire(ctx)
	}
	if l.counter > 0 {
		l.counter--
		l.mu.Unlock()
		return l.fireTransaction(ctx, tx)
	}

	item := &pendingItem{tx: tx, ctx: ctx, resultCh: make(chan submitResult, 1)}
	l.pending = append(l.pending, item)
	l.mu.Unlock()

	select {
	case res := <-item.resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *AdapterLock) fireTransaction(ctx context.Context, tx *Transaction) (any, error) {
	l.mu.Lock()
	l.current = tx
	l.mu.Unlock()

	var value any
	var err error
	if l.onBegin != nil {
		err = l.onBegin(tx)
	}
	if err == nil {
		value, err = tx.Fire(ctx)
	}
	l.release(tx, err)
	return value, err
}

// release implements spec §4.5's release protocol: drop every lock the
// transaction holds, invoke onEnd outside the internal mutex, then either
// promote the next pending transaction or restore the counter.
func (l *AdapterLock) release(tx *Transaction, err error) {
	l.mu.Lock()
	finishing := l.current

	for key := range l.txTableRefs[tx.ID] {
		l.releaseOneLocked(l.tables, key)
	}
	delete(l.txTableRefs, tx.ID)

	for key := range l.txRecordRefs[tx.ID] {
		l.releaseOneLocked(l.records, key)
	}
	delete(l.txRecordRefs, tx.ID)

	l.current = nil
	l.mu.Unlock()

	if l.onEnd != nil {
		l.onEnd(finishing, err)
	}

	l.mu.Lock()
	if len(l.pending) > 0 {
		next := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()
		go func() {
			v, e := l.fireTransaction(next.ctx, next.tx)
			next.resultCh <- submitResult{value: v, err: e}
		}()
		return
	}
	l.counter++
	l.mu.Unlock()
}

// releaseOneLocked drops tx's hold on key, releasing the underlying
// semaphore once the recorded refCount is exhausted. Caller holds l.mu.
func (l *AdapterLock) releaseOneLocked(table map[string]*resourceState, key string) {
	rs, ok := table[key]
	if !ok {
		return
	}
	rs.refCount = 0
	rs.owner = ""
	select {
	case <-rs.ch:
	default:
	}
}

// LockTables acquires re-entrant locks on the named tables, normalized
// (deduplicated, sorted) before acquisition to guarantee the global order
// that prevents deadlocks between competing transactions (spec §4.5,
// §8 invariant 5). An empty argument is a no-op (spec §8 boundary).
func (l *AdapterLock) LockTables(ctx context.Context, tx *Transaction, tables []string) error {
	return l.lockMany(ctx, tx, normalizeKeys(tables), l.tables, l.txTableRefs)
}

// LockRecords acquires re-entrant locks on "<table>::<record>" keys,
// normalized the same way as LockTables.
func (l *AdapterLock) LockRecords(ctx context.Context, tx *Transaction, table string, records []string) error {
	keys := make([]string, 0, len(records))
	for _, r := range records {
		if r == "" {
			continue
		}
		keys = append(keys, table+"::"+r)
	}
	return l.lockMany(ctx, tx, normalizeKeys(keys), l.records, l.txRecordRefs)
}

func (l *AdapterLock) lockMany(ctx context.Context, tx *Transaction, keys []string, table map[string]*resourceState, refs map[string]map[string]int) error {
	for _, key := range keys {
		if err := l.lockOne(ctx, tx, key, table, refs); err != nil {
			return err
		}
	}
	return nil
}

func (l *AdapterLock) lockOne(ctx context.Context, tx *Transaction, key string, table map[string]*resourceState, refs map[string]map[string]int) error {
	l.mu.Lock()
	rs, ok := table[key]
	if !ok {
		rs = newResourceState()
		table[key] = rs
	}
	if rs.owner == tx.ID {
		rs.refCount++
		l.recordRefLocked(refs, tx.ID, key)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	kind := "table"
	if table == l.records {
		kind = "record"
	}
	waitStart := time.Now()
	select {
	case rs.ch <- struct{}{}:
	case <-ctx.Done():
		metrics.RecordLockTimeout(kind)
		return ErrLockTimeout
	}
	metrics.RecordLockWait(kind, time.Since(waitStart).Seconds())

	l.mu.Lock()
	rs.owner = tx.ID
	rs.refCount = 1
	l.recordRefLocked(refs, tx.ID, key)
	l.mu.Unlock()
	return nil
}

func (l *AdapterLock) recordRefLocked(refs map[string]map[string]int, txID, key string) {
	m, ok := refs[txID]
	if !ok {
		m = make(map[string]int)
		refs[txID] = m
	}
	m[key]++
}

// normalizeKeys deduplicates and sorts keys lexicographically via
// hashicorp/go-set/v3, the same normalized-set primitive hashicorp-nomad
// uses for its job/allocation id bookkeeping.
func normalizeKeys(keys []string) []string {
	s := set.New[string](len(keys))
	for _, k := range keys {
		if k != "" {
			s.Insert(k)
		}
	}
	out := s.Slice()
	sort.Strings(out)
	return out
}

// Stats reports point-in-time counters useful for admin/metrics surfaces.
type Stats struct {
	PendingTransactions int
	HeldTables          int
	HeldRecords         int
}

func (l *AdapterLock) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	held := 0
	for _, rs := range l.tables {
		if rs.owner != "" {
			held++
		}
	}
	heldRecords := 0
	for _, rs := range l.records {
		if rs.owner != "" {
			heldRecords++
		}
	}
	return Stats{
		PendingTransactions: len(l.pending),
		HeldTables:          held,
		HeldRecords:         heldRecords,
	}
}
