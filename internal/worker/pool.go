// Package worker implements the host-side WorkerPool and its guest-side
// worker threads (spec §4.3), grounded on the teacher's
// internal/worker/pool.go (goroutine-per-worker supervision, semaphore
// capacity, graceful shutdown with timeout) generalized from a
// Redis-stream consumer loop into the spec's message-passing job
// queue/assignment/crash-recovery protocol.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskmesh/engine/internal/eventbus"
	"github.com/taskmesh/engine/internal/handler"
	"github.com/taskmesh/engine/internal/messaging"
)

// Errors surfaced to Submit/Shutdown callers per spec §7's error taxonomy.
var (
	ErrShutdownRejected = errors.New("worker: job rejected, pool is shutting down")
	ErrWorkerTerminated = errors.New("worker: job's worker terminated mid-run")
	ErrPoolNotRunning   = errors.New("worker: pool is not running")
)

// queuedJob is one entry of the FIFO workerJobQueue (spec §4.3).
type queuedJob struct {
	job      messaging.WorkerJobPayload
	resultCh chan result
}

type result struct {
	msg messaging.WorkerMessage
	err error
}

// inflight tracks a job currently bound to a worker, so it can be
// recovered (re-enqueued at the head) if that worker crashes.
type inflight struct {
	workerID string
	job      messaging.WorkerJobPayload
	resultCh chan result
}

// entry is one supervised worker instance.
type entry struct {
	id       string
	th       *thread
	ready    bool
	readyCh  chan struct{}
	active   int
	capacity int
}

// Pool is the host-side WorkerPool of spec §4.3: it maintains exactly
// `size` worker instances, routes jobs respecting per-worker capacity,
// forwards progress and a per-batch log entry count to the event bus,
// resurrects crashed workers, and propagates shutdown. Worker heartbeat
// messages are dropped: they do not reach the engine or extend a lease.
type Pool struct {
	size     int
	capacity int
	registry *handler.Registry
	bus      eventbus.EventBus
	log      zerolog.Logger

	mu       sync.Mutex
	workers  map[string]*entry
	queue    []queuedJob
	inFlight map[string]*inflight // jobID -> inflight
	running  bool
	shutdown bool
	nextNum  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an optional collaborator on New.
type Option func(*Pool)

func WithEventBus(bus eventbus.EventBus) Option { return func(p *Pool) { p.bus = bus } }

// New builds a Pool with `size` workers, each permitted up to `capacity`
// concurrent jobs (spec's workerConcurrency).
func New(size, capacity int, registry *handler.Registry, log zerolog.Logger, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		size:     size,
		capacity: capacity,
		registry: registry,
		log:      log,
		workers:  make(map[string]*entry),
		inFlight: make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start spawns the pool's worker instances. Idempotent: a second call on
// an already-running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.shutdown = false
	p.ctx, p.cancel = context.WithCancel(ctx)
	innerCtx := p.ctx
	p.mu.Unlock()

	for i := 0; i < p.size; i++ {
		p.spawnWorker(innerCtx)
	}
	return nil
}

func (p *Pool) spawnWorker(ctx context.Context) {
	p.mu.Lock()
	p.nextNum++
	id := fmt.Sprintf("worker-%d", p.nextNum)
	th := newThread(id, p.capacity, p.registry, p.log)
	e := &entry{id: id, th: th, capacity: p.capacity, readyCh: make(chan struct{})}
	p.workers[id] = e
	p.mu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		th.run(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.routeMessages(ctx, e)
	}()
}

// routeMessages drains a worker's outbox until it closes (graceful exit or
// crash), dispatching each message and triggering reassignment whenever a
// slot may have freed up.
func (p *Pool) routeMessages(ctx context.Context, e *entry) {
	for raw := range e.th.outbox {
		var msg messaging.WorkerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.log.Error().Err(err).Str("worker_id", e.id).Msg("worker pool: failed to decode worker message")
			continue
		}
		p.handleMessage(ctx, e, msg)
	}
	p.handleWorkerExit(ctx, e)
}

func (p *Pool) handleMessage(ctx context.Context, e *entry, msg messaging.WorkerMessage) {
	switch msg.Type {
	case "ready":
		p.mu.Lock()
		if !e.ready {
			e.ready = true
			close(e.readyCh)
		}
		p.mu.Unlock()
		p.assign(ctx)
	case "log":
		p.emit(ctx, eventbus.KindLog, msg.JobID, eventbus.LogPayload{Level: "INFO", Message: fmt.Sprintf("%d entries", len(msg.Entries))})
	case "progress":
		p.emit(ctx, eventbus.KindProgress, msg.JobID, eventbus.ProgressPayload{Data: msg.Payload})
	case "heartbeat":
		// Dropped: the pool does not pass worker heartbeats to the engine,
		// so they do not extend the task's lease.
	case "result":
		p.completeJob(msg)
		p.assign(ctx)
	case "error":
		p.log.Error().Str("worker_id", e.id).Interface("error", msg.Error).Msg("worker pool: fatal worker error")
	}
}

func (p *Pool) emit(ctx context.Context, kind eventbus.Kind, taskID string, payload any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Emit(ctx, kind, taskID, payload); err != nil {
		p.log.Error().Err(err).Str("kind", string(kind)).Msg("worker pool: event emit failed")
	}
}

func (p *Pool) completeJob(msg messaging.WorkerMessage) {
	p.mu.Lock()
	inf, ok := p.inFlight[msg.JobID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.inFlight, msg.JobID)
	if w, ok := p.workers[inf.workerID]; ok && w.active > 0 {
		w.active--
	}
	p.mu.Unlock()

	inf.resultCh <- result{msg: msg}
}

// handleWorkerExit implements crash recovery (spec §4.3): detach and
// re-enqueue any job bound to the exited worker at the head of the queue,
// then, if the pool is still running, spawn a replacement.
func (p *Pool) handleWorkerExit(ctx context.Context, e *entry) {
	p.mu.Lock()
	delete(p.workers, e.id)

	var recovered []queuedJob
	for jobID, inf := range p.inFlight {
		if inf.workerID != e.id {
			continue
		}
		delete(p.inFlight, jobID)
		recovered = append(recovered, queuedJob{job: inf.job, resultCh: inf.resultCh})
	}
	if len(recovered) > 0 {
		p.queue = append(recovered, p.queue...) // re-enqueue at head
	}
	shuttingDown := p.shutdown
	stillRunning := p.running
	p.mu.Unlock()

	for range recovered {
		p.log.Warn().Str("worker_id", e.id).Msg("worker pool: job re-enqueued after worker exit")
	}

	if shuttingDown || !stillRunning {
		return
	}
	p.spawnWorker(ctx)
	p.assign(ctx)
}

// assign scans workers sorted by ascending activeJobs, assigning queued
// jobs to any worker with spare capacity, per spec §4.3 queueing.
func (p *Pool) assign(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return
	}

	candidates := make([]*entry, 0, len(p.workers))
	for _, w := range p.workers {
		if w.ready {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].active < candidates[j].active })

	for _, w := range candidates {
		for w.active < w.capacity && len(p.queue) > 0 {
			qj := p.queue[0]
			p.queue = p.queue[1:]

			data, err := json.Marshal(messaging.NewExecuteMessage(qj.job))
			if err != nil {
				qj.resultCh <- result{err: fmt.Errorf("worker pool: marshal execute message: %w", err)}
				continue
			}

			select {
			case w.th.inbox <- data:
				w.active++
				p.inFlight[qj.job.JobID] = &inflight{workerID: w.id, job: qj.job, resultCh: qj.resultCh}
			default:
				// Worker's inbox is momentarily full; put the job back and
				// try another worker/round.
				p.queue = append([]queuedJob{qj}, p.queue...)
				return
			}
		}
	}
}

// Submit enqueues job and blocks until its result arrives, the worker
// handling it is terminated, the pool shuts down, or ctx is canceled.
func (p *Pool) Submit(ctx context.Context, job messaging.WorkerJobPayload) (messaging.WorkerMessage, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return messaging.WorkerMessage{}, ErrPoolNotRunning
	}
	if p.shutdown {
		p.mu.Unlock()
		return messaging.WorkerMessage{}, ErrShutdownRejected
	}
	resultCh := make(chan result, 1)
	p.queue = append(p.queue, queuedJob{job: job, resultCh: resultCh})
	p.mu.Unlock()

	p.assign(ctx)

	select {
	case r := <-resultCh:
		return r.msg, r.err
	case <-ctx.Done():
		return messaging.WorkerMessage{}, ctx.Err()
	}
}

// Shutdown implements spec §4.3 shutdownWorkers: send control:shutdown to
// every worker, reject all queued jobs with ErrShutdownRejected, reject
// all in-flight jobs with ErrWorkerTerminated, and accept no further jobs.
func (p *Pool) Shutdown(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true

	for _, qj := range p.queue {
		qj.resultCh <- result{err: ErrShutdownRejected}
	}
	p.queue = nil

	for _, inf := range p.inFlight {
		inf.resultCh <- result{err: ErrWorkerTerminated}
	}
	p.inFlight = make(map[string]*inflight)

	shutdownMsg, _ := json.Marshal(messaging.NewControlMessage(messaging.ControlShutdown))
	for _, w := range p.workers {
		select {
		case w.th.inbox <- shutdownMsg:
		default:
		}
	}
	p.mu.Unlock()

	if p.cancel != nil {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			p.cancel() // force-terminate anything still running
		case <-ctx.Done():
			p.cancel()
		}
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

// ActiveJobs returns the total in-flight job count across all workers
// (spec §8 invariant 6: Σ activeJobs ≤ Σ capacity).
func (p *Pool) ActiveJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, w := range p.workers {
		total += w.active
	}
	return total
}

// QueueDepth reports the number of jobs still waiting for a worker slot.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Capacity returns the pool's total concurrent job capacity (size ×
// per-worker capacity), the figure the engine's scan loop uses for its
// execution-concurrency cap when a pool is configured (spec §4.1).
func (p *Pool) Capacity() int {
	return p.size * p.capacity
}
