// Package engine implements TaskEngine, the spec's central orchestrator
// (§4.1): it claims runnable task records under a lease, drives each one
// through the lifecycle state machine (§4.2), dispatches to a registered
// Handler either inline or through a worker.Pool, and applies retry/backoff
// on failure. Grounded on the teacher's internal/queue/scheduler.go scan
// loop and internal/worker/pool.go supervision, generalized from a
// Redis-stream consumer into a repository-agnostic claim/dispatch loop.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/taskmesh/engine/internal/eventbus"
	"github.com/taskmesh/engine/internal/handler"
	"github.com/taskmesh/engine/internal/messaging"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/task"
	"github.com/taskmesh/engine/internal/taskctx"
	"github.com/taskmesh/engine/internal/worker"
)

// scanStatuses is every non-terminal status: the scan loop filters this
// set in-process for both ordinary runnability and lease-expiry recovery
// (spec §4.1), since the two predicates share everything but status.
var scanStatuses = []task.Status{
	task.StatusCreated,
	task.StatusScheduled,
	task.StatusClaimed,
	task.StatusRunning,
	task.StatusWaitingRetry,
	task.StatusPaused,
}

// DeadLetter receives tasks the engine has given up on (status FAILED),
// satisfied by *dlq.Queue without engine needing to import it directly.
type DeadLetter interface {
	Add(ctx context.Context, t *task.TaskModel, reason string) error
}

// Engine is the TaskEngine of spec §4.1/§4.2.
type Engine struct {
	cfg        Config
	repo       repository.TaskRepository
	registry   *handler.Registry
	bus        eventbus.EventBus
	pool       *worker.Pool // nil selects inline dispatch
	deadLetter DeadLetter   // nil disables dead-lettering
	retryer    *task.Retryer
	log        zerolog.Logger

	ownerID string

	sf  singleflight.Group
	sem chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	active  int64 // atomic: count of in-flight executeClaimed calls
}

// Option configures an optional Engine collaborator.
type Option func(*Engine)

func WithEventBus(bus eventbus.EventBus) Option     { return func(e *Engine) { e.bus = bus } }
func WithWorkerPool(pool *worker.Pool) Option       { return func(e *Engine) { e.pool = pool } }
func WithDeadLetter(dl DeadLetter) Option           { return func(e *Engine) { e.deadLetter = dl } }

// New builds an Engine over repo/registry with cfg's tuning.
func New(cfg Config, repo repository.TaskRepository, registry *handler.Registry, log zerolog.Logger, opts ...Option) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = "engine-" + uuid.NewString()
	}
	e := &Engine{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		retryer:  task.NewRetryer(),
		log:      log,
		ownerID:  cfg.OwnerID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) concurrency() int {
	if e.pool != nil {
		if c := e.pool.Capacity(); c > 0 {
			return c
		}
	}
	return e.cfg.Concurrency
}

// Start launches the scan loop. Idempotent: a second call on an
// already-running Engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.sem = make(chan struct{}, e.concurrency())
	innerCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, groupCtx := errgroup.WithContext(innerCtx)
	e.group = group
	e.mu.Unlock()

	group.Go(func() error {
		e.scanLoop(groupCtx)
		return nil
	})

	e.log.Info().Str("owner_id", e.ownerID).Int("concurrency", e.concurrency()).Msg("engine started")
	return nil
}

// Stop cancels the scan loop, waits (up to cfg.ShutdownTimeout) for
// in-flight executions to finish, and shuts down the worker pool if one is
// configured. Errors from the pool shutdown and the event bus close are
// aggregated with go-multierror rather than dropping either.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	group := e.group
	e.running = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var result *multierror.Error

	done := make(chan struct{})
	go func() {
		if group != nil {
			_ = group.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownTimeout):
		result = multierror.Append(result, errors.New("engine: timed out waiting for scan loop to drain"))
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}

	if e.pool != nil {
		if err := e.pool.Shutdown(ctx, e.cfg.ShutdownTimeout); err != nil {
			result = multierror.Append(result, fmt.Errorf("engine: worker pool shutdown: %w", err))
		}
	}
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("engine: event bus close: %w", err))
		}
	}

	e.log.Info().Str("owner_id", e.ownerID).Msg("engine stopped")
	return result.ErrorOrNil()
}

// Submit persists a new task (spec §6 create).
func (e *Engine) Submit(ctx context.Context, t *task.TaskModel) error {
	if err := e.repo.Create(ctx, t); err != nil {
		return fmt.Errorf("engine: submit: %w", err)
	}
	e.emit(ctx, eventbus.KindStatus, t.ID, eventbus.StatusPayload{Status: t.Status.String()})
	return nil
}

// Cancel transitions a task to CANCELED, idempotently (spec §8: canceling
// an already-terminal task is a no-op, never an error). This applies the
// transition immediately via a version-CAS Update rather than deferring to
// the lease holder's next heartbeat. If Cancel's Update lands first, a
// concurrent in-flight finish() for the same task loses the CAS race and
// logs it; if finish() lands first, Cancel's Update fails with a version
// conflict and that error is returned.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.applyTransition(ctx, id, func(sm *task.StateMachine) error { return sm.Cancel() })
}

// Pause transitions a CREATED, SCHEDULED or RUNNING task to PAUSED; any
// other status returns the state machine's transition error.
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.applyTransition(ctx, id, func(sm *task.StateMachine) error { return sm.Transition(task.StatusPaused) })
}

// Resume transitions a PAUSED task back to SCHEDULED so the scan loop
// picks it up again.
func (e *Engine) Resume(ctx context.Context, id string) error {
	return e.applyTransition(ctx, id, func(sm *task.StateMachine) error { return sm.Transition(task.StatusScheduled) })
}

func (e *Engine) applyTransition(ctx context.Context, id string, apply func(*task.StateMachine) error) error {
	t, err := e.repo.Read(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	sm := task.NewStateMachine(t)
	if err := apply(sm); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if _, err := e.repo.Update(ctx, t); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.emit(ctx, eventbus.KindStatus, t.ID, eventbus.StatusPayload{Status: t.Status.String()})
	return nil
}

// scanLoop implements spec §4.1's adaptive-poll scan: each cycle claims as
// many runnable/lease-expired tasks as there is concurrency headroom for,
// runs them concurrently and waits for them to finish, then sleeps PollBusy if it dispatched
// anything this cycle or PollIdle otherwise.
func (e *Engine) scanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dispatched := e.scanOnce(ctx)

		interval := e.cfg.PollIdle
		if dispatched {
			interval = e.cfg.PollBusy
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

// scanOnce runs one claim cycle, returning whether it dispatched at least
// one task.
func (e *Engine) scanOnce(ctx context.Context) bool {
	headroom := e.concurrency() - int(atomic.LoadInt64(&e.active))
	if headroom <= 0 {
		return false
	}

	candidates, err := e.listCandidates(ctx, headroom)
	if err != nil {
		e.log.Error().Err(err).Msg("engine: scan list failed")
		return false
	}

	claimed := make(chan bool, len(candidates))
	launched := 0
	for _, t := range candidates {
		select {
		case e.sem <- struct{}{}:
		default:
			goto wait
		}

		launched++
		t := t
		atomic.AddInt64(&e.active, 1)
		go func() {
			defer func() {
				<-e.sem
				atomic.AddInt64(&e.active, -1)
			}()
			fingerprint := t.Fingerprint()
			v, _, _ := e.sf.Do(fingerprint, func() (any, error) {
				return e.claimAndExecute(ctx, t.ID), nil
			})
			ok, _ := v.(bool)
			claimed <- ok
		}()
	}

wait:
	// spec.md:69 — a claim conflict (another worker won) never counts as a
	// dispatch, so PollBusy/PollIdle selection must reflect actual Claim
	// outcomes, not semaphore acquisition. Each goroutine reports only after
	// claimAndExecute returns, i.e. after the claimed task has finished
	// executing, so this cycle (and the scan loop) waits for every
	// execution it launched before returning.
	dispatched := false
	for i := 0; i < launched; i++ {
		if <-claimed {
			dispatched = true
		}
	}
	return dispatched
}

// listCandidates implements spec §4.1's two-part eligibility predicate:
// ordinary runnability (status ∈ {CREATED, SCHEDULED, WAITING_RETRY} with
// NextRunAt elapsed) plus lease-expiry recovery for any non-terminal
// status, merged and fairness-ordered (repositories already sort their
// List results by ascending NextRunAt, tie-broken by ID).
func (e *Engine) listCandidates(ctx context.Context, limit int) ([]*task.TaskModel, error) {
	all, err := e.repo.List(ctx, repository.ListQuery{Statuses: scanStatuses})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]*task.TaskModel, 0, limit)
	for _, t := range all {
		if !(t.IsRunnable(now) || t.LeaseExpired(now)) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := nextRunAtOf(out[i]), nextRunAtOf(out[j])
		if !ni.Equal(nj) {
			return ni.Before(nj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func nextRunAtOf(t *task.TaskModel) time.Time {
	if t.NextRunAt != nil {
		return *t.NextRunAt
	}
	return t.CreatedAt
}

// claimAndExecute performs the claim (silently skipping ErrClaimConflict,
// spec §7) and, on success, hands the claimed task to executeClaimed. A
// task whose lease has merely expired is recovered to SCHEDULED by the
// repository's own Claim implementation before being re-claimed in the
// same call, matching spec §4.1's single-claim-call recovery. The bool
// return reports whether the claim succeeded — a lost claim race is never
// a dispatch (spec.md:69).
func (e *Engine) claimAndExecute(ctx context.Context, id string) bool {
	claimed, err := e.repo.Claim(ctx, id, e.ownerID, e.cfg.LeaseDuration)
	if errors.Is(err, repository.ErrClaimConflict) {
		return false
	}
	if err != nil {
		e.log.Error().Err(err).Str("task_id", id).Msg("engine: claim failed")
		return false
	}
	e.emit(ctx, eventbus.KindStatus, claimed.ID, eventbus.StatusPayload{Status: claimed.Status.String()})
	e.executeClaimed(ctx, claimed)
	return true
}

// executeClaimed drives one claimed task through RUNNING to a terminal or
// rescheduled state (spec §4.2), dispatching to the registered handler
// (composite tasks run each step in turn via runComposite) and applying
// retry/backoff or an explicit state-change request on failure.
func (e *Engine) executeClaimed(ctx context.Context, t *task.TaskModel) {
	sm := task.NewStateMachine(t)
	if err := sm.Begin(); err != nil {
		e.log.Error().Err(err).Str("task_id", t.ID).Msg("engine: begin transition failed")
		return
	}
	updated, err := e.repo.Update(ctx, t)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", t.ID).Msg("engine: persist RUNNING failed")
		return
	}
	t = updated // keep Version current so later Updates (heartbeat, finish) don't spuriously conflict
	e.emit(ctx, eventbus.KindStatus, t.ID, eventbus.StatusPayload{Status: t.Status.String()})

	cache := make(map[string]string)
	logger := taskctx.NewTaskLogger(e.cfg.StreamBufferSize, e.cfg.MaxLoggingBuffer, e.cfg.LoggingBufferTruncation)
	tc := taskctx.New(ctx, t.ID, t.Attempt, logger, cache,
		taskctx.WithPipe(func(entries []task.LogEntry) {
			t.AppendLog(entries...)
			e.emit(ctx, eventbus.KindLog, t.ID, toLogPayload(entries))
		}),
		taskctx.WithProgressFunc(func(payload json.RawMessage) {
			e.emit(ctx, eventbus.KindProgress, t.ID, eventbus.ProgressPayload{Data: payload})
		}),
		taskctx.WithHeartbeatFunc(func() {
			e.heartbeat(ctx, t)
		}),
	)

	var output json.RawMessage
	var runErr error
	if t.Atomicity == task.AtomicityComposite {
		output, runErr = e.runComposite(ctx, t, tc)
	} else {
		output, runErr = e.dispatch(ctx, t.Classification, t.Input, tc)
	}
	tc.Flush()

	e.finish(ctx, t, output, runErr)
}

// finish applies the outcome of one attempt to the state machine and
// persists it, implementing spec §4.2's three outcome branches: success,
// handler-requested state change, and ordinary failure (retried or
// exhausted per the Retryer).
func (e *Engine) finish(ctx context.Context, t *task.TaskModel, output json.RawMessage, runErr error) {
	now := time.Now().UTC()

	var stateErr *handler.StateChangeError
	switch {
	case runErr == nil:
		sm := task.NewStateMachine(t).WithClock(func() time.Time { return now })
		if err := sm.Succeed(output); err != nil {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("engine: succeed transition failed")
			return
		}
	case errors.As(runErr, &stateErr):
		var scheduledTo *time.Time
		if stateErr.ScheduledTo != nil {
			tt := time.UnixMilli(*stateErr.ScheduledTo).UTC()
			scheduledTo = &tt
		}
		sm := task.NewStateMachine(t).WithClock(func() time.Time { return now })
		if err := sm.ApplyStateChange(stateErr.Status, scheduledTo, messaging.SerializeError(stateErr.Err)); err != nil {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("engine: state-change transition failed")
			return
		}
	default:
		taskErr := messaging.SerializeError(runErr)
		if err := e.retryer.ApplyFailure(t, now, taskErr); err != nil {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("engine: retry/fail transition failed")
			return
		}
	}

	if _, err := e.repo.Update(ctx, t); err != nil {
		e.log.Error().Err(err).Str("task_id", t.ID).Msg("engine: persist outcome failed")
		return
	}
	e.emit(ctx, eventbus.KindStatus, t.ID, eventbus.StatusPayload{Status: t.Status.String()})

	if t.Status == task.StatusFailed && e.deadLetter != nil {
		reason := "attempts exhausted"
		if t.Err != nil {
			reason = t.Err.Message
		}
		if err := e.deadLetter.Add(ctx, t, reason); err != nil {
			e.log.Error().Err(err).Str("task_id", t.ID).Msg("engine: dead-letter add failed")
		}
	}
}

// dispatch routes one (classification, input) invocation either to the
// configured worker.Pool or to the handler directly, translating a worker
// result back into the (output, error) shape executeClaimed expects.
func (e *Engine) dispatch(ctx context.Context, classification string, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
	if e.pool == nil {
		h, err := e.registry.Get(classification)
		if err != nil {
			return nil, err
		}
		return h.Run(ctx, input, tc)
	}

	job := tc.ToWorkerPayload(uuid.NewString(), classification, input,
		e.cfg.StreamBufferSize, e.cfg.MaxLoggingBuffer, e.cfg.LoggingBufferTruncation)
	msg, err := e.pool.Submit(ctx, job)
	if err != nil {
		return nil, err
	}
	tc.MergeCache(msg.Cache)

	switch msg.Status {
	case messaging.ResultSuccess:
		return msg.Output, nil
	case messaging.ResultError:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return nil, errors.New("engine: worker reported an error result with no error detail")
	case messaging.ResultStateChange:
		if msg.Request == nil {
			return nil, errors.New("engine: worker reported a state-change result with no request detail")
		}
		var err error
		if msg.Request.Err != nil {
			err = msg.Request.Err
		}
		return nil, &handler.StateChangeError{Status: msg.Request.Status, ScheduledTo: msg.Request.ScheduledTo, Err: err}
	default:
		return nil, fmt.Errorf("engine: worker returned unknown result status %q", msg.Status)
	}
}

// runComposite executes each remaining step of an AtomicityComposite task
// in order, appending a StepResult per step and resuming from
// t.CurrentStep (spec §3/§9: composite tasks survive a crash mid-sequence
// by re-running only unfinished steps). A step's classification is its
// StepDescriptor.Name.
func (e *Engine) runComposite(ctx context.Context, t *task.TaskModel, tc *taskctx.TaskContext) (json.RawMessage, error) {
	for t.CurrentStep < len(t.Steps) {
		step := t.Steps[t.CurrentStep]
		started := time.Now().UTC()
		out, err := e.dispatch(ctx, step.Name, step.Input, tc)
		ended := time.Now().UTC()

		if err != nil {
			t.StepResults = append(t.StepResults, task.StepResult{
				Name: step.Name, Error: messaging.SerializeError(err), StartedAt: started, EndedAt: ended,
			})
			return nil, err
		}
		t.StepResults = append(t.StepResults, task.StepResult{
			Name: step.Name, Output: out, StartedAt: started, EndedAt: ended,
		})
		t.CurrentStep++
	}

	if len(t.StepResults) == 0 {
		return nil, nil
	}
	return t.StepResults[len(t.StepResults)-1].Output, nil
}

// heartbeat extends a claimed task's lease, best-effort: a persistence
// failure here never aborts the handler (spec §4.4).
func (e *Engine) heartbeat(ctx context.Context, t *task.TaskModel) {
	expiry := time.Now().UTC().Add(e.cfg.LeaseDuration)
	t.LeaseExpiry = &expiry
	updated, err := e.repo.Update(ctx, t)
	if err != nil {
		e.log.Warn().Err(err).Str("task_id", t.ID).Msg("engine: heartbeat persist failed")
		return
	}
	// t is shared with executeClaimed's finish() call; update Version in
	// place (rather than rebinding this function's local t) so that later
	// Update still sees the repository's current Version.
	t.Version = updated.Version
}

func (e *Engine) emit(ctx context.Context, kind eventbus.Kind, taskID string, payload any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Emit(ctx, kind, taskID, payload); err != nil {
		e.log.Error().Err(err).Str("kind", string(kind)).Str("task_id", taskID).Msg("engine: event emit failed")
	}
}

func toLogPayload(entries []task.LogEntry) eventbus.LogPayload {
	if len(entries) == 0 {
		return eventbus.LogPayload{}
	}
	last := entries[len(entries)-1]
	return eventbus.LogPayload{Level: last.Level, Message: last.Message, Extra: json.RawMessage(last.Extra)}
}

// ActiveCount reports how many executeClaimed calls are currently
// in-flight, for admin/metrics surfaces.
func (e *Engine) ActiveCount() int {
	return int(atomic.LoadInt64(&e.active))
}
