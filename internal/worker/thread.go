package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskmesh/engine/internal/handler"
	"github.com/taskmesh/engine/internal/messaging"
	"github.com/taskmesh/engine/internal/task"
	"github.com/taskmesh/engine/internal/taskctx"
)

// thread is the guest side of the host/worker boundary (spec §4.3
// WorkerThread, §5 "communicates by message passing only -- no shared
// mutable memory"). It runs as a goroutine; messages cross its inbox and
// outbox as already-marshaled JSON, exactly as they would cross a real
// process boundary, grounded on the teacher's executor.go dispatch loop
// generalized from a single blocking handler call into the message-driven
// protocol spec §6 defines.
type thread struct {
	id       string
	registry *handler.Registry
	log      zerolog.Logger

	inbox   chan []byte
	outbox  chan []byte
	crashCh chan struct{} // test/recovery hook: simulates a process crash

	mu     sync.Mutex
	closed bool
	jobs   sync.WaitGroup
}

func newThread(id string, capacity int, registry *handler.Registry, log zerolog.Logger) *thread {
	if capacity < 1 {
		capacity = 1
	}
	return &thread{
		id:       id,
		registry: registry,
		log:      log,
		inbox:    make(chan []byte, capacity),
		outbox:   make(chan []byte, capacity*4),
		crashCh:  make(chan struct{}),
	}
}

// run is the worker's main loop. It sends exactly one ready message before
// accepting any execute message (spec §4.3 ready protocol), then dispatches
// execute/control messages until told to stop, the context is canceled, or
// it is asked to simulate a crash.
func (t *thread) run(ctx context.Context) {
	defer func() {
		t.jobs.Wait()
		t.closeOutbox()
	}()
	defer func() {
		if r := recover(); r != nil {
			t.send(messaging.NewFatalError(t.id, fmt.Errorf("worker panic: %v", r), string(debug.Stack())))
		}
	}()

	t.send(messaging.NewReadyMessage(t.id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.crashCh:
			return
		case raw, ok := <-t.inbox:
			if !ok {
				return
			}
			var msg messaging.HostMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.send(messaging.NewFatalError(t.id, fmt.Errorf("decode host message: %w", err), ""))
				continue
			}
			switch msg.Type {
			case "control":
				return // stop or shutdown either way: the worker exits (spec §6)
			case "execute":
				if msg.Job != nil {
					t.jobs.Add(1)
					go func(job messaging.WorkerJobPayload) {
						defer t.jobs.Done()
						t.executeJob(ctx, job)
					}(*msg.Job)
				}
			}
		}
	}
}

func (t *thread) closeOutbox() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.outbox)
	}
}

func (t *thread) send(msg messaging.WorkerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.log.Error().Err(err).Msg("worker: failed to marshal outbound message")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.outbox <- data:
	default:
		t.log.Warn().Str("worker_id", t.id).Msg("worker: outbox full, dropping message")
	}
}

func (t *thread) executeJob(ctx context.Context, job messaging.WorkerJobPayload) {
	h, err := t.registry.Get(job.Classification)
	if err != nil {
		t.send(messaging.NewErrorResult(t.id, job.JobID, messaging.SerializeError(err)))
		return
	}

	logger := taskctx.NewTaskLogger(job.StreamBufferSize, job.MaxLoggingBuffer, job.LoggingBufferTruncation)
	tc := taskctx.New(ctx, job.TaskID, job.Attempt, logger, job.ResultCache,
		taskctx.WithPipe(func(entries []task.LogEntry) {
			t.send(messaging.NewLogMessage(t.id, job.JobID, toLogLines(entries)))
		}),
		taskctx.WithProgressFunc(func(payload json.RawMessage) {
			t.send(messaging.NewProgressMessage(t.id, job.JobID, payload))
		}),
		taskctx.WithHeartbeatFunc(func() {
			t.send(messaging.NewHeartbeatMessage(t.id, job.JobID))
		}),
	)

	output, runErr := t.runHandler(ctx, h, job.Input, tc)
	tc.Flush()

	if runErr != nil {
		var stateErr *handler.StateChangeError
		if errors.As(runErr, &stateErr) {
			t.send(messaging.NewStateChangeResult(t.id, job.JobID, &messaging.StateChangeRequest{
				Status:      stateErr.Status,
				ScheduledTo: stateErr.ScheduledTo,
				Err:         messaging.SerializeError(stateErr.Err),
			}))
			return
		}
		t.send(messaging.NewErrorResult(t.id, job.JobID, messaging.SerializeError(runErr)))
		return
	}

	t.send(messaging.NewSuccessResult(t.id, job.JobID, output, tc.CacheSnapshot()))
}

// runHandler recovers from a handler panic, turning it into an ordinary
// error result instead of taking down the whole worker goroutine.
func (t *thread) runHandler(ctx context.Context, h handler.Handler, input json.RawMessage, tc *taskctx.TaskContext) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Run(ctx, input, tc)
}

func toLogLines(entries []task.LogEntry) []messaging.LogLine {
	lines := make([]messaging.LogLine, len(entries))
	for i, e := range entries {
		lines[i] = messaging.LogLine{Level: e.Level, Message: e.Message, Extra: e.Extra}
	}
	return lines
}
