// Package taskctx implements the per-invocation collaborator bundle handed
// to a Handler: TaskContext and its bounded-buffer TaskLogger (spec §4.4).
package taskctx

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/taskmesh/engine/internal/messaging"
	"github.com/taskmesh/engine/internal/task"
)

// PipeFunc drains a batch of log entries to their ultimate sink (the event
// bus, or a worker's log message to the host). It never blocks the handler
// on failure.
type PipeFunc func(entries []task.LogEntry)

// ProgressFunc reports an intermediate payload to the event bus.
type ProgressFunc func(payload json.RawMessage)

// HeartbeatFunc extends the task's lease, best-effort.
type HeartbeatFunc func()

// TaskLogger wraps a bounded ring buffer over log entries, flushing them to
// pipe in batches of at most streamBufferSize, truncating the oldest
// entries once maxLoggingBuffer is reached (spec §4.4).
type TaskLogger struct {
	mu                      sync.Mutex
	buffer                  []task.LogEntry
	streamBufferSize        int
	maxLoggingBuffer        int
	loggingBufferTruncation int
}

func NewTaskLogger(streamBufferSize, maxLoggingBuffer, loggingBufferTruncation int) *TaskLogger {
	return &TaskLogger{
		streamBufferSize:        streamBufferSize,
		maxLoggingBuffer:        maxLoggingBuffer,
		loggingBufferTruncation: loggingBufferTruncation,
	}
}

// Log appends one entry, applying truncation once the buffer reaches
// maxLoggingBuffer.
func (l *TaskLogger) Log(level, message, extra string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, task.LogEntry{
		Level:     level,
		Message:   message,
		Extra:     extra,
		Timestamp: time.Now().UTC(),
	})

	if l.maxLoggingBuffer > 0 && len(l.buffer) >= l.maxLoggingBuffer {
		n := l.loggingBufferTruncation
		if n <= 0 {
			n = 1
		}
		if n > len(l.buffer) {
			n = len(l.buffer)
		}
		l.buffer = l.buffer[n:]
		l.buffer = append([]task.LogEntry{{
			Level:     "WARN",
			Message:   truncationMessage(n),
			Timestamp: time.Now().UTC(),
		}}, l.buffer...)
	}
}

func truncationMessage(n int) string {
	if n == 1 {
		return "truncated 1 entry"
	}
	return "truncated " + itoa(n) + " entries"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// Flush drains the buffer, invoking pipe with at most streamBufferSize
// entries per call. A streamBufferSize of 0 flushes synchronously, one
// entry at a time (spec §8 boundary behavior).
func (l *TaskLogger) Flush(pipe PipeFunc) {
	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(pending) == 0 || pipe == nil {
		return
	}

	batchSize := l.streamBufferSize
	if batchSize <= 0 {
		batchSize = 1
	}
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		pipe(pending[start:end])
	}
}

// Len reports the number of buffered, unflushed entries.
func (l *TaskLogger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// TaskContext bundles the collaborators passed to a Handler.run invocation
// (spec §4.4): taskId, attempt, logger, resultCache, and async callbacks.
type TaskContext struct {
	Context     context.Context
	TaskID      string
	Attempt     int
	Logger      *TaskLogger
	resultCache map[string]string
	cacheMu     sync.Mutex

	pipe      PipeFunc
	progress  ProgressFunc
	heartbeat HeartbeatFunc
}

type Option func(*TaskContext)

func WithPipe(fn PipeFunc) Option           { return func(c *TaskContext) { c.pipe = fn } }
func WithProgressFunc(fn ProgressFunc) Option { return func(c *TaskContext) { c.progress = fn } }
func WithHeartbeatFunc(fn HeartbeatFunc) Option {
	return func(c *TaskContext) { c.heartbeat = fn }
}

func New(ctx context.Context, taskID string, attempt int, logger *TaskLogger, cache map[string]string, opts ...Option) *TaskContext {
	if cache == nil {
		cache = make(map[string]string)
	}
	tc := &TaskContext{
		Context:     ctx,
		TaskID:      taskID,
		Attempt:     attempt,
		Logger:      logger,
		resultCache: cache,
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// Flush drains the logger through the configured pipe callback. No-op if
// no pipe was configured (inline dispatch with a nil sink is valid).
func (c *TaskContext) Flush() {
	if c.Logger == nil {
		return
	}
	c.Logger.Flush(c.pipe)
}

// Progress reports an intermediate payload, fire-and-await: a nil
// callback is a silent no-op, matching spec §4.4 ("none throws as part of
// normal operation").
func (c *TaskContext) Progress(payload json.RawMessage) {
	if c.progress != nil {
		c.progress(payload)
	}
}

// Heartbeat extends the task's lease, best-effort.
func (c *TaskContext) Heartbeat() {
	if c.heartbeat != nil {
		c.heartbeat()
	}
}

// CacheGet/CacheSet implement the resultCache round-trip of spec §8
// ("values placed into context before dispatch are observed by the
// handler; values set by the handler are visible to the host after
// result message processing").
func (c *TaskContext) CacheGet(key string) (string, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	v, ok := c.resultCache[key]
	return v, ok
}

func (c *TaskContext) CacheSet(key, value string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.resultCache[key] = value
}

// CacheSnapshot returns a shallow copy of the result cache. It fills the
// ResultCache of a WorkerJobPayload and of a worker's success result; the
// host side merges the latter back with MergeCache (spec §4.3 cache
// propagation).
func (c *TaskContext) CacheSnapshot() map[string]string {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	out := make(map[string]string, len(c.resultCache))
	for k, v := range c.resultCache {
		out[k] = v
	}
	return out
}

// MergeCache merges diff into the result cache, last-write-wins.
func (c *TaskContext) MergeCache(diff map[string]string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for k, v := range diff {
		c.resultCache[k] = v
	}
}

// ToWorkerPayload builds the WorkerJobPayload sent to a worker thread for
// this invocation (spec §6).
func (c *TaskContext) ToWorkerPayload(jobID, classification string, input json.RawMessage, streamBufferSize, maxLoggingBuffer, loggingBufferTruncation int) messaging.WorkerJobPayload {
	return messaging.WorkerJobPayload{
		JobID:                   jobID,
		TaskID:                  c.TaskID,
		Classification:          classification,
		Input:                   input,
		Attempt:                 c.Attempt,
		ResultCache:             c.CacheSnapshot(),
		StreamBufferSize:        streamBufferSize,
		MaxLoggingBuffer:        maxLoggingBuffer,
		LoggingBufferTruncation: loggingBufferTruncation,
	}
}
