package engine

import "time"

// Config is the engine's tunable surface, generalized from the teacher's
// flat worker-pool settings into the knobs spec §4.1/§6 name explicitly:
// lease duration, adaptive poll interval, and the execution concurrency
// cap applied whether dispatch is inline or routed through a worker.Pool.
type Config struct {
	// Concurrency bounds the number of claimed tasks the engine will run
	// at once when dispatching inline. Ignored when a worker.Pool is
	// configured: its own Capacity() governs the cap instead.
	Concurrency int

	// LeaseDuration is how long a claim is held before it is considered
	// expired and eligible for lease recovery by any scanner (spec §4.1).
	LeaseDuration time.Duration

	// PollIdle/PollBusy implement the adaptive poll interval of spec §4.1:
	// a cycle that claimed nothing backs off to PollIdle; a cycle that
	// claimed at least one task re-scans sooner, at PollBusy.
	PollIdle time.Duration
	PollBusy time.Duration

	// StreamBufferSize/MaxLoggingBuffer/LoggingBufferTruncation configure
	// every TaskContext's TaskLogger (spec §4.4).
	StreamBufferSize        int
	MaxLoggingBuffer        int
	LoggingBufferTruncation int

	// ShutdownTimeout bounds how long Stop waits for in-flight dispatches
	// (and, when present, the worker pool) to drain before forcing exit.
	ShutdownTimeout time.Duration

	// OwnerID identifies this engine instance as a lease owner. Left
	// empty, New generates one.
	OwnerID string
}

// DefaultConfig mirrors the teacher's setDefaults() for its poll/backoff
// knobs, adapted to the engine's own fields.
func DefaultConfig() Config {
	return Config{
		Concurrency:             8,
		LeaseDuration:           30 * time.Second,
		PollIdle:                500 * time.Millisecond,
		PollBusy:                25 * time.Millisecond,
		StreamBufferSize:        20,
		MaxLoggingBuffer:        500,
		LoggingBufferTruncation: 100,
		ShutdownTimeout:         10 * time.Second,
	}
}
