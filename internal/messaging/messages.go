// Package messaging defines the JSON-serializable wire protocol exchanged
// between the engine (host) and a worker thread (guest), per the host↔worker
// contract: messages cross the boundary by value, never by shared memory.
package messaging

import (
	"encoding/json"

	"github.com/taskmesh/engine/internal/task"
)

// ControlCommand selects the action a control message asks the worker to take.
type ControlCommand string

const (
	ControlStop     ControlCommand = "stop"
	ControlShutdown ControlCommand = "shutdown"
)

// WorkerJobPayload is the body of an "execute" message: everything a worker
// needs to run a single task attempt without further host round-trips.
type WorkerJobPayload struct {
	JobID                   string            `json:"jobId"`
	TaskID                  string            `json:"taskId"`
	Classification          string            `json:"classification"`
	Input                   json.RawMessage   `json:"input,omitempty"`
	Attempt                 int               `json:"attempt"`
	ResultCache             map[string]string `json:"resultCache,omitempty"`
	StreamBufferSize        int               `json:"streamBufferSize"`
	MaxLoggingBuffer        int               `json:"maxLoggingBuffer"`
	LoggingBufferTruncation int               `json:"loggingBufferTruncation"`
}

// HostMessage is any message the host sends to a worker.
type HostMessage struct {
	Type    string           `json:"type"`
	Command ControlCommand   `json:"command,omitempty"`
	Job     *WorkerJobPayload `json:"job,omitempty"`
}

func NewControlMessage(cmd ControlCommand) HostMessage {
	return HostMessage{Type: "control", Command: cmd}
}

func NewExecuteMessage(job WorkerJobPayload) HostMessage {
	return HostMessage{Type: "execute", Job: &job}
}

// ResultStatus is the outcome carried by a "result" worker message.
type ResultStatus string

const (
	ResultSuccess     ResultStatus = "success"
	ResultError       ResultStatus = "error"
	ResultStateChange ResultStatus = "state-change"
)

// StateChangeRequest is the tagged variant a handler returns instead of
// throwing to request CANCELED/PAUSED/SCHEDULED directly (spec §6, §9:
// "prefer Result<Output, HandlerError|StateChangeRequest> over throwing").
type StateChangeRequest struct {
	Status      task.Status `json:"status"`
	ScheduledTo *int64      `json:"scheduledTo,omitempty"` // unix millis, UTC
	Err         *task.TaskError `json:"error,omitempty"`
}

// LogLine is one [level, message] or [level, message, extra] tuple as sent
// over the wire; UnmarshalJSON/MarshalJSON implement the tuple encoding.
type LogLine struct {
	Level   string
	Message string
	Extra   string
}

func (l LogLine) MarshalJSON() ([]byte, error) {
	if l.Extra == "" {
		return json.Marshal([2]string{l.Level, l.Message})
	}
	return json.Marshal([3]string{l.Level, l.Message, l.Extra})
}

func (l *LogLine) UnmarshalJSON(data []byte) error {
	var tuple []string
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) > 0 {
		l.Level = tuple[0]
	}
	if len(tuple) > 1 {
		l.Message = tuple[1]
	}
	if len(tuple) > 2 {
		l.Extra = tuple[2]
	}
	return nil
}

// WorkerMessage is any message a worker sends back to the host. Exactly
// one of the payload fields is populated, selected by Type.
type WorkerMessage struct {
	Type     string          `json:"type"`
	WorkerID string          `json:"workerId"`
	JobID    string          `json:"jobId,omitempty"`

	// "log"
	Entries []LogLine `json:"entries,omitempty"`

	// "progress"
	Payload json.RawMessage `json:"payload,omitempty"`

	// "result"
	Status  ResultStatus        `json:"status,omitempty"`
	Output  json.RawMessage     `json:"output,omitempty"`
	Error   *task.TaskError     `json:"error,omitempty"`
	Request *StateChangeRequest `json:"request,omitempty"`
	Cache   map[string]string   `json:"cache,omitempty"`

	// "error" (fatal, no specific job)
	Stack string `json:"stack,omitempty"`
}

func NewReadyMessage(workerID string) WorkerMessage {
	return WorkerMessage{Type: "ready", WorkerID: workerID}
}

func NewLogMessage(workerID, jobID string, entries []LogLine) WorkerMessage {
	return WorkerMessage{Type: "log", WorkerID: workerID, JobID: jobID, Entries: entries}
}

func NewProgressMessage(workerID, jobID string, payload json.RawMessage) WorkerMessage {
	return WorkerMessage{Type: "progress", WorkerID: workerID, JobID: jobID, Payload: payload}
}

func NewHeartbeatMessage(workerID, jobID string) WorkerMessage {
	return WorkerMessage{Type: "heartbeat", WorkerID: workerID, JobID: jobID}
}

func NewSuccessResult(workerID, jobID string, output json.RawMessage, cache map[string]string) WorkerMessage {
	return WorkerMessage{Type: "result", WorkerID: workerID, JobID: jobID, Status: ResultSuccess, Output: output, Cache: cache}
}

func NewErrorResult(workerID, jobID string, taskErr *task.TaskError) WorkerMessage {
	return WorkerMessage{Type: "result", WorkerID: workerID, JobID: jobID, Status: ResultError, Error: taskErr}
}

func NewStateChangeResult(workerID, jobID string, req *StateChangeRequest) WorkerMessage {
	return WorkerMessage{Type: "result", WorkerID: workerID, JobID: jobID, Status: ResultStateChange, Request: req}
}

func NewFatalError(workerID string, err error, stack string) WorkerMessage {
	te := SerializeError(err)
	return WorkerMessage{Type: "error", WorkerID: workerID, Error: te, Stack: stack}
}

// SerializeError implements spec §7's serializeError(e): a TaskError is
// already the wire-safe shape, so this normalizes any Go error into one.
func SerializeError(err error) *task.TaskError {
	if err == nil {
		return nil
	}
	if te, ok := err.(*task.TaskError); ok {
		return te
	}
	return &task.TaskError{Kind: "error", Message: err.Error()}
}
