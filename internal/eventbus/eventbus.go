// Package eventbus implements the fanout sink the engine emits
// status/log/progress events onto (spec §2 "an event bus (fanout sink
// for status/log/progress)", spec §7 "emit(kind, payload) ... delivery
// is best-effort and asynchronous; failures are logged but never
// propagated to the task"). Grounded on the teacher's internal/events
// package (Event envelope, EventType constants, Publisher interface,
// Redis Pub/Sub implementation).
package eventbus

import (
	"context"
	"encoding/json"
	"time"
)

// Kind is the event category the engine emits, per spec §7.
type Kind string

const (
	KindStatus   Kind = "status"
	KindLog      Kind = "log"
	KindProgress Kind = "progress"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Kind      Kind            `json:"kind"`
	TaskID    string          `json:"taskId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an Event, serializing payload to json.RawMessage.
func New(kind Kind, taskID string, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Kind: kind, TaskID: taskID, Timestamp: time.Now().UTC(), Payload: data}, nil
}

// ToJSON serializes the event.
func (e *Event) ToJSON() ([]byte, error) { return json.Marshal(e) }

// FromJSON deserializes an event.
func FromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EventBus is the fanout sink the engine's emit(kind, payload) consumes
// (spec §2, §7). Implementations must be safe for concurrent use and
// must not block the caller for longer than publishing requires.
type EventBus interface {
	Emit(ctx context.Context, kind Kind, taskID string, payload any) error
	Subscribe(ctx context.Context, kinds ...Kind) (<-chan *Event, error)
	Close() error
}

// StatusPayload is the payload shape for KindStatus events.
type StatusPayload struct {
	Status      string `json:"status"`
	PreviousErr string `json:"previousErr,omitempty"`
}

// LogPayload is the payload shape for KindLog events.
type LogPayload struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// ProgressPayload is the payload shape for KindProgress events.
type ProgressPayload struct {
	Data json.RawMessage `json:"data"`
}
