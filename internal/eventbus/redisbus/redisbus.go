// Package redisbus implements eventbus.EventBus over Redis Pub/Sub,
// adapted directly from the teacher's internal/events/redis_pubsub.go
// (channel-per-kind publish, buffered subscriber channel with a
// drop-on-full policy so a slow consumer never blocks publishers).
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taskmesh/engine/internal/eventbus"
)

const channelPrefix = "taskengine:events:"

// subscriberBuffer bounds the per-subscriber channel the same way the
// teacher's RedisPubSub.Subscribe sizes its buffered eventCh.
const subscriberBuffer = 100

// Bus implements eventbus.EventBus using a *redis.Client.
type Bus struct {
	client *redis.Client
	log    zerolog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

func New(client *redis.Client, log zerolog.Logger) *Bus {
	return &Bus{client: client, log: log}
}

func (b *Bus) channelName(kind eventbus.Kind) string {
	return channelPrefix + string(kind)
}

// Emit publishes the event and never returns an error the caller needs
// to act on beyond logging — spec §7 "failures are logged but never
// propagated to the task" — though the error is still returned so
// callers that do want it (tests, metrics) can observe it.
func (b *Bus) Emit(ctx context.Context, kind eventbus.Kind, taskID string, payload any) error {
	event, err := eventbus.New(kind, taskID, payload)
	if err != nil {
		b.log.Error().Err(err).Str("task_id", taskID).Msg("eventbus: failed to build event")
		return fmt.Errorf("redisbus: build event: %w", err)
	}
	data, err := event.ToJSON()
	if err != nil {
		b.log.Error().Err(err).Str("task_id", taskID).Msg("eventbus: failed to serialize event")
		return fmt.Errorf("redisbus: serialize event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channelName(kind), data).Err(); err != nil {
		b.log.Error().Err(err).Str("task_id", taskID).Str("kind", string(kind)).Msg("eventbus: publish failed")
		return fmt.Errorf("redisbus: publish: %w", err)
	}
	return nil
}

// Subscribe subscribes to one or more event kinds, decoding messages
// off the wire onto a buffered channel. A full channel drops the event
// and logs a warning rather than blocking the Redis receive loop.
func (b *Bus) Subscribe(ctx context.Context, kinds ...eventbus.Kind) (<-chan *eventbus.Event, error) {
	channels := make([]string, len(kinds))
	for i, k := range kinds {
		channels[i] = b.channelName(k)
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redisbus: subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	out := make(chan *eventbus.Event, subscriberBuffer)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := eventbus.FromJSON([]byte(msg.Payload))
				if err != nil {
					b.log.Error().Err(err).Msg("eventbus: failed to parse event")
					continue
				}
				select {
				case out <- event:
				default:
					b.log.Warn().Str("task_id", event.TaskID).Str("kind", string(event.Kind)).
						Msg("eventbus: subscriber channel full, dropping event")
				}
			}
		}
	}()

	return out, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = nil
	return nil
}
