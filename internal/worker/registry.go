package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	poolKeyPrefix    = "pool:"
	poolSetKey       = "pools:active"
	heartbeatSuffix  = ":heartbeat"
	poolInfoKeySuffix = ":info"
)

// PoolInfo is the observability snapshot a Registry publishes for one
// pool, consumed by an admin surface to answer "what's running".
type PoolInfo struct {
	ID          string    `json:"id"`
	Size        int       `json:"size"`
	ActiveJobs  int       `json:"activeJobs"`
	QueueDepth  int       `json:"queueDepth"`
	StartedAt   time.Time `json:"startedAt"`
	LastBeat    time.Time `json:"lastHeartbeat"`
}

// Registry publishes a Pool's liveness and load to Redis so other
// processes (an admin API, a second engine instance) can discover running
// pools, grounded on the teacher's internal/worker/heartbeat.go (periodic
// SET with TTL plus a SADD-tracked active set) generalized from a single
// worker's task-consumption state to a WorkerPool's job load.
type Registry struct {
	client   *redis.Client
	poolID   string
	interval time.Duration
	ttl      time.Duration
	log      zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	snapshot func() PoolInfo
}

func NewRegistry(client *redis.Client, poolID string, interval, ttl time.Duration, log zerolog.Logger, snapshot func() PoolInfo) *Registry {
	return &Registry{
		client:   client,
		poolID:   poolID,
		interval: interval,
		ttl:      ttl,
		log:      log,
		stopCh:   make(chan struct{}),
		snapshot: snapshot,
	}
}

func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	r.publish(ctx)
	r.log.Info().Str("pool_id", r.poolID).Dur("interval", r.interval).Msg("pool registry started")
}

func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.client.SRem(ctx, poolSetKey, r.poolID)
	r.client.Del(ctx, r.heartbeatKey(), r.infoKey())
	r.log.Info().Str("pool_id", r.poolID).Msg("pool registry stopped")
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.publish(ctx)
		}
	}
}

func (r *Registry) publish(ctx context.Context) {
	info := r.snapshot()
	info.ID = r.poolID
	info.LastBeat = time.Now().UTC()
	if info.StartedAt.IsZero() {
		info.StartedAt = info.LastBeat
	}

	data, err := json.Marshal(info)
	if err != nil {
		r.log.Error().Err(err).Str("pool_id", r.poolID).Msg("pool registry: failed to marshal snapshot")
		return
	}

	if err := r.client.Set(ctx, r.infoKey(), data, r.ttl).Err(); err != nil {
		r.log.Error().Err(err).Str("pool_id", r.poolID).Msg("pool registry: failed to publish snapshot")
		return
	}
	r.client.Set(ctx, r.heartbeatKey(), info.LastBeat.Unix(), r.ttl)
	r.client.SAdd(ctx, poolSetKey, r.poolID)
}

func (r *Registry) heartbeatKey() string {
	return fmt.Sprintf("%s%s%s", poolKeyPrefix, r.poolID, heartbeatSuffix)
}

func (r *Registry) infoKey() string {
	return fmt.Sprintf("%s%s%s", poolKeyPrefix, r.poolID, poolInfoKeySuffix)
}

// ActivePools lists every pool currently publishing heartbeats.
func ActivePools(ctx context.Context, client *redis.Client) ([]PoolInfo, error) {
	ids, err := client.SMembers(ctx, poolSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("worker: list active pools: %w", err)
	}

	pools := make([]PoolInfo, 0, len(ids))
	for _, id := range ids {
		key := fmt.Sprintf("%s%s%s", poolKeyPrefix, id, poolInfoKeySuffix)
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			client.SRem(ctx, poolSetKey, id)
			continue
		}
		if err != nil {
			continue
		}
		var info PoolInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		pools = append(pools, info)
	}
	return pools, nil
}
