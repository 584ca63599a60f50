// Package redisadapter implements adapter.Adapter over go-redis/v9,
// grounded on the teacher's internal/queue/redis_streams.go client
// construction (pooled client, ping-on-connect, config-driven timeouts).
package redisadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/engine/internal/adapter"
)

func init() {
	adapter.Register("redis", New)
}

// Adapter wraps a pooled *redis.Client as a taskengine Adapter.
type Adapter struct {
	alias    string
	client   *redis.Client
	keyspace string
}

// New builds a redis Adapter from args, the factory signature expected by
// adapter.Register (spec §9: string -> factory map replaces dynamic
// module loading).
func New(alias string, args map[string]any) (adapter.Adapter, error) {
	addr, _ := args["addr"].(string)
	if addr == "" {
		return nil, &adapter.ConfigError{Flavour: "redis", Reason: "addr is required"}
	}
	password, _ := args["password"].(string)
	db, _ := args["db"].(int)
	poolSize, _ := args["poolSize"].(int)
	minIdle, _ := args["minIdleConns"].(int)
	maxRetries, _ := args["maxRetries"].(int)
	dialTimeout, _ := args["dialTimeout"].(time.Duration)
	readTimeout, _ := args["readTimeout"].(time.Duration)
	writeTimeout, _ := args["writeTimeout"].(time.Duration)
	keyspace, _ := args["keyspace"].(string)
	if keyspace == "" {
		keyspace = "taskengine"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: minIdle,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	return &Adapter{alias: alias, client: client, keyspace: keyspace}, nil
}

func (a *Adapter) Alias() string   { return a.alias }
func (a *Adapter) Flavour() string { return "redis" }

func (a *Adapter) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisadapter: failed to connect: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	return a.client.Close()
}

// Client exposes the underlying *redis.Client for the repository and
// event bus packages, which need direct access to streams/pubsub/hashes.
func (a *Adapter) Client() *redis.Client { return a.client }

// Key namespaces a logical key under this adapter's keyspace.
func (a *Adapter) Key(parts ...string) string {
	k := a.keyspace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}
