package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmesh/engine/internal/adapter"
	"github.com/taskmesh/engine/internal/adapter/boltadapter"
	"github.com/taskmesh/engine/internal/adapter/redisadapter"
	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/dlq"
	"github.com/taskmesh/engine/internal/engine"
	"github.com/taskmesh/engine/internal/eventbus/redisbus"
	"github.com/taskmesh/engine/internal/handler"
	"github.com/taskmesh/engine/internal/logger"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/repository/boltrepo"
	"github.com/taskmesh/engine/internal/repository/redisrepo"
	"github.com/taskmesh/engine/internal/taskctx"
	"github.com/taskmesh/engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting engine...")

	adapterArgs := map[string]any{
		"path":         cfg.Adapter.BoltPath,
		"addr":         cfg.Redis.Addr,
		"password":     cfg.Redis.Password,
		"db":           cfg.Redis.DB,
		"poolSize":     cfg.Redis.PoolSize,
		"minIdleConns": cfg.Redis.MinIdleConns,
		"maxRetries":   cfg.Redis.MaxRetries,
		"dialTimeout":  cfg.Redis.DialTimeout,
		"readTimeout":  cfg.Redis.ReadTimeout,
		"writeTimeout": cfg.Redis.WriteTimeout,
		"keyspace":     cfg.Adapter.RedisKeyspace,
	}

	store, err := adapter.New(cfg.Adapter.Flavour, cfg.Adapter.Alias, adapterArgs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build adapter")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Initialize(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize adapter")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close adapter")
		}
	}()

	var repo repository.TaskRepository
	var dlqQueue *dlq.Queue
	var bus *redisbus.Bus

	switch a := store.(type) {
	case *boltadapter.Adapter:
		repo = boltrepo.New(a)
	case *redisadapter.Adapter:
		repo = redisrepo.New(a)
		bus = redisbus.New(a.Client(), logger.WithComponent("eventbus"))
		dlqQueue = dlq.New(a.Client(), a.Key)
	default:
		log.Fatal().Str("flavour", cfg.Adapter.Flavour).Msg("Unrecognized adapter implementation")
	}

	registry := handler.NewRegistry()
	registerBuiltinHandlers(registry)

	var pool *worker.Pool
	if cfg.Engine.WorkerPool.Enabled {
		poolOpts := []worker.Option{}
		if bus != nil {
			poolOpts = append(poolOpts, worker.WithEventBus(bus))
		}
		pool = worker.New(cfg.Engine.WorkerPool.Size, cfg.Engine.WorkerConcurrency, registry, logger.WithComponent("worker_pool"), poolOpts...)
		if err := pool.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start worker pool")
		}
	}

	engCfg := engine.Config{
		Concurrency:             cfg.Engine.Concurrency,
		LeaseDuration:           cfg.Engine.LeaseMs,
		PollIdle:                cfg.Engine.PollMsIdle,
		PollBusy:                cfg.Engine.PollMsBusy,
		StreamBufferSize:        cfg.Engine.StreamBufferSize,
		MaxLoggingBuffer:        cfg.Engine.MaxLoggingBuffer,
		LoggingBufferTruncation: cfg.Engine.LoggingBufferTruncation,
		ShutdownTimeout:         cfg.Engine.GracefulShutdownMs,
	}

	engOpts := []engine.Option{}
	if bus != nil {
		engOpts = append(engOpts, engine.WithEventBus(bus))
	}
	if pool != nil {
		engOpts = append(engOpts, engine.WithWorkerPool(pool))
	}
	if dlqQueue != nil {
		engOpts = append(engOpts, engine.WithDeadLetter(dlqQueue))
	}

	eng := engine.New(engCfg, repo, registry, logger.WithEngine(""), engOpts...)
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down engine...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.GracefulShutdownMs)
	defer shutdownCancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown error")
	}

	log.Info().Msg("Engine stopped")
}

// registerBuiltinHandlers wires the same example classifications the
// teacher's cmd/worker shipped (echo/sleep/compute/fail), adapted to the
// handler.HandlerFunc/taskctx.TaskContext signature.
func registerBuiltinHandlers(registry *handler.Registry) {
	registry.RegisterFunc("echo", echoHandler)
	registry.RegisterFunc("sleep", sleepHandler)
	registry.RegisterFunc("compute", computeHandler)
	registry.RegisterFunc("fail", failHandler)
}

func echoHandler(ctx context.Context, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
	return input, nil
}

func sleepHandler(ctx context.Context, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
	var params struct {
		DurationMs int `json:"durationMs"`
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &params)
	}
	duration := time.Second
	if params.DurationMs > 0 {
		duration = time.Duration(params.DurationMs) * time.Millisecond
	}

	select {
	case <-time.After(duration):
		return json.Marshal(map[string]string{"slept_for": duration.String()})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func computeHandler(ctx context.Context, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
	var params struct {
		Iterations int `json:"iterations"`
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &params)
	}
	iterations := params.Iterations
	if iterations <= 0 {
		iterations = 1000000
	}

	sum := 0
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			sum += i
		}
	}
	return json.Marshal(map[string]int{"result": sum})
}

func failHandler(ctx context.Context, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
	return nil, fmt.Errorf("intentional failure for testing")
}
