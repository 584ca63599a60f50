package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskmesh/engine/internal/adapter"
	"github.com/taskmesh/engine/internal/adapter/boltadapter"
	"github.com/taskmesh/engine/internal/adapter/redisadapter"
	"github.com/taskmesh/engine/internal/api"
	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/dlq"
	"github.com/taskmesh/engine/internal/engine"
	"github.com/taskmesh/engine/internal/eventbus"
	"github.com/taskmesh/engine/internal/eventbus/redisbus"
	"github.com/taskmesh/engine/internal/handler"
	"github.com/taskmesh/engine/internal/logger"
	"github.com/taskmesh/engine/internal/lock"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/repository/boltrepo"
	"github.com/taskmesh/engine/internal/repository/redisrepo"
	"github.com/taskmesh/engine/internal/worker"
)

// api-server exposes the HTTP/WebSocket surface of spec §6 over a shared
// store. It builds an *engine.Engine the same way cmd/engine does but
// never calls Start — Submit/Cancel/Pause/Resume only touch the
// repository and event bus, so the API process never runs the scan loop
// that claims and executes tasks; that is cmd/engine's job.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting API server...")

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
	var bus eventbus.EventBus
	var al *lock.AdapterLock

	switch a := store.(type) {
	case *boltadapter.Adapter:
		repo = boltrepo.New(a)
	case *redisadapter.Adapter:
		repo = redisrepo.New(a)
		rb := redisbus.New(a.Client(), logger.WithComponent("eventbus"))
		bus = rb
		dlqQueue = dlq.New(a.Client(), a.Key)
		al = lock.New(lock.WithCounter(cfg.Lock.Counter))
	default:
		log.Fatal().Str("flavour", cfg.Adapter.Flavour).Msg("Unrecognized adapter implementation")
	}

	registry := handler.NewRegistry()

	var pool *worker.Pool
	if cfg.Engine.WorkerPool.Enabled {
		// The API process never starts this pool; it only surfaces its
		// stats via GetQueues, mirroring the pool cmd/engine actually runs.
		pool = worker.New(cfg.Engine.WorkerPool.Size, cfg.Engine.WorkerConcurrency, registry, logger.WithComponent("worker_pool"))
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
	if dlqQueue != nil {
		engOpts = append(engOpts, engine.WithDeadLetter(dlqQueue))
	}

	eng := engine.New(engCfg, repo, registry, logger.WithEngine("api"), engOpts...)

	ping := func() error {
		_, err := repo.List(ctx, repository.ListQuery{})
		return err
	}

	server := api.NewServer(cfg, eng, repo, dlqQueue, pool, al, bus, ping)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	server.Start(ctx)

	go func() {
		log.Info().
			Str("addr", httpServer.Addr).
			Msg("HTTP server listening")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.GracefulShutdownMs)
	defer shutdownCancel()

	server.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Server stopped")
}
