package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/engine/internal/api/handlers"
	apiMiddleware "github.com/taskmesh/engine/internal/api/middleware"
	"github.com/taskmesh/engine/internal/api/websocket"
	"github.com/taskmesh/engine/internal/config"
	"github.com/taskmesh/engine/internal/dlq"
	"github.com/taskmesh/engine/internal/engine"
	"github.com/taskmesh/engine/internal/eventbus"
	"github.com/taskmesh/engine/internal/lock"
	"github.com/taskmesh/engine/internal/repository"
	"github.com/taskmesh/engine/internal/worker"
)

// Server represents the HTTP server fronting a running TaskEngine
// (spec §6), generalized from the teacher's RedisQueue/DLQ-backed
// Server onto the engine/repository/dlq/worker-pool/AdapterLock stack.
type Server struct {
	router       *chi.Mux
	repo         repository.TaskRepository
	dlq          *dlq.Queue
	config       *config.Config
	taskHandler  *handlers.TaskHandler
	adminHandler *handlers.AdminHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	bus          eventbus.EventBus
}

// NewServer creates a new HTTP server. dlqQueue, pool, al, and bus are
// optional (nil-safe) — they are only present when the chosen adapter
// flavour supports them (spec §9: the bolt adapter has neither a
// dead-letter stream nor a pub/sub transport).
func NewServer(cfg *config.Config, eng *engine.Engine, repo repository.TaskRepository, dlqQueue *dlq.Queue, pool *worker.Pool, al *lock.AdapterLock, bus eventbus.EventBus, ping func() error) *Server {
	var wsHub *websocket.Hub
	var wsHandler *websocket.Handler
	if bus != nil {
		wsHub = websocket.NewHub(bus)
		wsHandler = websocket.NewHandler(wsHub)
	}

	s := &Server{
		router:       chi.NewRouter(),
		repo:         repo,
		dlq:          dlqQueue,
		config:       cfg,
		taskHandler:  handlers.NewTaskHandler(eng, repo, cfg.API.MaxQueueSize),
		adminHandler: handlers.NewAdminHandler(eng, repo, dlqQueue, pool, al, ping),
		wsHub:        wsHub,
		wsHandler:    wsHandler,
		bus:          bus,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(chimiddleware.RequestID)

	// Real IP
	s.router.Use(chimiddleware.RealIP)

	// Logging
	s.router.Use(chimiddleware.Logger)

	// Recoverer
	s.router.Use(chimiddleware.Recoverer)

	// Heartbeat endpoint for load balancers
	s.router.Use(chimiddleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	authCfg := &apiMiddleware.AuthConfig{
		Enabled:   s.config.Auth.Enabled,
		JWTSecret: s.config.Auth.JWTSecret,
		APIKeys:   make(map[string]bool, len(s.config.Auth.APIKeys)),
	}
	for _, key := range s.config.Auth.APIKeys {
		authCfg.APIKeys[key] = true
	}

	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		// Content type for API routes
		r.Use(chimiddleware.AllowContentType("application/json"))

		// Authentication
		r.Use(apiMiddleware.Auth(authCfg))

		// Rate limiting for API routes
		if s.config.API.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.API.RateLimitRPS))
		}

		// Task routes
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Create)
			r.Get("/{taskID}", s.taskHandler.Get)
			r.Delete("/{taskID}", s.taskHandler.Cancel)
			r.Get("/", s.taskHandler.List)
		})
	})

	// Admin routes
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(chimiddleware.AllowContentType("application/json"))
		r.Use(apiMiddleware.Auth(authCfg))

		r.Get("/health", s.adminHandler.HealthCheck)

		// Queue and subsystem observability
		r.Get("/queues", s.adminHandler.GetQueues)

		// Task lifecycle overrides
		r.Post("/tasks/{taskID}/retry", s.adminHandler.RetryTask)
		r.Post("/tasks/{taskID}/pause", s.adminHandler.PauseTask)
		r.Post("/tasks/{taskID}/resume", s.adminHandler.ResumeTask)

		// DLQ management
		r.Get("/dlq", s.adminHandler.ListDLQ)
		r.Post("/dlq/retry", s.adminHandler.RetryDLQ)
		r.Delete("/dlq", s.adminHandler.ClearDLQ)
	})

	// WebSocket endpoint, only wired when an event bus is available
	if s.wsHandler != nil {
		s.router.Get("/ws", s.wsHandler.ServeWS)
	}

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

// Start starts the WebSocket hub, if one is configured.
func (s *Server) Start(ctx context.Context) {
	if s.wsHub != nil {
		go s.wsHub.Run(ctx)
	}
}

// Stop stops the WebSocket hub, if one is configured.
func (s *Server) Stop() {
	if s.wsHub != nil {
		s.wsHub.Stop()
	}
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// EventBus returns the server's event bus, if one is configured.
func (s *Server) EventBus() eventbus.EventBus {
	return s.bus
}
