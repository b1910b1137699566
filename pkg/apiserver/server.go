// Package apiserver is the operator-facing admin API: it inspects executions,
// drives their lifecycle and works the manual intervention and failed outbox
// queues.
package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/apiserver/handlers"
	"github.com/flowforge/sagaflow/pkg/apiserver/middleware"
	"github.com/flowforge/sagaflow/pkg/auth"
	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/logging"
	"github.com/flowforge/sagaflow/pkg/store"
)

const (
	shutdownTimeout = 30 * time.Second
	healthTimeout   = 2 * time.Second
)

type Dependencies struct {
	Engine        handlers.Engine
	Executions    handlers.ExecutionLister
	Interventions store.InterventionStore
	Outbox        handlers.FailedEvents
	// Gatherer serves /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
	// Routes mounts application endpoints behind authentication.
	Routes func(api *gin.RouterGroup)
	// Checks are probed by /health, keyed by dependency name.
	Checks map[string]func(ctx context.Context) error
}

type Server struct {
	router *gin.Engine
	deps   Dependencies
	tokens *auth.TokenManager
	cfg    config.ServerConfig
	logger *zap.Logger
}

func NewServer(deps Dependencies, cfg config.ServerConfig, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		deps:   deps,
		tokens: auth.NewTokenManager([]byte(cfg.SigningKey), cfg.TokenTTL),
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	read := middleware.RequireScope(auth.ScopeRead)
	write := middleware.RequireScope(auth.ScopeWrite)

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.tokens))

		executionHandler := handlers.NewExecutionHandler(s.deps.Engine, s.deps.Executions, s.logger)
		api.GET("/workflows", read, executionHandler.Workflows)
		api.POST("/workflows/:name/executions", write, executionHandler.Start)
		api.GET("/executions", read, executionHandler.List)
		api.GET("/executions/:id", read, executionHandler.Get)
		api.POST("/executions/:id/retry", write, executionHandler.Retry)
		api.POST("/executions/:id/cancel", write, executionHandler.Cancel)
		api.POST("/executions/:id/pause", write, executionHandler.Pause)
		api.POST("/executions/:id/resume", write, executionHandler.Resume)

		interventionHandler := handlers.NewInterventionHandler(s.deps.Interventions, s.logger)
		api.GET("/interventions", read, interventionHandler.ListOpen)
		api.POST("/interventions/:id/resolve", middleware.RequireScope(auth.ScopeInterventions), interventionHandler.Resolve)

		outboxHandler := handlers.NewOutboxHandler(s.deps.Outbox, s.logger)
		api.GET("/outbox/failed", read, outboxHandler.ListFailed)
		api.POST("/outbox/:id/requeue", middleware.RequireScope(auth.ScopeOutbox), outboxHandler.Requeue)

		if s.deps.Routes != nil {
			s.deps.Routes(api)
		}
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.ReadTimeout * 2,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", zap.Int("port", s.cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down admin server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}
