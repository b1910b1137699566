package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/sagaflow/pkg/apiserver"
	"github.com/flowforge/sagaflow/pkg/apiserver/middleware"
	"github.com/flowforge/sagaflow/pkg/auth"
	"github.com/flowforge/sagaflow/pkg/checkout"
	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/engine"
	"github.com/flowforge/sagaflow/pkg/lock"
	"github.com/flowforge/sagaflow/pkg/logging"
	"github.com/flowforge/sagaflow/pkg/maintenance"
	"github.com/flowforge/sagaflow/pkg/metrics"
	"github.com/flowforge/sagaflow/pkg/outbox"
	"github.com/flowforge/sagaflow/pkg/store/sqlstore"
	redisclient "github.com/flowforge/sagaflow/pkg/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := sqlstore.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	checks := map[string]func(context.Context) error{"database": db.Ping}
	locker, redisClient, err := newLocker(cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up execution locks", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
		checks["redis"] = redisClient.Ping
	}

	events := outbox.NewService(db, db.Outbox(), cfg.Outbox.NotifyChannel)
	e := engine.New(db, db.Executions(), db.Interventions(), events, locker, logger.Named("engine"), cfg.Engine)

	carts := checkout.NewRepository(db, cfg.Checkout.AuthorizationLimitCents)
	cartWorkflow := checkout.NewWorkflow(db, events, carts, carts, carts, cfg.Checkout)
	if err := cartWorkflow.Register(e); err != nil {
		logger.Fatal("failed to register workflow", zap.String("workflow", checkout.WorkflowName), zap.Error(err))
	}
	cartHandler := checkout.NewHandler(cartWorkflow, e, logger.Named("checkout"))

	prometheus.MustRegister(metrics.NewCollector(db.Executions(), db.Outbox(), logger))

	scheduler := maintenance.NewScheduler(e, db.Executions(), logger.Named("maintenance"), cfg.Maintenance)
	server := apiserver.NewServer(apiserver.Dependencies{
		Engine:        e,
		Executions:    db.Executions(),
		Interventions: db.Interventions(),
		Outbox:        db.Outbox(),
		Routes: func(api *gin.RouterGroup) {
			cartHandler.Routes(api, middleware.RequireScope(auth.ScopeWrite))
		},
		Checks: checks,
	}, cfg.Server, logger.Named("apiserver"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("engine worker starting",
		zap.Strings("workflows", e.Workflows()),
		zap.String("lock_backend", cfg.Engine.LockBackend),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(ctx) })
	if cfg.Server.EnableServer {
		g.Go(func() error { return server.Run(ctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine worker stopped with error", zap.Error(err))
		return
	}
	logger.Info("engine worker shutting down")
}

// newLocker returns the configured Locker and, for the redis backend, the
// client behind it.
func newLocker(cfg *config.Config, logger *zap.Logger) (lock.Locker, *redisclient.Client, error) {
	switch cfg.Engine.LockBackend {
	case "", "redis":
		client, err := redisclient.NewClient(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using redis locks", zap.String("mode", client.Mode()))
		return lock.NewRedisLocker(client.Client(), cfg.Engine.LockPrefix, logger.Named("lock")), client, nil
	case "local":
		logger.Warn("using in-process locks; executions are only serialised within this process")
		return lock.NewLocalLocker(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock backend %q", cfg.Engine.LockBackend)
	}
}
