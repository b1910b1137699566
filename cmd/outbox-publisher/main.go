package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/sagaflow/pkg/checkout"
	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/engine"
	"github.com/flowforge/sagaflow/pkg/eventbus"
	"github.com/flowforge/sagaflow/pkg/logging"
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

	bus, err := newBus(cfg)
	if err != nil {
		logger.Fatal("failed to set up event bus", zap.Error(err))
	}
	defer bus.Close()

	registry := outbox.NewRegistry()
	engine.RegisterEvents(registry)
	checkout.RegisterEvents(registry)

	publisher := outbox.NewPublisher(db, db.Outbox(), bus, registry, logger.Named("outbox"), cfg.Outbox)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("outbox publisher starting",
		zap.String("bus", cfg.Outbox.BusDriver),
		zap.Duration("poll_interval", cfg.Outbox.PollInterval),
		zap.Int("max_attempts", cfg.Outbox.MaxAttempts),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(ctx) })
	g.Go(func() error { return publisher.RunAlerts(ctx) })
	g.Go(func() error { return publisher.RunCleanup(ctx) })

	if cfg.Database.Driver == "postgres" && cfg.Outbox.NotifyChannel != "" {
		notifier, err := outbox.NewNotifier(cfg.Database.DSN(), cfg.Outbox.NotifyChannel, logger.Named("notifier"))
		if err != nil {
			logger.Warn("outbox notifications unavailable, relying on polling", zap.Error(err))
		} else {
			defer notifier.Close()
			g.Go(func() error { return notifier.Run(ctx, publisher.Wake) })
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("outbox publisher stopped with error", zap.Error(err))
		return
	}
	logger.Info("outbox publisher shutting down")
}

func newBus(cfg *config.Config) (eventbus.Publisher, error) {
	switch cfg.Outbox.BusDriver {
	case "", "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, errors.New("kafka: no brokers configured")
		}
		return eventbus.NewKafkaPublisher(eventbus.KafkaPublisherConfig{
			Brokers:    cfg.Kafka.Brokers,
			ClientID:   cfg.Kafka.ClientID,
			EventTopic: cfg.Kafka.EventTopic,
			DLQTopic:   cfg.Kafka.DLQTopic,
		}), nil
	case "redis":
		client, err := redisclient.NewClient(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		return &redisBus{RedisPublisher: eventbus.NewRedisPublisher(client.Client(), cfg.Outbox.RedisPrefix), client: client}, nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Outbox.BusDriver)
	}
}

// redisBus closes the redis connection along with the publisher.
type redisBus struct {
	*eventbus.RedisPublisher
	client *redisclient.Client
}

func (b *redisBus) Close() error {
	return b.client.Close()
}
