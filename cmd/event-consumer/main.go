package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/checkout"
	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/engine"
	"github.com/flowforge/sagaflow/pkg/eventbus"
	"github.com/flowforge/sagaflow/pkg/logging"
	"github.com/flowforge/sagaflow/pkg/outbox"
	redisclient "github.com/flowforge/sagaflow/pkg/store/redis"
)

const dedupeWindow = 24 * time.Hour

// event-consumer tails the domain event topic and logs every event once. It
// is the reference for consumers that must tolerate redelivery.
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

	var deduper eventbus.Deduper
	if client, err := redisclient.NewClient(&cfg.Redis); err != nil {
		logger.Warn("redis unavailable, deduplicating in memory", zap.Error(err))
		deduper = eventbus.NewMemoryDeduper(dedupeWindow)
	} else {
		defer client.Close()
		deduper = eventbus.NewRedisDeduper(client.Client(), "sagaflow:consumed:", dedupeWindow)
	}

	registry := outbox.NewRegistry()
	engine.RegisterEvents(registry)
	checkout.RegisterEvents(registry)

	dlq := eventbus.NewKafkaPublisher(eventbus.KafkaPublisherConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		DLQTopic: cfg.Kafka.DLQTopic,
	})
	defer dlq.Close()

	handler := func(ctx context.Context, message eventbus.Message) error {
		decoded, err := registry.Decode(message.Type, message.Payload)
		if err != nil {
			return err
		}
		logger.Info("domain event",
			zap.String("event_id", message.ID),
			zap.String("type", message.Type),
			zap.String("aggregate", message.AggregateType+"/"+message.AggregateID),
			zap.String("correlation_id", message.CorrelationID),
			zap.Any("payload", decoded),
		)
		return nil
	}

	consumer := eventbus.NewKafkaConsumer(eventbus.KafkaConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		ClientID: cfg.Kafka.ClientID,
		GroupID:  cfg.Kafka.ConsumerGroup,
		Topic:    cfg.Kafka.EventTopic,
	}, handler, deduper, dlq, logger.Named("consumer"))
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("event consumer starting", zap.String("topic", cfg.Kafka.EventTopic), zap.String("group", cfg.Kafka.ConsumerGroup))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("event consumer stopped with error", zap.Error(err))
		return
	}
	logger.Info("event consumer shutting down")
}
