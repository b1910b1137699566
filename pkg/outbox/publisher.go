package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/eventbus"
	"github.com/flowforge/sagaflow/pkg/logging"
	"github.com/flowforge/sagaflow/pkg/metrics"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
)

// BatchResult counts what one publisher cycle did.
type BatchResult struct {
	Published int
	Retried   int
	Failed    int
}

// Publisher delivers PENDING outbox events to the event bus. Several
// publishers may run against the same store: an event another instance
// already marked published counts as delivered.
type Publisher struct {
	tx       store.Transactor
	events   store.OutboxStore
	bus      eventbus.Publisher
	registry *Registry
	logger   *zap.Logger
	cfg      config.OutboxConfig
	wake     chan struct{}
	now      func() time.Time
}

func NewPublisher(tx store.Transactor, events store.OutboxStore, bus eventbus.Publisher, registry *Registry, logger *zap.Logger, cfg config.OutboxConfig) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if registry == nil {
		registry = NewRegistry()
	}
	logger = logging.OrNop(logger)
	return &Publisher{
		tx:       tx,
		events:   events,
		bus:      bus,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Wake asks Run to start a cycle without waiting for the next tick.
func (p *Publisher) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("outbox publisher starting",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("max_attempts", p.cfg.MaxAttempts),
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox publisher shutting down")
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx)
		case <-p.wake:
			p.cycle(ctx)
		}
	}
}

func (p *Publisher) cycle(ctx context.Context) {
	if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("failed to list pending outbox events", zap.Error(err))
	}
}

// ProcessOnce publishes one batch of pending events, oldest first. Failures
// of individual events are recorded on the event and do not stop the batch.
func (p *Publisher) ProcessOnce(ctx context.Context) (BatchResult, error) {
	var result BatchResult
	start := time.Now()
	defer func() {
		metrics.OutboxBatchDuration.Observe(time.Since(start).Seconds())
	}()

	pending, err := p.events.ListPending(ctx, p.cfg.BatchSize)
	if err != nil {
		return result, err
	}

	for i := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		event := &pending[i]
		switch p.process(ctx, event) {
		case model.OutboxPublished:
			result.Published++
		case model.OutboxFailed:
			result.Failed++
		case model.OutboxPending:
			result.Retried++
		}
	}
	return result, nil
}

// process returns the status the event ended up in, or "" when nothing was
// written.
func (p *Publisher) process(ctx context.Context, event *model.OutboxEvent) model.OutboxStatus {
	message, err := p.message(event)
	if err != nil {
		p.logger.Error("undeliverable outbox event",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
		return p.recordFailure(ctx, event, err, 1)
	}

	err = p.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := p.bus.Publish(ctx, message); err != nil {
			return &publishError{err: err}
		}
		return p.events.MarkPublished(ctx, event.ID, p.now())
	})

	var publishErr *publishError
	switch {
	case err == nil:
	case errors.Is(err, store.ErrVersionConflict):
		p.logger.Debug("outbox event already published elsewhere", zap.String("event_id", event.ID.String()))
	case errors.As(err, &publishErr):
		metrics.OutboxPublishFailuresTotal.WithLabelValues(event.EventType).Inc()
		p.logger.Warn("failed to publish outbox event",
			zap.String("event_id", event.ID.String()),
			zap.Int("attempts", event.Attempts+1),
			zap.Error(publishErr.err),
		)
		return p.recordFailure(ctx, event, publishErr.err, p.cfg.MaxAttempts)
	default:
		// The bus has the message; the row stays PENDING and is delivered
		// again on a later cycle.
		p.logger.Warn("failed to mark outbox event published", zap.String("event_id", event.ID.String()), zap.Error(err))
		return ""
	}

	metrics.OutboxPublishedTotal.Inc()
	return model.OutboxPublished
}

func (p *Publisher) message(event *model.OutboxEvent) (eventbus.Message, error) {
	typed, err := p.registry.Decode(event.EventType, json.RawMessage(event.Payload))
	if err != nil {
		return eventbus.Message{}, err
	}
	payload, err := json.Marshal(typed)
	if err != nil {
		return eventbus.Message{}, fmt.Errorf("encode %s: %w", event.EventType, err)
	}
	return eventbus.Message{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		CorrelationID: event.CorrelationID,
		Payload:       payload,
		CreatedAt:     event.CreatedAt,
	}, nil
}

func (p *Publisher) recordFailure(ctx context.Context, event *model.OutboxEvent, cause error, maxAttempts int) model.OutboxStatus {
	status, err := p.events.RecordFailure(ctx, event, cause.Error(), maxAttempts)
	if err != nil {
		if !errors.Is(err, store.ErrVersionConflict) {
			p.logger.Warn("failed to record outbox failure", zap.String("event_id", event.ID.String()), zap.Error(err))
		}
		return ""
	}
	if status != model.OutboxFailed {
		return status
	}

	p.logger.Error("outbox event marked failed",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType),
		zap.String("correlation_id", event.CorrelationID),
		zap.Int("attempts", event.Attempts),
		zap.Error(cause),
	)
	if dlq, ok := p.bus.(eventbus.DeadLetterer); ok {
		message := eventbus.Message{
			ID:            event.ID.String(),
			Type:          event.EventType,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			CorrelationID: event.CorrelationID,
			Payload:       json.RawMessage(event.Payload),
			CreatedAt:     event.CreatedAt,
		}
		if err := dlq.PublishDeadLetter(ctx, message, cause); err != nil {
			p.logger.Warn("failed to dead-letter outbox event", zap.String("event_id", event.ID.String()), zap.Error(err))
		}
	}
	return status
}

// AlertFailed reports the number of permanently failed events and raises an
// error log while it is nonzero.
func (p *Publisher) AlertFailed(ctx context.Context) (int64, error) {
	count, err := p.events.CountFailed(ctx)
	if err != nil {
		return 0, err
	}
	metrics.OutboxFailedEvents.Set(float64(count))
	if count > 0 {
		p.logger.Error("outbox has failed events requiring attention", zap.Int64("failed_events", count))
	}
	return count, nil
}

// Cleanup deletes published events older than the retention window.
func (p *Publisher) Cleanup(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.cfg.Retention())
	var total int64
	for {
		deleted, err := p.events.DeletePublishedBefore(ctx, cutoff, p.cfg.BatchSize)
		total += deleted
		if err != nil {
			return total, err
		}
		if deleted < int64(p.cfg.BatchSize) {
			break
		}
	}
	if total > 0 {
		p.logger.Info("purged published outbox events", zap.Int64("deleted", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}

func (p *Publisher) RunAlerts(ctx context.Context) error {
	return p.every(ctx, p.cfg.AlertInterval, func(ctx context.Context) error {
		_, err := p.AlertFailed(ctx)
		return err
	})
}

func (p *Publisher) RunCleanup(ctx context.Context) error {
	return p.every(ctx, p.cfg.CleanupInterval, func(ctx context.Context) error {
		_, err := p.Cleanup(ctx)
		return err
	})
}

func (p *Publisher) every(ctx context.Context, interval time.Duration, task func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("outbox maintenance task failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type publishError struct {
	err error
}

func (e *publishError) Error() string {
	return e.err.Error()
}

func (e *publishError) Unwrap() error {
	return e.err
}
