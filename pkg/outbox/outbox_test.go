package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/eventbus"
	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
	"github.com/flowforge/sagaflow/pkg/store/sqlstore"
	"github.com/flowforge/sagaflow/pkg/store/sqlstore/sqlstoretest"
)

type orderCreated struct {
	OrderID string `json:"order_id" validate:"required"`
	Total   int64  `json:"total"`
}

type fakeBus struct {
	mu          sync.Mutex
	published   []eventbus.Message
	deadLetters []eventbus.Message
	err         error
}

func (b *fakeBus) Publish(ctx context.Context, message eventbus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, message)
	return nil
}

func (b *fakeBus) PublishDeadLetter(ctx context.Context, message eventbus.Message, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, message)
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// alreadyPublished simulates another publisher marking the row first.
type alreadyPublished struct {
	store.OutboxStore
}

func (alreadyPublished) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return fmt.Errorf("outbox event %s: %w", id, store.ErrVersionConflict)
}

type fixture struct {
	store     *sqlstore.Store
	service   *Service
	bus       *fakeBus
	publisher *Publisher
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	s := sqlstoretest.New(t)
	bus := &fakeBus{}
	registry := NewRegistry()
	RegisterType[orderCreated](registry, "order.created")

	return &fixture{
		store:   s,
		service: NewService(s, s.Outbox(), "outbox_events"),
		bus:     bus,
		publisher: NewPublisher(s, s.Outbox(), bus, registry, nil, config.OutboxConfig{
			BatchSize:     10,
			MaxAttempts:   maxAttempts,
			RetentionDays: 7,
		}),
	}
}

func (f *fixture) enqueue(t *testing.T, event Event) *model.OutboxEvent {
	t.Helper()
	var row *model.OutboxEvent
	err := f.store.Transaction(context.Background(), func(ctx context.Context) error {
		var err error
		row, err = f.service.Enqueue(ctx, event, "req-1")
		return err
	})
	require.NoError(t, err)
	return row
}

func orderEvent(id string) Event {
	return Event{
		AggregateType: "order",
		AggregateID:   id,
		EventType:     "order.created",
		Payload:       orderCreated{OrderID: id, Total: 4200},
	}
}

func loadEvent(t *testing.T, s *sqlstore.Store, id uuid.UUID) model.OutboxEvent {
	t.Helper()
	var row model.OutboxEvent
	require.NoError(t, s.DB().First(&row, "id = ?", id).Error)
	return row
}

func TestEnqueueRequiresTransaction(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.service.Enqueue(context.Background(), orderEvent("o-1"), "req-1")
	assert.ErrorIs(t, err, ErrNoTransaction)

	err = f.store.Transaction(context.Background(), func(ctx context.Context) error {
		_, err := f.service.Enqueue(ctx, Event{EventType: "order.created"}, "req-1")
		return err
	})
	assert.ErrorIs(t, err, ErrEventInvalid)
}

func TestEnqueueRollsBackWithBusinessWrite(t *testing.T) {
	f := newFixture(t, 3)
	boom := errors.New("business write failed")

	err := f.store.Transaction(context.Background(), func(ctx context.Context) error {
		if _, err := f.service.Enqueue(ctx, orderEvent("o-1"), "req-1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	pending, err := f.store.Outbox().ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPublishRoundTripExactlyOnce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	row := f.enqueue(t, orderEvent("o-1"))

	result, err := f.publisher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Published: 1}, result)

	result, err = f.publisher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)

	require.Len(t, f.bus.published, 1)
	message := f.bus.published[0]
	assert.Equal(t, row.ID.String(), message.ID)
	assert.Equal(t, "order.created", message.Type)
	assert.Equal(t, "o-1", message.AggregateID)
	assert.Equal(t, "req-1", message.CorrelationID)
	assert.JSONEq(t, `{"order_id":"o-1","total":4200}`, string(message.Payload))

	stored := loadEvent(t, f.store, row.ID)
	assert.Equal(t, model.OutboxPublished, stored.Status)
	assert.NotNil(t, stored.PublishedAt)
}

func TestPublishFailureRetriesUntilCeiling(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	row := f.enqueue(t, orderEvent("o-1"))
	f.bus.fail(errors.New("broker unavailable"))

	for attempt := 1; attempt < 3; attempt++ {
		result, err := f.publisher.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, BatchResult{Retried: 1}, result)

		stored := loadEvent(t, f.store, row.ID)
		assert.Equal(t, model.OutboxPending, stored.Status)
		assert.Equal(t, attempt, stored.Attempts)
		assert.Equal(t, "broker unavailable", stored.LastError)
	}

	count, err := f.publisher.AlertFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	result, err := f.publisher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Failed: 1}, result)
	assert.Equal(t, model.OutboxFailed, loadEvent(t, f.store, row.ID).Status)
	require.Len(t, f.bus.deadLetters, 1)
	assert.Equal(t, row.ID.String(), f.bus.deadLetters[0].ID)

	count, err = f.publisher.AlertFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	f.bus.fail(nil)
	result, err = f.publisher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)
	assert.Empty(t, f.bus.published)

	require.NoError(t, f.store.Outbox().Requeue(ctx, row.ID))
	result, err = f.publisher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Published: 1}, result)
}

func TestConcurrentPublishIsTreatedAsSuccess(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	row := f.enqueue(t, orderEvent("o-1"))

	publisher := NewPublisher(f.store, alreadyPublished{f.store.Outbox()}, f.bus, nil, nil, config.OutboxConfig{MaxAttempts: 3})
	result, err := publisher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Published: 1}, result)

	stored := loadEvent(t, f.store, row.ID)
	assert.Zero(t, stored.Attempts)
	assert.Empty(t, stored.LastError)
}

func TestUndecodableEventFailsImmediately(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	row := f.enqueue(t, Event{
		AggregateType: "order",
		AggregateID:   "o-2",
		EventType:     "order.created",
		Payload:       map[string]any{"total": 1},
	})

	result, err := f.publisher.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Failed: 1}, result)
	assert.Empty(t, f.bus.published)

	stored := loadEvent(t, f.store, row.ID)
	assert.Equal(t, model.OutboxFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "decode order.created")
}

func TestUnregisteredEventTypesPassThrough(t *testing.T) {
	f := newFixture(t, 3)
	f.enqueue(t, Event{
		AggregateType: "cart",
		AggregateID:   "c-1",
		EventType:     "cart.abandoned",
		Payload:       map[string]string{"cart_id": "c-1"},
	})

	result, err := f.publisher.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Published)
	require.Len(t, f.bus.published, 1)
	assert.JSONEq(t, `{"cart_id":"c-1"}`, string(f.bus.published[0].Payload))
}

func TestCleanupRemovesOldPublishedEvents(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	old := f.enqueue(t, orderEvent("o-1"))

	f.publisher.now = func() time.Time { return time.Now().UTC().Add(-10 * 24 * time.Hour) }
	_, err := f.publisher.ProcessOnce(ctx)
	require.NoError(t, err)

	f.publisher.now = func() time.Time { return time.Now().UTC() }
	recent := f.enqueue(t, orderEvent("o-2"))
	_, err = f.publisher.ProcessOnce(ctx)
	require.NoError(t, err)

	deleted, err := f.publisher.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []model.OutboxEvent
	require.NoError(t, f.store.DB().Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, recent.ID, remaining[0].ID)
	assert.NotEqual(t, old.ID, remaining[0].ID)
}

func TestRunPublishesOnWake(t *testing.T) {
	f := newFixture(t, 3)
	publisher := NewPublisher(f.store, f.store.Outbox(), f.bus, nil, nil, config.OutboxConfig{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- publisher.Run(ctx) }()

	f.enqueue(t, orderEvent("o-1"))
	publisher.Wake()

	require.Eventually(t, func() bool {
		f.bus.mu.Lock()
		defer f.bus.mu.Unlock()
		return len(f.bus.published) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
