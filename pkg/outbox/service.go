// Package outbox implements the transactional outbox: events are written in
// the same local transaction as the state they describe and delivered to the
// event bus later by the Publisher.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/flowforge/sagaflow/pkg/model"
	"github.com/flowforge/sagaflow/pkg/store"
)

var (
	ErrNoTransaction = errors.New("outbox enqueue requires an open transaction")
	ErrEventInvalid  = errors.New("invalid outbox event")
)

// Event is a domain event as seen by the code that produces it. Payload is
// marshalled to JSON.
type Event struct {
	AggregateType string `validate:"required,max=128"`
	AggregateID   string `validate:"required,max=128"`
	EventType     string `validate:"required,max=128"`
	Payload       any
}

type Service struct {
	tx       store.Transactor
	events   store.OutboxStore
	channel  string
	validate *validator.Validate
}

// NewService returns a Service writing to events. When channel is not empty a
// notification is raised on it for every enqueued event so publishers can wake
// up before their next poll.
func NewService(tx store.Transactor, events store.OutboxStore, channel string) *Service {
	return &Service{
		tx:       tx,
		events:   events,
		channel:  channel,
		validate: validator.New(),
	}
}

// Enqueue records event as PENDING. ctx must carry the transaction that
// writes the business state the event describes, so that both commit or
// neither does.
func (s *Service) Enqueue(ctx context.Context, event Event, correlationID string) (*model.OutboxEvent, error) {
	if !s.tx.InTransaction(ctx) {
		return nil, ErrNoTransaction
	}
	if err := s.validate.Struct(event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEventInvalid, err)
	}

	payload, err := model.MarshalJSON(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload of %s: %v", ErrEventInvalid, event.EventType, err)
	}

	row := &model.OutboxEvent{
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		CorrelationID: correlationID,
		Status:        model.OutboxPending,
	}
	if err := s.events.Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("insert outbox event %s: %w", event.EventType, err)
	}
	if err := s.events.Notify(ctx, s.channel, event.EventType); err != nil {
		return nil, fmt.Errorf("notify outbox channel %s: %w", s.channel, err)
	}
	return row, nil
}
