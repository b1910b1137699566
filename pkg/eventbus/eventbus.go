package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a domain event as delivered to the bus.
type Message struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, message Message) error
	Close() error
}

// DeadLetterer is implemented by publishers that can park a message that will
// never be delivered.
type DeadLetterer interface {
	PublishDeadLetter(ctx context.Context, message Message, cause error) error
}

// RedisPublisher publishes messages over redis pub/sub on one channel per
// aggregate type.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(aggregateType string) string {
	return p.prefix + ":" + aggregateType
}

func (p *RedisPublisher) Publish(ctx context.Context, message Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(message.AggregateType), payload).Err()
}

func (p *RedisPublisher) Close() error {
	return nil
}

// Subscribe streams messages for the given aggregate types until ctx ends.
func (p *RedisPublisher) Subscribe(ctx context.Context, aggregateTypes ...string) <-chan Message {
	channels := make([]string, 0, len(aggregateTypes))
	for _, aggregateType := range aggregateTypes {
		channels = append(channels, p.Channel(aggregateType))
	}

	sub := p.client.Subscribe(ctx, channels...)
	ch := make(chan Message, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var message Message
			if err := json.Unmarshal([]byte(msg.Payload), &message); err != nil {
				continue
			}
			select {
			case ch <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
