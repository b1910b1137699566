package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	messages []kafka.Message
	err      error
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func sampleMessage() Message {
	return Message{
		ID:            "evt-1",
		Type:          "order.created",
		AggregateType: "order",
		AggregateID:   "order-9",
		CorrelationID: "req-7",
		Payload:       json.RawMessage(`{"order_id":"order-9"}`),
		CreatedAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestKafkaPublisherWritesHeaders(t *testing.T) {
	writer := &captureWriter{}
	publisher := newKafkaPublisher(writer, "events", "events.dlq")

	require.NoError(t, publisher.Publish(context.Background(), sampleMessage()))
	require.Len(t, writer.messages, 1)

	written := writer.messages[0]
	assert.Equal(t, "events", written.Topic)
	assert.Equal(t, "order-9", string(written.Key))
	assert.Equal(t, "evt-1", extractEventID(written))

	decoded, err := DecodeKafkaMessage(written)
	require.NoError(t, err)
	assert.Equal(t, sampleMessage(), decoded)
}

func TestKafkaPublisherDeadLetter(t *testing.T) {
	writer := &captureWriter{}
	publisher := newKafkaPublisher(writer, "events", "events.dlq")

	require.NoError(t, publisher.PublishDeadLetter(context.Background(), sampleMessage(), errors.New("poison")))
	require.Len(t, writer.messages, 1)
	assert.Equal(t, "events.dlq", writer.messages[0].Topic)

	var reason string
	for _, header := range writer.messages[0].Headers {
		if header.Key == headerDLQError {
			reason = string(header.Value)
		}
	}
	assert.Equal(t, "poison", reason)

	assert.Error(t, newKafkaPublisher(writer, "events", "").PublishDeadLetter(context.Background(), sampleMessage(), errors.New("x")))
}

type deadLetters struct {
	messages []Message
}

func (d *deadLetters) PublishDeadLetter(ctx context.Context, message Message, cause error) error {
	d.messages = append(d.messages, message)
	return nil
}

func TestKafkaConsumerHandleDedupes(t *testing.T) {
	writer := &captureWriter{}
	require.NoError(t, newKafkaPublisher(writer, "events", "").Publish(context.Background(), sampleMessage()))
	raw := writer.messages[0]

	handled := 0
	consumer := NewKafkaConsumer(KafkaConsumerConfig{}, func(ctx context.Context, message Message) error {
		handled++
		return nil
	}, NewMemoryDeduper(time.Minute), nil, nil)

	require.NoError(t, consumer.Handle(context.Background(), raw))
	require.NoError(t, consumer.Handle(context.Background(), raw))
	assert.Equal(t, 1, handled)
}

func TestKafkaConsumerHandleFailures(t *testing.T) {
	writer := &captureWriter{}
	require.NoError(t, newKafkaPublisher(writer, "events", "").Publish(context.Background(), sampleMessage()))
	raw := writer.messages[0]
	failing := errors.New("handler failed")
	handler := func(ctx context.Context, message Message) error { return failing }

	withoutDLQ := NewKafkaConsumer(KafkaConsumerConfig{}, handler, nil, nil, nil)
	assert.ErrorIs(t, withoutDLQ.Handle(context.Background(), raw), failing)

	dlq := &deadLetters{}
	withDLQ := NewKafkaConsumer(KafkaConsumerConfig{}, handler, nil, dlq, nil)
	require.NoError(t, withDLQ.Handle(context.Background(), raw))
	require.Len(t, dlq.messages, 1)
	assert.Equal(t, "evt-1", dlq.messages[0].ID)

	garbage := kafka.Message{Value: []byte("not json"), Headers: []kafka.Header{{Key: headerEventID, Value: []byte("evt-2")}}}
	require.NoError(t, withDLQ.Handle(context.Background(), garbage))
	require.Len(t, dlq.messages, 2)
	assert.Equal(t, "undecodable", dlq.messages[1].Type)
}

func TestRedisPublisherRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	publisher := NewRedisPublisher(client, "sagaflow:events")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages := publisher.Subscribe(ctx, "order")
	require.Eventually(t, func() bool {
		return len(server.PubSubChannels("")) > 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, publisher.Publish(ctx, sampleMessage()))

	select {
	case got := <-messages:
		assert.Equal(t, sampleMessage(), got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestDedupers(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	dedupers := map[string]Deduper{
		"memory": NewMemoryDeduper(time.Minute),
		"redis":  NewRedisDeduper(client, "seen:", time.Minute),
	}
	for name, deduper := range dedupers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seen, err := deduper.Seen(ctx, "evt-1")
			require.NoError(t, err)
			assert.False(t, seen)

			require.NoError(t, deduper.MarkSeen(ctx, "evt-1"))
			seen, err = deduper.Seen(ctx, "evt-1")
			require.NoError(t, err)
			assert.True(t, seen)

			seen, err = deduper.Seen(ctx, "")
			require.NoError(t, err)
			assert.False(t, seen)
		})
	}

	server.FastForward(2 * time.Minute)
	seen, err := dedupers["redis"].Seen(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}
