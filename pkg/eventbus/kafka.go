package eventbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/logging"
)

const (
	headerEventID       = "sf-event-id"
	headerEventType     = "sf-event-type"
	headerCorrelationID = "sf-correlation-id"
	headerOriginTopic   = "sf-origin-topic"
	headerDLQError      = "sf-dlq-error"
)

type KafkaPublisherConfig struct {
	Brokers    []string
	ClientID   string
	EventTopic string
	DLQTopic   string
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer     messageWriter
	eventTopic string
	dlqTopic   string
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Balancer: &kafka.Hash{},
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(writer, cfg.EventTopic, cfg.DLQTopic)
}

func newKafkaPublisher(writer messageWriter, eventTopic, dlqTopic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer:     writer,
		eventTopic: eventTopic,
		dlqTopic:   dlqTopic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, message Message) error {
	if p.eventTopic == "" {
		return errors.New("event topic is not configured")
	}
	value, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.eventTopic,
		Key:     []byte(message.AggregateID),
		Value:   value,
		Headers: messageHeaders(message),
		Time:    time.Now(),
	})
}

func (p *KafkaPublisher) PublishDeadLetter(ctx context.Context, message Message, cause error) error {
	if p.dlqTopic == "" {
		return errors.New("dlq topic is not configured")
	}
	value, err := json.Marshal(message)
	if err != nil {
		return err
	}
	headers := appendHeaders(messageHeaders(message),
		kafka.Header{Key: headerOriginTopic, Value: []byte(p.eventTopic)},
		kafka.Header{Key: headerDLQError, Value: []byte(cause.Error())},
	)
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.dlqTopic,
		Key:     []byte(message.AggregateID),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func messageHeaders(message Message) []kafka.Header {
	headers := []kafka.Header{
		{Key: headerEventID, Value: []byte(message.ID)},
		{Key: headerEventType, Value: []byte(message.Type)},
	}
	if message.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: headerCorrelationID, Value: []byte(message.CorrelationID)})
	}
	return headers
}

type KafkaConsumerConfig struct {
	Brokers  []string
	ClientID string
	GroupID  string
	Topic    string
}

type Handler func(ctx context.Context, message Message) error

// KafkaConsumer delivers each event id to the handler at most once per
// deduper window. Messages whose handler fails are parked on the DLQ when a
// dead letter publisher is configured.
type KafkaConsumer struct {
	config     KafkaConsumerConfig
	handler    Handler
	deduper    Deduper
	deadLetter DeadLetterer
	logger     *zap.Logger

	mu     sync.Mutex
	reader *kafka.Reader
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, handler Handler, deduper Deduper, deadLetter DeadLetterer, logger *zap.Logger) *KafkaConsumer {
	logger = logging.OrNop(logger)
	return &KafkaConsumer{
		config:     cfg,
		handler:    handler,
		deduper:    deduper,
		deadLetter: deadLetter,
		logger:     logger,
	}
}

func (c *KafkaConsumer) Run(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		GroupID:  c.config.GroupID,
		Topic:    c.config.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			ClientID: c.config.ClientID,
		},
	})
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()
	defer reader.Close()

	for {
		raw, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return err
		}

		if err := c.Handle(ctx, raw); err != nil {
			return err
		}
		if err := reader.CommitMessages(ctx, raw); err != nil {
			return err
		}
	}
}

// Handle processes one fetched message. It returns an error only when the
// message must not be committed.
func (c *KafkaConsumer) Handle(ctx context.Context, raw kafka.Message) error {
	eventID := extractEventID(raw)
	if c.deduper != nil && eventID != "" {
		seen, err := c.deduper.Seen(ctx, eventID)
		if err != nil {
			c.logger.Warn("dedupe lookup failed", zap.String("event_id", eventID), zap.Error(err))
		} else if seen {
			return nil
		}
	}

	message, err := DecodeKafkaMessage(raw)
	if err != nil {
		c.logger.Warn("undecodable event", zap.String("event_id", eventID), zap.Error(err))
		if c.deadLetter == nil {
			return nil
		}
		payload, encodeErr := EncodeDLQPayload(raw, err)
		if encodeErr != nil {
			return encodeErr
		}
		return c.deadLetter.PublishDeadLetter(ctx, Message{ID: eventID, Type: "undecodable", Payload: payload, CreatedAt: raw.Time}, err)
	}

	if err := c.handler(ctx, message); err != nil {
		c.logger.Warn("event handler failed", zap.String("event_id", eventID), zap.Error(err))
		if c.deadLetter == nil {
			return err
		}
		return c.deadLetter.PublishDeadLetter(ctx, message, err)
	}

	if c.deduper != nil && eventID != "" {
		if err := c.deduper.MarkSeen(ctx, eventID); err != nil {
			c.logger.Warn("failed to mark event seen", zap.String("event_id", eventID), zap.Error(err))
		}
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// DecodeKafkaMessage rebuilds a Message from a record written by KafkaPublisher.
func DecodeKafkaMessage(raw kafka.Message) (Message, error) {
	var message Message
	if err := json.Unmarshal(raw.Value, &message); err != nil {
		return Message{}, err
	}
	if message.ID == "" {
		message.ID = extractEventID(raw)
	}
	return message, nil
}

func extractEventID(message kafka.Message) string {
	for _, header := range message.Headers {
		if header.Key == headerEventID {
			return string(header.Value)
		}
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(message.Value, &payload); err == nil {
		return payload.ID
	}

	return ""
}

func appendHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	merged = append(merged, existing...)
	merged = append(merged, headers...)
	return merged
}

type DLQPayload struct {
	OriginTopic string            `json:"origin_topic"`
	Partition   int               `json:"partition"`
	Offset      int64             `json:"offset"`
	Key         string            `json:"key"`
	Headers     map[string]string `json:"headers"`
	Value       string            `json:"value"`
	Error       string            `json:"error"`
	FailedAt    time.Time         `json:"failed_at"`
}

// EncodeDLQPayload describes an undecodable record for operators.
func EncodeDLQPayload(message kafka.Message, err error) ([]byte, error) {
	headers := make(map[string]string, len(message.Headers))
	for _, header := range message.Headers {
		headers[header.Key] = string(header.Value)
	}

	payload := DLQPayload{
		OriginTopic: message.Topic,
		Partition:   message.Partition,
		Offset:      message.Offset,
		Key:         string(message.Key),
		Headers:     headers,
		Value:       base64.StdEncoding.EncodeToString(message.Value),
		Error:       err.Error(),
		FailedAt:    time.Now(),
	}

	return json.Marshal(payload)
}
