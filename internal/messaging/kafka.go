package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one Kafka topic, keyed by incident so each
// incident's events land on one partition in order. The event topic travels
// in the "event-type" header.
type KafkaPublisher struct {
	w kafkaWriter
}

// NewKafkaPublisher builds a publisher for brokers. The writer connects
// lazily on first publish.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if topic == "" {
		return nil, errors.New("no kafka topic configured")
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	return p.w.WriteMessages(ctx, kafkaMessage(ctx, e))
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error { return p.w.Close() }

func kafkaMessage(ctx context.Context, e Event) kafka.Message {
	msg := kafka.Message{
		Key:   []byte(e.Key),
		Value: e.Payload,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Topic)},
			{Key: "event-id", Value: []byte(e.idString())},
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, (*kafkaHeaderCarrier)(&msg))
	return msg
}

// kafkaHeaderCarrier adapts kafka.Message headers for OTel TextMapCarrier.
type kafkaHeaderCarrier kafka.Message

func (c *kafkaHeaderCarrier) Get(key string) string {
	for _, h := range c.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *kafkaHeaderCarrier) Set(key, val string) {
	for i, h := range c.Headers {
		if h.Key == key {
			c.Headers[i].Value = []byte(val)
			return
		}
	}
	c.Headers = append(c.Headers, kafka.Header{Key: key, Value: []byte(val)})
}

func (c *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Headers))
	for _, h := range c.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
