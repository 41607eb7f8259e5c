// Package messaging moves workflow events between the service and the
// outside world: the outbox relay publishes committed state changes to Kafka
// or NATS, and the MQTT ingress feeds dongle reports into intake.
package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/autofix-backend/internal/config"
	"github.com/tbourn/autofix-backend/internal/domain"
)

// Event is an outbox row on its way to a broker.
type Event struct {
	ID        uint64
	Topic     string
	Key       string // incident ID; keeps one incident's events ordered
	Payload   []byte
	CreatedAt time.Time
}

// EventFromOutbox converts a stored outbox row.
func EventFromOutbox(o domain.OutboxEvent) Event {
	return Event{ID: o.ID, Topic: o.Topic, Key: o.Key, Payload: o.Payload, CreatedAt: o.CreatedAt}
}

func (e Event) idString() string { return strconv.FormatUint(e.ID, 10) }

// Publisher delivers events to a broker. Publish must not return before the
// broker acknowledged the event.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the log. It is the publisher when no broker
// is configured, so the outbox still drains.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(ctx context.Context, e Event) error {
	log.Ctx(ctx).Debug().
		Uint64("event_id", e.ID).
		Str("topic", e.Topic).
		Str("key", e.Key).
		RawJSON("payload", e.Payload).
		Msg("outbox event")
	return nil
}

// Close implements Publisher.
func (LogPublisher) Close() error { return nil }

// NewPublisher builds the publisher selected by EVENTS_BACKEND.
func NewPublisher(cfg config.MessagingConfig) (Publisher, error) {
	switch cfg.Backend {
	case "", "none":
		return LogPublisher{}, nil
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "nats":
		return NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
	default:
		return nil, fmt.Errorf("unsupported EVENTS_BACKEND: %q", cfg.Backend)
	}
}
