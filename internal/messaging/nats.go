package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// NATSPublisher publishes each event to "<prefix>.<topic>". The outbox ID is
// sent as Nats-Msg-Id so JetStream streams drop redeliveries.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}
	nc, err := nats.Connect(url,
		nats.Name("autofix-outbox"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSPublisherConn(nc, prefix), nil
}

// NewNATSPublisherConn wraps an existing connection.
func NewNATSPublisherConn(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "autofix"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Publish implements Publisher. It flushes so a nil error means the server
// received the message.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	msg := &nats.Msg{
		Subject: p.prefix + "." + e.Topic,
		Data:    e.Payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, e.idString())
	msg.Header.Set("Event-Key", e.Key)
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	if err := p.nc.PublishMsg(msg); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); ok {
		return p.nc.FlushWithContext(ctx)
	}
	return p.nc.FlushTimeout(flushTimeout)
}

const flushTimeout = 5 * time.Second

// Close drains the connection.
func (p *NATSPublisher) Close() error { return p.nc.Drain() }

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}
