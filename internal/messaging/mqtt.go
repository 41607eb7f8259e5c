package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/autofix-backend/internal/config"
	"github.com/tbourn/autofix-backend/internal/services"
)

// Intake accepts diagnostic events.
type Intake interface {
	Submit(ctx context.Context, in services.DiagnosticEventInput) (*services.IntakeResult, error)
}

// DongleReport is the JSON body a dongle publishes.
type DongleReport struct {
	DongleID  string    `json:"dongleId"`
	VehicleID string    `json:"vehicleId"`
	Timestamp time.Time `json:"timestamp"`
	Codes     []string  `json:"codes"`
}

// Ingress subscribes to dongle topics and submits every report to intake.
// The single-level wildcard segment of the topic is the dongle ID and fills
// in a report that omits it.
type Ingress struct {
	client  mqtt.Client
	topic   string
	intake  Intake
	timeout time.Duration
}

// NewIngress connects to the broker. Subscriptions are restored on reconnect.
func NewIngress(cfg config.MQTTConfig, intake Intake) (*Ingress, error) {
	in := &Ingress{topic: cfg.Topic, intake: intake, timeout: 10 * time.Second}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			if tok := c.Subscribe(in.topic, 1, in.onMessage); tok.Wait() && tok.Error() != nil {
				log.Error().Err(tok.Error()).Str("topic", in.topic).Msg("mqtt subscribe failed")
				return
			}
			log.Info().Str("topic", in.topic).Msg("mqtt subscribed")
		})

	in.client = mqtt.NewClient(opts)
	if tok := in.client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", tok.Error())
	}
	return in, nil
}

// Close disconnects, waiting up to 250ms for in-flight work.
func (in *Ingress) Close() {
	in.client.Disconnect(250)
}

func (in *Ingress) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), in.timeout)
	defer cancel()
	ctx = log.With().Str("mqtt_topic", msg.Topic()).Logger().WithContext(ctx)

	res, err := in.Handle(ctx, msg.Topic(), msg.Payload())
	if err != nil {
		ev := log.Ctx(ctx).Error()
		if errors.Is(err, services.ErrInvalidInput) || errors.Is(err, services.ErrNotFound) {
			ev = log.Ctx(ctx).Warn()
		}
		ev.Err(err).Msg("dongle report rejected")
		return
	}
	log.Ctx(ctx).Debug().
		Str("incident_id", res.IncidentID).
		Bool("duplicate", res.Duplicate).
		Msg("dongle report accepted")
}

// Handle decodes one report and submits it.
func (in *Ingress) Handle(ctx context.Context, topic string, payload []byte) (*services.IntakeResult, error) {
	var r DongleReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", services.ErrInvalidEvent, err)
	}
	if r.DongleID == "" {
		r.DongleID = dongleFromTopic(in.topic, topic)
	}
	return in.intake.Submit(ctx, services.DiagnosticEventInput{
		DongleID:  r.DongleID,
		VehicleID: r.VehicleID,
		Timestamp: r.Timestamp,
		Codes:     r.Codes,
	})
}

// dongleFromTopic returns the segment of topic matching the first "+" of
// filter, or "".
func dongleFromTopic(filter, topic string) string {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if i >= len(ts) {
			return ""
		}
		if f == "+" {
			return ts[i]
		}
	}
	return ""
}
