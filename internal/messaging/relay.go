package messaging

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/repo"
)

var (
	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autofix",
			Name:      "outbox_published_total",
			Help:      "Outbox events handed to the broker, by outcome.",
		},
		[]string{"topic", "outcome"},
	)
	outboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "autofix",
			Name:      "outbox_backlog",
			Help:      "Unsent outbox events after the last relay pass.",
		},
	)
	outboxLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "autofix",
			Name:      "outbox_lag_seconds",
			Help:      "Time between commit and publish.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(outboxPublished, outboxBacklog, outboxLag)
}

// Relay drains the outbox into a Publisher. Events are published in commit
// order; a failure stops the pass so later events never overtake it.
type Relay struct {
	DB       *gorm.DB
	Pub      Publisher
	Interval time.Duration
	Batch    int
	Now      func() time.Time
}

// NewRelay constructs a Relay with sane defaults for zero values.
func NewRelay(db *gorm.DB, pub Publisher, interval time.Duration, batch int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Relay{DB: db, Pub: pub, Interval: interval, Batch: batch, Now: time.Now}
}

// Run drains until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		for {
			n, err := r.Drain(ctx)
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("outbox relay pass failed")
				break
			}
			if n < r.Batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Drain publishes one batch and returns how many events were sent.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	rows, err := repo.ListUnsentOutbox(ctx, r.DB, r.Batch)
	if err != nil {
		return 0, err
	}

	sent := make([]uint64, 0, len(rows))
	var pubErr error
	for _, row := range rows {
		e := EventFromOutbox(row)
		if pubErr = r.Pub.Publish(ctx, e); pubErr != nil {
			outboxPublished.WithLabelValues(e.Topic, "failed").Inc()
			if err := repo.MarkOutboxFailed(context.WithoutCancel(ctx), r.DB, e.ID, pubErr); err != nil {
				log.Ctx(ctx).Error().Err(err).Uint64("event_id", e.ID).Msg("record outbox failure")
			}
			break
		}
		outboxPublished.WithLabelValues(e.Topic, "ok").Inc()
		outboxLag.Observe(r.Now().Sub(e.CreatedAt).Seconds())
		sent = append(sent, e.ID)
	}

	if err := repo.MarkOutboxSent(context.WithoutCancel(ctx), r.DB, sent, r.Now()); err != nil {
		return 0, err
	}
	if n, err := repo.CountUnsentOutbox(ctx, r.DB); err == nil {
		outboxBacklog.Set(float64(n))
	}
	return len(sent), pubErr
}
