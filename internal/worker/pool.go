// Package worker runs saga steps on bounded goroutine pools. Critical
// incidents use a separate priority pool so they never queue behind routine
// work.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/autofix-backend/internal/services"
)

// ErrShuttingDown is returned for work submitted after Shutdown began.
var ErrShuttingDown = errors.New("worker pools shutting down")

// Task is a context-aware unit of work.
type Task func(ctx context.Context)

// Pool wraps an ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools holds the general and priority pools plus the service lifecycle
// context handed to detached tasks.
type Pools struct {
	General  *Pool
	Priority *Pool

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

var _ services.Dispatcher = (*Pools)(nil)

// PoolConfig sizes the pools.
type PoolConfig struct {
	GeneralPoolSize  int
	PriorityPoolSize int
}

// DefaultPoolConfig returns 64 general and 16 priority workers.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{GeneralPoolSize: 64, PriorityPoolSize: 16}
}

// NewPools creates both pools. ctx bounds the lifetime of detached tasks.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p any) {
		log.Error().Interface("panic", p).Stack().Msg("worker panic recovered")
	}

	general, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}
	priority, err := ants.NewPool(cfg.PriorityPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		general.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		General:       &Pool{pool: general, name: "general"},
		Priority:      &Pool{pool: priority, name: "priority"},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit runs task with the caller's context. A context cancelled before the
// task starts skips it.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pool.Submit(func() {
		if ctx.Err() != nil {
			log.Debug().Str("pool", p.name).Err(ctx.Err()).Msg("task skipped: context cancelled")
			return
		}
		task(ctx)
	})
}

// Dispatch implements services.Dispatcher. Tasks run with the service
// lifecycle context, detached from whichever request triggered them.
func (p *Pools) Dispatch(priority bool, task func(ctx context.Context)) error {
	if p.serviceCtx.Err() != nil {
		return ErrShuttingDown
	}
	pool := p.General
	if priority {
		pool = p.Priority
	}
	return pool.Submit(p.serviceCtx, task)
}

// Shutdown cancels detached tasks and waits up to timeout for running ones.
func (p *Pools) Shutdown(timeout time.Duration) {
	p.serviceCancel()
	for _, pool := range []*Pool{p.General, p.Priority} {
		if err := pool.pool.ReleaseTimeout(timeout); err != nil {
			log.Warn().Err(err).Str("pool", pool.name).Msg("pool shutdown timeout")
		}
	}
}

// Collectors exposes pool occupancy as Prometheus gauges.
func (p *Pools) Collectors() []prometheus.Collector {
	var out []prometheus.Collector
	for _, pool := range []*Pool{p.General, p.Priority} {
		ap := pool.pool
		labels := prometheus.Labels{"pool": pool.name}
		out = append(out,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "worker_pool_running", Help: "Workers currently running tasks.", ConstLabels: labels,
			}, func() float64 { return float64(ap.Running()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "worker_pool_waiting", Help: "Tasks blocked waiting for a worker.", ConstLabels: labels,
			}, func() float64 { return float64(ap.Waiting()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "worker_pool_capacity", Help: "Pool capacity.", ConstLabels: labels,
			}, func() float64 { return float64(ap.Cap()) }),
		)
	}
	return out
}
