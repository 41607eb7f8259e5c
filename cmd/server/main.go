// Command server runs the autofix HTTP API, the incident saga workers, the
// outbox relay and the optional MQTT dongle ingress.
//
// @title       Autofix Backend API
// @version     1.0
// @description Dongle diagnostics to completed repair: diagnosis, parts, scheduling, jobs and billing.
// @BasePath    /api/v1
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	_ "github.com/tbourn/autofix-backend/docs"
	"github.com/tbourn/autofix-backend/internal/cache"
	"github.com/tbourn/autofix-backend/internal/clients"
	"github.com/tbourn/autofix-backend/internal/config"
	httpapi "github.com/tbourn/autofix-backend/internal/http"
	"github.com/tbourn/autofix-backend/internal/messaging"
	"github.com/tbourn/autofix-backend/internal/observability"
	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/services"
	"github.com/tbourn/autofix-backend/internal/sysutil"
	"github.com/tbourn/autofix-backend/internal/worker"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	service := sysutil.FirstNonEmpty(cfg.OTEL.ServiceName, observability.DefaultServiceName)
	sysutil.InitLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, service)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB, cfg.OTEL.Enabled)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	caps := clients.FromConfig(cfg.External, cfg.Workflow)

	var dedup services.DedupStore
	if cfg.Workflow.DedupBackend == "redis" {
		rdb, err := cache.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		dedup = cache.NewDedupStore(rdb, 2*cfg.Workflow.DedupWindow)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis dedup store enabled")
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:  cfg.Workers.PoolSize,
		PriorityPoolSize: cfg.Workers.PriorityPoolSize,
	})
	if err != nil {
		return fmt.Errorf("worker pools: %w", err)
	}
	defer pools.Shutdown(shutdownTimeout)
	if err := observability.RegisterCollectors(nil, pools.Collectors()...); err != nil {
		log.Warn().Err(err).Msg("register worker collectors")
	}

	svc := httpapi.NewServices(db, cfg, caps, dedup, pools)

	pub, err := messaging.NewPublisher(cfg.Messaging)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	defer pub.Close()
	relay := messaging.NewRelay(db, pub, cfg.Messaging.OutboxInterval, cfg.Messaging.OutboxBatch)
	go relay.Run(ctx)

	if cfg.MQTT.Enabled {
		ingress, err := messaging.NewIngress(cfg.MQTT, svc.Intake)
		if err != nil {
			return fmt.Errorf("mqtt ingress: %w", err)
		}
		defer ingress.Close()
	}

	go purgeIdempotency(ctx, db, time.Hour)

	if cfg.Workflow.ResumeOnStart {
		if err := svc.Orchestrator.Resume(ctx); err != nil {
			log.Warn().Err(err).Msg("resume open incidents")
		}
	}

	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	httpapi.RegisterRoutes(r, db, svc, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// purgeIdempotency deletes expired idempotency records every interval.
func purgeIdempotency(ctx context.Context, db *gorm.DB, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeIdempotency(ctx, db, time.Now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("purge idempotency records")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("purged idempotency records")
			}
		}
	}
}
