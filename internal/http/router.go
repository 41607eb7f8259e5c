// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic router setup; all dependencies injected
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/clients"
	"github.com/tbourn/autofix-backend/internal/config"
	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/http/handlers"
	"github.com/tbourn/autofix-backend/internal/http/middleware"
	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/services"
)

// vehicleRepoShim adapts the repository free functions to the
// services.VehicleRepo interface expected by the VehicleService.
type vehicleRepoShim struct{}

func (vehicleRepoShim) CreateVehicle(ctx context.Context, db *gorm.DB, v *domain.Vehicle) error {
	return repo.CreateVehicle(ctx, db, v)
}

func (vehicleRepoShim) GetVehicle(ctx context.Context, db *gorm.DB, id string) (*domain.Vehicle, error) {
	return repo.GetVehicle(ctx, db, id)
}

func (vehicleRepoShim) CountVehicles(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountVehicles(ctx, db)
}

func (vehicleRepoShim) ListVehiclesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Vehicle, error) {
	return repo.ListVehiclesPage(ctx, db, offset, limit)
}

// adminStoreShim binds the admin read models to a database handle.
type adminStoreShim struct{ db *gorm.DB }

func (s adminStoreShim) VehiclesStats(ctx context.Context) (int64, *time.Time, error) {
	return repo.VehiclesStats(ctx, s.db)
}

func (s adminStoreShim) EventsStats(ctx context.Context, f repo.EventFilter) (int64, *time.Time, error) {
	return repo.EventsStats(ctx, s.db, f)
}

func (s adminStoreShim) ListEvents(ctx context.Context, f repo.EventFilter, offset, limit int) ([]domain.DiagnosticEvent, error) {
	return repo.ListEventsPage(ctx, s.db, f, offset, limit)
}

// idempotencyStoreShim persists captured responses in the idempotency table.
type idempotencyStoreShim struct{ db *gorm.DB }

func (s idempotencyStoreShim) Get(ctx context.Context, userID, scope, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, s.db, userID, scope, key, now)
}

func (s idempotencyStoreShim) Save(ctx context.Context, userID, scope, key string, status int, contentType string, body []byte, ttl time.Duration) error {
	_, err := repo.CreateIdempotency(ctx, s.db, userID, scope, key, status, contentType, body, ttl)
	return err
}

// Services is the assembled application layer.
type Services struct {
	Vehicles     *services.VehicleService
	Intake       *services.IntakeService
	Diagnosis    *services.DiagnosisService
	Parts        *services.PartsService
	Scheduling   *services.SchedulingService
	Jobs         *services.JobService
	Billing      *services.BillingService
	Orchestrator *services.Orchestrator
}

// NewServices builds every service from configuration. dedup may be nil to
// use the database-backed store; dispatcher may be nil to run saga steps
// inline.
func NewServices(db *gorm.DB, cfg config.Config, caps clients.Set, dedup services.DedupStore, dispatcher services.Dispatcher) *Services {
	wf := cfg.Workflow
	policy := func(retries int, timeout time.Duration) services.RetryPolicy {
		p := services.DefaultRetry
		p.Retries = retries
		p.Timeout = timeout
		if wf.AIRetryBase > 0 {
			p.InitialWait = wf.AIRetryBase
		}
		return p
	}
	if dedup == nil {
		dedup = services.NewDBDedupStore(db)
	}

	s := &Services{Vehicles: services.NewVehicleService(db, vehicleRepoShim{})}
	s.Diagnosis = services.NewDiagnosisService(db, caps.AI, policy(wf.AIRetries, wf.AITimeout))
	s.Parts = services.NewPartsService(db, caps.Supplier, policy(wf.SupplierRetries, wf.SupplierTimeout))
	s.Scheduling = services.NewSchedulingService(db, services.SchedulingConfig{
		Cell:             wf.SlotCell,
		Horizon:          wf.ScheduleHorizon,
		Options:          wf.ScheduleOptions,
		Lead:             wf.ScheduleLead,
		MaxTravelKm:      wf.MaxTravelKm,
		DefaultPartsLead: wf.DefaultPartsLead,
		ProposalTTL:      wf.ProposalTTL,
		ProposalSecret:   wf.ProposalSecret,
	})
	s.Jobs = services.NewJobService(db, wf.LaborRateCents)
	s.Billing = services.NewBillingService(db, caps.Payment, policy(wf.PaymentRetries, wf.PaymentTimeout))
	s.Orchestrator = services.NewOrchestrator(db, s.Diagnosis, s.Parts, s.Scheduling, s.Jobs, s.Billing, dispatcher)
	s.Intake = services.NewIntakeService(db, dedup, s.Orchestrator, wf.DedupWindow)
	return s
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Identity: caller id from the gateway header
//  4. RedactingLogger: structured logs with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Idempotency (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per dongle/user/IP, bypass on replay)
//  10. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, svc *Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Identity())

	if cfg.GinMode == gin.DebugMode {
		r.Use(middleware.Logger())
	} else {
		r.Use(middleware.RedactingLogger(middleware.RedactOptions{
			MaskHeaders: []string{"X-API-Key"},
		}))
	}

	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.Idempotency(middleware.IdempotencyOptions{
		MaxLen: 200,
		TTL:    cfg.IdempotencyTTL,
	}, idempotencyStoreShim{db: db}))

	rl := middleware.NewRateLimiter(middleware.RateLimitOptions{
		Default: middleware.RateClass{RPS: cfg.RateRPS, Burst: cfg.RateBurst},
		Dongle:  middleware.RateClass{RPS: cfg.DongleRateRPS, Burst: cfg.DongleRateBurst},
	}, middleware.KeyByDongleUserOrIP())
	r.Use(rl.Handler())

	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		middleware.HeaderUserID, middleware.HeaderDongleID, handlers.HeaderMechanicID,
		middleware.HeaderIdempotencyKey, "If-None-Match",
	}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", middleware.HeaderIdempotencyReplayed}

	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
		Expose:       []string{"ETag", middleware.HeaderIdempotencyReplayed},
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(handlers.Deps{
		Vehicles:   svc.Vehicles,
		Intake:     svc.Intake,
		Diagnosis:  svc.Diagnosis,
		Scheduling: svc.Scheduling,
		Jobs:       svc.Jobs,
		Workflow:   svc.Orchestrator,
		Admin:      adminStoreShim{db: db},
	})

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/vehicles", h.RegisterVehicle)
		api.GET("/vehicles/:vehicleId", h.GetVehicle)
		api.GET("/vehicles/:vehicleId/incident", h.GetVehicleIncident)

		api.POST("/dongle/diagnostic", h.PostDiagnostic)
		api.POST("/ai/diagnose", h.Diagnose)

		api.POST("/parts/order", h.OrderParts)
		api.POST("/parts/orders/:orderId/status", h.SupplierStatus)

		api.POST("/appointments/auto", h.AutoSchedule)
		api.POST("/appointments/:apptId/confirm", h.ConfirmAppointment)

		api.GET("/mechanic/jobs", h.ListJobs)
		api.POST("/mechanic/job/:jobId/start", h.StartJob)
		api.POST("/mechanic/job/:jobId/complete", h.CompleteJob)

		api.GET("/incidents/:id", h.GetIncident)
		api.GET("/incidents/:id/history", h.IncidentHistory)
		api.POST("/incidents/:id/cancel", h.CancelIncident)
		api.POST("/incidents/:id/diagnosis/retry", h.RetryDiagnosis)
		api.POST("/incidents/:id/billing/retry", h.RetryBilling)
		api.POST("/incidents/:id/parts/retry", h.RetryParts)

		payments := api.Group("/payments", middleware.NoStore())
		payments.POST("/charge", h.ChargePayment)

		admin := api.Group("/admin", middleware.NoStore())
		admin.GET("/vehicles", h.ListVehicles)
		admin.GET("/events", h.ListEvents)
		admin.GET("/events/export", h.ExportEvents)
		admin.GET("/incidents", h.ListIncidents)
		admin.POST("/mechanics", h.CreateMechanic)
		admin.POST("/mechanics/:id/availability", h.AddAvailability)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
