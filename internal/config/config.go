// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, persistence, workflow tuning (dedup window, retries, scheduling),
// external capability endpoints, messaging, and observability settings.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "autofix-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file path
	URL    string // Postgres DSN
}

// WorkflowConfig tunes the incident saga.
type WorkflowConfig struct {
	DedupWindow      time.Duration // DEDUP_WINDOW
	DedupBackend     string        // db|redis
	AITimeout        time.Duration // per attempt
	AIRetries        int           // retries after the first attempt
	AIRetryBase      time.Duration // first backoff, doubled per retry
	SupplierTimeout  time.Duration
	SupplierRetries  int
	PaymentTimeout   time.Duration
	PaymentRetries   int
	LaborRateCents   int64         // per hour
	SlotCell         time.Duration // calendar cell granularity
	ScheduleHorizon  time.Duration
	ScheduleOptions  int
	ScheduleLead     time.Duration // earliest start offset for normal priority
	MaxTravelKm      float64
	DefaultPartsLead time.Duration // assumed ETA when no order exists yet
	ProposalSecret   string
	ProposalTTL      time.Duration
	ResumeOnStart    bool
}

// WorkerConfig sizes the ants pools.
type WorkerConfig struct {
	PoolSize         int
	PriorityPoolSize int
}

// ExternalConfig points at the AI, supplier and payment capabilities.
// An empty URL selects the in-process simulator.
type ExternalConfig struct {
	AIURL       string
	SupplierURL string
	PaymentURL  string
	APIKey      string
}

// MessagingConfig configures the outbox relay target.
type MessagingConfig struct {
	Backend        string // none|kafka|nats
	KafkaBrokers   []string
	KafkaTopic     string
	NATSURL        string
	NATSSubject    string
	OutboxInterval time.Duration
	OutboxBatch    int
}

// MQTTConfig configures the optional dongle ingress subscriber.
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Topic    string
}

// RedisConfig configures the optional Redis connection.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB DatabaseConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Dongles report in bursts after reconnecting, so they get their own class.
	DongleRateRPS   float64
	DongleRateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	Workflow  WorkflowConfig
	Workers   WorkerConfig
	External  ExternalConfig
	Messaging MessagingConfig
	MQTT      MQTTConfig
	Redis     RedisConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DatabaseConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "autofix.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		// Rate limiting
		RateRPS:         getfloat("RATE_RPS", 5.0),
		RateBurst:       getint("RATE_BURST", 10),
		DongleRateRPS:   getfloat("DONGLE_RATE_RPS", 2.0),
		DongleRateBurst: getint("DONGLE_RATE_BURST", 30),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		Workflow: WorkflowConfig{
			DedupWindow:      getdur("DEDUP_WINDOW", 5*time.Minute),
			DedupBackend:     strings.ToLower(getenv("DEDUP_BACKEND", "db")),
			AITimeout:        getdur("AI_TIMEOUT", 10*time.Second),
			AIRetries:        getint("AI_RETRIES", 2),
			AIRetryBase:      getdur("AI_RETRY_BASE", 200*time.Millisecond),
			SupplierTimeout:  getdur("SUPPLIER_TIMEOUT", 10*time.Second),
			SupplierRetries:  getint("SUPPLIER_RETRIES", 2),
			PaymentTimeout:   getdur("PAYMENT_TIMEOUT", 15*time.Second),
			PaymentRetries:   getint("PAYMENT_RETRIES", 2),
			LaborRateCents:   int64(getint("LABOR_RATE_CENTS", 10000)),
			SlotCell:         getdur("SLOT_CELL", 30*time.Minute),
			ScheduleHorizon:  getdur("SCHEDULE_HORIZON", 14*24*time.Hour),
			ScheduleOptions:  getint("SCHEDULE_OPTIONS", 3),
			ScheduleLead:     getdur("SCHEDULE_LEAD", 2*time.Hour),
			MaxTravelKm:      getfloat("MAX_TRAVEL_KM", 80),
			DefaultPartsLead: getdur("DEFAULT_PARTS_LEAD", 24*time.Hour),
			ProposalSecret:   getenv("PROPOSAL_SECRET", "dev-proposal-secret"),
			ProposalTTL:      getdur("PROPOSAL_TTL", 30*time.Minute),
			ResumeOnStart:    getbool("RESUME_ON_START", true),
		},

		Workers: WorkerConfig{
			PoolSize:         getint("WORKER_POOL_SIZE", 64),
			PriorityPoolSize: getint("PRIORITY_POOL_SIZE", 16),
		},

		External: ExternalConfig{
			AIURL:       getenv("AI_URL", ""),
			SupplierURL: getenv("SUPPLIER_URL", ""),
			PaymentURL:  getenv("PAYMENT_URL", ""),
			APIKey:      getenv("EXTERNAL_API_KEY", ""),
		},

		Messaging: MessagingConfig{
			Backend:        strings.ToLower(getenv("EVENTS_BACKEND", "none")),
			KafkaBrokers:   splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			KafkaTopic:     getenv("KAFKA_TOPIC", "autofix.incidents"),
			NATSURL:        getenv("NATS_URL", "nats://localhost:4222"),
			NATSSubject:    getenv("NATS_SUBJECT", "autofix.incidents"),
			OutboxInterval: getdur("OUTBOX_INTERVAL", 2*time.Second),
			OutboxBatch:    getint("OUTBOX_BATCH", 100),
		},

		MQTT: MQTTConfig{
			Enabled:  getbool("MQTT_ENABLED", false),
			Broker:   getenv("MQTT_BROKER", "tcp://localhost:1883"),
			ClientID: getenv("MQTT_CLIENT_ID", "autofix-backend"),
			Topic:    getenv("MQTT_TOPIC", "autofix/dongle/+/diagnostic"),
		},

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "autofix-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.DongleRateRPS < 0 || cfg.DongleRateBurst < 1 {
		return cfg, errors.New("DONGLE_RATE_RPS must be >= 0 and DONGLE_RATE_BURST >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if err := validateWorkflow(cfg.Workflow); err != nil {
		return cfg, err
	}
	if cfg.Workers.PoolSize < 1 || cfg.Workers.PriorityPoolSize < 1 {
		return cfg, errors.New("WORKER_POOL_SIZE and PRIORITY_POOL_SIZE must be >= 1")
	}
	switch cfg.Messaging.Backend {
	case "none", "kafka", "nats":
	default:
		return cfg, errors.New("EVENTS_BACKEND must be one of: none, kafka, nats")
	}
	if cfg.Messaging.Backend == "kafka" && len(cfg.Messaging.KafkaBrokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS must not be empty when EVENTS_BACKEND=kafka")
	}
	if cfg.Messaging.OutboxInterval <= 0 || cfg.Messaging.OutboxBatch < 1 {
		return cfg, errors.New("OUTBOX_INTERVAL must be > 0 and OUTBOX_BATCH >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func validateWorkflow(w WorkflowConfig) error {
	if w.DedupWindow <= 0 {
		return errors.New("DEDUP_WINDOW must be > 0")
	}
	switch w.DedupBackend {
	case "db", "redis":
	default:
		return errors.New("DEDUP_BACKEND must be one of: db, redis")
	}
	if w.AITimeout <= 0 || w.SupplierTimeout <= 0 || w.PaymentTimeout <= 0 {
		return errors.New("AI_TIMEOUT, SUPPLIER_TIMEOUT and PAYMENT_TIMEOUT must be > 0")
	}
	if w.AIRetries < 0 || w.SupplierRetries < 0 || w.PaymentRetries < 0 {
		return errors.New("retry counts must be >= 0")
	}
	if w.LaborRateCents < 0 {
		return errors.New("LABOR_RATE_CENTS must be >= 0")
	}
	if w.SlotCell < time.Minute {
		return errors.New("SLOT_CELL must be at least 1m")
	}
	if w.ScheduleHorizon < w.SlotCell {
		return errors.New("SCHEDULE_HORIZON must be >= SLOT_CELL")
	}
	if w.ScheduleOptions < 1 {
		return errors.New("SCHEDULE_OPTIONS must be >= 1")
	}
	if w.MaxTravelKm < 0 {
		return errors.New("MAX_TRAVEL_KM must be >= 0")
	}
	if strings.TrimSpace(w.ProposalSecret) == "" {
		return errors.New("PROPOSAL_SECRET must not be empty")
	}
	if w.ProposalTTL <= 0 {
		return errors.New("PROPOSAL_TTL must be > 0")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
