// Package config defines the process configuration for the storegate services.
// Configuration is read once at startup and treated as immutable.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format aborts startup.
package config

import (
	"time"

	"storegate/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for redacted fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"storegate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Debug exposes internal error text in denial details. Never enable in prod.
	Debug bool `envconfig:"DEBUG" default:"false"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Gate          GateConfig
	Usage         UsageConfig
	RateLimit     RateLimitConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	Sweeper       SweeperConfig
	Notifier      NotifierConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig configures the optional Redis counter and rate-limit backend.
// An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// QuotaWarningQueue receives quota warning events. Empty disables dispatch.
	QuotaWarningQueue string `envconfig:"SQS_QUOTA_WARNINGS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// GateConfig holds the plan gate's tunables.
type GateConfig struct {
	// PremiumFeatures are blocked once the annual transaction quota is exceeded.
	PremiumFeatures []string `envconfig:"GATE_PREMIUM_FEATURES" default:"report_export,advanced_analytics,monthly_email_reports"`
	// QuotaFeature is the feature whose usage is tracked against the annual quota.
	QuotaFeature string `envconfig:"GATE_QUOTA_FEATURE" default:"transactions" validate:"required"`
	// WarningThreshold is the percentage of a limit at which advisory headers start.
	WarningThreshold float64 `envconfig:"GATE_WARNING_THRESHOLD" default:"80" validate:"gt=0,lt=100"`
	// PlanCacheTTL bounds staleness of the cached plan catalog.
	PlanCacheTTL time.Duration `envconfig:"GATE_PLAN_CACHE_TTL" default:"5m"`
	// NotifyTimeout bounds a single fire-and-forget notification dispatch.
	NotifyTimeout time.Duration `envconfig:"GATE_NOTIFY_TIMEOUT" default:"5s"`
}

// UsageConfig selects the usage counter backend.
type UsageConfig struct {
	Backend string `envconfig:"USAGE_BACKEND" default:"postgres" validate:"oneof=postgres redis memory"`
	// OperationTTL is how long idempotency keys are remembered by the Redis backend.
	OperationTTL time.Duration `envconfig:"USAGE_OPERATION_TTL" default:"168h"`
}

// RateLimitConfig configures the fixed window limiter. Staff of one store
// share a budget; superusers are limited individually.
type RateLimitConfig struct {
	Enabled     bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	MaxRequests int           `envconfig:"RATE_LIMIT_MAX" default:"60" validate:"gt=0"`
	Window      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// SecurityConfig holds authentication and CORS settings.
type SecurityConfig struct {
	// ServiceTokens maps static bearer tokens to users for service-to-service
	// calls, encoded as JSON. Session authentication is handled upstream.
	// Only the API binary requires it.
	ServiceTokens      SecretString `envconfig:"SERVICE_TOKENS_JSON"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	// MetricsBackend selects where gate and guard metrics go.
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"StoreGate"`
}

// SweeperConfig drives the maintenance sweeper. Schedules use the standard
// five-field cron syntax and run in UTC.
type SweeperConfig struct {
	ExpireSchedule string `envconfig:"SWEEP_EXPIRE_SCHEDULE" default:"*/5 * * * *" validate:"required"`
	PruneSchedule  string `envconfig:"SWEEP_PRUNE_SCHEDULE" default:"30 3 * * *" validate:"required"`

	OperationRetention time.Duration `envconfig:"SWEEP_OPERATION_RETENTION" default:"720h"`
	DeliveryRetention  time.Duration `envconfig:"SWEEP_DELIVERY_RETENTION" default:"2160h"`

	// LockWindow is both the lock lease and the bucket a run is keyed on.
	LockWindow time.Duration `envconfig:"SWEEP_LOCK_WINDOW" default:"5m" validate:"gt=0"`
}

// NotifierConfig configures where the quota warning consumer delivers. An
// empty WebhookURL logs deliveries instead.
type NotifierConfig struct {
	WebhookURL            string        `envconfig:"QUOTA_WEBHOOK_URL" validate:"omitempty,url"`
	WebhookSecret         SecretString  `envconfig:"QUOTA_WEBHOOK_SECRET"`
	WebhookPreviousSecret SecretString  `envconfig:"QUOTA_WEBHOOK_PREVIOUS_SECRET"`
	WebhookTimeout        time.Duration `envconfig:"QUOTA_WEBHOOK_TIMEOUT" default:"10s"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
