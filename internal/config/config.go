// Package config defines the global configuration structure for the
// settlement engine. Configuration is loaded once at process initialization
// and is immutable thereafter. It follows 12-Factor App principles by
// strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast). In particular, missing processor or
// database credentials are a fatal top-level error before any candidate is
// processed.
package config

import (
	"time"

	"screenpact/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the settlement engine.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"screenpact-settlement"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server     ServerConfig
	Database   DatabaseConfig
	Billing    BillingConfig
	Settlement SettlementConfig
	Reconcile  ReconcileConfig
	AWS        AWSConfig
	Security   SecurityConfig
	Audit      AuditConfig
}

// ServerConfig holds HTTP server configuration for the trigger API.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds Stripe payment integration credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	ChargeTimeout       time.Duration `envconfig:"STRIPE_CHARGE_TIMEOUT" default:"20s"`
	Currency            string        `envconfig:"BILLING_CURRENCY" default:"usd"`
}

// SettlementConfig holds the timing mode and batch tuning for settlement runs.
//
// CompressedMode substitutes minutes for days so the whole pipeline can be
// exercised under real wall-clock time in automated tests. It is threaded
// explicitly through every timing calculation; nothing reads it from ambient
// state at call time.
type SettlementConfig struct {
	CompressedMode bool   `envconfig:"SETTLEMENT_COMPRESSED_MODE" default:"false"`
	Timezone       string `envconfig:"SETTLEMENT_TIMEZONE" default:"America/Los_Angeles"`
	WorkerPool     int    `envconfig:"SETTLEMENT_WORKER_POOL" default:"4"`
	BatchLimit     int    `envconfig:"SETTLEMENT_BATCH_LIMIT" default:"200"`
}

// ReconcileConfig holds batch tuning for reconciliation runs.
type ReconcileConfig struct {
	BatchSize int `envconfig:"RECONCILE_BATCH_SIZE" default:"25"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"us-east-1"`
	ReconcileQueueURL string `envconfig:"SQS_RECONCILE_QUEUE"`
	MetricNamespace   string `envconfig:"METRIC_NAMESPACE" default:"ScreenPact/Settlement"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds the trigger-endpoint authentication settings.
// TriggerKeyHash is a bcrypt hash of the operator key required on manual runs.
type SecurityConfig struct {
	TriggerKeyHash SecretString `envconfig:"TRIGGER_KEY_HASH" validate:"required"`
}

// AuditConfig holds settings for the compressed run-outcome archive.
type AuditConfig struct {
	Dir     string `envconfig:"AUDIT_ARCHIVE_DIR" default:"/tmp/screenpact-audit"`
	Enabled bool   `envconfig:"AUDIT_ARCHIVE_ENABLED" default:"true"`
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
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
