// Package config defines the configuration structure for the billing sync
// service. Configuration is loaded once at process start and handed to
// constructors; no other package reads the process environment.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
package config

import (
	"time"

	"billingsync/internal/types"
)

// SecretString is an alias for types.SecretString so callers can build
// fixtures without importing types.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
// Sub-components receive only the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"billingsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Billing       BillingConfig
	Auth          AuthConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Origin that relative redirect paths are joined to (no trailing slash).
	AppBaseURL         string        `envconfig:"APP_BASE_URL" validate:"required,url"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds the account store connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds the payment gateway credentials and the tier catalog.
//
// The gateway secrets are optional at load time: a deployment without them
// still serves the status endpoint (which then reports a configuration
// failure) and rejects webhooks with a plain-text 400.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIBase       string        `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"required,url"`
	StripeTimeout       time.Duration `envconfig:"STRIPE_TIMEOUT" default:"10s"`
	WebhookTolerance    time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`

	PriceStarter    string `envconfig:"STRIPE_PRICE_STARTER" validate:"omitempty,startswith=price_"`
	ProductStarter  string `envconfig:"STRIPE_PRODUCT_STARTER" validate:"omitempty,startswith=prod_"`
	PricePro        string `envconfig:"STRIPE_PRICE_PRO" validate:"omitempty,startswith=price_"`
	ProductPro      string `envconfig:"STRIPE_PRODUCT_PRO" validate:"omitempty,startswith=prod_"`
	PriceBusiness   string `envconfig:"STRIPE_PRICE_BUSINESS" validate:"omitempty,startswith=price_"`
	ProductBusiness string `envconfig:"STRIPE_PRODUCT_BUSINESS" validate:"omitempty,startswith=prod_"`
}

// Tiers returns the descriptors of every tier that has a price configured.
func (b BillingConfig) Tiers() []types.TierDescriptor {
	all := []types.TierDescriptor{
		{Tier: types.TierStarter, PriceID: b.PriceStarter, ProductID: b.ProductStarter},
		{Tier: types.TierPro, PriceID: b.PricePro, ProductID: b.ProductPro},
		{Tier: types.TierBusiness, PriceID: b.PriceBusiness, ProductID: b.ProductBusiness},
	}
	out := make([]types.TierDescriptor, 0, len(all))
	for _, d := range all {
		if d.PriceID != "" {
			out = append(out, d)
		}
	}
	return out
}

// AuthConfig holds the caller-token verification settings.
type AuthConfig struct {
	JWTSecret   SecretString `envconfig:"AUTH_JWT_SECRET" validate:"required,min=32"`
	JWTIssuer   string       `envconfig:"AUTH_JWT_ISSUER"`
	JWTAudience string       `envconfig:"AUTH_JWT_AUDIENCE"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BillingSync"`
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`

	// MetricsFlushInterval applies to the long-running HTTP mode; Lambda
	// flushes after every invocation.
	MetricsFlushInterval time.Duration `envconfig:"METRICS_FLUSH_INTERVAL" default:"60s" validate:"gt=0"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a value could not be parsed into its target type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
