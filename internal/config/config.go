package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string `env:"BACKEND_ADDR" envDefault:":18111"`

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string `env:"DATABASE_URL"`

	// StripeSecretKey authenticates outbound calls to the Stripe REST API.
	StripeSecretKey string `env:"STRIPE_SECRET_KEY"`

	// StripeWebhookSecret is the signing secret used to verify webhook deliveries.
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// StripeAPIBase overrides the Stripe endpoint (useful for stripe-mock).
	StripeAPIBase string `env:"STRIPE_API_BASE" envDefault:"https://api.stripe.com/v1"`

	// WebhookTolerance bounds the age of a signed webhook timestamp.
	WebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`

	// FrontendURL is the public origin used to build checkout return URLs.
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	// CheckoutTTL is how long a created checkout session stays locked to its user.
	CheckoutTTL time.Duration `env:"CHECKOUT_TTL" envDefault:"30m"`

	// GatewayTimeout bounds each outbound payment-provider call.
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	// JWTSecret signs and verifies bearer tokens.
	JWTSecret string `env:"JWT_SECRET"`

	// RedisURL enables the plan catalog cache when set.
	RedisURL string `env:"REDIS_URL"`

	PlanCacheTTL time.Duration `env:"PLAN_CACHE_TTL" envDefault:"10m"`

	// SentryDSN enables error tracking for reconciliation anomalies when set.
	SentryDSN string `env:"SENTRY_DSN"`

	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// ReconcileMaxAttempts caps retries of webhook events that could not be matched.
	ReconcileMaxAttempts int `env:"RECONCILE_MAX_ATTEMPTS" envDefault:"8"`
}

const (
	envDatabaseURL   = "DATABASE_URL"
	envServerAddress = "BACKEND_ADDR"
	envCheckoutTTL   = "CHECKOUT_TTL"
	envFrontendURL   = "FRONTEND_URL"

	checkoutReturnPath = "/payment/membership"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.CheckoutTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", envCheckoutTTL)
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.ReconcileMaxAttempts < 1 {
		cfg.ReconcileMaxAttempts = 1
	}

	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	if _, err := url.Parse(cfg.FrontendURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envFrontendURL, err)
	}

	return cfg, nil
}

// CheckoutSuccessURL is where the provider sends the user after paying. The
// {CHECKOUT_SESSION_ID} placeholder is expanded by Stripe.
func (c Config) CheckoutSuccessURL() string {
	return c.FrontendURL + checkoutReturnPath + "?success=true&session_id={CHECKOUT_SESSION_ID}"
}

// CheckoutCancelURL is where the provider sends the user after abandoning checkout.
func (c Config) CheckoutCancelURL() string {
	return c.FrontendURL + checkoutReturnPath + "?canceled=true"
}

// IsProduction reports whether the service runs with production defaults.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}
