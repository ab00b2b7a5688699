package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	pkgconfig "github.com/utafrali/checkoutflow/pkg/config"
)

// Payment gateway backends.
const (
	GatewayHTTP = "http"
	GatewayMock = "mock"
)

// Config holds all configuration for the checkout service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"CHECKOUT_HTTP_PORT" envDefault:"8004"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"ecommerce"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"ecommerce_secret"`
	PostgresDB   string `env:"CHECKOUT_DB_NAME" envDefault:"checkout_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis holds the submission guard and cancel markers.
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Downstream services
	CartServiceURL    string `env:"CART_SERVICE_URL" envDefault:"http://localhost:8002"`
	PaymentServiceURL string `env:"PAYMENT_SERVICE_URL" envDefault:"http://localhost:8005"`

	// Payment gateway
	PaymentGateway              string `env:"PAYMENT_GATEWAY" envDefault:"http"`
	PaymentIdempotencySupported bool   `env:"PAYMENT_IDEMPOTENCY_SUPPORTED" envDefault:"true"`
	PaymentMaxChargeAttempts    int    `env:"PAYMENT_MAX_CHARGE_ATTEMPTS" envDefault:"3"`
	PaymentChargeTimeoutSecs    int    `env:"PAYMENT_CHARGE_TIMEOUT_SECONDS" envDefault:"15"`
	PaymentRetryIntervalMs      int    `env:"PAYMENT_RETRY_INTERVAL_MS" envDefault:"200"`

	// Circuit breaker settings for downstream service calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Session lifecycle
	SessionTTLMinutes        int `env:"CHECKOUT_SESSION_TTL_MINUTES" envDefault:"30"`
	GiftCardHoldTTLMinutes   int `env:"GIFT_CARD_HOLD_TTL_MINUTES" envDefault:"30"`
	SubmissionLockTTLSeconds int `env:"SUBMISSION_LOCK_TTL_SECONDS" envDefault:"120"`
	ExpirySweepIntervalSecs  int `env:"EXPIRY_SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	ExpirySweepBatchSize     int `env:"EXPIRY_SWEEP_BATCH_SIZE" envDefault:"100"`

	// Pricing tables. Tax keys are "COUNTRY" or "COUNTRY-REGION", values in
	// basis points. Shipping keys are countries or "*", values in minor units.
	TaxRatesBps           map[string]int `env:"TAX_RATES_BPS" envDefault:"US-CA:725,US-TX:825,US-NY:800,DE:1900,FR:2000,GB:2000,NL:2100,TR:2000"`
	DefaultTaxRateBps     int            `env:"DEFAULT_TAX_RATE_BPS" envDefault:"0"`
	ShippingRates         map[string]int `env:"SHIPPING_RATES" envDefault:"US:700,CA:1200,*:2500"`
	FreeShippingThreshold int64          `env:"FREE_SHIPPING_THRESHOLD" envDefault:"10000"`

	// StrictConsistency panics on internal invariant breaches instead of
	// correcting them. Empty means on outside production.
	StrictConsistency string `env:"STRICT_CONSISTENCY"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Per-shopper rate limiting on the checkout API. Zero RPS disables it.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load checkout config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if c.RedisHost == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	switch c.PaymentGateway {
	case GatewayHTTP, GatewayMock:
	default:
		return fmt.Errorf("PAYMENT_GATEWAY must be %q or %q, got %q", GatewayHTTP, GatewayMock, c.PaymentGateway)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %f", c.RateLimitRPS)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1, got %d", c.RateLimitBurst)
	}
	if c.PaymentMaxChargeAttempts < 1 {
		return fmt.Errorf("PAYMENT_MAX_CHARGE_ATTEMPTS must be at least 1, got %d", c.PaymentMaxChargeAttempts)
	}
	for name, v := range map[string]int{
		"PAYMENT_CHARGE_TIMEOUT_SECONDS": c.PaymentChargeTimeoutSecs,
		"CHECKOUT_SESSION_TTL_MINUTES":   c.SessionTTLMinutes,
		"GIFT_CARD_HOLD_TTL_MINUTES":     c.GiftCardHoldTTLMinutes,
		"SUBMISSION_LOCK_TTL_SECONDS":    c.SubmissionLockTTLSeconds,
		"EXPIRY_SWEEP_INTERVAL_SECONDS":  c.ExpirySweepIntervalSecs,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.SubmissionLockTTLSeconds <= c.PaymentChargeTimeoutSecs*c.PaymentMaxChargeAttempts {
		return fmt.Errorf("SUBMISSION_LOCK_TTL_SECONDS (%d) must exceed the total charge budget (%ds)",
			c.SubmissionLockTTLSeconds, c.PaymentChargeTimeoutSecs*c.PaymentMaxChargeAttempts)
	}
	if c.StrictConsistency != "" {
		if _, err := strconv.ParseBool(c.StrictConsistency); err != nil {
			return fmt.Errorf("invalid STRICT_CONSISTENCY %q: %w", c.StrictConsistency, err)
		}
	}
	for key, bps := range c.TaxRatesBps {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("TAX_RATES_BPS entry %s out of range: %d", key, bps)
		}
	}
	for key, cost := range c.ShippingRates {
		if cost < 0 {
			return fmt.Errorf("SHIPPING_RATES entry %s must not be negative", key)
		}
	}

	urls := map[string]string{"CART_SERVICE_URL": c.CartServiceURL}
	if c.PaymentGateway == GatewayHTTP {
		urls["PAYMENT_SERVICE_URL"] = c.PaymentServiceURL
	}
	for name, rawURL := range urls {
		if rawURL == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, rawURL, err)
		}
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Strict reports whether invariant breaches should panic.
func (c *Config) Strict() bool {
	if strict, err := strconv.ParseBool(c.StrictConsistency); err == nil {
		return strict
	}
	return !c.IsProduction()
}

// SessionTTL returns the inactivity window after which a session expires.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// GiftCardHoldTTL returns how long a gift card hold lives without renewal.
func (c *Config) GiftCardHoldTTL() time.Duration {
	return time.Duration(c.GiftCardHoldTTLMinutes) * time.Minute
}

// SubmissionLockTTL returns the lifetime of the per-session submission guard.
func (c *Config) SubmissionLockTTL() time.Duration {
	return time.Duration(c.SubmissionLockTTLSeconds) * time.Second
}

// ChargeTimeout returns the budget for a single charge attempt.
func (c *Config) ChargeTimeout() time.Duration {
	return time.Duration(c.PaymentChargeTimeoutSecs) * time.Second
}

// ExpirySweepInterval returns how often stale sessions are swept.
func (c *Config) ExpirySweepInterval() time.Duration {
	return time.Duration(c.ExpirySweepIntervalSecs) * time.Second
}
