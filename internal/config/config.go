package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// BillingEnvironment values recorded on purchases.
const (
	BillingEnvTest       = "test"
	BillingEnvProduction = "production"
)

type Config struct {
	AppEnv string

	// Database
	DBHost           string
	DBPort           string
	DBUser           string
	DBPassword       string
	DBName           string
	DBSSLMode        string
	DBConnectRetries int
	DBRetryDelay     time.Duration

	// JWT
	JWTSecret        string
	JWTAccessExpiry  time.Duration
	JWTRefreshExpiry time.Duration

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTimeout       time.Duration
	BreakerFailures     uint32
	BreakerOpenTimeout  time.Duration

	// Catalog
	CatalogPath   string
	FallbackPrice string
	PriceCacheTTL time.Duration
	FrontendURL   string

	// Reconciler
	ExpirySweepInterval     time.Duration
	PastDueSweepInterval    time.Duration
	StalePendingInterval    time.Duration
	UnverifiedSweepInterval time.Duration
	EventPurgeInterval      time.Duration
	PastDueGrace            time.Duration
	StalePendingAfter       time.Duration
	UnverifiedAccountTTL    time.Duration
	ProcessedEventRetention time.Duration
	ReconcilerBatchSize     int

	// Optional infrastructure
	RedisURL       string
	AMQPURL        string
	MetricsEnabled bool
	SentryDSN      string
	LogRetention   time.Duration

	// Admin
	AdminEmails  string
	AdminUserIDs string
	AdminToken   string

	// Server
	Port        string
	CORSOrigins string
}

// MissingError reports required settings that are absent. Commerce routes are
// never served without them.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "configuration missing: " + strings.Join(e.Keys, ", ")
}

func Load() *Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	return &Config{
		AppEnv: getEnv("APP_ENV", "development"),

		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", ""),
		DBName:           getEnv("DB_NAME", "fitcore"),
		DBSSLMode:        getEnv("DB_SSLMODE", "disable"),
		DBConnectRetries: getEnvInt("DB_CONNECT_RETRIES", 5),
		DBRetryDelay:     parseDuration(getEnv("DB_RETRY_DELAY", "2s"), 2*time.Second),

		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWTAccessExpiry:  parseDuration(getEnv("JWT_ACCESS_EXPIRY", "15m"), 15*time.Minute),
		JWTRefreshExpiry: parseDuration(getEnv("JWT_REFRESH_EXPIRY", "168h"), 168*time.Hour),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeTimeout:       parseDuration(getEnv("STRIPE_TIMEOUT", "10s"), 10*time.Second),
		BreakerFailures:     uint32(getEnvInt("STRIPE_BREAKER_FAILURES", 5)),
		BreakerOpenTimeout:  parseDuration(getEnv("STRIPE_BREAKER_OPEN_TIMEOUT", "30s"), 30*time.Second),

		CatalogPath:   getEnv("CATALOG_PATH", "configs/catalog.yaml"),
		FallbackPrice: getEnv("FALLBACK_PRICE", "Contact us"),
		PriceCacheTTL: parseDuration(getEnv("PRICE_CACHE_TTL", "1h"), time.Hour),
		FrontendURL:   strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:3000"), "/"),

		ExpirySweepInterval:     parseDuration(getEnv("EXPIRY_SWEEP_INTERVAL", "30m"), 30*time.Minute),
		PastDueSweepInterval:    parseDuration(getEnv("PAST_DUE_SWEEP_INTERVAL", "6h"), 6*time.Hour),
		StalePendingInterval:    parseDuration(getEnv("STALE_PENDING_INTERVAL", "1h"), time.Hour),
		UnverifiedSweepInterval: parseDuration(getEnv("UNVERIFIED_SWEEP_INTERVAL", "24h"), 24*time.Hour),
		EventPurgeInterval:      parseDuration(getEnv("EVENT_PURGE_INTERVAL", "6h"), 6*time.Hour),
		PastDueGrace:            parseDuration(getEnv("PAST_DUE_GRACE", "720h"), 720*time.Hour),
		StalePendingAfter:       parseDuration(getEnv("STALE_PENDING_AFTER", "24h"), 24*time.Hour),
		UnverifiedAccountTTL:    parseDuration(getEnv("UNVERIFIED_ACCOUNT_TTL", "168h"), 168*time.Hour),
		ProcessedEventRetention: atLeast(parseDuration(getEnv("PROCESSED_EVENT_RETENTION", "72h"), 72*time.Hour), 24*time.Hour),
		ReconcilerBatchSize:     getEnvInt("RECONCILER_BATCH_SIZE", 100),

		RedisURL:       getEnv("REDIS_URL", ""),
		AMQPURL:        getEnv("AMQP_URL", ""),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		LogRetention:   parseDuration(getEnv("LOG_RETENTION", "720h"), 720*time.Hour),

		AdminEmails:  getEnv("ADMIN_EMAILS", ""),
		AdminUserIDs: getEnv("ADMIN_USER_IDS", ""),
		AdminToken:   getEnv("ADMIN_TOKEN", ""),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
	}
}

// Validate returns a *MissingError when settings the server cannot run
// without are absent.
func (c *Config) Validate() error {
	var missing []string
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.DBPassword == "" {
		missing = append(missing, "DB_PASSWORD")
	}
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}
	return nil
}

// BillingEnvironment is derived from the Stripe key so test-mode purchases
// are never mistaken for live ones.
func (c *Config) BillingEnvironment() string {
	if strings.HasPrefix(c.StripeSecretKey, "sk_live_") || strings.HasPrefix(c.StripeSecretKey, "rk_live_") {
		return BillingEnvProduction
	}
	return BillingEnvTest
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func atLeast(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
