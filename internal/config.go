package internal

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string

	// BaseURL is the externally visible origin, used for billing redirects.
	BaseURL string

	// Identity configuration
	IPHashSalt      string // Salt for one-way IP hashing (required outside development)
	IPEncryptionKey []byte // 32-byte key for the compliance-only encrypted IP field

	// Risk scoring (outbound geo/security lookup)
	RiskLookupURL     string // Empty disables risk scoring entirely
	RiskLookupTimeout time.Duration

	// Rate limiting
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Session metering
	MaxSessionDuration time.Duration

	// Scheduler Configuration
	SchedulerEnabled     bool
	DailyResetInterval   time.Duration
	RenewalInterval      time.Duration
	SessionSweepInterval time.Duration
	ArchiveInterval      time.Duration
	VisitorRetention     time.Duration
	LedgerRetention      time.Duration

	// Archive Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string // Base directory for local archive storage

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string

	// Stripe Billing Configuration
	// These are required when billing is enabled in production.
	// In development, the webhook handler functions as a stub if these are empty.
	StripeSecretKey     string // Stripe API secret key (sk_test_... or sk_live_...)
	StripeWebhookSecret string // Stripe webhook signing secret (whsec_...)

	// Stripe Price IDs for subscription plans
	StripeStarterMonthlyPriceID string
	StripeStarterYearlyPriceID  string
	StripePlusMonthlyPriceID    string
	StripePlusYearlyPriceID     string
	StripeMaxMonthlyPriceID     string
	StripeMaxYearlyPriceID      string

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		IPHashSalt: getEnv("IP_HASH_SALT", ""),

		RiskLookupURL:     getEnv("RISK_LOOKUP_URL", ""),
		RiskLookupTimeout: getEnvDuration("RISK_LOOKUP_TIMEOUT", 2*time.Second),

		// Rate limit defaults: 30 requests per minute per identifier
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 30),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		MaxSessionDuration: getEnvDuration("MAX_SESSION_DURATION", 2*time.Hour),

		// Scheduler defaults
		SchedulerEnabled:     getEnvBool("SCHEDULER_ENABLED", true),
		DailyResetInterval:   getEnvDuration("DAILY_RESET_INTERVAL", time.Hour),
		RenewalInterval:      getEnvDuration("RENEWAL_INTERVAL", 15*time.Minute),
		SessionSweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		ArchiveInterval:      getEnvDuration("ARCHIVE_INTERVAL", 24*time.Hour),
		VisitorRetention:     getEnvDuration("VISITOR_RETENTION", 30*24*time.Hour),
		LedgerRetention:      getEnvDuration("LEDGER_RETENTION", 90*24*time.Hour),

		// Archive storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./archive"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),

		// Stripe billing (optional — webhook handler stubs without these)
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		StripeStarterMonthlyPriceID: getEnv("STRIPE_STARTER_MONTHLY_PRICE_ID", ""),
		StripeStarterYearlyPriceID:  getEnv("STRIPE_STARTER_YEARLY_PRICE_ID", ""),
		StripePlusMonthlyPriceID:    getEnv("STRIPE_PLUS_MONTHLY_PRICE_ID", ""),
		StripePlusYearlyPriceID:     getEnv("STRIPE_PLUS_YEARLY_PRICE_ID", ""),
		StripeMaxMonthlyPriceID:     getEnv("STRIPE_MAX_MONTHLY_PRICE_ID", ""),
		StripeMaxYearlyPriceID:      getEnv("STRIPE_MAX_YEARLY_PRICE_ID", ""),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	// Required
	cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
	if cfg.DatabaseUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Identity secrets: required outside development so visitor identities
	// are never hashed with a guessable default.
	if cfg.IPHashSalt == "" {
		if cfg.Env != "development" {
			return nil, fmt.Errorf("IP_HASH_SALT is required when ENV is %q", cfg.Env)
		}
		cfg.IPHashSalt = "dev-only-salt"
	}

	keyHex := getEnv("IP_ENCRYPTION_KEY", "")
	if keyHex == "" {
		if cfg.Env != "development" {
			return nil, fmt.Errorf("IP_ENCRYPTION_KEY is required when ENV is %q", cfg.Env)
		}
		keyHex = strings.Repeat("0badc0de", 8)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("IP_ENCRYPTION_KEY must be 32 hex-encoded bytes")
	}
	cfg.IPEncryptionKey = key

	// Validate storage configuration
	if cfg.StorageProvider == "r2" {
		if cfg.R2AccountID == "" {
			return nil, fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" {
			return nil, fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2SecretAccessKey == "" {
			return nil, fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return nil, fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	} else if cfg.StorageProvider != "local" {
		return nil, fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	if cfg.RateLimitMax < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_MAX must be at least 1")
	}
	if cfg.RateLimitWindow < time.Second {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
