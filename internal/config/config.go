// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage. DatabaseURL wins over SQLitePath; with neither set profiles
	// live in memory.
	DatabaseURL string
	SQLitePath  string

	// Engine owner: the only account allowed to integrate external data.
	OwnerAddress string
	OwnerAPIKey  string // optional sk_ key bound to the owner at start-up

	// Security
	RateLimitRPM   int
	APIKeyTTL      time.Duration // zero means keys never expire
	AllowedOrigins []string

	// Store contention
	StoreRetryAttempts  int
	StoreRetryBaseDelay time.Duration
	BreakerThreshold    int
	BreakerOpenDuration time.Duration

	// External data feed
	FeedAccounts  []string
	FeedInterval  time.Duration
	FeedSourceURL string // empty uses the built-in static source
	FeedRPCURL    string // optional Ethereum JSON-RPC for balance and nonce

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultRateLimit           = 60
	DefaultStoreRetryAttempts  = 3
	DefaultStoreRetryBaseDelay = 25 * time.Millisecond
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
	DefaultFeedInterval        = time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          os.Getenv("SQLITE_PATH"),
		OwnerAddress:        os.Getenv("OWNER_ADDRESS"), // Required, no default
		OwnerAPIKey:         os.Getenv("OWNER_API_KEY"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		APIKeyTTL:           getEnvDuration("API_KEY_TTL", 0),
		AllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		StoreRetryAttempts:  int(getEnvInt64("STORE_RETRY_ATTEMPTS", DefaultStoreRetryAttempts)),
		StoreRetryBaseDelay: getEnvDuration("STORE_RETRY_BASE_DELAY", DefaultStoreRetryBaseDelay),
		BreakerThreshold:    int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerOpenDuration: getEnvDuration("BREAKER_OPEN_DURATION", DefaultBreakerOpenDuration),
		FeedAccounts:        getEnvList("FEED_ACCOUNTS"),
		FeedInterval:        getEnvDuration("FEED_INTERVAL", DefaultFeedInterval),
		FeedSourceURL:       os.Getenv("FEED_SOURCE_URL"),
		FeedRPCURL:          os.Getenv("FEED_RPC_URL"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OwnerAddress == "" {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}
	if !common.IsHexAddress(c.OwnerAddress) {
		return fmt.Errorf("OWNER_ADDRESS must be a 20-byte hex address (0x...)")
	}
	if common.HexToAddress(c.OwnerAddress) == (common.Address{}) {
		return fmt.Errorf("OWNER_ADDRESS must not be the zero address")
	}

	if c.OwnerAPIKey != "" && (!strings.HasPrefix(c.OwnerAPIKey, "sk_") || len(c.OwnerAPIKey) < 32) {
		return fmt.Errorf("OWNER_API_KEY must start with sk_ and be at least 32 characters")
	}

	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1")
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1")
	}

	for _, a := range c.FeedAccounts {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("FEED_ACCOUNTS contains invalid address %q", a)
		}
	}
	if len(c.FeedAccounts) > 0 && c.FeedInterval <= 0 {
		return fmt.Errorf("FEED_INTERVAL must be positive when FEED_ACCOUNTS is set")
	}

	return nil
}

// Owner returns the configured owner address. Call after Validate.
func (c *Config) Owner() common.Address {
	return common.HexToAddress(c.OwnerAddress)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
