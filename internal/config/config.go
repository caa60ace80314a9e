package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the sync engine.
type Config struct {
	DatabaseURL            string
	Schema                 string
	MaxPostgresConnections int32

	StripeAPIKey        string
	StripeWebhookSecret string
	StripeAPIVersion    string
	StripeBaseURL       string

	Port   string
	APIKey string

	AutoExpandLists         bool
	BackfillRelatedEntities bool
	RevalidateEntities      []string
	KeepWebhooksOnShutdown  bool

	SignatureTolerance time.Duration
	StaleRunInterval   time.Duration
	MaxConcurrent      int
}

// Load loads configuration from environment variables. Callers that want
// .env support run godotenv.Load before calling this.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		Schema:                 getEnv("SCHEMA", "stripe"),
		MaxPostgresConnections: int32(getEnvAsInt("MAX_POSTGRES_CONNECTIONS", 10)),

		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIVersion:    os.Getenv("STRIPE_API_VERSION"),
		StripeBaseURL:       getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),

		Port:   getEnv("PORT", "8080"),
		APIKey: os.Getenv("API_KEY"),

		AutoExpandLists:         getEnvAsBool("AUTO_EXPAND_LISTS", false),
		BackfillRelatedEntities: getEnvAsBool("BACKFILL_RELATED_ENTITIES", true),
		RevalidateEntities:      getEnvAsList("REVALIDATE_OBJECTS_VIA_STRIPE_API"),
		KeepWebhooksOnShutdown:  getEnvAsBool("KEEP_WEBHOOKS_ON_SHUTDOWN", false),

		SignatureTolerance: getEnvAsDuration("WEBHOOK_SIGNATURE_TOLERANCE", 300*time.Second),
		StaleRunInterval:   getEnvAsDuration("STALE_RUN_INTERVAL", 5*time.Minute),
		MaxConcurrent:      getEnvAsInt("MAX_CONCURRENT_OBJECTS", 3),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing required credentials.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.StripeAPIKey == "" {
		return fmt.Errorf("config: STRIPE_API_KEY is required")
	}
	return nil
}

// RevalidatesKind reports whether webhook payloads for the given entity
// kind should be refetched from the API before persisting.
func (c *Config) RevalidatesKind(kind string) bool {
	for _, k := range c.RevalidateEntities {
		if k == kind {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
