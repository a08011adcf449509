package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"sjsage522/pricewatch/pkg/errors"
)

// Config represents the application configuration
type Config struct {
	// Persistence
	StoreDriver string
	DatabaseURL string

	// Redis configuration (per-competitor locks, event stream)
	RedisAddr            string
	RedisDB              int
	RedisEventStream     string
	RedisStreamMaxLength int

	// Memcache configuration (domain block windows, exchange rates)
	MemcacheAddr string

	// HTTP
	HealthPort int
	APIPort    int

	// Dispatcher
	MaxConcurrency int
	LockLifetime   time.Duration
	ProcessEvery   time.Duration

	// Fetching
	FetchTimeout        time.Duration
	BrowserMode         string
	RodBrowserBin       string
	BrowserlessAddr     string
	DomainRatePerMinute int
	RespectRobots       bool
	BlockTime           time.Duration

	// Email
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	AppURL       string

	// Exchange rates
	ExchangeRateAPI       string
	ExchangeRateCacheFile string

	// Environment
	Environment string
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() *Config {
	return &Config{
		StoreDriver:           getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL:           getEnv("DATABASE_URL", "postgres://localhost:5432/pricewatch?sslmode=disable"),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:               getInt("REDIS_DB", 0),
		RedisEventStream:      getEnv("REDIS_EVENT_STREAM", "pricewatch:events"),
		RedisStreamMaxLength:  getInt("REDIS_STREAM_MAX_LENGTH", 10000),
		MemcacheAddr:          getEnv("MEMCACHE_ADDR", "localhost:11211"),
		HealthPort:            getInt("HEALTH_PORT", 7003),
		APIPort:               getInt("API_PORT", 3001),
		MaxConcurrency:        getInt("MAX_CONCURRENCY", 20),
		LockLifetime:          time.Duration(getInt("LOCK_LIFETIME_MINUTES", 10)) * time.Minute,
		ProcessEvery:          time.Duration(getInt("PROCESS_EVERY_SECONDS", 30)) * time.Second,
		FetchTimeout:          time.Duration(getInt("FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
		BrowserMode:           strings.ToLower(getEnv("BROWSER_MODE", "rod")),
		RodBrowserBin:         getEnv("ROD_BROWSER_BIN", ""),
		BrowserlessAddr:       getEnv("BROWSERLESS_ADDR", ""),
		DomainRatePerMinute:   getInt("DOMAIN_RATE_PER_MINUTE", 30),
		RespectRobots:         getBool("RESPECT_ROBOTS", true),
		BlockTime:             time.Duration(getInt("BLOCK_SECONDS", 300)) * time.Second,
		SMTPHost:              getEnv("SMTP_HOST", ""),
		SMTPPort:              getInt("SMTP_PORT", 587),
		SMTPUsername:          getEnv("SMTP_USERNAME", ""),
		SMTPPassword:          getEnv("SMTP_PASSWORD", ""),
		EmailFrom:             getEnv("EMAIL_FROM", "Pricewatch <alerts@pricewatch.local>"),
		AppURL:                getEnv("APP_URL", "http://localhost:3000"),
		ExchangeRateAPI:       getEnv("EXCHANGE_RATE_API", "https://open.er-api.com/v6/latest/USD"),
		ExchangeRateCacheFile: getEnv("EXCHANGE_RATE_CACHE_FILE", "data/exchange-rates.json"),
		Environment:           getEnv("PRICEWATCH_ENVIRONMENT", "development"),
	}
}

// Validate checks the configuration for values the worker cannot run with
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.NewConfiguration("DATABASE_URL is required for the postgres store", nil)
		}
	case "memory":
	default:
		return errors.NewConfiguration("unknown STORE_DRIVER "+c.StoreDriver, nil)
	}

	switch c.BrowserMode {
	case "rod", "off":
	case "browserless":
		if c.BrowserlessAddr == "" {
			return errors.NewConfiguration("BROWSERLESS_ADDR is required when BROWSER_MODE=browserless", nil)
		}
	default:
		return errors.NewConfiguration("unknown BROWSER_MODE "+c.BrowserMode, nil)
	}

	if c.MaxConcurrency < 1 {
		return errors.NewConfiguration("MAX_CONCURRENCY must be positive", nil)
	}
	if c.LockLifetime <= 0 || c.ProcessEvery <= 0 || c.FetchTimeout <= 0 {
		return errors.NewConfiguration("durations must be positive", nil)
	}
	return nil
}

// EmailConfigured reports whether an SMTP provider is available
func (c *Config) EmailConfigured() bool {
	return c.SMTPHost != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return b
}
