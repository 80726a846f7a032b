// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway (WeChat Pay v2 style)
	MchID      string // merchant id
	MchKey     string // MD5 signing key for callback verification
	AppID      string
	GatewayURL string // refund API base URL

	// Order lifecycle
	OrderTTLMinutes  int // minutes before an unpaid order is closed by the sweep
	SweepIntervalSec int

	// Security
	JWTSecret    string
	AdminSecret  string
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

const (
	DefaultPort       = "8080"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultGatewayURL = "https://api.mch.weixin.qq.com"
	DefaultOrderTTL   = 30
	DefaultSweepSec   = 60
	DefaultRateLimit  = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		MchID:            os.Getenv("MCH_ID"),
		MchKey:           os.Getenv("MCH_KEY"),
		AppID:            os.Getenv("WECHAT_APPID"),
		GatewayURL:       getEnv("GATEWAY_URL", DefaultGatewayURL),
		OrderTTLMinutes:  getEnvInt("ORDER_TTL_MINUTES", DefaultOrderTTL),
		SweepIntervalSec: getEnvInt("SWEEP_INTERVAL_SEC", DefaultSweepSec),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// Signature verification is skipped in development when MCH_KEY is unset,
// so gateway credentials are only mandatory in production.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() {
		if c.MchID == "" {
			return fmt.Errorf("MCH_ID is required in production")
		}
		if c.MchKey == "" {
			return fmt.Errorf("MCH_KEY is required in production")
		}
	}
	if c.OrderTTLMinutes <= 0 {
		return fmt.Errorf("ORDER_TTL_MINUTES must be positive")
	}
	return nil
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
