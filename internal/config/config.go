// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, durability is in-memory if unset)

	// On-chain settlement
	RPCURL          string // pass-through to the Signer; historically "SOLANA_RPC_URL" in the wire spec
	ChainID         int64
	SignerKey       string `json:"-"` // Hex-encoded, no 0x prefix — excluded from serialization
	ContractAddress string // pass-through "USDC_MINT" — the settlement token contract/mint

	// Settlement thresholds
	SettlementThresholdAmount string // decimal string, e.g. "1.00"
	SettlementThresholdTime   time.Duration
	SettlementThresholdCount  int
	AutoSettlement            bool
	SettlementCheckInterval   time.Duration

	// Security
	AdminSecret  string // Admin API bearer secret
	RateLimitRPM int

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

const (
	DefaultRPCURL          = "https://api.mainnet-beta.solana.com"
	DefaultChainID         = 8453                                           // reference EVM signer default (Base); irrelevant off that Signer
	DefaultContractAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v" // mainnet USDC mint
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRateLimit       = 100

	DefaultSettlementThresholdAmount = "1.00"
	DefaultSettlementThresholdTime   = time.Hour
	DefaultSettlementThresholdCount  = 100
	DefaultSettlementCheckInterval   = 60 * time.Second

	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5
	DefaultDBStatementTimeout = 30000

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables. It loads a .env
// file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RPCURL:          getEnv("SOLANA_RPC_URL", DefaultRPCURL),
		ChainID:         getEnvInt64("CHAIN_ID", DefaultChainID),
		SignerKey:       os.Getenv("SIGNER_PRIVATE_KEY"),
		ContractAddress: getEnv("USDC_MINT", DefaultContractAddress),

		SettlementThresholdAmount: getEnv("SETTLEMENT_THRESHOLD_AMOUNT", DefaultSettlementThresholdAmount),
		SettlementThresholdTime:   getEnvSeconds("SETTLEMENT_THRESHOLD_TIME", DefaultSettlementThresholdTime),
		SettlementThresholdCount:  int(getEnvInt64("SETTLEMENT_THRESHOLD_COUNT", DefaultSettlementThresholdCount)),
		AutoSettlement:            getEnvBool("AUTO_SETTLEMENT", true),
		SettlementCheckInterval:   getEnvMillis("SETTLEMENT_CHECK_INTERVAL", DefaultSettlementCheckInterval),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: func() int {
			rpm := getEnvInt64("RATE_LIMIT_RPM", 0)
			if rpm == 0 {
				rpm = getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))
			}
			return int(rpm)
		}(),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration is internally consistent. A missing
// SignerKey is tolerated — the facilitator can run with settlement
// dispatch disabled (MockSigner) for environments that only need
// verification and queueing.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.SettlementThresholdCount < 1 {
		return fmt.Errorf("SETTLEMENT_THRESHOLD_COUNT must be at least 1, got %d", c.SettlementThresholdCount)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin endpoints will reject all requests")
	}
	if c.IsProduction() && c.SignerKey == "" {
		slog.Warn("SIGNER_PRIVATE_KEY not set — settlement dispatch will use the mock signer")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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

// getEnvSeconds reads an integer count of seconds (the wire format for
// SETTLEMENT_THRESHOLD_TIME) and returns it as a Duration.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if s, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(s) * time.Second
		}
	}
	return defaultValue
}

// getEnvMillis reads an integer count of milliseconds (the wire format
// for SETTLEMENT_CHECK_INTERVAL) and returns it as a Duration.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
