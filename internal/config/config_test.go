package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, DefaultContractAddress, cfg.ContractAddress)
	assert.Equal(t, DefaultSettlementThresholdAmount, cfg.SettlementThresholdAmount)
	assert.Equal(t, DefaultSettlementThresholdCount, cfg.SettlementThresholdCount)
	assert.True(t, cfg.AutoSettlement)
}

func TestLoad_SettlementThresholdOverrides(t *testing.T) {
	setEnv(t, "SETTLEMENT_THRESHOLD_AMOUNT", "5.00")
	setEnv(t, "SETTLEMENT_THRESHOLD_TIME", "120")
	setEnv(t, "SETTLEMENT_THRESHOLD_COUNT", "10")
	setEnv(t, "AUTO_SETTLEMENT", "false")
	setEnv(t, "SETTLEMENT_CHECK_INTERVAL", "5000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5.00", cfg.SettlementThresholdAmount)
	assert.Equal(t, 120*time.Second, cfg.SettlementThresholdTime)
	assert.Equal(t, 10, cfg.SettlementThresholdCount)
	assert.False(t, cfg.AutoSettlement)
	assert.Equal(t, 5*time.Second, cfg.SettlementCheckInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Port:                     "8080",
				RateLimitRPM:             10,
				DBStatementTimeout:       30000,
				SettlementThresholdCount: 1,
			},
			wantErr: "",
		},
		{
			name: "invalid port",
			config: Config{
				Port:                     "not-a-port",
				RateLimitRPM:             10,
				DBStatementTimeout:       30000,
				SettlementThresholdCount: 1,
			},
			wantErr: "PORT must be a number",
		},
		{
			name: "rate limit too low",
			config: Config{
				Port:                     "8080",
				RateLimitRPM:             0,
				DBStatementTimeout:       30000,
				SettlementThresholdCount: 1,
			},
			wantErr: "RATE_LIMIT_RPM must be at least 1",
		},
		{
			name: "count threshold too low",
			config: Config{
				Port:                     "8080",
				RateLimitRPM:             10,
				DBStatementTimeout:       30000,
				SettlementThresholdCount: 0,
			},
			wantErr: "SETTLEMENT_THRESHOLD_COUNT must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvBool(t *testing.T) {
	setEnv(t, "TEST_BOOL", "false")
	assert.False(t, getEnvBool("TEST_BOOL", true))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
}
