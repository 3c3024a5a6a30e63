package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "consumer_key: ${TEST_CONSUMER_KEY}",
			envVars: map[string]string{
				"TEST_CONSUMER_KEY": "key_123",
			},
			expected: "consumer_key: key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "consumer_key: ${CK}\nconsumer_secret: ${CS}",
			envVars: map[string]string{
				"CK": "key_value",
				"CS": "secret_value",
			},
			expected: "consumer_key: key_value\nconsumer_secret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "consumer_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "consumer_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "port: 4001\nhost: ${TEST_HOST}",
			envVars: map[string]string{
				"TEST_HOST": "gateway.local",
			},
			expected: "port: 4001\nhost: gateway.local",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfig_FileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	configContent := `provider: ib

gateway:
  host: "10.0.0.5"
  port: 4002

risk:
  max_order_value: 25000
  symbol_blocklist: ["GME"]

logging:
  level: "DEBUG"
`
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err, "LoadConfig() error")

	// File values win
	assert.Equal(t, "10.0.0.5", cfg.Gateway.Host)
	assert.Equal(t, 4002, cfg.Gateway.Port)
	assert.Equal(t, 25000.0, cfg.Risk.MaxOrderValue)
	assert.Equal(t, []string{"GME"}, cfg.Risk.SymbolBlocklist)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)

	// Untouched sections keep defaults
	assert.Equal(t, 1, cfg.Gateway.ClientID)
	assert.Equal(t, 20, cfg.Risk.MaxOpenOrders)
	assert.Equal(t, 15, cfg.Runtime.RequestTimeoutSeconds)
	assert.Equal(t, "best_effort", cfg.MarketData.QuoteIntentDefault)
	assert.Equal(t, []string{"SPY"}, cfg.MarketData.ProbeSymbols)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "ib", cfg.Provider)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 4001, cfg.Gateway.Port)
	assert.Equal(t, 50_000.0, cfg.Risk.MaxOrderValue)
	assert.Equal(t, 300, cfg.Agent.HeartbeatTimeoutSeconds)
	assert.Equal(t, "warn", cfg.Agent.OnHeartbeatTimeout)
	assert.Equal(t, 30.0, cfg.Monitor.ConnectionLossThresholdSeconds)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BROKERD_GATEWAY_PORT", "4010")
	t.Setenv("BROKERD_RISK_MAX_ORDER_VALUE", "10000.5")
	t.Setenv("BROKERD_RISK_SYMBOL_ALLOWLIST", "AAPL,MSFT")
	t.Setenv("BROKERD_GATEWAY_AUTO_RECONNECT", "false")
	t.Setenv("BROKERD_MARKET_DATA_QUOTE_INTENT_DEFAULT", "last_only")
	t.Setenv("BROKERD_MARKET_DATA_CAPABILITY_TTL_SECONDS", "42")
	t.Setenv("BROKERD_PROVIDER", "mock")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Provider)
	assert.Equal(t, 4010, cfg.Gateway.Port)
	assert.Equal(t, 10000.5, cfg.Risk.MaxOrderValue)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Risk.SymbolAllowlist)
	assert.False(t, cfg.Gateway.AutoReconnect)
	assert.Equal(t, "last_only", cfg.MarketData.QuoteIntentDefault)
	assert.Equal(t, 42.0, cfg.MarketData.CapabilityTTLSeconds)
}

func TestLoadConfig_ETradeEnvOverrides(t *testing.T) {
	t.Setenv("BROKERD_PROVIDER", "etrade")
	t.Setenv("BROKERD_ETRADE_CONSUMER_KEY", "key-123")
	t.Setenv("BROKERD_ETRADE_CONSUMER_SECRET", "secret-456")
	t.Setenv("BROKERD_ETRADE_SANDBOX", "true")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "etrade", cfg.Provider)
	assert.Equal(t, "key-123", cfg.ETrade.ConsumerKey)
	assert.Equal(t, "secret-456", cfg.ETrade.ConsumerSecret.Reveal())
	assert.True(t, cfg.ETrade.Sandbox)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown provider", func(c *Config) { c.Provider = "robinhood" }, "provider"},
		{"zero order value", func(c *Config) { c.Risk.MaxOrderValue = 0 }, "risk.max_order_value"},
		{"bad port", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port"},
		{"bad heartbeat policy", func(c *Config) { c.Agent.OnHeartbeatTimeout = "panic" }, "agent.on_heartbeat_timeout"},
		{"bad drawdown source", func(c *Config) { c.Monitor.DrawdownSource = "weekly" }, "monitor.drawdown_source"},
		{"bad quote intent", func(c *Config) { c.MarketData.QuoteIntentDefault = "fastest" }, "market_data.quote_intent_default"},
		{"bad log level", func(c *Config) { c.Logging.Level = "TRACE" }, "logging.level"},
		{"empty socket path", func(c *Config) { c.Runtime.SocketPath = "" }, "runtime.socket_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ETrade.ConsumerSecret = Secret("my_super_secret_value")
	cfg.Alerts.WebhookURL = Secret("https://hooks.example.com/T000/B000/XXXX")

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]", "output should contain the redaction marker")
	assert.NotContains(t, output, "my_super_secret_value", "output should NOT contain the consumer secret")
	assert.NotContains(t, output, "hooks.example.com", "output should NOT contain the webhook URL")
}
