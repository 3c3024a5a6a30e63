// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Provider   string           `yaml:"provider"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	ETrade     ETradeConfig     `yaml:"etrade"`
	Risk       RiskConfig       `yaml:"risk"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Logging    LoggingConfig    `yaml:"logging"`
	Agent      AgentConfig      `yaml:"agent"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// GatewayConfig contains IB gateway connection settings
type GatewayConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ClientID            int    `yaml:"client_id"`
	AutoReconnect       bool   `yaml:"auto_reconnect"`
	ReconnectBackoffMax int    `yaml:"reconnect_backoff_max"`
}

// ETradeConfig contains E*Trade OAuth and session settings
type ETradeConfig struct {
	ConsumerKey     string `yaml:"consumer_key"`
	ConsumerSecret  Secret `yaml:"consumer_secret"`
	Sandbox         bool   `yaml:"sandbox"`
	AccountIDKey    string `yaml:"account_id_key"`
	TokenPath       string `yaml:"token_path"`
	FillPollSeconds int    `yaml:"fill_poll_seconds"`
}

// RiskConfig contains pre-trade risk limits
type RiskConfig struct {
	MaxPositionPct         float64  `yaml:"max_position_pct"`
	MaxOrderValue          float64  `yaml:"max_order_value"`
	MaxDailyLossPct        float64  `yaml:"max_daily_loss_pct"`
	MaxSectorExposurePct   float64  `yaml:"max_sector_exposure_pct"`
	MaxSingleNamePct       float64  `yaml:"max_single_name_pct"`
	MaxOpenOrders          int      `yaml:"max_open_orders"`
	OrderRateLimit         int      `yaml:"order_rate_limit"`
	DuplicateWindowSeconds int      `yaml:"duplicate_window_seconds"`
	SymbolAllowlist        []string `yaml:"symbol_allowlist"`
	SymbolBlocklist        []string `yaml:"symbol_blocklist"`
}

// MarketDataConfig contains quote cache and capability probe settings
type MarketDataConfig struct {
	CacheTTLSeconds          float64  `yaml:"cache_ttl_seconds"`
	CapabilityTTLSeconds     float64  `yaml:"capability_ttl_seconds"`
	QuoteIntentDefault       string   `yaml:"quote_intent_default"`
	ProbeSymbols             []string `yaml:"probe_symbols"`
	AllowHistoryLastFallback bool     `yaml:"allow_history_last_fallback"`
}

// LoggingConfig contains log and audit destinations
type LoggingConfig struct {
	Level        string `yaml:"level"`
	AuditDB      string `yaml:"audit_db"`
	LogFile      string `yaml:"log_file"`
	MaxLogSizeMB int    `yaml:"max_log_size_mb"`
}

// AgentConfig contains settings for supervised (agent-driven) sessions
type AgentConfig struct {
	HeartbeatTimeoutSeconds int    `yaml:"heartbeat_timeout_seconds"`
	OnHeartbeatTimeout      string `yaml:"on_heartbeat_timeout"`
	DefaultOutput           string `yaml:"default_output"`
}

// MonitorConfig contains background monitor thresholds
type MonitorConfig struct {
	IntervalSeconds                float64 `yaml:"interval_seconds"`
	ConnectionLossThresholdSeconds float64 `yaml:"connection_loss_threshold_seconds"`
	DrawdownSource                 string  `yaml:"drawdown_source"`
}

// RuntimeConfig contains socket and pid file locations
type RuntimeConfig struct {
	SocketPath            string `yaml:"socket_path"`
	PidFile               string `yaml:"pid_file"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains halt alert webhook settings
type AlertsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	WebhookURL     Secret `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// envPrefix is the environment namespace for overrides, e.g.
// BROKERD_GATEWAY_PORT=4002 or BROKERD_RISK_MAX_ORDER_VALUE=10000.
const envPrefix = "BROKERD_"

// sectionKeys maps env section tokens to config sections, longest first so
// MARKET_DATA wins over a hypothetical MARKET section.
var sectionKeys = []string{
	"market_data", "telemetry", "gateway", "logging", "monitor",
	"runtime", "etrade", "alerts", "agent", "risk",
}

// StateHome returns the daemon state directory, honoring XDG_STATE_HOME.
func StateHome() string {
	if v := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); v != "" {
		return filepath.Join(v, "broker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "state", "broker")
	}
	return filepath.Join(home, ".local", "state", "broker")
}

// ConfigHome returns the daemon config directory, honoring XDG_CONFIG_HOME.
func ConfigHome() string {
	if v := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); v != "" {
		return filepath.Join(v, "broker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "broker")
	}
	return filepath.Join(home, ".config", "broker")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(ConfigHome(), "config.yaml")
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion and BROKERD_* overrides. A missing file yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			expandedData := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	config.expandPaths()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides layers BROKERD_SECTION_FIELD variables onto the config.
// Values are coerced by YAML scalar rules; comma-separated values become lists.
func applyEnvOverrides(config *Config) error {
	overlay := map[string]map[string]any{}

	for _, entry := range os.Environ() {
		key, raw, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		rest := strings.ToLower(key[len(envPrefix):])
		if rest == "provider" {
			config.Provider = strings.TrimSpace(raw)
			continue
		}
		section, field := splitSectionField(rest)
		if section == "" || field == "" {
			continue
		}
		if overlay[section] == nil {
			overlay[section] = map[string]any{}
		}
		overlay[section][field] = coerceEnvValue(raw)
	}

	if len(overlay) == 0 {
		return nil
	}

	// Re-marshal the overlay through YAML so scalars convert into the
	// typed struct fields.
	data, err := yaml.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("failed to encode env overrides: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}

func splitSectionField(rest string) (string, string) {
	for _, section := range sectionKeys {
		prefix := section + "_"
		if strings.HasPrefix(rest, prefix) && len(rest) > len(prefix) {
			return section, rest[len(prefix):]
		}
	}
	return "", ""
}

func coerceEnvValue(raw string) any {
	value := strings.TrimSpace(raw)
	lower := strings.ToLower(value)
	if lower == "true" || lower == "false" {
		return lower == "true"
	}
	if strings.Contains(value, ",") {
		parts := []string{}
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		return parts
	}
	var scalar any
	if err := yaml.Unmarshal([]byte(value), &scalar); err == nil {
		switch scalar.(type) {
		case int, int64, float64, bool:
			return scalar
		}
	}
	return value
}

// expandPaths resolves ~ and makes state paths absolute-ish defaults usable.
func (c *Config) expandPaths() {
	c.Logging.AuditDB = expandHome(c.Logging.AuditDB)
	c.Logging.LogFile = expandHome(c.Logging.LogFile)
	c.Runtime.SocketPath = expandHome(c.Runtime.SocketPath)
	c.Runtime.PidFile = expandHome(c.Runtime.PidFile)
	c.ETrade.TokenPath = expandHome(c.ETrade.TokenPath)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

// EnsureDirs creates the parent directories for all state paths.
func (c *Config) EnsureDirs() error {
	for _, path := range []string{c.Runtime.SocketPath, c.Runtime.PidFile, c.Logging.AuditDB, c.Logging.LogFile} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateProvider(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateGateway(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateMarketData(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateLogging(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateAgent(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateMonitor(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRuntime(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateProvider() error {
	validProviders := []string{"ib", "etrade", "mock"}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if !contains(validProviders, c.Provider) {
		return ValidationError{
			Field:   "provider",
			Value:   c.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validProviders, ", ")),
		}
	}
	if c.Provider == "etrade" && c.ETrade.ConsumerKey == "" {
		return ValidationError{
			Field:   "etrade.consumer_key",
			Message: "consumer key is required when provider is etrade",
		}
	}
	return nil
}

func (c *Config) validateGateway() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return ValidationError{
			Field:   "gateway.port",
			Value:   c.Gateway.Port,
			Message: "must be a valid TCP port",
		}
	}
	if c.Gateway.ReconnectBackoffMax < 1 {
		return ValidationError{
			Field:   "gateway.reconnect_backoff_max",
			Value:   c.Gateway.ReconnectBackoffMax,
			Message: "must be at least 1 second",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxOrderValue <= 0 {
		return ValidationError{
			Field:   "risk.max_order_value",
			Value:   c.Risk.MaxOrderValue,
			Message: "must be positive",
		}
	}
	if c.Risk.MaxOpenOrders < 1 {
		return ValidationError{
			Field:   "risk.max_open_orders",
			Value:   c.Risk.MaxOpenOrders,
			Message: "must be at least 1",
		}
	}
	if c.Risk.OrderRateLimit < 1 {
		return ValidationError{
			Field:   "risk.order_rate_limit",
			Value:   c.Risk.OrderRateLimit,
			Message: "must be at least 1 order per minute",
		}
	}
	if c.Risk.DuplicateWindowSeconds < 0 {
		return ValidationError{
			Field:   "risk.duplicate_window_seconds",
			Value:   c.Risk.DuplicateWindowSeconds,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateMarketData() error {
	validIntents := []string{"best_effort", "top_of_book", "last_only"}
	if !contains(validIntents, c.MarketData.QuoteIntentDefault) {
		return ValidationError{
			Field:   "market_data.quote_intent_default",
			Value:   c.MarketData.QuoteIntentDefault,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validIntents, ", ")),
		}
	}
	if c.MarketData.CacheTTLSeconds < 0 {
		return ValidationError{
			Field:   "market_data.cache_ttl_seconds",
			Value:   c.MarketData.CacheTTLSeconds,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.Logging.Level)) {
		return ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateAgent() error {
	validPolicies := []string{"warn", "halt"}
	if !contains(validPolicies, c.Agent.OnHeartbeatTimeout) {
		return ValidationError{
			Field:   "agent.on_heartbeat_timeout",
			Value:   c.Agent.OnHeartbeatTimeout,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validPolicies, ", ")),
		}
	}
	return nil
}

func (c *Config) validateMonitor() error {
	validSources := []string{"realized", "unrealized", "total"}
	if !contains(validSources, c.Monitor.DrawdownSource) {
		return ValidationError{
			Field:   "monitor.drawdown_source",
			Value:   c.Monitor.DrawdownSource,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validSources, ", ")),
		}
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return ValidationError{
			Field:   "monitor.interval_seconds",
			Value:   c.Monitor.IntervalSeconds,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateRuntime() error {
	if c.Runtime.SocketPath == "" {
		return ValidationError{
			Field:   "runtime.socket_path",
			Message: "socket path is required",
		}
	}
	if c.Runtime.RequestTimeoutSeconds < 1 {
		return ValidationError{
			Field:   "runtime.request_timeout_seconds",
			Value:   c.Runtime.RequestTimeoutSeconds,
			Message: "must be at least 1 second",
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	stateHome := StateHome()
	return &Config{
		Provider: "ib",
		Gateway: GatewayConfig{
			Host:                "127.0.0.1",
			Port:                4001,
			ClientID:            1,
			AutoReconnect:       true,
			ReconnectBackoffMax: 30,
		},
		ETrade: ETradeConfig{
			Sandbox:         false,
			TokenPath:       filepath.Join(ConfigHome(), "etrade-tokens.json"),
			FillPollSeconds: 15,
		},
		Risk: RiskConfig{
			MaxPositionPct:         10.0,
			MaxOrderValue:          50_000.0,
			MaxDailyLossPct:        2.0,
			MaxSectorExposurePct:   30.0,
			MaxSingleNamePct:       10.0,
			MaxOpenOrders:          20,
			OrderRateLimit:         10,
			DuplicateWindowSeconds: 60,
		},
		MarketData: MarketDataConfig{
			CacheTTLSeconds:          2.0,
			CapabilityTTLSeconds:     300.0,
			QuoteIntentDefault:       "best_effort",
			ProbeSymbols:             []string{"SPY"},
			AllowHistoryLastFallback: true,
		},
		Logging: LoggingConfig{
			Level:        "INFO",
			AuditDB:      filepath.Join(stateHome, "audit.db"),
			LogFile:      filepath.Join(stateHome, "broker.log"),
			MaxLogSizeMB: 100,
		},
		Agent: AgentConfig{
			HeartbeatTimeoutSeconds: 300,
			OnHeartbeatTimeout:      "warn",
			DefaultOutput:           "json",
		},
		Monitor: MonitorConfig{
			IntervalSeconds:                5.0,
			ConnectionLossThresholdSeconds: 30.0,
			DrawdownSource:                 "total",
		},
		Runtime: RuntimeConfig{
			SocketPath:            filepath.Join(stateHome, "broker.sock"),
			PidFile:               filepath.Join(stateHome, "broker-daemon.pid"),
			RequestTimeoutSeconds: 15,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9464,
			EnableMetrics: false,
		},
		Alerts: AlertsConfig{
			Enabled:        false,
			TimeoutSeconds: 5,
		},
	}
}
