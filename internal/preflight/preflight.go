// Package preflight validates the environment before the daemon starts
// serving: directories, risk limits and provider settings. Failures here
// abort startup; connectivity problems do not, the reconnect loop owns
// those.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"brokerd/internal/config"
	"brokerd/internal/core"
)

// Checker runs the startup sanity pass.
type Checker struct {
	logger core.ILogger
}

func New(logger core.ILogger) *Checker {
	return &Checker{logger: logger.WithField("component", "preflight")}
}

// Check runs every preflight test and returns the first failure.
func (c *Checker) Check(cfg *config.Config) error {
	c.logger.Info("running preflight checks", "provider", cfg.Provider)

	if err := c.checkDirs(cfg); err != nil {
		return err
	}
	if err := c.checkRiskLimits(cfg.Risk); err != nil {
		return err
	}
	if err := c.checkProvider(cfg); err != nil {
		return err
	}

	c.logger.Info("preflight checks passed")
	return nil
}

// checkDirs verifies the parent directory of every runtime artifact is
// writable before anything tries to create files there.
func (c *Checker) checkDirs(cfg *config.Config) error {
	paths := map[string]string{
		"runtime.socket_path": cfg.Runtime.SocketPath,
		"runtime.pid_file":    cfg.Runtime.PidFile,
		"logging.audit_db":    cfg.Logging.AuditDB,
	}
	for field, path := range paths {
		if path == "" {
			continue
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("preflight: cannot create directory for %s (%s): %w", field, dir, err)
		}
		probe, err := os.CreateTemp(dir, ".preflight-*")
		if err != nil {
			return fmt.Errorf("preflight: directory for %s is not writable (%s): %w", field, dir, err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}
	return nil
}

func (c *Checker) checkRiskLimits(risk config.RiskConfig) error {
	nonNegative := map[string]float64{
		"risk.max_position_pct":        risk.MaxPositionPct,
		"risk.max_order_value":         risk.MaxOrderValue,
		"risk.max_daily_loss_pct":      risk.MaxDailyLossPct,
		"risk.max_sector_exposure_pct": risk.MaxSectorExposurePct,
		"risk.max_single_name_pct":     risk.MaxSingleNamePct,
	}
	for field, value := range nonNegative {
		if value < 0 {
			return fmt.Errorf("preflight: %s must be non-negative, got %v", field, value)
		}
	}
	if risk.MaxOpenOrders < 0 {
		return fmt.Errorf("preflight: risk.max_open_orders must be non-negative, got %d", risk.MaxOpenOrders)
	}
	if risk.OrderRateLimit < 1 {
		return fmt.Errorf("preflight: risk.order_rate_limit must be at least 1, got %d", risk.OrderRateLimit)
	}
	if risk.DuplicateWindowSeconds < 0 {
		return fmt.Errorf("preflight: risk.duplicate_window_seconds must be non-negative, got %d", risk.DuplicateWindowSeconds)
	}

	blocked := make(map[string]bool, len(risk.SymbolBlocklist))
	for _, symbol := range risk.SymbolBlocklist {
		blocked[strings.ToUpper(strings.TrimSpace(symbol))] = true
	}
	for _, symbol := range risk.SymbolAllowlist {
		upper := strings.ToUpper(strings.TrimSpace(symbol))
		if blocked[upper] {
			return fmt.Errorf("preflight: symbol %s appears in both allowlist and blocklist", upper)
		}
	}
	return nil
}

func (c *Checker) checkProvider(cfg *config.Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "ib":
		if cfg.Gateway.Host == "" {
			return fmt.Errorf("preflight: gateway.host is required for the ib provider")
		}
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			return fmt.Errorf("preflight: gateway.port must be a valid port, got %d", cfg.Gateway.Port)
		}
	case "etrade":
		if cfg.ETrade.ConsumerKey == "" {
			return fmt.Errorf("preflight: etrade.consumer_key is required for the etrade provider")
		}
		if cfg.ETrade.ConsumerSecret.Reveal() == "" {
			return fmt.Errorf("preflight: etrade.consumer_secret is required for the etrade provider")
		}
	case "mock":
	default:
		return fmt.Errorf("preflight: unknown provider %q", cfg.Provider)
	}
	return nil
}
