// Package provider selects and constructs the broker backend named by
// the daemon configuration.
package provider

import (
	"fmt"
	"strings"

	"brokerd/internal/audit"
	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/internal/mock"
	"brokerd/internal/provider/etrade"
	"brokerd/internal/provider/ib"
)

// New creates the provider for cfg.Provider. The audit log may be nil;
// connection events are then only logged. A non-nil sink is installed
// before the provider is returned, so callers can Start immediately.
func New(cfg *config.Config, logger core.ILogger, auditLog *audit.Log, sink core.EventSink) (core.IProvider, error) {
	var p core.IProvider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "ib":
		p = ib.New(cfg.Gateway, logger, auditLog)
	case "etrade":
		p = etrade.New(cfg.ETrade, logger, auditLog)
	case "mock":
		p = mock.New()
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}

	if sink != nil {
		p.SetEventSink(sink)
	}
	return p, nil
}
