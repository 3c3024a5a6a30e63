// Package bootstrap wires the daemon together: audit trail, risk engine,
// broker provider, market data, order manager, monitors and the socket
// server, in that order, then runs the lot until a signal or a
// daemon.stop command lands.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"brokerd/internal/alert"
	"brokerd/internal/audit"
	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/internal/infrastructure/metrics"
	"brokerd/internal/marketdata"
	"brokerd/internal/monitor"
	"brokerd/internal/orders"
	"brokerd/internal/provider"
	"brokerd/internal/risk"
	"brokerd/internal/server"
	"brokerd/pkg/telemetry"
)

const (
	eventBuffer     = 256
	shutdownTimeout = 10 * time.Second
	gaugeInterval   = 10 * time.Second
)

// App holds every long-lived daemon component.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	auditLog   *audit.Log
	engine     *risk.Engine
	provider   core.IProvider
	marketData *marketdata.Service
	orders     *orders.Manager
	monitor    *monitor.Monitor
	server     *server.Server
	alerts     *alert.Manager
	metricsSrv *metrics.Server

	// events carries provider events to the monitor, the order manager
	// and the subscriber hub, decoupling broker callbacks from consumers.
	events chan core.Event
}

// New builds the daemon. Construction order matters: the audit trail and
// risk engine exist before the provider so connection events recorded
// during provider construction have somewhere to go, and the server is
// built last because it dispatches into everything else.
func New(cfg *config.Config, logger core.ILogger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger.WithField("component", "bootstrap"),
		events: make(chan core.Event, eventBuffer),
	}

	auditLog, err := audit.Open(cfg.Logging.AuditDB)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.auditLog = auditLog

	a.engine = risk.NewEngine(cfg.Risk)

	prov, err := provider.New(cfg, logger, auditLog, a.enqueue)
	if err != nil {
		auditLog.Close()
		return nil, fmt.Errorf("create provider: %w", err)
	}
	a.provider = prov

	a.marketData = marketdata.New(prov, cfg.MarketData, logger)

	// The order manager and monitors publish straight to subscribers;
	// only provider events flow through the routing channel, so a fill
	// event touches the order book exactly once.
	a.orders = orders.New(prov, a.engine, auditLog, logger, a.broadcast)
	a.monitor = monitor.New(prov, a.engine, auditLog, logger, a.broadcast, cfg.Monitor, cfg.Agent)

	a.server = server.New(cfg.Runtime, server.Deps{
		Provider:   prov,
		MarketData: a.marketData,
		Orders:     a.orders,
		Risk:       a.engine,
		Audit:      auditLog,
		Monitor:    a.monitor,
		Logger:     logger,
	})

	if cfg.Alerts.Enabled {
		a.alerts = alert.NewManager(logger, time.Duration(cfg.Alerts.TimeoutSeconds)*time.Second)
		a.alerts.AddChannel(alert.NewWebhookChannel(cfg.Alerts.WebhookURL.Reveal()))
		a.monitor.SetHaltHook(a.notifyHalt)
	}

	if cfg.Telemetry.EnableMetrics {
		if err := telemetry.InitMetrics(); err != nil {
			logger.Warn("failed to initialize metrics exporter", "error", err)
		} else {
			a.metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		}
	} else {
		if err := telemetry.InitNoop(); err != nil {
			logger.Warn("failed to initialize noop telemetry", "error", err)
		}
	}

	return a, nil
}

// Server exposes the socket server, mainly for tests.
func (a *App) Server() *server.Server { return a.server }

// Run starts the daemon and blocks until a termination signal arrives or
// a daemon.stop command shuts the server down. Shutdown is the reverse
// of startup.
func (a *App) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.provider.Start(ctx); err != nil {
		a.auditLog.Close()
		return fmt.Errorf("start provider: %w", err)
	}
	a.monitor.Start(ctx)

	if a.metricsSrv != nil {
		a.metricsSrv.Start()
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error {
		a.routeEvents(loopCtx)
		return nil
	})
	g.Go(func() error {
		a.publishGauges(loopCtx)
		return nil
	})

	if err := a.server.Start(ctx); err != nil {
		cancelLoops()
		g.Wait()
		a.monitor.Stop()
		a.provider.Stop(context.Background())
		a.auditLog.Close()
		return fmt.Errorf("start server: %w", err)
	}

	a.logger.Info("daemon ready",
		"socket", a.server.SocketPath(),
		"provider", a.provider.Name(),
	)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case <-a.server.Done():
		a.logger.Info("stop requested over the socket")
	}

	return a.shutdown(cancelLoops, &g)
}

func (a *App) shutdown(cancelLoops context.CancelFunc, g *errgroup.Group) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Stop(ctx); err != nil {
		firstErr = err
	}
	a.monitor.Stop()
	if err := a.provider.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	cancelLoops()
	g.Wait()

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Stop(ctx); err != nil {
			a.logger.Warn("metrics server stop failed", "error", err)
		}
	}
	if a.alerts != nil {
		a.alerts.Wait()
	}
	if err := a.auditLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.logger.Info("daemon shut down")
	return firstErr
}

// enqueue is the provider's event sink. It never blocks the broker
// callback path: a full buffer drops the event with a warning.
func (a *App) enqueue(event core.Event) {
	select {
	case a.events <- event:
	default:
		a.logger.Warn("event buffer full, dropping event", "topic", string(event.Topic))
	}
}

// broadcast is the sink handed to components whose events only need to
// reach subscribers.
func (a *App) broadcast(event core.Event) {
	a.server.Broadcast(event)
}

// routeEvents fans provider events out to the monitor, the order manager
// and the subscriber hub.
func (a *App) routeEvents(ctx context.Context) {
	for {
		select {
		case event := <-a.events:
			a.monitor.HandleEvent(event)
			a.orders.HandleEvent(context.Background(), event)
			a.server.Broadcast(event)
		case <-ctx.Done():
			return
		}
	}
}

// publishGauges refreshes the slow-moving telemetry gauges.
func (a *App) publishGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m := telemetry.GetGlobalMetrics()
			m.SetProviderConnected(a.provider.Name(), a.provider.IsConnected())
			m.SetRiskHalted(a.engine.Halted())
			m.SetOpenOrders(int64(a.orders.ActiveCount()))
			m.SetSubscribers(int64(a.server.SubscriberCount()))
			if a.provider.IsConnected() {
				readCtx, cancel := context.WithTimeout(ctx, gaugeInterval/2)
				if pnl, err := a.provider.PnL(readCtx); err == nil {
					m.SetDailyPnL(pnl.Total)
				}
				if positions, err := a.provider.Positions(readCtx); err == nil {
					for _, position := range positions {
						m.SetPositionValue(position.Symbol, position.MarketValue)
					}
				}
				cancel()
			}
		case <-ctx.Done():
			return
		}
	}
}

// notifyHalt turns a monitor halt into an operator alert.
func (a *App) notifyHalt(reason string, details map[string]any) {
	fields := make(map[string]string, len(details)+1)
	fields["reason"] = reason
	for key, value := range details {
		fields[key] = fmt.Sprint(value)
	}
	a.alerts.Alert(context.Background(), "Trading halted", fmt.Sprintf("trading halted: %s", reason), alert.Critical, fields)
}
