// Package monitor runs the background risk checkers: connection-loss
// breaker, heartbeat timeout and drawdown breaker. Each breach halts the
// risk engine at most once and announces it on the risk topic.
package monitor

import (
	"context"
	"sync"
	"time"

	"brokerd/internal/audit"
	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/internal/risk"
)

const (
	ReasonConnectionLoss   = "connection_loss"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonDrawdownBreaker  = "drawdown_breaker"
)

// HaltHook is invoked after the engine halts, with the breach reason and
// the details that went to the audit log. Used to fan out alerts.
type HaltHook func(reason string, details map[string]any)

// Monitor ticks the three checkers on a fixed interval.
type Monitor struct {
	provider core.IProvider
	risk     *risk.Engine
	audit    *audit.Log
	logger   core.ILogger
	sink     core.EventSink

	connectionLoss *risk.ConnectionLossMonitor
	heartbeat      *risk.HeartbeatMonitor

	interval        time.Duration
	heartbeatPolicy string
	drawdownSource  string

	mu      sync.Mutex
	onHalt  HaltHook
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a Monitor from the monitor and agent config sections. The
// sink receives risk halt events; it may be nil.
func New(provider core.IProvider, eng *risk.Engine, auditLog *audit.Log, logger core.ILogger, sink core.EventSink, monitorCfg config.MonitorConfig, agentCfg config.AgentConfig) *Monitor {
	interval := time.Duration(monitorCfg.IntervalSeconds * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Second
	}
	threshold := time.Duration(monitorCfg.ConnectionLossThresholdSeconds * float64(time.Second))
	heartbeatTimeout := time.Duration(agentCfg.HeartbeatTimeoutSeconds) * time.Second

	return &Monitor{
		provider:        provider,
		risk:            eng,
		audit:           auditLog,
		logger:          logger,
		sink:            sink,
		connectionLoss:  risk.NewConnectionLossMonitor(threshold),
		heartbeat:       risk.NewHeartbeatMonitor(heartbeatTimeout),
		interval:        interval,
		heartbeatPolicy: agentCfg.OnHeartbeatTimeout,
		drawdownSource:  monitorCfg.DrawdownSource,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// SetHaltHook installs the alert callback. Must be called before Start.
func (m *Monitor) SetHaltHook(hook HaltHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onHalt = hook
}

// Beat records agent liveness from runtime.keepalive.
func (m *Monitor) Beat() {
	m.heartbeat.Beat()
}

// SecondsSinceLastBeat reports the age of the last keepalive, nil before
// the first one.
func (m *Monitor) SecondsSinceLastBeat() *float64 {
	return m.heartbeat.SecondsSinceLast()
}

// HandleEvent tracks provider connection transitions.
func (m *Monitor) HandleEvent(event core.Event) {
	if event.Topic != core.TopicConnection {
		return
	}
	switch payloadLabel(event.Payload) {
	case "connected":
		m.connectionLoss.OnConnected()
	case "disconnected":
		m.connectionLoss.OnDisconnected()
	}
}

func payloadLabel(payload map[string]any) string {
	if v, ok := payload["event"].(string); ok {
		return v
	}
	return ""
}

// Start launches the tick loop. The loop exits when ctx is cancelled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run(ctx)
}

// Stop terminates the loop and waits for it to drain.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if m.connectionLoss.Breached() && !m.risk.Halted() {
		m.risk.Halt()
		details := map[string]any{"reason": ReasonConnectionLoss}
		m.logRiskEvent(ctx, "halt", details)
		m.publishHalt(ReasonConnectionLoss)
		m.notifyHalt(ReasonConnectionLoss, details)
	}

	if m.heartbeat.IsTimedOut() {
		details := map[string]any{"seconds_since_last": m.heartbeat.SecondsSinceLast()}
		m.logRiskEvent(ctx, "heartbeat_timeout", details)
		if m.heartbeatPolicy == "halt" && !m.risk.Halted() {
			m.risk.Halt()
			m.publishHalt(ReasonHeartbeatTimeout)
			m.notifyHalt(ReasonHeartbeatTimeout, details)
		}
	}

	if m.provider.IsConnected() {
		balance, err := m.provider.Balance(ctx)
		if err != nil {
			m.logger.Debug("drawdown monitor skipped due to transient error", "error", err)
			return
		}
		pnl, err := m.provider.PnL(ctx)
		if err != nil {
			m.logger.Debug("drawdown monitor skipped due to transient error", "error", err)
			return
		}
		dailyPnL := m.drawdownValue(pnl)
		breached, lossPct := m.risk.CheckDrawdownBreaker(dailyPnL, balance.NetLiquidation)
		if breached && !m.risk.Halted() {
			m.risk.Halt()
			details := map[string]any{
				"reason":    ReasonDrawdownBreaker,
				"daily_pnl": dailyPnL,
				"loss_pct":  lossPct,
			}
			m.logRiskEvent(ctx, "halt", details)
			m.publishHalt(ReasonDrawdownBreaker)
			m.notifyHalt(ReasonDrawdownBreaker, details)
		}
	}
}

func (m *Monitor) drawdownValue(pnl *core.PnLSummary) float64 {
	switch m.drawdownSource {
	case "realized":
		return pnl.Realized
	case "unrealized":
		return pnl.Unrealized
	default:
		return pnl.Total
	}
}

func (m *Monitor) logRiskEvent(ctx context.Context, eventType string, details map[string]any) {
	if err := m.audit.LogRiskEvent(ctx, eventType, details); err != nil {
		m.logger.Warn("audit risk event failed", "event_type", eventType, "error", err)
	}
}

func (m *Monitor) publishHalt(reason string) {
	if m.sink == nil {
		return
	}
	m.sink(core.NewEvent(core.TopicRisk, map[string]any{"event": "halt", "reason": reason}))
}

func (m *Monitor) notifyHalt(reason string, details map[string]any) {
	m.mu.Lock()
	hook := m.onHalt
	m.mu.Unlock()
	if hook != nil {
		hook(reason, details)
	}
}
