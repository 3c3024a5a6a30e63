package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerd/internal/audit"
	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/internal/mock"
	"brokerd/internal/risk"
	"brokerd/pkg/logging"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *eventRecorder) sink(event core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) risk() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, ev := range r.events {
		if ev.Topic == core.TopicRisk {
			out = append(out, ev)
		}
	}
	return out
}

type haltRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (h *haltRecorder) hook(reason string, details map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, reason)
}

func (h *haltRecorder) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reasons...)
}

func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		IntervalSeconds:                5,
		ConnectionLossThresholdSeconds: 0,
		DrawdownSource:                 "total",
	}
}

func agentConfig(policy string) config.AgentConfig {
	return config.AgentConfig{HeartbeatTimeoutSeconds: 300, OnHeartbeatTimeout: policy}
}

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionPct:         100,
		MaxOrderValue:          50_000,
		MaxDailyLossPct:        2,
		MaxSectorExposurePct:   100,
		MaxSingleNamePct:       100,
		MaxOpenOrders:          20,
		OrderRateLimit:         100,
		DuplicateWindowSeconds: 60,
	}
}

func newTestMonitor(t *testing.T, mcfg config.MonitorConfig, acfg config.AgentConfig) (*Monitor, *mock.Provider, *risk.Engine, *audit.Log, *eventRecorder, *haltRecorder) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	provider := mock.New()
	eng := risk.NewEngine(riskConfig())
	rec := &eventRecorder{}
	halts := &haltRecorder{}
	mon := New(provider, eng, auditLog, logger, rec.sink, mcfg, acfg)
	mon.SetHaltHook(halts.hook)
	return mon, provider, eng, auditLog, rec, halts
}

func disconnectedEvent() core.Event {
	return core.NewEvent(core.TopicConnection, map[string]any{"event": "disconnected", "reason": "connection lost"})
}

func connectedEvent() core.Event {
	return core.NewEvent(core.TopicConnection, map[string]any{"event": "connected", "provider": "mock"})
}

func TestConnectionLossBreachHalts(t *testing.T) {
	mon, _, eng, auditLog, rec, halts := newTestMonitor(t, monitorConfig(), agentConfig("warn"))
	ctx := context.Background()

	mon.HandleEvent(disconnectedEvent())
	mon.tick(ctx)

	assert.True(t, eng.Halted())
	riskEvents := rec.risk()
	require.Len(t, riskEvents, 1)
	assert.Equal(t, "halt", riskEvents[0].Payload["event"])
	assert.Equal(t, ReasonConnectionLoss, riskEvents[0].Payload["reason"])

	rows, err := auditLog.QueryRiskEvents(ctx, "halt")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, fmt.Sprint(rows[0]["details"]), ReasonConnectionLoss)
	assert.Equal(t, []string{ReasonConnectionLoss}, halts.all())

	// Already halted, the next tick stays quiet.
	mon.tick(ctx)
	assert.Len(t, rec.risk(), 1)
	assert.Equal(t, []string{ReasonConnectionLoss}, halts.all())
}

func TestConnectionRecoveryClearsBreach(t *testing.T) {
	mon, _, eng, _, rec, _ := newTestMonitor(t, monitorConfig(), agentConfig("warn"))

	mon.HandleEvent(disconnectedEvent())
	mon.HandleEvent(connectedEvent())
	mon.tick(context.Background())

	assert.False(t, eng.Halted())
	assert.Empty(t, rec.risk())
}

func TestHeartbeatTimeoutWarnPolicy(t *testing.T) {
	acfg := config.AgentConfig{HeartbeatTimeoutSeconds: 0, OnHeartbeatTimeout: "warn"}
	mon, _, eng, auditLog, rec, _ := newTestMonitor(t, monitorConfig(), acfg)
	ctx := context.Background()

	mon.Beat()
	mon.tick(ctx)

	assert.False(t, eng.Halted())
	assert.Empty(t, rec.risk())
	rows, err := auditLog.QueryRiskEvents(ctx, "heartbeat_timeout")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, fmt.Sprint(rows[0]["details"]), "seconds_since_last")
}

func TestHeartbeatTimeoutHaltPolicy(t *testing.T) {
	acfg := config.AgentConfig{HeartbeatTimeoutSeconds: 0, OnHeartbeatTimeout: "halt"}
	mon, _, eng, auditLog, rec, halts := newTestMonitor(t, monitorConfig(), acfg)
	ctx := context.Background()

	mon.Beat()
	mon.tick(ctx)

	assert.True(t, eng.Halted())
	riskEvents := rec.risk()
	require.Len(t, riskEvents, 1)
	assert.Equal(t, ReasonHeartbeatTimeout, riskEvents[0].Payload["reason"])
	assert.Equal(t, []string{ReasonHeartbeatTimeout}, halts.all())

	// The timeout itself is the audited event; no separate halt row.
	rows, err := auditLog.QueryRiskEvents(ctx, "halt")
	require.NoError(t, err)
	assert.Empty(t, rows)
	rows, err = auditLog.QueryRiskEvents(ctx, "heartbeat_timeout")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHeartbeatFreshBeatStaysQuiet(t *testing.T) {
	mon, _, eng, auditLog, _, _ := newTestMonitor(t, monitorConfig(), agentConfig("halt"))
	ctx := context.Background()

	mon.Beat()
	mon.tick(ctx)

	assert.False(t, eng.Halted())
	rows, err := auditLog.QueryRiskEvents(ctx, "heartbeat_timeout")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNoBeatMeansNoTimeout(t *testing.T) {
	acfg := config.AgentConfig{HeartbeatTimeoutSeconds: 0, OnHeartbeatTimeout: "halt"}
	mon, _, eng, _, _, _ := newTestMonitor(t, monitorConfig(), acfg)

	require.Nil(t, mon.SecondsSinceLastBeat())
	mon.tick(context.Background())
	assert.False(t, eng.Halted())
}

func TestDrawdownBreakerHalts(t *testing.T) {
	mon, provider, eng, auditLog, rec, halts := newTestMonitor(t, monitorConfig(), agentConfig("warn"))
	ctx := context.Background()

	require.NoError(t, provider.Start(ctx))
	t.Cleanup(func() { _ = provider.Stop(ctx) })
	provider.SetBalance(core.Balance{AccountID: "MOCK000001", NetLiquidation: 100_000, Currency: "USD"})
	provider.SetPnL(core.PnLSummary{Date: "2026-08-24", Realized: -1000, Unrealized: -2000, Total: -3000})

	mon.tick(ctx)

	assert.True(t, eng.Halted())
	riskEvents := rec.risk()
	require.Len(t, riskEvents, 1)
	assert.Equal(t, ReasonDrawdownBreaker, riskEvents[0].Payload["reason"])
	assert.Equal(t, []string{ReasonDrawdownBreaker}, halts.all())

	rows, err := auditLog.QueryRiskEvents(ctx, "halt")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	details := fmt.Sprint(rows[0]["details"])
	assert.Contains(t, details, "drawdown_breaker")
	assert.Contains(t, details, "loss_pct")
}

func TestDrawdownWithinLimitStaysQuiet(t *testing.T) {
	mon, provider, eng, _, rec, _ := newTestMonitor(t, monitorConfig(), agentConfig("warn"))
	ctx := context.Background()

	require.NoError(t, provider.Start(ctx))
	t.Cleanup(func() { _ = provider.Stop(ctx) })
	provider.SetPnL(core.PnLSummary{Date: "2026-08-24", Total: -1000})

	mon.tick(ctx)

	assert.False(t, eng.Halted())
	assert.Empty(t, rec.risk())
}

func TestDrawdownSourceSelection(t *testing.T) {
	pnl := core.PnLSummary{Date: "2026-08-24", Realized: -3000, Unrealized: 2500, Total: -500}

	mcfg := monitorConfig()
	mcfg.DrawdownSource = "realized"
	mon, provider, eng, _, _, _ := newTestMonitor(t, mcfg, agentConfig("warn"))
	ctx := context.Background()
	require.NoError(t, provider.Start(ctx))
	t.Cleanup(func() { _ = provider.Stop(ctx) })
	provider.SetPnL(pnl)
	mon.tick(ctx)
	assert.True(t, eng.Halted(), "realized source should trip on realized loss")

	mon2, provider2, eng2, _, _, _ := newTestMonitor(t, monitorConfig(), agentConfig("warn"))
	require.NoError(t, provider2.Start(ctx))
	t.Cleanup(func() { _ = provider2.Stop(ctx) })
	provider2.SetPnL(pnl)
	mon2.tick(ctx)
	assert.False(t, eng2.Halted(), "total source should see only the net -500")
}

func TestDrawdownSkippedWhenDisconnected(t *testing.T) {
	mon, provider, eng, _, _, _ := newTestMonitor(t, monitorConfig(), agentConfig("warn"))

	provider.SetPnL(core.PnLSummary{Date: "2026-08-24", Total: -50_000})
	mon.tick(context.Background())

	assert.False(t, eng.Halted())
}

// balanceless hides the account snapshot to exercise the transient error
// path.
type balanceless struct {
	*mock.Provider
}

func (b *balanceless) Balance(ctx context.Context) (*core.Balance, error) {
	return nil, fmt.Errorf("pacing violation")
}

func TestDrawdownTransientErrorSkipsTick(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	inner := mock.New()
	ctx := context.Background()
	require.NoError(t, inner.Start(ctx))
	t.Cleanup(func() { _ = inner.Stop(ctx) })
	inner.SetPnL(core.PnLSummary{Date: "2026-08-24", Total: -50_000})

	eng := risk.NewEngine(riskConfig())
	mon := New(&balanceless{inner}, eng, auditLog, logger, nil, monitorConfig(), agentConfig("warn"))

	mon.tick(ctx)
	assert.False(t, eng.Halted())
}

func TestLoopLifecycle(t *testing.T) {
	mcfg := monitorConfig()
	mcfg.IntervalSeconds = 0.01
	mon, _, eng, _, _, _ := newTestMonitor(t, mcfg, agentConfig("warn"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)
	mon.HandleEvent(disconnectedEvent())

	require.Eventually(t, eng.Halted, 2*time.Second, 10*time.Millisecond)
	mon.Stop()
	mon.Stop()
}

func TestStopWithoutStartReturns(t *testing.T) {
	mon, _, _, _, _, _ := newTestMonitor(t, monitorConfig(), agentConfig("warn"))
	mon.Stop()
}

func TestBeatUpdatesAge(t *testing.T) {
	mon, _, _, _, _, _ := newTestMonitor(t, monitorConfig(), agentConfig("warn"))

	require.Nil(t, mon.SecondsSinceLastBeat())
	mon.Beat()
	age := mon.SecondsSinceLastBeat()
	require.NotNil(t, age)
	assert.GreaterOrEqual(t, *age, 0.0)
	assert.Less(t, *age, 5.0)
}
