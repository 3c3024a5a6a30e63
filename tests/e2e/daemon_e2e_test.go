// Package e2e drives a full daemon over its unix socket: mock broker
// backend, real risk engine, order manager, monitors and server, talking
// through the SDK client exactly as the CLI would.
package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerd/internal/audit"
	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/internal/marketdata"
	"brokerd/internal/mock"
	"brokerd/internal/monitor"
	"brokerd/internal/orders"
	"brokerd/internal/risk"
	"brokerd/internal/server"
	"brokerd/pkg/client"
	apperrors "brokerd/pkg/errors"
	"brokerd/pkg/logging"
)

// daemon is one running daemon instance with its mock broker exposed so
// tests can drive fills and outages.
type daemon struct {
	provider *mock.Provider
	engine   *risk.Engine
	srv      *server.Server
	client   *client.Client
}

// startDaemon wires the full stack the way the daemon boots it: provider
// events flow through a routing channel to the monitor, the order manager
// and the subscriber hub. mutate adjusts the config before wiring.
func startDaemon(t *testing.T, mutate func(*config.Config)) *daemon {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Provider = "mock"
	cfg.Risk.MaxPositionPct = 100
	cfg.Risk.MaxSingleNamePct = 100
	cfg.Runtime.SocketPath = filepath.Join(dir, "broker.sock")
	cfg.Runtime.PidFile = filepath.Join(dir, "broker.pid")
	cfg.Logging.AuditDB = filepath.Join(dir, "audit.db")
	if mutate != nil {
		mutate(cfg)
	}

	auditLog, err := audit.Open(cfg.Logging.AuditDB)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	engine := risk.NewEngine(cfg.Risk)
	provider := mock.New()

	events := make(chan core.Event, 256)
	provider.SetEventSink(func(ev core.Event) { events <- ev })

	var srv *server.Server
	broadcast := func(ev core.Event) { srv.Broadcast(ev) }
	mgr := orders.New(provider, engine, auditLog, logger, broadcast)
	md := marketdata.New(provider, cfg.MarketData, logger)
	mon := monitor.New(provider, engine, auditLog, logger, broadcast, cfg.Monitor, cfg.Agent)

	srv = server.New(cfg.Runtime, server.Deps{
		Provider:   provider,
		MarketData: md,
		Orders:     mgr,
		Risk:       engine,
		Audit:      auditLog,
		Monitor:    mon,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	routeDone := make(chan struct{})
	go func() {
		defer close(routeDone)
		for {
			select {
			case ev := <-events:
				mon.HandleEvent(ev)
				mgr.HandleEvent(context.Background(), ev)
				srv.Broadcast(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	require.NoError(t, provider.Start(ctx))
	mon.Start(ctx)
	require.NoError(t, srv.Start(ctx))

	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		mon.Stop()
		_ = provider.Stop(context.Background())
		cancel()
		<-routeDone
	})

	return &daemon{
		provider: provider,
		engine:   engine,
		srv:      srv,
		client:   client.New(cfg.Runtime.SocketPath),
	}
}

func (d *daemon) call(t *testing.T, command string, params map[string]any) map[string]any {
	t.Helper()
	data, err := d.callErr(command, params)
	require.NoError(t, err, "command %s", command)
	return data
}

func (d *daemon) callErr(command string, params map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := d.client.Call(ctx, command, params)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	result, ok := data.(map[string]any)
	if !ok {
		return map[string]any{"data": data}, nil
	}
	return result, nil
}

func orderFrom(t *testing.T, result map[string]any) map[string]any {
	t.Helper()
	order, ok := result["order"].(map[string]any)
	require.True(t, ok, "response carries an order object: %#v", result)
	return order
}

func TestE2E_LimitOrderLifecycle(t *testing.T) {
	d := startDaemon(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := d.client.Subscribe(ctx, []string{"orders", "fills"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	require.Eventually(t, func() bool { return d.srv.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// A limit below the market rests instead of filling.
	placed := d.call(t, "order.place", map[string]any{
		"side": "buy", "symbol": "AAPL", "qty": 10.0, "limit": 150.0,
	})
	order := orderFrom(t, placed)
	clientOrderID := order["client_order_id"].(string)
	require.NotEmpty(t, clientOrderID)
	assert.Equal(t, "Submitted", order["status"])

	require.NoError(t, d.provider.Fill(clientOrderID, 10, 150.0))

	var sawFill bool
	deadline := time.After(3 * time.Second)
	for !sawFill {
		select {
		case envelope := <-sub.Events():
			if envelope.Topic == "fills" {
				payload := envelope.Data["payload"].(map[string]any)
				assert.Equal(t, "AAPL", payload["symbol"])
				sawFill = true
			}
		case <-deadline:
			t.Fatal("no fill event arrived")
		}
	}

	require.Eventually(t, func() bool {
		status := d.call(t, "order.status", map[string]any{"order_id": clientOrderID})
		return orderFrom(t, status)["status"] == "Filled"
	}, 3*time.Second, 20*time.Millisecond)

	fills := d.call(t, "fills.list", map[string]any{"symbol": "AAPL"})
	list, ok := fills["fills"].([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestE2E_IdempotencyKeyReplaysOriginalOrder(t *testing.T) {
	d := startDaemon(t, nil)

	params := map[string]any{
		"side": "buy", "symbol": "MSFT", "qty": 3.0,
		"idempotency_key": "replay-1",
	}
	first := orderFrom(t, d.call(t, "order.place", params))
	second := orderFrom(t, d.call(t, "order.place", params))

	assert.Equal(t, first["ib_order_id"], second["ib_order_id"])
	assert.Equal(t, 1, d.provider.PlaceCalls(), "replay never reaches the broker")
}

func TestE2E_OrderRateLimit(t *testing.T) {
	d := startDaemon(t, func(cfg *config.Config) {
		cfg.Risk.OrderRateLimit = 2
	})

	for i, symbol := range []string{"AAPL", "MSFT"} {
		d.call(t, "order.place", map[string]any{
			"side": "buy", "symbol": symbol, "qty": float64(i + 1),
		})
	}

	_, err := d.callErr("order.place", map[string]any{
		"side": "buy", "symbol": "GOOG", "qty": 1.0,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeRateLimited, apperrors.CodeOf(err))
}

func TestE2E_DuplicateWindowBlocksRepeatOrders(t *testing.T) {
	d := startDaemon(t, nil)

	params := map[string]any{"side": "buy", "symbol": "AAPL", "qty": 5.0, "limit": 170.0}
	d.call(t, "order.place", params)

	_, err := d.callErr("order.place", params)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDuplicateOrder, apperrors.CodeOf(err))
}

func TestE2E_DryRunRejectionOverTheWire(t *testing.T) {
	d := startDaemon(t, nil)

	result := d.call(t, "order.place", map[string]any{
		"side": "buy", "symbol": "AAPL", "qty": 1_000_000.0, "dry_run": true,
	})
	assert.Equal(t, true, result["dry_run"])
	assert.Equal(t, false, result["submit_allowed"])
	check, ok := result["risk_check"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, check["ok"])
	assert.Zero(t, d.provider.PlaceCalls())
}

func TestE2E_ConnectionLossHaltsTrading(t *testing.T) {
	d := startDaemon(t, func(cfg *config.Config) {
		cfg.Monitor.IntervalSeconds = 0.05
		cfg.Monitor.ConnectionLossThresholdSeconds = 0.1
	})

	d.provider.Disconnect("gateway went away")

	require.Eventually(t, func() bool { return d.engine.Halted() },
		3*time.Second, 20*time.Millisecond)

	status := d.call(t, "daemon.status", nil)
	assert.Equal(t, true, status["risk_halted"])

	// Orders are refused until an operator resumes.
	_, err := d.callErr("order.place", map[string]any{
		"side": "buy", "symbol": "AAPL", "qty": 1.0,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeRiskHalted, apperrors.CodeOf(err))

	d.provider.Reconnect()
	d.call(t, "risk.resume", nil)
	assert.False(t, d.engine.Halted())
}

func TestE2E_AuditTrailRecordsCommands(t *testing.T) {
	d := startDaemon(t, nil)

	d.call(t, "order.place", map[string]any{"side": "buy", "symbol": "AAPL", "qty": 2.0})

	require.Eventually(t, func() bool {
		result := d.call(t, "audit.commands", map[string]any{})
		rows, ok := result["commands"].([]any)
		if !ok {
			return false
		}
		for _, raw := range rows {
			row, ok := raw.(map[string]any)
			if ok && row["command"] == "order.place" {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)
}
