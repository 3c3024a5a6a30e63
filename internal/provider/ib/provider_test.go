package ib

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/core"
	apperrors "brokerd/pkg/errors"
	"brokerd/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayStub fakes the gateway bridge: auth, account discovery and the
// push socket are wired by default, everything else is added per test.
type gatewayStub struct {
	mux    *http.ServeMux
	server *httptest.Server

	mu            sync.Mutex
	authenticated bool
	snapshotCalls int
	deletes       []string
	captured      map[string]any
}

func newGatewayStub(t *testing.T) *gatewayStub {
	t.Helper()
	gw := &gatewayStub{mux: http.NewServeMux(), authenticated: true, captured: map[string]any{}}

	gw.handle("/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		gw.mu.Lock()
		authed := gw.authenticated
		gw.mu.Unlock()
		writeJSON(w, map[string]any{
			"authenticated": authed,
			"connected":     authed,
			"serverInfo":    map[string]any{"serverVersion": "10.25"},
		})
	})
	gw.handle("/portfolio/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"accountId": "DU1234567"}})
	})

	upgrader := websocket.Upgrader{}
	gw.handle("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	gw.server = httptest.NewServer(gw.mux)
	t.Cleanup(gw.server.Close)
	return gw
}

func (gw *gatewayStub) handle(pattern string, handler http.HandlerFunc) {
	gw.mux.HandleFunc("/v1/api"+pattern, handler)
}

func (gw *gatewayStub) record(key string, value any) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.captured[key] = value
}

func (gw *gatewayStub) recorded(key string) any {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return gw.captured[key]
}

func (gw *gatewayStub) recordDelete(path string) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.deletes = append(gw.deletes, path)
}

func (gw *gatewayStub) deletedPaths() []string {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	return append([]string(nil), gw.deletes...)
}

func (gw *gatewayStub) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(gw.server.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestProvider(t *testing.T, gw *gatewayStub) *Provider {
	t.Helper()
	host, port := gw.hostPort(t)
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	p := New(config.GatewayConfig{Host: host, Port: port, ClientID: 7}, logger, nil)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func newConnectedProvider(t *testing.T, gw *gatewayStub) *Provider {
	t.Helper()
	p := newTestProvider(t, gw)
	require.NoError(t, p.Start(context.Background()))
	require.True(t, p.IsConnected())
	return p
}

func stubSearch(gw *gatewayStub, conid int64, exchange string) {
	gw.handle("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"conid":       conid,
			"symbol":      r.URL.Query().Get("symbol"),
			"description": exchange,
		}})
	})
}

func typedError(t *testing.T, err error) *apperrors.Error {
	t.Helper()
	typed, ok := apperrors.As(err)
	require.True(t, ok, "expected typed error, got %v", err)
	return typed
}

func TestStartConnectsAndReportsStatus(t *testing.T) {
	gw := newGatewayStub(t)
	p := newTestProvider(t, gw)

	var mu sync.Mutex
	var events []core.Event
	p.SetEventSink(func(ev core.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, p.Start(context.Background()))
	require.True(t, p.IsConnected())

	status := p.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, "ib", status.Provider)
	assert.Equal(t, 7, status.ClientID)
	require.NotNil(t, status.AccountID)
	assert.Equal(t, "DU1234567", *status.AccountID)
	require.NotNil(t, status.ServerVersion)
	assert.Equal(t, "10.25", *status.ServerVersion)
	assert.Nil(t, status.LastError)
	require.NotNil(t, status.ConnectedAt)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, core.TopicConnection, events[0].Topic)
	assert.Equal(t, "connected", events[0].Payload["event"])
	assert.Equal(t, 7, events[0].Payload["client_id"])
}

func TestStartContinuesWhenGatewayUnauthenticated(t *testing.T) {
	gw := newGatewayStub(t)
	gw.mu.Lock()
	gw.authenticated = false
	gw.mu.Unlock()

	p := newTestProvider(t, gw)
	require.NoError(t, p.Start(context.Background()))
	assert.False(t, p.IsConnected())

	status := p.Status()
	require.NotNil(t, status.LastError)
	assert.Contains(t, *status.LastError, "not authenticated")

	_, err := p.Quote(context.Background(), []string{"AAPL"}, core.IntentBestEffort)
	typed := typedError(t, err)
	assert.Equal(t, apperrors.CodeIBDisconnected, typed.Code)
	assert.Equal(t, "daemon is not connected to IB Gateway", typed.Message)
	assert.Contains(t, typed.Suggestion, "[gateway] config")
	assert.Contains(t, typed.Details["last_error"], "not authenticated")
}

func TestQuoteParsesSnapshotValues(t *testing.T) {
	gw := newGatewayStub(t)
	stubSearch(gw, 265598, "NASDAQ")
	gw.handle("/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"conid": 265598,
			"31":    "C189.50",
			"84":    188.9,
			"86":    "189.10",
			"87":    "1.2M",
			"6509":  "DPB",
		}})
	})
	p := newConnectedProvider(t, gw)

	quotes, err := p.Quote(context.Background(), []string{"aapl"}, core.IntentBestEffort)
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, "AAPL", q.Symbol)
	require.NotNil(t, q.Last)
	assert.InDelta(t, 189.50, *q.Last, 1e-9)
	require.NotNil(t, q.Bid)
	assert.InDelta(t, 188.9, *q.Bid, 1e-9)
	require.NotNil(t, q.Ask)
	assert.InDelta(t, 189.10, *q.Ask, 1e-9)
	require.NotNil(t, q.Volume)
	assert.InDelta(t, 1.2e6, *q.Volume, 1e-3)
	require.NotNil(t, q.Meta.MarketDataType)
	assert.Equal(t, 3, *q.Meta.MarketDataType)
	assert.Equal(t, "delayed", q.Meta.Source)
	assert.True(t, q.Meta.FallbackUsed)
	assert.True(t, q.Meta.Fields.Bid)
	assert.True(t, q.Meta.Fields.Last)
	require.NotNil(t, q.Exchange)
	assert.Equal(t, "NASDAQ", *q.Exchange)
}

func TestQuoteRetriesDeficientRows(t *testing.T) {
	gw := newGatewayStub(t)
	stubSearch(gw, 1001, "NYSE")
	gw.handle("/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		gw.mu.Lock()
		gw.snapshotCalls++
		calls := gw.snapshotCalls
		gw.mu.Unlock()
		if calls == 1 {
			writeJSON(w, []map[string]any{{"conid": 1001, "6509": "RpB"}})
			return
		}
		writeJSON(w, []map[string]any{{"conid": 1001, "31": 55.5, "84": 55.4, "86": 55.6, "6509": "RpB"}})
	})
	p := newConnectedProvider(t, gw)

	quotes, err := p.Quote(context.Background(), []string{"MSFT"}, core.IntentTopOfBook)
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes[0]
	require.NotNil(t, q.Bid)
	require.NotNil(t, q.Ask)
	assert.Equal(t, "live", q.Meta.Source)
	assert.False(t, q.Meta.FallbackUsed)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, 2, gw.snapshotCalls)
}

func TestQuoteUnknownSymbolReturnsEmptyRow(t *testing.T) {
	gw := newGatewayStub(t)
	gw.handle("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{})
	})
	p := newConnectedProvider(t, gw)

	quotes, err := p.Quote(context.Background(), []string{"ZZZQ"}, core.IntentBestEffort)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "ZZZQ", quotes[0].Symbol)
	assert.Nil(t, quotes[0].Last)
	assert.Nil(t, quotes[0].Bid)
	assert.False(t, quotes[0].Meta.Fields.Last)
}

func TestQuoteCapabilitiesProbesFields(t *testing.T) {
	gw := newGatewayStub(t)
	stubSearch(gw, 1001, "NYSE")
	gw.handle("/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"conid": 1001, "31": 42.0, "6509": "DpB"}})
	})
	p := newConnectedProvider(t, gw)

	caps, err := p.QuoteCapabilities(context.Background(), []string{"GE"}, false)
	require.NoError(t, err)
	assert.Equal(t, "ib", caps.Provider)
	assert.True(t, caps.Supports["live"])
	assert.True(t, caps.Supports["delayed"])

	snapshot, ok := caps.Symbols["GE"]
	require.True(t, ok)
	assert.True(t, snapshot.Fields.Last)
	assert.False(t, snapshot.Fields.Bid)
	assert.Equal(t, "delayed", snapshot.Source)
}

func TestHistoryMapsWireParams(t *testing.T) {
	gw := newGatewayStub(t)
	stubSearch(gw, 42, "ARCA")
	gw.handle("/iserver/marketdata/history", func(w http.ResponseWriter, r *http.Request) {
		gw.record("period", r.URL.Query().Get("period"))
		gw.record("bar", r.URL.Query().Get("bar"))
		gw.record("outsideRth", r.URL.Query().Get("outsideRth"))
		writeJSON(w, map[string]any{"data": []map[string]any{
			{"o": 1.0, "c": 2.0, "h": 2.5, "l": 0.5, "v": 100, "t": 1723200000000},
		}})
	})
	p := newConnectedProvider(t, gw)

	bars, err := p.History(context.Background(), "spy", "30d", "5m", false)
	require.NoError(t, err)
	assert.Equal(t, "1m", gw.recorded("period"))
	assert.Equal(t, "5min", gw.recorded("bar"))
	assert.Equal(t, "true", gw.recorded("outsideRth"))

	require.Len(t, bars, 1)
	assert.Equal(t, "SPY", bars[0].Symbol)
	assert.Equal(t, time.UnixMilli(1723200000000).UTC(), bars[0].Time)
	assert.InDelta(t, 2.0, bars[0].Close, 1e-9)
	assert.InDelta(t, 100, bars[0].Volume, 1e-9)
}

func TestHistoryRejectsUnknownPeriodAndBar(t *testing.T) {
	gw := newGatewayStub(t)
	p := newConnectedProvider(t, gw)

	_, err := p.History(context.Background(), "SPY", "2w", "5m", true)
	typed := typedError(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgs, typed.Code)
	assert.Equal(t, "unsupported period '2w'", typed.Message)

	_, err = p.History(context.Background(), "SPY", "1d", "3m", true)
	typed = typedError(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgs, typed.Code)
	assert.Equal(t, "unsupported bar size '3m'", typed.Message)
}

func TestOptionChainBuildsSortedCartesian(t *testing.T) {
	gw := newGatewayStub(t)
	gw.handle("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"conid":       265598,
			"symbol":      "AAPL",
			"description": "NASDAQ",
			"sections":    []map[string]any{{"secType": "OPT", "months": "OCT25;NOV25"}},
		}})
	})
	gw.handle("/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"conid": 265598, "31": 100.0, "6509": "RpB"}})
	})
	gw.handle("/iserver/secdef/info", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("month") == "OCT25" {
			writeJSON(w, []map[string]any{
				{"maturityDate": "20251017", "strike": 95, "right": "C"},
				{"maturityDate": "20251017", "strike": 95, "right": "P"},
				{"maturityDate": "20251017", "strike": 105, "right": "C"},
				{"maturityDate": "20251017", "strike": 250, "right": "C"},
			})
			return
		}
		writeJSON(w, []map[string]any{{"maturityDate": "20251121", "strike": 100, "right": "C"}})
	})
	p := newConnectedProvider(t, gw)

	chain, err := p.OptionChain(context.Background(), core.ChainFilter{
		Symbol:      "aapl",
		StrikeRange: &[2]float64{0.8, 1.2},
	})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", chain.Symbol)
	require.NotNil(t, chain.UnderlyingPrice)
	assert.InDelta(t, 100.0, *chain.UnderlyingPrice, 1e-9)

	// 95, 100 and 105 survive the 0.8x-1.2x band around 100; 250 does not.
	require.Len(t, chain.Entries, 2*3*2)
	first := chain.Entries[0]
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, "2025-10-17", first.Expiry)
	assert.InDelta(t, 95.0, first.Strike, 1e-9)
	assert.Equal(t, "C", first.Right)
	last := chain.Entries[len(chain.Entries)-1]
	assert.Equal(t, "2025-11-21", last.Expiry)
	assert.InDelta(t, 105.0, last.Strike, 1e-9)
	assert.Equal(t, "P", last.Right)
}

func TestOptionChainExpiryPrefixFilters(t *testing.T) {
	gw := newGatewayStub(t)
	gw.handle("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{
			"conid":    7,
			"symbol":   "SPY",
			"sections": []map[string]any{{"secType": "OPT", "months": "OCT25;NOV25"}},
		}})
	})
	gw.handle("/iserver/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"conid": 7, "31": 500.0}})
	})
	gw.handle("/iserver/secdef/info", func(w http.ResponseWriter, r *http.Request) {
		month := r.URL.Query().Get("month")
		gw.record("last_month", month)
		if month == "NOV25" {
			writeJSON(w, []map[string]any{{"maturityDate": "20251121", "strike": 500, "right": "C"}})
			return
		}
		writeJSON(w, []map[string]any{{"maturityDate": "20251017", "strike": 500, "right": "C"}})
	})
	p := newConnectedProvider(t, gw)

	right := core.RightCall
	chain, err := p.OptionChain(context.Background(), core.ChainFilter{
		Symbol:       "SPY",
		ExpiryPrefix: "2025-10",
		Right:        &right,
	})
	require.NoError(t, err)
	require.Len(t, chain.Entries, 1)
	assert.Equal(t, "2025-10-17", chain.Entries[0].Expiry)
	assert.Equal(t, "C", chain.Entries[0].Right)
	assert.Equal(t, "OCT25", gw.recorded("last_month"))
}

func TestOptionChainUnknownSymbol(t *testing.T) {
	gw := newGatewayStub(t)
	gw.handle("/iserver/secdef/search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{})
	})
	p := newConnectedProvider(t, gw)

	_, err := p.OptionChain(context.Background(), core.ChainFilter{Symbol: "ZZZQ"})
	typed := typedError(t, err)
	assert.Equal(t, apperrors.CodeInvalidSymbol, typed.Code)
	assert.Equal(t, "unable to qualify symbol ZZZQ", typed.Message)
}

func TestPositionsSkipsFlatRows(t *testing.T) {
	gw := newGatewayStub(t)
	gw.handle("/portfolio/DU1234567/positions/0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"ticker": "AAPL", "position": 10.0, "avgCost": 150.0, "mktPrice": 180.0, "mktValue": 1800.0, "unrealizedPnl": 300.0, "currency": "USD"},
			{"ticker": "GE", "position": 0.0, "avgCost": 90.0},
			{"contractDesc": "tsla", "position": -5.0, "avgCost": 240.0, "mktPrice": 250.0},
		})
	})
	p := newConnectedProvider(t, gw)

	positions, err := p.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.InDelta(t, 1800.0, positions[0].MarketValue, 1e-9)
	assert.InDelta(t, 300.0, positions[0].UnrealizedPnL, 1e-9)

	short := positions[1]
	assert.Equal(t, "TSLA", short.Symbol)
	assert.InDelta(t, -5.0, short.Qty, 1e-9)
	assert.InDelta(t, -1250.0, short.MarketValue, 1e-9)
	assert.InDelta(t, -50.0, short.UnrealizedPnL, 1e-9)
	assert.Equal(t, "USD", short.Currency)
}

func TestBalanceMapsSummaryKeys(t *testing.T) {
	gw := newGatewayStub(t)
	gw.handle("/portfolio/DU1234567/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"netliquidation": map[string]any{"amount": 100000.0},
			"totalcashvalue": map[string]any{"amount": 25000.0},
			"buyingpower":    map[string]any{"amount": 200000.0},
			"maintmarginreq": map[string]any{"amount": 30000.0},
			"availablefunds": map[string]any{"amount": 70000.0},
		})
	})
	p := newConnectedProvider(t, gw)

	balance, err := p.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DU1234567", balance.AccountID)
	assert.InDelta(t, 100000.0, balance.NetLiquidation, 1e-9)
	assert.InDelta(t, 25000.0, balance.Cash, 1e-9)
	assert.InDelta(t, 200000.0, balance.BuyingPower, 1e-9)
	assert.InDelta(t, 30000.0, balance.MarginUsed, 1e-9)
	assert.InDelta(t, 70000.0, balance.MarginAvailable, 1e-9)
}

func TestPnLReadsPartitionedRow(t *testing.T) {
	gw := newGatewayStub(t)
	gw.handle("/iserver/account/pnl/partitioned", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"upnl": map[string]any{
			"DU1234567.Core": map[string]any{"dpl": -12.5, "upl": 40.0},
			"OTHER.Core":     map[string]any{"dpl": 999.0, "upl": 999.0},
		}})
	})
	p := newConnectedProvider(t, gw)

	pnl, err := p.PnL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Now().Format("2006-01-02"), pnl.Date)
	assert.InDelta(t, -12.5, pnl.Realized, 1e-9)
	assert.InDelta(t, 40.0, pnl.Unrealized, 1e-9)
	assert.InDelta(t, 27.5, pnl.Total, 1e-9)
}

func TestExposureGroupsBySymbol(t *testing.T) {
	gw := newGatewayStub(t)
	gw.handle("/portfolio/DU1234567/positions/0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"ticker": "AAPL", "position": 10.0, "avgCost": 150.0, "mktPrice": 180.0, "mktValue": 1800.0},
		})
	})
	gw.handle("/portfolio/DU1234567/summary", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"netliquidation": map[string]any{"amount": 10000.0}})
	})
	p := newConnectedProvider(t, gw)

	entries, err := p.Exposure(context.Background(), "symbol")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "AAPL", entries[0].Key)
	assert.InDelta(t, 1800.0, entries[0].ExposureValue, 1e-9)
	assert.InDelta(t, 18.0, entries[0].ExposurePct, 1e-9)

	_, err = p.Exposure(context.Background(), "venue")
	typed := typedError(t, err)
	assert.Equal(t, apperrors.CodeInvalidArgs, typed.Code)
	assert.Equal(t, "unsupported exposure group 'venue'", typed.Message)
}

func TestPlaceOrderRunsConfirmDance(t *testing.T) {
	gw := newGatewayStub(t)
	stubSearch(gw, 265598, "NASDAQ")
	gw.handle("/iserver/account/DU1234567/orders", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gw.record("order_body", body)
		writeJSON(w, []map[string]any{{"id": "confirm-1", "message": []string{"price cap exceeded"}}})
	})
	gw.handle("/iserver/reply/confirm-1", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gw.record("reply_body", body)
		writeJSON(w, []map[string]any{{"order_id": "987654", "order_status": "PreSubmitted"}})
	})
	p := newConnectedProvider(t, gw)

	limit := 189.25
	result, err := p.PlaceOrder(context.Background(), &core.OrderRequest{
		Side:          core.SideBuy,
		Symbol:        "AAPL",
		Qty:           10,
		Limit:         &limit,
		TIF:           core.TIFDay,
		ClientOrderID: "ord-1",
	})
	require.NoError(t, err)
	require.NotNil(t, result.BrokerOrderID)
	assert.Equal(t, int64(987654), *result.BrokerOrderID)
	assert.Equal(t, core.StatusPreSubmitted, result.Status)

	reply := gw.recorded("reply_body").(map[string]any)
	assert.Equal(t, true, reply["confirmed"])

	body := gw.recorded("order_body").(map[string]any)
	orders := body["orders"].([]any)
	require.Len(t, orders, 1)
	leg := orders[0].(map[string]any)
	assert.Equal(t, float64(265598), leg["conid"])
	assert.Equal(t, "LMT", leg["orderType"])
	assert.Equal(t, "BUY", leg["side"])
	assert.InDelta(t, 10, leg["quantity"].(float64), 1e-9)
	assert.InDelta(t, 189.25, leg["price"].(float64), 1e-9)
	assert.Equal(t, "DAY", leg["tif"])
	assert.Equal(t, "ord-1", leg["cOID"])
	_, hasStop := leg["auxPrice"]
	assert.False(t, hasStop)
}

func TestPlaceOrderRejectionSurfacesMessages(t *testing.T) {
	gw := newGatewayStub(t)
	stubSearch(gw, 265598, "NASDAQ")
	gw.handle("/iserver/account/DU1234567/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"message": []string{"insufficient buying power"}}})
	})
	p := newConnectedProvider(t, gw)

	_, err := p.PlaceOrder(context.Background(), &core.OrderRequest{
		Side: core.SideBuy, Symbol: "AAPL", Qty: 1e6, TIF: core.TIFDay, ClientOrderID: "ord-2",
	})
	typed := typedError(t, err)
	assert.Equal(t, apperrors.CodeIBRejected, typed.Code)
	assert.Contains(t, typed.Message, "place_order failed")
	assert.Contains(t, typed.Message, "insufficient buying power")
	assert.Equal(t, "Validate contract details and verify trading permissions.", typed.Suggestion)
}

func TestPlaceBracketSubmitsThreeLegs(t *testing.T) {
	gw := newGatewayStub(t)
	stubSearch(gw, 9001, "NYSE")
	gw.handle("/iserver/account/DU1234567/orders", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gw.record("order_body", body)
		writeJSON(w, []map[string]any{
			{"order_id": "11", "order_status": "Submitted"},
			{"order_id": "12", "order_status": "PreSubmitted"},
			{"order_id": "13", "order_status": "PreSubmitted"},
		})
	})
	p := newConnectedProvider(t, gw)

	entry := 50.0
	result, err := p.PlaceBracket(context.Background(), &core.OrderRequest{
		Side:          core.SideBuy,
		Symbol:        "F",
		Qty:           100,
		Limit:         &entry,
		TIF:           core.TIFGTC,
		ClientOrderID: "brk-1",
	}, 55.0, 45.0)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12, 13}, result.BrokerOrderIDs)
	assert.Equal(t, core.StatusSubmitted, result.Status)

	body := gw.recorded("order_body").(map[string]any)
	legs := body["orders"].([]any)
	require.Len(t, legs, 3)

	parent := legs[0].(map[string]any)
	assert.Equal(t, "BUY", parent["side"])
	assert.Equal(t, "LMT", parent["orderType"])
	assert.Equal(t, "brk-1:0", parent["cOID"])
	_, hasParent := parent["parentId"]
	assert.False(t, hasParent)

	takeProfit := legs[1].(map[string]any)
	assert.Equal(t, "SELL", takeProfit["side"])
	assert.Equal(t, "LMT", takeProfit["orderType"])
	assert.InDelta(t, 55.0, takeProfit["price"].(float64), 1e-9)
	assert.Equal(t, "brk-1:1", takeProfit["cOID"])
	assert.Equal(t, "brk-1:0", takeProfit["parentId"])

	stopLoss := legs[2].(map[string]any)
	assert.Equal(t, "SELL", stopLoss["side"])
	assert.Equal(t, "STP", stopLoss["orderType"])
	assert.InDelta(t, 45.0, stopLoss["auxPrice"].(float64), 1e-9)
	assert.Equal(t, "brk-1:2", stopLoss["cOID"])
	assert.Equal(t, "GTC", stopLoss["tif"])
}

func stubOrderList(gw *gatewayStub) {
	gw.handle("/iserver/account/orders", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"orders": []map[string]any{
			{"orderId": 11, "order_ref": "ord-1", "ticker": "AAPL", "status": "Submitted", "side": "BUY", "totalSize": 10.0, "filledQuantity": 0.0, "remainingQuantity": 10.0, "avgPrice": ""},
			{"orderId": 12, "order_ref": "ord-2", "ticker": "TSLA", "status": "Filled", "side": "SELL", "totalSize": "5", "filledQuantity": "5", "remainingQuantity": "0", "avgPrice": "250.10"},
		}})
	})
	gw.mux.HandleFunc("/v1/api/iserver/account/DU1234567/order/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			gw.recordDelete(r.URL.Path)
		}
		writeJSON(w, map[string]any{"msg": "Request was submitted"})
	})
}

func TestCancelOrderMatchesClientRefThenBrokerID(t *testing.T) {
	gw := newGatewayStub(t)
	stubOrderList(gw)
	p := newConnectedProvider(t, gw)

	result, err := p.CancelOrder(context.Background(), "ord-1", nil)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
	require.NotNil(t, result.BrokerOrderID)
	assert.Equal(t, int64(11), *result.BrokerOrderID)
	assert.Equal(t, []string{"/v1/api/iserver/account/DU1234567/order/11"}, gw.deletedPaths())

	// ord-2 is already filled, so there is nothing left to cancel.
	result, err = p.CancelOrder(context.Background(), "ord-2", nil)
	require.NoError(t, err)
	assert.False(t, result.Cancelled)
	assert.Nil(t, result.BrokerOrderID)

	result, err = p.CancelOrder(context.Background(), "", core.Int64Ptr(11))
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
}

func TestCancelAllSweepsLiveOrders(t *testing.T) {
	gw := newGatewayStub(t)
	stubOrderList(gw)
	p := newConnectedProvider(t, gw)

	require.NoError(t, p.CancelAll(context.Background()))
	assert.Equal(t, []string{"/v1/api/iserver/account/DU1234567/order/11"}, gw.deletedPaths())
}

func TestTradesMapsOrderRows(t *testing.T) {
	gw := newGatewayStub(t)
	stubOrderList(gw)
	p := newConnectedProvider(t, gw)

	trades, err := p.Trades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 2)

	open := trades[0]
	assert.Equal(t, "ord-1", open.ClientOrderID)
	assert.Equal(t, "AAPL", open.Symbol)
	assert.Equal(t, core.SideBuy, open.Side)
	assert.Equal(t, core.StatusSubmitted, open.Status)
	assert.InDelta(t, 10, open.Qty, 1e-9)
	assert.InDelta(t, 10, open.Remaining, 1e-9)
	assert.Nil(t, open.AvgFillPrice)

	filled := trades[1]
	assert.Equal(t, core.SideSell, filled.Side)
	assert.Equal(t, core.StatusFilled, filled.Status)
	assert.InDelta(t, 5, filled.Filled, 1e-9)
	require.NotNil(t, filled.AvgFillPrice)
	assert.InDelta(t, 250.10, *filled.AvgFillPrice, 1e-9)
	require.NotNil(t, filled.BrokerOrderID)
	assert.Equal(t, int64(12), *filled.BrokerOrderID)
}

func TestFillsJoinBrokerOrderIDs(t *testing.T) {
	gw := newGatewayStub(t)
	stubOrderList(gw)
	gw.handle("/iserver/account/trades", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"execution_id": "X1", "order_ref": "ord-2", "symbol": "TSLA", "size": "5", "price": "250.10", "commission": "1.05", "trade_time_r": 1723200000000},
			{"execution_id": "X2", "symbol": "GE", "size": 3.0, "price": 100.0, "trade_time_r": 1723200060000},
		})
	})
	p := newConnectedProvider(t, gw)

	fills, err := p.Fills(context.Background())
	require.NoError(t, err)
	require.Len(t, fills, 2)

	assert.Equal(t, "X1", fills[0].FillID)
	assert.Equal(t, "ord-2", fills[0].ClientOrderID)
	require.NotNil(t, fills[0].BrokerOrderID)
	assert.Equal(t, int64(12), *fills[0].BrokerOrderID)
	assert.InDelta(t, 5, fills[0].Qty, 1e-9)
	assert.InDelta(t, 250.10, fills[0].Price, 1e-9)
	require.NotNil(t, fills[0].Commission)
	assert.InDelta(t, 1.05, *fills[0].Commission, 1e-9)
	assert.Equal(t, time.UnixMilli(1723200000000).UTC(), fills[0].Timestamp)

	assert.Empty(t, fills[1].ClientOrderID)
	assert.Nil(t, fills[1].BrokerOrderID)
	assert.Nil(t, fills[1].Commission)
}

func TestStreamMessagesPublishEvents(t *testing.T) {
	gw := newGatewayStub(t)
	p := newTestProvider(t, gw)

	var mu sync.Mutex
	var events []core.Event
	p.SetEventSink(func(ev core.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	p.handleStreamMessage([]byte(`{"topic":"sor","args":[{"orderId":11,"order_ref":"ord-1","status":"filled","filledQuantity":10,"remainingQuantity":0}]}`))
	p.handleStreamMessage([]byte(`{"topic":"str","args":[{"execution_id":"X1","order_ref":"ord-1","symbol":"AAPL","size":10,"price":189.97}]}`))
	p.handleStreamMessage([]byte(`{"topic":"system","hb":1}`))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, core.TopicOrders, events[0].Topic)
	assert.Equal(t, "ord-1", events[0].Payload["client_order_id"])
	assert.Equal(t, "Filled", events[0].Payload["status"])
	assert.Equal(t, core.TopicFills, events[1].Topic)
	assert.Equal(t, "X1", events[1].Payload["fill_id"])
	assert.Equal(t, "AAPL", events[1].Payload["symbol"])

	status := p.Status()
	require.NotNil(t, status.LastHeartbeat)
}

func TestNormalizeOrderStatus(t *testing.T) {
	cases := map[string]core.OrderStatus{
		"":               core.StatusSubmitted,
		"Submitted":      core.StatusSubmitted,
		"PreSubmitted":   core.StatusPreSubmitted,
		"pending_submit": core.StatusPendingSubmit,
		"PendingCancel":  core.StatusPendingSubmit,
		"Filled":         core.StatusFilled,
		"cancelled":      core.StatusCancelled,
		"Canceled":       core.StatusCancelled,
		"ApiCancelled":   core.StatusCancelled,
		"Rejected":       core.StatusRejected,
		"Inactive":       core.StatusInactive,
		"WeirdState":     core.OrderStatus("WeirdState"),
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeOrderStatus(raw), "raw=%q", raw)
	}
}

func TestParseSnapshotValue(t *testing.T) {
	cases := []struct {
		raw  any
		want *float64
	}{
		{raw: 42.5, want: core.Float64Ptr(42.5)},
		{raw: "189.50", want: core.Float64Ptr(189.50)},
		{raw: "C189.50", want: core.Float64Ptr(189.50)},
		{raw: "H12.00", want: core.Float64Ptr(12.00)},
		{raw: "3.4K", want: core.Float64Ptr(3400)},
		{raw: "1.2M", want: core.Float64Ptr(1.2e6)},
		{raw: "2B", want: core.Float64Ptr(2e9)},
		{raw: "", want: nil},
		{raw: "-1", want: nil},
		{raw: nil, want: nil},
		{raw: "n/a", want: nil},
	}
	for _, tc := range cases {
		got := parseSnapshotValue(tc.raw)
		if tc.want == nil {
			assert.Nil(t, got, "raw=%v", tc.raw)
			continue
		}
		require.NotNil(t, got, "raw=%v", tc.raw)
		assert.InDelta(t, *tc.want, *got, 1e-6, "raw=%v", tc.raw)
	}
}
