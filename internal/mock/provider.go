// Package mock provides an in-memory IProvider for daemon tests and the
// end-to-end suite. It behaves like a tiny brokerage: market orders fill
// immediately at a configurable price, limit and stop orders rest until
// filled or cancelled, and portfolio state is seeded through Set* helpers.
package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"brokerd/internal/core"
	"brokerd/internal/provider/base"
	apperrors "brokerd/pkg/errors"

	"github.com/google/uuid"
)

const defaultFillPrice = 179.95

// orderState tracks one order accepted by the mock.
type orderState struct {
	id       int64
	req      core.OrderRequest
	status   core.OrderStatus
	filled   float64
	avgPrice float64
}

// Provider is a fake broker backend with deterministic behavior. All
// state lives behind one mutex so tests can drive it from multiple
// goroutines.
type Provider struct {
	mu sync.RWMutex

	connected         bool
	connectedAt       *time.Time
	heartbeatOverride *time.Time
	lastError         *string
	sink              core.EventSink
	caps              core.Capabilities

	orderIDCounter  int64
	orders          map[int64]*orderState
	clientOrders    map[string]int64
	fills           []core.FillRecord
	placeCalls      int
	quoteCalls      int
	historyCalls    int
	capabilityCalls int

	quotes    map[string]*core.Quote
	bars      map[string][]core.Bar
	chains    map[string]*core.OptionChain
	positions map[string]core.Position
	balance   core.Balance
	pnl       *core.PnLSummary
	quoteCaps *core.ProviderQuoteCapabilities

	fillPrice float64
	placeErr  error
	quoteErr  error
}

var _ core.IProvider = (*Provider)(nil)

// New builds a connected-on-Start mock with every capability enabled and
// a default account worth 100k.
func New() *Provider {
	caps := core.DefaultCapabilities()
	for name := range caps {
		caps[name] = true
	}
	return &Provider{
		caps:           caps,
		orderIDCounter: 1000,
		orders:         make(map[int64]*orderState),
		clientOrders:   make(map[string]int64),
		quotes:         make(map[string]*core.Quote),
		bars:           make(map[string][]core.Bar),
		chains:         make(map[string]*core.OptionChain),
		positions:      make(map[string]core.Position),
		balance: core.Balance{
			AccountID:       "MOCK000001",
			NetLiquidation:  100000,
			Cash:            50000,
			BuyingPower:     200000,
			MarginUsed:      0,
			MarginAvailable: 150000,
			Currency:        "USD",
		},
		fillPrice: defaultFillPrice,
	}
}

func (p *Provider) Name() string { return "mock" }

// Capabilities returns a copy so callers cannot mutate the live set.
func (p *Provider) Capabilities() core.Capabilities {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.caps.Clone()
}

func (p *Provider) SetEventSink(sink core.EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Start marks the session connected and announces it on the connection
// topic. Starting twice is a no-op.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	p.connected = true
	p.connectedAt = &now
	p.lastError = nil
	p.mu.Unlock()

	p.publish(core.TopicConnection, map[string]any{
		"event":    "connected",
		"provider": "mock",
		"account":  p.accountID(),
	})
	return nil
}

func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.connectedAt = nil
	p.mu.Unlock()

	if wasConnected {
		p.publish(core.TopicConnection, map[string]any{
			"event":    "disconnected",
			"provider": "mock",
			"reason":   "shutdown",
		})
	}
	return nil
}

func (p *Provider) Status() core.ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	status := core.ConnectionStatus{
		Connected:   p.connected,
		Provider:    "mock",
		ConnectedAt: p.connectedAt,
		LastError:   p.lastError,
	}
	account := p.balance.AccountID
	status.AccountID = &account
	if p.heartbeatOverride != nil {
		status.LastHeartbeat = p.heartbeatOverride
	} else if p.connected {
		now := time.Now().UTC()
		status.LastHeartbeat = &now
	}
	return status
}

func (p *Provider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *Provider) EnsureConnected() error {
	if p.IsConnected() {
		return nil
	}
	return apperrors.Disconnected("mock provider is not connected",
		apperrors.WithSuggestion("Call Start (or Reconnect) before using the provider."))
}

// Disconnect simulates a dropped broker session without stopping the
// provider. Monitors observe it through Status and the connection topic.
func (p *Provider) Disconnect(reason string) {
	p.mu.Lock()
	p.connected = false
	p.connectedAt = nil
	msg := reason
	if msg == "" {
		msg = "connection lost"
	}
	p.lastError = &msg
	p.mu.Unlock()

	p.publish(core.TopicConnection, map[string]any{
		"event":    "disconnected",
		"provider": "mock",
		"reason":   msg,
	})
}

// Reconnect restores a session previously dropped with Disconnect.
func (p *Provider) Reconnect() {
	p.mu.Lock()
	now := time.Now().UTC()
	p.connected = true
	p.connectedAt = &now
	p.lastError = nil
	p.heartbeatOverride = nil
	p.mu.Unlock()

	p.publish(core.TopicConnection, map[string]any{
		"event":    "connected",
		"provider": "mock",
		"account":  p.accountID(),
	})
}

// SetLastHeartbeat pins the reported heartbeat so tests can age it.
func (p *Provider) SetLastHeartbeat(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeatOverride = &t
}

// SetCapability flips one capability flag.
func (p *Provider) SetCapability(name string, enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps[name] = enabled
}

// SetQuote overrides the synthesized quote for the quote's symbol.
func (p *Provider) SetQuote(q *core.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[strings.ToUpper(q.Symbol)] = q
}

// SetBars overrides the synthesized history for a symbol.
func (p *Provider) SetBars(symbol string, bars []core.Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[strings.ToUpper(symbol)] = bars
}

// SetChain overrides the synthesized option chain for its symbol.
func (p *Provider) SetChain(chain *core.OptionChain) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[strings.ToUpper(chain.Symbol)] = chain
}

// SetPosition upserts one portfolio position.
func (p *Provider) SetPosition(pos core.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[strings.ToUpper(pos.Symbol)] = pos
}

// SetBalance replaces the account balance.
func (p *Provider) SetBalance(b core.Balance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = b
}

// SetPnL overrides the computed daily PnL summary.
func (p *Provider) SetPnL(s core.PnLSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pnl = &s
}

// SetQuoteCapabilities overrides the probe result.
func (p *Provider) SetQuoteCapabilities(caps *core.ProviderQuoteCapabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteCaps = caps
}

// SetFillPrice changes the price used for synthetic quotes and fills.
func (p *Provider) SetFillPrice(price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillPrice = price
}

// SetPlaceError makes PlaceOrder and PlaceBracket fail until cleared
// with nil.
func (p *Provider) SetPlaceError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeErr = err
}

// SetQuoteError makes Quote fail until cleared with nil.
func (p *Provider) SetQuoteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteErr = err
}

// PlaceCalls reports how many times PlaceOrder was invoked, including
// idempotent replays.
func (p *Provider) PlaceCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.placeCalls
}

// QuoteCalls reports how many times Quote was invoked.
func (p *Provider) QuoteCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quoteCalls
}

// HistoryCalls reports how many times History was invoked.
func (p *Provider) HistoryCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.historyCalls
}

// CapabilityCalls reports how many times QuoteCapabilities was invoked.
func (p *Provider) CapabilityCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.capabilityCalls
}

// Quote serves overrides when present, otherwise a deterministic book
// around the configured fill price. Blank symbols are skipped.
func (p *Provider) Quote(ctx context.Context, symbols []string, intent core.QuoteIntent) ([]*core.Quote, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.quoteCalls++
	p.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.quoteErr != nil {
		return nil, p.quoteErr
	}

	quotes := make([]*core.Quote, 0, len(symbols))
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		if q, ok := p.quotes[symbol]; ok {
			quotes = append(quotes, q)
			continue
		}
		quotes = append(quotes, p.syntheticQuote(symbol))
	}
	return quotes, nil
}

func (p *Provider) syntheticQuote(symbol string) *core.Quote {
	q := core.NewQuote(symbol)
	q.Bid = core.Float64Ptr(p.fillPrice - 0.05)
	q.Ask = core.Float64Ptr(p.fillPrice + 0.05)
	q.Last = core.Float64Ptr(p.fillPrice)
	q.Volume = core.Float64Ptr(1_000_000)
	q.Meta.Fields = core.QuoteFieldAvailability{Bid: true, Ask: true, Last: true, Volume: true}
	return q
}

func (p *Provider) QuoteCapabilities(ctx context.Context, symbols []string, refresh bool) (*core.ProviderQuoteCapabilities, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.capabilityCalls++
	p.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.quoteCaps != nil {
		return p.quoteCaps, nil
	}

	now := time.Now().UTC()
	caps := &core.ProviderQuoteCapabilities{
		Provider: "mock",
		Supports: map[string]bool{
			"live":           true,
			"delayed":        true,
			"delayed_frozen": true,
		},
		Symbols:   make(map[string]core.QuoteCapabilitySnapshot, len(symbols)),
		UpdatedAt: now,
	}
	for _, raw := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(raw))
		if symbol == "" {
			continue
		}
		caps.Symbols[symbol] = core.QuoteCapabilitySnapshot{
			Symbol:    symbol,
			Fields:    core.QuoteFieldAvailability{Bid: true, Ask: true, Last: true, Volume: true},
			Source:    "live",
			UpdatedAt: now,
		}
	}
	return caps, nil
}

// History serves configured bars, or ten one-minute bars ending now
// built around the fill price.
func (p *Provider) History(ctx context.Context, symbol, period, barSize string, rthOnly bool) ([]core.Bar, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, apperrors.InvalidArgs("history requires a symbol")
	}
	p.mu.Lock()
	p.historyCalls++
	p.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if bars, ok := p.bars[symbol]; ok {
		return bars, nil
	}

	end := time.Now().UTC().Truncate(time.Minute)
	bars := make([]core.Bar, 0, 10)
	for i := 9; i >= 0; i-- {
		t := end.Add(-time.Duration(i) * time.Minute)
		drift := float64(9-i) * 0.01
		bars = append(bars, core.Bar{
			Symbol: symbol,
			Time:   t,
			Open:   p.fillPrice + drift - 0.02,
			High:   p.fillPrice + drift + 0.05,
			Low:    p.fillPrice + drift - 0.05,
			Close:  p.fillPrice + drift,
			Volume: 10_000,
		})
	}
	return bars, nil
}

// OptionChain serves the configured chain for the symbol, or a small
// synthesized one, with the filter's right and strike band applied.
func (p *Provider) OptionChain(ctx context.Context, filter core.ChainFilter) (*core.OptionChain, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(filter.Symbol))
	if symbol == "" {
		return nil, apperrors.InvalidArgs("option_chain requires a symbol")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	chain, ok := p.chains[symbol]
	if !ok {
		chain = p.syntheticChain(symbol)
	}

	underlying := p.fillPrice
	if chain.UnderlyingPrice != nil {
		underlying = *chain.UnderlyingPrice
	}
	filtered := &core.OptionChain{
		Symbol:          symbol,
		UnderlyingPrice: chain.UnderlyingPrice,
		Entries:         make([]core.OptionChainEntry, 0, len(chain.Entries)),
	}
	for _, entry := range chain.Entries {
		if filter.Right != nil && !rightMatches(entry.Right, *filter.Right) {
			continue
		}
		if filter.StrikeRange != nil && underlying > 0 {
			low := filter.StrikeRange[0] * underlying
			high := filter.StrikeRange[1] * underlying
			if entry.Strike < low || entry.Strike > high {
				continue
			}
		}
		if filter.ExpiryPrefix != "" && !strings.HasPrefix(entry.Expiry, filter.ExpiryPrefix) {
			continue
		}
		filtered.Entries = append(filtered.Entries, entry)
	}
	return filtered, nil
}

// rightMatches accepts either letter ("C") or word ("call") spellings
// on the entry side.
func rightMatches(entryRight string, want core.OptionRight) bool {
	entryRight = strings.ToUpper(strings.TrimSpace(entryRight))
	if entryRight == "" {
		return false
	}
	return entryRight[0] == strings.ToUpper(string(want))[0]
}

func (p *Provider) syntheticChain(symbol string) *core.OptionChain {
	underlying := p.fillPrice
	expiry := time.Now().UTC().AddDate(0, 1, 0).Format("2006-01-02")
	chain := &core.OptionChain{
		Symbol:          symbol,
		UnderlyingPrice: core.Float64Ptr(underlying),
	}
	for _, offset := range []float64{-10, -5, 0, 5, 10} {
		strike := math.Round(underlying + offset)
		for _, right := range []string{"C", "P"} {
			chain.Entries = append(chain.Entries, core.OptionChainEntry{
				Symbol:     symbol,
				Right:      right,
				Strike:     strike,
				Expiry:     expiry,
				Bid:        core.Float64Ptr(1.20),
				Ask:        core.Float64Ptr(1.30),
				ImpliedVol: core.Float64Ptr(0.25),
				Delta:      core.Float64Ptr(0.5),
			})
		}
	}
	return chain
}

// Positions returns the seeded portfolio sorted by symbol.
func (p *Provider) Positions(ctx context.Context) ([]core.Position, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	symbols := make([]string, 0, len(p.positions))
	for symbol := range p.positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	positions := make([]core.Position, 0, len(symbols))
	for _, symbol := range symbols {
		positions = append(positions, p.positions[symbol])
	}
	return positions, nil
}

func (p *Provider) Balance(ctx context.Context) (*core.Balance, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	balance := p.balance
	return &balance, nil
}

// PnL returns the override when set, otherwise sums the seeded
// positions.
func (p *Provider) PnL(ctx context.Context) (*core.PnLSummary, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.pnl != nil {
		summary := *p.pnl
		return &summary, nil
	}
	summary := &core.PnLSummary{Date: time.Now().UTC().Format("2006-01-02")}
	for _, pos := range p.positions {
		summary.Realized += pos.RealizedPnL
		summary.Unrealized += pos.UnrealizedPnL
	}
	summary.Total = summary.Realized + summary.Unrealized
	return summary, nil
}

func (p *Provider) Exposure(ctx context.Context, group string) ([]core.ExposureEntry, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	if err := base.ValidateExposureGroup(group); err != nil {
		return nil, err
	}

	positions, err := p.Positions(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	nlv := p.balance.NetLiquidation
	p.mu.RUnlock()
	return base.ComputeExposure(positions, group, nlv), nil
}

// PlaceOrder accepts the request and assigns a broker id. Replays of a
// known client_order_id return the original acknowledgement without
// creating a second order. Market orders fill immediately at the
// configured fill price; limit and stop orders rest as Submitted.
func (p *Provider) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.PlaceResult, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.placeCalls++
	if p.placeErr != nil {
		err := p.placeErr
		p.mu.Unlock()
		return nil, err
	}

	if req.ClientOrderID != "" {
		if id, ok := p.clientOrders[req.ClientOrderID]; ok {
			state := p.orders[id]
			result := &core.PlaceResult{BrokerOrderID: &state.id, Status: state.status}
			p.mu.Unlock()
			return result, nil
		}
	}

	state := p.createOrderLocked(req)
	isMarket := req.Limit == nil && req.Stop == nil

	var fill *core.FillRecord
	if isMarket {
		fill = p.fillLocked(state, state.req.Qty, p.fillPrice)
	}
	result := &core.PlaceResult{BrokerOrderID: &state.id, Status: state.status}
	p.mu.Unlock()

	p.publishOrder(state)
	if fill != nil {
		p.publishFill(*fill)
	}
	return result, nil
}

func (p *Provider) createOrderLocked(req *core.OrderRequest) *orderState {
	p.orderIDCounter++
	state := &orderState{
		id:     p.orderIDCounter,
		req:    *req,
		status: core.StatusSubmitted,
	}
	p.orders[state.id] = state
	if req.ClientOrderID != "" {
		p.clientOrders[req.ClientOrderID] = state.id
	}
	return state
}

// fillLocked applies a (possibly partial) fill and records it. Caller
// holds the write lock.
func (p *Provider) fillLocked(state *orderState, qty, price float64) *core.FillRecord {
	remaining := state.req.Qty - state.filled
	if qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return nil
	}

	filledBefore := state.filled
	if filledBefore == 0 {
		state.avgPrice = price
	} else {
		state.avgPrice = (state.avgPrice*filledBefore + price*qty) / (filledBefore + qty)
	}
	state.filled += qty
	if state.req.Qty-state.filled <= 0 {
		state.status = core.StatusFilled
	}

	fill := core.FillRecord{
		FillID:        uuid.NewString(),
		ClientOrderID: state.req.ClientOrderID,
		BrokerOrderID: &state.id,
		Symbol:        state.req.Symbol,
		Qty:           qty,
		Price:         price,
		Timestamp:     time.Now().UTC(),
	}
	p.fills = append(p.fills, fill)
	return &fill
}

// Fill completes qty of a resting order at the given price, as the live
// brokers do asynchronously. Use it to drive fill events in tests.
func (p *Provider) Fill(clientOrderID string, qty, price float64) error {
	p.mu.Lock()
	id, ok := p.clientOrders[clientOrderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown client order id %q", clientOrderID)
	}
	state := p.orders[id]
	if state.status.IsTerminal() {
		p.mu.Unlock()
		return fmt.Errorf("order %d is already %s", id, state.status)
	}
	fill := p.fillLocked(state, qty, price)
	p.mu.Unlock()

	p.publishOrder(state)
	if fill != nil {
		p.publishFill(*fill)
	}
	return nil
}

// PlaceBracket creates the parent plus take-profit and stop-loss
// children. The parent follows PlaceOrder fill semantics; children rest.
func (p *Provider) PlaceBracket(ctx context.Context, req *core.OrderRequest, takeProfit, stopLoss float64) (*core.BracketResult, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.placeErr != nil {
		err := p.placeErr
		p.mu.Unlock()
		return nil, err
	}

	parent := p.createOrderLocked(req)

	exitSide := core.SideSell
	if req.Side == core.SideSell {
		exitSide = core.SideBuy
	}
	tpReq := core.OrderRequest{
		Side: exitSide, Symbol: req.Symbol, Qty: req.Qty,
		Limit: &takeProfit, TIF: core.TIFGTC,
	}
	slReq := core.OrderRequest{
		Side: exitSide, Symbol: req.Symbol, Qty: req.Qty,
		Stop: &stopLoss, TIF: core.TIFGTC,
	}
	tp := p.createOrderLocked(&tpReq)
	sl := p.createOrderLocked(&slReq)

	ids := []int64{parent.id, tp.id, sl.id}
	result := &core.BracketResult{BrokerOrderIDs: ids, Status: parent.status}
	p.mu.Unlock()

	p.publishOrder(parent)
	return result, nil
}

// CancelOrder resolves the order by broker id or client id. Cancelling
// a terminal order reports Cancelled=false rather than an error, and an
// unknown reference reports Cancelled=false with no id.
func (p *Provider) CancelOrder(ctx context.Context, clientOrderID string, brokerOrderID *int64) (*core.CancelResult, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	if clientOrderID == "" && brokerOrderID == nil {
		return nil, apperrors.InvalidArgs("cancel_order requires client_order_id or ib_order_id")
	}

	p.mu.Lock()
	var state *orderState
	if brokerOrderID != nil {
		state = p.orders[*brokerOrderID]
	} else if id, ok := p.clientOrders[clientOrderID]; ok {
		state = p.orders[id]
	}
	if state == nil {
		p.mu.Unlock()
		return &core.CancelResult{Cancelled: false}, nil
	}
	if state.status.IsTerminal() {
		p.mu.Unlock()
		return &core.CancelResult{Cancelled: false, BrokerOrderID: &state.id}, nil
	}
	state.status = core.StatusCancelled
	p.mu.Unlock()

	p.publishOrder(state)
	return &core.CancelResult{Cancelled: true, BrokerOrderID: &state.id}, nil
}

// CancelAll sweeps every resting order.
func (p *Provider) CancelAll(ctx context.Context) error {
	if err := p.EnsureConnected(); err != nil {
		return err
	}

	p.mu.Lock()
	cancelled := make([]*orderState, 0)
	for _, state := range p.orders {
		if state.status.IsActive() {
			state.status = core.StatusCancelled
			cancelled = append(cancelled, state)
		}
	}
	p.mu.Unlock()

	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].id < cancelled[j].id })
	for _, state := range cancelled {
		p.publishOrder(state)
	}
	return nil
}

// Trades snapshots every order the mock has seen, oldest first.
func (p *Provider) Trades(ctx context.Context) ([]core.TradeUpdate, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]int64, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	trades := make([]core.TradeUpdate, 0, len(ids))
	for _, id := range ids {
		state := p.orders[id]
		update := core.TradeUpdate{
			BrokerOrderID: &state.id,
			ClientOrderID: state.req.ClientOrderID,
			Symbol:        state.req.Symbol,
			Side:          state.req.Side,
			Status:        state.status,
			Qty:           state.req.Qty,
			Filled:        state.filled,
			Remaining:     state.req.Qty - state.filled,
		}
		if state.filled > 0 {
			update.AvgFillPrice = core.Float64Ptr(state.avgPrice)
		}
		trades = append(trades, update)
	}
	return trades, nil
}

func (p *Provider) Fills(ctx context.Context) ([]core.FillRecord, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	fills := make([]core.FillRecord, len(p.fills))
	copy(fills, p.fills)
	return fills, nil
}

func (p *Provider) accountID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance.AccountID
}

func (p *Provider) publish(topic core.Topic, payload map[string]any) {
	p.mu.RLock()
	sink := p.sink
	p.mu.RUnlock()
	if sink != nil {
		sink(core.NewEvent(topic, payload))
	}
}

func (p *Provider) publishOrder(state *orderState) {
	p.mu.RLock()
	payload := map[string]any{
		"ib_order_id":     state.id,
		"client_order_id": state.req.ClientOrderID,
		"symbol":          state.req.Symbol,
		"status":          string(state.status),
		"filled":          state.filled,
		"remaining":       state.req.Qty - state.filled,
	}
	if state.filled > 0 {
		payload["avg_fill_price"] = state.avgPrice
	}
	p.mu.RUnlock()
	p.publish(core.TopicOrders, payload)
}

func (p *Provider) publishFill(fill core.FillRecord) {
	p.publish(core.TopicFills, map[string]any{
		"fill_id":         fill.FillID,
		"ib_order_id":     fill.BrokerOrderID,
		"client_order_id": fill.ClientOrderID,
		"symbol":          fill.Symbol,
		"qty":             fill.Qty,
		"price":           fill.Price,
	})
}
