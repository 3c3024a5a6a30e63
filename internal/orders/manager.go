// Package orders tracks the lifecycle of every order placed through the
// daemon: risk-checked submission, broker status sync, fills, cancellation
// and audit persistence. The Manager is the single writer for order state;
// provider stream events are folded in through HandleEvent.
package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"brokerd/internal/audit"
	"brokerd/internal/core"
	"brokerd/internal/risk"
	"brokerd/pkg/telemetry"
)

// Preview statuses returned by DryRun. They never enter the order store.
const (
	statusDryRunAccepted core.OrderStatus = "DryRunAccepted"
	statusDryRunRejected core.OrderStatus = "DryRunRejected"
)

// defaultStatusTable maps raw broker status strings (lowercased, trimmed)
// onto the canonical set. Unknown strings fall back to Submitted.
var defaultStatusTable = map[string]core.OrderStatus{
	"submitted":     core.StatusSubmitted,
	"acknowledged":  core.StatusAcknowledged,
	"pendingsubmit": core.StatusPendingSubmit,
	"presubmitted":  core.StatusPreSubmitted,
	"filled":        core.StatusFilled,
	"cancelled":     core.StatusCancelled,
	"api cancelled": core.StatusCancelled,
	"rejected":      core.StatusRejected,
	"inactive":      core.StatusInactive,
}

// CancelOutcome is the result of cancelling a single order.
type CancelOutcome struct {
	ClientOrderID string `msgpack:"client_order_id" json:"client_order_id"`
	Cancelled     bool   `msgpack:"cancelled" json:"cancelled"`
	BrokerOrderID *int64 `msgpack:"ib_order_id" json:"ib_order_id"`
}

// CancelAllOutcome summarizes a cancel-all sweep over the working set.
type CancelAllOutcome struct {
	Cancelled      bool     `msgpack:"cancelled" json:"cancelled"`
	Requested      []string `msgpack:"requested" json:"requested"`
	CancelledCount int      `msgpack:"cancelled_count" json:"cancelled_count"`
	Failed         []string `msgpack:"failed" json:"failed"`
}

// BracketOutcome is the result of placing a bracket order group.
type BracketOutcome struct {
	ClientOrderID  string           `msgpack:"client_order_id" json:"client_order_id"`
	BrokerOrderIDs []int64          `msgpack:"ib_order_ids" json:"ib_order_ids"`
	Status         core.OrderStatus `msgpack:"status" json:"status"`
}

// Manager owns the in-memory order and fill stores and coordinates the
// provider, risk engine and audit log for every order operation.
type Manager struct {
	provider core.IProvider
	risk     *risk.Engine
	audit    *audit.Log
	logger   core.ILogger
	sink     core.EventSink

	mu     sync.Mutex
	orders map[string]*core.OrderRecord
	fills  []core.FillRecord

	statusTable map[string]core.OrderStatus
	placeGroup  singleflight.Group

	now func() time.Time
}

// New builds a Manager. The sink receives orders and fills events for
// operations the Manager itself announces; it may be nil.
func New(provider core.IProvider, eng *risk.Engine, auditLog *audit.Log, logger core.ILogger, sink core.EventSink) *Manager {
	table := make(map[string]core.OrderStatus, len(defaultStatusTable))
	for k, v := range defaultStatusTable {
		table[k] = v
	}
	return &Manager{
		provider:    provider,
		risk:        eng,
		audit:       auditLog,
		logger:      logger,
		sink:        sink,
		orders:      make(map[string]*core.OrderRecord),
		statusTable: table,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetStatusTable merges overrides into the broker status mapping. Keys are
// matched case-insensitively against the trimmed raw status.
func (m *Manager) SetStatusTable(table map[string]core.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range table {
		m.statusTable[strings.ToLower(strings.TrimSpace(k))] = v
	}
}

func (m *Manager) normalizeStatus(raw string) core.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return core.StatusSubmitted
}

// PlaceOrder runs the risk gate and submits the order to the provider.
// A client_order_id that was already placed returns the stored record
// without touching the provider; concurrent calls with the same id share a
// single submission.
func (m *Manager) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderRecord, error) {
	req.Normalize()
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	v, err, _ := m.placeGroup.Do(req.ClientOrderID, func() (any, error) {
		return m.placeOne(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.OrderRecord), nil
}

func (m *Manager) placeOne(ctx context.Context, req *core.OrderRequest) (*core.OrderRecord, error) {
	m.mu.Lock()
	if existing, ok := m.orders[req.ClientOrderID]; ok {
		clone := existing.Clone()
		m.mu.Unlock()
		return clone, nil
	}
	m.mu.Unlock()

	riskCtx, err := m.riskContext(ctx)
	if err != nil {
		return nil, err
	}
	result, err := m.risk.AssertOrder(req, riskCtx)
	if err != nil {
		return nil, err
	}

	record := &core.OrderRecord{
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Qty:             req.Qty,
		OrderType:       req.InferredType(),
		LimitPrice:      req.Limit,
		StopPrice:       req.Stop,
		TIF:             req.TIF,
		Status:          core.StatusPendingSubmit,
		SubmittedAt:     m.now(),
		RiskCheckResult: result.AsMap(),
	}

	placed, err := m.provider.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	record.BrokerOrderID = placed.BrokerOrderID
	record.Status = m.normalizeStatus(string(placed.Status))
	telemetry.GetGlobalMetrics().RecordOrderPlaced(ctx)
	if record.Status == core.StatusFilled {
		telemetry.GetGlobalMetrics().RecordOrderFilled(ctx)
	}

	m.mu.Lock()
	m.orders[record.ClientOrderID] = record
	clone := record.Clone()
	m.mu.Unlock()

	if err := m.audit.UpsertOrder(ctx, clone); err != nil {
		m.logger.Warn("audit order upsert failed", "client_order_id", record.ClientOrderID, "error", err)
	}
	if err := m.audit.LogRiskEvent(ctx, "check_passed", map[string]any{"client_order_id": record.ClientOrderID}); err != nil {
		m.logger.Warn("audit risk event failed", "client_order_id", record.ClientOrderID, "error", err)
	}
	m.publish(core.TopicOrders, map[string]any{
		"client_order_id": record.ClientOrderID,
		"ib_order_id":     record.BrokerOrderID,
		"status":          record.Status,
	})
	return clone, nil
}

// PlaceBracket risk-checks the entry leg and submits an entry plus take
// profit and stop loss group through the provider.
func (m *Manager) PlaceBracket(ctx context.Context, side core.Side, symbol string, qty, entry, takeProfit, stopLoss float64, tif core.TIF) (*BracketOutcome, error) {
	req := &core.OrderRequest{
		Side:   side,
		Symbol: symbol,
		Qty:    qty,
		Limit:  core.Float64Ptr(entry),
		TIF:    tif,
	}
	req.Normalize()

	riskCtx, err := m.riskContext(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := m.risk.AssertOrder(req, riskCtx); err != nil {
		return nil, err
	}

	req.ClientOrderID = uuid.NewString()
	placed, err := m.provider.PlaceBracket(ctx, req, takeProfit, stopLoss)
	if err != nil {
		return nil, err
	}
	telemetry.GetGlobalMetrics().RecordOrderPlaced(ctx)
	if err := m.audit.LogRiskEvent(ctx, "check_passed", map[string]any{"client_order_id": req.ClientOrderID, "type": "bracket"}); err != nil {
		m.logger.Warn("audit risk event failed", "client_order_id", req.ClientOrderID, "error", err)
	}
	outcome := &BracketOutcome{
		ClientOrderID:  req.ClientOrderID,
		BrokerOrderIDs: placed.BrokerOrderIDs,
		Status:         m.normalizeStatus(string(placed.Status)),
	}
	m.publish(core.TopicOrders, map[string]any{
		"client_order_id": outcome.ClientOrderID,
		"ib_order_ids":    outcome.BrokerOrderIDs,
		"status":          outcome.Status,
	})
	return outcome, nil
}

// DryRun evaluates the order against the risk engine and returns a preview
// record without submitting anything. A passing check still consumes a rate
// slot and registers the duplicate fingerprint, exactly like a live check.
func (m *Manager) DryRun(ctx context.Context, req *core.OrderRequest) (*core.OrderRecord, *risk.CheckResult, error) {
	req.Normalize()
	riskCtx, err := m.riskContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	result := m.risk.CheckOrder(req, riskCtx)

	eventType := "check_passed"
	if !result.OK {
		eventType = "check_failed"
	}
	details := map[string]any{
		"dry_run": true,
		"symbol":  req.Symbol,
		"side":    req.Side,
		"qty":     req.Qty,
	}
	for k, v := range result.AsMap() {
		details[k] = v
	}
	if err := m.audit.LogRiskEvent(ctx, eventType, details); err != nil {
		m.logger.Warn("audit risk event failed", "error", err)
	}

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = fmt.Sprintf("dryrun-%d", m.now().UnixMilli())
	}
	status := statusDryRunAccepted
	if !result.OK {
		status = statusDryRunRejected
	}
	preview := &core.OrderRecord{
		ClientOrderID:   clientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Qty:             req.Qty,
		OrderType:       req.InferredType(),
		LimitPrice:      req.Limit,
		StopPrice:       req.Stop,
		TIF:             req.TIF,
		Status:          status,
		SubmittedAt:     m.now(),
		RiskCheckResult: result.AsMap(),
	}
	return preview, result, nil
}

// CheckOrder evaluates a request against the live portfolio context without
// placing anything. The verdict lands in the risk_events trail either way,
// and a passing check consumes a rate slot like a live one.
func (m *Manager) CheckOrder(ctx context.Context, req *core.OrderRequest) (*risk.CheckResult, error) {
	req.Normalize()
	riskCtx, err := m.riskContext(ctx)
	if err != nil {
		return nil, err
	}
	result := m.risk.CheckOrder(req, riskCtx)

	eventType := "check_passed"
	if !result.OK {
		eventType = "check_failed"
	}
	if err := m.audit.LogRiskEvent(ctx, eventType, result.AsMap()); err != nil {
		m.logger.Warn("audit risk event failed", "error", err)
	}
	return result, nil
}

// UpdateOrderStatus folds a broker status callback into the stored record.
// Updates for unknown ids are dropped.
func (m *Manager) UpdateOrderStatus(ctx context.Context, clientOrderID, status string, filled, avgFillPrice *float64) {
	normalized := m.normalizeStatus(status)

	m.mu.Lock()
	record, ok := m.orders[clientOrderID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("status update for unknown order", "client_order_id", clientOrderID, "status", status)
		return
	}
	wasFilled := record.Status == core.StatusFilled
	record.Status = normalized
	if normalized == core.StatusFilled {
		if !wasFilled {
			telemetry.GetGlobalMetrics().RecordOrderFilled(ctx)
		}
		now := m.now()
		record.FilledAt = &now
		if filled != nil && *filled > 0 {
			record.FillQty = *filled
		} else {
			record.FillQty = record.Qty
		}
		switch {
		case avgFillPrice != nil:
			record.FillPrice = avgFillPrice
		case record.FillPrice == nil:
			record.FillPrice = core.Float64Ptr(0)
		}
	}
	clone := record.Clone()
	m.mu.Unlock()

	if err := m.audit.UpsertOrder(ctx, clone); err != nil {
		m.logger.Warn("audit order upsert failed", "client_order_id", clientOrderID, "error", err)
	}
}

// AddFill records an execution, persists it and announces a fills event.
func (m *Manager) AddFill(ctx context.Context, fill core.FillRecord) {
	m.recordFill(ctx, fill, true)
}

func (m *Manager) recordFill(ctx context.Context, fill core.FillRecord, announce bool) {
	if fill.FillID == "" {
		fill.FillID = uuid.NewString()
	}
	m.mu.Lock()
	for _, existing := range m.fills {
		if existing.FillID == fill.FillID {
			m.mu.Unlock()
			return
		}
	}
	m.fills = append(m.fills, fill)
	m.mu.Unlock()

	if err := m.audit.LogFill(ctx, &fill); err != nil {
		m.logger.Warn("audit fill insert failed", "fill_id", fill.FillID, "error", err)
	}
	if announce {
		m.publish(core.TopicFills, fillPayload(fill))
	}
}

// HandleEvent consumes provider stream events and keeps the order and fill
// stores in sync. It does not re-announce events; the provider's own event
// already reaches subscribers.
func (m *Manager) HandleEvent(ctx context.Context, event core.Event) {
	switch event.Topic {
	case core.TopicOrders:
		clientOrderID := payloadString(event.Payload, "client_order_id")
		if clientOrderID == "" {
			return
		}
		status := payloadString(event.Payload, "status")
		filled := payloadFloat(event.Payload, "filled")
		avg := payloadFloat(event.Payload, "avg_fill_price")
		m.UpdateOrderStatus(ctx, clientOrderID, status, filled, avg)
	case core.TopicFills:
		fill := fillFromPayload(event)
		if fill == nil {
			return
		}
		m.recordFill(ctx, *fill, false)
	}
}

// CancelOrder cancels by client_order_id. Ids without a local record are
// passed through to the provider untouched.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) (*CancelOutcome, error) {
	m.mu.Lock()
	record, ok := m.orders[orderID]
	var brokerOrderID *int64
	if ok {
		brokerOrderID = record.BrokerOrderID
	}
	m.mu.Unlock()

	if !ok {
		res, err := m.provider.CancelOrder(ctx, orderID, nil)
		if err != nil {
			return nil, err
		}
		return &CancelOutcome{ClientOrderID: orderID, Cancelled: res.Cancelled, BrokerOrderID: res.BrokerOrderID}, nil
	}

	res, err := m.provider.CancelOrder(ctx, orderID, brokerOrderID)
	if err != nil {
		return nil, err
	}
	if res.Cancelled {
		m.mu.Lock()
		record.Status = core.StatusCancelled
		clone := record.Clone()
		m.mu.Unlock()
		if err := m.audit.UpsertOrder(ctx, clone); err != nil {
			m.logger.Warn("audit order upsert failed", "client_order_id", orderID, "error", err)
		}
	}
	return &CancelOutcome{ClientOrderID: orderID, Cancelled: res.Cancelled, BrokerOrderID: res.BrokerOrderID}, nil
}

// CancelAll cancels every active order. Providers with a native cancel-all
// get one sweep call; otherwise each order is cancelled individually and
// per-order failures are reported in Failed.
func (m *Manager) CancelAll(ctx context.Context) (*CancelAllOutcome, error) {
	m.mu.Lock()
	active := make([]*core.OrderRecord, 0, len(m.orders))
	for _, record := range m.orders {
		if record.Status.IsActive() {
			active = append(active, record)
		}
	}
	m.mu.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].ClientOrderID < active[j].ClientOrderID })

	outcome := &CancelAllOutcome{Requested: make([]string, 0, len(active)), Failed: []string{}}
	for _, record := range active {
		outcome.Requested = append(outcome.Requested, record.ClientOrderID)
	}

	if m.provider.Capabilities().Has(core.CapCancelAll) {
		if err := m.provider.CancelAll(ctx); err != nil {
			return nil, err
		}
		for _, record := range active {
			m.markCancelled(ctx, record)
			outcome.CancelledCount++
		}
	} else {
		for _, record := range active {
			res, err := m.provider.CancelOrder(ctx, record.ClientOrderID, record.BrokerOrderID)
			if err != nil || !res.Cancelled {
				if err != nil {
					m.logger.Warn("cancel failed during cancel_all", "client_order_id", record.ClientOrderID, "error", err)
				}
				outcome.Failed = append(outcome.Failed, record.ClientOrderID)
				continue
			}
			m.markCancelled(ctx, record)
			outcome.CancelledCount++
		}
	}
	outcome.Cancelled = len(outcome.Failed) == 0
	return outcome, nil
}

func (m *Manager) markCancelled(ctx context.Context, record *core.OrderRecord) {
	m.mu.Lock()
	record.Status = core.StatusCancelled
	clone := record.Clone()
	m.mu.Unlock()
	if err := m.audit.UpsertOrder(ctx, clone); err != nil {
		m.logger.Warn("audit order upsert failed", "client_order_id", record.ClientOrderID, "error", err)
	}
}

// OrderStatus resolves an order id against the local store first, then the
// provider's open trades. Both results nil means the id is unknown.
func (m *Manager) OrderStatus(ctx context.Context, orderID string) (*core.OrderRecord, *core.TradeUpdate, error) {
	m.mu.Lock()
	if record, ok := m.orders[orderID]; ok {
		clone := record.Clone()
		m.mu.Unlock()
		return clone, nil, nil
	}
	m.mu.Unlock()

	trades, err := m.provider.Trades(ctx)
	if err != nil {
		return nil, nil, err
	}
	for i := range trades {
		if trades[i].ClientOrderID == orderID {
			return nil, &trades[i], nil
		}
	}
	return nil, nil, nil
}

// ListOrders returns records matching the status filter: "all", "active",
// or a literal status value. Results sort by submission time, newest first.
func (m *Manager) ListOrders(status string) []*core.OrderRecord {
	m.mu.Lock()
	records := make([]*core.OrderRecord, 0, len(m.orders))
	for _, record := range m.orders {
		records = append(records, record.Clone())
	}
	m.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].SubmittedAt.Equal(records[j].SubmittedAt) {
			return records[i].ClientOrderID < records[j].ClientOrderID
		}
		return records[i].SubmittedAt.After(records[j].SubmittedAt)
	})

	switch strings.ToLower(status) {
	case "", "all":
		return records
	case "active":
		filtered := records[:0]
		for _, record := range records {
			if record.Status.IsActive() {
				filtered = append(filtered, record)
			}
		}
		return filtered
	default:
		filtered := records[:0]
		for _, record := range records {
			if strings.EqualFold(string(record.Status), status) {
				filtered = append(filtered, record)
			}
		}
		return filtered
	}
}

// ListFills merges locally recorded fills with the provider's execution
// history, deduplicated by fill_id. Provider fills are persisted to the
// audit log as a side effect.
func (m *Manager) ListFills(ctx context.Context, symbol string) ([]core.FillRecord, error) {
	brokerFills, err := m.provider.Fills(ctx)
	if err != nil {
		return nil, err
	}
	for i := range brokerFills {
		if err := m.audit.LogFill(ctx, &brokerFills[i]); err != nil {
			m.logger.Warn("audit fill insert failed", "fill_id", brokerFills[i].FillID, "error", err)
		}
	}

	m.mu.Lock()
	combined := make([]core.FillRecord, 0, len(m.fills)+len(brokerFills))
	combined = append(combined, m.fills...)
	m.mu.Unlock()
	combined = append(combined, brokerFills...)

	seen := make(map[string]bool, len(combined))
	deduped := combined[:0]
	for _, fill := range combined {
		if fill.FillID != "" && seen[fill.FillID] {
			continue
		}
		seen[fill.FillID] = true
		deduped = append(deduped, fill)
	}

	if symbol == "" {
		return deduped, nil
	}
	upper := strings.ToUpper(symbol)
	filtered := deduped[:0]
	for _, fill := range deduped {
		if strings.ToUpper(fill.Symbol) == upper {
			filtered = append(filtered, fill)
		}
	}
	return filtered, nil
}

// ActiveCount reports how many orders are currently in an active status.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, record := range m.orders {
		if record.Status.IsActive() {
			count++
		}
	}
	return count
}

// riskContext assembles the account snapshot the risk engine evaluates
// orders against: net liquidation, marks for held symbols, position values,
// daily pnl and the active order count.
func (m *Manager) riskContext(ctx context.Context) (*risk.Context, error) {
	balance, err := m.provider.Balance(ctx)
	if err != nil {
		return nil, err
	}
	positions, err := m.provider.Positions(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	marks := make(map[string]float64, len(symbols))
	if len(symbols) > 0 {
		quotes, err := m.provider.Quote(ctx, symbols, core.IntentBestEffort)
		if err != nil {
			return nil, err
		}
		for _, q := range quotes {
			switch {
			case q.Last != nil:
				marks[q.Symbol] = *q.Last
			case q.Bid != nil:
				marks[q.Symbol] = *q.Bid
			case q.Ask != nil:
				marks[q.Symbol] = *q.Ask
			default:
				marks[q.Symbol] = 0
			}
		}
	}

	values := make(map[string]float64, len(positions))
	for _, p := range positions {
		mark, ok := marks[p.Symbol]
		if !ok {
			if p.MarketPrice != 0 {
				mark = p.MarketPrice
			} else {
				mark = p.AvgCost
			}
		}
		values[p.Symbol] = decimal.NewFromFloat(mark).Mul(decimal.NewFromFloat(p.Qty)).InexactFloat64()
	}

	pnl, err := m.provider.PnL(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	openOrders := m.activeCountLocked()
	m.mu.Unlock()

	return &risk.Context{
		NLV:            balance.NetLiquidation,
		DailyPnL:       pnl.Total,
		OpenOrders:     openOrders,
		MarkPrices:     marks,
		PositionValues: values,
	}, nil
}

func (m *Manager) publish(topic core.Topic, payload map[string]any) {
	if m.sink == nil {
		return
	}
	m.sink(core.NewEvent(topic, payload))
}

func fillPayload(fill core.FillRecord) map[string]any {
	return map[string]any{
		"fill_id":         fill.FillID,
		"client_order_id": fill.ClientOrderID,
		"ib_order_id":     fill.BrokerOrderID,
		"symbol":          fill.Symbol,
		"qty":             fill.Qty,
		"price":           fill.Price,
		"commission":      fill.Commission,
		"timestamp":       fill.Timestamp,
	}
}

func fillFromPayload(event core.Event) *core.FillRecord {
	symbol := payloadString(event.Payload, "symbol")
	qty := payloadFloat(event.Payload, "qty")
	price := payloadFloat(event.Payload, "price")
	if symbol == "" || qty == nil || price == nil {
		return nil
	}
	fill := &core.FillRecord{
		FillID:        payloadString(event.Payload, "fill_id"),
		ClientOrderID: payloadString(event.Payload, "client_order_id"),
		BrokerOrderID: payloadInt64(event.Payload, "ib_order_id"),
		Symbol:        symbol,
		Qty:           *qty,
		Price:         *price,
		Commission:    payloadFloat(event.Payload, "commission"),
		Timestamp:     event.Timestamp,
	}
	return fill
}

func payloadString(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	case core.OrderStatus:
		return string(v)
	}
	return ""
}

func payloadFloat(payload map[string]any, key string) *float64 {
	switch v := payload[key].(type) {
	case float64:
		return &v
	case *float64:
		return v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	}
	return nil
}

func payloadInt64(payload map[string]any, key string) *int64 {
	switch v := payload[key].(type) {
	case int64:
		return &v
	case *int64:
		return v
	case int:
		i := int64(v)
		return &i
	case float64:
		i := int64(v)
		return &i
	}
	return nil
}
