package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricRequestsTotal        = "brokerd_requests_total"
	MetricRequestLatency       = "brokerd_request_latency_seconds"
	MetricOrdersPlacedTotal    = "brokerd_orders_placed_total"
	MetricOrdersFilledTotal    = "brokerd_orders_filled_total"
	MetricRiskDenialsTotal     = "brokerd_risk_denials_total"
	MetricEventsPublishedTotal = "brokerd_events_published_total"
	MetricQuoteCacheHitsTotal  = "brokerd_quote_cache_hits_total"
	MetricQuoteCacheMissTotal  = "brokerd_quote_cache_misses_total"
	MetricAuditWritesTotal     = "brokerd_audit_writes_total"
	MetricProviderConnected    = "brokerd_provider_connected"
	MetricRiskHalted           = "brokerd_risk_halted"
	MetricOpenOrders           = "brokerd_open_orders"
	MetricSubscribers          = "brokerd_subscribers_active"
	MetricDailyPnL             = "brokerd_daily_pnl"
	MetricPositionValue        = "brokerd_position_value"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	RequestsTotal        metric.Int64Counter
	RequestLatency       metric.Float64Histogram
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	RiskDenialsTotal     metric.Int64Counter
	EventsPublishedTotal metric.Int64Counter
	QuoteCacheHits       metric.Int64Counter
	QuoteCacheMisses     metric.Int64Counter
	AuditWritesTotal     metric.Int64Counter
	ProviderConnected    metric.Int64ObservableGauge
	RiskHalted           metric.Int64ObservableGauge
	OpenOrders           metric.Int64ObservableGauge
	Subscribers          metric.Int64ObservableGauge
	DailyPnL             metric.Float64ObservableGauge
	PositionValue        metric.Float64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	connectedMap     map[string]int64
	halted           int64
	openOrders       int64
	subscribers      int64
	dailyPnL         float64
	positionValueMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			connectedMap:     make(map[string]int64),
			positionValueMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.RequestsTotal, err = meter.Int64Counter(MetricRequestsTotal, metric.WithDescription("Total requests handled"))
	if err != nil {
		return err
	}

	m.RequestLatency, err = meter.Float64Histogram(MetricRequestLatency, metric.WithDescription("Request handling latency"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled"))
	if err != nil {
		return err
	}

	m.RiskDenialsTotal, err = meter.Int64Counter(MetricRiskDenialsTotal, metric.WithDescription("Total orders denied by risk checks"))
	if err != nil {
		return err
	}

	m.EventsPublishedTotal, err = meter.Int64Counter(MetricEventsPublishedTotal, metric.WithDescription("Total events broadcast to subscribers"))
	if err != nil {
		return err
	}

	m.QuoteCacheHits, err = meter.Int64Counter(MetricQuoteCacheHitsTotal, metric.WithDescription("Quote cache hits"))
	if err != nil {
		return err
	}

	m.QuoteCacheMisses, err = meter.Int64Counter(MetricQuoteCacheMissTotal, metric.WithDescription("Quote cache misses"))
	if err != nil {
		return err
	}

	m.AuditWritesTotal, err = meter.Int64Counter(MetricAuditWritesTotal, metric.WithDescription("Audit trail rows written"))
	if err != nil {
		return err
	}

	// Observables
	m.ProviderConnected, err = meter.Int64ObservableGauge(MetricProviderConnected, metric.WithDescription("Provider connection state (1=connected, 0=down)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for provider, val := range m.connectedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("provider", provider)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskHalted, err = meter.Int64ObservableGauge(MetricRiskHalted, metric.WithDescription("Risk halt state (1=halted, 0=trading)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.halted)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenOrders, err = meter.Int64ObservableGauge(MetricOpenOrders, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openOrders)
			return nil
		}))
	if err != nil {
		return err
	}

	m.Subscribers, err = meter.Int64ObservableGauge(MetricSubscribers, metric.WithDescription("Number of connected event subscribers"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.subscribers)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailyPnL, err = meter.Float64ObservableGauge(MetricDailyPnL, metric.WithDescription("Daily realized plus unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dailyPnL)
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionValue, err = meter.Float64ObservableGauge(MetricPositionValue, metric.WithDescription("Current market value per position"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionValueMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// RecordRequest counts one handled request and its latency in seconds.
func (m *MetricsHolder) RecordRequest(ctx context.Context, command string, ok bool, latencySeconds float64) {
	if m.RequestsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.Bool("ok", ok),
	)
	m.RequestsTotal.Add(ctx, 1, attrs)
	m.RequestLatency.Record(ctx, latencySeconds, attrs)
}

// RecordRiskDenial counts one denied order by error code.
func (m *MetricsHolder) RecordRiskDenial(ctx context.Context, code string) {
	if m.RiskDenialsTotal == nil {
		return
	}
	m.RiskDenialsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordOrderPlaced counts one order accepted by the broker.
func (m *MetricsHolder) RecordOrderPlaced(ctx context.Context) {
	if m.OrdersPlacedTotal == nil {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1)
}

// RecordOrderFilled counts one order reaching a filled status.
func (m *MetricsHolder) RecordOrderFilled(ctx context.Context) {
	if m.OrdersFilledTotal == nil {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1)
}

// RecordEventPublished counts one event fanned out to subscribers.
func (m *MetricsHolder) RecordEventPublished(ctx context.Context, topic string) {
	if m.EventsPublishedTotal == nil {
		return
	}
	m.EventsPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// RecordQuoteCache counts cache hits and misses for one quote lookup.
func (m *MetricsHolder) RecordQuoteCache(ctx context.Context, hits, misses int64) {
	if m.QuoteCacheHits == nil {
		return
	}
	if hits > 0 {
		m.QuoteCacheHits.Add(ctx, hits)
	}
	if misses > 0 {
		m.QuoteCacheMisses.Add(ctx, misses)
	}
}

// RecordAuditWrite counts one audit row by table.
func (m *MetricsHolder) RecordAuditWrite(ctx context.Context, table string) {
	if m.AuditWritesTotal == nil {
		return
	}
	m.AuditWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("table", table)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetProviderConnected(provider string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedMap[provider] = val
}

func (m *MetricsHolder) SetRiskHalted(halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = val
}

func (m *MetricsHolder) SetOpenOrders(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders = count
}

func (m *MetricsHolder) SetSubscribers(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = count
}

func (m *MetricsHolder) SetDailyPnL(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = value
}

func (m *MetricsHolder) SetPositionValue(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionValueMap[symbol] = value
}

func (m *MetricsHolder) GetPositionValues() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.positionValueMap {
		res[k] = v
	}
	return res
}
