// Package core defines the core interfaces and domain types for the broker daemon.
package core

import "context"

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Capability names reported by providers.
const (
	CapHistory            = "history"
	CapOptionChain        = "option_chain"
	CapExposure           = "exposure"
	CapBracketOrders      = "bracket_orders"
	CapStreaming          = "streaming"
	CapCancelAll          = "cancel_all"
	CapPersistentAuth     = "persistent_auth"
	CapQuoteLive          = "quote_live"
	CapQuoteDelayed       = "quote_delayed"
	CapQuoteDelayedFrozen = "quote_delayed_frozen"
)

// Capabilities maps capability names to availability.
type Capabilities map[string]bool

// DefaultCapabilities returns the full capability set, all disabled.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		CapHistory:            false,
		CapOptionChain:        false,
		CapExposure:           false,
		CapBracketOrders:      false,
		CapStreaming:          false,
		CapCancelAll:          false,
		CapPersistentAuth:     false,
		CapQuoteLive:          false,
		CapQuoteDelayed:       false,
		CapQuoteDelayedFrozen: false,
	}
}

// Has reports whether the named capability is enabled.
func (c Capabilities) Has(name string) bool { return c[name] }

// Clone returns an independent copy of the capability map.
func (c Capabilities) Clone() Capabilities {
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// PlaceResult is the provider acknowledgement for a single order.
type PlaceResult struct {
	BrokerOrderID *int64      `msgpack:"ib_order_id" json:"ib_order_id"`
	Status        OrderStatus `msgpack:"status" json:"status"`
}

// BracketResult is the provider acknowledgement for a bracket group.
type BracketResult struct {
	BrokerOrderIDs []int64     `msgpack:"ib_order_ids" json:"ib_order_ids"`
	Status         OrderStatus `msgpack:"status" json:"status"`
}

// CancelResult reports whether a cancel request reached a live order.
type CancelResult struct {
	Cancelled     bool   `msgpack:"cancelled" json:"cancelled"`
	BrokerOrderID *int64 `msgpack:"ib_order_id" json:"ib_order_id"`
}

// TradeUpdate is one broker-side order row, used to reconcile local state.
type TradeUpdate struct {
	BrokerOrderID *int64      `msgpack:"ib_order_id" json:"ib_order_id"`
	ClientOrderID string      `msgpack:"client_order_id" json:"client_order_id"`
	Symbol        string      `msgpack:"symbol" json:"symbol"`
	Side          Side        `msgpack:"side" json:"side"`
	Status        OrderStatus `msgpack:"status" json:"status"`
	Qty           float64     `msgpack:"qty" json:"qty"`
	Filled        float64     `msgpack:"filled" json:"filled"`
	Remaining     float64     `msgpack:"remaining" json:"remaining"`
	AvgFillPrice  *float64    `msgpack:"avg_fill_price" json:"avg_fill_price"`
}

// IProvider defines the interface for broker backends
type IProvider interface {
	// Name returns the provider identifier, e.g. "ib" or "etrade".
	Name() string

	// Capabilities reports which optional operations this provider supports.
	Capabilities() Capabilities

	// SetEventSink installs the sink for order, fill and connection events.
	// Must be called before Start.
	SetEventSink(sink EventSink)

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() ConnectionStatus
	IsConnected() bool
	EnsureConnected() error

	// Market data
	Quote(ctx context.Context, symbols []string, intent QuoteIntent) ([]*Quote, error)
	QuoteCapabilities(ctx context.Context, symbols []string, refresh bool) (*ProviderQuoteCapabilities, error)
	History(ctx context.Context, symbol, period, barSize string, rthOnly bool) ([]Bar, error)
	OptionChain(ctx context.Context, filter ChainFilter) (*OptionChain, error)

	// Portfolio
	Positions(ctx context.Context) ([]Position, error)
	Balance(ctx context.Context) (*Balance, error)
	PnL(ctx context.Context) (*PnLSummary, error)
	Exposure(ctx context.Context, group string) ([]ExposureEntry, error)

	// Orders
	PlaceOrder(ctx context.Context, req *OrderRequest) (*PlaceResult, error)
	PlaceBracket(ctx context.Context, req *OrderRequest, takeProfit, stopLoss float64) (*BracketResult, error)
	CancelOrder(ctx context.Context, clientOrderID string, brokerOrderID *int64) (*CancelResult, error)
	CancelAll(ctx context.Context) error
	Trades(ctx context.Context) ([]TradeUpdate, error)
	Fills(ctx context.Context) ([]FillRecord, error)
}
