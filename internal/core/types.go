package core

import (
	"fmt"
	"strings"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates and normalizes a side string.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return "", fmt.Errorf("invalid side %q (expected buy or sell)", raw)
	}
}

// TIF is the time-in-force of an order.
type TIF string

const (
	TIFDay TIF = "DAY"
	TIFGTC TIF = "GTC"
	TIFIOC TIF = "IOC"
)

// ParseTIF validates a time-in-force string. Empty input defaults to DAY.
func ParseTIF(raw string) (TIF, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "DAY":
		return TIFDay, nil
	case "GTC":
		return TIFGTC, nil
	case "IOC":
		return TIFIOC, nil
	default:
		return "", fmt.Errorf("invalid tif %q (expected DAY, GTC or IOC)", raw)
	}
}

// OrderType is inferred from the presence of limit and stop prices.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypeBracket   OrderType = "bracket"
)

// OrderStatus is the closed set of broker-visible order states.
type OrderStatus string

const (
	StatusSubmitted     OrderStatus = "Submitted"
	StatusAcknowledged  OrderStatus = "Acknowledged"
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	StatusPreSubmitted  OrderStatus = "PreSubmitted"
	StatusFilled        OrderStatus = "Filled"
	StatusCancelled     OrderStatus = "Cancelled"
	StatusRejected      OrderStatus = "Rejected"
	StatusInactive      OrderStatus = "Inactive"
)

// IsActive reports whether the status keeps an order in the working set.
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusSubmitted, StatusAcknowledged, StatusPendingSubmit, StatusPreSubmitted:
		return true
	}
	return false
}

// IsTerminal reports whether the status can never transition again.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// OrderRequest is a caller-supplied order, immutable after validation.
type OrderRequest struct {
	Side          Side           `msgpack:"side" json:"side"`
	Symbol        string         `msgpack:"symbol" json:"symbol"`
	Qty           float64        `msgpack:"qty" json:"qty"`
	Limit         *float64       `msgpack:"limit" json:"limit"`
	Stop          *float64       `msgpack:"stop" json:"stop"`
	TIF           TIF            `msgpack:"tif" json:"tif"`
	ClientOrderID string         `msgpack:"client_order_id" json:"client_order_id"`
	Tags          map[string]any `msgpack:"tags" json:"tags,omitempty"`
}

// Normalize uppercases the symbol and defaults the time-in-force.
func (r *OrderRequest) Normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.TIF == "" {
		r.TIF = TIFDay
	}
}

// Validate checks the request invariants after Normalize.
func (r *OrderRequest) Validate() error {
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("invalid side %q", string(r.Side))
	}
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Qty <= 0 {
		return fmt.Errorf("qty must be positive")
	}
	switch r.TIF {
	case TIFDay, TIFGTC, TIFIOC:
	default:
		return fmt.Errorf("invalid tif %q", string(r.TIF))
	}
	return nil
}

// InferredType maps the (limit, stop) pair to the order type.
func (r *OrderRequest) InferredType() OrderType {
	switch {
	case r.Limit != nil && r.Stop != nil:
		return OrderTypeStopLimit
	case r.Limit != nil:
		return OrderTypeLimit
	case r.Stop != nil:
		return OrderTypeStop
	default:
		return OrderTypeMarket
	}
}

// OrderRecord is the order manager's view of one order.
type OrderRecord struct {
	ClientOrderID   string         `msgpack:"client_order_id" json:"client_order_id"`
	BrokerOrderID   *int64         `msgpack:"ib_order_id" json:"ib_order_id"`
	Symbol          string         `msgpack:"symbol" json:"symbol"`
	Side            Side           `msgpack:"side" json:"side"`
	Qty             float64        `msgpack:"qty" json:"qty"`
	OrderType       OrderType      `msgpack:"order_type" json:"order_type"`
	LimitPrice      *float64       `msgpack:"limit_price" json:"limit_price"`
	StopPrice       *float64       `msgpack:"stop_price" json:"stop_price"`
	TIF             TIF            `msgpack:"tif" json:"tif"`
	Status          OrderStatus    `msgpack:"status" json:"status"`
	SubmittedAt     time.Time      `msgpack:"submitted_at" json:"submitted_at"`
	FilledAt        *time.Time     `msgpack:"filled_at" json:"filled_at"`
	FillPrice       *float64       `msgpack:"fill_price" json:"fill_price"`
	FillQty         float64        `msgpack:"fill_qty" json:"fill_qty"`
	Commission      *float64       `msgpack:"commission" json:"commission"`
	RiskCheckResult map[string]any `msgpack:"risk_check_result" json:"risk_check_result"`
}

// Clone returns a deep-enough copy for handing records across goroutines.
func (r *OrderRecord) Clone() *OrderRecord {
	out := *r
	if r.RiskCheckResult != nil {
		rc := make(map[string]any, len(r.RiskCheckResult))
		for k, v := range r.RiskCheckResult {
			rc[k] = v
		}
		out.RiskCheckResult = rc
	}
	return &out
}

// FillRecord is one execution report, immutable once appended.
type FillRecord struct {
	FillID        string    `msgpack:"fill_id" json:"fill_id"`
	ClientOrderID string    `msgpack:"client_order_id" json:"client_order_id"`
	BrokerOrderID *int64    `msgpack:"ib_order_id" json:"ib_order_id"`
	Symbol        string    `msgpack:"symbol" json:"symbol"`
	Qty           float64   `msgpack:"qty" json:"qty"`
	Price         float64   `msgpack:"price" json:"price"`
	Commission    *float64  `msgpack:"commission" json:"commission"`
	Timestamp     time.Time `msgpack:"timestamp" json:"timestamp"`
}

// Float64Ptr is a convenience for optional price fields.
func Float64Ptr(v float64) *float64 { return &v }

// Int64Ptr is a convenience for optional id fields.
func Int64Ptr(v int64) *int64 { return &v }
