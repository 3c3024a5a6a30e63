package ib

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"brokerd/internal/core"
	"brokerd/internal/provider/base"
	apperrors "brokerd/pkg/errors"
)

// maxOrderConfirmations bounds the gateway's confirm-reply dance. Price
// cap and size warnings each want one POST /iserver/reply acknowledgment.
const maxOrderConfirmations = 3

// flexFloat decodes gateway numeric fields that arrive as either JSON
// numbers or quoted strings. Blank and unparseable values collapse to 0.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(v)
	return nil
}

// normalizeOrderStatus folds the gateway's status spellings into the
// canonical set. Unknown values pass through untouched.
func normalizeOrderStatus(raw string) core.OrderStatus {
	folded := strings.NewReplacer("_", "", " ", "").Replace(strings.TrimSpace(raw))
	switch strings.ToLower(folded) {
	case "", "submitted":
		return core.StatusSubmitted
	case "presubmitted":
		return core.StatusPreSubmitted
	case "pendingsubmit", "pendingcancel":
		return core.StatusPendingSubmit
	case "filled":
		return core.StatusFilled
	case "cancelled", "canceled", "apicancelled":
		return core.StatusCancelled
	case "rejected":
		return core.StatusRejected
	case "inactive":
		return core.StatusInactive
	default:
		return core.OrderStatus(raw)
	}
}

// normalizeSide accepts both order-side spellings (BUY/SELL) and the
// execution shorthand (BOT/SLD, B/S).
func normalizeSide(raw string) core.Side {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SELL", "S", "SLD":
		return core.SideSell
	default:
		return core.SideBuy
	}
}

func cpOrderType(t core.OrderType) string {
	switch t {
	case core.OrderTypeStopLimit:
		return "STOP_LIMIT"
	case core.OrderTypeLimit:
		return "LMT"
	case core.OrderTypeStop:
		return "STP"
	default:
		return "MKT"
	}
}

// cpOrder is one order leg in the gateway's submit payload. Price carries
// the limit and auxPrice the stop trigger.
type cpOrder struct {
	Conid     int64    `json:"conid"`
	OrderType string   `json:"orderType"`
	Side      string   `json:"side"`
	Quantity  float64  `json:"quantity"`
	Price     *float64 `json:"price,omitempty"`
	AuxPrice  *float64 `json:"auxPrice,omitempty"`
	TIF       string   `json:"tif"`
	COID      string   `json:"cOID,omitempty"`
	ParentID  string   `json:"parentId,omitempty"`
}

// placeRow is one element of the gateway's order-submit response. Rows
// carry either an order id or a confirmation prompt id with its messages.
type placeRow struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Message     []string `json:"message"`
}

// submitOrders posts order legs and walks the confirm-reply dance until
// the gateway hands back order ids.
func (p *Provider) submitOrders(ctx context.Context, account string, orders []cpOrder) ([]placeRow, error) {
	body, err := p.post(ctx, fmt.Sprintf("/iserver/account/%s/orders", account), map[string]any{"orders": orders})
	if err != nil {
		return nil, err
	}
	for confirmations := 0; ; confirmations++ {
		var rows []placeRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty order response from gateway")
		}
		if rows[0].OrderID != "" {
			return rows, nil
		}
		if rows[0].ID == "" || confirmations >= maxOrderConfirmations {
			return nil, fmt.Errorf("order not accepted: %s", strings.Join(rows[0].Message, "; "))
		}
		body, err = p.post(ctx, "/iserver/reply/"+rows[0].ID, map[string]any{"confirmed": true})
		if err != nil {
			return nil, err
		}
	}
}

// PlaceOrder implements core.IProvider.
func (p *Provider) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.PlaceResult, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	result, err := p.placeOrder(ctx, req)
	if err != nil {
		return nil, base.MapError("place_order", err, apperrors.CodeIBRejected,
			"Validate contract details and verify trading permissions.")
	}
	return result, nil
}

func (p *Provider) placeOrder(ctx context.Context, req *core.OrderRequest) (*core.PlaceResult, error) {
	account, err := p.account()
	if err != nil {
		return nil, err
	}
	info, known, err := p.resolveContract(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("no contract found for symbol %s", req.Symbol)
	}

	order := cpOrder{
		Conid:     info.conid,
		OrderType: cpOrderType(req.InferredType()),
		Side:      strings.ToUpper(string(req.Side)),
		Quantity:  req.Qty,
		Price:     req.Limit,
		AuxPrice:  req.Stop,
		TIF:       string(req.TIF),
		COID:      req.ClientOrderID,
	}
	rows, err := p.submitOrders(ctx, account, []cpOrder{order})
	if err != nil {
		return nil, err
	}

	result := &core.PlaceResult{Status: core.StatusSubmitted}
	if id, err := strconv.ParseInt(rows[0].OrderID, 10, 64); err == nil {
		result.BrokerOrderID = &id
	}
	if rows[0].OrderStatus != "" {
		result.Status = normalizeOrderStatus(rows[0].OrderStatus)
	}
	return result, nil
}

// PlaceBracket implements core.IProvider. The three legs go up in one
// batch: a limit entry, a limit take-profit and a stop loss, the exits
// parented to the entry so the gateway treats them as an OCA pair.
func (p *Provider) PlaceBracket(ctx context.Context, req *core.OrderRequest, takeProfit, stopLoss float64) (*core.BracketResult, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	result, err := p.placeBracket(ctx, req, takeProfit, stopLoss)
	if err != nil {
		return nil, base.MapError("place_bracket", err, apperrors.CodeIBRejected,
			"Verify bracket prices and order permissions.")
	}
	return result, nil
}

func (p *Provider) placeBracket(ctx context.Context, req *core.OrderRequest, takeProfit, stopLoss float64) (*core.BracketResult, error) {
	if req.Limit == nil {
		return nil, fmt.Errorf("bracket entry requires a limit price")
	}
	account, err := p.account()
	if err != nil {
		return nil, err
	}
	info, known, err := p.resolveContract(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("no contract found for symbol %s", req.Symbol)
	}

	entrySide := strings.ToUpper(string(req.Side))
	exitSide := "SELL"
	if entrySide == "SELL" {
		exitSide = "BUY"
	}
	tif := string(req.TIF)
	parentCOID := req.ClientOrderID + ":0"

	legs := []cpOrder{
		{
			Conid:     info.conid,
			OrderType: "LMT",
			Side:      entrySide,
			Quantity:  req.Qty,
			Price:     req.Limit,
			TIF:       tif,
			COID:      parentCOID,
		},
		{
			Conid:     info.conid,
			OrderType: "LMT",
			Side:      exitSide,
			Quantity:  req.Qty,
			Price:     &takeProfit,
			TIF:       tif,
			COID:      req.ClientOrderID + ":1",
			ParentID:  parentCOID,
		},
		{
			Conid:     info.conid,
			OrderType: "STP",
			Side:      exitSide,
			Quantity:  req.Qty,
			AuxPrice:  &stopLoss,
			TIF:       tif,
			COID:      req.ClientOrderID + ":2",
			ParentID:  parentCOID,
		},
	}
	rows, err := p.submitOrders(ctx, account, legs)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		if id, err := strconv.ParseInt(row.OrderID, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return &core.BracketResult{BrokerOrderIDs: ids, Status: core.StatusSubmitted}, nil
}

type orderRow struct {
	OrderID      int64     `json:"orderId"`
	OrderRef     string    `json:"order_ref"`
	Ticker       string    `json:"ticker"`
	Status       string    `json:"status"`
	Side         string    `json:"side"`
	TotalSize    flexFloat `json:"totalSize"`
	FilledQty    flexFloat `json:"filledQuantity"`
	RemainingQty flexFloat `json:"remainingQuantity"`
	AvgPrice     flexFloat `json:"avgPrice"`
}

func (p *Provider) orderRows(ctx context.Context) ([]orderRow, error) {
	body, err := p.get(ctx, "/iserver/account/orders", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Orders []orderRow `json:"orders"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// CancelOrder implements core.IProvider. Orders are matched by client
// order id first, broker order id second; a miss is not an error.
func (p *Provider) CancelOrder(ctx context.Context, clientOrderID string, brokerOrderID *int64) (*core.CancelResult, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	result, err := p.cancelOrder(ctx, clientOrderID, brokerOrderID)
	if err != nil {
		return nil, base.MapError("cancel_order", err, apperrors.CodeIBRejected, "")
	}
	return result, nil
}

func (p *Provider) cancelOrder(ctx context.Context, clientOrderID string, brokerOrderID *int64) (*core.CancelResult, error) {
	account, err := p.account()
	if err != nil {
		return nil, err
	}
	rows, err := p.orderRows(ctx)
	if err != nil {
		return nil, err
	}

	var target *orderRow
	if clientOrderID != "" {
		for i := range rows {
			if rows[i].OrderRef == clientOrderID && normalizeOrderStatus(rows[i].Status).IsActive() {
				target = &rows[i]
				break
			}
		}
	}
	if target == nil && brokerOrderID != nil {
		for i := range rows {
			if rows[i].OrderID == *brokerOrderID && normalizeOrderStatus(rows[i].Status).IsActive() {
				target = &rows[i]
				break
			}
		}
	}
	if target == nil {
		return &core.CancelResult{Cancelled: false}, nil
	}

	if _, err := p.delete(ctx, fmt.Sprintf("/iserver/account/%s/order/%d", account, target.OrderID)); err != nil {
		return nil, err
	}
	id := target.OrderID
	return &core.CancelResult{Cancelled: true, BrokerOrderID: &id}, nil
}

// CancelAll implements core.IProvider. Each live order is cancelled
// individually; a leg that fails to cancel is logged and skipped so the
// sweep still reaches the rest.
func (p *Provider) CancelAll(ctx context.Context) error {
	if err := p.EnsureConnected(); err != nil {
		return err
	}
	if err := p.cancelAll(ctx); err != nil {
		return base.MapError("cancel_all", err, apperrors.CodeIBRejected, "")
	}
	return nil
}

func (p *Provider) cancelAll(ctx context.Context) error {
	account, err := p.account()
	if err != nil {
		return err
	}
	rows, err := p.orderRows(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !normalizeOrderStatus(row.Status).IsActive() {
			continue
		}
		if _, err := p.delete(ctx, fmt.Sprintf("/iserver/account/%s/order/%d", account, row.OrderID)); err != nil {
			p.logger.Warn("cancel failed during cancel_all", "ib_order_id", row.OrderID, "error", err)
		}
	}
	return nil
}

// Trades implements core.IProvider.
func (p *Provider) Trades(ctx context.Context) ([]core.TradeUpdate, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	trades, err := p.fetchTrades(ctx)
	if err != nil {
		return nil, base.MapError("trades", err, apperrors.CodeIBRejected, "")
	}
	return trades, nil
}

func (p *Provider) fetchTrades(ctx context.Context) ([]core.TradeUpdate, error) {
	rows, err := p.orderRows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.TradeUpdate, 0, len(rows))
	for _, row := range rows {
		update := core.TradeUpdate{
			ClientOrderID: row.OrderRef,
			Symbol:        strings.ToUpper(row.Ticker),
			Side:          normalizeSide(row.Side),
			Status:        normalizeOrderStatus(row.Status),
			Qty:           float64(row.TotalSize),
			Filled:        float64(row.FilledQty),
			Remaining:     float64(row.RemainingQty),
		}
		if row.OrderID != 0 {
			id := row.OrderID
			update.BrokerOrderID = &id
		}
		if row.AvgPrice > 0 {
			price := float64(row.AvgPrice)
			update.AvgFillPrice = &price
		}
		out = append(out, update)
	}
	return out, nil
}

type tradeRow struct {
	ExecutionID string    `json:"execution_id"`
	OrderRef    string    `json:"order_ref"`
	Symbol      string    `json:"symbol"`
	Size        flexFloat `json:"size"`
	Price       flexFloat `json:"price"`
	Commission  flexFloat `json:"commission"`
	TradeTimeMs int64     `json:"trade_time_r"`
}

// Fills implements core.IProvider. The trades endpoint has no order id
// column, so fills borrow it from the order matching their client order
// ref.
func (p *Provider) Fills(ctx context.Context) ([]core.FillRecord, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	fills, err := p.fetchFills(ctx)
	if err != nil {
		return nil, base.MapError("fills", err, apperrors.CodeIBRejected, "")
	}
	return fills, nil
}

func (p *Provider) fetchFills(ctx context.Context) ([]core.FillRecord, error) {
	body, err := p.get(ctx, "/iserver/account/trades", nil)
	if err != nil {
		return nil, err
	}
	var rows []tradeRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}

	refToOrder := map[string]int64{}
	if orderRows, err := p.orderRows(ctx); err == nil {
		for _, row := range orderRows {
			if row.OrderRef != "" {
				refToOrder[row.OrderRef] = row.OrderID
			}
		}
	}

	out := make([]core.FillRecord, 0, len(rows))
	for _, row := range rows {
		fill := core.FillRecord{
			FillID:        row.ExecutionID,
			ClientOrderID: row.OrderRef,
			Symbol:        strings.ToUpper(row.Symbol),
			Qty:           float64(row.Size),
			Price:         float64(row.Price),
			Timestamp:     time.UnixMilli(row.TradeTimeMs).UTC(),
		}
		if row.Commission != 0 {
			commission := float64(row.Commission)
			fill.Commission = &commission
		}
		if id, ok := refToOrder[row.OrderRef]; ok && row.OrderRef != "" {
			fill.BrokerOrderID = &id
		}
		out = append(out, fill)
	}
	return out, nil
}
