package etrade

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"brokerd/internal/core"
	apperrors "brokerd/pkg/errors"
)

type previewProduct struct {
	SecurityType string `json:"securityType"`
	Symbol       string `json:"symbol"`
}

type previewInstrument struct {
	Product      previewProduct `json:"Product"`
	OrderAction  string         `json:"orderAction"`
	QuantityType string         `json:"quantityType"`
	Quantity     float64        `json:"quantity"`
}

type previewOrderItem struct {
	AllOrNone  string              `json:"allOrNone"`
	PriceType  string              `json:"priceType"`
	OrderTerm  string              `json:"orderTerm"`
	Instrument []previewInstrument `json:"Instrument"`
	LimitPrice *float64            `json:"limitPrice,omitempty"`
	StopPrice  *float64            `json:"stopPrice,omitempty"`
}

type previewOrderRequest struct {
	OrderType     string             `json:"orderType"`
	ClientOrderID string             `json:"clientOrderId"`
	Order         []previewOrderItem `json:"Order"`
}

type previewPayload struct {
	PreviewOrderRequest previewOrderRequest `json:"PreviewOrderRequest"`
}

type previewIDRef struct {
	PreviewID string `json:"previewId"`
}

// placeOrderRequest is the preview request replayed with the previewIds the
// preview step returned.
type placeOrderRequest struct {
	previewOrderRequest
	PreviewIDs []previewIDRef `json:"previewIds"`
}

type placePayload struct {
	PlaceOrderRequest placeOrderRequest `json:"PlaceOrderRequest"`
}

func buildPreviewOrder(req *core.OrderRequest) previewOrderRequest {
	item := previewOrderItem{
		AllOrNone: "false",
		PriceType: priceType(req),
		OrderTerm: orderTerm(req.TIF),
		Instrument: []previewInstrument{{
			Product: previewProduct{
				SecurityType: "EQ",
				Symbol:       strings.ToUpper(req.Symbol),
			},
			OrderAction:  orderAction(req.Side),
			QuantityType: "QUANTITY",
			Quantity:     math.Abs(req.Qty),
		}},
		LimitPrice: req.Limit,
		StopPrice:  req.Stop,
	}
	return previewOrderRequest{
		OrderType:     "EQ",
		ClientOrderID: req.ClientOrderID,
		Order:         []previewOrderItem{item},
	}
}

// PlaceOrder implements core.IProvider. Every order runs the mandatory
// two-step dance: preview, then place with the returned previewId.
func (p *Provider) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.PlaceResult, error) {
	accountKey, err := p.requireAccountKey(ctx)
	if err != nil {
		return nil, err
	}

	preview := buildPreviewOrder(req)

	var previewResp map[string]any
	path := "/v1/accounts/" + accountKey + "/orders/preview"
	if err := p.postJSON(ctx, path, previewPayload{PreviewOrderRequest: preview}, "order_preview", &previewResp); err != nil {
		return nil, err
	}
	previewID := extractPreviewID(previewResp)
	if previewID == "" {
		return nil, apperrors.Rejected("order preview failed: previewId missing in response",
			apperrors.WithDetail("operation", "order_preview"))
	}

	place := placePayload{PlaceOrderRequest: placeOrderRequest{
		previewOrderRequest: preview,
		PreviewIDs:          []previewIDRef{{PreviewID: previewID}},
	}}
	var placeResp map[string]any
	if err := p.postJSON(ctx, "/v1/accounts/"+accountKey+"/orders/place", place, "order_place", &placeResp); err != nil {
		return nil, err
	}

	return &core.PlaceResult{
		BrokerOrderID: asInt64(extractOrderID(placeResp)),
		Status:        normalizeOrderStatus(extractPlaceStatus(placeResp)),
	}, nil
}

// PlaceBracket implements core.IProvider. E*Trade has no linked-order
// support; callers should gate on the bracket_orders capability.
func (p *Provider) PlaceBracket(ctx context.Context, req *core.OrderRequest, takeProfit, stopLoss float64) (*core.BracketResult, error) {
	return nil, apperrors.InvalidArgs("provider does not support bracket orders")
}

// CancelOrder implements core.IProvider. A broker order id cancels
// directly; a client order id is resolved by scanning the orders list.
func (p *Provider) CancelOrder(ctx context.Context, clientOrderID string, brokerOrderID *int64) (*core.CancelResult, error) {
	accountKey, err := p.requireAccountKey(ctx)
	if err != nil {
		return nil, err
	}

	var orderID string
	switch {
	case brokerOrderID != nil:
		orderID = strconv.FormatInt(*brokerOrderID, 10)
	case strings.TrimSpace(clientOrderID) != "":
		orderID, err = p.findOrderIDByClientID(ctx, clientOrderID)
		if err != nil {
			return nil, err
		}
	default:
		return nil, apperrors.InvalidArgs("cancel_order requires client_order_id or ib_order_id")
	}

	if orderID == "" {
		return &core.CancelResult{Cancelled: false}, nil
	}

	payload := map[string]any{"CancelOrderRequest": map[string]any{"orderId": orderID}}
	var response map[string]any
	if err := p.putJSON(ctx, "/v1/accounts/"+accountKey+"/orders/cancel", payload, "cancel_order", &response); err != nil {
		return nil, err
	}

	return &core.CancelResult{
		Cancelled:     extractCancelled(response),
		BrokerOrderID: asInt64(orderID),
	}, nil
}

// CancelAll implements core.IProvider. Not offered by the E*Trade API.
func (p *Provider) CancelAll(ctx context.Context) error {
	return apperrors.InvalidArgs("provider does not support cancel all")
}

type orderListResponse struct {
	OrdersResponse struct {
		Order flexList[orderRow] `json:"Order"`
	} `json:"OrdersResponse"`
}

type orderRow struct {
	OrderID         flexString            `json:"orderId"`
	ClientOrderID   flexString            `json:"clientOrderId"`
	Status          string                `json:"status"`
	Symbol          string                `json:"symbol"`
	OrderedQuantity flexFloat             `json:"orderedQuantity"`
	FilledQuantity  flexFloat             `json:"filledQuantity"`
	AvgExecPrice    flexFloat             `json:"averageExecutionPrice"`
	OrderDetail     flexList[orderDetail] `json:"OrderDetail"`
}

type orderDetail struct {
	OrderID         flexString                `json:"orderId"`
	ClientOrderID   flexString                `json:"clientOrderId"`
	Status          string                    `json:"status"`
	Symbol          string                    `json:"symbol"`
	OrderAction     string                    `json:"orderAction"`
	OrderedQuantity flexFloat                 `json:"orderedQuantity"`
	FilledQuantity  flexFloat                 `json:"filledQuantity"`
	AvgExecPrice    flexFloat                 `json:"averageExecutionPrice"`
	ExecutedPrice   flexFloat                 `json:"executedPrice"`
	Instrument      flexList[orderInstrument] `json:"Instrument"`
}

type orderInstrument struct {
	Product     productInfo `json:"Product"`
	OrderAction string      `json:"orderAction"`
	Quantity    flexFloat   `json:"quantity"`
}

type parsedOrder struct {
	orderID       string
	clientOrderID string
	symbol        string
	status        string
	action        string
	qty           float64
	filled        float64
	remaining     float64
	avgFillPrice  float64
}

// parseOrderRow flattens one orders-list row. Fields live at inconsistent
// depths, so each one walks instrument, detail and row in that order.
func parseOrderRow(row orderRow) parsedOrder {
	var detail orderDetail
	if len(row.OrderDetail) > 0 {
		detail = row.OrderDetail[0]
	}
	var instrument orderInstrument
	if len(detail.Instrument) > 0 {
		instrument = detail.Instrument[0]
	}

	parsed := parsedOrder{
		orderID:       firstString(string(row.OrderID), string(detail.OrderID)),
		clientOrderID: firstString(string(row.ClientOrderID), string(detail.ClientOrderID)),
		symbol:        strings.ToUpper(firstString(instrument.Product.Symbol, detail.Symbol, row.Symbol)),
		status:        firstString(row.Status, detail.Status),
		action:        firstString(instrument.OrderAction, detail.OrderAction),
	}

	if v := firstNonzero(instrument.Quantity, detail.OrderedQuantity, row.OrderedQuantity); v != nil {
		parsed.qty = *v
	}
	if v := firstNonzero(detail.FilledQuantity, row.FilledQuantity); v != nil {
		parsed.filled = *v
	}
	if v := firstNonzero(detail.AvgExecPrice, detail.ExecutedPrice, row.AvgExecPrice); v != nil {
		parsed.avgFillPrice = *v
	}
	parsed.remaining = math.Max(parsed.qty-parsed.filled, 0)
	return parsed
}

func (p *Provider) listOrders(ctx context.Context) ([]orderRow, error) {
	accountKey, err := p.requireAccountKey(ctx)
	if err != nil {
		return nil, err
	}
	var payload orderListResponse
	if err := p.getJSON(ctx, "/v1/accounts/"+accountKey+"/orders", nil, "orders_list", &payload); err != nil {
		return nil, err
	}
	return payload.OrdersResponse.Order, nil
}

func (p *Provider) findOrderIDByClientID(ctx context.Context, clientOrderID string) (string, error) {
	wanted := strings.TrimSpace(clientOrderID)
	if wanted == "" {
		return "", nil
	}
	rows, err := p.listOrders(ctx)
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		parsed := parseOrderRow(row)
		if parsed.clientOrderID != wanted {
			continue
		}
		if parsed.orderID != "" {
			return parsed.orderID, nil
		}
	}
	return "", nil
}

// Trades implements core.IProvider by flattening the orders list.
func (p *Provider) Trades(ctx context.Context) ([]core.TradeUpdate, error) {
	rows, err := p.listOrders(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]core.TradeUpdate, 0, len(rows))
	for _, row := range rows {
		parsed := parseOrderRow(row)
		update := core.TradeUpdate{
			BrokerOrderID: asInt64(parsed.orderID),
			ClientOrderID: parsed.clientOrderID,
			Symbol:        parsed.symbol,
			Side:          sideFromAction(parsed.action),
			Status:        normalizeOrderStatus(parsed.status),
			Qty:           parsed.qty,
			Filled:        parsed.filled,
			Remaining:     parsed.remaining,
		}
		if parsed.avgFillPrice > 0 {
			update.AvgFillPrice = core.Float64Ptr(parsed.avgFillPrice)
		}
		out = append(out, update)
	}
	return out, nil
}

// Fills implements core.IProvider. With no executions endpoint the orders
// list stands in: one synthetic fill per filled or partially filled order,
// keyed by the broker order id.
func (p *Provider) Fills(ctx context.Context) ([]core.FillRecord, error) {
	rows, err := p.listOrders(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]core.FillRecord, 0, len(rows))
	for _, row := range rows {
		parsed := parseOrderRow(row)
		status := normalizeOrderStatus(parsed.status)
		if status != core.StatusFilled && parsed.filled <= 0 {
			continue
		}
		qty := parsed.filled
		if qty <= 0 {
			qty = parsed.qty
		}
		out = append(out, core.FillRecord{
			FillID:        parsed.orderID,
			ClientOrderID: parsed.clientOrderID,
			BrokerOrderID: asInt64(parsed.orderID),
			Symbol:        parsed.symbol,
			Qty:           qty,
			Price:         parsed.avgFillPrice,
			Timestamp:     now,
		})
	}
	return out, nil
}

func sideFromAction(action string) core.Side {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(action)), "SELL") {
		return core.SideSell
	}
	return core.SideBuy
}

func extractPreviewID(payload map[string]any) string {
	response, _ := payload["PreviewOrderResponse"].(map[string]any)
	if response == nil {
		return ""
	}
	for _, item := range asList(response["PreviewIds"]) {
		if m, ok := item.(map[string]any); ok {
			if id := stringValue(m["previewId"], m["PreviewId"]); id != "" {
				return id
			}
			continue
		}
		if id := stringValue(item); id != "" {
			return id
		}
	}
	return stringValue(response["previewId"], response["PreviewId"])
}

func extractOrderID(payload map[string]any) string {
	response, _ := payload["PlaceOrderResponse"].(map[string]any)
	if response == nil {
		return ""
	}
	for _, item := range asList(response["OrderIds"]) {
		if m, ok := item.(map[string]any); ok {
			if id := stringValue(m["orderId"], m["OrderId"]); id != "" {
				return id
			}
			continue
		}
		if id := stringValue(item); id != "" {
			return id
		}
	}
	return stringValue(response["orderId"], response["OrderId"])
}

func extractPlaceStatus(payload map[string]any) string {
	response, _ := payload["PlaceOrderResponse"].(map[string]any)
	if response == nil {
		return "Submitted"
	}
	if status := stringValue(response["orderStatus"], response["OrderStatus"], response["status"], response["Status"]); status != "" {
		return status
	}
	return "Submitted"
}

func extractCancelled(payload map[string]any) bool {
	response, _ := payload["CancelOrderResponse"].(map[string]any)
	if response == nil {
		return true
	}
	for _, key := range []string{"cancelStatus", "CancelStatus", "status", "Status"} {
		value, ok := response[key]
		if !ok || value == nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(stringValue(value))) {
		case "success", "ok", "cancelled", "canceled":
			return true
		case "failed", "error":
			return false
		}
	}
	return true
}
