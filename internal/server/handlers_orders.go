package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"brokerd/internal/core"
	"brokerd/internal/protocol"
	apperrors "brokerd/pkg/errors"
)

// orderStatusFilters are the list filters beyond the literal status values.
var orderStatusFilters = []string{"all", "active", "filled", "cancelled"}

func (s *Server) handleOrderPlace(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	orderReq, err := orderRequestFromParams(p)
	if err != nil {
		return nil, err
	}

	if p.boolean("dry_run") {
		preview, result, err := s.orders.DryRun(ctx, orderReq)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"order":          preview,
			"dry_run":        true,
			"risk_check":     result,
			"submit_allowed": result.OK,
		}, nil
	}

	record, err := s.orders.PlaceOrder(ctx, orderReq)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"order":          record,
		"dry_run":        false,
		"risk_check":     record.RiskCheckResult,
		"submit_allowed": true,
	}, nil
}

func (s *Server) handleOrderBracket(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	sideRaw, err := p.requireStr("side")
	if err != nil {
		return nil, err
	}
	side, err := core.ParseSide(sideRaw)
	if err != nil {
		return nil, apperrors.InvalidArgs(err.Error(), apperrors.WithSuggestion(paramsSuggestion))
	}
	symbol, err := p.requireStr("symbol")
	if err != nil {
		return nil, err
	}
	qty, err := p.requireFloat("qty")
	if err != nil {
		return nil, err
	}
	entry, err := p.requireFloat("entry")
	if err != nil {
		return nil, err
	}
	takeProfit, err := p.requireFloat("tp")
	if err != nil {
		return nil, err
	}
	stopLoss, err := p.requireFloat("sl")
	if err != nil {
		return nil, err
	}
	tif, err := core.ParseTIF(p.str("tif", ""))
	if err != nil {
		return nil, apperrors.InvalidArgs(err.Error(), apperrors.WithSuggestion(paramsSuggestion))
	}
	if qty <= 0 {
		return nil, apperrors.InvalidArgs("qty must be positive", apperrors.WithSuggestion(paramsSuggestion))
	}

	outcome, err := s.orders.PlaceBracket(ctx, side, symbol, qty, entry, takeProfit, stopLoss, tif)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Server) handleOrderStatus(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	orderID, err := p.requireStr("order_id")
	if err != nil {
		return nil, err
	}
	record, trade, err := s.orders.OrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case record != nil:
		return map[string]any{"order": record}, nil
	case trade != nil:
		return map[string]any{"order": trade}, nil
	default:
		return map[string]any{"order": nil}, nil
	}
}

func (s *Server) handleOrdersList(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	status := strings.ToLower(p.str("status", "all"))
	if !validOrderStatusFilter(status) {
		return nil, apperrors.InvalidArgs(
			fmt.Sprintf("unsupported status filter '%s'", status),
			apperrors.WithDetail("valid_filters", orderStatusFilters),
			apperrors.WithSuggestion("Use --status one of: "+strings.Join(orderStatusFilters, ", ")),
		)
	}
	since, err := parseSince(p.str("since", ""))
	if err != nil {
		return nil, err
	}

	records := s.orders.ListOrders(status)
	if since != nil {
		filtered := records[:0]
		for _, record := range records {
			if !record.SubmittedAt.Before(*since) {
				filtered = append(filtered, record)
			}
		}
		records = filtered
	}
	if records == nil {
		records = []*core.OrderRecord{}
	}
	return map[string]any{"orders": records}, nil
}

func (s *Server) handleOrderCancel(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	orderID, err := p.requireStr("order_id")
	if err != nil {
		return nil, err
	}
	outcome, err := s.orders.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// handleOrdersCancelAll requires an explicit confirm flag; sweeping the
// whole working set is not a default anyone should hit by accident.
func (s *Server) handleOrdersCancelAll(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	if !p.boolean("confirm") {
		return nil, apperrors.InvalidArgs(
			"cancel_all requires confirmation",
			apperrors.WithSuggestion("Re-run with --confirm to cancel every active order."),
		)
	}
	outcome, err := s.orders.CancelAll(ctx)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Server) handleFillsList(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	since, err := parseSince(p.str("since", ""))
	if err != nil {
		return nil, err
	}
	fills, err := s.orders.ListFills(ctx, p.str("symbol", ""))
	if err != nil {
		return nil, err
	}
	if since != nil {
		filtered := fills[:0]
		for _, fill := range fills {
			if !fill.Timestamp.Before(*since) {
				filtered = append(filtered, fill)
			}
		}
		fills = filtered
	}
	if fills == nil {
		fills = []core.FillRecord{}
	}
	return map[string]any{"fills": fills}, nil
}

func validOrderStatusFilter(status string) bool {
	for _, filter := range orderStatusFilters {
		if status == filter {
			return true
		}
	}
	for _, literal := range []core.OrderStatus{
		core.StatusSubmitted, core.StatusAcknowledged, core.StatusPendingSubmit,
		core.StatusPreSubmitted, core.StatusRejected, core.StatusInactive,
	} {
		if strings.EqualFold(string(literal), status) {
			return true
		}
	}
	return false
}

// parseSince accepts an RFC3339 timestamp or a bare date.
func parseSince(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, apperrors.InvalidArgs(
		fmt.Sprintf("invalid since timestamp '%s'", raw),
		apperrors.WithSuggestion("Use RFC3339, e.g. 2026-08-25T14:00:00Z, or a date like 2026-08-25."),
	)
}
