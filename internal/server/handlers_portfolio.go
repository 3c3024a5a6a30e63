package server

import (
	"context"
	"fmt"
	"strings"

	"brokerd/internal/core"
	"brokerd/internal/protocol"
	apperrors "brokerd/pkg/errors"
)

func (s *Server) handlePortfolioPositions(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	positions, err := s.provider.Positions(ctx)
	if err != nil {
		return nil, err
	}
	if symbol := strings.ToUpper(strings.TrimSpace(p.str("symbol", ""))); symbol != "" {
		filtered := positions[:0]
		for _, position := range positions {
			if strings.ToUpper(position.Symbol) == symbol {
				filtered = append(filtered, position)
			}
		}
		positions = filtered
	}
	if positions == nil {
		positions = []core.Position{}
	}
	return map[string]any{"positions": positions}, nil
}

func (s *Server) handlePortfolioBalance(ctx context.Context, req *protocol.Request) (any, error) {
	balance, err := s.provider.Balance(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"balance": balance}, nil
}

func (s *Server) handlePortfolioPnL(ctx context.Context, req *protocol.Request) (any, error) {
	pnl, err := s.provider.PnL(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pnl": pnl}, nil
}

func exposureGroupError(raw string) *apperrors.Error {
	valid := core.ValidExposureGroups()
	return apperrors.InvalidArgs(
		fmt.Sprintf("unsupported exposure grouping '%s'", raw),
		apperrors.WithDetail("valid_groups", valid),
		apperrors.WithSuggestion("Use --by one of: "+strings.Join(valid, ", ")),
	)
}

func (s *Server) handlePortfolioExposure(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	group := strings.ToLower(p.str("by", "symbol"))
	if !core.IsValidExposureGroup(group) {
		return nil, exposureGroupError(group)
	}
	exposure, err := s.provider.Exposure(ctx, group)
	if err != nil {
		return nil, err
	}
	if exposure == nil {
		exposure = []core.ExposureEntry{}
	}
	return map[string]any{"exposure": exposure, "by": group}, nil
}

// handlePortfolioSnapshot aggregates the read-side views one round trip
// would otherwise take six commands to collect. The three provider reads
// fan out on the worker pool; optional pieces degrade to an error note
// instead of failing the whole snapshot.
func (s *Server) handlePortfolioSnapshot(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	var (
		positions      []core.Position
		balance        *core.Balance
		pnl            *core.PnLSummary
		posErr, balErr error
		pnlErr         error
	)
	s.workers.Gather(
		func() { positions, posErr = s.provider.Positions(ctx) },
		func() { balance, balErr = s.provider.Balance(ctx) },
		func() { pnl, pnlErr = s.provider.PnL(ctx) },
	)
	for _, err := range []error{posErr, balErr, pnlErr} {
		if err != nil {
			return nil, err
		}
	}
	if positions == nil {
		positions = []core.Position{}
	}

	snapshot := map[string]any{
		"positions":   positions,
		"balance":     balance,
		"pnl":         pnl,
		"risk_limits": s.risk.Snapshot(),
		"connection":  s.provider.Status(),
	}

	symbols := p.strings("symbols")
	if len(symbols) == 0 {
		for _, position := range positions {
			symbols = append(symbols, position.Symbol)
		}
	}
	symbols = sortedUnique(symbols)
	if len(symbols) > 0 {
		intentRaw := strings.ToLower(p.str("intent", string(s.marketData.DefaultIntent())))
		intent, err := core.ParseQuoteIntent(intentRaw)
		if err != nil {
			return nil, unsupportedIntentError(intentRaw)
		}
		quotes, err := s.marketData.Quote(ctx, symbols, intent, p.boolean("force"))
		if err != nil {
			snapshot["quotes_error"] = apperrors.Ensure(err).Payload()
		} else {
			snapshot["quotes"] = quotes
		}
	}

	group := strings.ToLower(p.str("exposure_by", "symbol"))
	if !core.IsValidExposureGroup(group) {
		return nil, exposureGroupError(group)
	}
	if s.provider.Capabilities().Has(core.CapExposure) {
		exposure, err := s.provider.Exposure(ctx, group)
		if err != nil {
			snapshot["exposure_error"] = apperrors.Ensure(err).Payload()
		} else {
			snapshot["exposure"] = exposure
			snapshot["exposure_by"] = group
		}
	}
	return snapshot, nil
}
