package server

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"brokerd/internal/core"
	"brokerd/internal/protocol"
	apperrors "brokerd/pkg/errors"
)

func unsupportedIntentError(raw string) *apperrors.Error {
	return apperrors.InvalidArgs(
		fmt.Sprintf("unsupported quote intent '%s'", raw),
		apperrors.WithDetail("valid_intents", core.ValidQuoteIntents()),
		apperrors.WithSuggestion("Use intent best_effort, top_of_book, or last_only."),
	)
}

func (s *Server) handleQuoteSnapshot(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	symbols := make([]string, 0)
	for _, symbol := range p.strings("symbols") {
		symbols = append(symbols, strings.ToUpper(symbol))
	}
	if len(symbols) == 0 {
		return nil, apperrors.InvalidArgs(
			"symbols is required and must contain at least one item",
			apperrors.WithSuggestion("Example: broker quote AAPL MSFT"),
		)
	}

	intentRaw := strings.ToLower(p.str("intent", string(s.marketData.DefaultIntent())))
	intent, err := core.ParseQuoteIntent(intentRaw)
	if err != nil {
		return nil, unsupportedIntentError(intentRaw)
	}

	quotes, err := s.marketData.Quote(ctx, symbols, intent, p.boolean("force"))
	if err != nil {
		return nil, err
	}
	capabilities, cacheMeta, err := s.marketData.CapabilitiesWithMeta(ctx, symbols, false)
	if err != nil {
		return nil, err
	}
	if quotes == nil {
		quotes = []*core.Quote{}
	}
	return map[string]any{
		"quotes":                      quotes,
		"intent":                      string(intent),
		"provider_capabilities":       capabilities,
		"provider_capabilities_cache": cacheMeta,
	}, nil
}

func (s *Server) handleMarketCapabilities(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	var symbols []string
	for _, symbol := range p.strings("symbols") {
		if trimmed := strings.TrimSpace(symbol); trimmed != "" {
			symbols = append(symbols, strings.ToUpper(trimmed))
		}
	}

	capabilities, cacheMeta, err := s.marketData.CapabilitiesWithMeta(ctx, symbols, p.boolean("refresh"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"capabilities": capabilities,
		"cache":        cacheMeta,
	}, nil
}

func (s *Server) handleMarketHistory(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	symbol, err := p.requireStr("symbol")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	period := p.str("period", "30d")
	bar := p.str("bar", "1h")

	bars, err := s.provider.History(ctx, symbol, period, bar, p.boolean("rth_only"))
	if err != nil {
		return nil, err
	}
	if p.boolean("strict") && len(bars) == 0 {
		return nil, apperrors.InvalidSymbol(
			fmt.Sprintf("no historical bars returned for symbol '%s'", symbol),
			apperrors.WithDetails(map[string]any{"symbol": symbol, "period": period, "bar": bar}),
			apperrors.WithSuggestion("Use a valid symbol or disable strict mode with --no-strict."),
		)
	}
	if bars == nil {
		bars = []core.Bar{}
	}
	return map[string]any{"bars": bars}, nil
}

func (s *Server) handleMarketChain(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	rawStrikeRange := p["strike_range"]
	if rawStrikeRange == nil {
		rawStrikeRange = "0.9:1.1"
	}
	strikeRange, err := parseStrikeRange(rawStrikeRange)
	if err != nil {
		return nil, err
	}

	var right *core.OptionRight
	if p.has("type") {
		parsed, err := core.ParseOptionRight(p.str("type", ""))
		if err != nil {
			return nil, apperrors.InvalidArgs(
				fmt.Sprintf("unsupported option type '%s'", p.str("type", "")),
				apperrors.WithDetail("valid_types", []string{"call", "put"}),
				apperrors.WithSuggestion("Use --type call or --type put"),
			)
		}
		right = &parsed
	}

	limitRaw := p["limit"]
	if limitRaw == nil {
		limitRaw = 200
	}
	limit, err := parsePositiveInt(limitRaw, "limit", 1)
	if err != nil {
		return nil, err
	}
	offsetRaw := p["offset"]
	if offsetRaw == nil {
		offsetRaw = 0
	}
	offset, err := parsePositiveInt(offsetRaw, "offset", 0)
	if err != nil {
		return nil, err
	}

	fields, err := parseChainFields(p["fields"])
	if err != nil {
		return nil, err
	}

	symbol, err := p.requireStr("symbol")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)

	chain, err := s.provider.OptionChain(ctx, core.ChainFilter{
		Symbol:       symbol,
		ExpiryPrefix: p.str("expiry", ""),
		StrikeRange:  strikeRange,
		Right:        right,
	})
	if err != nil {
		return nil, err
	}

	total := len(chain.Entries)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	var entries any
	returned := end - start
	if fields != nil {
		projected := make([]map[string]any, 0, returned)
		for _, entry := range chain.Entries[start:end] {
			projected = append(projected, projectChainEntry(entry, fields))
		}
		entries = projected
	} else {
		entries = chain.Entries[start:end]
	}

	if p.boolean("strict") && returned == 0 {
		return nil, apperrors.InvalidSymbol(
			fmt.Sprintf("no option contracts matched filters for '%s'", symbol),
			apperrors.WithDetails(map[string]any{
				"symbol":       symbol,
				"expiry":       p["expiry"],
				"strike_range": rawStrikeRange,
				"offset":       offset,
				"limit":        limit,
			}),
			apperrors.WithSuggestion("Relax filters, increase --limit, or disable strict mode with --no-strict."),
		)
	}

	payload := map[string]any{
		"symbol":           chain.Symbol,
		"underlying_price": chain.UnderlyingPrice,
		"entries":          entries,
		"pagination": map[string]any{
			"total_entries":    total,
			"offset":           offset,
			"limit":            limit,
			"returned_entries": returned,
		},
	}
	if fields != nil {
		payload["fields"] = fields
	}
	return payload, nil
}

// projectChainEntry narrows one chain row to the selected columns.
func projectChainEntry(entry core.OptionChainEntry, fields []string) map[string]any {
	full := map[string]any{
		"symbol":      entry.Symbol,
		"right":       entry.Right,
		"strike":      entry.Strike,
		"expiry":      entry.Expiry,
		"bid":         entry.Bid,
		"ask":         entry.Ask,
		"implied_vol": entry.ImpliedVol,
		"delta":       entry.Delta,
		"gamma":       entry.Gamma,
		"theta":       entry.Theta,
		"vega":        entry.Vega,
	}
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		out[field] = full[field]
	}
	return out
}

// sortedUnique uppercases, dedups and sorts a symbol list.
func sortedUnique(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		upper := strings.ToUpper(symbol)
		if upper == "" {
			continue
		}
		if _, dup := seen[upper]; dup {
			continue
		}
		seen[upper] = struct{}{}
		out = append(out, upper)
	}
	sort.Strings(out)
	return out
}
