package etrade

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"brokerd/internal/core"
	apperrors "brokerd/pkg/errors"
)

type quoteResponse struct {
	QuoteResponse struct {
		QuoteData flexList[quoteRow] `json:"QuoteData"`
	} `json:"QuoteResponse"`
}

type quoteRow struct {
	Symbol  string       `json:"symbol"`
	All     quoteAllData `json:"All"`
	Product productInfo  `json:"Product"`
}

type quoteAllData struct {
	Bid         flexFloat `json:"bid"`
	Ask         flexFloat `json:"ask"`
	LastTrade   flexFloat `json:"lastTrade"`
	TotalVolume flexFloat `json:"totalVolume"`
}

// Quote implements core.IProvider. Symbols are fetched in batches of 25,
// the documented per-request maximum. The intent hint is unused: the API
// returns whatever fields the session is entitled to in one shot.
func (p *Provider) Quote(ctx context.Context, symbols []string, intent core.QuoteIntent) ([]*core.Quote, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}

	cleaned := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if trimmed := strings.ToUpper(strings.TrimSpace(symbol)); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return []*core.Quote{}, nil
	}

	out := make([]*core.Quote, 0, len(cleaned))
	for start := 0; start < len(cleaned); start += quoteBatchSize {
		end := min(start+quoteBatchSize, len(cleaned))
		group := cleaned[start:end]

		var payload quoteResponse
		path := "/v1/market/quote/" + strings.Join(group, ",")
		if err := p.getJSON(ctx, path, map[string]string{"detailFlag": "ALL"}, "quote", &payload); err != nil {
			return nil, err
		}

		for _, row := range payload.QuoteResponse.QuoteData {
			symbol := strings.ToUpper(firstString(row.Product.Symbol, row.Symbol))
			if symbol == "" {
				continue
			}
			quote := core.NewQuote(symbol)
			quote.Bid = row.All.Bid.Ptr()
			quote.Ask = row.All.Ask.Ptr()
			quote.Last = row.All.LastTrade.Ptr()
			quote.Volume = row.All.TotalVolume.Ptr()
			if exchange := strings.TrimSpace(row.Product.Exchange); exchange != "" {
				quote.Exchange = &exchange
			}
			if currency := strings.TrimSpace(row.Product.Currency); currency != "" {
				quote.Currency = currency
			}
			out = append(out, quote)
		}
	}
	return out, nil
}

// QuoteCapabilities implements core.IProvider. E*Trade has no per-symbol
// availability probe: an entitled session gets real-time snapshots and an
// unentitled one gets nothing, so only the blanket support map is reported.
func (p *Provider) QuoteCapabilities(ctx context.Context, symbols []string, refresh bool) (*core.ProviderQuoteCapabilities, error) {
	return &core.ProviderQuoteCapabilities{
		Provider: "etrade",
		Supports: map[string]bool{
			"live":           true,
			"delayed":        false,
			"delayed_frozen": false,
		},
		Symbols:   map[string]core.QuoteCapabilitySnapshot{},
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// History implements core.IProvider. The E*Trade REST API has no bar
// endpoint; callers should gate on the history capability.
func (p *Provider) History(ctx context.Context, symbol, period, barSize string, rthOnly bool) ([]core.Bar, error) {
	return nil, apperrors.InvalidArgs("provider does not support historical bars")
}

type expiryPrefix struct {
	digits string
	year   int
	month  int
	day    int
}

// parseExpiryPrefix validates an expiry filter of the form YYYY, YYYY-MM or
// YYYY-MM-DD (separators are ignored). A nil result means no filter.
func parseExpiryPrefix(raw string) (*expiryPrefix, error) {
	digits := digitsOnly(raw)
	if digits == "" {
		return nil, nil
	}
	if len(digits) != 4 && len(digits) != 6 && len(digits) != 8 {
		return nil, apperrors.InvalidArgs(fmt.Sprintf("invalid expiry '%s'", raw),
			apperrors.WithSuggestion("Use expiry like YYYY, YYYY-MM, or YYYY-MM-DD."))
	}

	prefix := &expiryPrefix{digits: digits}
	prefix.year, _ = strconv.Atoi(digits[:4])
	if len(digits) >= 6 {
		prefix.month, _ = strconv.Atoi(digits[4:6])
		if prefix.month < 1 || prefix.month > 12 {
			return nil, apperrors.InvalidArgs(fmt.Sprintf("invalid expiry month in '%s'", raw),
				apperrors.WithSuggestion("Use expiry like YYYY-MM with month 01-12."))
		}
	}
	if len(digits) == 8 {
		prefix.day, _ = strconv.Atoi(digits[6:8])
		if prefix.day < 1 || prefix.day > 31 {
			return nil, apperrors.InvalidArgs(fmt.Sprintf("invalid expiry day in '%s'", raw),
				apperrors.WithSuggestion("Use expiry like YYYY-MM-DD with day 01-31."))
		}
	}
	return prefix, nil
}

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, ch := range strings.TrimSpace(raw) {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

func chainType(right *core.OptionRight) string {
	if right == nil {
		return "CALLPUT"
	}
	if *right == core.RightPut {
		return "PUT"
	}
	return "CALL"
}

type chainResponse struct {
	OptionChainResponse map[string]any `json:"OptionChainResponse"`
}

// OptionChain implements core.IProvider. The expiry filter is forwarded as
// explicit year/month/day parameters and the strike range as the raw ratio
// pair; both are re-applied client side because the API treats them as
// hints rather than hard filters.
func (p *Provider) OptionChain(ctx context.Context, filter core.ChainFilter) (*core.OptionChain, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}

	symbol := strings.ToUpper(strings.TrimSpace(filter.Symbol))
	if symbol == "" {
		return nil, apperrors.InvalidArgs("symbol is required")
	}

	params := map[string]string{
		"symbol":         symbol,
		"optionCategory": "STANDARD",
		"chainType":      chainType(filter.Right),
		"includeWeekly":  "true",
		"skipAdjusted":   "true",
	}

	prefix, err := parseExpiryPrefix(filter.ExpiryPrefix)
	if err != nil {
		return nil, err
	}
	if prefix != nil {
		params["expiryYear"] = strconv.Itoa(prefix.year)
		if prefix.month != 0 {
			params["expiryMonth"] = strconv.Itoa(prefix.month)
		}
		if prefix.day != 0 {
			params["expiryDay"] = strconv.Itoa(prefix.day)
		}
	}
	if filter.StrikeRange != nil {
		params["strikeRange"] = fmt.Sprintf("%g:%g", filter.StrikeRange[0], filter.StrikeRange[1])
	}

	var payload chainResponse
	if err := p.getJSON(ctx, "/v1/market/optionchains", params, "option_chain", &payload); err != nil {
		return nil, err
	}

	body := payload.OptionChainResponse
	pairs := asMaps(body["OptionPair"])
	if len(pairs) == 0 {
		underlying := extractUnderlyingPrice(body)
		if underlying == nil {
			underlying = p.underlyingFromQuote(ctx, symbol)
		}
		return &core.OptionChain{Symbol: symbol, UnderlyingPrice: underlying, Entries: []core.OptionChainEntry{}}, nil
	}

	wantsCall := filter.Right == nil || *filter.Right == core.RightCall
	wantsPut := filter.Right == nil || *filter.Right == core.RightPut

	entries := make([]core.OptionChainEntry, 0, len(pairs)*2)
	for _, pair := range pairs {
		if wantsCall {
			if call, ok := pair["Call"].(map[string]any); ok {
				if entry := buildChainEntry(symbol, "C", call, pair, body); entry != nil {
					entries = append(entries, *entry)
				}
			}
		}
		if wantsPut {
			if put, ok := pair["Put"].(map[string]any); ok {
				if entry := buildChainEntry(symbol, "P", put, pair, body); entry != nil {
					entries = append(entries, *entry)
				}
			}
		}
	}

	underlying := extractUnderlyingPrice(body)
	if underlying == nil {
		underlying = p.underlyingFromQuote(ctx, symbol)
	}

	if prefix != nil {
		filtered := entries[:0]
		for _, entry := range entries {
			if strings.HasPrefix(strings.ReplaceAll(entry.Expiry, "-", ""), prefix.digits) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	if filter.StrikeRange != nil {
		minStrike, maxStrike := filter.StrikeRange[0], filter.StrikeRange[1]
		if underlying != nil {
			minStrike = *underlying * filter.StrikeRange[0]
			maxStrike = *underlying * filter.StrikeRange[1]
		}
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.Strike >= minStrike && entry.Strike <= maxStrike {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	return &core.OptionChain{Symbol: symbol, UnderlyingPrice: underlying, Entries: entries}, nil
}

// underlyingFromQuote is the spot-price fallback when the chain payload
// carries no underlier field.
func (p *Provider) underlyingFromQuote(ctx context.Context, symbol string) *float64 {
	quotes, err := p.Quote(ctx, []string{symbol}, core.IntentBestEffort)
	if err != nil || len(quotes) == 0 {
		return nil
	}
	first := quotes[0]
	switch {
	case first.Last != nil:
		return first.Last
	case first.Bid != nil:
		return first.Bid
	default:
		return first.Ask
	}
}

func buildChainEntry(symbol, right string, leg, pair, body map[string]any) *core.OptionChainEntry {
	strike := extractOptionStrike(leg, pair)
	expiry := extractOptionExpiry(leg, pair, body)
	if strike == nil || expiry == "" {
		return nil
	}

	greeks, _ := leg["OptionGreeks"].(map[string]any)

	return &core.OptionChainEntry{
		Symbol:     symbol,
		Right:      right,
		Strike:     *strike,
		Expiry:     expiry,
		Bid:        asFloat(leg["bid"]),
		Ask:        asFloat(leg["ask"]),
		ImpliedVol: firstFloat(greeks["iv"], leg["impliedVolatility"], leg["impliedVol"], leg["iv"]),
		Delta:      firstFloat(greeks["delta"], leg["delta"]),
		Gamma:      firstFloat(greeks["gamma"], leg["gamma"]),
		Theta:      firstFloat(greeks["theta"], leg["theta"]),
		Vega:       firstFloat(greeks["vega"], leg["vega"]),
	}
}

func extractOptionStrike(leg, pair map[string]any) *float64 {
	for _, value := range []any{leg["strikePrice"], leg["strike"], pair["strikePrice"], pair["strike"]} {
		if nested, ok := value.(map[string]any); ok {
			if parsed := firstFloat(nested["value"], nested["amount"], nested["displayValue"], nested["strike"]); parsed != nil {
				return parsed
			}
			continue
		}
		if parsed := asFloat(value); parsed != nil {
			return parsed
		}
	}
	return nil
}

func extractOptionExpiry(leg, pair, body map[string]any) string {
	for _, source := range []map[string]any{leg, pair, body} {
		if expiry := expiryFromMap(source); expiry != "" {
			return expiry
		}
	}
	return ""
}

// expiryFromMap tries the key conventions the API mixes across endpoints:
// bare year/month/day, the expiry*/expiration*/expire* triples, and nested
// date objects.
func expiryFromMap(value map[string]any) string {
	if value == nil {
		return ""
	}
	if direct := formatExpiry(value["year"], value["month"], value["day"]); direct != "" {
		return direct
	}
	for _, keys := range [][3]string{
		{"expiryYear", "expiryMonth", "expiryDay"},
		{"expirationYear", "expirationMonth", "expirationDay"},
		{"expireYear", "expireMonth", "expireDay"},
	} {
		if parsed := formatExpiry(value[keys[0]], value[keys[1]], value[keys[2]]); parsed != "" {
			return parsed
		}
	}
	for _, key := range []string{"selectedED", "SelectedED", "expiryDate", "expirationDate", "expireDate"} {
		if nested, ok := value[key].(map[string]any); ok {
			if parsed := expiryFromMap(nested); parsed != "" {
				return parsed
			}
		}
	}
	return ""
}

func formatExpiry(year, month, day any) string {
	y, m, d := asInt64(year), asInt64(month), asInt64(day)
	if y == nil || m == nil || d == nil {
		return ""
	}
	if *m < 1 || *m > 12 || *d < 1 || *d > 31 {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", *y, *m, *d)
}

func extractUnderlyingPrice(body map[string]any) *float64 {
	if body == nil {
		return nil
	}
	for _, key := range []string{"underlierPrice", "underlyingPrice", "underlier", "nearPrice", "lastPrice", "lastTrade"} {
		if parsed := asFloat(body[key]); parsed != nil {
			return parsed
		}
	}
	for _, row := range asMaps(body["QuoteData"]) {
		all, ok := row["All"].(map[string]any)
		if !ok {
			continue
		}
		if parsed := firstFloat(all["lastTrade"], all["bid"], all["ask"]); parsed != nil {
			return parsed
		}
	}
	return nil
}
