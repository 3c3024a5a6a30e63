package ib

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"brokerd/internal/core"
	"brokerd/internal/provider/base"
	apperrors "brokerd/pkg/errors"
	pkghttp "brokerd/pkg/http"
)

// Snapshot field ids: last, bid, ask, volume, market-data availability.
const (
	fieldLast         = "31"
	fieldBid          = "84"
	fieldAsk          = "86"
	fieldVolume       = "87"
	fieldAvailability = "6509"
)

var snapshotFields = strings.Join([]string{fieldLast, fieldBid, fieldAsk, fieldVolume, fieldAvailability}, ",")

// Gateway wire values for the accepted history windows and bar sizes.
var (
	historyPeriods = map[string]string{
		"1d":  "1d",
		"5d":  "5d",
		"30d": "1m",
		"90d": "3m",
		"1y":  "1y",
	}
	historyBars = map[string]string{
		"1m":  "1min",
		"5m":  "5min",
		"15m": "15min",
		"1h":  "1h",
		"1d":  "1d",
	}
)

type contractInfo struct {
	conid    int64
	exchange string
	months   []string
}

type searchSection struct {
	SecType string `json:"secType"`
	Months  string `json:"months"`
}

type searchRow struct {
	Conid       json.Number     `json:"conid"`
	Symbol      string          `json:"symbol"`
	Description string          `json:"description"`
	Sections    []searchSection `json:"sections"`
}

// resolveContract maps a symbol to its gateway contract, caching hits for
// the session. The second return is false when the gateway knows no such
// symbol.
func (p *Provider) resolveContract(ctx context.Context, symbol string) (contractInfo, bool, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))

	p.mu.Lock()
	info, ok := p.contracts[sym]
	p.mu.Unlock()
	if ok {
		return info, true, nil
	}

	body, err := p.get(ctx, "/iserver/secdef/search", map[string]string{"symbol": sym})
	if err != nil {
		return contractInfo{}, false, err
	}
	var rows []searchRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return contractInfo{}, false, err
	}
	if len(rows) == 0 {
		return contractInfo{}, false, nil
	}

	row := rows[0]
	for _, candidate := range rows {
		if strings.EqualFold(candidate.Symbol, sym) {
			row = candidate
			break
		}
	}
	conid, err := row.Conid.Int64()
	if err != nil {
		return contractInfo{}, false, fmt.Errorf("bad conid for symbol %s: %w", sym, err)
	}

	info = contractInfo{conid: conid, exchange: row.Description}
	for _, section := range row.Sections {
		if section.SecType == "OPT" && section.Months != "" {
			info.months = strings.Split(section.Months, ";")
		}
	}

	p.mu.Lock()
	p.contracts[sym] = info
	p.mu.Unlock()
	return info, true, nil
}

// Quote implements core.IProvider. Deficient symbols are re-requested once
// because the gateway returns sparse rows until its snapshot warms up.
func (p *Provider) Quote(ctx context.Context, symbols []string, intent core.QuoteIntent) ([]*core.Quote, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	quotes, err := p.fetchQuotes(ctx, symbols, intent)
	if err != nil {
		return nil, base.MapError("quote", err, apperrors.CodeIBRejected,
			"Confirm market data permissions and symbol validity.")
	}
	return quotes, nil
}

// quoteSlot tracks one requested symbol through the snapshot passes.
type quoteSlot struct {
	symbol string
	info   contractInfo
	known  bool
	row    map[string]any
}

func (p *Provider) fetchQuotes(ctx context.Context, symbols []string, intent core.QuoteIntent) ([]*core.Quote, error) {
	slots := make([]*quoteSlot, 0, len(symbols))
	byConid := map[int64]*quoteSlot{}
	conids := make([]int64, 0, len(symbols))
	for _, symbol := range symbols {
		info, known, err := p.resolveContract(ctx, symbol)
		if err != nil {
			return nil, err
		}
		s := &quoteSlot{symbol: strings.ToUpper(strings.TrimSpace(symbol)), info: info, known: known}
		slots = append(slots, s)
		if known {
			byConid[info.conid] = s
			conids = append(conids, info.conid)
		}
	}

	if len(conids) > 0 {
		rows, err := p.snapshot(ctx, conids)
		if err != nil {
			return nil, err
		}
		assignRows(rows, byConid)

		retry := deficientConids(slots, intent)
		if len(retry) > 0 {
			time.Sleep(150 * time.Millisecond)
			rows, err = p.snapshot(ctx, retry)
			if err != nil {
				return nil, err
			}
			assignRows(rows, byConid)
		}
	}

	out := make([]*core.Quote, 0, len(slots))
	for _, s := range slots {
		quote := core.NewQuote(s.symbol)
		if s.info.exchange != "" {
			exchange := s.info.exchange
			quote.Exchange = &exchange
		}
		if s.row != nil {
			quote.Last = parseSnapshotValue(s.row[fieldLast])
			quote.Bid = parseSnapshotValue(s.row[fieldBid])
			quote.Ask = parseSnapshotValue(s.row[fieldAsk])
			quote.Volume = parseSnapshotValue(s.row[fieldVolume])
			mdType := parseAvailability(s.row[fieldAvailability])
			quote.Meta.MarketDataType = mdType
			quote.Meta.Source = sourceForMarketDataType(mdType)
		}
		quote.Meta.FallbackUsed = quote.Meta.Source != "live"
		quote.Meta.Fields = core.QuoteFieldAvailability{
			Bid:    quote.Bid != nil,
			Ask:    quote.Ask != nil,
			Last:   quote.Last != nil,
			Volume: quote.Volume != nil,
		}
		out = append(out, quote)
	}
	return out, nil
}

func assignRows(rows []map[string]any, byConid map[int64]*quoteSlot) {
	for _, row := range rows {
		conid, ok := toInt64(row["conid"])
		if !ok {
			continue
		}
		if slot, exists := byConid[conid]; exists {
			if slot.row == nil {
				slot.row = row
			} else {
				for k, v := range row {
					slot.row[k] = v
				}
			}
		}
	}
}

func deficientConids(slots []*quoteSlot, intent core.QuoteIntent) []int64 {
	var out []int64
	for _, s := range slots {
		if !s.known {
			continue
		}
		if quoteDeficient(s.row, intent) {
			out = append(out, s.info.conid)
		}
	}
	return out
}

func quoteDeficient(row map[string]any, intent core.QuoteIntent) bool {
	if row == nil {
		return true
	}
	bid := parseSnapshotValue(row[fieldBid])
	ask := parseSnapshotValue(row[fieldAsk])
	last := parseSnapshotValue(row[fieldLast])
	switch intent {
	case core.IntentTopOfBook:
		return bid == nil || ask == nil
	case core.IntentLastOnly:
		return last == nil
	default:
		return bid == nil && ask == nil && last == nil
	}
}

// snapshot fetches quote rows, retrying once when another session holds the
// market data lines.
func (p *Provider) snapshot(ctx context.Context, conids []int64) ([]map[string]any, error) {
	parts := make([]string, len(conids))
	for i, conid := range conids {
		parts[i] = strconv.FormatInt(conid, 10)
	}
	params := map[string]string{
		"conids": strings.Join(parts, ","),
		"fields": snapshotFields,
	}

	body, err := p.get(ctx, "/iserver/marketdata/snapshot", params)
	if err != nil {
		if apiErr, ok := pkghttp.AsAPIError(err); ok && strings.Contains(strings.ToLower(string(apiErr.Body)), "competing") {
			time.Sleep(time.Second)
			body, err = p.get(ctx, "/iserver/marketdata/snapshot", params)
		}
		if err != nil {
			return nil, err
		}
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// QuoteCapabilities probes a best-effort snapshot and reports which fields
// each symbol actually carried. Bridge snapshots are always fresh, so the
// refresh flag has nothing extra to invalidate here.
func (p *Provider) QuoteCapabilities(ctx context.Context, symbols []string, refresh bool) (*core.ProviderQuoteCapabilities, error) {
	quotes, err := p.Quote(ctx, symbols, core.IntentBestEffort)
	if err != nil {
		return nil, err
	}

	out := &core.ProviderQuoteCapabilities{
		Provider: "ib",
		Supports: map[string]bool{
			"live":           true,
			"delayed":        true,
			"delayed_frozen": true,
		},
		Symbols:   map[string]core.QuoteCapabilitySnapshot{},
		UpdatedAt: time.Now().UTC(),
	}
	for _, quote := range quotes {
		out.Symbols[quote.Symbol] = core.QuoteCapabilitySnapshot{
			Symbol:         quote.Symbol,
			Fields:         quote.Meta.Fields,
			Source:         quote.Meta.Source,
			MarketDataType: quote.Meta.MarketDataType,
			UpdatedAt:      quote.Timestamp,
		}
	}
	return out, nil
}

type historyResponse struct {
	Data []struct {
		Open   float64 `json:"o"`
		Close  float64 `json:"c"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Volume float64 `json:"v"`
		Time   int64   `json:"t"`
	} `json:"data"`
}

// History implements core.IProvider.
func (p *Provider) History(ctx context.Context, symbol, period, barSize string, rthOnly bool) ([]core.Bar, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	bars, err := p.fetchHistory(ctx, symbol, period, barSize, rthOnly)
	if err != nil {
		return nil, base.MapError("history", err, apperrors.CodeIBRejected,
			"Validate period/bar and confirm historical data permissions.")
	}
	return bars, nil
}

func (p *Provider) fetchHistory(ctx context.Context, symbol, period, barSize string, rthOnly bool) ([]core.Bar, error) {
	wirePeriod, ok := historyPeriods[period]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgs, "unsupported period '%s'", period)
	}
	wireBar, ok := historyBars[barSize]
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgs, "unsupported bar size '%s'", barSize)
	}

	sym := strings.ToUpper(strings.TrimSpace(symbol))
	info, known, err := p.resolveContract(ctx, sym)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("no contract found for symbol %s", sym)
	}

	body, err := p.get(ctx, "/iserver/marketdata/history", map[string]string{
		"conid":      strconv.FormatInt(info.conid, 10),
		"period":     wirePeriod,
		"bar":        wireBar,
		"outsideRth": strconv.FormatBool(!rthOnly),
	})
	if err != nil {
		return nil, err
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	bars := make([]core.Bar, 0, len(resp.Data))
	for _, row := range resp.Data {
		bars = append(bars, core.Bar{
			Symbol: sym,
			Time:   time.UnixMilli(row.Time).UTC(),
			Open:   row.Open,
			High:   row.High,
			Low:    row.Low,
			Close:  row.Close,
			Volume: row.Volume,
		})
	}
	return bars, nil
}

type secdefInfoRow struct {
	MaturityDate string      `json:"maturityDate"`
	Strike       json.Number `json:"strike"`
	Right        string      `json:"right"`
}

// OptionChain implements core.IProvider. The gateway hands back contract
// rows per expiry month; expirations and strikes are aggregated and then
// combined the way the chain endpoints report them, capped at 8 expirations
// and 80 strikes.
func (p *Provider) OptionChain(ctx context.Context, filter core.ChainFilter) (*core.OptionChain, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	chain, err := p.fetchOptionChain(ctx, filter)
	if err != nil {
		return nil, base.MapError("option_chain", err, apperrors.CodeInvalidSymbol,
			"Check symbol validity and options market-data permissions.")
	}
	return chain, nil
}

func (p *Provider) fetchOptionChain(ctx context.Context, filter core.ChainFilter) (*core.OptionChain, error) {
	sym := strings.ToUpper(strings.TrimSpace(filter.Symbol))
	info, known, err := p.resolveContract(ctx, sym)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, apperrors.InvalidSymbol(fmt.Sprintf("unable to qualify symbol %s", sym))
	}

	underlying := p.underlyingPrice(ctx, info.conid)
	chain := &core.OptionChain{Symbol: sym, UnderlyingPrice: underlying, Entries: []core.OptionChainEntry{}}
	if len(info.months) == 0 {
		return chain, nil
	}

	prefix := strings.ReplaceAll(filter.ExpiryPrefix, "-", "")
	expirySet := map[string]struct{}{}
	strikeSet := map[float64]struct{}{}
	for _, month := range candidateMonths(info.months, prefix) {
		rows, err := p.contractsForMonth(ctx, info.conid, month)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if len(row.MaturityDate) == 8 {
				expirySet[row.MaturityDate] = struct{}{}
			}
			if strike, err := row.Strike.Float64(); err == nil && strike > 0 {
				strikeSet[strike] = struct{}{}
			}
		}
	}

	expirations := make([]string, 0, len(expirySet))
	for exp := range expirySet {
		if prefix == "" || strings.HasPrefix(exp, prefix) {
			expirations = append(expirations, exp)
		}
	}
	sort.Strings(expirations)

	strikes := make([]float64, 0, len(strikeSet))
	for strike := range strikeSet {
		strikes = append(strikes, strike)
	}
	sort.Float64s(strikes)
	if filter.StrikeRange != nil && underlying != nil {
		lo, hi := filter.StrikeRange[0], filter.StrikeRange[1]
		kept := strikes[:0]
		for _, strike := range strikes {
			if *underlying*lo <= strike && strike <= *underlying*hi {
				kept = append(kept, strike)
			}
		}
		strikes = kept
	}

	rights := []string{"C", "P"}
	if filter.Right != nil {
		rights = []string{filter.Right.Letter()}
	}

	if len(expirations) > 8 {
		expirations = expirations[:8]
	}
	if len(strikes) > 80 {
		strikes = strikes[:80]
	}

	for _, exp := range expirations {
		expiry := fmt.Sprintf("%s-%s-%s", exp[:4], exp[4:6], exp[6:8])
		for _, strike := range strikes {
			for _, right := range rights {
				chain.Entries = append(chain.Entries, core.OptionChainEntry{
					Symbol: sym,
					Right:  right,
					Strike: strike,
					Expiry: expiry,
				})
			}
		}
	}
	return chain, nil
}

// candidateMonths filters the option months (MMMYY tokens) to the expiry
// prefix and bounds the per-chain request count. Weekly expiries give
// several dates per month, so four months comfortably covers the 8-expiry
// cap.
func candidateMonths(months []string, digitPrefix string) []string {
	const maxMonths = 4

	var out []string
	for _, month := range months {
		token := strings.TrimSpace(month)
		if token == "" {
			continue
		}
		if digitPrefix != "" && !monthMatchesPrefix(token, digitPrefix) {
			continue
		}
		out = append(out, token)
		if len(out) == maxMonths {
			break
		}
	}
	return out
}

// monthMatchesPrefix compares an MMMYY token such as "SEP26" against a
// digit expiry prefix (YYYY, YYYYMM or YYYYMMDD).
func monthMatchesPrefix(token, digitPrefix string) bool {
	if len(token) < 5 {
		return true
	}
	normalized := strings.ToUpper(token[:1]) + strings.ToLower(token[1:])
	t, err := time.Parse("Jan06", normalized)
	if err != nil {
		return true
	}
	monthDigits := t.Format("200601")
	if len(digitPrefix) <= len(monthDigits) {
		return strings.HasPrefix(monthDigits, digitPrefix)
	}
	return strings.HasPrefix(digitPrefix, monthDigits)
}

func (p *Provider) contractsForMonth(ctx context.Context, conid int64, month string) ([]secdefInfoRow, error) {
	body, err := p.get(ctx, "/iserver/secdef/info", map[string]string{
		"conid":   strconv.FormatInt(conid, 10),
		"secType": "OPT",
		"month":   month,
	})
	if err != nil {
		return nil, err
	}
	var rows []secdefInfoRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// underlyingPrice snapshots the stock conid for last (falling back to bid).
// A missing price just disables strike-range scaling.
func (p *Provider) underlyingPrice(ctx context.Context, conid int64) *float64 {
	rows, err := p.snapshot(ctx, []int64{conid})
	if err != nil || len(rows) == 0 {
		return nil
	}
	if last := parseSnapshotValue(rows[0][fieldLast]); last != nil {
		return last
	}
	return parseSnapshotValue(rows[0][fieldBid])
}

// parseSnapshotValue copes with the gateway's string-typed numbers: close
// markers like "C189.50", halted markers, and K/M/B volume suffixes.
func parseSnapshotValue(raw any) *float64 {
	switch v := raw.(type) {
	case float64:
		return &v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return &f
		}
		return nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" || s == "-1" {
			return nil
		}
		multiplier := 1.0
		switch {
		case strings.HasSuffix(s, "K"):
			multiplier, s = 1e3, strings.TrimSuffix(s, "K")
		case strings.HasSuffix(s, "M"):
			multiplier, s = 1e6, strings.TrimSuffix(s, "M")
		case strings.HasSuffix(s, "B"):
			multiplier, s = 1e9, strings.TrimSuffix(s, "B")
		}
		s = strings.TrimLeft(s, "CHch")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f *= multiplier
		return &f
	default:
		return nil
	}
}

// parseAvailability maps the 6509 availability string to the classic
// market data type: R (realtime) is 1, D (delayed) is 3, Y/Z (frozen
// delayed) is 4.
func parseAvailability(raw any) *int {
	s, ok := raw.(string)
	if !ok || s == "" {
		return nil
	}
	var mdType int
	switch s[0] {
	case 'R':
		mdType = 1
	case 'D':
		mdType = 3
	case 'Y', 'Z':
		mdType = 4
	default:
		return nil
	}
	return &mdType
}

func sourceForMarketDataType(mdType *int) string {
	if mdType == nil {
		return "live"
	}
	switch *mdType {
	case 3:
		return "delayed"
	case 4:
		return "delayed_frozen"
	default:
		return "live"
	}
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
