package core

import (
	"fmt"
	"strings"
	"time"
)

// QuoteIntent selects which quote fields a snapshot must carry.
type QuoteIntent string

const (
	IntentBestEffort QuoteIntent = "best_effort"
	IntentTopOfBook  QuoteIntent = "top_of_book"
	IntentLastOnly   QuoteIntent = "last_only"
)

// ValidQuoteIntents lists the accepted intents in display order.
func ValidQuoteIntents() []string {
	return []string{string(IntentBestEffort), string(IntentTopOfBook), string(IntentLastOnly)}
}

// ParseQuoteIntent validates an intent string. Empty input is best_effort.
func ParseQuoteIntent(raw string) (QuoteIntent, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(IntentBestEffort):
		return IntentBestEffort, nil
	case string(IntentTopOfBook):
		return IntentTopOfBook, nil
	case string(IntentLastOnly):
		return IntentLastOnly, nil
	default:
		return "", fmt.Errorf("unsupported quote intent %q", raw)
	}
}

// QuoteFieldAvailability flags which quote fields carried real values.
type QuoteFieldAvailability struct {
	Bid    bool `msgpack:"bid" json:"bid"`
	Ask    bool `msgpack:"ask" json:"ask"`
	Last   bool `msgpack:"last" json:"last"`
	Volume bool `msgpack:"volume" json:"volume"`
}

// QuoteMeta describes where a quote came from and how complete it is.
type QuoteMeta struct {
	Source         string                 `msgpack:"source" json:"source"`
	MarketDataType *int                   `msgpack:"market_data_type" json:"market_data_type"`
	FallbackUsed   bool                   `msgpack:"fallback_used" json:"fallback_used"`
	Fields         QuoteFieldAvailability `msgpack:"fields" json:"fields"`
}

// Quote is a point-in-time snapshot for one symbol.
type Quote struct {
	Symbol    string    `msgpack:"symbol" json:"symbol"`
	Bid       *float64  `msgpack:"bid" json:"bid"`
	Ask       *float64  `msgpack:"ask" json:"ask"`
	Last      *float64  `msgpack:"last" json:"last"`
	Volume    *float64  `msgpack:"volume" json:"volume"`
	Timestamp time.Time `msgpack:"timestamp" json:"timestamp"`
	Exchange  *string   `msgpack:"exchange" json:"exchange"`
	Currency  string    `msgpack:"currency" json:"currency"`
	Meta      QuoteMeta `msgpack:"meta" json:"meta"`
}

// NewQuote builds a quote with the defaults applied.
func NewQuote(symbol string) *Quote {
	return &Quote{
		Symbol:    strings.ToUpper(symbol),
		Timestamp: time.Now().UTC(),
		Currency:  "USD",
		Meta:      QuoteMeta{Source: "live"},
	}
}

// QuoteCapabilitySnapshot is the per-symbol availability probe result.
type QuoteCapabilitySnapshot struct {
	Symbol         string                 `msgpack:"symbol" json:"symbol"`
	Fields         QuoteFieldAvailability `msgpack:"fields" json:"fields"`
	Source         string                 `msgpack:"source" json:"source"`
	MarketDataType *int                   `msgpack:"market_data_type" json:"market_data_type"`
	UpdatedAt      time.Time              `msgpack:"updated_at" json:"updated_at"`
}

// ProviderQuoteCapabilities aggregates probe results across symbols.
type ProviderQuoteCapabilities struct {
	Provider  string                             `msgpack:"provider" json:"provider"`
	Supports  map[string]bool                    `msgpack:"supports" json:"supports"`
	Symbols   map[string]QuoteCapabilitySnapshot `msgpack:"symbols" json:"symbols"`
	UpdatedAt time.Time                          `msgpack:"updated_at" json:"updated_at"`
}

// Bar is one historical OHLCV bar.
type Bar struct {
	Symbol string    `msgpack:"symbol" json:"symbol"`
	Time   time.Time `msgpack:"time" json:"time"`
	Open   float64   `msgpack:"open" json:"open"`
	High   float64   `msgpack:"high" json:"high"`
	Low    float64   `msgpack:"low" json:"low"`
	Close  float64   `msgpack:"close" json:"close"`
	Volume float64   `msgpack:"volume" json:"volume"`
}

// OptionRight is the side of an option contract.
type OptionRight string

const (
	RightCall OptionRight = "call"
	RightPut  OptionRight = "put"
)

// Letter returns the single-letter contract right used in chain entries.
func (r OptionRight) Letter() string {
	if r == RightPut {
		return "P"
	}
	return "C"
}

// ParseOptionRight validates an option type string.
func ParseOptionRight(raw string) (OptionRight, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "call":
		return RightCall, nil
	case "put":
		return RightPut, nil
	default:
		return "", fmt.Errorf("unsupported option type %q", raw)
	}
}

// OptionChainEntry is a single contract row in an option chain. Right is
// the single-letter form, "C" or "P".
type OptionChainEntry struct {
	Symbol     string   `msgpack:"symbol" json:"symbol"`
	Right      string   `msgpack:"right" json:"right"`
	Strike     float64  `msgpack:"strike" json:"strike"`
	Expiry     string   `msgpack:"expiry" json:"expiry"`
	Bid        *float64 `msgpack:"bid" json:"bid"`
	Ask        *float64 `msgpack:"ask" json:"ask"`
	ImpliedVol *float64 `msgpack:"implied_vol" json:"implied_vol"`
	Delta      *float64 `msgpack:"delta" json:"delta"`
	Gamma      *float64 `msgpack:"gamma" json:"gamma"`
	Theta      *float64 `msgpack:"theta" json:"theta"`
	Vega       *float64 `msgpack:"vega" json:"vega"`
}

// OptionChain is the provider response for one underlying.
type OptionChain struct {
	Symbol          string             `msgpack:"symbol" json:"symbol"`
	UnderlyingPrice *float64           `msgpack:"underlying_price" json:"underlying_price"`
	Entries         []OptionChainEntry `msgpack:"entries" json:"entries"`
}

// HistoryRequest carries the validated parameters of a history lookup.
type HistoryRequest struct {
	Symbols []string
	Period  string
	BarSize string
	RTHOnly bool
}

// ChainFilter narrows an option chain request. ExpiryPrefix matches the
// leading characters of the normalized YYYY-MM-DD expiry (so "2026-09"
// selects one month). StrikeRange bounds are multiplied by the underlying
// price, e.g. [0.9, 1.1] keeps strikes within 10% of spot.
type ChainFilter struct {
	Symbol       string
	ExpiryPrefix string
	StrikeRange  *[2]float64
	Right        *OptionRight
}
