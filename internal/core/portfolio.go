package core

import "time"

// Position is one open position as reported by the provider.
type Position struct {
	Symbol        string  `msgpack:"symbol" json:"symbol"`
	Qty           float64 `msgpack:"qty" json:"qty"`
	AvgCost       float64 `msgpack:"avg_cost" json:"avg_cost"`
	MarketPrice   float64 `msgpack:"market_price" json:"market_price"`
	MarketValue   float64 `msgpack:"market_value" json:"market_value"`
	UnrealizedPnL float64 `msgpack:"unrealized_pnl" json:"unrealized_pnl"`
	RealizedPnL   float64 `msgpack:"realized_pnl" json:"realized_pnl"`
	Currency      string  `msgpack:"currency" json:"currency"`
}

// Balance is the account cash and margin summary.
type Balance struct {
	AccountID       string  `msgpack:"account_id" json:"account_id"`
	NetLiquidation  float64 `msgpack:"net_liquidation" json:"net_liquidation"`
	Cash            float64 `msgpack:"cash" json:"cash"`
	BuyingPower     float64 `msgpack:"buying_power" json:"buying_power"`
	MarginUsed      float64 `msgpack:"margin_used" json:"margin_used"`
	MarginAvailable float64 `msgpack:"margin_available" json:"margin_available"`
	Currency        string  `msgpack:"currency" json:"currency"`
}

// PnLSummary is the daily profit-and-loss rollup.
type PnLSummary struct {
	Date       string  `msgpack:"date" json:"date"`
	Realized   float64 `msgpack:"realized" json:"realized"`
	Unrealized float64 `msgpack:"unrealized" json:"unrealized"`
	Total      float64 `msgpack:"total" json:"total"`
}

// ExposureEntry is one row of a grouped exposure breakdown.
type ExposureEntry struct {
	Key           string  `msgpack:"key" json:"key"`
	ExposureValue float64 `msgpack:"exposure_value" json:"exposure_value"`
	ExposurePct   float64 `msgpack:"exposure_pct" json:"exposure_pct"`
}

// ValidExposureGroups lists the accepted exposure groupings, sorted.
func ValidExposureGroups() []string {
	return []string{"asset_class", "currency", "sector", "symbol"}
}

// IsValidExposureGroup reports whether the name is an accepted grouping.
func IsValidExposureGroup(name string) bool {
	for _, g := range ValidExposureGroups() {
		if g == name {
			return true
		}
	}
	return false
}

// ConnectionStatus describes the provider session state.
type ConnectionStatus struct {
	Connected     bool       `msgpack:"connected" json:"connected"`
	Provider      string     `msgpack:"provider" json:"provider"`
	Host          string     `msgpack:"host" json:"host"`
	Port          int        `msgpack:"port" json:"port"`
	ClientID      int        `msgpack:"client_id" json:"client_id"`
	ConnectedAt   *time.Time `msgpack:"connected_at" json:"connected_at"`
	LastHeartbeat *time.Time `msgpack:"last_heartbeat" json:"last_heartbeat"`
	AccountID     *string    `msgpack:"account_id" json:"account_id"`
	ServerVersion *string    `msgpack:"server_version" json:"server_version"`
	LastError     *string    `msgpack:"last_error" json:"last_error"`
}
