package risk

import "time"

// CheckResult is the outcome of one pre-trade check.
type CheckResult struct {
	OK         bool           `msgpack:"ok" json:"ok"`
	Reasons    []string       `msgpack:"reasons" json:"reasons"`
	Details    map[string]any `msgpack:"details" json:"details"`
	Suggestion string         `msgpack:"suggestion,omitempty" json:"suggestion,omitempty"`
}

// AsMap renders the result for audit rows and order records.
func (r *CheckResult) AsMap() map[string]any {
	out := map[string]any{
		"ok":      r.OK,
		"reasons": r.Reasons,
		"details": r.Details,
	}
	if r.Suggestion != "" {
		out["suggestion"] = r.Suggestion
	}
	return out
}

// Override is a temporary numeric limit replacement.
type Override struct {
	Param     string    `msgpack:"param" json:"param"`
	Value     float64   `msgpack:"value" json:"value"`
	Reason    string    `msgpack:"reason" json:"reason"`
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
	ExpiresAt time.Time `msgpack:"expires_at" json:"expires_at"`
}

// ConfigSnapshot is the effective limit set, overrides applied.
type ConfigSnapshot struct {
	MaxPositionPct         float64  `msgpack:"max_position_pct" json:"max_position_pct"`
	MaxOrderValue          float64  `msgpack:"max_order_value" json:"max_order_value"`
	MaxDailyLossPct        float64  `msgpack:"max_daily_loss_pct" json:"max_daily_loss_pct"`
	MaxSectorExposurePct   float64  `msgpack:"max_sector_exposure_pct" json:"max_sector_exposure_pct"`
	MaxSingleNamePct       float64  `msgpack:"max_single_name_pct" json:"max_single_name_pct"`
	MaxOpenOrders          int      `msgpack:"max_open_orders" json:"max_open_orders"`
	OrderRateLimit         int      `msgpack:"order_rate_limit" json:"order_rate_limit"`
	DuplicateWindowSeconds int      `msgpack:"duplicate_window_seconds" json:"duplicate_window_seconds"`
	SymbolAllowlist        []string `msgpack:"symbol_allowlist" json:"symbol_allowlist"`
	SymbolBlocklist        []string `msgpack:"symbol_blocklist" json:"symbol_blocklist"`
	Halted                 bool     `msgpack:"halted" json:"halted"`
}

// Context carries the portfolio state a pre-trade check evaluates against.
type Context struct {
	NLV                  float64
	DailyPnL             float64
	OpenOrders           int
	MarkPrices           map[string]float64
	PositionValues       map[string]float64
	SectorBySymbol       map[string]string
	SectorExposureValues map[string]float64
}
