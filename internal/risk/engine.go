// Package risk implements the mandatory pre-trade checks, runtime limit
// overrides and the halt switch.
package risk

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/core"
	apperrors "brokerd/pkg/errors"
)

// rateWindow is the fixed sliding window for the order rate limit.
const rateWindow = time.Minute

// Engine owns the risk state. All methods are safe for concurrent use; none
// of them block.
type Engine struct {
	mu             sync.Mutex
	limits         config.RiskConfig
	halted         bool
	orderTimes     []time.Time
	duplicateTimes map[string]time.Time
	overrides      []Override

	nowFn func() time.Time
}

// NewEngine builds an engine seeded from the risk config section.
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{
		limits:         cfg,
		duplicateTimes: map[string]time.Time{},
		nowFn:          time.Now,
	}
}

// Halted reports whether trading is halted.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Halt stops all further order placement until Resume.
func (e *Engine) Halt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = true
}

// Resume lifts a halt.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
}

// cleanupState drops expired rate samples, duplicate fingerprints and
// overrides. Callers must hold the mutex.
func (e *Engine) cleanupState() {
	now := e.nowFn()

	idx := 0
	for idx < len(e.orderTimes) && now.Sub(e.orderTimes[idx]) > rateWindow {
		idx++
	}
	e.orderTimes = e.orderTimes[idx:]

	duplicateWindow := time.Duration(e.effectiveInt("duplicate_window_seconds")) * time.Second
	for key, ts := range e.duplicateTimes {
		if now.Sub(ts) > duplicateWindow {
			delete(e.duplicateTimes, key)
		}
	}

	kept := e.overrides[:0]
	for _, ov := range e.overrides {
		if ov.ExpiresAt.After(now) {
			kept = append(kept, ov)
		}
	}
	e.overrides = kept
}

// effectiveFloat returns the newest unexpired override for param, falling
// back to the configured limit. Callers must hold the mutex.
func (e *Engine) effectiveFloat(param string) float64 {
	now := e.nowFn()
	for i := len(e.overrides) - 1; i >= 0; i-- {
		if e.overrides[i].Param == param && e.overrides[i].ExpiresAt.After(now) {
			return e.overrides[i].Value
		}
	}
	switch param {
	case "max_position_pct":
		return e.limits.MaxPositionPct
	case "max_order_value":
		return e.limits.MaxOrderValue
	case "max_daily_loss_pct":
		return e.limits.MaxDailyLossPct
	case "max_sector_exposure_pct":
		return e.limits.MaxSectorExposurePct
	case "max_single_name_pct":
		return e.limits.MaxSingleNamePct
	case "max_open_orders":
		return float64(e.limits.MaxOpenOrders)
	case "order_rate_limit":
		return float64(e.limits.OrderRateLimit)
	case "duplicate_window_seconds":
		return float64(e.limits.DuplicateWindowSeconds)
	}
	return 0
}

func (e *Engine) effectiveInt(param string) int {
	return int(e.effectiveFloat(param))
}

// Snapshot returns the effective limits with overrides applied.
func (e *Engine) Snapshot() *ConfigSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanupState()
	return &ConfigSnapshot{
		MaxPositionPct:         e.effectiveFloat("max_position_pct"),
		MaxOrderValue:          e.effectiveFloat("max_order_value"),
		MaxDailyLossPct:        e.effectiveFloat("max_daily_loss_pct"),
		MaxSectorExposurePct:   e.effectiveFloat("max_sector_exposure_pct"),
		MaxSingleNamePct:       e.effectiveFloat("max_single_name_pct"),
		MaxOpenOrders:          e.effectiveInt("max_open_orders"),
		OrderRateLimit:         e.effectiveInt("order_rate_limit"),
		DuplicateWindowSeconds: e.effectiveInt("duplicate_window_seconds"),
		SymbolAllowlist:        append([]string{}, e.limits.SymbolAllowlist...),
		SymbolBlocklist:        append([]string{}, e.limits.SymbolBlocklist...),
		Halted:                 e.halted,
	}
}

// SetLimit permanently changes one limit and returns the new snapshot.
func (e *Engine) SetLimit(param string, value any) (*ConfigSnapshot, error) {
	name, err := ValidateParam(param)
	if err != nil {
		return nil, err
	}
	coerced, err := CoerceParam(name, value)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	switch name {
	case "max_position_pct":
		e.limits.MaxPositionPct = coerced.(float64)
	case "max_order_value":
		e.limits.MaxOrderValue = coerced.(float64)
	case "max_daily_loss_pct":
		e.limits.MaxDailyLossPct = coerced.(float64)
	case "max_sector_exposure_pct":
		e.limits.MaxSectorExposurePct = coerced.(float64)
	case "max_single_name_pct":
		e.limits.MaxSingleNamePct = coerced.(float64)
	case "max_open_orders":
		e.limits.MaxOpenOrders = coerced.(int)
	case "order_rate_limit":
		e.limits.OrderRateLimit = coerced.(int)
	case "duplicate_window_seconds":
		e.limits.DuplicateWindowSeconds = coerced.(int)
	case "symbol_allowlist":
		e.limits.SymbolAllowlist = coerced.([]string)
	case "symbol_blocklist":
		e.limits.SymbolBlocklist = coerced.([]string)
	}
	e.mu.Unlock()

	return e.Snapshot(), nil
}

// OverrideLimit layers a temporary numeric limit for durationSeconds.
func (e *Engine) OverrideLimit(param string, value any, durationSeconds int, reason string) (*Override, error) {
	name, err := ValidateParam(param)
	if err != nil {
		return nil, err
	}
	coerced, err := CoerceParam(name, value)
	if err != nil {
		return nil, err
	}

	var numeric float64
	switch v := coerced.(type) {
	case float64:
		numeric = v
	case int:
		numeric = float64(v)
	default:
		return nil, fmt.Errorf("risk override supports only numeric params, got '%s'", name)
	}

	now := e.nowFn()
	override := Override{
		Param:     name,
		Value:     numeric,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(durationSeconds) * time.Second),
	}

	e.mu.Lock()
	e.overrides = append(e.overrides, override)
	e.mu.Unlock()
	return &override, nil
}

// ListOverrides returns the unexpired overrides.
func (e *Engine) ListOverrides() []Override {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanupState()
	return append([]Override{}, e.overrides...)
}

// AssertOrder runs CheckOrder and converts a denial into a typed error.
// RATE_LIMITED and DUPLICATE_ORDER take precedence over the generic codes
// so callers see the most actionable classification.
func (e *Engine) AssertOrder(order *core.OrderRequest, ctx *Context) (*CheckResult, error) {
	result := e.CheckOrder(order, ctx)
	if result.OK {
		return result, nil
	}

	code := apperrors.CodeRiskCheckFailed
	if e.Halted() {
		code = apperrors.CodeRiskHalted
	}
	if codes, ok := result.Details["violation_codes"].([]string); ok {
		for _, violation := range codes {
			if violation == string(apperrors.CodeRateLimited) {
				code = apperrors.CodeRateLimited
				break
			}
			if violation == string(apperrors.CodeDuplicateOrder) {
				code = apperrors.CodeDuplicateOrder
			}
		}
	}

	err := apperrors.New(code, strings.Join(result.Reasons, "; "),
		apperrors.WithDetails(result.Details),
		apperrors.WithSuggestion(result.Suggestion),
	)
	return result, err
}

// CheckOrder evaluates every limit against the order and context. A passing
// order consumes a rate slot and registers its duplicate fingerprint.
func (e *Engine) CheckOrder(order *core.OrderRequest, ctx *Context) *CheckResult {
	if ctx == nil {
		ctx = &Context{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanupState()

	if e.halted {
		return &CheckResult{
			OK:      false,
			Reasons: []string{"trading is halted"},
			Details: map[string]any{
				"halted":          true,
				"violation_codes": []string{string(apperrors.CodeRiskHalted)},
			},
		}
	}

	reasons := []string{}
	details := map[string]any{}
	violationCodes := map[string]struct{}{}

	symbol := strings.ToUpper(order.Symbol)
	if allowlist := e.limits.SymbolAllowlist; len(allowlist) > 0 && !containsSymbol(allowlist, symbol) {
		reasons = append(reasons, fmt.Sprintf("symbol %s is not in allowlist", symbol))
	}
	if blocklist := e.limits.SymbolBlocklist; containsSymbol(blocklist, symbol) {
		reasons = append(reasons, fmt.Sprintf("symbol %s is in blocklist", symbol))
	}

	now := e.nowFn()
	rateLimit := e.effectiveInt("order_rate_limit")
	if len(e.orderTimes) >= rateLimit {
		reasons = append(reasons, fmt.Sprintf("order rate limit exceeded (%d/minute)", rateLimit))
		details["orders_last_minute"] = len(e.orderTimes)
		details["limit"] = rateLimit
		violationCodes[string(apperrors.CodeRateLimited)] = struct{}{}
	}

	duplicateKey := fingerprintOrder(order, symbol)
	if _, seen := e.duplicateTimes[duplicateKey]; seen {
		reasons = append(reasons, "duplicate order detected inside duplicate window")
		details["duplicate_window_seconds"] = e.effectiveInt("duplicate_window_seconds")
		violationCodes[string(apperrors.CodeDuplicateOrder)] = struct{}{}
	}

	mark := 0.0
	switch {
	case order.Limit != nil && *order.Limit != 0:
		mark = *order.Limit
	case order.Stop != nil && *order.Stop != 0:
		mark = *order.Stop
	default:
		mark = ctx.MarkPrices[symbol]
	}
	notional := math.Abs(order.Qty * mark)
	details["notional"] = notional

	maxOrderValue := e.effectiveFloat("max_order_value")
	if maxOrderValue > 0 && notional > maxOrderValue {
		reasons = append(reasons, fmt.Sprintf("order notional %.2f exceeds max_order_value %.2f", notional, maxOrderValue))
	}

	maxOpenOrders := e.effectiveInt("max_open_orders")
	if ctx.OpenOrders >= maxOpenOrders {
		reasons = append(reasons, fmt.Sprintf("open orders %d exceed max_open_orders %d", ctx.OpenOrders, maxOpenOrders))
	}

	if nlv := ctx.NLV; nlv > 0 {
		currentValue := ctx.PositionValues[symbol]
		signedNotional := notional
		if order.Side == core.SideSell {
			signedNotional = -notional
		}
		projectedValue := currentValue + signedNotional
		projectedPct := math.Abs(projectedValue) / nlv * 100.0

		maxPositionPct := e.effectiveFloat("max_position_pct")
		if projectedPct > maxPositionPct {
			reasons = append(reasons, fmt.Sprintf("projected position %.2f%% exceeds max_position_pct %.2f%%", projectedPct, maxPositionPct))
		}

		maxSingleNamePct := e.effectiveFloat("max_single_name_pct")
		if projectedPct > maxSingleNamePct {
			reasons = append(reasons, fmt.Sprintf("projected position %.2f%% exceeds max_single_name_pct %.2f%%", projectedPct, maxSingleNamePct))
		}

		if sector := ctx.SectorBySymbol[symbol]; sector != "" {
			currentSector := ctx.SectorExposureValues[sector]
			projectedSectorPct := math.Abs(currentSector+signedNotional) / nlv * 100.0
			details["sector"] = sector
			details["projected_sector_pct"] = round4(projectedSectorPct)
			maxSector := e.effectiveFloat("max_sector_exposure_pct")
			if projectedSectorPct > maxSector {
				reasons = append(reasons, fmt.Sprintf("projected sector exposure %.2f%% exceeds max_sector_exposure_pct %.2f%%", projectedSectorPct, maxSector))
			}
		}

		maxDailyLossPct := e.effectiveFloat("max_daily_loss_pct")
		lossPct := math.Abs(math.Min(ctx.DailyPnL, 0.0)) / nlv * 100.0
		details["daily_loss_pct"] = round4(lossPct)
		if lossPct > maxDailyLossPct {
			reasons = append(reasons, fmt.Sprintf("daily drawdown %.2f%% exceeds max_daily_loss_pct %.2f%%", lossPct, maxDailyLossPct))
		}
	}

	if len(reasons) > 0 {
		if len(violationCodes) > 0 {
			codes := make([]string, 0, len(violationCodes))
			for code := range violationCodes {
				codes = append(codes, code)
			}
			sort.Strings(codes)
			details["violation_codes"] = codes
		}
		suggestion := ""
		if notional > maxOrderValue && mark != 0 {
			suggestion = fmt.Sprintf("reduce quantity to <= %d", int(maxOrderValue/mark))
		}
		return &CheckResult{OK: false, Reasons: reasons, Details: details, Suggestion: suggestion}
	}

	e.orderTimes = append(e.orderTimes, now)
	e.duplicateTimes[duplicateKey] = now
	return &CheckResult{OK: true, Reasons: []string{}, Details: details}
}

// CheckDrawdownBreaker reports whether the daily loss exceeds the limit and
// the loss percentage itself.
func (e *Engine) CheckDrawdownBreaker(dailyPnL, nlv float64) (bool, float64) {
	if nlv <= 0 {
		return false, 0.0
	}
	lossPct := math.Abs(math.Min(dailyPnL, 0.0)) / nlv * 100.0

	e.mu.Lock()
	limit := e.effectiveFloat("max_daily_loss_pct")
	e.mu.Unlock()

	return lossPct > limit, lossPct
}

// fingerprintOrder builds the duplicate-detection key.
func fingerprintOrder(order *core.OrderRequest, symbol string) string {
	return strings.Join([]string{
		string(order.Side),
		symbol,
		strconv.FormatFloat(order.Qty, 'g', -1, 64),
		formatOptPrice(order.Limit),
		formatOptPrice(order.Stop),
		string(order.TIF),
	}, ":")
}

func formatOptPrice(v *float64) string {
	if v == nil {
		return "none"
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func containsSymbol(list []string, symbol string) bool {
	for _, item := range list {
		if strings.EqualFold(item, symbol) {
			return true
		}
	}
	return false
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
