package etrade

import (
	"context"
	"strings"
	"time"

	"brokerd/internal/core"
	"brokerd/internal/provider/base"
)

type portfolioResponse struct {
	PortfolioResponse struct {
		AccountPortfolio flexList[accountPortfolio] `json:"AccountPortfolio"`
	} `json:"PortfolioResponse"`
}

type accountPortfolio struct {
	Position flexList[positionRow] `json:"Position"`
}

type positionRow struct {
	Product     productInfo `json:"Product"`
	Quick       quickInfo   `json:"Quick"`
	Quantity    flexFloat   `json:"quantity"`
	PricePaid   flexFloat   `json:"pricePaid"`
	MarketValue flexFloat   `json:"marketValue"`
	TotalGain   flexFloat   `json:"totalGain"`
}

type quickInfo struct {
	Symbol    string    `json:"symbol"`
	LastTrade flexFloat `json:"lastTrade"`
}

// Positions implements core.IProvider. Market value and unrealized PnL are
// recomputed from the last trade when the portfolio row omits them.
func (p *Provider) Positions(ctx context.Context) ([]core.Position, error) {
	accountKey, err := p.requireAccountKey(ctx)
	if err != nil {
		return nil, err
	}

	var payload portfolioResponse
	if err := p.getJSON(ctx, "/v1/accounts/"+accountKey+"/portfolio", nil, "positions", &payload); err != nil {
		return nil, err
	}

	out := []core.Position{}
	for _, portfolio := range payload.PortfolioResponse.AccountPortfolio {
		for _, row := range portfolio.Position {
			symbol := strings.ToUpper(firstString(row.Product.Symbol, row.Quick.Symbol))
			if symbol == "" {
				continue
			}

			qty := row.Quantity.Value
			avgCost := row.PricePaid.Value
			marketPrice := row.Quick.LastTrade

			marketValue := row.MarketValue
			if !marketValue.OK && marketPrice.OK {
				marketValue = flexFloat{Value: marketPrice.Value * qty, OK: true}
			}
			unrealized := row.TotalGain
			if !unrealized.OK && marketPrice.OK {
				unrealized = flexFloat{Value: (marketPrice.Value - avgCost) * qty, OK: true}
			}

			currency := firstString(row.Product.Currency)
			if currency == "" {
				currency = "USD"
			}

			out = append(out, core.Position{
				Symbol:        symbol,
				Qty:           qty,
				AvgCost:       avgCost,
				MarketPrice:   marketPrice.Value,
				MarketValue:   marketValue.Value,
				UnrealizedPnL: unrealized.Value,
				Currency:      currency,
			})
		}
	}
	return out, nil
}

type balanceResponse struct {
	BalanceResponse balanceBody `json:"BalanceResponse"`
}

type balanceBody struct {
	AccountIDKey string          `json:"accountIdKey"`
	Computed     computedBalance `json:"Computed"`
}

type computedBalance struct {
	RealTimeValues struct {
		NetMv flexFloat `json:"netMv"`
	} `json:"RealTimeValues"`
	CashAvailableForInvestment flexFloat `json:"cashAvailableForInvestment"`
	CashBuyingPower            flexFloat `json:"cashBuyingPower"`
	MarginBuyingPower          flexFloat `json:"marginBuyingPower"`
	MarginBalance              flexFloat `json:"marginBalance"`
}

// Balance implements core.IProvider. Buying power prefers the cash figure,
// then margin, then the real-time net market value.
func (p *Provider) Balance(ctx context.Context) (*core.Balance, error) {
	accountKey, err := p.requireAccountKey(ctx)
	if err != nil {
		return nil, err
	}

	params := map[string]string{"instType": "BROKERAGE", "realTimeNAV": "true"}
	var payload balanceResponse
	if err := p.getJSON(ctx, "/v1/accounts/"+accountKey+"/balance", params, "balance", &payload); err != nil {
		return nil, err
	}

	body := payload.BalanceResponse
	computed := body.Computed
	netLiquidation := computed.RealTimeValues.NetMv

	buyingPower := netLiquidation.Value
	if v := firstNonzero(computed.CashBuyingPower, computed.MarginBuyingPower); v != nil {
		buyingPower = *v
	}

	accountID := firstString(body.AccountIDKey)
	if accountID == "" {
		accountID = accountKey
	}

	return &core.Balance{
		AccountID:       accountID,
		NetLiquidation:  netLiquidation.Value,
		Cash:            computed.CashAvailableForInvestment.Value,
		BuyingPower:     buyingPower,
		MarginUsed:      computed.MarginBalance.Value,
		MarginAvailable: computed.CashAvailableForInvestment.Value,
		Currency:        "USD",
	}, nil
}

// PnL implements core.IProvider. E*Trade has no daily PnL endpoint, so the
// unrealized leg is summed from open positions and realized stays zero.
func (p *Provider) PnL(ctx context.Context) (*core.PnLSummary, error) {
	positions, err := p.Positions(ctx)
	if err != nil {
		return nil, err
	}

	unrealized := 0.0
	for _, position := range positions {
		unrealized += position.UnrealizedPnL
	}
	return &core.PnLSummary{
		Date:       time.Now().UTC().Format("2006-01-02"),
		Realized:   0,
		Unrealized: unrealized,
		Total:      unrealized,
	}, nil
}

// Exposure implements core.IProvider. Unlike the positions-only fallback in
// the IB adapter, a balance failure here propagates: the API serves both
// from the same session, so a missing balance means the session is broken.
func (p *Provider) Exposure(ctx context.Context, group string) ([]core.ExposureEntry, error) {
	if err := base.ValidateExposureGroup(group); err != nil {
		return nil, err
	}

	positions, err := p.Positions(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := p.Balance(ctx)
	if err != nil {
		return nil, err
	}

	return base.ComputeExposure(positions, group, balance.NetLiquidation), nil
}
