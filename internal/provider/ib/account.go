package ib

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"brokerd/internal/core"
	"brokerd/internal/provider/base"
	apperrors "brokerd/pkg/errors"
)

type positionRow struct {
	Ticker        string  `json:"ticker"`
	ContractDesc  string  `json:"contractDesc"`
	Position      float64 `json:"position"`
	AvgCost       float64 `json:"avgCost"`
	MktPrice      float64 `json:"mktPrice"`
	MktValue      float64 `json:"mktValue"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	RealizedPnl   float64 `json:"realizedPnl"`
	Currency      string  `json:"currency"`
}

// Positions implements core.IProvider.
func (p *Provider) Positions(ctx context.Context) ([]core.Position, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	positions, err := p.fetchPositions(ctx)
	if err != nil {
		return nil, base.MapError("positions", err, apperrors.CodeIBRejected, "")
	}
	return positions, nil
}

func (p *Provider) fetchPositions(ctx context.Context) ([]core.Position, error) {
	account, err := p.account()
	if err != nil {
		return nil, err
	}
	body, err := p.get(ctx, fmt.Sprintf("/portfolio/%s/positions/0", account), nil)
	if err != nil {
		return nil, err
	}
	var rows []positionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}

	positions := make([]core.Position, 0, len(rows))
	for _, row := range rows {
		if row.Position == 0 {
			continue
		}
		symbol := row.Ticker
		if symbol == "" {
			symbol = row.ContractDesc
		}
		price := row.MktPrice
		value := row.MktValue
		if value == 0 {
			value = price * row.Position
		}
		unrealized := row.UnrealizedPnl
		if unrealized == 0 && price != 0 {
			unrealized = (price - row.AvgCost) * row.Position
		}
		currency := row.Currency
		if currency == "" {
			currency = "USD"
		}
		positions = append(positions, core.Position{
			Symbol:        strings.ToUpper(symbol),
			Qty:           row.Position,
			AvgCost:       row.AvgCost,
			MarketPrice:   price,
			MarketValue:   value,
			UnrealizedPnL: unrealized,
			RealizedPnL:   row.RealizedPnl,
			Currency:      currency,
		})
	}
	return positions, nil
}

type summaryAmount struct {
	Amount float64 `json:"amount"`
}

// Balance implements core.IProvider.
func (p *Provider) Balance(ctx context.Context) (*core.Balance, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	balance, err := p.fetchBalance(ctx)
	if err != nil {
		return nil, base.MapError("balance", err, apperrors.CodeIBRejected,
			"Verify account permissions and IB connectivity.")
	}
	return balance, nil
}

func (p *Provider) fetchBalance(ctx context.Context) (*core.Balance, error) {
	account, err := p.account()
	if err != nil {
		return nil, err
	}
	body, err := p.get(ctx, fmt.Sprintf("/portfolio/%s/summary", account), nil)
	if err != nil {
		return nil, err
	}
	var summary map[string]summaryAmount
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil, err
	}

	return &core.Balance{
		AccountID:       account,
		NetLiquidation:  summary["netliquidation"].Amount,
		Cash:            summary["totalcashvalue"].Amount,
		BuyingPower:     summary["buyingpower"].Amount,
		MarginUsed:      summary["maintmarginreq"].Amount,
		MarginAvailable: summary["availablefunds"].Amount,
		Currency:        "USD",
	}, nil
}

type pnlResponse struct {
	UPnL map[string]struct {
		DPL float64 `json:"dpl"`
		UPL float64 `json:"upl"`
	} `json:"upnl"`
}

// PnL implements core.IProvider. The partitioned endpoint keys rows by
// "<account>.<model>"; daily pnl is reported under dpl and unrealized
// under upl.
func (p *Provider) PnL(ctx context.Context) (*core.PnLSummary, error) {
	if err := p.EnsureConnected(); err != nil {
		return nil, err
	}
	summary, err := p.fetchPnL(ctx)
	if err != nil {
		return nil, base.MapError("pnl", err, apperrors.CodeIBRejected, "")
	}
	return summary, nil
}

func (p *Provider) fetchPnL(ctx context.Context) (*core.PnLSummary, error) {
	account, err := p.account()
	if err != nil {
		return nil, err
	}
	body, err := p.get(ctx, "/iserver/account/pnl/partitioned", nil)
	if err != nil {
		return nil, err
	}
	var resp pnlResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	summary := &core.PnLSummary{Date: time.Now().Format("2006-01-02")}
	for key, row := range resp.UPnL {
		if !strings.HasPrefix(key, account+".") {
			continue
		}
		summary.Realized = row.DPL
		summary.Unrealized = row.UPL
		break
	}
	summary.Total = summary.Realized + summary.Unrealized
	return summary, nil
}

// Exposure implements core.IProvider. A balance failure only disables the
// net-liquidation divisor; gross position value takes over.
func (p *Provider) Exposure(ctx context.Context, group string) ([]core.ExposureEntry, error) {
	if err := base.ValidateExposureGroup(group); err != nil {
		return nil, err
	}
	positions, err := p.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var nlv float64
	if balance, err := p.Balance(ctx); err == nil {
		nlv = balance.NetLiquidation
	}
	return base.ComputeExposure(positions, group, nlv), nil
}
