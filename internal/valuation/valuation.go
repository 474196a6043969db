// Package valuation marks positions to market and aggregates portfolio
// totals. It is pure: callers supply the cash balance, the positions and a
// price snapshot taken once per request.
package valuation

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

// Prices maps ticker to current price.
type Prices map[string]decimal.Decimal

// FromInstruments builds a price snapshot from an instrument listing.
func FromInstruments(instruments []model.Instrument) Prices {
	prices := make(Prices, len(instruments))
	for _, in := range instruments {
		prices[in.Ticker] = in.Price
	}
	return prices
}

// Value builds the portfolio view for the given holdings. Positions come
// back sorted by ticker. A position without a price fails with
// model.ErrInstrumentNotFound.
func Value(cash decimal.Decimal, positions []model.Position, prices Prices) (*model.Portfolio, error) {
	views := make([]model.PositionView, 0, len(positions))
	instrumentValue := decimal.Zero
	unrealized := decimal.Zero

	for _, p := range positions {
		price, ok := prices[p.Ticker]
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, p.Ticker)
		}
		qty := decimal.NewFromInt(p.Quantity)
		view := model.PositionView{
			Ticker:        p.Ticker,
			Quantity:      p.Quantity,
			AvgCost:       p.AvgCost,
			CurrentPrice:  price,
			MarketValue:   qty.Mul(price),
			UnrealizedPnL: price.Sub(p.AvgCost).Mul(qty),
		}
		instrumentValue = instrumentValue.Add(view.MarketValue)
		unrealized = unrealized.Add(view.UnrealizedPnL)
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Ticker < views[j].Ticker })

	return &model.Portfolio{
		Positions: views,
		Totals: model.Totals{
			InstrumentValue: instrumentValue,
			Cash:            cash,
			NAV:             instrumentValue.Add(cash),
			UnrealizedPnL:   unrealized,
		},
	}, nil
}
