package valuation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestValue_Empty(t *testing.T) {
	p, err := Value(d(10000), nil, Prices{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Positions) != 0 {
		t.Errorf("expected no positions, got %d", len(p.Positions))
	}
	if !p.Totals.NAV.Equal(d(10000)) || !p.Totals.InstrumentValue.IsZero() {
		t.Errorf("unexpected totals %+v", p.Totals)
	}
}

func TestValue_MarksToMarket(t *testing.T) {
	positions := []model.Position{
		{Ticker: "MSFT", Quantity: 2, AvgCost: d(410)},
		{Ticker: "AAPL", Quantity: 10, AvgCost: d(185)},
	}
	prices := Prices{"AAPL": d(190), "MSFT": d(400), "TSLA": d(220)}

	p, err := Value(d(8150), positions, prices)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Positions) != 2 || p.Positions[0].Ticker != "AAPL" {
		t.Fatalf("expected positions sorted by ticker, got %+v", p.Positions)
	}

	aapl := p.Positions[0]
	if !aapl.MarketValue.Equal(d(1900)) || !aapl.UnrealizedPnL.Equal(d(50)) {
		t.Errorf("AAPL: expected mv 1900 pnl 50, got mv %s pnl %s", aapl.MarketValue, aapl.UnrealizedPnL)
	}
	msft := p.Positions[1]
	if !msft.MarketValue.Equal(d(800)) || !msft.UnrealizedPnL.Equal(d(-20)) {
		t.Errorf("MSFT: expected mv 800 pnl -20, got mv %s pnl %s", msft.MarketValue, msft.UnrealizedPnL)
	}

	tot := p.Totals
	if !tot.InstrumentValue.Equal(d(2700)) {
		t.Errorf("expected instrument value 2700, got %s", tot.InstrumentValue)
	}
	if !tot.NAV.Equal(d(10850)) {
		t.Errorf("expected NAV 10850, got %s", tot.NAV)
	}
	if !tot.Cash.Equal(d(8150)) {
		t.Errorf("expected cash 8150, got %s", tot.Cash)
	}
	if !tot.UnrealizedPnL.Equal(d(30)) {
		t.Errorf("expected unrealized 30, got %s", tot.UnrealizedPnL)
	}
}

func TestValue_MissingPrice(t *testing.T) {
	positions := []model.Position{{Ticker: "GONE", Quantity: 1, AvgCost: d(1)}}
	if _, err := Value(d(0), positions, Prices{}); !errors.Is(err, model.ErrInstrumentNotFound) {
		t.Errorf("expected ErrInstrumentNotFound, got %v", err)
	}
}

func TestFromInstruments(t *testing.T) {
	prices := FromInstruments([]model.Instrument{
		{Ticker: "AAPL", Price: d(185)},
		{Ticker: "NVDA", Price: d(450)},
	})
	if len(prices) != 2 || !prices["NVDA"].Equal(d(450)) {
		t.Errorf("unexpected snapshot %v", prices)
	}
}
