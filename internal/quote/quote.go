// Package quote owns instrument prices: lookups for the engine and the
// random noise walk that moves them.
package quote

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/metrics"
	"github.com/easyfin/trading-engine/internal/model"
)

// Provider is what the execution engine needs from a price source.
type Provider interface {
	// CurrentPrice returns the ticker's price or an error wrapping
	// model.ErrInstrumentNotFound.
	CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	// ApplyNoise perturbs every price and returns the updated instruments.
	ApplyNoise(ctx context.Context) ([]model.Instrument, error)
}

// Catalog is the instrument storage the Service reads and updates.
// store.Store satisfies it.
type Catalog interface {
	SeedInstruments(ctx context.Context, instruments []model.Instrument) error
	GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)
	UpdatePrices(ctx context.Context, instruments []model.Instrument) error
}

// MaxMove is the largest relative move of one noise round (±2%).
var MaxMove = decimal.RequireFromString("0.02")

var (
	floorFactor = decimal.RequireFromString("0.98")
	one         = decimal.NewFromInt(1)
)

// DefaultInstruments is the catalogue seeded on first start.
func DefaultInstruments() []model.Instrument {
	return []model.Instrument{
		{Ticker: "GOOGL", Name: "Alphabet Inc.", Price: decimal.RequireFromString("140.00")},
		{Ticker: "AAPL", Name: "Apple Inc.", Price: decimal.RequireFromString("185.00")},
		{Ticker: "MSFT", Name: "Microsoft Corporation", Price: decimal.RequireFromString("410.00")},
		{Ticker: "AMZN", Name: "Amazon.com Inc.", Price: decimal.RequireFromString("155.00")},
		{Ticker: "NVDA", Name: "NVIDIA Corporation", Price: decimal.RequireFromString("450.00")},
		{Ticker: "META", Name: "Meta Platforms Inc.", Price: decimal.RequireFromString("320.00")},
		{Ticker: "TSLA", Name: "Tesla Inc.", Price: decimal.RequireFromString("220.00")},
	}
}

// Service is the Catalog-backed Provider.
type Service struct {
	catalog Catalog
	noiseMu sync.Mutex // one noise round at a time
	float64 func() float64
}

// NewService creates a quote service. random returns values in [0, 1); nil
// uses math/rand/v2.
func NewService(catalog Catalog, random func() float64) *Service {
	if random == nil {
		random = rand.Float64
	}
	return &Service{catalog: catalog, float64: random}
}

// Seed inserts the instruments missing from the catalogue.
func (s *Service) Seed(ctx context.Context, instruments []model.Instrument) error {
	return s.catalog.SeedInstruments(ctx, instruments)
}

func (s *Service) CurrentPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	in, err := s.catalog.GetInstrument(ctx, ticker)
	if err != nil {
		return decimal.Zero, err
	}
	return in.Price, nil
}

func (s *Service) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	return s.catalog.ListInstruments(ctx)
}

// ApplyNoise moves every price by a uniform random factor in ±2%, rounded to
// cents, and stores all new prices in one update.
func (s *Service) ApplyNoise(ctx context.Context) ([]model.Instrument, error) {
	s.noiseMu.Lock()
	defer s.noiseMu.Unlock()

	instruments, err := s.catalog.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range instruments {
		instruments[i].Price = Perturb(instruments[i].Price, s.float64())
	}
	if err := s.catalog.UpdatePrices(ctx, instruments); err != nil {
		return nil, err
	}

	metrics.PriceUpdates.Inc()
	slog.Debug("quotes updated", "instruments", len(instruments))
	return instruments, nil
}

// Perturb applies one noise step to price given r in [0, 1): the move is
// (r-0.5)*4%. A result that would not be positive falls back to price*0.98.
func Perturb(price decimal.Decimal, r float64) decimal.Decimal {
	delta := decimal.NewFromFloat(r).Sub(decimal.NewFromFloat(0.5)).Mul(MaxMove.Mul(decimal.NewFromInt(2)))
	next := price.Mul(one.Add(delta)).Round(2)
	if !next.IsPositive() {
		return price.Mul(floorFactor)
	}
	return next
}
