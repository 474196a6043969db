package position

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// book is a map-backed Writer for a single user.
type book struct {
	positions map[string]model.Position
	saves     int
	deletes   int
}

func newBook() *book {
	return &book{positions: make(map[string]model.Position)}
}

func (b *book) GetPosition(_ context.Context, _, ticker string) (*model.Position, error) {
	p, ok := b.positions[ticker]
	if !ok {
		return nil, model.ErrPositionNotFound
	}
	return &p, nil
}

func (b *book) ListPositions(_ context.Context, _ string) ([]model.Position, error) {
	out := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (b *book) SavePosition(_ context.Context, p *model.Position) error {
	b.saves++
	b.positions[p.Ticker] = *p
	return nil
}

func (b *book) DeletePosition(_ context.Context, _, ticker string) error {
	b.deletes++
	delete(b.positions, ticker)
	return nil
}

func TestOpenOrIncrease_Opens(t *testing.T) {
	b := newBook()
	pos, err := OpenOrIncrease(context.Background(), b, "u1", "AAPL", 10, d(185))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Quantity != 10 || !pos.AvgCost.Equal(d(185)) {
		t.Errorf("expected 10 @ 185, got %d @ %s", pos.Quantity, pos.AvgCost)
	}
	if b.positions["AAPL"].Quantity != 10 {
		t.Error("position not saved")
	}
}

func TestOpenOrIncrease_WeightedAverage(t *testing.T) {
	b := newBook()
	ctx := context.Background()
	if _, err := OpenOrIncrease(ctx, b, "u1", "AAPL", 10, d(185)); err != nil {
		t.Fatal(err)
	}
	pos, err := OpenOrIncrease(ctx, b, "u1", "AAPL", 5, d(200))
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 15 {
		t.Errorf("expected quantity 15, got %d", pos.Quantity)
	}
	if !pos.AvgCost.Equal(d(190)) {
		t.Errorf("expected avg 190, got %s", pos.AvgCost)
	}
}

func TestOpenOrIncrease_InvalidInput(t *testing.T) {
	b := newBook()
	ctx := context.Background()
	if _, err := OpenOrIncrease(ctx, b, "u1", "AAPL", 0, d(185)); !errors.Is(err, model.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := OpenOrIncrease(ctx, b, "u1", "AAPL", 1, decimal.Zero); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero price, got %v", err)
	}
	if b.saves != 0 {
		t.Errorf("expected no writes, got %d", b.saves)
	}
}

func TestDecrease_Partial(t *testing.T) {
	b := newBook()
	ctx := context.Background()
	OpenOrIncrease(ctx, b, "u1", "MSFT", 10, d(410))

	pos, err := Decrease(ctx, b, "u1", "MSFT", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Quantity != 6 {
		t.Errorf("expected 6 remaining, got %d", pos.Quantity)
	}
	if !pos.AvgCost.Equal(d(410)) {
		t.Errorf("average cost must not change on decrease, got %s", pos.AvgCost)
	}
}

func TestDecrease_ToZeroDeletes(t *testing.T) {
	b := newBook()
	ctx := context.Background()
	OpenOrIncrease(ctx, b, "u1", "MSFT", 3, d(410))

	pos, err := Decrease(ctx, b, "u1", "MSFT", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != nil {
		t.Errorf("expected nil position after full decrease, got %+v", pos)
	}
	if _, ok := b.positions["MSFT"]; ok {
		t.Error("position with zero quantity must be deleted")
	}
	if b.deletes != 1 {
		t.Errorf("expected 1 delete, got %d", b.deletes)
	}
}

func TestDecrease_Errors(t *testing.T) {
	b := newBook()
	ctx := context.Background()
	OpenOrIncrease(ctx, b, "u1", "MSFT", 3, d(410))
	saves := b.saves

	if _, err := Decrease(ctx, b, "u1", "AAPL", 1); !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}

	_, err := Decrease(ctx, b, "u1", "MSFT", 4)
	if !errors.Is(err, model.ErrInsufficientQuantity) {
		t.Fatalf("expected ErrInsufficientQuantity, got %v", err)
	}
	if want := "insufficient quantity: held 3, requested 4"; err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}

	if _, err := Decrease(ctx, b, "u1", "MSFT", 0); !errors.Is(err, model.ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}

	if b.saves != saves || b.deletes != 0 || b.positions["MSFT"].Quantity != 3 {
		t.Error("failed decrease mutated the book")
	}
}

func TestList_SortedByTicker(t *testing.T) {
	b := newBook()
	ctx := context.Background()
	OpenOrIncrease(ctx, b, "u1", "TSLA", 1, d(220))
	OpenOrIncrease(ctx, b, "u1", "AAPL", 1, d(185))

	got, err := List(ctx, b, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Ticker != "AAPL" || got[1].Ticker != "TSLA" {
		t.Errorf("unexpected list %+v", got)
	}

	p, err := Get(ctx, b, "u1", "TSLA")
	if err != nil || p.Quantity != 1 {
		t.Errorf("unexpected get result %+v %v", p, err)
	}
}

func TestWeightedAverage(t *testing.T) {
	tests := []struct {
		name   string
		oldQty int64
		oldAvg decimal.Decimal
		qty    int64
		price  decimal.Decimal
		want   decimal.Decimal
	}{
		{"empty holding returns price", 0, decimal.Zero, 10, d(123.45), d(123.45)},
		{"zero lot keeps average", 10, d(100), 0, d(150), d(100)},
		{"worked example", 10, d(185), 5, d(200), d(190)},
		{"identical prices", 7, d(42), 3, d(42), d(42)},
		{"both zero returns price", 0, d(99.99), 0, d(88.88), d(88.88)},
		{
			"repeating decimal", 10, d(100), 5, d(110),
			decimal.RequireFromString("1550").Div(decimal.NewFromInt(15)),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := WeightedAverage(tc.oldQty, tc.oldAvg, tc.qty, tc.price)
			if !got.Equal(tc.want) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
