// Package position maintains the per-user position book: held quantity and
// volume-weighted average cost per ticker.
package position

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

// Reader is the read side of a position store. Both store.Store and
// store.Tx satisfy it.
type Reader interface {
	GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error)
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)
}

// Writer adds the mutations used during an execution. store.Tx satisfies it.
type Writer interface {
	Reader
	SavePosition(ctx context.Context, pos *model.Position) error
	DeletePosition(ctx context.Context, userID, ticker string) error
}

// OpenOrIncrease adds qty units bought at price to the user's position,
// creating it when absent. The average cost becomes the quantity-weighted
// mean of the existing holding and the new lot.
func OpenOrIncrease(ctx context.Context, w Writer, userID, ticker string, qty int64, price decimal.Decimal) (*model.Position, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidQuantity, qty)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price %s", model.ErrInvalidAmount, price)
	}

	pos, err := w.GetPosition(ctx, userID, ticker)
	switch {
	case errors.Is(err, model.ErrPositionNotFound):
		pos = &model.Position{UserID: userID, Ticker: ticker, Quantity: qty, AvgCost: price}
	case err != nil:
		return nil, err
	default:
		pos.AvgCost = WeightedAverage(pos.Quantity, pos.AvgCost, qty, price)
		pos.Quantity += qty
	}

	if err := w.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// Decrease removes qty units from the user's position. The position is
// deleted when its quantity reaches zero, in which case Decrease returns a
// nil position. Average cost is never recalculated here.
func Decrease(ctx context.Context, w Writer, userID, ticker string, qty int64) (*model.Position, error) {
	if qty < 1 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidQuantity, qty)
	}

	pos, err := w.GetPosition(ctx, userID, ticker)
	if err != nil {
		return nil, err
	}
	if pos.Quantity < qty {
		return nil, InsufficientQuantity(pos.Quantity, qty)
	}

	pos.Quantity -= qty
	if pos.Quantity == 0 {
		if err := w.DeletePosition(ctx, userID, ticker); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := w.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// Get returns the user's position in ticker or an error wrapping
// model.ErrPositionNotFound.
func Get(ctx context.Context, r Reader, userID, ticker string) (*model.Position, error) {
	return r.GetPosition(ctx, userID, ticker)
}

// List returns all of the user's positions sorted by ticker.
func List(ctx context.Context, r Reader, userID string) ([]model.Position, error) {
	return r.ListPositions(ctx, userID)
}

// InsufficientQuantity builds the error reported when a sell asks for more
// units than are held.
func InsufficientQuantity(held, requested int64) error {
	return fmt.Errorf("%w: held %d, requested %d", model.ErrInsufficientQuantity, held, requested)
}

// WeightedAverage returns (oldQty*oldAvg + qty*price) / (oldQty+qty), or
// price when both quantities are zero.
func WeightedAverage(oldQty int64, oldAvg decimal.Decimal, qty int64, price decimal.Decimal) decimal.Decimal {
	total := decimal.NewFromInt(oldQty + qty)
	if total.IsZero() {
		return price
	}
	held := decimal.NewFromInt(oldQty).Mul(oldAvg)
	lot := decimal.NewFromInt(qty).Mul(price)
	return held.Add(lot).Div(total)
}
