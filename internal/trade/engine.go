// Package trade executes buy and sell orders against the cash ledger and the
// position book, and serves the read views built on top of them.
//
// All monetary values use shopspring/decimal. Every write of an execution
// goes through one store.WithinAccount call, so an order either fully
// happens or leaves no trace.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/ledger"
	"github.com/easyfin/trading-engine/internal/metrics"
	"github.com/easyfin/trading-engine/internal/model"
	"github.com/easyfin/trading-engine/internal/position"
	"github.com/easyfin/trading-engine/internal/quote"
	"github.com/easyfin/trading-engine/internal/store"
	"github.com/easyfin/trading-engine/internal/ticker"
	"github.com/easyfin/trading-engine/internal/valuation"
)

// Publisher receives executions after they commit. *stream.Hub satisfies it.
type Publisher interface {
	OrderExecuted(order model.Order)
}

// Engine is the order execution engine.
type Engine struct {
	store  store.Store
	quotes quote.Provider
	pub    Publisher // optional
	now    func() time.Time
}

// NewEngine creates an engine. Pass nil for pub if executions need not be
// published.
func NewEngine(st store.Store, quotes quote.Provider, pub Publisher) *Engine {
	return &Engine{
		store:  st,
		quotes: quotes,
		pub:    pub,
		now:    time.Now,
	}
}

// Buy purchases quantity units of tkr at the current price and returns the
// refreshed portfolio.
func (e *Engine) Buy(ctx context.Context, userID, tkr string, quantity int64) (*model.Portfolio, error) {
	start := time.Now()
	side := model.SideBuy

	if quantity < 1 {
		return nil, e.reject(userID, side, tkr, fmt.Errorf("%w: got %d", model.ErrInvalidQuantity, quantity))
	}
	sym, err := ticker.Normalize(tkr)
	if err != nil {
		return nil, e.reject(userID, side, tkr, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, tkr))
	}

	// The price is snapshotted once; a concurrent noise round does not
	// affect this execution.
	price, err := e.quotes.CurrentPrice(ctx, sym)
	if err != nil {
		return nil, e.reject(userID, side, sym, err)
	}
	cost := price.Mul(decimal.NewFromInt(quantity))

	var order model.Order
	err = e.store.WithinAccount(ctx, userID, func(tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, userID)
		if err != nil {
			return err
		}

		at := e.now().UTC()
		mv, err := ledger.Debit(acct, cost, "Buy "+sym, at)
		if err != nil {
			return err
		}
		if _, err := position.OpenOrIncrease(ctx, tx, userID, sym, quantity, price); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, acct, mv); err != nil {
			return err
		}

		order = model.Order{
			ID:        uuid.New().String(),
			UserID:    userID,
			Side:      side,
			Ticker:    sym,
			Quantity:  quantity,
			Price:     price,
			Status:    model.StatusExecuted,
			CreatedAt: at,
		}
		return tx.AppendOrder(ctx, &order)
	})
	if err != nil {
		return nil, e.reject(userID, side, sym, accountErr(userID, err))
	}

	e.executed(order, start, "cost", cost.StringFixed(2))
	return e.Portfolio(ctx, userID)
}

// Sell disposes of quantity units of tkr at the current price, realizing
// (price - average cost) * quantity, and returns the refreshed portfolio.
func (e *Engine) Sell(ctx context.Context, userID, tkr string, quantity int64) (*model.Portfolio, error) {
	start := time.Now()
	side := model.SideSell

	if quantity < 1 {
		return nil, e.reject(userID, side, tkr, fmt.Errorf("%w: got %d", model.ErrInvalidQuantity, quantity))
	}
	sym, err := ticker.Normalize(tkr)
	if err != nil {
		// A malformed symbol can never be held.
		return nil, e.reject(userID, side, tkr, fmt.Errorf("%w: %s", model.ErrPositionNotFound, tkr))
	}

	var order model.Order
	var proceeds decimal.Decimal
	err = e.store.WithinAccount(ctx, userID, func(tx store.Tx) error {
		pos, err := position.Get(ctx, tx, userID, sym)
		if err != nil {
			return err
		}
		if pos.Quantity < quantity {
			return position.InsufficientQuantity(pos.Quantity, quantity)
		}

		price, err := e.quotes.CurrentPrice(ctx, sym)
		if err != nil {
			return err
		}
		qty := decimal.NewFromInt(quantity)
		proceeds = price.Mul(qty)
		realized := price.Sub(pos.AvgCost).Mul(qty)

		acct, err := tx.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		at := e.now().UTC()
		mv, err := ledger.Credit(acct, proceeds, "Sell "+sym, at)
		if err != nil {
			return err
		}
		if _, err := position.Decrease(ctx, tx, userID, sym, quantity); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, acct, mv); err != nil {
			return err
		}

		order = model.Order{
			ID:          uuid.New().String(),
			UserID:      userID,
			Side:        side,
			Ticker:      sym,
			Quantity:    quantity,
			Price:       price,
			Status:      model.StatusExecuted,
			RealizedPnL: &realized,
			CreatedAt:   at,
		}
		return tx.AppendOrder(ctx, &order)
	})
	if err != nil {
		return nil, e.reject(userID, side, sym, accountErr(userID, err))
	}

	e.executed(order, start, "proceeds", proceeds.StringFixed(2), "realized_pnl", order.RealizedPnL.StringFixed(2))
	return e.Portfolio(ctx, userID)
}

// Portfolio values the user's positions against one price snapshot. Cash
// and positions come from one store snapshot.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	acct, positions, err := e.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, accountErr(userID, err)
	}
	return e.value(ctx, acct.Balance, positions)
}

// Account returns the account summary: balance, movements, instrument value
// and NAV.
func (e *Engine) Account(ctx context.Context, userID string) (*model.AccountView, error) {
	acct, positions, err := e.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, accountErr(userID, err)
	}
	p, err := e.value(ctx, acct.Balance, positions)
	if err != nil {
		return nil, err
	}

	movements := acct.Movements
	if movements == nil {
		movements = []model.Movement{}
	}
	return &model.AccountView{
		ID:              acct.ID,
		IBAN:            acct.IBAN,
		Balance:         acct.Balance,
		Movements:       movements,
		InstrumentValue: p.Totals.InstrumentValue,
		NAV:             p.Totals.NAV,
	}, nil
}

// Orders returns the user's order history, newest first.
func (e *Engine) Orders(ctx context.Context, userID string) ([]model.Order, error) {
	orders, err := e.store.ListOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders for %s: %w", userID, err)
	}
	return orders, nil
}

func (e *Engine) value(ctx context.Context, cash decimal.Decimal, positions []model.Position) (*model.Portfolio, error) {
	instruments, err := e.quotes.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("price snapshot: %w", err)
	}
	return valuation.Value(cash, positions, valuation.FromInstruments(instruments))
}

func (e *Engine) executed(order model.Order, start time.Time, attrs ...any) {
	side := string(order.Side)
	metrics.OrdersTotal.WithLabelValues(side).Inc()
	metrics.OrderLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.TradedVolume.WithLabelValues(order.Ticker, side).Add(float64(order.Quantity))

	args := append([]any{
		"order_id", order.ID,
		"user", order.UserID,
		"side", side,
		"ticker", order.Ticker,
		"qty", order.Quantity,
		"price", order.Price.StringFixed(2),
	}, attrs...)
	slog.Info("order executed", args...)

	if e.pub != nil {
		e.pub.OrderExecuted(order)
	}
}

// reject records a failed order. Business rejections are counted and logged
// at info level; anything else is an infrastructure failure.
func (e *Engine) reject(userID string, side model.Side, tkr string, err error) error {
	reason := rejectionReason(err)
	if reason == "" {
		slog.Error("order failed", "user", userID, "side", side, "ticker", tkr, "err", err)
		return err
	}
	metrics.OrderRejections.WithLabelValues(string(side), reason).Inc()
	slog.Info("order rejected", "user", userID, "side", side, "ticker", tkr, "reason", reason, "err", err)
	return err
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, model.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, model.ErrInstrumentNotFound):
		return "instrument_not_found"
	case errors.Is(err, model.ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientQuantity):
		return "insufficient_quantity"
	default:
		return ""
	}
}

// accountErr reports a missing account as an unauthenticated caller: a
// session can outlive the user it names.
func accountErr(userID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no account for user %s", model.ErrUnauthenticated, userID)
	}
	return err
}
