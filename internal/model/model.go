// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is always StatusExecuted: orders fill fully and immediately.
type OrderStatus string

const StatusExecuted OrderStatus = "EXECUTED"

// User is a registered trader. Email is the unique account identity.
type User struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Account holds a user's cash. Balance always equals the sum of Movements.
type Account struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	IBAN      string          `json:"iban" db:"iban"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Movements []Movement      `json:"movements"`
}

// Movement is an immutable signed cash adjustment: positive credits,
// negative debits.
type Movement struct {
	ID          string          `json:"id" db:"id"`
	AccountID   string          `json:"account_id" db:"account_id"`
	Date        time.Time       `json:"date" db:"date"`
	Description string          `json:"description" db:"description"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
}

// Position is a user's holding in one ticker. Quantity is always > 0; a
// position sold down to zero is deleted.
type Position struct {
	UserID   string          `json:"user_id" db:"user_id"`
	Ticker   string          `json:"ticker" db:"ticker"`
	Quantity int64           `json:"quantity" db:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost" db:"avg_cost"`
}

// Order is an immutable record of an executed buy or sell.
// RealizedPnL is nil for buys.
type Order struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	Side        Side             `json:"side" db:"side"`
	Ticker      string           `json:"ticker" db:"ticker"`
	Quantity    int64            `json:"quantity" db:"quantity"`
	Price       decimal.Decimal  `json:"price" db:"price"`
	Status      OrderStatus      `json:"status" db:"status"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// Instrument is a tradable ticker with its current quoted price.
type Instrument struct {
	Ticker string          `json:"ticker" db:"ticker"`
	Name   string          `json:"name" db:"name"`
	Price  decimal.Decimal `json:"price" db:"price"`
}

// PositionView is a position marked to the current price.
type PositionView struct {
	Ticker        string          `json:"ticker"`
	Quantity      int64           `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Totals aggregates a portfolio. NAV = InstrumentValue + Cash.
type Totals struct {
	InstrumentValue decimal.Decimal `json:"instrument_value"`
	Cash            decimal.Decimal `json:"cash"`
	NAV             decimal.Decimal `json:"nav"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio is the valued set of a user's positions plus totals.
type Portfolio struct {
	Positions []PositionView `json:"positions"`
	Totals    Totals         `json:"totals"`
}

// AccountView is the account summary returned to the account owner.
type AccountView struct {
	ID              string          `json:"id"`
	IBAN            string          `json:"iban"`
	Balance         decimal.Decimal `json:"balance"`
	Movements       []Movement      `json:"movements"`
	InstrumentValue decimal.Decimal `json:"instrument_value"`
	NAV             decimal.Decimal `json:"nav"`
}
