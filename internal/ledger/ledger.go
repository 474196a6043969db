// Package ledger applies credits and debits to an account's cash balance.
//
// Every successful call appends exactly one Movement and adjusts Balance by
// the same signed amount, so Balance always equals the running sum of
// Movements. Validation finishes before either field is touched: a failed
// call leaves the account exactly as it was.
package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

// Credit adds amount to the account and returns the recorded movement.
func Credit(acct *model.Account, amount decimal.Decimal, description string, at time.Time) (model.Movement, error) {
	if !amount.IsPositive() {
		return model.Movement{}, fmt.Errorf("%w: got %s", model.ErrInvalidAmount, amount)
	}
	return apply(acct, amount, description, at), nil
}

// Debit removes amount from the account. It fails with
// model.ErrInsufficientFunds when the balance does not cover amount.
func Debit(acct *model.Account, amount decimal.Decimal, description string, at time.Time) (model.Movement, error) {
	if !amount.IsPositive() {
		return model.Movement{}, fmt.Errorf("%w: got %s", model.ErrInvalidAmount, amount)
	}
	if acct.Balance.LessThan(amount) {
		return model.Movement{}, InsufficientFunds(acct.Balance, amount)
	}
	return apply(acct, amount.Neg(), description, at), nil
}

// InsufficientFunds builds the error reported when available cash does not
// cover required.
func InsufficientFunds(available, required decimal.Decimal) error {
	return fmt.Errorf("%w: available %s, required %s",
		model.ErrInsufficientFunds, available.StringFixed(2), required.StringFixed(2))
}

// Reconcile reports whether the balance equals the sum of all movements.
func Reconcile(acct *model.Account) bool {
	sum := decimal.Zero
	for _, m := range acct.Movements {
		sum = sum.Add(m.Amount)
	}
	return sum.Equal(acct.Balance)
}

func apply(acct *model.Account, signed decimal.Decimal, description string, at time.Time) model.Movement {
	mv := model.Movement{
		ID:          uuid.New().String(),
		AccountID:   acct.ID,
		Date:        at.UTC(),
		Description: description,
		Amount:      signed,
	}
	acct.Balance = acct.Balance.Add(signed)
	acct.Movements = append(acct.Movements, mv)
	return mv
}
