package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newAccount(balance float64) *model.Account {
	acct := &model.Account{ID: "acct-1", UserID: "user-1"}
	if balance > 0 {
		if _, err := Credit(acct, d(balance), "Opening balance", time.Now()); err != nil {
			panic(err)
		}
	}
	return acct
}

func TestCredit(t *testing.T) {
	acct := newAccount(100)

	mv, err := Credit(acct, d(50.25), "Sell AAPL", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !acct.Balance.Equal(d(150.25)) {
		t.Errorf("expected balance 150.25, got %s", acct.Balance)
	}
	if !mv.Amount.Equal(d(50.25)) {
		t.Errorf("expected movement +50.25, got %s", mv.Amount)
	}
	if mv.AccountID != "acct-1" || mv.Description != "Sell AAPL" {
		t.Errorf("unexpected movement %+v", mv)
	}
	if len(acct.Movements) != 2 {
		t.Fatalf("expected 2 movements, got %d", len(acct.Movements))
	}
	if !Reconcile(acct) {
		t.Error("balance should equal movement sum")
	}
}

func TestCredit_InvalidAmount(t *testing.T) {
	for _, amt := range []float64{0, -10} {
		acct := newAccount(100)
		_, err := Credit(acct, d(amt), "bad", time.Now())
		if !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("amount %v: expected ErrInvalidAmount, got %v", amt, err)
		}
		if !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("amount %v: ErrInvalidAmount should be an ErrInvalidArgument", amt)
		}
		if !acct.Balance.Equal(d(100)) || len(acct.Movements) != 1 {
			t.Errorf("amount %v: account mutated on failure", amt)
		}
	}
}

func TestDebit(t *testing.T) {
	acct := newAccount(10000)

	mv, err := Debit(acct, d(1850), "Buy AAPL", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !acct.Balance.Equal(d(8150)) {
		t.Errorf("expected 8150, got %s", acct.Balance)
	}
	if !mv.Amount.Equal(d(-1850)) {
		t.Errorf("expected movement -1850, got %s", mv.Amount)
	}
	if !Reconcile(acct) {
		t.Error("balance should equal movement sum")
	}
}

func TestDebit_ExactBalance(t *testing.T) {
	acct := newAccount(100)

	if _, err := Debit(acct, d(100), "Buy TSLA", time.Now()); err != nil {
		t.Fatalf("debit of the full balance should succeed: %v", err)
	}
	if !acct.Balance.IsZero() {
		t.Errorf("expected zero balance, got %s", acct.Balance)
	}
}

func TestDebit_InsufficientFunds(t *testing.T) {
	acct := newAccount(100)

	_, err := Debit(acct, d(100.01), "Buy TSLA", time.Now())
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	want := "insufficient funds: available 100.00, required 100.01"
	if err.Error() != want {
		t.Errorf("expected message %q, got %q", want, err.Error())
	}
	if !acct.Balance.Equal(d(100)) || len(acct.Movements) != 1 {
		t.Error("account mutated on failure")
	}
}

func TestDebit_InvalidAmount(t *testing.T) {
	acct := newAccount(100)
	if _, err := Debit(acct, decimal.Zero, "bad", time.Now()); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestReconcile_DetectsDrift(t *testing.T) {
	acct := newAccount(100)
	acct.Balance = d(99)
	if Reconcile(acct) {
		t.Error("reconcile should fail when balance drifts from movements")
	}
}
