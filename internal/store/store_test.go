package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedUser(t *testing.T, s Store, id, email string, balance float64) *model.Account {
	t.Helper()
	now := time.Now().UTC()
	acct := &model.Account{
		ID:      "acct-" + id,
		UserID:  id,
		IBAN:    "IT00X" + id,
		Balance: d(balance),
		Movements: []model.Movement{{
			ID: "mv-open-" + id, AccountID: "acct-" + id, Date: now,
			Description: "Opening balance", Amount: d(balance),
		}},
	}
	u := &model.User{ID: id, Name: "Test " + id, Email: email, PasswordHash: "x", CreatedAt: now}
	if err := s.CreateUser(context.Background(), u, acct); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return acct
}

// runStoreSuite exercises behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateUser_DuplicateEmail", func(t *testing.T) {
		s := newStore(t)
		seedUser(t, s, "u1", "ada@example.com", 100)

		u := &model.User{ID: "u2", Name: "Other", Email: "ADA@example.com", PasswordHash: "x", CreatedAt: time.Now()}
		acct := &model.Account{ID: "acct-u2", UserID: "u2", IBAN: "IT00Xu2"}
		err := s.CreateUser(context.Background(), u, acct)
		if !errors.Is(err, model.ErrDuplicateIdentity) {
			t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
		}

		got, err := s.GetUserByEmail(context.Background(), "Ada@Example.com")
		if err != nil || got.ID != "u1" {
			t.Fatalf("expected case-insensitive lookup of u1, got %v %v", got, err)
		}
	})

	t.Run("GetAccount_WithMovements", func(t *testing.T) {
		s := newStore(t)
		seedUser(t, s, "u1", "u1@example.com", 10000)

		acct, err := s.GetAccount(context.Background(), "u1")
		if err != nil {
			t.Fatalf("get account: %v", err)
		}
		if !acct.Balance.Equal(d(10000)) {
			t.Errorf("expected balance 10000, got %s", acct.Balance)
		}
		if len(acct.Movements) != 1 || acct.Movements[0].Description != "Opening balance" {
			t.Errorf("unexpected movements %+v", acct.Movements)
		}

		if _, err := s.GetAccount(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Instruments", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed := []model.Instrument{
			{Ticker: "MSFT", Name: "Microsoft", Price: d(410)},
			{Ticker: "AAPL", Name: "Apple", Price: d(185)},
		}
		if err := s.SeedInstruments(ctx, seed); err != nil {
			t.Fatalf("seed: %v", err)
		}
		if err := s.UpdatePrices(ctx, []model.Instrument{{Ticker: "AAPL", Price: d(190.5)}}); err != nil {
			t.Fatalf("update prices: %v", err)
		}
		// Seeding again must not reset an existing price.
		if err := s.SeedInstruments(ctx, seed); err != nil {
			t.Fatalf("reseed: %v", err)
		}

		in, err := s.GetInstrument(ctx, "AAPL")
		if err != nil {
			t.Fatalf("get instrument: %v", err)
		}
		if !in.Price.Equal(d(190.5)) {
			t.Errorf("expected 190.5, got %s", in.Price)
		}

		list, err := s.ListInstruments(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 2 || list[0].Ticker != "AAPL" || list[1].Ticker != "MSFT" {
			t.Errorf("expected [AAPL MSFT], got %+v", list)
		}

		if _, err := s.GetInstrument(ctx, "ZZZZ"); !errors.Is(err, model.ErrInstrumentNotFound) {
			t.Errorf("expected ErrInstrumentNotFound, got %v", err)
		}
		err = s.UpdatePrices(ctx, []model.Instrument{{Ticker: "ZZZZ", Price: d(1)}})
		if !errors.Is(err, model.ErrInstrumentNotFound) {
			t.Errorf("expected ErrInstrumentNotFound on update, got %v", err)
		}
	})

	t.Run("WithinAccount_Commit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedUser(t, s, "u1", "u1@example.com", 1000)

		pnl := d(12.5)
		err := s.WithinAccount(ctx, "u1", func(tx Tx) error {
			acct, err := tx.GetAccount(ctx, "u1")
			if err != nil {
				return err
			}
			acct.Balance = acct.Balance.Sub(d(370))
			mv := model.Movement{ID: "mv-1", AccountID: acct.ID, Date: time.Now(), Description: "Buy AAPL", Amount: d(-370)}
			if err := tx.SaveAccount(ctx, acct, mv); err != nil {
				return err
			}
			if err := tx.SavePosition(ctx, &model.Position{UserID: "u1", Ticker: "AAPL", Quantity: 2, AvgCost: d(185)}); err != nil {
				return err
			}
			if err := tx.SavePosition(ctx, &model.Position{UserID: "u1", Ticker: "MSFT", Quantity: 1, AvgCost: d(410)}); err != nil {
				return err
			}
			if err := tx.DeletePosition(ctx, "u1", "MSFT"); err != nil {
				return err
			}

			// Reads observe the transaction's own writes.
			p, err := tx.GetPosition(ctx, "u1", "AAPL")
			if err != nil || p.Quantity != 2 {
				return fmt.Errorf("read-your-writes: %v %v", p, err)
			}
			if _, err := tx.GetPosition(ctx, "u1", "MSFT"); !errors.Is(err, model.ErrPositionNotFound) {
				return fmt.Errorf("deleted position still visible: %v", err)
			}

			if err := tx.AppendOrder(ctx, &model.Order{ID: "o1", UserID: "u1", Side: model.SideBuy, Ticker: "AAPL",
				Quantity: 2, Price: d(185), Status: model.StatusExecuted, CreatedAt: time.Now()}); err != nil {
				return err
			}
			return tx.AppendOrder(ctx, &model.Order{ID: "o2", UserID: "u1", Side: model.SideSell, Ticker: "AAPL",
				Quantity: 1, Price: d(197.5), Status: model.StatusExecuted, RealizedPnL: &pnl, CreatedAt: time.Now()})
		})
		if err != nil {
			t.Fatalf("within account: %v", err)
		}

		acct, _ := s.GetAccount(ctx, "u1")
		if !acct.Balance.Equal(d(630)) || len(acct.Movements) != 2 {
			t.Errorf("unexpected account after commit: %s, %d movements", acct.Balance, len(acct.Movements))
		}
		positions, _ := s.ListPositions(ctx, "u1")
		if len(positions) != 1 || positions[0].Ticker != "AAPL" || !positions[0].AvgCost.Equal(d(185)) {
			t.Errorf("unexpected positions %+v", positions)
		}
		orders, _ := s.ListOrders(ctx, "u1")
		if len(orders) != 2 || orders[0].ID != "o2" || orders[1].ID != "o1" {
			t.Fatalf("expected orders newest first, got %+v", orders)
		}
		if orders[0].RealizedPnL == nil || !orders[0].RealizedPnL.Equal(pnl) {
			t.Errorf("expected realized pnl 12.5 on sell, got %v", orders[0].RealizedPnL)
		}
		if orders[1].RealizedPnL != nil {
			t.Errorf("expected nil realized pnl on buy, got %v", orders[1].RealizedPnL)
		}
	})

	t.Run("WithinAccount_RollbackOnError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedUser(t, s, "u1", "u1@example.com", 1000)

		boom := errors.New("boom")
		err := s.WithinAccount(ctx, "u1", func(tx Tx) error {
			acct, _ := tx.GetAccount(ctx, "u1")
			acct.Balance = d(1)
			mv := model.Movement{ID: "mv-x", AccountID: acct.ID, Date: time.Now(), Description: "x", Amount: d(-999)}
			if err := tx.SaveAccount(ctx, acct, mv); err != nil {
				return err
			}
			if err := tx.SavePosition(ctx, &model.Position{UserID: "u1", Ticker: "AAPL", Quantity: 5, AvgCost: d(1)}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		acct, _ := s.GetAccount(ctx, "u1")
		if !acct.Balance.Equal(d(1000)) || len(acct.Movements) != 1 {
			t.Errorf("rolled-back write leaked: %s, %d movements", acct.Balance, len(acct.Movements))
		}
		if _, err := s.GetPosition(ctx, "u1", "AAPL"); !errors.Is(err, model.ErrPositionNotFound) {
			t.Errorf("rolled-back position leaked: %v", err)
		}
	})

	t.Run("Snapshot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedUser(t, s, "u1", "u1@example.com", 1000)

		acct, positions, err := s.Snapshot(ctx, "u1")
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if !acct.Balance.Equal(d(1000)) || len(acct.Movements) != 1 || len(positions) != 0 {
			t.Errorf("unexpected snapshot %s, %d movements, %+v", acct.Balance, len(acct.Movements), positions)
		}

		if _, _, err := s.Snapshot(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Snapshot_ConsistentWithWriters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedUser(t, s, "u1", "u1@example.com", 1000)

		// Each execution moves 10 of cash into one unit held at 10, so
		// balance + 10*quantity stays 1000 in every committed state.
		const n = 30
		done := make(chan error, 1)
		go func() {
			for i := 0; i < n; i++ {
				err := s.WithinAccount(ctx, "u1", func(tx Tx) error {
					acct, err := tx.GetAccount(ctx, "u1")
					if err != nil {
						return err
					}
					acct.Balance = acct.Balance.Sub(d(10))
					mv := model.Movement{ID: fmt.Sprintf("mv-%d", i), AccountID: acct.ID, Date: time.Now(), Description: "Buy", Amount: d(-10)}
					if err := tx.SaveAccount(ctx, acct, mv); err != nil {
						return err
					}
					qty := int64(1)
					if p, err := tx.GetPosition(ctx, "u1", "AAPL"); err == nil {
						qty += p.Quantity
					}
					return tx.SavePosition(ctx, &model.Position{UserID: "u1", Ticker: "AAPL", Quantity: qty, AvgCost: d(10)})
				})
				if err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()

		for {
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("writer: %v", err)
				}
				return
			default:
			}
			acct, positions, err := s.Snapshot(ctx, "u1")
			if err != nil {
				t.Fatalf("snapshot: %v", err)
			}
			total := acct.Balance
			for _, p := range positions {
				total = total.Add(d(10).Mul(decimal.NewFromInt(p.Quantity)))
			}
			if !total.Equal(d(1000)) {
				t.Fatalf("torn snapshot: balance %s with positions %+v", acct.Balance, positions)
			}
			if len(acct.Movements) != int(1+(1000-acct.Balance.IntPart())/10) {
				t.Fatalf("movements out of step with balance %s: %d", acct.Balance, len(acct.Movements))
			}
		}
	})

	t.Run("WithinAccount_UnknownUser", func(t *testing.T) {
		s := newStore(t)
		err := s.WithinAccount(context.Background(), "ghost", func(Tx) error { return nil })
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("WithinAccount_Serialized", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seedUser(t, s, "u1", "u1@example.com", 1000)

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.WithinAccount(ctx, "u1", func(tx Tx) error {
					acct, err := tx.GetAccount(ctx, "u1")
					if err != nil {
						return err
					}
					acct.Balance = acct.Balance.Sub(d(10))
					mv := model.Movement{ID: fmt.Sprintf("mv-%d", i), AccountID: acct.ID, Date: time.Now(), Description: "Buy", Amount: d(-10)}
					return tx.SaveAccount(ctx, acct, mv)
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("concurrent execution failed: %v", err)
			}
		}

		acct, _ := s.GetAccount(ctx, "u1")
		if !acct.Balance.Equal(d(800)) {
			t.Errorf("expected 800 after %d debits of 10, got %s (lost update)", n, acct.Balance)
		}
		if len(acct.Movements) != n+1 {
			t.Errorf("expected %d movements, got %d", n+1, len(acct.Movements))
		}
	})
}
