package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/easyfin/trading-engine/internal/model"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT and timestamps as unix nanoseconds.
//
// SQLite allows one writer at a time; writeMu keeps every write transaction
// in this process strictly sequential so no transaction ever has to upgrade
// a read lock while another writer holds the database.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) write(ctx context.Context, fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User, acct *model.Account) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		// Writers are sequential, so check-then-insert cannot race.
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE email = ? COLLATE NOCASE`, u.Email).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check email: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", model.ErrDuplicateIdentity, u.Email)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (id, name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
			u.ID, u.Name, u.Email, u.PasswordHash, u.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO accounts (id, user_id, iban, balance) VALUES (?, ?, ?, ?)`,
			acct.ID, u.ID, acct.IBAN, acct.Balance.String())
		if err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		for _, mv := range acct.Movements {
			if err := sqliteInsertMovement(ctx, tx, mv); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.scanUser(ctx, `SELECT id, name, email, password_hash, created_at FROM users WHERE id = ?`, id)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.scanUser(ctx, `SELECT id, name, email, password_hash, created_at FROM users WHERE email = ? COLLATE NOCASE`, email)
}

func (s *SQLiteStore) scanUser(ctx context.Context, query, arg string) (*model.User, error) {
	var u model.User
	var created int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", arg, err)
	}
	u.CreatedAt = fromUnixNano(created)
	return &u, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := sqliteGetAccount(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if err := sqliteLoadMovements(ctx, s.db, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Snapshot reads the account and the positions in one transaction. Under
// WAL the first read pins the snapshot for the rest of the transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context, userID string) (*model.Account, []model.Position, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	acct, err := sqliteGetAccount(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	if err := sqliteLoadMovements(ctx, tx, acct); err != nil {
		return nil, nil, err
	}
	positions, err := sqliteListPositions(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	return acct, positions, nil
}

func sqliteLoadMovements(ctx context.Context, q sqlQuerier, acct *model.Account) error {
	rows, err := q.QueryContext(ctx,
		`SELECT id, account_id, date, description, amount FROM movements WHERE account_id = ? ORDER BY seq`, acct.ID)
	if err != nil {
		return fmt.Errorf("get movements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mv model.Movement
		var date int64
		if err := rows.Scan(&mv.ID, &mv.AccountID, &date, &mv.Description, &mv.Amount); err != nil {
			return fmt.Errorf("scan movement: %w", err)
		}
		mv.Date = fromUnixNano(date)
		acct.Movements = append(acct.Movements, mv)
	}
	return rows.Err()
}

func sqliteGetAccount(ctx context.Context, q sqlQuerier, userID string) (*model.Account, error) {
	var a model.Account
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, iban, balance FROM accounts WHERE user_id = ?`, userID).
		Scan(&a.ID, &a.UserID, &a.IBAN, &a.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account for user %s: %w", userID, err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return sqliteGetPosition(ctx, s.db, userID, ticker)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return sqliteListPositions(ctx, s.db, userID)
}

func sqliteGetPosition(ctx context.Context, q sqlQuerier, userID, ticker string) (*model.Position, error) {
	var p model.Position
	err := q.QueryRowContext(ctx,
		`SELECT user_id, ticker, quantity, avg_cost FROM positions WHERE user_id = ? AND ticker = ?`,
		userID, ticker).Scan(&p.UserID, &p.Ticker, &p.Quantity, &p.AvgCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", ticker, err)
	}
	return &p, nil
}

func sqliteListPositions(ctx context.Context, q sqlQuerier, userID string) ([]model.Position, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, ticker, quantity, avg_cost FROM positions WHERE user_id = ? ORDER BY ticker`, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.UserID, &p.Ticker, &p.Quantity, &p.AvgCost); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, side, ticker, quantity, price, status, realized_pnl, created_at
		 FROM orders WHERE user_id = ? ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		var o model.Order
		var pnl decimal.NullDecimal
		var created int64
		if err := rows.Scan(&o.ID, &o.UserID, &o.Side, &o.Ticker, &o.Quantity,
			&o.Price, &o.Status, &pnl, &created); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if pnl.Valid {
			o.RealizedPnL = &pnl.Decimal
		}
		o.CreatedAt = fromUnixNano(created)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *SQLiteStore) SeedInstruments(ctx context.Context, instruments []model.Instrument) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, in := range instruments {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO instruments (ticker, name, price) VALUES (?, ?, ?) ON CONFLICT (ticker) DO NOTHING`,
				in.Ticker, in.Name, in.Price.String())
			if err != nil {
				return fmt.Errorf("seed instrument %s: %w", in.Ticker, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	var in model.Instrument
	err := s.db.QueryRowContext(ctx,
		`SELECT ticker, name, price FROM instruments WHERE ticker = ?`, ticker).
		Scan(&in.Ticker, &in.Name, &in.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", ticker, err)
	}
	return &in, nil
}

func (s *SQLiteStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, name, price FROM instruments ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	instruments := []model.Instrument{}
	for rows.Next() {
		var in model.Instrument
		if err := rows.Scan(&in.Ticker, &in.Name, &in.Price); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		instruments = append(instruments, in)
	}
	return instruments, rows.Err()
}

func (s *SQLiteStore) UpdatePrices(ctx context.Context, instruments []model.Instrument) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, in := range instruments {
			res, err := tx.ExecContext(ctx,
				`UPDATE instruments SET price = ? WHERE ticker = ?`, in.Price.String(), in.Ticker)
			if err != nil {
				return fmt.Errorf("update price %s: %w", in.Ticker, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, in.Ticker)
			}
		}
		return nil
	})
}

// WithinAccount runs fn in a write transaction. Executions are serialized
// across all users since SQLite has a single writer.
func (s *SQLiteStore) WithinAccount(ctx context.Context, userID string, fn func(Tx) error) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		acct, err := sqliteGetAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		return fn(&sqliteTx{tx: tx, account: acct})
	})
}

type sqliteTx struct {
	tx      *sql.Tx
	account *model.Account
}

func (t *sqliteTx) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	if userID != t.account.UserID {
		return nil, fmt.Errorf("store: transaction bound to user %s, got %s", t.account.UserID, userID)
	}
	acct := *t.account
	return &acct, nil
}

func (t *sqliteTx) SaveAccount(ctx context.Context, acct *model.Account, mv model.Movement) error {
	if acct.Balance.IsNegative() {
		return fmt.Errorf("store: negative balance %s for account %s", acct.Balance, acct.ID)
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE accounts SET balance = ? WHERE id = ?`, acct.Balance.String(), acct.ID)
	if err != nil {
		return fmt.Errorf("save account %s: %w", acct.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", acct.ID, ErrNotFound)
	}
	if err := sqliteInsertMovement(ctx, t.tx, mv); err != nil {
		return err
	}
	saved := *acct
	saved.Movements = nil
	t.account = &saved
	return nil
}

func (t *sqliteTx) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return sqliteGetPosition(ctx, t.tx, userID, ticker)
}

func (t *sqliteTx) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return sqliteListPositions(ctx, t.tx, userID)
}

func (t *sqliteTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (user_id, ticker, quantity, avg_cost) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, ticker) DO UPDATE SET quantity = excluded.quantity, avg_cost = excluded.avg_cost`,
		p.UserID, p.Ticker, p.Quantity, p.AvgCost.String())
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.Ticker, err)
	}
	return nil
}

func (t *sqliteTx) DeletePosition(ctx context.Context, userID, ticker string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ? AND ticker = ?`, userID, ticker)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", ticker, err)
	}
	return nil
}

func (t *sqliteTx) AppendOrder(ctx context.Context, o *model.Order) error {
	var pnl any
	if o.RealizedPnL != nil {
		pnl = o.RealizedPnL.String()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, side, ticker, quantity, price, status, realized_pnl, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, string(o.Side), o.Ticker, o.Quantity, o.Price.String(), string(o.Status), pnl, o.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append order: %w", err)
	}
	return nil
}

func sqliteInsertMovement(ctx context.Context, q sqlQuerier, mv model.Movement) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO movements (id, account_id, date, description, amount) VALUES (?, ?, ?, ?, ?)`,
		mv.ID, mv.AccountID, mv.Date.UnixNano(), mv.Description, mv.Amount.String())
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
