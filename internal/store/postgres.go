package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/easyfin/trading-engine/internal/model"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// NewPool opens a pgx pool with the shopspring decimal codec registered on
// every connection, so NUMERIC columns scan straight into decimal.Decimal.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store. The pool should
// come from NewPool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User, acct *model.Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, name, email, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", model.ErrDuplicateIdentity, u.Email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (id, user_id, iban, balance) VALUES ($1, $2, $3, $4)`,
		acct.ID, u.ID, acct.IBAN, acct.Balance)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	for _, mv := range acct.Movements {
		if err := insertMovement(ctx, tx, mv); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.scanUser(ctx, `SELECT id, name, email, password_hash, created_at FROM users WHERE id = $1`, id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.scanUser(ctx, `SELECT id, name, email, password_hash, created_at FROM users WHERE LOWER(email) = LOWER($1)`, email)
}

func (s *PostgresStore) scanUser(ctx context.Context, query, arg string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", arg, err)
	}
	return &u, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := getAccount(ctx, s.pool, userID, false)
	if err != nil {
		return nil, err
	}
	if err := loadMovements(ctx, s.pool, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Snapshot reads the account and the positions in one read-only
// REPEATABLE READ transaction.
func (s *PostgresStore) Snapshot(ctx context.Context, userID string) (*model.Account, []model.Position, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := getAccount(ctx, tx, userID, false)
	if err != nil {
		return nil, nil, err
	}
	if err := loadMovements(ctx, tx, acct); err != nil {
		return nil, nil, err
	}
	positions, err := listPositions(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return acct, positions, nil
}

func loadMovements(ctx context.Context, q querier, acct *model.Account) error {
	rows, err := q.Query(ctx,
		`SELECT id, account_id, date, description, amount
		 FROM movements WHERE account_id = $1 ORDER BY seq`, acct.ID)
	if err != nil {
		return fmt.Errorf("get movements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mv model.Movement
		if err := rows.Scan(&mv.ID, &mv.AccountID, &mv.Date, &mv.Description, &mv.Amount); err != nil {
			return fmt.Errorf("scan movement: %w", err)
		}
		acct.Movements = append(acct.Movements, mv)
	}
	return rows.Err()
}

func getAccount(ctx context.Context, q querier, userID string, forUpdate bool) (*model.Account, error) {
	query := `SELECT id, user_id, iban, balance FROM accounts WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var a model.Account
	err := q.QueryRow(ctx, query, userID).Scan(&a.ID, &a.UserID, &a.IBAN, &a.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account for user %s: %w", userID, err)
	}
	return &a, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return getPosition(ctx, s.pool, userID, ticker)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, s.pool, userID)
}

func getPosition(ctx context.Context, q querier, userID, ticker string) (*model.Position, error) {
	var p model.Position
	err := q.QueryRow(ctx,
		`SELECT user_id, ticker, quantity, avg_cost FROM positions WHERE user_id = $1 AND ticker = $2`,
		userID, ticker).Scan(&p.UserID, &p.Ticker, &p.Quantity, &p.AvgCost)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", ticker, err)
	}
	return &p, nil
}

func listPositions(ctx context.Context, q querier, userID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, ticker, quantity, avg_cost FROM positions WHERE user_id = $1 ORDER BY ticker`, userID)
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

func (s *PostgresStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, side, ticker, quantity, price, status, realized_pnl, created_at
		 FROM orders WHERE user_id = $1 ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []model.Order{}
	for rows.Next() {
		var o model.Order
		var pnl decimal.NullDecimal
		if err := rows.Scan(&o.ID, &o.UserID, &o.Side, &o.Ticker, &o.Quantity,
			&o.Price, &o.Status, &pnl, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if pnl.Valid {
			o.RealizedPnL = &pnl.Decimal
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) SeedInstruments(ctx context.Context, instruments []model.Instrument) error {
	for _, in := range instruments {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO instruments (ticker, name, price) VALUES ($1, $2, $3) ON CONFLICT (ticker) DO NOTHING`,
			in.Ticker, in.Name, in.Price)
		if err != nil {
			return fmt.Errorf("seed instrument %s: %w", in.Ticker, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	var in model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT ticker, name, price FROM instruments WHERE ticker = $1`, ticker).
		Scan(&in.Ticker, &in.Name, &in.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, ticker)
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", ticker, err)
	}
	return &in, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, `SELECT ticker, name, price FROM instruments ORDER BY ticker`)
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

func (s *PostgresStore) UpdatePrices(ctx context.Context, instruments []model.Instrument) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, in := range instruments {
		tag, err := tx.Exec(ctx, `UPDATE instruments SET price = $2 WHERE ticker = $1`, in.Ticker, in.Price)
		if err != nil {
			return fmt.Errorf("update price %s: %w", in.Ticker, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, in.Ticker)
		}
	}
	return tx.Commit(ctx)
}

// WithinAccount locks the account row FOR UPDATE for the lifetime of the
// transaction, which serializes executions for the same user.
func (s *PostgresStore) WithinAccount(ctx context.Context, userID string, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := getAccount(ctx, tx, userID, true)
	if err != nil {
		return err
	}

	if err := fn(&postgresTx{tx: tx, account: acct}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx      pgx.Tx
	account *model.Account // locked row, refreshed on SaveAccount
}

func (t *postgresTx) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	if userID != t.account.UserID {
		return nil, fmt.Errorf("store: transaction bound to user %s, got %s", t.account.UserID, userID)
	}
	acct := *t.account
	return &acct, nil
}

func (t *postgresTx) SaveAccount(ctx context.Context, acct *model.Account, mv model.Movement) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET balance = $2 WHERE id = $1`, acct.ID, acct.Balance)
	if err != nil {
		return fmt.Errorf("save account %s: %w", acct.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", acct.ID, ErrNotFound)
	}
	if err := insertMovement(ctx, t.tx, mv); err != nil {
		return err
	}
	saved := *acct
	saved.Movements = nil
	t.account = &saved
	return nil
}

func (t *postgresTx) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return getPosition(ctx, t.tx, userID, ticker)
}

func (t *postgresTx) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return listPositions(ctx, t.tx, userID)
}

func (t *postgresTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (user_id, ticker, quantity, avg_cost) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, ticker) DO UPDATE SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost`,
		p.UserID, p.Ticker, p.Quantity, p.AvgCost)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.Ticker, err)
	}
	return nil
}

func (t *postgresTx) DeletePosition(ctx context.Context, userID, ticker string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND ticker = $2`, userID, ticker)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", ticker, err)
	}
	return nil
}

func (t *postgresTx) AppendOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, side, ticker, quantity, price, status, realized_pnl, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.ID, o.UserID, o.Side, o.Ticker, o.Quantity, o.Price, o.Status, o.RealizedPnL, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("append order: %w", err)
	}
	return nil
}

func insertMovement(ctx context.Context, q querier, mv model.Movement) error {
	_, err := q.Exec(ctx,
		`INSERT INTO movements (id, account_id, date, description, amount) VALUES ($1, $2, $3, $4, $5)`,
		mv.ID, mv.AccountID, mv.Date, mv.Description, mv.Amount)
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}
