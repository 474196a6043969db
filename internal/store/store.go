// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL and SQLite (durable), Redis (read-through
// cache over another Store), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/easyfin/trading-engine/internal/model"
)

// ErrNotFound is returned when a user or account does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Reads outside WithinAccount see only
// committed state.
type Store interface {
	// --- Users and accounts ---

	// CreateUser persists a user together with its account and the account's
	// initial movements. Fails with model.ErrDuplicateIdentity when the email
	// is already registered.
	CreateUser(ctx context.Context, user *model.User, acct *model.Account) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByEmail retrieves a user by email, case-insensitively.
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// GetAccount returns the user's account with its movements in the order
	// they were recorded.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// Snapshot returns the account (with movements) and all positions of
	// the user as of one point in time: an execution is either fully
	// visible in both or in neither.
	Snapshot(ctx context.Context, userID string) (*model.Account, []model.Position, error)

	// --- Position book ---

	// GetPosition returns the position for (userID, ticker) or an error
	// wrapping model.ErrPositionNotFound.
	GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error)

	// ListPositions returns all of a user's positions sorted by ticker.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Order history ---

	// ListOrders returns a user's orders, newest first.
	ListOrders(ctx context.Context, userID string) ([]model.Order, error)

	// --- Instruments ---

	// SeedInstruments inserts the given instruments that are not present yet.
	// Existing instruments keep their current price.
	SeedInstruments(ctx context.Context, instruments []model.Instrument) error

	// GetInstrument returns one instrument or an error wrapping
	// model.ErrInstrumentNotFound.
	GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error)

	// ListInstruments returns all instruments sorted by ticker.
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	// UpdatePrices stores new prices for the given instruments in one step.
	UpdatePrices(ctx context.Context, instruments []model.Instrument) error

	// --- Atomic execution ---

	// WithinAccount runs fn against a transaction bound to userID. Calls for
	// the same user are serialized. If fn returns nil every write made
	// through the Tx becomes visible at once; otherwise none does.
	WithinAccount(ctx context.Context, userID string, fn func(Tx) error) error
}

// Tx is the per-entity write surface used while executing an order. Reads
// through a Tx observe the Tx's own uncommitted writes.
type Tx interface {
	// GetAccount returns the account without its movement history.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// SaveAccount stores the account balance and appends mv to its history.
	SaveAccount(ctx context.Context, acct *model.Account, mv model.Movement) error

	GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error)
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// SavePosition inserts or replaces the (UserID, Ticker) position.
	SavePosition(ctx context.Context, pos *model.Position) error

	// DeletePosition removes the (userID, ticker) position.
	DeletePosition(ctx context.Context, userID, ticker string) error

	// AppendOrder records an executed order.
	AppendOrder(ctx context.Context, order *model.Order) error
}
