package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/easyfin/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User               // id → user
	emails      map[string]string                    // lower(email) → user id
	accounts    map[string]*model.Account            // user id → account
	positions   map[string]map[string]model.Position // user id → ticker → position
	orders      map[string][]model.Order             // user id → orders, oldest first
	instruments map[string]model.Instrument

	userLocks sync.Map // user id → *sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*model.User),
		emails:      make(map[string]string),
		accounts:    make(map[string]*model.Account),
		positions:   make(map[string]map[string]model.Position),
		orders:      make(map[string][]model.Order),
		instruments: make(map[string]model.Instrument),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(u.Email)
	if _, ok := s.emails[key]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateIdentity, u.Email)
	}

	userCopy := *u
	s.users[u.ID] = &userCopy
	s.emails[key] = u.ID
	s.accounts[u.ID] = copyAccount(acct)
	s.positions[u.ID] = make(map[string]model.Position)
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	userCopy := *u
	return &userCopy, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	userCopy := *s.users[id]
	return &userCopy, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	return copyAccount(a), nil
}

// Snapshot reads under one store lock; commit applies an execution under
// the write side of the same lock.
func (s *MemoryStore) Snapshot(_ context.Context, userID string) (*model.Account, []model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	return copyAccount(a), s.listPositionsLocked(userID), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, ticker string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPositionLocked(userID, ticker)
}

func (s *MemoryStore) getPositionLocked(userID, ticker string) (*model.Position, error) {
	p, ok := s.positions[userID][ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, ticker)
	}
	return &p, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPositionsLocked(userID), nil
}

func (s *MemoryStore) listPositionsLocked(userID string) []model.Position {
	positions := make([]model.Position, 0, len(s.positions[userID]))
	for _, p := range s.positions[userID] {
		positions = append(positions, p)
	}
	sortPositions(positions)
	return positions
}

func (s *MemoryStore) ListOrders(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.orders[userID]
	orders := make([]model.Order, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		orders = append(orders, history[i])
	}
	return orders, nil
}

func (s *MemoryStore) SeedInstruments(_ context.Context, instruments []model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range instruments {
		if _, ok := s.instruments[in.Ticker]; !ok {
			s.instruments[in.Ticker] = in
		}
	}
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, ticker string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.instruments[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, ticker)
	}
	return &in, nil
}

func (s *MemoryStore) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instruments := make([]model.Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		instruments = append(instruments, in)
	}
	sort.Slice(instruments, func(i, j int) bool { return instruments[i].Ticker < instruments[j].Ticker })
	return instruments, nil
}

func (s *MemoryStore) UpdatePrices(_ context.Context, instruments []model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, in := range instruments {
		cur, ok := s.instruments[in.Ticker]
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrInstrumentNotFound, in.Ticker)
		}
		cur.Price = in.Price
		s.instruments[in.Ticker] = cur
	}
	return nil
}

// WithinAccount serializes callers per user. Writes are staged on the
// transaction and applied under the store lock only after fn succeeds.
func (s *MemoryStore) WithinAccount(ctx context.Context, userID string, fn func(Tx) error) error {
	lock, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	_, ok := s.accounts[userID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}

	tx := &memoryTx{
		store:     s,
		userID:    userID,
		positions: make(map[string]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memoryTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.accounts[tx.userID]
	if tx.account != nil {
		acct.Balance = tx.account.Balance
		acct.Movements = append(acct.Movements, tx.movements...)
	}
	book := s.positions[tx.userID]
	for ticker, p := range tx.positions {
		if p == nil {
			delete(book, ticker)
		} else {
			book[ticker] = *p
		}
	}
	s.orders[tx.userID] = append(s.orders[tx.userID], tx.orders...)
}

// memoryTx stages writes for one user. A nil entry in positions marks a
// staged deletion.
type memoryTx struct {
	store     *MemoryStore
	userID    string
	account   *model.Account
	movements []model.Movement
	positions map[string]*model.Position
	orders    []model.Order
}

func (tx *memoryTx) bound(userID string) error {
	if userID != tx.userID {
		return fmt.Errorf("store: transaction bound to user %s, got %s", tx.userID, userID)
	}
	return nil
}

func (tx *memoryTx) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	if err := tx.bound(userID); err != nil {
		return nil, err
	}
	if tx.account != nil {
		acct := *tx.account
		return &acct, nil
	}
	acct, err := tx.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	acct.Movements = nil
	return acct, nil
}

func (tx *memoryTx) SaveAccount(_ context.Context, acct *model.Account, mv model.Movement) error {
	if err := tx.bound(acct.UserID); err != nil {
		return err
	}
	if acct.Balance.IsNegative() {
		return fmt.Errorf("store: negative balance %s for account %s", acct.Balance, acct.ID)
	}
	staged := *acct
	staged.Movements = nil
	tx.account = &staged
	tx.movements = append(tx.movements, mv)
	return nil
}

func (tx *memoryTx) GetPosition(_ context.Context, userID, ticker string) (*model.Position, error) {
	if err := tx.bound(userID); err != nil {
		return nil, err
	}
	if p, ok := tx.positions[ticker]; ok {
		if p == nil {
			return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, ticker)
		}
		pos := *p
		return &pos, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.getPositionLocked(userID, ticker)
}

func (tx *memoryTx) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	if err := tx.bound(userID); err != nil {
		return nil, err
	}
	tx.store.mu.RLock()
	committed := tx.store.listPositionsLocked(userID)
	tx.store.mu.RUnlock()

	merged := make(map[string]model.Position, len(committed))
	for _, p := range committed {
		merged[p.Ticker] = p
	}
	for ticker, p := range tx.positions {
		if p == nil {
			delete(merged, ticker)
		} else {
			merged[ticker] = *p
		}
	}
	positions := make([]model.Position, 0, len(merged))
	for _, p := range merged {
		positions = append(positions, p)
	}
	sortPositions(positions)
	return positions, nil
}

func (tx *memoryTx) SavePosition(_ context.Context, pos *model.Position) error {
	if err := tx.bound(pos.UserID); err != nil {
		return err
	}
	if pos.Quantity <= 0 {
		return fmt.Errorf("store: position %s quantity must be positive, got %d", pos.Ticker, pos.Quantity)
	}
	staged := *pos
	tx.positions[pos.Ticker] = &staged
	return nil
}

func (tx *memoryTx) DeletePosition(_ context.Context, userID, ticker string) error {
	if err := tx.bound(userID); err != nil {
		return err
	}
	tx.positions[ticker] = nil
	return nil
}

func (tx *memoryTx) AppendOrder(_ context.Context, order *model.Order) error {
	if err := tx.bound(order.UserID); err != nil {
		return err
	}
	tx.orders = append(tx.orders, *order)
	return nil
}

func copyAccount(a *model.Account) *model.Account {
	acct := *a
	acct.Movements = append([]model.Movement(nil), a.Movements...)
	return &acct
}

func sortPositions(positions []model.Position) {
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticker < positions[j].Ticker })
}
