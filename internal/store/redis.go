package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easyfin/trading-engine/internal/model"
)

const instrumentsGenKey = "instruments:gen"

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store; reads check Redis
// first then fall back to the primary.
//
// Cached: the instrument catalogue and each user's order history. Accounts
// and positions are always read from the primary.
//
// Cache keys carry a generation number that writers bump after the primary
// commits. A reader fills the key of the generation it observed before
// reading the primary, so a fill racing a write lands on a key no later
// reader looks at.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store. Entries of
// superseded generations are left to expire, so a non-positive ttl falls
// back to 30s.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary first, then bump the generation) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User, acct *model.Account) error {
	return s.primary.CreateUser(ctx, u, acct)
}

func (s *CachedStore) SeedInstruments(ctx context.Context, instruments []model.Instrument) error {
	if err := s.primary.SeedInstruments(ctx, instruments); err != nil {
		return err
	}
	s.bump(ctx, instrumentsGenKey)
	return nil
}

func (s *CachedStore) UpdatePrices(ctx context.Context, instruments []model.Instrument) error {
	if err := s.primary.UpdatePrices(ctx, instruments); err != nil {
		return err
	}
	s.bump(ctx, instrumentsGenKey)
	return nil
}

// WithinAccount delegates to the primary and moves the user's order cache
// to a new generation once the execution has committed.
func (s *CachedStore) WithinAccount(ctx context.Context, userID string, fn func(Tx) error) error {
	if err := s.primary.WithinAccount(ctx, userID, fn); err != nil {
		return err
	}
	s.bump(ctx, ordersGenKey(userID))
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetInstrument(ctx context.Context, ticker string) (*model.Instrument, error) {
	gen, ok := s.generation(ctx, instrumentsGenKey)
	key := instrumentKey(gen, ticker)

	var in model.Instrument
	if ok && s.load(ctx, key, &in) {
		return &in, nil
	}

	got, err := s.primary.GetInstrument(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if ok {
		s.save(ctx, key, got)
	}
	return got, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	gen, ok := s.generation(ctx, instrumentsGenKey)
	key := instrumentsKey(gen)

	var instruments []model.Instrument
	if ok && s.load(ctx, key, &instruments) {
		return instruments, nil
	}

	instruments, err := s.primary.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		s.save(ctx, key, instruments)
	}
	return instruments, nil
}

func (s *CachedStore) ListOrders(ctx context.Context, userID string) ([]model.Order, error) {
	gen, ok := s.generation(ctx, ordersGenKey(userID))
	key := ordersKey(gen, userID)

	var orders []model.Order
	if ok && s.load(ctx, key, &orders) {
		return orders, nil
	}

	orders, err := s.primary.ListOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.save(ctx, key, orders)
	}
	return orders, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.primary.GetUserByEmail(ctx, email)
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) Snapshot(ctx context.Context, userID string) (*model.Account, []model.Position, error) {
	return s.primary.Snapshot(ctx, userID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, ticker string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, ticker)
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, userID)
}

// --- Cache helpers ---

// generation returns the current value of a generation counter. ok is false
// when Redis cannot be read, and the caller then bypasses the cache.
func (s *CachedStore) generation(ctx context.Context, key string) (int64, bool) {
	gen, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		return 0, false
	}
	return gen, true
}

func (s *CachedStore) bump(ctx context.Context, key string) {
	if err := s.rdb.Incr(ctx, key).Err(); err != nil {
		slog.Warn("cache generation bump failed, entries stay live until their TTL", "key", key, "err", err)
	}
}

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func instrumentsKey(gen int64) string               { return fmt.Sprintf("instruments:%d", gen) }
func instrumentKey(gen int64, ticker string) string { return fmt.Sprintf("instrument:%d:%s", gen, ticker) }
func ordersGenKey(uid string) string                { return fmt.Sprintf("orders:gen:%s", uid) }
func ordersKey(gen int64, uid string) string        { return fmt.Sprintf("orders:%d:%s", gen, uid) }
