package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound is returned by SessionStore.Lookup and Delete for
// unknown or expired sessions.
var ErrSessionNotFound = errors.New("auth: session not found")

// SessionStore maps session IDs to user IDs with an expiry.
type SessionStore interface {
	Create(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	Lookup(ctx context.Context, sessionID string) (string, error)
	// Delete removes a live session. Only one of several concurrent
	// deletes of the same session succeeds; the others get
	// ErrSessionNotFound.
	Delete(ctx context.Context, sessionID string) error
	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)
}

// MemorySessions is a process-local SessionStore.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]session
	now      func() time.Time
}

type session struct {
	userID  string
	expires time.Time
}

// NewMemorySessions creates an empty in-memory session store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]session), now: time.Now}
}

func (m *MemorySessions) Create(_ context.Context, sessionID, userID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = session{userID: userID, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemorySessions) Lookup(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	if !m.now().Before(s.expires) {
		delete(m.sessions, sessionID)
		return "", ErrSessionNotFound
	}
	return s.userID, nil
}

func (m *MemorySessions) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	if !m.now().Before(s.expires) {
		return ErrSessionNotFound
	}
	return nil
}

// Count drops expired sessions and returns how many remain.
func (m *MemorySessions) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, s := range m.sessions {
		if !now.Before(s.expires) {
			delete(m.sessions, id)
		}
	}
	return len(m.sessions), nil
}

// RedisSessions stores sessions in Redis with native key expiry, so every
// instance behind a load balancer sees the same logins.
type RedisSessions struct {
	rdb *redis.Client
}

// NewRedisSessions creates a Redis-backed session store.
func NewRedisSessions(rdb *redis.Client) *RedisSessions {
	return &RedisSessions{rdb: rdb}
}

func (r *RedisSessions) Create(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	return r.rdb.Set(ctx, sessionKey(sessionID), userID, ttl).Err()
}

func (r *RedisSessions) Lookup(ctx context.Context, sessionID string) (string, error) {
	userID, err := r.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (r *RedisSessions) Delete(ctx context.Context, sessionID string) error {
	n, err := r.rdb.Del(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Count scans the session keyspace. Expired sessions are already gone.
func (r *RedisSessions) Count(ctx context.Context) (int, error) {
	n := 0
	iter := r.rdb.Scan(ctx, 0, sessionKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }
