// Package auth registers users, issues login sessions and resolves session
// tokens to user IDs.
//
// Tokens are HS256 JWTs. A token is only honoured while its ID (jti) is
// present in the SessionStore, so Logout revokes it immediately.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/easyfin/trading-engine/internal/ledger"
	"github.com/easyfin/trading-engine/internal/model"
	"github.com/easyfin/trading-engine/internal/store"
)

// bcrypt ignores input beyond 72 bytes.
const maxPasswordBytes = 72

// Users is the user storage the Service needs. store.Store satisfies it.
type Users interface {
	CreateUser(ctx context.Context, user *model.User, acct *model.Account) error
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// Config holds the Service settings.
type Config struct {
	Secret          []byte
	TTL             time.Duration
	StartingBalance decimal.Decimal
}

// Service handles registration and sessions.
type Service struct {
	users    Users
	sessions SessionStore
	cfg      Config
	now      func() time.Time
}

// NewService creates an auth service. A zero TTL defaults to 24h.
func NewService(users Users, sessions SessionStore, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Service{users: users, sessions: sessions, cfg: cfg, now: time.Now}
}

// Register creates a user and their account, funded with the starting
// balance through an opening movement.
func (s *Service) Register(ctx context.Context, name, email, password string) (*model.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: name is required", model.ErrInvalidArgument)
	case email == "":
		return nil, fmt.Errorf("%w: email is required", model.ErrInvalidArgument)
	case strings.TrimSpace(password) == "":
		return nil, fmt.Errorf("%w: password is required", model.ErrInvalidArgument)
	case len(password) > maxPasswordBytes:
		return nil, fmt.Errorf("%w: password too long (max %d bytes)", model.ErrInvalidArgument, maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := &model.User{
		ID:           uuid.New().String(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
	}
	acct := &model.Account{
		ID:      uuid.New().String(),
		UserID:  user.ID,
		IBAN:    MockIBAN(),
		Balance: decimal.Zero,
	}
	if s.cfg.StartingBalance.IsPositive() {
		if _, err := ledger.Credit(acct, s.cfg.StartingBalance, "Opening balance", now); err != nil {
			return nil, err
		}
	}

	if err := s.users.CreateUser(ctx, user, acct); err != nil {
		return nil, err
	}
	slog.Info("user registered", "user", user.ID, "iban", acct.IBAN)
	return user, nil
}

// Login checks credentials and returns a signed session token.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: invalid credentials", model.ErrUnauthenticated)
	}
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", fmt.Errorf("%w: invalid credentials", model.ErrUnauthenticated)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	if err := s.sessions.Create(ctx, claims.ID, user.ID, s.cfg.TTL); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	slog.Info("user logged in", "user", user.ID)
	return token, nil
}

// Logout revokes the session behind token.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	if _, err := s.lookup(ctx, claims.ID); err != nil {
		return err
	}
	// A concurrent logout of the same session may have won the delete.
	err = s.sessions.Delete(ctx, claims.ID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return fmt.Errorf("%w: session expired or logged out", model.ErrUnauthenticated)
	case err != nil:
		return fmt.Errorf("delete session: %w", err)
	}

	slog.Info("user logged out", "user", claims.Subject)
	return nil
}

// Resolve returns the user ID behind a live session token, or an error
// wrapping model.ErrUnauthenticated.
func (s *Service) Resolve(ctx context.Context, token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	userID, err := s.lookup(ctx, claims.ID)
	if err != nil {
		return "", err
	}
	if userID != claims.Subject {
		return "", fmt.Errorf("%w: session does not match token", model.ErrUnauthenticated)
	}
	return userID, nil
}

func (s *Service) parse(token string) (*jwt.RegisteredClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", model.ErrUnauthenticated)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnauthenticated, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing session claims", model.ErrUnauthenticated)
	}
	return claims, nil
}

func (s *Service) lookup(ctx context.Context, sessionID string) (string, error) {
	userID, err := s.sessions.Lookup(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return "", fmt.Errorf("%w: session expired or logged out", model.ErrUnauthenticated)
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	return userID, nil
}

// MockIBAN returns an Italian-looking account number: "IT", two check
// digits, one bank letter and 22 digits. It is not checksum-valid.
func MockIBAN() string {
	var b strings.Builder
	b.Grow(27)
	fmt.Fprintf(&b, "IT%02d%c", rand.IntN(100), 'A'+rand.IntN(26))
	for i := 0; i < 22; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}
