package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/easyfin/trading-engine/internal/model"
)

type contextKey struct{}

// Resolver turns a session token into a user ID. *auth.Service satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// RequireSession rejects requests without a live bearer session and stores
// the resolved user ID in the request context.
func RequireSession(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				respondError(w, r, err)
				return
			}
			userID, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				respondError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), contextKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the user resolved by RequireSession.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", model.ErrUnauthenticated)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", fmt.Errorf("%w: authorization header must be a bearer token", model.ErrUnauthenticated)
	}
	return token, nil
}
