package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"cloudcollab/internal/account"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"
)

type contextKey string

const (
	AccountKey contextKey = "account"
	ClaimsKey  contextKey = "claims"
	TokenKey   contextKey = "token"
)

// AuthMiddleware resolves the bearer token to an account and stores the
// account, its claims and the raw token on the request context.
func AuthMiddleware(svc *account.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Browsers cannot set headers on a websocket handshake, so the
			// token may come in the query string.
			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				authHeader := r.Header.Get("Authorization")
				tokenString = strings.TrimPrefix(authHeader, "Bearer ")
			}

			if tokenString == "" {
				http.Error(w, "Unauthorized: No token provided", http.StatusUnauthorized)
				return
			}

			acc, claims, err := svc.Authenticate(r.Context(), tokenString)
			if err != nil {
				var ae *account.AuthError
				if errors.As(err, &ae) {
					logger.Sugar.Debugf("Rejected token: %v", err)
					http.Error(w, "Unauthorized: "+ae.Message, http.StatusUnauthorized)
					return
				}
				logger.Sugar.Errorf("Failed to authenticate request: %v", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), AccountKey, acc)
			ctx = context.WithValue(ctx, ClaimsKey, claims)
			ctx = context.WithValue(ctx, TokenKey, tokenString)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountFrom returns the account stored by AuthMiddleware.
func AccountFrom(ctx context.Context) (store.Account, bool) {
	acc, ok := ctx.Value(AccountKey).(store.Account)
	return acc, ok
}
