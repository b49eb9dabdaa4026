// Package auth scopes API requests to an account.
package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vdavid/mailsync/internal/logging"
)

type contextKey string

// AccountIDKey is the context key used to store the request's account id.
const AccountIDKey contextKey = "account_id"

// AccountHeader carries the account a request is scoped to.
const AccountHeader = "X-Account-ID"

// AccountExists reports whether an account id is known.
type AccountExists func(ctx context.Context, accountID string) (bool, error)

// RequireAccount rejects requests that do not name a known account. When
// token is not empty, requests must also carry it as a bearer token.
//
// Browsers cannot set headers on WebSocket upgrades, so the account id and
// token are also accepted from the account_id and token query parameters.
func RequireAccount(token string, exists AccountExists, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logging.WithOperation(logger, "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				got, ok := bearerToken(r)
				if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
					logger.Debug("Rejected request with missing or wrong token", slog.String("path", r.URL.Path))
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}

			accountID := strings.TrimSpace(r.Header.Get(AccountHeader))
			if accountID == "" {
				accountID = r.URL.Query().Get("account_id")
			}
			if accountID == "" {
				http.Error(w, AccountHeader+" header is required", http.StatusBadRequest)
				return
			}

			ok, err := exists(r.Context(), accountID)
			if err != nil {
				logger.Error("Failed to look up account", logging.Account(accountID), logging.Err(err))
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "Unknown account", http.StatusNotFound)
				return
			}

			ctx := context.WithValue(r.Context(), AccountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountIDFromContext returns the account id stored by RequireAccount.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(AccountIDKey).(string)
	return id, ok && id != ""
}

// bearerToken extracts the token of an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive (RFC 7235).
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, true
		}
		return "", false
	}

	fields := strings.Fields(header)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	return token, token != ""
}
