// Package middleware holds the transport middleware shared across routers.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// TokenValidator verifies a transport session token and returns the client
// identifier it is bound to.
type TokenValidator interface {
	Validate(token string) (string, error)
}

type contextKeyClientID struct{}

// ClientID retrieves the authenticated client identifier from the context,
// empty when the request did not pass RequireSession.
func ClientID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyClientID{}).(string)
	return id
}

// RequireSession rejects requests without a valid bearer session token. The
// token gates transport access only; it carries no key material.
func RequireSession(validator TokenValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				unauthorized(w)
				return
			}
			clientID, err := validator.Validate(token)
			if err != nil {
				logger.WarnContext(r.Context(), "rejected session token", "error", err)
				unauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyClientID{}, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"AUTHENTICATION_FAILED"}`))
}
