package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/NgigiN/stablelink/internal/api"
	"github.com/golang-jwt/jwt/v5"
)

type userKey struct{}

// userFrom returns the authenticated user id placed by requireUser.
func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// requireUser verifies an HS256 bearer token and stores its subject, the
// user id, on the request context.
func requireUser(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := requestIDFrom(r.Context())
			if secret == "" {
				api.WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication is not configured", requestID)
				return
			}

			tokenString := strings.TrimSpace(r.Header.Get("Authorization"))
			if tokenString == "" {
				api.WriteError(w, http.StatusUnauthorized, "missing_token", "Missing Authorization header", requestID)
				return
			}
			tokenString = strings.TrimPrefix(tokenString, "Bearer ")

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				api.WriteError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token", requestID)
				return
			}
			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				api.WriteError(w, http.StatusUnauthorized, "invalid_token", "Token has no subject", requestID)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, subject)))
		})
	}
}
