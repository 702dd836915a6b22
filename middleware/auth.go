package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

type contextKey string

const UserIDContextKey = contextKey("user_id")

// TokenCookie is the cookie checked when no Authorization header is sent.
const TokenCookie = "token"

// IdentityResolver turns an identity claim into a user id.
type IdentityResolver interface {
	UserID(token string) (string, error)
}

// AuthJWT rejects requests without a valid identity claim and stores the
// resolved user id in the request context.
func AuthJWT(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, msg := TokenFromRequest(r)
			if tokenString == "" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": msg})
				return
			}

			userID, err := resolver.UserID(tokenString)
			if err != nil {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromRequest returns the bearer token or the token cookie. When none
// is usable, the second value explains why.
func TokenFromRequest(r *http.Request) (string, string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", "Authorization header format must be Bearer {token}"
		}
		return parts[1], ""
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value, ""
	}
	return "", "Authorization header is required"
}

// UserID returns the user id stored by AuthJWT.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	return userID, ok && userID != ""
}
