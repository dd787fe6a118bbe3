package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hubforge/hubforge/internal/api/response"
	"github.com/hubforge/hubforge/internal/session"
)

const (
	claimsKey contextKey = "claims"
	tokenKey  contextKey = "sessionToken"
)

// Auth extracts the bearer token and validates it through the session
// manager, which checks both the JWT and the durable session row. Missing,
// malformed or revoked tokens return 401.
func Auth(sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			token := bearerToken(r)
			if token == "" {
				response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", requestID)
				return
			}

			claims, err := sessions.Validate(r.Context(), token)
			if err != nil {
				if errors.Is(err, session.ErrInvalidToken) || errors.Is(err, session.ErrSessionRevoked) {
					response.Err(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired session", requestID)
					return
				}
				response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Authentication failed", requestID)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			ctx = context.WithValue(ctx, tokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireLinkedUser rejects sessions that are still pending an OAuth link,
// such as temp-password sessions. Must run after Auth.
func RequireLinkedUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := GetClaims(r.Context())
		if claims == nil || claims.UserID == "" {
			requestID := GetRequestID(r.Context())
			response.Err(w, http.StatusForbidden, "LINK_REQUIRED", "Complete platform linking before using this endpoint", requestID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClaims retrieves the authenticated session claims from the context.
func GetClaims(ctx context.Context) *session.Claims {
	if c, ok := ctx.Value(claimsKey).(*session.Claims); ok {
		return c
	}
	return nil
}

// GetSessionToken retrieves the raw bearer token from the context.
func GetSessionToken(ctx context.Context) string {
	if t, ok := ctx.Value(tokenKey).(string); ok {
		return t
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
