package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/threadline/threadline/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

// JWTAuth turns a bearer token issued by the identity platform into an
// AuthContext. It does no session or revocation bookkeeping.
type JWTAuth struct {
	tokens TokenValidator
}

func NewJWTAuth(t TokenValidator) *JWTAuth {
	return &JWTAuth{tokens: t}
}

// Middleware verifies the JWT and injects AuthContext
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			WriteError(w, http.StatusUnauthorized, "auth_missing_token", "Missing bearer token", nil)
			return
		}

		claims, err := m.tokens.ValidateToken(strings.TrimSpace(tokenString))
		if err != nil {
			zerolog.Ctx(r.Context()).Debug().Err(err).Msg("bearer token rejected")
			WriteError(w, http.StatusUnauthorized, "unauthorized", "Invalid token", nil)
			return
		}

		ac := &AuthContext{
			UserID:  claims.UserID(),
			Handle:  claims.Handle,
			TokenID: claims.ID,
		}

		ctx := WithAuthContext(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
