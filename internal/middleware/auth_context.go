package middleware

import (
	"context"
)

type contextKey string

const (
	AuthContextKey contextKey = "auth_context"
)

// AuthContext holds the authenticated actor as established by JWTAuth.
type AuthContext struct {
	UserID  string
	Handle  string
	TokenID string // jti
}

// GetAuthContext retrieves the AuthContext from the context
func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return val, ok && val != nil
}

// WithAuthContext attaches the AuthContext to the context
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, auth)
}

// SubjectID is the authenticated user id, or "" when the request is anonymous.
func SubjectID(ctx context.Context) string {
	ac, ok := GetAuthContext(ctx)
	if !ok {
		return ""
	}
	return ac.UserID
}
