package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims are the bearer token claims issued by the identity platform.
// The user id travels in the registered "sub" claim.
type Claims struct {
	Handle string `json:"handle,omitempty"`
	jwt.RegisteredClaims
}

// UserID is the subject of the token.
func (c *Claims) UserID() string {
	return c.Subject
}

// Manager verifies HS256 bearer tokens against one shared secret.
type Manager struct {
	signingKey []byte
}

func NewManager(signingKey string) *Manager {
	return &Manager{signingKey: []byte(signingKey)}
}

// GenerateAccessToken signs a token for userID. Used by tests and local tooling;
// production tokens are minted by the identity platform.
func (m *Manager) GenerateAccessToken(userID, handle string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Handle: handle,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(), // jti
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
