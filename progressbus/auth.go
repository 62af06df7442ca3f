package progressbus

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails verification,
// whether malformed, expired, or signed with the wrong key, so callers
// never need to distinguish the failure mode over the wire.
var ErrInvalidToken = errors.New("progressbus: invalid or expired token")

// Authenticator verifies the bearer tokens Connect and Subscribe
// messages present (spec.md §4.6), sharing the HMAC secret the rest of
// the system signs session tokens with.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator from the shared JWT secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

type tokenClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

// Verify parses and validates tokenString, returning the subject
// (user id) claim on success.
func (a *Authenticator) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &tokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("progressbus: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*tokenClaims)
	if !ok || claims.UserID == "" {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}
