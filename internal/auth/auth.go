// Package auth resolves the calling identity from a bearer token.
//
// Request routing and account management live upstream; this package only
// maps a signed token to a user or admin id so handlers can authorize.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Role distinguishes client and admin callers.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// TokenManager issues and parses HMAC-signed bearer tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a token manager with a 24h token lifetime.
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: 24 * time.Hour}
}

// Issue signs a token for the given subject id and role.
func (tm *TokenManager) Issue(subjectID int64, role Role) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  subjectID,
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(tm.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// Parse validates a token and returns the subject id and role.
func (tm *TokenManager) Parse(tokenStr string) (int64, Role, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return tm.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(float64)
	if !ok {
		return 0, "", ErrInvalidToken
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return 0, "", ErrInvalidToken
	}

	role := Role(roleStr)
	if role != RoleUser && role != RoleAdmin {
		return 0, "", ErrInvalidToken
	}

	return int64(sub), role, nil
}
