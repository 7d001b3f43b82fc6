// Package auth issues and verifies sync bearer tokens and implements the
// rolling refresh of tokens on successful sync requests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/opsync/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of replacement tokens and the default
// for refreshed ones
const DefaultTokenTTL = 7 * 24 * time.Hour

// Claims carried by a sync token
type Claims struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	TokenVersion int    `json:"tokenVersion"`
	jwt.RegisteredClaims
}

// TokenManager signs and parses HS256 tokens
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a token manager. A non-positive ttl falls back
// to DefaultTokenTTL.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for the user at its current token version
func (m *TokenManager) Issue(user *model.User) (string, time.Time, error) {
	return m.IssueWithTTL(user, m.ttl)
}

// IssueWithTTL signs a token that expires ttl from now
func (m *TokenManager) IssueWithTTL(user *model.User, ttl time.Duration) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		UserID:       user.ID,
		Email:        user.Email,
		TokenVersion: user.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse verifies the signature and expiry of a token and returns its claims
func (m *TokenManager) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", err)
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.UserID == "" {
		return nil, errors.New("invalid token: missing userId")
	}
	return claims, nil
}

// TTL returns the lifetime of issued tokens
func (m *TokenManager) TTL() time.Duration { return m.ttl }
