package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/store"
	"go.uber.org/zap"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller of a request
type Principal struct {
	UserID       string
	Email        string
	TokenVersion int
}

// WithPrincipal stores the principal in the context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal stored by the auth middleware
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

// Authenticator verifies bearer tokens against the current token version of
// their user. Token versions are cached briefly to keep the user store off
// the hot path.
type Authenticator struct {
	tokens   *TokenManager
	users    store.UserStore
	cache    store.Cache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewAuthenticator creates an authenticator. cache may be nil.
func NewAuthenticator(tokens *TokenManager, users store.UserStore, cache store.Cache, cacheTTL time.Duration, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		tokens:   tokens,
		users:    users,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Tokens returns the token manager
func (a *Authenticator) Tokens() *TokenManager { return a.tokens }

// Authenticate verifies a raw bearer token
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return nil, syncerrors.Unauthorized("invalid or expired token", err)
	}

	current, err := a.tokenVersion(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, syncerrors.Unauthorized("unknown user", nil)
		}
		return nil, syncerrors.Internal("failed to load token version", err)
	}
	if current != claims.TokenVersion {
		return nil, syncerrors.Unauthorized("token has been replaced", nil)
	}

	return &Principal{
		UserID:       claims.UserID,
		Email:        claims.Email,
		TokenVersion: claims.TokenVersion,
	}, nil
}

func (a *Authenticator) tokenVersion(ctx context.Context, userID string) (int, error) {
	key := versionCacheKey(userID)
	if a.cache != nil {
		if v, err := a.cache.Get(ctx, key); err == nil {
			if version, ok := v.(int); ok {
				return version, nil
			}
		}
	}

	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if a.cache != nil {
		_ = a.cache.Set(ctx, key, user.TokenVersion, a.cacheTTL)
	}
	return user.TokenVersion, nil
}

// ReplaceToken invalidates every outstanding token of the user by bumping
// its token version, then issues a fresh token at the new version.
func (a *Authenticator) ReplaceToken(ctx context.Context, userID string) (*model.ReplaceTokenResponse, error) {
	user, err := a.users.IncrementTokenVersion(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, syncerrors.Unauthorized("unknown user", nil)
		}
		return nil, syncerrors.Internal("failed to increment token version", err)
	}
	if a.cache != nil {
		_ = a.cache.Delete(ctx, versionCacheKey(userID))
	}

	// replacement tokens always get the fixed lifetime
	token, expiresAt, err := a.tokens.IssueWithTTL(user, DefaultTokenTTL)
	if err != nil {
		return nil, syncerrors.Internal("failed to issue token", err)
	}

	a.logger.Info("token replaced",
		zap.String("user_id", userID),
		zap.Int("token_version", user.TokenVersion))

	return &model.ReplaceTokenResponse{Token: token, ExpiresAt: expiresAt}, nil
}

// IssueFor signs a token for a user at its current version
func (a *Authenticator) IssueFor(ctx context.Context, userID string) (string, time.Time, error) {
	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to get user: %w", err)
	}
	return a.tokens.Issue(user)
}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context
func (a *Authenticator) Middleware(errHandler *syncerrors.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				errHandler.WriteUnauthorized(w, "missing bearer token", r.Header.Get("X-Request-ID"))
				return
			}
			principal, err := a.Authenticate(r.Context(), token)
			if err != nil {
				errHandler.HandleError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func versionCacheKey(userID string) string {
	return "token_version:" + userID
}
