// Package store persists the server side of the sync protocol: the per-user
// operation sequence, users and their token versions, and upload
// idempotency records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/opsync/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ErrUserExists is returned when creating a user whose email is taken
var ErrUserExists = errors.New("user already exists")

// AppendResult reports per-op outcomes of an upload, in request order
type AppendResult struct {
	Results   []model.OpResult
	LatestSeq int64
}

// OpStats summarizes a user's operation log
type OpStats struct {
	OpCount   int64
	ClientIDs []string
}

// OpStore holds each user's totally ordered operation log
type OpStore interface {
	// AppendOps assigns consecutive seqs to ops not stored yet and appends
	// them atomically. Ops whose ID already exists are reported as
	// duplicates with their original seq.
	AppendOps(ctx context.Context, userID string, ops []model.Operation) (*AppendResult, error)
	// GetOpsSince returns up to limit ops with seq > sinceSeq, ascending,
	// skipping ops uploaded by excludeClient when it is non-empty.
	GetOpsSince(ctx context.Context, userID string, sinceSeq int64, excludeClient string, limit int) ([]model.Operation, error)
	LatestSeq(ctx context.Context, userID string) (int64, error)
	Stats(ctx context.Context, userID string) (*OpStats, error)

	Ping(ctx context.Context) error
	Close()
}

// UserStore holds sync accounts
type UserStore interface {
	CreateUser(ctx context.Context, email string) (*model.User, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// IncrementTokenVersion bumps the user's token version in a single
	// transaction and returns the updated user.
	IncrementTokenVersion(ctx context.Context, userID string) (*model.User, error)

	Ping(ctx context.Context) error
	Close()
}

// IdempotencyStore caches upload responses by idempotency key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Cache interface for in-memory caching
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
