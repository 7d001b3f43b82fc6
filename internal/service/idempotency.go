package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/store"
	"go.uber.org/zap"
)

// IdempotencyService caches upload responses under a client supplied key so
// a retried request gets the original answer
type IdempotencyService struct {
	store  store.IdempotencyStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service
func NewIdempotencyService(s store.IdempotencyStore, ttl time.Duration, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{store: s, ttl: ttl, logger: logger}
}

// Get returns the cached response, or nil when there is none
func (s *IdempotencyService) Get(ctx context.Context, userID, key string) (*model.UploadResponse, error) {
	data, err := s.store.Get(ctx, s.buildStoreKey(userID, key))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency response: %w", err)
	}

	var resp model.UploadResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		s.logger.Error("invalid idempotency record", zap.String("user_id", userID), zap.Error(err))
		return nil, nil
	}
	return &resp, nil
}

// Store caches a response. Failures are logged, not returned.
func (s *IdempotencyService) Store(ctx context.Context, userID, key string, resp *model.UploadResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode idempotency record", zap.Error(err))
		return
	}
	if err := s.store.Set(ctx, s.buildStoreKey(userID, key), data, s.ttl); err != nil {
		s.logger.Warn("failed to store idempotency record",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

func (s *IdempotencyService) buildStoreKey(userID, key string) string {
	hash := sha256.Sum256([]byte(userID + ":" + key))
	return "idem:" + hex.EncodeToString(hash[:])
}
