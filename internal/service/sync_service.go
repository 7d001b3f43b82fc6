// Package service implements the server side of the sync protocol.
package service

import (
	"context"
	"time"

	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/store"
	"go.uber.org/zap"
)

// Recorder receives sync counters
type Recorder interface {
	RecordUpload(accepted, duplicate int)
	RecordDownload(count int)
	RecordIdempotentReplay()
	RecordTokenReplace()
}

// TokenReplacer rotates a user's token
type TokenReplacer interface {
	ReplaceToken(ctx context.Context, userID string) (*model.ReplaceTokenResponse, error)
}

type nopRecorder struct{}

func (nopRecorder) RecordUpload(int, int)   {}
func (nopRecorder) RecordDownload(int)      {}
func (nopRecorder) RecordIdempotentReplay() {}
func (nopRecorder) RecordTokenReplace()     {}

// SyncService serves uploads and downloads of a user's operation log.
// It never inspects or rewrites vector clocks beyond boundary
// sanitization, which happens before a request reaches it.
type SyncService struct {
	ops         store.OpStore
	idempotency *IdempotencyService
	tokens      TokenReplacer
	recorder    Recorder
	maxDownload int
	logger      *zap.Logger
	now         func() time.Time
}

// NewSyncService creates a sync service. idempotency and recorder may be nil.
func NewSyncService(ops store.OpStore, idempotency *IdempotencyService, tokens TokenReplacer, recorder Recorder, maxDownload int, logger *zap.Logger) *SyncService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if maxDownload <= 0 {
		maxDownload = 1000
	}
	return &SyncService{
		ops:         ops,
		idempotency: idempotency,
		tokens:      tokens,
		recorder:    recorder,
		maxDownload: maxDownload,
		logger:      logger,
		now:         time.Now,
	}
}

// MaxDownload returns the page size cap
func (s *SyncService) MaxDownload() int { return s.maxDownload }

// UploadOps appends a validated batch to the user's log. The append is all
// or nothing; ops already stored are reported as duplicates.
func (s *SyncService) UploadOps(ctx context.Context, userID string, req *model.UploadRequest, idempotencyKey string) (*model.UploadResponse, error) {
	if idempotencyKey != "" && s.idempotency != nil {
		cached, err := s.idempotency.Get(ctx, userID, idempotencyKey)
		if err != nil {
			s.logger.Warn("idempotency lookup failed", zap.String("user_id", userID), zap.Error(err))
		} else if cached != nil {
			s.recorder.RecordIdempotentReplay()
			s.logger.Debug("upload replayed from idempotency store",
				zap.String("user_id", userID),
				zap.String("idempotency_key", idempotencyKey))
			return cached, nil
		}
	}

	if len(req.Ops) == 0 {
		latest, err := s.ops.LatestSeq(ctx, userID)
		if err != nil {
			return nil, syncerrors.Internal("failed to read latest seq", err)
		}
		return &model.UploadResponse{Results: []model.OpResult{}, LatestSeq: latest}, nil
	}

	result, err := s.ops.AppendOps(ctx, userID, req.Ops)
	if err != nil {
		return nil, syncerrors.Internal("failed to append operations", err)
	}

	accepted, duplicate := 0, 0
	for _, r := range result.Results {
		if r.Status == model.OpStatusDuplicate {
			duplicate++
		} else {
			accepted++
		}
	}
	s.recorder.RecordUpload(accepted, duplicate)

	s.logger.Info("operations uploaded",
		zap.String("user_id", userID),
		zap.String("client_id", req.ClientID),
		zap.Int("accepted", accepted),
		zap.Int("duplicate", duplicate),
		zap.Int64("latest_seq", result.LatestSeq))

	resp := &model.UploadResponse{Results: result.Results, LatestSeq: result.LatestSeq}
	if idempotencyKey != "" && s.idempotency != nil {
		s.idempotency.Store(ctx, userID, idempotencyKey, resp)
	}
	return resp, nil
}

// DownloadOps returns up to limit ops with seq > sinceSeq in ascending seq
// order. HasMore is set when further ops are available.
func (s *SyncService) DownloadOps(ctx context.Context, userID string, sinceSeq int64, excludeClient string, limit int) (*model.DownloadResponse, error) {
	if limit <= 0 || limit > s.maxDownload {
		limit = s.maxDownload
	}

	latest, err := s.ops.LatestSeq(ctx, userID)
	if err != nil {
		return nil, syncerrors.Internal("failed to read latest seq", err)
	}

	ops, err := s.ops.GetOpsSince(ctx, userID, sinceSeq, excludeClient, limit+1)
	if err != nil {
		return nil, syncerrors.Internal("failed to read operations", err)
	}

	hasMore := len(ops) > limit
	if hasMore {
		ops = ops[:limit]
	}
	s.recorder.RecordDownload(len(ops))

	return &model.DownloadResponse{Ops: ops, LatestSeq: latest, HasMore: hasMore}, nil
}

// Status summarizes the user's log
func (s *SyncService) Status(ctx context.Context, userID string) (*model.SyncStatus, error) {
	stats, err := s.ops.Stats(ctx, userID)
	if err != nil {
		return nil, syncerrors.Internal("failed to read log stats", err)
	}
	latest, err := s.ops.LatestSeq(ctx, userID)
	if err != nil {
		return nil, syncerrors.Internal("failed to read latest seq", err)
	}
	return &model.SyncStatus{
		UserID:     userID,
		LatestSeq:  latest,
		OpCount:    stats.OpCount,
		ClientIDs:  stats.ClientIDs,
		ServerTime: s.now().UnixMilli(),
	}, nil
}

// ReplaceToken invalidates the user's tokens and returns a new one
func (s *SyncService) ReplaceToken(ctx context.Context, userID string) (*model.ReplaceTokenResponse, error) {
	resp, err := s.tokens.ReplaceToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.recorder.RecordTokenReplace()
	return resp, nil
}
