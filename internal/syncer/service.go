// Package syncer orchestrates the client side of the sync protocol: local
// op recording, upload, download, migration, conflict filtering and bulk
// application of remote operations.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/devrev/opsync/internal/applier"
	"github.com/devrev/opsync/internal/conflict"
	"github.com/devrev/opsync/internal/crypto"
	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/migration"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/oplog"
	"github.com/devrev/opsync/internal/vectorclock"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultDownloadPage = 500
	defaultUploadBatch  = 500
	migrationLockFile   = "migration.lock"
	staleLockAfter      = 10 * time.Minute
)

// Transport is the server side of the protocol as seen by a client
type Transport interface {
	Upload(ctx context.Context, clientID string, ops []model.Operation, idempotencyKey string) (*model.UploadResponse, error)
	Download(ctx context.Context, sinceSeq int64, excludeClient string, limit int) (*model.DownloadResponse, error)
	Status(ctx context.Context) (*model.SyncStatus, error)
}

// Config holds syncer configuration
type Config struct {
	ClientID     string
	DataDir      string
	DownloadPage int
	UploadBatch  int
}

// Service is the single writer of a client's state. Sync cycles are
// serialized; local actions arriving while an apply is in progress are
// buffered and recorded afterwards.
type Service struct {
	cfg       Config
	log       *oplog.FileStore
	transport Transport
	registry  *migration.Registry
	applier   *applier.BulkApplier
	resolver  *conflict.Resolver
	buffer    *applier.LocalActionBuffer
	lock      *migration.Lock
	cipher    *crypto.Cipher
	compactor *oplog.Compactor
	logger    *zap.Logger
	now       func() time.Time

	syncMu  sync.Mutex
	localMu sync.Mutex
	clock   model.VectorClock
}

// Option configures a Service
type Option func(*Service)

// WithCipher encrypts uploaded payloads and decrypts downloaded ones
func WithCipher(c *crypto.Cipher) Option {
	return func(s *Service) { s.cipher = c }
}

// WithCompactor compacts the op log after each sync cycle when it has
// grown past the compactor's threshold
func WithCompactor(c *oplog.Compactor) Option {
	return func(s *Service) { s.compactor = c }
}

// New creates a syncer. Call Hydrate before recording or syncing.
func New(cfg Config, log *oplog.FileStore, transport Transport, registry *migration.Registry, bulk *applier.BulkApplier, logger *zap.Logger, opts ...Option) *Service {
	if cfg.DownloadPage <= 0 {
		cfg.DownloadPage = defaultDownloadPage
	}
	if cfg.UploadBatch <= 0 {
		cfg.UploadBatch = defaultUploadBatch
	}
	s := &Service{
		cfg:       cfg,
		log:       log,
		transport: transport,
		registry:  registry,
		applier:   bulk,
		resolver:  conflict.NewResolver(nil),
		buffer:    &applier.LocalActionBuffer{},
		lock:      migration.NewLock(filepath.Join(cfg.DataDir, migrationLockFile), staleLockAfter, logger),
		logger:    logger,
		now:       time.Now,
		clock:     model.VectorClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCipher replaces the cipher, typically after the user re-entered the
// sync password following a decrypt failure
func (s *Service) SetCipher(c *crypto.Cipher) {
	s.syncMu.Lock()
	s.cipher = c
	s.syncMu.Unlock()
}

// SetCompactor attaches a compactor after construction; the compactor
// usually needs the service as its Snapshotter
func (s *Service) SetCompactor(c *oplog.Compactor) {
	s.compactor = c
}

// ClientID returns this client's ID
func (s *Service) ClientID() string { return s.cfg.ClientID }

// State returns a copy of the current state
func (s *Service) State() model.State { return s.applier.Store().Snapshot() }

// Clock returns a copy of the client's vector clock
func (s *Service) Clock() model.VectorClock {
	s.localMu.Lock()
	defer s.localMu.Unlock()
	return s.clock.Copy()
}

// Hydrate rebuilds state from the state cache and the log entries after it.
// Remote ops still pending their archive side effect are replayed into state
// in log order; the next sync only retries the side effect.
func (s *Service) Hydrate(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.localMu.Lock()
	defer s.localMu.Unlock()

	cache, err := s.loadStateCache(ctx)
	if err != nil {
		return err
	}

	s.applier.Store().Reset(cache.State)
	s.resolver = conflict.NewResolver(cache.Frontier)
	s.clock = cache.VectorClock.Copy()
	if s.clock == nil {
		s.clock = model.VectorClock{}
	}

	var replay []model.Operation
	for _, e := range s.log.GetOpsAfterSeq(cache.LastAppliedOpSeq) {
		if e.RejectedAt != 0 {
			continue
		}
		op, err := e.AppliedOp()
		if err != nil {
			return err
		}
		replay = append(replay, op)
	}
	if len(replay) == 0 {
		return nil
	}

	migrated, err := s.registry.MigrateOperations(replay)
	if err != nil {
		return err
	}
	for i := range migrated {
		s.resolver.Record(&migrated[i])
		s.clock = vectorclock.Merge(s.clock, migrated[i].VectorClock)
	}
	result := s.applier.ApplyOperations(ctx, migrated, applier.Options{IsLocalHydration: true})

	s.logger.Info("Hydrated state",
		zap.Int64("cache_seq", cache.LastAppliedOpSeq),
		zap.Int("replayed", len(result.AppliedOps)),
		zap.Int("skipped", len(result.Skipped)))
	return nil
}

// loadStateCache loads and, if needed, migrates the persisted snapshot.
// The migrated snapshot is written back only while holding the migration
// lock; on contention the in-memory result is used and persisting is left
// to whoever holds the lock.
func (s *Service) loadStateCache(ctx context.Context) (*model.StateCache, error) {
	cache, err := s.log.LoadStateCache(ctx)
	if errors.Is(err, oplog.ErrNoStateCache) {
		return &model.StateCache{
			State:         model.NewState(),
			VectorClock:   model.VectorClock{},
			SchemaVersion: s.registry.CurrentVersion(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.registry.StateNeedsMigration(cache.SchemaVersion) {
		if _, err := s.registry.MigrateState(cache.State, cache.SchemaVersion); err != nil {
			// newer than this build beyond the skip window
			return nil, err
		}
		return cache, nil
	}

	migrated, err := s.registry.MigrateState(cache.State, cache.SchemaVersion)
	if err != nil {
		return nil, err
	}
	from := cache.SchemaVersion
	cache.State = migrated
	cache.SchemaVersion = s.registry.CurrentVersion()

	if err := s.lock.Acquire(); err != nil {
		if errors.Is(err, syncerrors.ErrMigrationLockContention) {
			s.logger.Warn("Migration lock held elsewhere, not persisting migrated state cache", zap.Error(err))
			return cache, nil
		}
		return nil, err
	}
	defer s.lock.Release()

	if err := s.log.SaveStateCache(ctx, cache); err != nil {
		return nil, fmt.Errorf("failed to persist migrated state cache: %w", err)
	}
	s.logger.Info("Persisted migrated state cache",
		zap.Int("from_version", from),
		zap.Int("to_version", cache.SchemaVersion))
	return cache, nil
}

// RecordLocal turns a local intent into an operation: the client's clock
// is incremented, the op is logged and applied. While a bulk apply is in
// progress the intent is buffered instead and RecordLocal returns a nil
// operation; buffered intents are recorded by the next RecordLocal or Sync,
// ahead of anything newer.
func (s *Service) RecordLocal(ctx context.Context, intent applier.LocalIntent) (*model.Operation, error) {
	if s.applier.Guard().Active() {
		s.buffer.Push(intent)
		s.logger.Debug("Deferred local action during apply",
			zap.String("action", string(intent.ActionType)),
			zap.String("entity_id", intent.EntityID))
		return nil, nil
	}

	// earlier deferred intents keep their place in line
	if _, err := s.drainBuffer(ctx); err != nil {
		return nil, err
	}

	s.localMu.Lock()
	defer s.localMu.Unlock()
	return s.recordLocked(ctx, intent)
}

// recordLocked must be called with localMu held
func (s *Service) recordLocked(ctx context.Context, intent applier.LocalIntent) (*model.Operation, error) {
	next := vectorclock.Increment(s.clock, s.cfg.ClientID)

	op := model.Operation{
		ID:            ulid.Make().String(),
		ClientID:      s.cfg.ClientID,
		ActionType:    intent.ActionType,
		OpType:        intent.OpType,
		EntityType:    intent.EntityType,
		EntityID:      intent.EntityID,
		EntityIDs:     intent.EntityIDs,
		Payload:       intent.Payload,
		VectorClock:   next.Copy(),
		Timestamp:     s.now().UnixMilli(),
		SchemaVersion: s.registry.CurrentVersion(),
	}

	if _, err := s.log.Append(ctx, op); err != nil {
		return nil, err
	}
	s.clock = next
	s.resolver.Record(&op)

	result := s.applier.ApplyOperations(ctx, []model.Operation{op}, applier.Options{Local: true})
	if result.FailedOp != nil {
		return &op, result.FailedOp.Err
	}
	return &op, nil
}

// drainBuffer records intents deferred during an apply, in arrival order
func (s *Service) drainBuffer(ctx context.Context) (int, error) {
	recorded := 0
	for {
		intents := s.buffer.Drain()
		if len(intents) == 0 {
			return recorded, nil
		}
		s.localMu.Lock()
		for _, intent := range intents {
			if _, err := s.recordLocked(ctx, intent); err != nil {
				s.localMu.Unlock()
				return recorded, err
			}
			recorded++
		}
		s.localMu.Unlock()
	}
}

// Snapshot implements oplog.Snapshotter
func (s *Service) Snapshot(ctx context.Context) (*model.StateCache, error) {
	s.localMu.Lock()
	defer s.localMu.Unlock()

	return &model.StateCache{
		State:            s.applier.Store().Snapshot(),
		LastAppliedOpSeq: s.log.AppliedWatermark(),
		LastServerSeq:    s.log.Cursor(),
		VectorClock:      s.clock.Copy(),
		Frontier:         s.resolver.Frontier(),
		SchemaVersion:    s.registry.CurrentVersion(),
	}, nil
}
