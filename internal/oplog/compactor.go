package oplog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/opsync/internal/model"
	"go.uber.org/zap"
)

// Snapshotter produces the state cache to persist before log entries are
// dropped. The snapshot's LastAppliedOpSeq bounds what may be deleted.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*model.StateCache, error)
}

// CompactionConfig holds compaction configuration
type CompactionConfig struct {
	Threshold int
	Interval  time.Duration
}

// Compactor snapshots state and truncates the op log when it grows past a
// threshold, on demand or on a background ticker.
type Compactor struct {
	config      *CompactionConfig
	store       *FileStore
	snapshotter Snapshotter
	logger      *zap.Logger
	mu          sync.Mutex
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	compactions uint64
}

// NewCompactor creates a compactor; call Start for background compaction
func NewCompactor(cfg *CompactionConfig, store *FileStore, snapshotter Snapshotter, logger *zap.Logger) *Compactor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 500
	}
	return &Compactor{
		config:      cfg,
		store:       store,
		snapshotter: snapshotter,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start runs the compaction scheduler until Stop
func (c *Compactor) Start() {
	if c.config.Interval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.scheduler()
}

// Stop stops the scheduler and waits for it to exit
func (c *Compactor) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wg.Wait()
}

// MaybeCompact compacts only when the log has reached the threshold
func (c *Compactor) MaybeCompact(ctx context.Context) (bool, error) {
	if c.store.Len() < c.config.Threshold {
		return false, nil
	}
	if _, err := c.Compact(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Compact writes a fresh state cache and drops settled entries it covers
func (c *Compactor) Compact(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()

	cache, err := c.snapshotter.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to snapshot state: %w", err)
	}
	cache.CompactedAt = start

	if err := c.store.SaveStateCache(ctx, cache); err != nil {
		return 0, err
	}

	removed, err := c.store.DeleteOpsUpTo(ctx, cache.LastAppliedOpSeq)
	if err != nil {
		return 0, err
	}

	atomic.AddUint64(&c.compactions, 1)
	c.logger.Info("Compaction completed",
		zap.Int64("last_applied_seq", cache.LastAppliedOpSeq),
		zap.Int("removed", removed),
		zap.Duration("duration", time.Since(start)))

	return removed, nil
}

// Compactions returns how many compactions have completed
func (c *Compactor) Compactions() uint64 {
	return atomic.LoadUint64(&c.compactions)
}

func (c *Compactor) scheduler() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := c.MaybeCompact(ctx); err != nil {
				c.logger.Error("Background compaction failed", zap.Error(err))
			}
			cancel()
		case <-c.stopChan:
			return
		}
	}
}
