package migration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apierrors "github.com/devrev/opsync/internal/errors"
	"go.uber.org/zap"
)

// Lock is a cross-process lock file guarding persisted migrations
type Lock struct {
	path       string
	staleAfter time.Duration
	logger     *zap.Logger
	mu         sync.Mutex
	held       bool
}

// NewLock creates a lock at path. A lock file older than staleAfter is
// considered abandoned and broken on acquire.
func NewLock(path string, staleAfter time.Duration, logger *zap.Logger) *Lock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lock{
		path:       path,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Acquire takes the lock or returns a MigrationLockContention error
func (l *Lock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	err := l.create()
	if err == nil {
		l.held = true
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	info, statErr := os.Stat(l.path)
	if statErr != nil || l.staleAfter <= 0 || time.Since(info.ModTime()) < l.staleAfter {
		return apierrors.MigrationLockContention(l.path, err)
	}

	l.logger.Warn("Breaking stale migration lock",
		zap.String("path", l.path),
		zap.Time("modified", info.ModTime()))
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apierrors.MigrationLockContention(l.path, err)
	}
	if err := l.create(); err != nil {
		return apierrors.MigrationLockContention(l.path, err)
	}
	l.held = true
	return nil
}

// Release drops the lock if held
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (l *Lock) create() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix())
	return err
}
