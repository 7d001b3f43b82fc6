// Package applier applies batches of operations to the primary state as a
// single transition and keeps the archive side channel in step.
package applier

import (
	"context"
	"runtime"
	"sync"
	"time"

	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/hooks"
	"github.com/devrev/opsync/internal/model"
	"go.uber.org/zap"
)

// ArchiveHandler persists archive-affecting operations outside the primary
// state
type ArchiveHandler interface {
	HandleOperation(ctx context.Context, op model.Operation) error
}

// Options controls a single ApplyOperations call
type Options struct {
	// IsLocalHydration replays already-persisted local history; the archive
	// side channel is not walked.
	IsLocalHydration bool
	// Local marks ops just produced on this client. They walk the archive
	// side channel like remote ops.
	Local bool
}

// FailedOp describes where the archive side channel stopped
type FailedOp struct {
	Op        model.Operation
	Index     int
	Remaining []model.Operation
	Err       error
}

// Result is the outcome of ApplyOperations. The primary state always
// reflects every non-skipped op; AppliedOps is the prefix whose side
// effects completed as well.
type Result struct {
	AppliedOps []model.Operation
	Skipped    []SkippedOp
	FailedOp   *FailedOp
}

// BulkApplier is the only writer of the primary state store
type BulkApplier struct {
	mu      sync.Mutex
	store   *Store
	guard   *Guard
	archive ArchiveHandler
	hooks   *hooks.Dispatcher
	yield   func()
	logger  *zap.Logger
}

// Option configures a BulkApplier
type Option func(*BulkApplier)

// WithYielder replaces runtime.Gosched as the yield function
func WithYielder(fn func()) Option {
	return func(a *BulkApplier) { a.yield = fn }
}

// WithHooks dispatches post-apply events to d
func WithHooks(d *hooks.Dispatcher) Option {
	return func(a *BulkApplier) { a.hooks = d }
}

// New creates a bulk applier
func New(store *Store, guard *Guard, archive ArchiveHandler, logger *zap.Logger, opts ...Option) *BulkApplier {
	a := &BulkApplier{
		store:   store,
		guard:   guard,
		archive: archive,
		yield:   runtime.Gosched,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Guard returns the apply guard
func (a *BulkApplier) Guard() *Guard {
	return a.guard
}

// Store returns the state store
func (a *BulkApplier) Store() *Store {
	return a.store
}

// ApplyOperations applies ops in one commit. Archive failures are reported
// in the result, never returned as an error or panic.
func (a *BulkApplier) ApplyOperations(ctx context.Context, ops []model.Operation, opts Options) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(ops) == 0 {
		return Result{}
	}

	result := a.apply(ctx, ops, opts)

	if a.hooks != nil && len(result.AppliedOps) > 0 {
		a.hooks.Dispatch(ctx, hooks.Event{
			Ops:     result.AppliedOps,
			Remote:  !opts.IsLocalHydration && !opts.Local,
			Applied: time.Now(),
		})
	}
	return result
}

func (a *BulkApplier) apply(ctx context.Context, ops []model.Operation, opts Options) Result {
	release := a.guard.Enter()
	defer release()

	skip := archiveShadowed(ops)

	next, skipped := ReduceBatch(a.store.Snapshot(), ops, skip)
	for i := range ops {
		if skip[ops[i].ID] {
			skipped = append(skipped, SkippedOp{Op: ops[i], Reason: "entity archived in the same batch"})
		}
	}
	a.store.Commit(next, len(ops))
	a.yield()

	result := Result{AppliedOps: ops, Skipped: skipped}
	if opts.IsLocalHydration || a.archive == nil {
		return result
	}
	a.walkArchive(ctx, ops, skip, &result)

	a.logger.Debug("Applied operations",
		zap.Int("ops", len(ops)),
		zap.Int("skipped", len(skipped)),
		zap.Bool("remote", !opts.IsLocalHydration && !opts.Local),
		zap.Bool("archive_failed", result.FailedOp != nil))
	return result
}

// RetrySideEffects walks the archive side channel for remote ops whose
// primary state change already landed. The state store is not touched, so
// later edits to the same entities are preserved.
func (a *BulkApplier) RetrySideEffects(ctx context.Context, ops []model.Operation) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(ops) == 0 {
		return Result{}
	}

	release := a.guard.Enter()
	result := Result{AppliedOps: ops}
	if a.archive != nil {
		a.walkArchive(ctx, ops, archiveShadowed(ops), &result)
	}
	release()

	if a.hooks != nil && len(result.AppliedOps) > 0 {
		a.hooks.Dispatch(ctx, hooks.Event{
			Ops:     result.AppliedOps,
			Remote:  true,
			Applied: time.Now(),
		})
	}
	return result
}

// walkArchive hands archive-affecting ops to the side channel in order and
// truncates result.AppliedOps at the first failure
func (a *BulkApplier) walkArchive(ctx context.Context, ops []model.Operation, skip map[string]bool, result *Result) {
	for i := range ops {
		op := ops[i]
		if !op.IsArchiveAffecting() || skip[op.ID] {
			continue
		}

		err := ctx.Err()
		if err == nil {
			err = a.archive.HandleOperation(ctx, op)
		}
		if err != nil {
			a.logger.Error("Archive side channel failed",
				zap.String("op_id", op.ID),
				zap.Int("index", i),
				zap.Int("remaining", len(ops)-i),
				zap.Error(err))
			result.AppliedOps = ops[:i]
			result.FailedOp = &FailedOp{
				Op:        op,
				Index:     i,
				Remaining: ops[i:],
				Err:       syncerrors.ArchiveApply(op.ID, i, err),
			}
			return
		}
		a.yield()
	}
}

// archiveShadowed returns the IDs of LWW updates that target an entity
// moved to the archive in the same batch
func archiveShadowed(ops []model.Operation) map[string]bool {
	archived := make(map[string]bool)
	for i := range ops {
		if ops[i].ActionType != model.ActionMoveToArchive {
			continue
		}
		for _, id := range ops[i].TargetIDs() {
			archived[model.EntityKey{Type: ops[i].EntityType, ID: id}.String()] = true
		}
	}
	if len(archived) == 0 {
		return nil
	}

	skip := make(map[string]bool)
	for i := range ops {
		if ops[i].ActionType != model.ActionLWWUpdate {
			continue
		}
		for _, id := range ops[i].TargetIDs() {
			if archived[model.EntityKey{Type: ops[i].EntityType, ID: id}.String()] {
				skip[ops[i].ID] = true
				break
			}
		}
	}
	return skip
}
