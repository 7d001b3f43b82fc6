// Package migration rewrites state snapshots and individual operations
// between schema versions.
package migration

import (
	"fmt"
	"sort"

	apierrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"go.uber.org/zap"
)

const (
	// CurrentSchemaVersion is the version this build writes
	CurrentSchemaVersion = 3
	// MinSupportedSchemaVersion is the oldest version that can be migrated
	MinSupportedSchemaVersion = 1
	// MaxVersionSkip is the widest version gap accepted in either direction
	MaxVersionSkip = 5
)

// StateMigrator rewrites a state snapshot one version forward. It must be
// idempotent: running it on already-migrated input is a no-op.
type StateMigrator func(state model.State) (model.State, error)

// OperationMigrator rewrites one operation one version forward. It may fan
// out into several operations. Returning an empty slice drops the op.
type OperationMigrator func(op model.Operation) ([]model.Operation, error)

// Migration is a single fromVersion -> fromVersion+1 step
type Migration struct {
	FromVersion      int
	ToVersion        int
	Description      string
	MigrateState     StateMigrator
	MigrateOperation OperationMigrator
}

// Config holds version bounds for a registry
type Config struct {
	CurrentVersion      int
	MinSupportedVersion int
	MaxVersionSkip      int
}

// DefaultConfig returns the bounds of this build
func DefaultConfig() Config {
	return Config{
		CurrentVersion:      CurrentSchemaVersion,
		MinSupportedVersion: MinSupportedSchemaVersion,
		MaxVersionSkip:      MaxVersionSkip,
	}
}

// Registry holds the ordered chain of migrations
type Registry struct {
	cfg        Config
	migrations map[int]Migration
	logger     *zap.Logger
}

// NewRegistry builds a registry and validates the chain
func NewRegistry(cfg Config, logger *zap.Logger, migrations ...Migration) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		cfg:        cfg,
		migrations: make(map[int]Migration, len(migrations)),
		logger:     logger,
	}

	for _, m := range migrations {
		if _, exists := r.migrations[m.FromVersion]; exists {
			return nil, fmt.Errorf("duplicate migration from version %d", m.FromVersion)
		}
		r.migrations[m.FromVersion] = m
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewDefaultRegistry returns the registry with every shipped migration
func NewDefaultRegistry(logger *zap.Logger) (*Registry, error) {
	return NewRegistry(DefaultConfig(), logger, Migrations()...)
}

// Validate fails fast if the chain has gaps, bad edges or missing state
// migrators between the minimum supported and current version.
func (r *Registry) Validate() error {
	if r.cfg.MinSupportedVersion < 1 || r.cfg.MinSupportedVersion > r.cfg.CurrentVersion {
		return fmt.Errorf("invalid version bounds: min %d, current %d", r.cfg.MinSupportedVersion, r.cfg.CurrentVersion)
	}
	if r.cfg.MaxVersionSkip < 1 {
		return fmt.Errorf("max version skip must be positive")
	}

	for v := r.cfg.MinSupportedVersion; v < r.cfg.CurrentVersion; v++ {
		m, ok := r.migrations[v]
		if !ok {
			return fmt.Errorf("missing migration from version %d to %d", v, v+1)
		}
		if m.ToVersion != v+1 {
			return fmt.Errorf("migration from version %d must target %d, got %d", v, v+1, m.ToVersion)
		}
		if m.MigrateState == nil {
			return fmt.Errorf("migration %d->%d has no state migrator", m.FromVersion, m.ToVersion)
		}
	}

	for from := range r.migrations {
		if from < r.cfg.MinSupportedVersion || from >= r.cfg.CurrentVersion {
			return fmt.Errorf("migration from version %d is outside supported range [%d, %d)",
				from, r.cfg.MinSupportedVersion, r.cfg.CurrentVersion)
		}
	}
	return nil
}

// CurrentVersion returns the version migrations lead to
func (r *Registry) CurrentVersion() int {
	return r.cfg.CurrentVersion
}

// Steps returns the registered migrations ordered by source version
func (r *Registry) Steps() []Migration {
	steps := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		steps = append(steps, m)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].FromVersion < steps[j].FromVersion })
	return steps
}

// StateNeedsMigration reports whether a snapshot at version must be migrated
func (r *Registry) StateNeedsMigration(version int) bool {
	return normalize(version) < r.cfg.CurrentVersion
}

// OperationNeedsMigration reports whether an op must be migrated
func (r *Registry) OperationNeedsMigration(op *model.Operation) bool {
	return normalize(op.SchemaVersion) < r.cfg.CurrentVersion
}

// MigrateState migrates a snapshot written at version up to the current
// version. Snapshots from a newer build within the skip window are returned
// unchanged.
func (r *Registry) MigrateState(state model.State, version int) (model.State, error) {
	version = normalize(version)
	if err := r.checkVersion(version); err != nil {
		return model.State{}, err
	}
	if version >= r.cfg.CurrentVersion {
		return state, nil
	}

	current := state.Clone()
	for v := version; v < r.cfg.CurrentVersion; v++ {
		m := r.migrations[v]
		next, err := m.MigrateState(current)
		if err != nil {
			return model.State{}, fmt.Errorf("state migration %d->%d failed: %w", m.FromVersion, m.ToVersion, err)
		}
		current = next
		r.logger.Info("Migrated state",
			zap.Int("from_version", m.FromVersion),
			zap.Int("to_version", m.ToVersion),
			zap.String("description", m.Description))
	}
	return current, nil
}

// MigrateOperation migrates a single op to the current version. The result
// may hold several ops (fan-out) or none (dropped).
func (r *Registry) MigrateOperation(op model.Operation) ([]model.Operation, error) {
	version := normalize(op.SchemaVersion)
	if err := r.checkVersion(version); err != nil {
		return nil, fmt.Errorf("op %s: %w", op.ID, err)
	}
	if version >= r.cfg.CurrentVersion {
		return []model.Operation{op}, nil
	}

	pending := []model.Operation{op.Clone()}
	pending[0].SchemaVersion = version

	for v := version; v < r.cfg.CurrentVersion; v++ {
		m := r.migrations[v]
		next := make([]model.Operation, 0, len(pending))
		for _, p := range pending {
			if m.MigrateOperation == nil {
				p.SchemaVersion = m.ToVersion
				next = append(next, p)
				continue
			}
			out, err := m.MigrateOperation(p)
			if err != nil {
				return nil, fmt.Errorf("op %s: migration %d->%d failed: %w", op.ID, m.FromVersion, m.ToVersion, err)
			}
			for i := range out {
				out[i].SchemaVersion = m.ToVersion
			}
			next = append(next, out...)
		}
		pending = next
	}
	return pending, nil
}

// MigrateOperations migrates a batch. Fan-out results replace the original
// op in place so batch order is preserved.
func (r *Registry) MigrateOperations(ops []model.Operation) ([]model.Operation, error) {
	out := make([]model.Operation, 0, len(ops))
	for _, op := range ops {
		if !r.OperationNeedsMigration(&op) {
			if err := r.checkVersion(normalize(op.SchemaVersion)); err != nil {
				return nil, fmt.Errorf("op %s: %w", op.ID, err)
			}
			out = append(out, op)
			continue
		}
		migrated, err := r.MigrateOperation(op)
		if err != nil {
			return nil, err
		}
		out = append(out, migrated...)
	}
	return out, nil
}

func (r *Registry) checkVersion(version int) error {
	if version < r.cfg.MinSupportedVersion {
		return apierrors.UnsupportedSchemaVersion(version, r.cfg.MinSupportedVersion)
	}
	gap := r.cfg.CurrentVersion - version
	if gap < 0 {
		gap = -gap
	}
	if gap > r.cfg.MaxVersionSkip {
		return apierrors.VersionSkipExceeded(version, r.cfg.CurrentVersion, r.cfg.MaxVersionSkip)
	}
	return nil
}

// normalize treats a missing version as the first schema
func normalize(version int) int {
	if version <= 0 {
		return 1
	}
	return version
}
