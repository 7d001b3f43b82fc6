package archive

import (
	"context"
	"fmt"

	"github.com/devrev/opsync/internal/model"
	"go.uber.org/zap"
)

// Backend is the persistence the handler writes to
type Backend interface {
	Archive(ctx context.Context, entityType model.EntityType, entities map[string]model.Fields, opID string) error
	Remove(ctx context.Context, entityType model.EntityType, ids []string) error
}

// Handler applies archive-affecting operations to the archive backend.
// Replaying the same op is idempotent.
type Handler struct {
	backend Backend
	logger  *zap.Logger
}

// NewHandler creates a new archive handler
func NewHandler(backend Backend, logger *zap.Logger) *Handler {
	return &Handler{
		backend: backend,
		logger:  logger,
	}
}

// HandleOperation moves entities into or out of the archive. Ops that do
// not affect the archive are ignored.
func (h *Handler) HandleOperation(ctx context.Context, op model.Operation) error {
	switch op.ActionType {
	case model.ActionMoveToArchive:
		payload, err := model.DecodeArchivePayload(&op)
		if err != nil {
			return err
		}
		entities := make(map[string]model.Fields, len(op.TargetIDs()))
		for _, id := range op.TargetIDs() {
			fields, ok := payload.Entities[id]
			if !ok {
				fields = model.Fields{}
			}
			entities[id] = fields
		}
		if err := h.backend.Archive(ctx, op.EntityType, entities, op.ID); err != nil {
			return fmt.Errorf("failed to archive entities for op %s: %w", op.ID, err)
		}
		h.logger.Debug("Archived entities",
			zap.String("op_id", op.ID),
			zap.String("entity_type", string(op.EntityType)),
			zap.Int("count", len(entities)))

	case model.ActionRestoreFromArchive:
		if err := h.backend.Remove(ctx, op.EntityType, op.TargetIDs()); err != nil {
			return fmt.Errorf("failed to restore entities for op %s: %w", op.ID, err)
		}
		h.logger.Debug("Restored entities from archive",
			zap.String("op_id", op.ID),
			zap.String("entity_type", string(op.EntityType)),
			zap.Int("count", len(op.TargetIDs())))
	}
	return nil
}
