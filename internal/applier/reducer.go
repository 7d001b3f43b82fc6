package applier

import (
	"fmt"

	"github.com/devrev/opsync/internal/model"
)

// SkippedOp is an operation the reducer did not apply
type SkippedOp struct {
	Op     model.Operation
	Reason string
}

// ReduceBatch folds ops into a copy of state and returns the result. It is
// pure: state is never modified. Ops whose ID is in skip are passed over,
// as are ops whose payload cannot be decoded.
func ReduceBatch(state model.State, ops []model.Operation, skip map[string]bool) (model.State, []SkippedOp) {
	next := state.Clone()
	var skipped []SkippedOp

	for i := range ops {
		op := &ops[i]
		if skip[op.ID] {
			continue
		}
		if err := reduceOne(&next, op); err != nil {
			skipped = append(skipped, SkippedOp{Op: *op, Reason: err.Error()})
		}
	}
	return next, skipped
}

func reduceOne(s *model.State, op *model.Operation) error {
	switch model.KindOf(op) {
	case model.PayloadConfig:
		p, err := model.DecodeConfigPayload(op)
		if err != nil {
			return err
		}
		section := s.GlobalConfig[p.Section]
		if section == nil {
			section = model.Fields{}
			s.GlobalConfig[p.Section] = section
		}
		mergeInto(section, p.Fields)
		return nil

	case model.PayloadDelete:
		for _, id := range op.TargetIDs() {
			delete(s.Entities[op.EntityType], id)
		}
		return nil

	case model.PayloadArchive:
		if op.ActionType == model.ActionMoveToArchive {
			for _, id := range op.TargetIDs() {
				delete(s.Entities[op.EntityType], id)
			}
			return nil
		}
		p, err := model.DecodeArchivePayload(op)
		if err != nil {
			return err
		}
		entities := bucket(s, op.EntityType)
		for _, id := range op.TargetIDs() {
			fields, ok := p.Entities[id]
			if !ok {
				fields = model.Fields{}
			}
			entities[id] = fields.Clone()
		}
		return nil

	case model.PayloadBatch:
		p, err := model.DecodeBatchPayload(op)
		if err != nil {
			return err
		}
		entities := bucket(s, op.EntityType)
		for id, fields := range p.Entities {
			if existing, ok := entities[id]; ok {
				mergeInto(existing, fields)
			}
		}
		return nil
	}

	p, err := model.DecodeEntityPayload(op)
	if err != nil {
		return err
	}
	if op.EntityID == "" {
		return fmt.Errorf("op %s: missing entity id", op.ID)
	}
	entities := bucket(s, op.EntityType)

	switch op.ActionType {
	case model.ActionAdd:
		existing, ok := entities[op.EntityID]
		if !ok {
			entities[op.EntityID] = p.Fields.Clone()
			return nil
		}
		mergeInto(existing, p.Fields)
	case model.ActionLWWUpdate:
		// carries the full entity; replaces and may recreate it
		entities[op.EntityID] = p.Fields.Clone()
	default:
		// updates to an entity that no longer exists are dropped
		if existing, ok := entities[op.EntityID]; ok {
			mergeInto(existing, p.Fields)
		}
	}
	return nil
}

func bucket(s *model.State, et model.EntityType) map[string]model.Fields {
	m := s.Entities[et]
	if m == nil {
		m = make(map[string]model.Fields)
		s.Entities[et] = m
	}
	return m
}

func mergeInto(dst, src model.Fields) {
	for k, v := range src {
		dst[k] = v
	}
}
