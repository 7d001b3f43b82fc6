package migration

import (
	"fmt"

	"github.com/devrev/opsync/internal/model"
)

const (
	legacyConfirmDeleteKey = "isConfirmBeforeTaskDelete"
	confirmDeleteKey       = "isConfirmBeforeDelete"
	miscSection            = "misc"
	tasksSection           = "tasks"

	legacyTaskDueKey = "plannedAt"
	taskDueKey       = "dueWithTime"
)

// Migrations returns every shipped migration in version order
func Migrations() []Migration {
	return []Migration{
		{
			FromVersion:      1,
			ToVersion:        2,
			Description:      "move misc.isConfirmBeforeTaskDelete to tasks.isConfirmBeforeDelete",
			MigrateState:     moveConfirmDeleteState,
			MigrateOperation: moveConfirmDeleteOperation,
		},
		{
			FromVersion:      2,
			ToVersion:        3,
			Description:      "rename task plannedAt to dueWithTime",
			MigrateState:     renameTaskDueState,
			MigrateOperation: renameTaskDueOperation,
		},
	}
}

func moveConfirmDeleteState(state model.State) (model.State, error) {
	misc, ok := state.GlobalConfig[miscSection]
	if !ok {
		return state, nil
	}
	value, ok := misc[legacyConfirmDeleteKey]
	if !ok {
		return state, nil
	}

	tasks := state.GlobalConfig[tasksSection]
	if tasks == nil {
		tasks = model.Fields{}
		state.GlobalConfig[tasksSection] = tasks
	}
	if _, exists := tasks[confirmDeleteKey]; !exists {
		tasks[confirmDeleteKey] = value
	}
	delete(misc, legacyConfirmDeleteKey)
	return state, nil
}

// moveConfirmDeleteOperation splits a misc section update carrying the
// legacy key into a misc update with the remaining fields and a tasks
// update.
func moveConfirmDeleteOperation(op model.Operation) ([]model.Operation, error) {
	if op.EntityType != model.EntityGlobalConfig || op.IsPayloadEncrypted {
		return []model.Operation{op}, nil
	}
	payload, err := model.DecodeConfigPayload(&op)
	if err != nil {
		return nil, err
	}
	if payload.Section != miscSection {
		return []model.Operation{op}, nil
	}
	value, ok := payload.Fields[legacyConfirmDeleteKey]
	if !ok {
		return []model.Operation{op}, nil
	}

	rest := payload.Fields.Clone()
	delete(rest, legacyConfirmDeleteKey)

	out := make([]model.Operation, 0, 2)
	if len(rest) > 0 {
		miscOp, err := withConfigPayload(op, op.ID, miscSection, rest)
		if err != nil {
			return nil, err
		}
		out = append(out, miscOp)
	}

	tasksID := op.ID
	if len(out) > 0 {
		tasksID = fmt.Sprintf("%s_%s", op.ID, tasksSection)
	}
	tasksOp, err := withConfigPayload(op, tasksID, tasksSection, model.Fields{confirmDeleteKey: value})
	if err != nil {
		return nil, err
	}
	return append(out, tasksOp), nil
}

func withConfigPayload(op model.Operation, id, section string, fields model.Fields) (model.Operation, error) {
	data, err := model.EncodePayload(model.ConfigPayload{Section: section, Fields: fields})
	if err != nil {
		return model.Operation{}, err
	}
	out := op.Clone()
	out.ID = id
	out.EntityID = section
	out.Payload = data
	return out, nil
}

func renameTaskDueState(state model.State) (model.State, error) {
	for _, task := range state.Entities[model.EntityTask] {
		renameDue(task)
	}
	return state, nil
}

func renameTaskDueOperation(op model.Operation) ([]model.Operation, error) {
	if op.EntityType != model.EntityTask || op.IsPayloadEncrypted {
		return []model.Operation{op}, nil
	}

	var (
		changed bool
		payload any
	)

	switch model.KindOf(&op) {
	case model.PayloadEntity:
		p, err := model.DecodeEntityPayload(&op)
		if err != nil {
			return nil, err
		}
		changed = renameDue(p.Fields)
		payload = p
	case model.PayloadBatch:
		p, err := model.DecodeBatchPayload(&op)
		if err != nil {
			return nil, err
		}
		for _, fields := range p.Entities {
			if renameDue(fields) {
				changed = true
			}
		}
		payload = p
	case model.PayloadArchive:
		p, err := model.DecodeArchivePayload(&op)
		if err != nil {
			return nil, err
		}
		for _, fields := range p.Entities {
			if renameDue(fields) {
				changed = true
			}
		}
		payload = p
	default:
		return []model.Operation{op}, nil
	}

	if !changed {
		return []model.Operation{op}, nil
	}

	data, err := model.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	out := op.Clone()
	out.Payload = data
	return []model.Operation{out}, nil
}

// renameDue moves plannedAt to dueWithTime. An existing dueWithTime wins.
func renameDue(fields model.Fields) bool {
	value, ok := fields[legacyTaskDueKey]
	if !ok {
		return false
	}
	if _, exists := fields[taskDueKey]; !exists {
		fields[taskDueKey] = value
	}
	delete(fields, legacyTaskDueKey)
	return true
}
