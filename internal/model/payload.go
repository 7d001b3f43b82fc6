package model

import (
	"encoding/json"
	"fmt"
)

// Fields is the attribute bag of a single entity or config section
type Fields map[string]any

// Clone returns a shallow-per-key copy; nested values are JSON scalars or
// treated as immutable.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// EntityPayload carries the fields of a create, update or LWW update
type EntityPayload struct {
	Fields Fields `json:"fields"`
}

// BatchPayload carries per-entity field updates
type BatchPayload struct {
	Entities map[string]Fields `json:"entities"`
}

// DeletePayload is empty; the target is the op's entity ID
type DeletePayload struct{}

// ArchivePayload carries the full entities being moved to or restored from
// the archive
type ArchivePayload struct {
	Entities map[string]Fields `json:"entities"`
}

// ConfigPayload updates one section of the global config
type ConfigPayload struct {
	Section string `json:"section"`
	Fields  Fields `json:"fields"`
}

// PayloadKind selects a variant of the payload union
type PayloadKind int

const (
	PayloadEntity PayloadKind = iota
	PayloadBatch
	PayloadDelete
	PayloadArchive
	PayloadConfig
)

// KindOf returns the payload variant for an operation based on its action
// and entity type.
func KindOf(op *Operation) PayloadKind {
	switch {
	case op.EntityType == EntityGlobalConfig:
		return PayloadConfig
	case op.ActionType == ActionMoveToArchive, op.ActionType == ActionRestoreFromArchive:
		return PayloadArchive
	case op.ActionType == ActionDelete:
		return PayloadDelete
	case op.ActionType == ActionBatchUpdate:
		return PayloadBatch
	default:
		return PayloadEntity
	}
}

// DecodeEntityPayload decodes an entity payload
func DecodeEntityPayload(op *Operation) (*EntityPayload, error) {
	var p EntityPayload
	if err := decodePayload(op, &p); err != nil {
		return nil, err
	}
	if p.Fields == nil {
		p.Fields = Fields{}
	}
	return &p, nil
}

// DecodeBatchPayload decodes a batch payload
func DecodeBatchPayload(op *Operation) (*BatchPayload, error) {
	var p BatchPayload
	if err := decodePayload(op, &p); err != nil {
		return nil, err
	}
	if p.Entities == nil {
		p.Entities = map[string]Fields{}
	}
	return &p, nil
}

// DecodeArchivePayload decodes an archive payload
func DecodeArchivePayload(op *Operation) (*ArchivePayload, error) {
	var p ArchivePayload
	if err := decodePayload(op, &p); err != nil {
		return nil, err
	}
	if p.Entities == nil {
		p.Entities = map[string]Fields{}
	}
	return &p, nil
}

// DecodeConfigPayload decodes a config section payload
func DecodeConfigPayload(op *Operation) (*ConfigPayload, error) {
	var p ConfigPayload
	if err := decodePayload(op, &p); err != nil {
		return nil, err
	}
	if p.Section == "" {
		return nil, fmt.Errorf("op %s: config payload has no section", op.ID)
	}
	if p.Fields == nil {
		p.Fields = Fields{}
	}
	return &p, nil
}

// EncodePayload marshals any payload variant into an op payload
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

func decodePayload(op *Operation, v any) error {
	if op.IsPayloadEncrypted {
		return fmt.Errorf("op %s: payload is encrypted", op.ID)
	}
	if len(op.Payload) == 0 || string(op.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return fmt.Errorf("op %s: failed to decode payload: %w", op.ID, err)
	}
	return nil
}
