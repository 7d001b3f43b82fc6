package model

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OpType is the coarse kind of mutation an operation performs
type OpType string

const (
	OpCreate OpType = "CRT"
	OpUpdate OpType = "UPD"
	OpDelete OpType = "DEL"
	OpBatch  OpType = "BATCH"
)

// Valid reports whether the op type is one of the known kinds
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpBatch:
		return true
	}
	return false
}

// EntityType is the closed set of synced entity kinds
type EntityType string

const (
	EntityTask         EntityType = "TASK"
	EntityProject      EntityType = "PROJECT"
	EntityTag          EntityType = "TAG"
	EntityNote         EntityType = "NOTE"
	EntityGlobalConfig EntityType = "GLOBAL_CONFIG"
	EntityTimeTracking EntityType = "TIME_TRACKING"
)

// EntityTypes lists every known entity type
var EntityTypes = []EntityType{
	EntityTask, EntityProject, EntityTag, EntityNote, EntityGlobalConfig, EntityTimeTracking,
}

// Valid reports whether the entity type is one of the known kinds
func (e EntityType) Valid() bool {
	for _, t := range EntityTypes {
		if t == e {
			return true
		}
	}
	return false
}

// ActionType names the concrete action that produced an operation
type ActionType string

const (
	ActionAdd                ActionType = "ADD"
	ActionUpdate             ActionType = "UPDATE"
	ActionLWWUpdate          ActionType = "LWW_UPDATE"
	ActionDelete             ActionType = "DELETE"
	ActionBatchUpdate        ActionType = "BATCH_UPDATE"
	ActionMoveToArchive      ActionType = "MOVE_TO_ARCHIVE"
	ActionRestoreFromArchive ActionType = "RESTORE_FROM_ARCHIVE"
	ActionUpdateConfig       ActionType = "UPDATE_CONFIG_SECTION"
)

// Valid reports whether the action type is one of the known actions
func (a ActionType) Valid() bool {
	switch a {
	case ActionAdd, ActionUpdate, ActionLWWUpdate, ActionDelete, ActionBatchUpdate,
		ActionMoveToArchive, ActionRestoreFromArchive, ActionUpdateConfig:
		return true
	}
	return false
}

// Operation is one immutable, replayable mutation produced by a client.
// Seq is assigned by the server and is zero until the op has been uploaded.
type Operation struct {
	ID                 string          `json:"id"`
	ClientID           string          `json:"clientId"`
	ActionType         ActionType      `json:"actionType"`
	OpType             OpType          `json:"opType"`
	EntityType         EntityType      `json:"entityType"`
	EntityID           string          `json:"entityId,omitempty"`
	EntityIDs          []string        `json:"entityIds,omitempty"`
	Payload            json.RawMessage `json:"payload"`
	IsPayloadEncrypted bool            `json:"isPayloadEncrypted,omitempty"`
	VectorClock        VectorClock     `json:"vectorClock"`
	Timestamp          int64           `json:"timestamp"`
	SchemaVersion      int             `json:"schemaVersion"`
	Seq                int64           `json:"seq,omitempty"`
}

// TargetIDs returns every entity ID the operation touches
func (op *Operation) TargetIDs() []string {
	if len(op.EntityIDs) > 0 {
		return op.EntityIDs
	}
	if op.EntityID != "" {
		return []string{op.EntityID}
	}
	return nil
}

// AffectedIDs returns the entities whose state the op changes, sorted. A
// batch update may name its targets only in its payload.
func (op *Operation) AffectedIDs() ([]string, error) {
	if KindOf(op) != PayloadBatch {
		return op.TargetIDs(), nil
	}
	p, err := DecodeBatchPayload(op)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(p.Entities)+len(op.EntityIDs))
	ids := make([]string, 0, len(p.Entities)+len(op.EntityIDs))
	for _, id := range append(op.TargetIDs(), keys(p.Entities)...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// WithoutTargets returns a copy of a multi-entity op that no longer touches
// the given entities. Batch and archive payloads lose the matching entries.
func (op Operation) WithoutTargets(drop []string) (Operation, error) {
	out := op.Clone()
	if len(drop) == 0 {
		return out, nil
	}
	dropped := make(map[string]bool, len(drop))
	for _, id := range drop {
		dropped[id] = true
	}

	if dropped[out.EntityID] {
		out.EntityID = ""
	}
	if out.EntityIDs != nil {
		kept := out.EntityIDs[:0]
		for _, id := range out.EntityIDs {
			if !dropped[id] {
				kept = append(kept, id)
			}
		}
		out.EntityIDs = kept
	}

	switch KindOf(&out) {
	case PayloadBatch:
		p, err := DecodeBatchPayload(&out)
		if err != nil {
			return op, err
		}
		for id := range dropped {
			delete(p.Entities, id)
		}
		if out.Payload, err = EncodePayload(p); err != nil {
			return op, err
		}
	case PayloadArchive:
		p, err := DecodeArchivePayload(&out)
		if err != nil {
			return op, err
		}
		for id := range dropped {
			delete(p.Entities, id)
		}
		if out.Payload, err = EncodePayload(p); err != nil {
			return op, err
		}
	}
	return out, nil
}

func keys(m map[string]Fields) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// IsArchiveAffecting reports whether applying the op requires the archive
// side channel
func (op *Operation) IsArchiveAffecting() bool {
	return op.ActionType == ActionMoveToArchive || op.ActionType == ActionRestoreFromArchive
}

// IsMultiEntity reports whether the op targets more than one entity
func (op *Operation) IsMultiEntity() bool {
	return op.OpType == OpBatch || len(op.EntityIDs) > 1
}

// Clone returns a deep copy of the operation
func (op Operation) Clone() Operation {
	out := op
	if op.EntityIDs != nil {
		out.EntityIDs = append([]string(nil), op.EntityIDs...)
	}
	if op.Payload != nil {
		out.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	out.VectorClock = op.VectorClock.Copy()
	return out
}

// EntityKey identifies a single entity across types
type EntityKey struct {
	Type EntityType
	ID   string
}

// String renders the key as TYPE:id
func (k EntityKey) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.ID)
}

// ParseEntityKey is the inverse of EntityKey.String
func ParseEntityKey(s string) (EntityKey, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return EntityKey{Type: EntityType(s[:i]), ID: s[i+1:]}, nil
		}
	}
	return EntityKey{}, fmt.Errorf("invalid entity key %q", s)
}
