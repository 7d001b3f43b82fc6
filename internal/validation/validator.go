// Package validation checks upload requests at the HTTP boundary.
package validation

import (
	"bytes"
	"encoding/json"

	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/vectorclock"
)

const (
	// MaxIDSize bounds operation and entity IDs
	MaxIDSize = 255
	// MaxEntityIDs bounds the targets of a multi-entity op
	MaxEntityIDs = 1000

	DefaultMaxOps          = 500
	DefaultMaxPayloadBytes = 256 * 1024

	// FieldVectorClock is the "field" detail of clock rejections
	FieldVectorClock = "vectorClock"
)

// IsClockRejection reports whether err rejected a request for its clock
func IsClockRejection(err error) bool {
	se, ok := syncerrors.AsSyncError(err)
	return ok && se.Details["field"] == FieldVectorClock
}

// Validator validates sync uploads
type Validator struct {
	maxOps          int
	maxPayloadBytes int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return NewValidatorWithLimits(DefaultMaxOps, DefaultMaxPayloadBytes)
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxOps, maxPayloadBytes int) *Validator {
	if maxOps <= 0 {
		maxOps = DefaultMaxOps
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Validator{maxOps: maxOps, maxPayloadBytes: maxPayloadBytes}
}

// wireOperation keeps the clock raw so it can be sanitized before it is
// trusted
type wireOperation struct {
	ID                 string           `json:"id"`
	ClientID           string           `json:"clientId"`
	ActionType         model.ActionType `json:"actionType"`
	OpType             model.OpType     `json:"opType"`
	EntityType         model.EntityType `json:"entityType"`
	EntityID           string           `json:"entityId"`
	EntityIDs          []string         `json:"entityIds"`
	Payload            json.RawMessage  `json:"payload"`
	IsPayloadEncrypted bool             `json:"isPayloadEncrypted"`
	VectorClock        json.RawMessage  `json:"vectorClock"`
	Timestamp          int64            `json:"timestamp"`
	SchemaVersion      int              `json:"schemaVersion"`
}

type wireUpload struct {
	Ops      *[]json.RawMessage `json:"ops"`
	ClientID string             `json:"clientId"`
}

// DecodeUpload parses and validates a POST /sync/ops body. Any failure
// rejects the whole request. Clocks are sanitized; stripped entries are
// dropped and counted in the second return value.
func (v *Validator) DecodeUpload(body []byte) (*model.UploadRequest, int, error) {
	var raw wireUpload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, 0, syncerrors.Validationf("malformed request body: %v", err)
	}
	if raw.Ops == nil {
		return nil, 0, syncerrors.Validation("ops is required")
	}
	if err := v.ValidateClientID(raw.ClientID); err != nil {
		return nil, 0, err
	}
	if len(*raw.Ops) > v.maxOps {
		return nil, 0, syncerrors.Validationf("too many ops: %d, maximum is %d", len(*raw.Ops), v.maxOps)
	}

	req := &model.UploadRequest{
		ClientID: raw.ClientID,
		Ops:      make([]model.Operation, 0, len(*raw.Ops)),
	}
	stripped := 0
	for i, data := range *raw.Ops {
		op, n, err := v.decodeOperation(data)
		if err != nil {
			se, _ := syncerrors.AsSyncError(err)
			return nil, 0, se.WithDetail("index", i)
		}
		stripped += n
		req.Ops = append(req.Ops, *op)
	}
	return req, stripped, nil
}

func (v *Validator) decodeOperation(data json.RawMessage) (*model.Operation, int, error) {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, 0, syncerrors.Validationf("malformed operation: %v", err)
	}

	clock, stripped, err := vectorclock.SanitizeJSON(w.VectorClock)
	if err != nil {
		return nil, 0, syncerrors.Validationf("op %s: invalid vector clock: %v", w.ID, err).
			WithDetail("field", FieldVectorClock)
	}

	op := &model.Operation{
		ID:                 w.ID,
		ClientID:           w.ClientID,
		ActionType:         w.ActionType,
		OpType:             w.OpType,
		EntityType:         w.EntityType,
		EntityID:           w.EntityID,
		EntityIDs:          w.EntityIDs,
		Payload:            w.Payload,
		IsPayloadEncrypted: w.IsPayloadEncrypted,
		VectorClock:        clock,
		Timestamp:          w.Timestamp,
		SchemaVersion:      w.SchemaVersion,
	}
	if err := v.ValidateOperation(op); err != nil {
		return nil, 0, err
	}
	return op, stripped, nil
}

// ValidateClientID validates an uploading client ID
func (v *Validator) ValidateClientID(clientID string) error {
	if clientID == "" {
		return syncerrors.Validation("clientId is required")
	}
	if len(clientID) > vectorclock.MaxClientIDLength {
		return syncerrors.Validationf("clientId exceeds %d bytes", vectorclock.MaxClientIDLength)
	}
	return nil
}

// ValidateOperation validates the shape of a decoded operation
func (v *Validator) ValidateOperation(op *model.Operation) error {
	if op.ID == "" || len(op.ID) > MaxIDSize {
		return syncerrors.Validation("op id is required and must be at most 255 bytes")
	}
	if err := v.ValidateClientID(op.ClientID); err != nil {
		return err
	}
	if !op.ActionType.Valid() {
		return syncerrors.Validationf("op %s: unknown actionType %q", op.ID, op.ActionType)
	}
	if !op.OpType.Valid() {
		return syncerrors.Validationf("op %s: unknown opType %q", op.ID, op.OpType)
	}
	if !op.EntityType.Valid() {
		return syncerrors.Validationf("op %s: unknown entityType %q", op.ID, op.EntityType)
	}
	if op.Timestamp <= 0 {
		return syncerrors.Validationf("op %s: timestamp is required", op.ID)
	}
	if op.SchemaVersion < 0 {
		return syncerrors.Validationf("op %s: invalid schemaVersion %d", op.ID, op.SchemaVersion)
	}

	if op.EntityType != model.EntityGlobalConfig && op.ActionType != model.ActionBatchUpdate {
		if len(op.TargetIDs()) == 0 {
			return syncerrors.Validationf("op %s: entityId or entityIds is required", op.ID)
		}
	}
	if len(op.EntityIDs) > MaxEntityIDs {
		return syncerrors.Validationf("op %s: too many entityIds", op.ID)
	}
	for _, id := range op.TargetIDs() {
		if id == "" || len(id) > MaxIDSize {
			return syncerrors.Validationf("op %s: invalid entity id", op.ID)
		}
	}

	if len(op.Payload) > v.maxPayloadBytes {
		return syncerrors.Validationf("op %s: payload exceeds %d bytes", op.ID, v.maxPayloadBytes)
	}
	if op.ActionType != model.ActionDelete {
		trimmed := bytes.TrimSpace(op.Payload)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return syncerrors.Validationf("op %s: payload is required", op.ID)
		}
	}
	if len(op.Payload) > 0 && !json.Valid(op.Payload) {
		return syncerrors.Validationf("op %s: payload is not valid JSON", op.ID)
	}
	return nil
}

// ParseSince validates the download cursor and page size
func (v *Validator) ParseSince(sinceSeq int64, limit, maxLimit int) (int64, int, error) {
	if sinceSeq < 0 {
		return 0, 0, syncerrors.Validation("sinceSeq must not be negative")
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	return sinceSeq, limit, nil
}
