package model

import "time"

// State is the full in-memory application state that operations act on
type State struct {
	GlobalConfig map[string]Fields                `json:"globalConfig"`
	Entities     map[EntityType]map[string]Fields `json:"entities"`
}

// NewState returns an empty state
func NewState() State {
	return State{
		GlobalConfig: make(map[string]Fields),
		Entities:     make(map[EntityType]map[string]Fields),
	}
}

// Clone returns a deep copy of the state down to the field maps
func (s State) Clone() State {
	out := NewState()
	for section, fields := range s.GlobalConfig {
		out.GlobalConfig[section] = fields.Clone()
	}
	for et, entities := range s.Entities {
		m := make(map[string]Fields, len(entities))
		for id, fields := range entities {
			m[id] = fields.Clone()
		}
		out.Entities[et] = m
	}
	return out
}

// Entity returns the fields of an entity and whether it exists
func (s State) Entity(et EntityType, id string) (Fields, bool) {
	entities, ok := s.Entities[et]
	if !ok {
		return nil, false
	}
	f, ok := entities[id]
	return f, ok
}

// Count returns the number of entities of the given type
func (s State) Count(et EntityType) int {
	return len(s.Entities[et])
}

// EntityVersion records the causal position of the last accepted op for an
// entity
type EntityVersion struct {
	VectorClock VectorClock `json:"vectorClock"`
	Timestamp   int64       `json:"timestamp"`
	ClientID    string      `json:"clientId"`
	OpID        string      `json:"opId"`
}

// StateCache is a compacted snapshot of state plus the log position it
// reflects
type StateCache struct {
	State            State                    `json:"state"`
	LastAppliedOpSeq int64                    `json:"lastAppliedOpSeq"`
	LastServerSeq    int64                    `json:"lastServerSeq"`
	VectorClock      VectorClock              `json:"vectorClock"`
	Frontier         map[string]EntityVersion `json:"frontier"`
	SchemaVersion    int                      `json:"schemaVersion"`
	CompactedAt      time.Time                `json:"compactedAt"`
}
