// Package conflict decides whether an incoming operation supersedes the
// last accepted operation on the same entity.
package conflict

import (
	"sync"

	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/vectorclock"
)

// Verdict is the outcome for one incoming operation
type Verdict int

const (
	// Apply means the op is newer than, or wins against, the local version
	Apply Verdict = iota
	// Stale means the local version already causally follows the op
	Stale
	// Duplicate means the op is the one already recorded
	Duplicate
	// LocalWins means the clocks are concurrent and the local version wins
	// the tie-break
	LocalWins
)

func (v Verdict) String() string {
	switch v {
	case Apply:
		return "apply"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	case LocalWins:
		return "local_wins"
	default:
		return "unknown"
	}
}

// Outcome describes a single decision. For multi-entity ops there is one
// outcome per target.
type Outcome struct {
	Op         model.Operation
	Verdict    Verdict
	Concurrent bool
	Key        model.EntityKey
	Local      model.EntityVersion
	// Partial is set on a losing target of a multi-entity op whose other
	// targets were applied
	Partial bool
}

// Resolver tracks the entity frontier: the version of the last accepted
// operation per entity
type Resolver struct {
	mu       sync.RWMutex
	frontier map[string]model.EntityVersion
}

// NewResolver creates a resolver seeded with a persisted frontier
func NewResolver(frontier map[string]model.EntityVersion) *Resolver {
	f := make(map[string]model.EntityVersion, len(frontier))
	for k, v := range frontier {
		f[k] = v
	}
	return &Resolver{frontier: f}
}

// VersionOf builds the frontier entry an operation would leave behind
func VersionOf(op *model.Operation) model.EntityVersion {
	return model.EntityVersion{
		VectorClock: op.VectorClock.Copy(),
		Timestamp:   op.Timestamp,
		ClientID:    op.ClientID,
		OpID:        op.ID,
	}
}

// Wins reports whether a beats b when their clocks are concurrent: the
// later timestamp wins, then the greater client ID, then the greater op ID.
func Wins(a, b model.EntityVersion) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.ClientID != b.ClientID {
		return a.ClientID > b.ClientID
	}
	return a.OpID > b.OpID
}

// Check decides what to do with op without recording it. A multi-entity
// op reports its first target that does not apply.
func (r *Resolver) Check(op *model.Operation) Outcome {
	outcomes := r.CheckTargets(op)
	for _, o := range outcomes {
		if o.Verdict != Apply {
			return o
		}
	}
	if len(outcomes) == 1 {
		return outcomes[0]
	}
	return Outcome{Verdict: Apply}
}

// CheckTargets checks op against the frontier of every entity it changes.
// Batched archive moves and global config sections return no outcomes and
// always apply.
func (r *Resolver) CheckTargets(op *model.Operation) []Outcome {
	if op.EntityType == model.EntityGlobalConfig || (op.IsArchiveAffecting() && op.IsMultiEntity()) {
		return nil
	}
	ids := targetsOf(op)
	if len(ids) == 0 {
		return nil
	}

	v := VersionOf(op)
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		key := model.EntityKey{Type: op.EntityType, ID: id}
		out = append(out, r.checkKey(op, v, key))
	}
	return out
}

func (r *Resolver) checkKey(op *model.Operation, v model.EntityVersion, key model.EntityKey) Outcome {
	local, ok := r.frontier[key.String()]
	if !ok {
		return Outcome{Verdict: Apply, Key: key}
	}
	if local.OpID == op.ID {
		return Outcome{Verdict: Duplicate, Key: key, Local: local}
	}

	switch vectorclock.Compare(op.VectorClock, local.VectorClock) {
	case model.GreaterThan:
		return Outcome{Verdict: Apply, Key: key, Local: local}
	case model.LessThan:
		return Outcome{Verdict: Stale, Key: key, Local: local}
	}

	// equal clocks on distinct ops are treated as concurrent
	if Wins(v, local) {
		return Outcome{Verdict: Apply, Concurrent: true, Key: key, Local: local}
	}
	return Outcome{Verdict: LocalWins, Concurrent: true, Key: key, Local: local}
}

// targetsOf returns the entities op changes. A batch whose payload cannot
// be decoded falls back to the IDs on the op.
func targetsOf(op *model.Operation) []string {
	ids, err := op.AffectedIDs()
	if err != nil {
		return op.TargetIDs()
	}
	return ids
}

// Record makes op the frontier version of every entity it targets
func (r *Resolver) Record(op *model.Operation) {
	if op.EntityType == model.EntityGlobalConfig {
		return
	}
	v := VersionOf(op)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range targetsOf(op) {
		// deletes stay in the frontier so stale updates remain stale
		r.frontier[model.EntityKey{Type: op.EntityType, ID: id}.String()] = v
	}
}

// Filter checks and records ops in order. It returns the ops to apply and
// the outcomes of every target that lost. A multi-entity op that lost only
// some targets is applied without them; their outcomes are marked Partial.
func (r *Resolver) Filter(ops []model.Operation) ([]model.Operation, []Outcome) {
	accepted := make([]model.Operation, 0, len(ops))
	var rejected []Outcome

	for i := range ops {
		op := ops[i]
		outcomes := r.CheckTargets(&op)

		var lost []Outcome
		for _, o := range outcomes {
			if o.Verdict != Apply {
				o.Op = op
				lost = append(lost, o)
			}
		}

		if len(lost) > 0 && len(lost) < len(outcomes) {
			drop := make([]string, 0, len(lost))
			for _, o := range lost {
				drop = append(drop, o.Key.ID)
			}
			trimmed, err := op.WithoutTargets(drop)
			if err == nil {
				for j := range lost {
					lost[j].Partial = true
				}
				rejected = append(rejected, lost...)
				op = trimmed
				lost = nil
			}
		}
		if len(lost) > 0 {
			rejected = append(rejected, lost...)
			continue
		}

		r.Record(&op)
		accepted = append(accepted, op)
	}
	return accepted, rejected
}

// Frontier returns a copy of the current frontier
func (r *Resolver) Frontier() map[string]model.EntityVersion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]model.EntityVersion, len(r.frontier))
	for k, v := range r.frontier {
		out[k] = v
	}
	return out
}

// Len returns the number of tracked entities
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frontier)
}
