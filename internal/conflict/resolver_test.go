package conflict

import (
	"testing"

	"github.com/devrev/opsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(id, client string, ts int64, clock model.VectorClock) model.Operation {
	return model.Operation{
		ID:          id,
		ClientID:    client,
		ActionType:  model.ActionUpdate,
		OpType:      model.OpUpdate,
		EntityType:  model.EntityTask,
		EntityID:    "t1",
		VectorClock: clock,
		Timestamp:   ts,
	}
}

func TestWins(t *testing.T) {
	tests := []struct {
		name string
		a, b model.EntityVersion
		want bool
	}{
		{"later timestamp", model.EntityVersion{Timestamp: 2, ClientID: "a"}, model.EntityVersion{Timestamp: 1, ClientID: "z"}, true},
		{"earlier timestamp", model.EntityVersion{Timestamp: 1, ClientID: "z"}, model.EntityVersion{Timestamp: 2, ClientID: "a"}, false},
		{"greater client", model.EntityVersion{Timestamp: 1, ClientID: "b"}, model.EntityVersion{Timestamp: 1, ClientID: "a"}, true},
		{"greater op id", model.EntityVersion{Timestamp: 1, ClientID: "a", OpID: "2"}, model.EntityVersion{Timestamp: 1, ClientID: "a", OpID: "1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Wins(tt.a, tt.b))
			assert.Equal(t, !tt.want, Wins(tt.b, tt.a), "rule is antisymmetric")
		})
	}
}

func TestResolver_Check(t *testing.T) {
	local := op("local-1", "client-a", 100, model.VectorClock{"client-a": 2})
	r := NewResolver(nil)
	r.Record(&local)

	t.Run("dominating op applies", func(t *testing.T) {
		in := op("r1", "client-b", 50, model.VectorClock{"client-a": 2, "client-b": 1})
		assert.Equal(t, Apply, r.Check(&in).Verdict)
	})

	t.Run("dominated op is stale", func(t *testing.T) {
		in := op("r2", "client-b", 500, model.VectorClock{"client-a": 1})
		assert.Equal(t, Stale, r.Check(&in).Verdict)
	})

	t.Run("same op is duplicate", func(t *testing.T) {
		assert.Equal(t, Duplicate, r.Check(&local).Verdict)
	})

	t.Run("concurrent newer remote wins", func(t *testing.T) {
		in := op("r3", "client-b", 200, model.VectorClock{"client-a": 1, "client-b": 1})
		out := r.Check(&in)
		assert.Equal(t, Apply, out.Verdict)
		assert.True(t, out.Concurrent)
	})

	t.Run("concurrent older remote loses", func(t *testing.T) {
		in := op("r4", "client-b", 10, model.VectorClock{"client-a": 1, "client-b": 1})
		out := r.Check(&in)
		assert.Equal(t, LocalWins, out.Verdict)
		assert.Equal(t, "local-1", out.Local.OpID)
	})

	t.Run("multi-entity op reports its losing target", func(t *testing.T) {
		in := op("r5", "client-b", 1, model.VectorClock{})
		in.EntityID = ""
		in.EntityIDs = []string{"t1", "t2"}
		in.OpType = model.OpBatch
		out := r.Check(&in)
		assert.Equal(t, Stale, out.Verdict)
		assert.Equal(t, "t1", out.Key.ID)

		outcomes := r.CheckTargets(&in)
		require.Len(t, outcomes, 2)
		assert.Equal(t, Apply, outcomes[1].Verdict)
		assert.Equal(t, "t2", outcomes[1].Key.ID)
	})
}

func TestResolver_FilterIsOrderIndependent(t *testing.T) {
	a := op("a", "client-a", 100, model.VectorClock{"client-a": 1})
	b := op("b", "client-b", 100, model.VectorClock{"client-b": 1})

	r1 := NewResolver(nil)
	r1.Filter([]model.Operation{a, b})
	r2 := NewResolver(nil)
	r2.Filter([]model.Operation{b, a})

	key := model.EntityKey{Type: model.EntityTask, ID: "t1"}.String()
	assert.Equal(t, r1.Frontier()[key].OpID, r2.Frontier()[key].OpID)
	assert.Equal(t, "b", r1.Frontier()[key].OpID)
}

func TestResolver_FilterRecordsAccepted(t *testing.T) {
	r := NewResolver(map[string]model.EntityVersion{})

	first := op("1", "client-b", 1, model.VectorClock{"client-b": 1})
	second := op("2", "client-b", 2, model.VectorClock{"client-b": 2})
	old := op("0", "client-c", 0, model.VectorClock{})

	accepted, rejected := r.Filter([]model.Operation{first, second, old})
	require.Len(t, accepted, 2)
	require.Len(t, rejected, 1)
	assert.Equal(t, "0", rejected[0].Op.ID)
	assert.Equal(t, Stale, rejected[0].Verdict)
	assert.Equal(t, 1, r.Len())
}

func batchOp(t *testing.T, id, client string, ts int64, clock model.VectorClock, ids ...string) model.Operation {
	t.Helper()
	entities := make(map[string]model.Fields, len(ids))
	for _, e := range ids {
		entities[e] = model.Fields{"title": "batch"}
	}
	payload, err := model.EncodePayload(model.BatchPayload{Entities: entities})
	require.NoError(t, err)
	return model.Operation{
		ID:          id,
		ClientID:    client,
		ActionType:  model.ActionBatchUpdate,
		OpType:      model.OpBatch,
		EntityType:  model.EntityTask,
		Payload:     payload,
		VectorClock: clock,
		Timestamp:   ts,
	}
}

func TestResolver_FilterMultiEntity(t *testing.T) {
	key := func(id string) string { return model.EntityKey{Type: model.EntityTask, ID: id}.String() }

	t.Run("losing targets are dropped from the batch", func(t *testing.T) {
		r := NewResolver(nil)
		single := op("single", "client-b", 2000, model.VectorClock{"client-b": 1})
		r.Record(&single)

		batch := batchOp(t, "batch", "client-a", 1000, model.VectorClock{"client-a": 1}, "t1", "t2")
		accepted, rejected := r.Filter([]model.Operation{batch})

		require.Len(t, accepted, 1)
		p, err := model.DecodeBatchPayload(&accepted[0])
		require.NoError(t, err)
		assert.Len(t, p.Entities, 1)
		assert.Contains(t, p.Entities, "t2")

		require.Len(t, rejected, 1)
		assert.Equal(t, LocalWins, rejected[0].Verdict)
		assert.True(t, rejected[0].Partial)
		assert.Equal(t, "t1", rejected[0].Key.ID)
		assert.Equal(t, "batch", rejected[0].Op.ID)

		assert.Equal(t, "single", r.Frontier()[key("t1")].OpID)
		assert.Equal(t, "batch", r.Frontier()[key("t2")].OpID)
	})

	t.Run("later batch wins every target", func(t *testing.T) {
		r := NewResolver(nil)
		single := op("single", "client-b", 1000, model.VectorClock{"client-b": 1})
		r.Record(&single)

		batch := batchOp(t, "batch", "client-a", 2000, model.VectorClock{"client-a": 1}, "t1", "t2")
		accepted, rejected := r.Filter([]model.Operation{batch})

		require.Len(t, accepted, 1)
		assert.Empty(t, rejected)
		assert.Equal(t, "batch", r.Frontier()[key("t1")].OpID)
	})

	t.Run("batch losing every target is rejected", func(t *testing.T) {
		r := NewResolver(nil)
		r.Record(&model.Operation{ID: "newer", ClientID: "client-b", EntityType: model.EntityTask,
			EntityIDs: []string{"t1", "t2"}, VectorClock: model.VectorClock{"client-a": 1, "client-b": 1}})

		batch := batchOp(t, "batch", "client-a", 5000, model.VectorClock{"client-a": 1}, "t1", "t2")
		accepted, rejected := r.Filter([]model.Operation{batch})

		assert.Empty(t, accepted)
		require.Len(t, rejected, 2)
		for _, o := range rejected {
			assert.Equal(t, Stale, o.Verdict)
			assert.False(t, o.Partial)
		}
	})

	t.Run("batched archive moves are not checked", func(t *testing.T) {
		r := NewResolver(nil)
		single := op("single", "client-b", 2000, model.VectorClock{"client-b": 1})
		r.Record(&single)

		archive := op("archive", "client-a", 1, model.VectorClock{})
		archive.ActionType = model.ActionMoveToArchive
		archive.OpType = model.OpBatch
		archive.EntityID = ""
		archive.EntityIDs = []string{"t1"}

		accepted, rejected := r.Filter([]model.Operation{archive})
		assert.Len(t, accepted, 1)
		assert.Empty(t, rejected)
	})
}
