package applier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockArchive struct {
	mock.Mock
}

func (m *mockArchive) HandleOperation(ctx context.Context, op model.Operation) error {
	args := m.Called(ctx, op.ID)
	return args.Error(0)
}

func entityOp(t *testing.T, id string, action model.ActionType, entityID string, fields model.Fields) model.Operation {
	t.Helper()
	payload, err := model.EncodePayload(model.EntityPayload{Fields: fields})
	require.NoError(t, err)
	opType := model.OpUpdate
	if action == model.ActionAdd {
		opType = model.OpCreate
	}
	return model.Operation{
		ID:            id,
		ClientID:      "client-b",
		ActionType:    action,
		OpType:        opType,
		EntityType:    model.EntityTask,
		EntityID:      entityID,
		Payload:       payload,
		VectorClock:   model.VectorClock{"client-b": 1},
		SchemaVersion: 3,
	}
}

func archiveOp(t *testing.T, id string, entities map[string]model.Fields) model.Operation {
	t.Helper()
	payload, err := model.EncodePayload(model.ArchivePayload{Entities: entities})
	require.NoError(t, err)
	ids := make([]string, 0, len(entities))
	for k := range entities {
		ids = append(ids, k)
	}
	return model.Operation{
		ID:            id,
		ClientID:      "client-b",
		ActionType:    model.ActionMoveToArchive,
		OpType:        model.OpBatch,
		EntityType:    model.EntityTask,
		EntityIDs:     ids,
		Payload:       payload,
		SchemaVersion: 3,
	}
}

type yieldCounter struct {
	mu sync.Mutex
	n  int
}

func (y *yieldCounter) yield() {
	y.mu.Lock()
	y.n++
	y.mu.Unlock()
}

func TestBulkApplier_SingleNotification(t *testing.T) {
	store := NewStore(model.NewState())
	archive := &mockArchive{}
	a := New(store, &Guard{}, archive, zap.NewNop())

	var notifications int
	var last Change
	store.Subscribe(func(c Change) {
		notifications++
		last = c
	})

	ops := make([]model.Operation, 0, 500)
	for i := 0; i < 500; i++ {
		ops = append(ops, entityOp(t, fmt.Sprintf("op-%03d", i), model.ActionAdd,
			fmt.Sprintf("task-%03d", i), model.Fields{"title": fmt.Sprintf("task %d", i)}))
	}

	result := a.ApplyOperations(context.Background(), ops, Options{})

	assert.Nil(t, result.FailedOp)
	assert.Len(t, result.AppliedOps, 500)
	assert.Equal(t, 1, notifications)
	assert.Equal(t, 500, last.OpCount)
	assert.Equal(t, 500, last.State.Count(model.EntityTask))
	archive.AssertNotCalled(t, "HandleOperation", mock.Anything, mock.Anything)
}

func TestBulkApplier_PartialArchiveFailure(t *testing.T) {
	store := NewStore(model.NewState())
	archive := &mockArchive{}
	y := &yieldCounter{}
	a := New(store, &Guard{}, archive, zap.NewNop(), WithYielder(y.yield))

	ops := make([]model.Operation, 0, 15)
	for i := 0; i < 15; i++ {
		id := fmt.Sprintf("op-%02d", i)
		ops = append(ops, archiveOp(t, id, map[string]model.Fields{fmt.Sprintf("task-%02d", i): {"title": "x"}}))
		if i == 10 {
			archive.On("HandleOperation", mock.Anything, id).Return(errors.New("disk full"))
		} else {
			archive.On("HandleOperation", mock.Anything, id).Return(nil).Maybe()
		}
	}

	result := a.ApplyOperations(context.Background(), ops, Options{})

	require.NotNil(t, result.FailedOp)
	assert.Len(t, result.AppliedOps, 10)
	assert.Equal(t, "op-10", result.FailedOp.Op.ID)
	assert.Equal(t, 10, result.FailedOp.Index)
	assert.Len(t, result.FailedOp.Remaining, 5)
	assert.ErrorIs(t, result.FailedOp.Err, syncerrors.ErrArchiveApply)
	assert.Equal(t, uint64(1), store.Version(), "primary state is committed once regardless")
	assert.Equal(t, 11, y.n, "one yield after dispatch plus one per completed archive op")

	archive.AssertNotCalled(t, "HandleOperation", mock.Anything, "op-11")
	archive.AssertExpectations(t)
}

func TestBulkApplier_ArchiveSkipsStaleUpdate(t *testing.T) {
	initial := model.NewState()
	initial.Entities[model.EntityTask] = map[string]model.Fields{
		"x": {"title": "original", "done": true},
	}
	store := NewStore(initial)
	archive := &mockArchive{}
	archive.On("HandleOperation", mock.Anything, "archive-x").Return(nil).Once()
	a := New(store, &Guard{}, archive, zap.NewNop())

	ops := []model.Operation{
		archiveOp(t, "archive-x", map[string]model.Fields{"x": {"title": "original", "done": true}}),
		entityOp(t, "stale-update", model.ActionLWWUpdate, "x", model.Fields{"title": "stale", "done": false}),
	}

	result := a.ApplyOperations(context.Background(), ops, Options{})

	assert.Nil(t, result.FailedOp)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, "stale-update", result.Skipped[0].Op.ID)

	_, active := store.Snapshot().Entity(model.EntityTask, "x")
	assert.False(t, active, "archived entity is not resurrected by the stale update")
	archive.AssertExpectations(t)
}

func TestBulkApplier_LocalHydrationSkipsArchive(t *testing.T) {
	store := NewStore(model.NewState())
	archive := &mockArchive{}
	a := New(store, &Guard{}, archive, zap.NewNop())

	ops := []model.Operation{
		entityOp(t, "a", model.ActionAdd, "t1", model.Fields{"title": "one"}),
		archiveOp(t, "b", map[string]model.Fields{"t1": {"title": "one"}}),
	}
	result := a.ApplyOperations(context.Background(), ops, Options{IsLocalHydration: true})

	assert.Len(t, result.AppliedOps, 2)
	assert.Nil(t, result.FailedOp)
	archive.AssertNotCalled(t, "HandleOperation", mock.Anything, mock.Anything)
}

func TestBulkApplier_GuardActiveDuringCommit(t *testing.T) {
	store := NewStore(model.NewState())
	guard := &Guard{}
	a := New(store, guard, nil, zap.NewNop())

	var activeDuringCommit bool
	store.Subscribe(func(Change) { activeDuringCommit = guard.Active() })

	a.ApplyOperations(context.Background(), []model.Operation{
		entityOp(t, "a", model.ActionAdd, "t1", model.Fields{"title": "one"}),
	}, Options{})

	assert.True(t, activeDuringCommit)
	assert.False(t, guard.Active())
}

func TestBulkApplier_CanceledContext(t *testing.T) {
	store := NewStore(model.NewState())
	archive := &mockArchive{}
	a := New(store, &Guard{}, archive, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ops := []model.Operation{
		entityOp(t, "a", model.ActionAdd, "t1", model.Fields{"title": "one"}),
		archiveOp(t, "b", map[string]model.Fields{"t1": {"title": "one"}}),
	}
	result := a.ApplyOperations(ctx, ops, Options{})

	require.NotNil(t, result.FailedOp)
	assert.Equal(t, 1, result.FailedOp.Index)
	assert.Len(t, result.AppliedOps, 1)
	archive.AssertNotCalled(t, "HandleOperation", mock.Anything, mock.Anything)
}

func TestBulkApplier_RetrySideEffectsLeavesStateAlone(t *testing.T) {
	initial := model.NewState()
	initial.Entities[model.EntityTask] = map[string]model.Fields{
		"t1": {"title": "edited later"},
	}
	store := NewStore(initial)
	archive := &mockArchive{}
	archive.On("HandleOperation", mock.Anything, "archive-t2").Return(errors.New("disk full")).Once()
	archive.On("HandleOperation", mock.Anything, "archive-t2").Return(nil).Once()
	a := New(store, &Guard{}, archive, zap.NewNop())

	ops := []model.Operation{
		archiveOp(t, "archive-t2", map[string]model.Fields{"t2": {"title": "two"}}),
		entityOp(t, "update-t1", model.ActionUpdate, "t1", model.Fields{"title": "remote"}),
	}

	first := a.RetrySideEffects(context.Background(), ops)
	require.NotNil(t, first.FailedOp)
	assert.Empty(t, first.AppliedOps)
	assert.Equal(t, "archive-t2", first.FailedOp.Op.ID)

	second := a.RetrySideEffects(context.Background(), ops)
	assert.Nil(t, second.FailedOp)
	assert.Len(t, second.AppliedOps, 2)

	fields, ok := store.Snapshot().Entity(model.EntityTask, "t1")
	require.True(t, ok)
	assert.Equal(t, "edited later", fields["title"], "retry does not reduce the ops again")
	assert.Equal(t, uint64(0), store.Version())
	archive.AssertExpectations(t)
}
