package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/devrev/opsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testOp(id, client string) model.Operation {
	return model.Operation{
		ID:            id,
		ClientID:      client,
		ActionType:    model.ActionAdd,
		OpType:        model.OpCreate,
		EntityType:    model.EntityTask,
		EntityID:      "task-" + id,
		Payload:       []byte(`{"fields":{"title":"t"}}`),
		VectorClock:   model.VectorClock{client: 1},
		Timestamp:     1700000000000,
		SchemaVersion: 3,
	}
}

// runOpStoreTests exercises the OpStore contract against any implementation
func runOpStoreTests(t *testing.T, s OpStore, userID string) {
	ctx := context.Background()

	t.Run("append assigns consecutive seqs", func(t *testing.T) {
		res, err := s.AppendOps(ctx, userID, []model.Operation{testOp("a", "c1"), testOp("b", "c1"), testOp("a", "c1")})
		require.NoError(t, err)
		require.Len(t, res.Results, 3)
		assert.Equal(t, model.OpResult{ID: "a", Seq: 1, Status: model.OpStatusAccepted}, res.Results[0])
		assert.Equal(t, model.OpResult{ID: "b", Seq: 2, Status: model.OpStatusAccepted}, res.Results[1])
		assert.Equal(t, model.OpResult{ID: "a", Seq: 1, Status: model.OpStatusDuplicate}, res.Results[2])
		assert.Equal(t, int64(2), res.LatestSeq)
	})

	t.Run("retry reports duplicates", func(t *testing.T) {
		res, err := s.AppendOps(ctx, userID, []model.Operation{testOp("b", "c1"), testOp("c", "c2")})
		require.NoError(t, err)
		assert.Equal(t, model.OpStatusDuplicate, res.Results[0].Status)
		assert.Equal(t, int64(2), res.Results[0].Seq)
		assert.Equal(t, int64(3), res.Results[1].Seq)
		assert.Equal(t, int64(3), res.LatestSeq)
	})

	t.Run("download pages by seq", func(t *testing.T) {
		ops, err := s.GetOpsSince(ctx, userID, 0, "", 2)
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, "a", ops[0].ID)
		assert.Equal(t, int64(1), ops[0].Seq)
		assert.Equal(t, "b", ops[1].ID)

		ops, err = s.GetOpsSince(ctx, userID, 2, "", 10)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, "c", ops[0].ID)
		assert.Equal(t, model.VectorClock{"c2": 1}, ops[0].VectorClock, "clocks are stored untouched")
	})

	t.Run("download excludes a client", func(t *testing.T) {
		ops, err := s.GetOpsSince(ctx, userID, 0, "c1", 10)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, "c2", ops[0].ClientID)
	})

	t.Run("stats", func(t *testing.T) {
		latest, err := s.LatestSeq(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), latest)

		stats, err := s.Stats(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.OpCount)
		assert.Equal(t, []string{"c1", "c2"}, stats.ClientIDs)
	})

	t.Run("unknown user", func(t *testing.T) {
		latest, err := s.LatestSeq(ctx, userID+"-nobody")
		require.NoError(t, err)
		assert.Zero(t, latest)

		ops, err := s.GetOpsSince(ctx, userID+"-nobody", 0, "", 10)
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("concurrent uploads get unique seqs", func(t *testing.T) {
		other := userID + "-concurrent"
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				batch := make([]model.Operation, 0, 5)
				for i := 0; i < 5; i++ {
					batch = append(batch, testOp(fmt.Sprintf("w%d-%d", w, i), fmt.Sprintf("client-%d", w)))
				}
				_, err := s.AppendOps(ctx, other, batch)
				assert.NoError(t, err)
			}(w)
		}
		wg.Wait()

		ops, err := s.GetOpsSince(ctx, other, 0, "", 100)
		require.NoError(t, err)
		require.Len(t, ops, 40)
		for i, op := range ops {
			assert.Equal(t, int64(i+1), op.Seq)
		}
	})
}

func TestMemoryOpStore(t *testing.T) {
	runOpStoreTests(t, NewMemoryOpStore(), "user-1")
}

func TestPostgresOpStore(t *testing.T) {
	url := os.Getenv("OPSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("OPSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPostgresPool(ctx, url, 10)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, pool))

	s := NewPostgresOpStore(pool, zap.NewNop())
	defer s.Close()

	runOpStoreTests(t, s, fmt.Sprintf("user-%d", time.Now().UnixNano()))
}

func TestMemoryUserStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryUserStore()

	u, err := s.CreateUser(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, u.TokenVersion)

	_, err = s.CreateUser(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrUserExists)

	byEmail, err := s.GetUserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	bumped, err := s.IncrementTokenVersion(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, bumped.TokenVersion)

	_, err = s.IncrementTokenVersion(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisIdempotencyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := NewRedisIdempotencyStore(mr.Addr(), "", 0, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte(`{"latestSeq":3}`), time.Minute))
	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"latestSeq":3}`, string(data))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound, "entries expire with their TTL")

	require.NoError(t, s.Ping(ctx))
}

func TestRedisIdempotencyStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisIdempotencyStore(addr, "", 0, zap.NewNop())
	assert.Error(t, err)
}

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	cache := NewInMemoryCache(10, time.Minute, zap.NewNop())
	s := NewMemoryIdempotencyStore(cache)
	defer s.Close()

	value := []byte("resp")
	require.NoError(t, s.Set(ctx, "k", value, time.Minute))
	value[0] = 'X'

	data, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "resp", string(data), "stored value is copied")

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(2, time.Minute, zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Set(ctx, "short", 1, time.Millisecond))
	require.NoError(t, c.Set(ctx, "long", 2, time.Hour))
	time.Sleep(5 * time.Millisecond)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "new", 3, time.Hour))
	assert.Equal(t, 2, c.Size(), "expired entry is evicted first")

	v, err := c.Get(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
