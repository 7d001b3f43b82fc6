package syncer

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/opsync/internal/applier"
	"github.com/devrev/opsync/internal/auth"
	"github.com/devrev/opsync/internal/client"
	"github.com/devrev/opsync/internal/config"
	"github.com/devrev/opsync/internal/crypto"
	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/migration"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/oplog"
	"github.com/devrev/opsync/internal/server"
	"github.com/devrev/opsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCipherParams = crypto.Params{Time: 1, MemoryKiB: 1024, Threads: 1}

type testServer struct {
	url   string
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.ServerConfig{
		HTTP:  config.HTTPConfig{Port: 8080, RequestTimeout: 5 * time.Second},
		Auth:  config.AuthConfig{JWTSecret: strings.Repeat("k", 32), TokenTTL: auth.DefaultTokenTTL, VersionCacheTTL: time.Minute},
		Redis: config.RedisConfig{IdempotencyTTL: time.Hour},
		Sync:  config.SyncConfig{MaxOpsPerUpload: 100, MaxOpsPerDownload: 100, MaxPayloadBytes: 64 * 1024},
	}

	cache := store.NewInMemoryCache(100, time.Minute, zap.NewNop())
	t.Cleanup(cache.Close)
	users := store.NewMemoryUserStore()
	user, err := users.CreateUser(context.Background(), "sync@example.com")
	require.NoError(t, err)

	s := server.NewServer(cfg, server.Dependencies{
		Ops:               store.NewMemoryOpStore(),
		Users:             users,
		Idempotency:       store.NewMemoryIdempotencyStore(cache),
		TokenVersionCache: cache,
	}, zap.NewNop())
	s.SetupRoutes()

	token, _, err := s.Authenticator().IssueFor(context.Background(), user.ID)
	require.NoError(t, err)

	hs := httptest.NewServer(s.GetHandler())
	t.Cleanup(hs.Close)
	return &testServer{url: hs.URL, token: token}
}

type device struct {
	*Service
	dir string
	log *oplog.FileStore
}

type deviceOptions struct {
	dir     string
	archive applier.ArchiveHandler
	cipher  *crypto.Cipher
	nowMs   int64
}

func newDevice(t *testing.T, srv *testServer, opts deviceOptions) *device {
	t.Helper()
	if opts.dir == "" {
		opts.dir = t.TempDir()
	}
	logger := zap.NewNop()

	log, err := oplog.Open(&oplog.Config{DataDir: opts.dir}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	registry, err := migration.NewDefaultRegistry(logger)
	require.NoError(t, err)

	clientID, err := LoadOrCreateClientID(opts.dir)
	require.NoError(t, err)

	bulk := applier.New(applier.NewStore(model.NewState()), &applier.Guard{}, opts.archive, logger)
	transport := client.New(client.Config{BaseURL: srv.url, Token: srv.token}, logger)

	var svcOpts []Option
	if opts.cipher != nil {
		svcOpts = append(svcOpts, WithCipher(opts.cipher))
	}
	svc := New(Config{ClientID: clientID, DataDir: opts.dir}, log, transport, registry, bulk, logger, svcOpts...)
	if opts.nowMs != 0 {
		ms := opts.nowMs
		svc.now = func() time.Time { return time.UnixMilli(ms) }
	}
	require.NoError(t, svc.Hydrate(context.Background()))

	return &device{Service: svc, dir: opts.dir, log: log}
}

func taskIntent(t *testing.T, action model.ActionType, id string, fields model.Fields) applier.LocalIntent {
	t.Helper()
	payload, err := model.EncodePayload(model.EntityPayload{Fields: fields})
	require.NoError(t, err)
	opType := model.OpUpdate
	if action == model.ActionAdd {
		opType = model.OpCreate
	}
	return applier.LocalIntent{
		ActionType: action,
		OpType:     opType,
		EntityType: model.EntityTask,
		EntityID:   id,
		Payload:    payload,
	}
}

func archiveIntent(t *testing.T, id string, fields model.Fields) applier.LocalIntent {
	t.Helper()
	payload, err := model.EncodePayload(model.ArchivePayload{Entities: map[string]model.Fields{id: fields}})
	require.NoError(t, err)
	return applier.LocalIntent{
		ActionType: model.ActionMoveToArchive,
		OpType:     model.OpBatch,
		EntityType: model.EntityTask,
		EntityIDs:  []string{id},
		Payload:    payload,
	}
}

func record(t *testing.T, d *device, intent applier.LocalIntent) *model.Operation {
	t.Helper()
	op, err := d.RecordLocal(context.Background(), intent)
	require.NoError(t, err)
	require.NotNil(t, op)
	return op
}

func title(t *testing.T, d *device, id string) any {
	t.Helper()
	fields, ok := d.State().Entity(model.EntityTask, id)
	require.True(t, ok, "task %s missing", id)
	return fields["title"]
}

type flakyArchive struct {
	failures int32
	calls    int32
}

func (f *flakyArchive) HandleOperation(ctx context.Context, op model.Operation) error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return errors.New("archive database is locked")
	}
	return nil
}

func TestSync_TwoClientsConverge(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a := newDevice(t, srv, deviceOptions{})
	b := newDevice(t, srv, deviceOptions{})

	record(t, a, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "from a"}))
	record(t, b, taskIntent(t, model.ActionAdd, "t2", model.Fields{"title": "from b"}))

	rep, err := a.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Zero(t, rep.Downloaded)

	rep, err = b.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, 1, rep.Downloaded)
	assert.Equal(t, 1, rep.Applied)

	rep, err = a.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Downloaded)

	assert.Equal(t, a.State(), b.State())
	assert.Equal(t, "from b", title(t, a, "t2"))
	assert.Equal(t, a.Clock(), b.Clock(), "clocks merge to the same knowledge")

	t.Run("nothing left to do", func(t *testing.T) {
		rep, err := b.Sync(ctx)
		require.NoError(t, err)
		assert.Zero(t, rep.Uploaded)
		assert.Zero(t, rep.Downloaded)
		assert.Empty(t, b.log.Unsynced())
	})
}

func TestSync_ConcurrentUpdateEmitsLWWWhenLocalWins(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a := newDevice(t, srv, deviceOptions{nowMs: 1_000})
	b := newDevice(t, srv, deviceOptions{nowMs: 2_000})

	record(t, a, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "draft", "done": false}))
	_, err := a.Sync(ctx)
	require.NoError(t, err)
	_, err = b.Sync(ctx)
	require.NoError(t, err)

	// concurrent edits; b's is later and wins the tie-break everywhere
	record(t, a, taskIntent(t, model.ActionUpdate, "t1", model.Fields{"title": "from a"}))
	record(t, b, taskIntent(t, model.ActionUpdate, "t1", model.Fields{"title": "from b"}))

	_, err = a.Sync(ctx)
	require.NoError(t, err)

	rep, err := b.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 1, rep.LWWEmitted)
	assert.Equal(t, "from b", title(t, b, "t1"))
	require.Len(t, b.log.Unsynced(), 1)
	lww := b.log.Unsynced()[0].Op
	assert.Equal(t, model.ActionLWWUpdate, lww.ActionType)
	assert.Equal(t, int64(2), lww.VectorClock[a.ClientID()], "LWW clock covers the losing remote op")

	_, err = a.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from b", title(t, a, "t1"), "later concurrent update wins on a as well")

	_, err = b.Sync(ctx)
	require.NoError(t, err)
	_, err = a.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, a.State(), b.State())
}

func TestSync_ConcurrentBatchLosesTargetToLaterUpdate(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a := newDevice(t, srv, deviceOptions{nowMs: 1_000})
	b := newDevice(t, srv, deviceOptions{nowMs: 2_000})

	record(t, a, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "one"}))
	record(t, a, taskIntent(t, model.ActionAdd, "t2", model.Fields{"title": "two"}))
	_, err := a.Sync(ctx)
	require.NoError(t, err)
	_, err = b.Sync(ctx)
	require.NoError(t, err)

	payload, err := model.EncodePayload(model.BatchPayload{Entities: map[string]model.Fields{
		"t1": {"title": "batch"},
		"t2": {"title": "batch"},
	}})
	require.NoError(t, err)
	record(t, a, applier.LocalIntent{
		ActionType: model.ActionBatchUpdate,
		OpType:     model.OpBatch,
		EntityType: model.EntityTask,
		EntityIDs:  []string{"t1", "t2"},
		Payload:    payload,
	})
	record(t, b, taskIntent(t, model.ActionUpdate, "t1", model.Fields{"title": "single"}))

	var trimmed int
	for round := 0; round < 3; round++ {
		_, err = a.Sync(ctx)
		require.NoError(t, err)
		rep, err := b.Sync(ctx)
		require.NoError(t, err)
		trimmed += rep.Trimmed
	}

	assert.Equal(t, 1, trimmed, "only the batch's t1 target is dropped on b")
	assert.Equal(t, "single", title(t, a, "t1"))
	assert.Equal(t, "single", title(t, b, "t1"))
	assert.Equal(t, "batch", title(t, b, "t2"))
	assert.Equal(t, a.State(), b.State())

	t.Run("trimmed batch survives rehydration", func(t *testing.T) {
		want := b.State()
		require.NoError(t, b.log.Close())
		reopened := newDevice(t, srv, deviceOptions{dir: b.dir})
		assert.Equal(t, want, reopened.State())
	})
}

func TestSync_LWWSkippedForLocallyDeletedEntity(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a := newDevice(t, srv, deviceOptions{nowMs: 1_000})
	b := newDevice(t, srv, deviceOptions{nowMs: 2_000})

	record(t, a, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "x"}))
	_, err := a.Sync(ctx)
	require.NoError(t, err)
	_, err = b.Sync(ctx)
	require.NoError(t, err)

	record(t, a, taskIntent(t, model.ActionUpdate, "t1", model.Fields{"title": "from a"}))
	record(t, b, applier.LocalIntent{
		ActionType: model.ActionDelete,
		OpType:     model.OpDelete,
		EntityType: model.EntityTask,
		EntityID:   "t1",
	})

	_, err = a.Sync(ctx)
	require.NoError(t, err)
	rep, err := b.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Rejected)
	assert.Zero(t, rep.LWWEmitted)
	_, ok := b.State().Entity(model.EntityTask, "t1")
	assert.False(t, ok)
}

func TestRecordLocal_DeferredDuringApply(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	d := newDevice(t, srv, deviceOptions{})

	release := d.applier.Guard().Enter()
	op, err := d.RecordLocal(ctx, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "queued"}))
	require.NoError(t, err)
	assert.Nil(t, op, "deferred while an apply is running")
	assert.Equal(t, 0, d.log.Len())
	release()

	record(t, d, taskIntent(t, model.ActionAdd, "t2", model.Fields{"title": "direct"}))

	assert.Equal(t, 2, d.log.Len())
	assert.Equal(t, "queued", title(t, d, "t1"))
	assert.Equal(t, model.VectorClock{d.ClientID(): 2}, d.Clock())

	t.Run("drained by sync", func(t *testing.T) {
		release := d.applier.Guard().Enter()
		_, err := d.RecordLocal(ctx, taskIntent(t, model.ActionAdd, "t3", model.Fields{"title": "later"}))
		require.NoError(t, err)
		release()

		rep, err := d.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Deferred)
		assert.Equal(t, "later", title(t, d, "t3"))
	})
}

func TestSync_ArchiveFailureRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a := newDevice(t, srv, deviceOptions{})
	archive := &flakyArchive{failures: 1}
	b := newDevice(t, srv, deviceOptions{archive: archive})

	record(t, a, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "old"}))
	record(t, a, archiveIntent(t, "t1", model.Fields{"title": "old"}))
	_, err := a.Sync(ctx)
	require.NoError(t, err)

	rep, err := b.Sync(ctx)
	require.NoError(t, err, "archive failures are reported, not returned")
	require.NotNil(t, rep.FailedOp)
	assert.Equal(t, 1, rep.FailedOp.Index)
	assert.ErrorIs(t, rep.FailedOp.Err, syncerrors.ErrArchiveApply)
	assert.Equal(t, 1, rep.Applied)
	assert.Equal(t, int64(2), rep.Cursor, "logged ops are not downloaded again")
	require.Len(t, b.log.PendingRemote(), 1)
	_, ok := b.State().Entity(model.EntityTask, "t1")
	assert.False(t, ok, "state already reflects the archive move")

	rep, err = b.Sync(ctx)
	require.NoError(t, err)
	assert.Nil(t, rep.FailedOp)
	assert.Equal(t, 1, rep.Replayed)
	assert.Empty(t, b.log.PendingRemote())
	assert.Equal(t, int32(2), atomic.LoadInt32(&archive.calls))
}

// setupPendingArchive leaves b with a remote archive and a remote update
// logged, the archive side effect failed, and a later local edit on top
func setupPendingArchive(t *testing.T, srv *testServer, bDir string) (a, b *device) {
	t.Helper()
	ctx := context.Background()
	a = newDevice(t, srv, deviceOptions{})
	b = newDevice(t, srv, deviceOptions{dir: bDir, archive: &flakyArchive{failures: 1}})

	record(t, a, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "one"}))
	record(t, a, taskIntent(t, model.ActionAdd, "t2", model.Fields{"title": "two"}))
	_, err := a.Sync(ctx)
	require.NoError(t, err)
	_, err = b.Sync(ctx)
	require.NoError(t, err)

	record(t, a, archiveIntent(t, "t2", model.Fields{"title": "two"}))
	record(t, a, taskIntent(t, model.ActionUpdate, "t1", model.Fields{"title": "remote"}))
	_, err = a.Sync(ctx)
	require.NoError(t, err)

	rep, err := b.Sync(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep.FailedOp)
	assert.Equal(t, 0, rep.FailedOp.Index)
	require.Len(t, b.log.PendingRemote(), 2)
	assert.Equal(t, "remote", title(t, b, "t1"))

	record(t, b, taskIntent(t, model.ActionUpdate, "t1", model.Fields{"title": "local"}))
	assert.Equal(t, "local", title(t, b, "t1"))
	return a, b
}

func TestSync_ArchiveRetryKeepsLaterLocalEdit(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a, b := setupPendingArchive(t, srv, "")

	rep, err := b.Sync(ctx)
	require.NoError(t, err)
	assert.Nil(t, rep.FailedOp)
	assert.Equal(t, 2, rep.Replayed)
	assert.Empty(t, b.log.PendingRemote())
	assert.Equal(t, "local", title(t, b, "t1"), "retry does not replay the remote update over the local edit")

	_, err = a.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "local", title(t, a, "t1"))

	_, ok := b.State().Entity(model.EntityTask, "t2")
	assert.False(t, ok)
	assert.Equal(t, a.State(), b.State())
}

func TestHydrate_ReplaysPendingRemoteOps(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	bDir := t.TempDir()
	a, b := setupPendingArchive(t, srv, bDir)

	want := b.State()
	require.NoError(t, b.log.Close())

	archive := &flakyArchive{}
	reopened := newDevice(t, srv, deviceOptions{dir: bDir, archive: archive})
	assert.Equal(t, want, reopened.State(), "pending remote ops are part of the rebuilt state")
	require.Len(t, reopened.log.PendingRemote(), 2)

	rep, err := reopened.Sync(ctx)
	require.NoError(t, err)
	assert.Nil(t, rep.FailedOp)
	assert.Equal(t, 2, rep.Replayed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&archive.calls))
	assert.Equal(t, "local", title(t, reopened, "t1"))

	_, err = a.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.State(), reopened.State())
}

func TestHydrate_AfterCompaction(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	a := newDevice(t, srv, deviceOptions{})
	b := newDevice(t, srv, deviceOptions{})

	record(t, b, taskIntent(t, model.ActionAdd, "remote", model.Fields{"title": "from b"}))
	_, err := b.Sync(ctx)
	require.NoError(t, err)

	record(t, a, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "one"}))
	record(t, a, taskIntent(t, model.ActionUpdate, "t1", model.Fields{"title": "two"}))

	compactor := oplog.NewCompactor(&oplog.CompactionConfig{Threshold: 1}, a.log, a.Service, zap.NewNop())
	a.SetCompactor(compactor)
	rep, err := a.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Compacted)
	assert.Zero(t, a.log.Len())

	// written after the snapshot, replayed from the log
	record(t, a, taskIntent(t, model.ActionAdd, "t2", model.Fields{"title": "after"}))

	wantState := a.State()
	wantClock := a.Clock()
	require.NoError(t, a.log.Close())

	reopened := newDevice(t, srv, deviceOptions{dir: a.dir})
	assert.Equal(t, a.ClientID(), reopened.ClientID())
	assert.Equal(t, wantState, reopened.State())
	assert.Equal(t, wantClock, reopened.Clock())

	rep, err = reopened.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Zero(t, rep.Downloaded, "cursor survives compaction")
}

func TestHydrate_MigratesStateCache(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	seed := func(t *testing.T, dir string) {
		log, err := oplog.Open(&oplog.Config{DataDir: dir}, zap.NewNop())
		require.NoError(t, err)
		state := model.NewState()
		state.GlobalConfig["misc"] = model.Fields{"isConfirmBeforeTaskDelete": true}
		require.NoError(t, log.SaveStateCache(ctx, &model.StateCache{State: state, SchemaVersion: 1}))
		require.NoError(t, log.Close())
	}
	loadVersion := func(t *testing.T, d *device) int {
		cache, err := d.log.LoadStateCache(ctx)
		require.NoError(t, err)
		return cache.SchemaVersion
	}

	t.Run("persists under the lock", func(t *testing.T) {
		dir := t.TempDir()
		seed(t, dir)
		d := newDevice(t, srv, deviceOptions{dir: dir})

		assert.Equal(t, true, d.State().GlobalConfig["tasks"]["isConfirmBeforeDelete"])
		assert.Equal(t, migration.CurrentSchemaVersion, loadVersion(t, d))
		_, err := os.Stat(filepath.Join(dir, migrationLockFile))
		assert.True(t, os.IsNotExist(err), "lock released")
	})

	t.Run("contention skips persisting", func(t *testing.T) {
		dir := t.TempDir()
		seed(t, dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, migrationLockFile), []byte("1 1\n"), 0644))
		d := newDevice(t, srv, deviceOptions{dir: dir})

		assert.Equal(t, true, d.State().GlobalConfig["tasks"]["isConfirmBeforeDelete"])
		assert.Equal(t, 1, loadVersion(t, d))
	})
}

func TestSync_DecryptFailureIsRecoverable(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	right, err := crypto.NewCipher("correct horse", testCipherParams)
	require.NoError(t, err)
	wrong, err := crypto.NewCipher("battery staple", testCipherParams)
	require.NoError(t, err)

	a := newDevice(t, srv, deviceOptions{cipher: right})
	b := newDevice(t, srv, deviceOptions{cipher: wrong})

	record(t, a, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "secret"}))
	_, err = a.Sync(ctx)
	require.NoError(t, err)

	_, err = b.Sync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrDecryptFailed)
	se, ok := syncerrors.AsSyncError(err)
	require.True(t, ok)
	assert.True(t, se.Recoverable())
	assert.Zero(t, b.log.Cursor(), "cursor not advanced past undecryptable ops")

	again, err := crypto.NewCipher("correct horse", testCipherParams)
	require.NoError(t, err)
	b.cipher = again

	_, err = b.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret", title(t, b, "t1"))
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	d := newDevice(t, srv, deviceOptions{})

	record(t, d, taskIntent(t, model.ActionAdd, "t1", model.Fields{"title": "x"}))

	st, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Local.Unsynced)
	assert.Equal(t, 1, st.Local.Entities[model.EntityTask])
	require.NotNil(t, st.Remote)
	assert.Zero(t, st.Remote.LatestSeq)

	_, err = d.Sync(ctx)
	require.NoError(t, err)
	st, err = d.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Local.Unsynced)
	assert.Equal(t, int64(1), st.Remote.LatestSeq)
	assert.Contains(t, st.Remote.ClientIDs, d.ClientID())
}

func TestLoadOrCreateClientID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	first, err := LoadOrCreateClientID(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := LoadOrCreateClientID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
