package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devrev/opsync/internal/auth"
	"github.com/devrev/opsync/internal/config"
	"github.com/devrev/opsync/internal/model"
	"github.com/devrev/opsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	handler http.Handler
	server  *Server
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.ServerConfig{
		HTTP: config.HTTPConfig{
			Port:           8080,
			RequestTimeout: 5 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Auth:  config.AuthConfig{JWTSecret: strings.Repeat("s", 32), TokenTTL: auth.DefaultTokenTTL, VersionCacheTTL: time.Minute},
		Redis: config.RedisConfig{IdempotencyTTL: time.Hour},
		Sync:  config.SyncConfig{MaxOpsPerUpload: 10, MaxOpsPerDownload: 100, MaxPayloadBytes: 1024},
	}

	cache := store.NewInMemoryCache(100, time.Minute, zap.NewNop())
	t.Cleanup(cache.Close)

	users := store.NewMemoryUserStore()
	user, err := users.CreateUser(context.Background(), "dev@example.com")
	require.NoError(t, err)

	s := NewServer(cfg, Dependencies{
		Ops:               store.NewMemoryOpStore(),
		Users:             users,
		Idempotency:       store.NewMemoryIdempotencyStore(cache),
		TokenVersionCache: cache,
	}, zap.NewNop())
	s.SetupRoutes()

	token, _, err := s.Authenticator().IssueFor(context.Background(), user.ID)
	require.NoError(t, err)

	return &testEnv{handler: s.GetHandler(), server: s, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func opJSON(id, client string, clock string) string {
	return fmt.Sprintf(`{"id":%q,"clientId":%q,"actionType":"ADD","opType":"CRT","entityType":"TASK","entityId":"t-%s","payload":{"fields":{"title":"x"}},"vectorClock":%s,"timestamp":1700000000000,"schemaVersion":3}`,
		id, client, id, clock)
}

func TestSyncRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	body := fmt.Sprintf(`{"clientId":"a","ops":[%s,%s]}`, opJSON("1", "a", `{"a":1}`), opJSON("2", "a", `{"a":2}`))
	rec := env.do(t, http.MethodPost, "/sync/ops", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(auth.RefreshedTokenHeader))

	var up model.UploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&up))
	assert.Equal(t, int64(2), up.LatestSeq)

	rec = env.do(t, http.MethodGet, "/sync/ops?sinceSeq=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var down model.DownloadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&down))
	require.Len(t, down.Ops, 1)
	assert.Equal(t, "2", down.Ops[0].ID)
	assert.Equal(t, model.VectorClock{"a": 2}, down.Ops[0].VectorClock)
	assert.False(t, down.HasMore)

	rec = env.do(t, http.MethodGet, "/sync/ops?sinceSeq=0&excludeClient=a", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&down))
	assert.Empty(t, down.Ops)

	rec = env.do(t, http.MethodGet, "/sync/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(auth.RefreshedTokenHeader))
}

func TestUploadRejectsWholeBatchOnBadClock(t *testing.T) {
	env := newTestEnv(t)

	entries := make([]string, 0, 80)
	for i := 0; i < 80; i++ {
		entries = append(entries, fmt.Sprintf(`"c%d":1`, i))
	}
	body := fmt.Sprintf(`{"clientId":"a","ops":[%s,%s]}`,
		opJSON("1", "a", `{"a":1}`),
		opJSON("2", "a", "{"+strings.Join(entries, ",")+"}"))

	rec := env.do(t, http.MethodPost, "/sync/ops", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_REQUEST")
	assert.Empty(t, rec.Header().Get(auth.RefreshedTokenHeader), "error responses never carry a token")

	rec = env.do(t, http.MethodGet, "/sync/status", "", nil)
	var st model.SyncStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Zero(t, st.OpCount, "nothing was committed")
}

func TestUploadRequiresOps(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/sync/ops", `{"clientId":"a"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ops is required")
	assert.Empty(t, rec.Header().Get(auth.RefreshedTokenHeader))
}

func TestUploadStripsInvalidClockEntries(t *testing.T) {
	env := newTestEnv(t)

	body := fmt.Sprintf(`{"clientId":"a","ops":[%s]}`, opJSON("1", "a", `{"a":1,"":3,"b":-2}`))
	rec := env.do(t, http.MethodPost, "/sync/ops", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/sync/ops", "", nil)
	var down model.DownloadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&down))
	require.Len(t, down.Ops, 1)
	assert.Equal(t, model.VectorClock{"a": 1}, down.Ops[0].VectorClock)
}

func TestIdempotentUpload(t *testing.T) {
	env := newTestEnv(t)
	body := fmt.Sprintf(`{"clientId":"a","ops":[%s]}`, opJSON("1", "a", `{"a":1}`))
	headers := map[string]string{"Idempotency-Key": "retry-1"}

	first := env.do(t, http.MethodPost, "/sync/ops", body, headers)
	second := env.do(t, http.MethodPost, "/sync/ops", body, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestReplaceTokenRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/replace-token", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(auth.RefreshedTokenHeader), "replace-token never rolls the token")

	var resp model.ReplaceTokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), resp.ExpiresAt, time.Minute)

	rec = env.do(t, http.MethodGet, "/sync/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old token is invalid after replacement")

	env.token = resp.Token
	rec = env.do(t, http.MethodGet, "/sync/status", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutingErrors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown route", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad sinceSeq", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/sync/ops?sinceSeq=abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, rec.Header().Get(auth.RefreshedTokenHeader))
	})

	t.Run("health needs no token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("ready", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/ready", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
