package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClient_PicksUpRefreshedToken(t *testing.T) {
	var seenAuth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = append(seenAuth, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/sync/ops":
			assert.Equal(t, "5", r.URL.Query().Get("sinceSeq"))
			assert.Equal(t, "me", r.URL.Query().Get("excludeClient"))
			w.Header().Set("X-Refreshed-Token", "rolled")
			json.NewEncoder(w).Encode(model.DownloadResponse{Ops: []model.Operation{{ID: "x", Seq: 6}}, LatestSeq: 6})
		case "/sync/status":
			json.NewEncoder(w).Encode(model.SyncStatus{LatestSeq: 6})
		}
	}))
	defer srv.Close()

	var persisted string
	c := New(Config{BaseURL: srv.URL + "/", Token: "initial", OnTokenRefreshed: func(tok string) { persisted = tok }}, zap.NewNop())

	resp, err := c.Download(context.Background(), 5, "me", 0)
	require.NoError(t, err)
	require.Len(t, resp.Ops, 1)
	assert.Equal(t, "rolled", c.Token())
	assert.Equal(t, "rolled", persisted)

	_, err = c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Bearer initial", "Bearer rolled"}, seenAuth)
}

func TestClient_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		var req model.UploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "me", req.ClientID)
		json.NewEncoder(w).Encode(model.UploadResponse{
			Results:   []model.OpResult{{ID: req.Ops[0].ID, Seq: 1, Status: model.OpStatusAccepted}},
			LatestSeq: 1,
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "t"}, zap.NewNop())
	resp, err := c.Upload(context.Background(), "me", []model.Operation{{ID: "a"}}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Results[0].Seq)
	assert.Equal(t, "t", c.Token(), "no refresh header, token unchanged")
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sync/ops":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"status":"error","error_code":"INVALID_REQUEST","message":"bad clock","request_id":"r1"}`))
		case "/sync/status":
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "t"}, zap.NewNop())

	_, err := c.Upload(context.Background(), "me", nil, "")
	assert.ErrorIs(t, err, syncerrors.ErrValidation)
	assert.ErrorContains(t, err, "bad clock")

	_, err = c.Status(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrUnauthorized)

	_, err = c.ReplaceToken(context.Background())
	assert.Equal(t, syncerrors.ErrorCodeInternalError, syncerrors.GetCode(err))
	assert.Equal(t, "t", c.Token())
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{BaseURL: url}, zap.NewNop()).Status(context.Background())
	assert.Equal(t, syncerrors.ErrorCodeServiceDown, syncerrors.GetCode(err))
}
