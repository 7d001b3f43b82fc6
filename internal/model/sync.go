package model

import "time"

// Upload result statuses
const (
	OpStatusAccepted  = "accepted"
	OpStatusDuplicate = "duplicate"
)

// UploadRequest is the body of POST /sync/ops
type UploadRequest struct {
	Ops      []Operation `json:"ops"`
	ClientID string      `json:"clientId"`
}

// OpResult reports the server-side outcome for one uploaded op
type OpResult struct {
	ID     string `json:"id"`
	Seq    int64  `json:"seq"`
	Status string `json:"status"`
}

// UploadResponse is the response of POST /sync/ops
type UploadResponse struct {
	Results   []OpResult `json:"results"`
	LatestSeq int64      `json:"latestSeq"`
}

// DownloadResponse is the response of GET /sync/ops
type DownloadResponse struct {
	Ops       []Operation `json:"ops"`
	LatestSeq int64       `json:"latestSeq"`
	HasMore   bool        `json:"hasMore"`
}

// SyncStatus is the response of GET /sync/status
type SyncStatus struct {
	UserID     string   `json:"userId"`
	LatestSeq  int64    `json:"latestSeq"`
	OpCount    int64    `json:"opCount"`
	ClientIDs  []string `json:"clientIds"`
	ServerTime int64    `json:"serverTime"`
}

// ReplaceTokenResponse is the response of POST /api/replace-token
type ReplaceTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// User is a sync account
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	TokenVersion int       `json:"tokenVersion"`
	CreatedAt    time.Time `json:"createdAt"`
}
