// Package handler provides HTTP request handlers for the sync server.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/devrev/opsync/internal/auth"
	syncerrors "github.com/devrev/opsync/internal/errors"
	"github.com/devrev/opsync/internal/service"
	"github.com/devrev/opsync/internal/validation"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader optionally identifies a retried upload
const IdempotencyKeyHeader = "Idempotency-Key"

// ClockRecorder counts boundary clock sanitization outcomes
type ClockRecorder interface {
	RecordClockStripped(entries int)
	RecordClockRejected()
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	sync         *service.SyncService
	validator    *validation.Validator
	errorHandler *syncerrors.Handler
	clocks       ClockRecorder
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance. clocks may be nil.
func NewHandlers(sync *service.SyncService, validator *validation.Validator, errorHandler *syncerrors.Handler, clocks ClockRecorder, logger *zap.Logger) *Handlers {
	return &Handlers{
		sync:         sync,
		validator:    validator,
		errorHandler: errorHandler,
		clocks:       clocks,
		logger:       logger,
	}
}

// UploadOps handles POST /sync/ops requests.
func (h *Handlers) UploadOps(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errorHandler.WriteValidationError(w, "request body too large", r.Header.Get("X-Request-ID"))
			return
		}
		h.errorHandler.WriteValidationError(w, "failed to read request body", r.Header.Get("X-Request-ID"))
		return
	}

	req, stripped, err := h.validator.DecodeUpload(body)
	if err != nil {
		if h.clocks != nil && validation.IsClockRejection(err) {
			h.clocks.RecordClockRejected()
		}
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if stripped > 0 {
		if h.clocks != nil {
			h.clocks.RecordClockStripped(stripped)
		}
		h.logger.Warn("stripped invalid vector clock entries",
			zap.String("user_id", principal.UserID),
			zap.String("client_id", req.ClientID),
			zap.Int("entries", stripped))
	}

	resp, err := h.sync.UploadOps(r.Context(), principal.UserID, req, r.Header.Get(IdempotencyKeyHeader))
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// DownloadOps handles GET /sync/ops requests.
func (h *Handlers) DownloadOps(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	sinceSeq, err := parseInt(query.Get("sinceSeq"))
	if err != nil {
		h.errorHandler.WriteValidationError(w, "sinceSeq must be an integer", r.Header.Get("X-Request-ID"))
		return
	}
	limit, err := parseInt(query.Get("limit"))
	if err != nil {
		h.errorHandler.WriteValidationError(w, "limit must be an integer", r.Header.Get("X-Request-ID"))
		return
	}
	sinceSeq, pageSize, err := h.validator.ParseSince(sinceSeq, int(limit), h.sync.MaxDownload())
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.sync.DownloadOps(r.Context(), principal.UserID, sinceSeq, query.Get("excludeClient"), pageSize)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Status handles GET /sync/status requests.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	resp, err := h.sync.Status(r.Context(), principal.UserID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// ReplaceToken handles POST /api/replace-token requests.
func (h *Handlers) ReplaceToken(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	resp, err := h.sync.ReplaceToken(r.Context(), principal.UserID)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

func (h *Handlers) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		h.errorHandler.WriteUnauthorized(w, "authentication required", r.Header.Get("X-Request-ID"))
		return nil, false
	}
	return p, true
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
