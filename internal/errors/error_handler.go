package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
)

// ErrorResponse is the JSON body of every non-2xx response. Details are
// only set for client errors and carry structured context such as the
// offending op index.
type ErrorResponse struct {
	Status    string                 `json:"status"`
	ErrorCode ErrorCode              `json:"error_code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// Handler writes error responses
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// HandleError maps err to a response. SyncErrors with a 4xx status are
// reported as-is; anything else is logged in full and reported with a
// generic message.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := r.Header.Get("X-Request-ID")

	if stderrors.Is(err, context.DeadlineExceeded) {
		h.write(w, requestID, NewSyncError(ErrorCodeTimeout, "request timed out", nil))
		return
	}

	se, ok := AsSyncError(err)
	if !ok || se.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err), zap.String("request_id", requestID))
		code := ErrorCodeInternalError
		if ok {
			code = se.Code
		}
		h.write(w, requestID, NewSyncError(code, "internal server error", nil))
		return
	}

	h.write(w, requestID, se)
}

func (h *Handler) write(w http.ResponseWriter, requestID string, se *SyncError) {
	status := se.HTTPStatus()
	h.logger.Debug("Writing error response",
		zap.Int("status", status),
		zap.String("error_code", string(se.Code)),
		zap.String("request_id", requestID))

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: se.Code,
		Message:   se.Message,
		RequestID: requestID,
	}
	if status < http.StatusInternalServerError && len(se.Details) > 0 {
		resp.Details = se.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("Failed to encode error response", zap.Error(err))
	}
}

// WriteErrorResponse writes a response with an explicit status, for routing
// errors that have no SyncError behind them.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errorCode ErrorCode, message string, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}

func (h *Handler) WriteValidationError(w http.ResponseWriter, message string, requestID string) {
	h.write(w, requestID, Validation(message))
}

func (h *Handler) WriteUnauthorized(w http.ResponseWriter, message string, requestID string) {
	h.write(w, requestID, Unauthorized(message, nil))
}

func (h *Handler) WriteInternalError(w http.ResponseWriter, message string, requestID string) {
	h.write(w, requestID, NewSyncError(ErrorCodeInternalError, message, nil))
}

func (h *Handler) WriteRateLimitedError(w http.ResponseWriter, requestID string) {
	h.write(w, requestID, NewSyncError(ErrorCodeRateLimited, "rate limit exceeded", nil))
}
