package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/internal/ctxkeys"
	"github.com/BaSui01/hivemind/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// Response envelope
// =============================================================================

// Response is the JSON envelope of every API answer. Failed requests carry
// Error and Code; TaskID or BugID name the entity the failure concerns.
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	BugID     string    `json:"bugId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId,omitempty"`
}

// ErrorRef names the entity an error concerns.
type ErrorRef struct {
	TaskID string
	BugID  string
}

// WriteJSON writes data as JSON with status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	// headers are gone at this point; nothing left to report to the client
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful envelope with status.
func WriteSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteError maps err to a status and writes the error envelope. Causes and
// stack traces are logged, never returned.
func WriteError(w http.ResponseWriter, r *http.Request, err error, ref ErrorRef, logger *zap.Logger) {
	apiErr := types.WrapError(err, types.ErrInternalError)
	status := apiErr.Status()
	msg := apiErr.Message
	if apiErr.Code == types.ErrInternalError {
		msg = "internal error"
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(apiErr.Code)),
			zap.Int("status", status),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("api error", fields...)
		} else {
			logger.Debug("api error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     msg,
		Code:      string(apiErr.Code),
		Retryable: apiErr.Retryable,
		TaskID:    ref.TaskID,
		BugID:     ref.BugID,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// DecodeJSONBody decodes a size-limited JSON body into dst, rejecting unknown
// fields.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return types.NewValidationError("request body is empty")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return types.NewValidationError("request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.NewValidationError("request body exceeds %d bytes", maxBodyBytes).
				WithHTTPStatus(http.StatusRequestEntityTooLarge)
		}
		return types.NewValidationError("invalid JSON body: %v", err)
	}
	return nil
}

func requestID(r *http.Request) string {
	id, _ := ctxkeys.RequestID(r.Context())
	return id
}

// =============================================================================
// Status capturing writer
// =============================================================================

// ResponseWriter records the status code written through it.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader records code and forwards it once.
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write marks the response as written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController, which the
// WebSocket upgrade needs for hijacking.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
