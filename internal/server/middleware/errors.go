package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gorws/internal/errors"
	"github.com/3leaps/gorws/internal/observability"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the body written for envelopes produced here. It has the
// same shape as apperrors.HTTPErrorResponse.
type ErrorResponse struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details,omitempty"`
		RequestID string         `json:"request_id,omitempty"`
	} `json:"error"`
}

// Recovery turns a panic in next into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := apperrors.RequestIDFromContext(r.Context())
			observability.ServerLogger.Error("Recovered from handler panic",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))

			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if requestID != "" {
				envelope = envelope.WithCorrelationID(requestID)
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// RequestID propagates X-Request-ID, generating one when absent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}

// envelopeView is the subset of a gofulmen envelope rendered over HTTP.
type envelopeView struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Context       map[string]any `json:"context"`
	Details       map[string]any `json:"details"`
	CorrelationID string         `json:"correlation_id"`
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	var view envelopeView
	if raw, err := json.Marshal(envelope); err == nil {
		_ = json.Unmarshal(raw, &view)
	}

	var resp ErrorResponse
	resp.Error.Code = view.Code
	resp.Error.Message = view.Message
	resp.Error.RequestID = view.CorrelationID
	resp.Error.Details = view.Details
	if len(view.Context) > 0 {
		resp.Error.Details = view.Context
	}
	if resp.Error.Code == "" {
		resp.Error.Code = apperrors.CodeInternal
	}

	apperrors.WriteJSON(w, statusCode, resp)
}
