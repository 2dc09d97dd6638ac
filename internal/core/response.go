package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"storegate/internal/types"
)

// maxRequestBodySize is the maximum allowed size of a request body.
const maxRequestBodySize = 1 << 20

// Envelope is the body of every JSON response. Success responses carry Data;
// failures carry Error.
type Envelope struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Meta    Meta         `json:"meta"`
}

// ErrorDetail is the client-facing error description.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta is attached to every response.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func newMeta(r *http.Request) Meta {
	return Meta{Timestamp: time.Now().UTC(), RequestID: types.GetRequestID(r.Context())}
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(Envelope{
			Error: &ErrorDetail{Code: string(types.ErrCodeInternalUnexpected), Message: "failed to marshal response"},
			Meta:  newMeta(r),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Success writes a success envelope around data.
func Success(w http.ResponseWriter, r *http.Request, status int, data any) {
	JSON(w, r, status, Envelope{Success: true, Data: data, Meta: newMeta(r)})
}

// Error writes err as a failure envelope. AppErrors keep their code, message,
// and details; anything else becomes internal_unexpected_error. The wrapped
// error text is only exposed under details.debug when debug mode is on.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, debugEnabled(r.Context()))
}

func writeError(w http.ResponseWriter, r *http.Request, err error, debug bool) {
	appErr, ok := types.AsAppError(err)
	if !ok {
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", err)
	}

	detail := &ErrorDetail{Code: string(appErr.Code), Message: appErr.Message}
	if len(appErr.Details) > 0 {
		detail.Details = make(map[string]any, len(appErr.Details)+1)
		for k, v := range appErr.Details {
			detail.Details[k] = v
		}
	}
	if debug && appErr.Err != nil {
		if detail.Details == nil {
			detail.Details = make(map[string]any, 1)
		}
		detail.Details["debug"] = appErr.Err.Error()
	}

	JSON(w, r, appErr.HTTPStatus(), Envelope{Error: detail, Meta: newMeta(r)})
}

// DecodeJSON reads a single JSON object from the body into dst, rejecting
// unknown fields and bodies over 1 MB.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must contain a single JSON object", nil)
	}
	return nil
}

func mapDecodeError(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not exceed 1MB", err)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "malformed JSON in request body", err)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidJSON, "invalid value for field", err,
			map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()})
	}
	if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "unknown field in request body: "+field, err)
	}
	if errors.Is(err, io.EOF) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not be empty", err)
	}
	return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid JSON in request body", err)
}
