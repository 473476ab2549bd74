// Package api holds the JSON response shapes shared by every HTTP handler.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/NgigiN/stablelink/internal/apperr"
)

type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	})
}

// WriteAppError renders err by its taxonomy kind. When public is true the
// message is the short user-facing sentence rather than provider detail.
func WriteAppError(w http.ResponseWriter, err error, public bool, requestID string) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if e, ok := apperr.As(err); ok && e.Message != "" {
		msg = e.Message
	}
	if public || kind == apperr.KindUnknown {
		msg = apperr.UserMessage(kind)
	}
	WriteError(w, apperr.HTTPStatus(kind), string(kind), msg, requestID)
}

func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
