package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/omgate/pkg/observability"
)

// ErrorResponse represents a standardized error response. It never carries
// upstream response bodies or token material.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a generic message
// and the request ID taken from the request context.
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		RequestID: observability.GetRequestID(r.Context()),
	})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorMessage(w, r, http.StatusBadRequest, message)
}

// WriteInternalError writes an internal server error (500) with a fixed message
func WriteInternalError(w http.ResponseWriter, r *http.Request) {
	WriteErrorMessage(w, r, http.StatusInternalServerError, "internal server error")
}
