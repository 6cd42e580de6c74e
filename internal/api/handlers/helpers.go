package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/eargollo/vidlift/internal/apperr"
)

// ListResponse is the standard list envelope.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// ErrorBody is the standard error envelope.
type ErrorBody struct {
	Error APIError `json:"error"`
}

// APIError holds a machine-readable code and a human message.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeJSON serialises v as JSON with status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON encode", "error", err)
	}
}

// writeError writes a standard error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{
		Error: APIError{Code: code, Message: message},
	})
}

// writeAppError maps err through the apperr taxonomy.
func writeAppError(w http.ResponseWriter, err error) {
	status := apperr.Status(err)
	if status == http.StatusInternalServerError {
		slog.Error("api: request failed", "error", err)
	}
	writeJSON(w, status, ErrorBody{
		Error: APIError{Code: apperr.Code(err), Message: err.Error(), Retryable: apperr.Retryable(err)},
	})
}

// decodeBody reads a JSON request body into v. It writes the 400 response
// itself and reports false when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body is empty")
		return false
	}
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
	return false
}
