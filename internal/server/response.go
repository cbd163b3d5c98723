package server

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the error body for every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used by the HTTP surface.
const (
	errCodeInvalidRequest = "INVALID_REQUEST"
	errCodeNotFound       = "NOT_FOUND"
	errCodeMaxSessions    = "MAX_SESSIONS"
	errCodeInternal       = "INTERNAL_ERROR"
)

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	sendJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}
