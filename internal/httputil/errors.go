package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// APIError is the JSON error envelope of every endpoint.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	writeError(w, requestID, statusCode, APIErrorBody{Type: errType, Code: code, Message: message})
}

func writeError(w http.ResponseWriter, requestID string, statusCode int, body APIErrorBody) {
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	body.RequestID = requestID
	WriteJSON(w, statusCode, APIError{Error: body})
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteUnknownTargetError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "unknown_provider_or_model", message)
}

func WriteRequestTooLargeError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

// WriteServiceUnavailableError reports an exhausted failover chain. details
// carries the attempts; a positive retryAfter sets Retry-After in seconds.
func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string, details any, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, requestID, http.StatusServiceUnavailable, APIErrorBody{
		Type:    "server_error",
		Code:    "all_providers_unavailable",
		Message: message,
		Details: details,
	})
}

func WriteGatewayTimeoutError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusGatewayTimeout, "server_error", "request_canceled", message)
}
