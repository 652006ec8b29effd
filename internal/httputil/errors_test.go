package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, "req_123", http.StatusBadRequest, "invalid_request_error", "bad_request", "test message")

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}
	if rid := w.Header().Get("X-Request-ID"); rid != "req_123" {
		t.Errorf("expected X-Request-ID req_123, got %s", rid)
	}

	var resp APIError
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error.Message != "test message" {
		t.Errorf("expected message 'test message', got %q", resp.Error.Message)
	}
	if resp.Error.Type != "invalid_request_error" {
		t.Errorf("expected type 'invalid_request_error', got %q", resp.Error.Type)
	}
	if resp.Error.RequestID != "req_123" {
		t.Errorf("expected request_id 'req_123', got %q", resp.Error.RequestID)
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter) { WriteBadRequestError(w, "r", "x") }, http.StatusBadRequest, "invalid_request"},
		{"unknown target", func(w http.ResponseWriter) { WriteUnknownTargetError(w, "r", "x") }, http.StatusBadRequest, "unknown_provider_or_model"},
		{"too large", func(w http.ResponseWriter) { WriteRequestTooLargeError(w, "r", "x") }, http.StatusRequestEntityTooLarge, "request_too_large"},
		{"internal", func(w http.ResponseWriter) { WriteInternalError(w, "r", "x") }, http.StatusInternalServerError, "internal_error"},
		{"timeout", func(w http.ResponseWriter) { WriteGatewayTimeoutError(w, "r", "x") }, http.StatusGatewayTimeout, "request_canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			var resp APIError
			json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.Error.Code != tt.code {
				t.Errorf("code = %q, want %q", resp.Error.Code, tt.code)
			}
		})
	}
}

func TestWriteServiceUnavailableError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteServiceUnavailableError(w, "req_9", "all providers unavailable",
		[]map[string]string{{"provider": "alpha", "outcome": "timeout"}}, 1500*time.Millisecond)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
	if ra := w.Header().Get("Retry-After"); ra != "2" {
		t.Errorf("Retry-After = %q, want 2", ra)
	}

	var resp struct {
		Error struct {
			Code    string              `json:"code"`
			Details []map[string]string `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Code != "all_providers_unavailable" || len(resp.Error.Details) != 1 {
		t.Errorf("body = %s", w.Body.String())
	}
}
