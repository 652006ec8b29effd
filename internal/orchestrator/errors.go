package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// RequestTooLargeError is returned before any provider is contacted when the
// prompt is empty or cannot fit any candidate's context window.
type RequestTooLargeError struct {
	EstimatedTokens int
	LargestContext  int
	Reason          string
}

func (e *RequestTooLargeError) Error() string {
	if e.Reason != "" {
		return "request too large: " + e.Reason
	}
	return fmt.Sprintf("request too large: ~%d tokens exceeds largest context window %d", e.EstimatedTokens, e.LargestContext)
}

// AllProvidersUnavailableError is the terminal failure after the attempt
// budget is spent or no candidate could be tried.
type AllProvidersUnavailableError struct {
	RequestID string
	Attempts  []Attempt
	// RetryAfter is the shortest quota wait among candidates that were held
	// back, or 0 when none were.
	RetryAfter time.Duration
	// TimedOut is set when the request deadline ended the failover chain.
	TimedOut bool
}

func (e *AllProvidersUnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		return "all providers unavailable: no candidate could be tried"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %s", a.Provider, a.Model, a.Outcome))
	}
	msg := fmt.Sprintf("all providers unavailable after %d attempts (%s)", len(e.Attempts), strings.Join(parts, ", "))
	if e.TimedOut {
		msg += ": request deadline exceeded"
	}
	return msg
}
