package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the shared failure taxonomy every binding maps its errors into.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindAuth        Kind = "auth_error"
	KindTimeout     Kind = "timeout"
	KindTransient   Kind = "transient_error"
	KindUnsupported Kind = "unsupported"
)

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// FromStatus maps an HTTP status from a provider to the shared taxonomy.
func FromStatus(provider string, status int, body string) *Error {
	return &Error{
		Kind:       kindForStatus(status),
		Provider:   provider,
		StatusCode: status,
		Message:    truncate(body, 512),
	}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransient
	default:
		return KindUnsupported
	}
}

// Classify returns the Kind of any error returned by a client.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransient
}

// wrapTransport classifies an error from http.Client.Do.
func wrapTransport(provider string, err error) *Error {
	kind := KindTransient
	if Classify(err) == KindTimeout {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Provider: provider, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
