// Package quota enforces per (provider, model) request and token limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExceeded is returned by Reserve when admitting the request would
// exceed a limit.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Limits are a model's upstream quotas. Zero means unlimited.
type Limits struct {
	RPM int
	TPM int
	RPD int
}

// Unlimited reports whether no dimension is constrained.
func (l Limits) Unlimited() bool {
	return l.RPM <= 0 && l.TPM <= 0 && l.RPD <= 0
}

// LimitsFunc resolves the limits of a model. ok is false for unknown models,
// which are treated as unlimited.
type LimitsFunc func(provider, model string) (l Limits, ok bool)

// Tracker is the admission-control surface used by the orchestrator.
type Tracker interface {
	// CanAdmit reports whether one more request of estimatedTokens fits in
	// every current window.
	CanAdmit(ctx context.Context, provider, model string, estimatedTokens int) bool
	// Reserve atomically checks and claims capacity for one request.
	Reserve(ctx context.Context, provider, model string, estimatedTokens int) (Reservation, error)
	// Record counts a completed request that was not reserved.
	Record(ctx context.Context, provider, model string, tokens int)
	// WaitTime is the advisory delay until the window boundary that frees
	// capacity. It is 0 only when no current usage can block a request.
	WaitTime(ctx context.Context, provider, model string) time.Duration
}

// Reservation is capacity claimed for one in-flight request. Exactly one of
// Commit or Release must be called; later calls are no-ops.
type Reservation interface {
	// Commit records the request with its actual token usage.
	Commit(ctx context.Context, tokens int)
	// Release returns the claim for a request that was never sent.
	Release(ctx context.Context)
}

// WaitTimeSeconds rounds a tracker's WaitTime up to whole seconds.
func WaitTimeSeconds(ctx context.Context, t Tracker, provider, model string) int {
	d := t.WaitTime(ctx, provider, model)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Usage is a snapshot of one key's current windows.
type Usage struct {
	MinuteRequests int `json:"minute_requests"`
	MinuteTokens   int `json:"minute_tokens"`
	DayRequests    int `json:"day_requests"`
	Pending        int `json:"pending"`
}

func key(provider, model string) string {
	return fmt.Sprintf("%s/%s", provider, model)
}

func minuteStart(t time.Time) time.Time { return t.Truncate(time.Minute) }

// dayStart anchors daily windows to UTC midnight.
func dayStart(t time.Time) time.Time { return t.UTC().Truncate(24 * time.Hour) }

// admits applies the shared admission rule. A limit already met blocks the
// key; a single request larger than the whole TPM budget is admitted only into
// an empty token window so it is not starved forever.
func admits(l Limits, minuteReqs, minuteTokens, dayReqs, estimatedTokens int) bool {
	if l.RPM > 0 && minuteReqs+1 > l.RPM {
		return false
	}
	if l.RPD > 0 && dayReqs+1 > l.RPD {
		return false
	}
	if l.TPM > 0 {
		if minuteTokens >= l.TPM {
			return false
		}
		if minuteTokens+estimatedTokens > l.TPM && !(estimatedTokens > l.TPM && minuteTokens == 0) {
			return false
		}
	}
	return true
}

// waitFor returns the delay until the boundary that clears every blocking
// dimension: the next minute for RPM/TPM, the next UTC day for RPD. Any token
// usage under a TPM limit can block a large enough request, so it waits for
// the minute boundary too.
func waitFor(l Limits, now time.Time, minuteReqs, minuteTokens, dayReqs int) time.Duration {
	var wait time.Duration
	if (l.RPM > 0 && minuteReqs >= l.RPM) || (l.TPM > 0 && minuteTokens > 0) {
		wait = minuteStart(now).Add(time.Minute).Sub(now)
	}
	if l.RPD > 0 && dayReqs >= l.RPD {
		wait = dayStart(now).Add(24 * time.Hour).Sub(now)
	}
	return wait
}
