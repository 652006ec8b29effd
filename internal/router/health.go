package router

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Reasons a provider was taken out of rotation by the tracker.
const (
	DisabledByCircuit = "circuit_open"
	DisabledByAuth    = "auth_error"
)

// HealthTracker manages circuit breakers for all providers and flips registry
// availability when a breaker opens or a credential is rejected. Providers
// disabled by the operator are never re-enabled here.
type HealthTracker struct {
	registry *Registry

	mu         sync.RWMutex
	breakers   map[string]*CircuitBreaker
	disabledBy map[string]string

	failureThreshold      int
	recoveryProbeInterval time.Duration
	now                   func() time.Time
}

// NewHealthTracker creates a health tracker with the given circuit breaker config.
func NewHealthTracker(registry *Registry, failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		registry:              registry,
		breakers:              make(map[string]*CircuitBreaker),
		disabledBy:            make(map[string]string),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		now:                   time.Now,
	}
}

// GetBreaker returns (or lazily creates) the circuit breaker for a provider.
func (ht *HealthTracker) GetBreaker(provider string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[provider]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	if cb, ok := ht.breakers[provider]; ok {
		return cb
	}
	cb = newCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval, ht.now)
	ht.breakers[provider] = cb
	return cb
}

// RecordSuccess records a successful dispatch for the provider.
func (ht *HealthTracker) RecordSuccess(provider string) {
	ht.GetBreaker(provider).RecordSuccess()
}

// RecordFailure records a failed dispatch. When the breaker opens the provider
// is marked unavailable until a probe succeeds.
func (ht *HealthTracker) RecordFailure(provider string) {
	if !ht.GetBreaker(provider).RecordFailure() {
		return
	}
	ht.disable(provider, DisabledByCircuit)
}

// DisableForAuth takes a provider out of rotation after a credential failure.
func (ht *HealthTracker) DisableForAuth(provider string) {
	ht.GetBreaker(provider).Trip()
	ht.disable(provider, DisabledByAuth)
}

func (ht *HealthTracker) disable(provider, reason string) {
	ht.mu.Lock()
	ht.disabledBy[provider] = reason
	ht.mu.Unlock()

	if ht.registry != nil {
		if err := ht.registry.SetAvailable(provider, false); err != nil {
			slog.Error("failed to disable provider", "provider", provider, "error", err)
			return
		}
	}
	slog.Warn("provider disabled", "provider", provider, "reason", reason)
}

// DisabledReason returns why the tracker disabled a provider, or "".
func (ht *HealthTracker) DisabledReason(provider string) string {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.disabledBy[provider]
}

// Reconcile re-applies the tracker's disables to the registry, e.g. after a
// config reload re-enabled a provider. It returns how many were re-disabled.
func (ht *HealthTracker) Reconcile() int {
	if ht.registry == nil {
		return 0
	}
	ht.mu.RLock()
	disabled := make([]string, 0, len(ht.disabledBy))
	for p := range ht.disabledBy {
		disabled = append(disabled, p)
	}
	ht.mu.RUnlock()

	n := 0
	for _, p := range disabled {
		prof, err := ht.registry.Get(p)
		if err != nil || !prof.Available {
			continue
		}
		if err := ht.registry.SetAvailable(p, false); err == nil {
			n++
		}
	}
	return n
}

// DueForProbe lists providers disabled by the tracker that should be probed
// now: auth-disabled providers always, circuit-disabled ones once half-open.
func (ht *HealthTracker) DueForProbe() []string {
	ht.mu.RLock()
	candidates := make(map[string]string, len(ht.disabledBy))
	for p, reason := range ht.disabledBy {
		candidates[p] = reason
	}
	ht.mu.RUnlock()

	var due []string
	for p, reason := range candidates {
		if reason == DisabledByAuth || ht.GetBreaker(p).ProbeDue() {
			due = append(due, p)
		}
	}
	sort.Strings(due)
	return due
}

// RecordProbe applies a probe result. A successful probe closes the breaker and
// restores availability; it reports whether the provider was re-enabled.
func (ht *HealthTracker) RecordProbe(provider string, err error) bool {
	cb := ht.GetBreaker(provider)
	if err != nil {
		cb.RecordFailure()
		return false
	}
	cb.RecordSuccess()

	ht.mu.Lock()
	_, wasDisabled := ht.disabledBy[provider]
	delete(ht.disabledBy, provider)
	ht.mu.Unlock()

	if !wasDisabled || ht.registry == nil {
		return false
	}
	if err := ht.registry.SetAvailable(provider, true); err != nil {
		slog.Error("failed to re-enable provider", "provider", provider, "error", err)
		return false
	}
	slog.Info("provider recovered", "provider", provider)
	return true
}

// States returns the circuit state of every provider seen so far.
func (ht *HealthTracker) States() map[string]CircuitState {
	ht.mu.RLock()
	names := make([]string, 0, len(ht.breakers))
	for name := range ht.breakers {
		names = append(names, name)
	}
	ht.mu.RUnlock()

	out := make(map[string]CircuitState, len(names))
	for _, name := range names {
		out[name] = ht.GetBreaker(name).State()
	}
	return out
}
