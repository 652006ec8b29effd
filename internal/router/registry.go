package router

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
)

// Composite score weights used by Rank.
const (
	weightReliability = 0.4
	weightQuality     = 0.3
	weightSpeed       = 0.3
)

// Scores are operator-supplied ranking inputs, each on a 0-10 scale.
type Scores struct {
	Quality     float64 `json:"quality"`
	Speed       float64 `json:"speed"`
	Reliability float64 `json:"reliability"`
}

// Composite returns 0.4*reliability + 0.3*quality + 0.3*speed.
func (s Scores) Composite() float64 {
	return weightReliability*s.Reliability + weightQuality*s.Quality + weightSpeed*s.Speed
}

// QuotaLimits are a model's upstream limits. Zero means unlimited.
type QuotaLimits struct {
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
	RPD int `json:"rpd"`
}

// ModelProfile is immutable once loaded.
type ModelProfile struct {
	ID            string      `json:"id"`
	Provider      string      `json:"provider"`
	ContextWindow int         `json:"context_window"`
	Default       bool        `json:"default"`
	Limits        QuotaLimits `json:"limits"`
}

// ProviderProfile is a point-in-time copy of a registered provider.
type ProviderProfile struct {
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Models         []ModelProfile `json:"models"`
	Available      bool           `json:"available"`
	HasCredentials bool           `json:"has_credentials"`
	Scores         Scores         `json:"scores"`
	Order          int            `json:"order"`
}

// Usable reports whether the provider may be dispatched to.
func (p ProviderProfile) Usable() bool {
	return p.Available && p.HasCredentials
}

// MaxContext returns the largest context window among the provider's models.
func (p ProviderProfile) MaxContext() int {
	largest := 0
	for _, m := range p.Models {
		if m.ContextWindow > largest {
			largest = m.ContextWindow
		}
	}
	return largest
}

// Requirement is the minimal capability a ranked provider must satisfy.
type Requirement struct {
	MinContext int
	UsableOnly bool
}

// ProviderStatus is the diagnostic view of a provider, combining its profile
// with outcome statistics gathered from execution attempts.
type ProviderStatus struct {
	ProviderProfile
	Usable              bool      `json:"usable"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	LastOutcome         string    `json:"last_outcome,omitempty"`
	LastAttemptAt       time.Time `json:"last_attempt_at,omitzero"`
}

type providerEntry struct {
	name           string
	kind           string
	models         []ModelProfile
	hasCredentials bool
	order          int

	available bool
	scores    Scores
	// operator flag from providers.yaml as last applied
	configDisabled bool

	successes           int64
	failures            int64
	consecutiveFailures int
	avgLatencyMs        float64
	lastOutcome         string
	lastAttemptAt       time.Time
}

func (e *providerEntry) profile() ProviderProfile {
	models := make([]ModelProfile, len(e.models))
	copy(models, e.models)
	return ProviderProfile{
		Name:           e.name,
		Type:           e.kind,
		Models:         models,
		Available:      e.available,
		HasCredentials: e.hasCredentials,
		Scores:         e.scores,
		Order:          e.order,
	}
}

// Registry is the catalog of providers and models. Providers are never removed
// for the lifetime of the process; availability and scores are mutable.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*providerEntry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*providerEntry),
	}
}

// BuildFromConfig creates a registry from the providers config, preserving
// file order as registration order.
func BuildFromConfig(provCfg *config.ProvidersConfig) *Registry {
	r := NewRegistry()
	r.ApplyConfig(provCfg)
	return r
}

// ApplyConfig registers providers that are new and refreshes scores and
// credentials of known ones. Availability of a known provider changes only when
// its disabled flag changed since the last apply, so runtime disables survive a
// reload. Model lists of known providers are left untouched.
func (r *Registry) ApplyConfig(provCfg *config.ProvidersConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pc := range provCfg.Providers {
		scores := Scores{
			Quality:     pc.Scores.Quality,
			Speed:       pc.Scores.Speed,
			Reliability: pc.Scores.Reliability,
		}
		if e, ok := r.entries[pc.Name]; ok {
			e.scores = scores
			e.hasCredentials = pc.HasCredentials()
			if e.configDisabled != pc.Disabled {
				e.configDisabled = pc.Disabled
				e.available = !pc.Disabled
			}
			continue
		}

		models := make([]ModelProfile, 0, len(pc.Models))
		for _, m := range pc.Models {
			models = append(models, ModelProfile{
				ID:            m.ID,
				Provider:      pc.Name,
				ContextWindow: m.ContextWindow,
				Default:       m.Default,
				Limits:        QuotaLimits{RPM: m.Limits.RPM, TPM: m.Limits.TPM, RPD: m.Limits.RPD},
			})
		}
		r.entries[pc.Name] = &providerEntry{
			name:           pc.Name,
			kind:           pc.Type,
			models:         models,
			hasCredentials: pc.HasCredentials(),
			order:          len(r.order),
			available:      !pc.Disabled,
			scores:         scores,
			configDisabled: pc.Disabled,
		}
		r.order = append(r.order, pc.Name)
	}
}

// Register adds a provider. Registering a known name is a no-op.
func (r *Registry) Register(p ProviderProfile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[p.Name]; ok {
		return
	}
	models := make([]ModelProfile, len(p.Models))
	for i, m := range p.Models {
		m.Provider = p.Name
		models[i] = m
	}
	r.entries[p.Name] = &providerEntry{
		name:           p.Name,
		kind:           p.Type,
		models:         models,
		hasCredentials: p.HasCredentials,
		order:          len(r.order),
		available:      p.Available,
		scores:         p.Scores,
	}
	r.order = append(r.order, p.Name)
}

// ListProviders returns every provider in registration order.
func (r *Registry) ListProviders() []ProviderProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderProfile, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].profile())
	}
	return out
}

// Get returns the profile of a single provider.
func (r *Registry) Get(name string) (ProviderProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return ProviderProfile{}, &UnknownProviderError{Provider: name}
	}
	return e.profile(), nil
}

// GetModel returns the named model when the hint is set, else the provider's
// default model (the first model when none is flagged default).
func (r *Registry) GetModel(provider, modelHint string) (ModelProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[provider]
	if !ok {
		return ModelProfile{}, &UnknownProviderError{Provider: provider}
	}
	if modelHint != "" {
		for _, m := range e.models {
			if m.ID == modelHint {
				return m, nil
			}
		}
		return ModelProfile{}, &UnknownModelError{Provider: provider, Model: modelHint}
	}
	return defaultModel(e.models)
}

func defaultModel(models []ModelProfile) (ModelProfile, error) {
	for _, m := range models {
		if m.Default {
			return m, nil
		}
	}
	if len(models) > 0 {
		return models[0], nil
	}
	return ModelProfile{}, ErrUnknownModel
}

// ModelFor picks the model used for a ranked dispatch: the default model when
// it fits minContext, else the first model in declaration order that does.
func (r *Registry) ModelFor(provider string, minContext int) (ModelProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[provider]
	if !ok {
		return ModelProfile{}, false
	}
	if m, err := defaultModel(e.models); err == nil && m.ContextWindow >= minContext {
		return m, true
	}
	for _, m := range e.models {
		if m.ContextWindow >= minContext {
			return m, true
		}
	}
	return ModelProfile{}, false
}

// Rank returns providers satisfying req, ordered by composite score
// descending. Ties keep registration order.
func (r *Registry) Rank(req Requirement) []ProviderProfile {
	r.mu.RLock()
	out := make([]ProviderProfile, 0, len(r.order))
	for _, name := range r.order {
		p := r.entries[name].profile()
		if req.UsableOnly && !p.Usable() {
			continue
		}
		if p.MaxContext() < req.MinContext {
			continue
		}
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Scores.Composite() > out[j].Scores.Composite()
	})
	return out
}

// SetAvailable flips a provider's availability flag.
func (r *Registry) SetAvailable(name string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return &UnknownProviderError{Provider: name}
	}
	if e.available != available {
		slog.Info("provider availability changed", "provider", name, "available", available)
	}
	e.available = available
	return nil
}

// SetScores replaces a provider's ranking scores.
func (r *Registry) SetScores(name string, s Scores) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return &UnknownProviderError{Provider: name}
	}
	e.scores = s
	return nil
}

// RecordOutcome folds one execution attempt into the provider's statistics.
func (r *Registry) RecordOutcome(name, outcome string, success bool, latency time.Duration, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return
	}
	if success {
		e.successes++
		e.consecutiveFailures = 0
	} else {
		e.failures++
		e.consecutiveFailures++
	}
	ms := float64(latency) / float64(time.Millisecond)
	if n := e.successes + e.failures; n == 1 {
		e.avgLatencyMs = ms
	} else {
		// exponential moving average, alpha 0.2
		e.avgLatencyMs = 0.8*e.avgLatencyMs + 0.2*ms
	}
	e.lastOutcome = outcome
	e.lastAttemptAt = at
}

// Status returns the diagnostic view of every provider in registration order.
func (r *Registry) Status() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		p := e.profile()
		out = append(out, ProviderStatus{
			ProviderProfile:     p,
			Usable:              p.Usable(),
			Successes:           e.successes,
			Failures:            e.failures,
			ConsecutiveFailures: e.consecutiveFailures,
			AvgLatencyMs:        e.avgLatencyMs,
			LastOutcome:         e.lastOutcome,
			LastAttemptAt:       e.lastAttemptAt,
		})
	}
	return out
}
