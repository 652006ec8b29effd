package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks the provider catalog for the structural rules the registry
// depends on. All problems are reported together.
func (pc *ProvidersConfig) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(pc.Providers))

	for i, p := range pc.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %s: duplicate name", p.Name))
		}
		seen[p.Name] = true

		for _, s := range []struct {
			name  string
			value float64
		}{
			{"quality", p.Scores.Quality},
			{"speed", p.Scores.Speed},
			{"reliability", p.Scores.Reliability},
		} {
			if s.value < 0 || s.value > 10 {
				errs = append(errs, fmt.Errorf("provider %s: %s score %.1f outside [0,10]", p.Name, s.name, s.value))
			}
		}

		if len(p.Models) == 0 {
			errs = append(errs, fmt.Errorf("provider %s: at least one model is required", p.Name))
		}
		defaults := 0
		models := make(map[string]bool, len(p.Models))
		for _, m := range p.Models {
			if m.ID == "" {
				errs = append(errs, fmt.Errorf("provider %s: model id is required", p.Name))
				continue
			}
			if models[m.ID] {
				errs = append(errs, fmt.Errorf("provider %s: duplicate model %s", p.Name, m.ID))
			}
			models[m.ID] = true
			if m.Default {
				defaults++
			}
			if m.ContextWindow <= 0 {
				errs = append(errs, fmt.Errorf("provider %s model %s: context_window must be positive", p.Name, m.ID))
			}
			if m.Limits.RPM < 0 || m.Limits.TPM < 0 || m.Limits.RPD < 0 {
				errs = append(errs, fmt.Errorf("provider %s model %s: limits must not be negative", p.Name, m.ID))
			}
		}
		if defaults > 1 {
			errs = append(errs, fmt.Errorf("provider %s: %d default models, at most one allowed", p.Name, defaults))
		}
	}

	return errors.Join(errs...)
}

// Validate checks orchestrator-level settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Orchestrator.MaxAttempts <= 0 {
		errs = append(errs, errors.New("orchestrator.max_attempts must be positive"))
	}
	if c.Orchestrator.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.dispatch_timeout must be positive"))
	}
	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		errs = append(errs, errors.New("cache.max_size must be positive when the cache is enabled"))
	}
	if c.Cache.Enabled && c.Cache.SweepInterval < time.Second {
		errs = append(errs, errors.New("cache.sweep_interval must be at least 1s"))
	}
	if c.Health.CheckInterval < time.Second {
		errs = append(errs, errors.New("health.check_interval must be at least 1s"))
	}
	switch c.Quota.Backend {
	case "", "memory":
	case "redis":
		if len(c.Redis.Addresses) == 0 || c.Redis.Addresses[0] == "" {
			errs = append(errs, errors.New("quota.backend redis requires redis.addresses"))
		}
	default:
		errs = append(errs, fmt.Errorf("quota.backend %q: want memory or redis", c.Quota.Backend))
	}
	return errors.Join(errs...)
}
