package main

import (
	"context"
	"log/slog"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/profilestore"
	"github.com/af-corp/aegis-orchestrator/internal/router"
)

// overrideSource yields the persisted operator overrides.
type overrideSource interface {
	Load(ctx context.Context) ([]profilestore.Override, error)
}

// applyProviders folds a freshly loaded catalog into the registry. Persisted
// overrides are applied on top of the YAML values, then providers the health
// tracker took out of rotation are disabled again. overrides may be nil.
func applyProviders(ctx context.Context, provCfg *config.ProvidersConfig, registry *router.Registry, tracker *router.HealthTracker, overrides overrideSource) {
	registry.ApplyConfig(provCfg)

	if overrides != nil {
		list, err := overrides.Load(ctx)
		if err != nil {
			slog.Warn("failed to load provider overrides", "error", err)
		} else if n := profilestore.Apply(registry, list); n > 0 {
			slog.Info("provider overrides applied", "count", n)
		}
	}

	if tracker != nil {
		if n := tracker.Reconcile(); n > 0 {
			slog.Info("tracker-disabled providers kept out of rotation", "count", n)
		}
	}
}
