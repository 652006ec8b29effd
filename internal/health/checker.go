// Package health probes providers that were taken out of rotation and brings
// them back once they answer again.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/router/adapters"
	"github.com/af-corp/aegis-orchestrator/internal/telemetry"
)

const defaultProbeTimeout = 5 * time.Second

// StatusStore persists availability changes made by the checker.
type StatusStore interface {
	SaveAvailability(ctx context.Context, provider string, available bool, reason string) error
}

// ClientLookup returns the execution client of a provider.
type ClientLookup func(provider string) (adapters.ExecutionClient, bool)

// Checker probes tracker-disabled providers through adapters.Prober.
type Checker struct {
	registry     *router.Registry
	tracker      *router.HealthTracker
	clients      ClientLookup
	store        StatusStore
	metrics      *telemetry.Metrics
	probeTimeout time.Duration
}

// NewChecker creates a checker. store and metrics may be nil.
func NewChecker(registry *router.Registry, tracker *router.HealthTracker, clients ClientLookup, store StatusStore, metrics *telemetry.Metrics, probeTimeout time.Duration) *Checker {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &Checker{
		registry:     registry,
		tracker:      tracker,
		clients:      clients,
		store:        store,
		metrics:      metrics,
		probeTimeout: probeTimeout,
	}
}

// Result is the outcome of probing one provider.
type Result struct {
	Provider  string
	Recovered bool
	Err       error
}

// CheckOnce probes every provider due for a probe and publishes the
// availability of all providers.
func (c *Checker) CheckOnce(ctx context.Context) []Result {
	due := c.tracker.DueForProbe()
	results := make([]Result, 0, len(due))

	for _, name := range due {
		reason := c.tracker.DisabledReason(name)
		err := c.probe(ctx, name)
		recovered := c.tracker.RecordProbe(name, err)
		results = append(results, Result{Provider: name, Recovered: recovered, Err: err})

		if err != nil {
			slog.Warn("provider probe failed", "provider", name, "disabled_by", reason, "error", err)
			c.persist(ctx, name, false, reason)
			continue
		}
		if recovered {
			c.persist(ctx, name, true, "probe_ok")
		}
	}

	if c.metrics != nil {
		for _, p := range c.registry.ListProviders() {
			c.metrics.SetProviderAvailable(p.Name, p.Usable())
		}
	}
	return results
}

func (c *Checker) probe(ctx context.Context, provider string) error {
	client, ok := c.clients(provider)
	if !ok {
		return &adapters.Error{Kind: adapters.KindUnsupported, Provider: provider, Message: "no execution client configured"}
	}
	prober, ok := client.(adapters.Prober)
	if !ok {
		// nothing to probe with; trust the half-open breaker
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	return prober.Probe(pctx)
}

func (c *Checker) persist(ctx context.Context, provider string, available bool, reason string) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveAvailability(ctx, provider, available, reason); err != nil {
		slog.Error("failed to persist provider availability", "provider", provider, "error", err)
	}
}
