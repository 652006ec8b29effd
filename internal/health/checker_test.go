package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/router/adapters"
	"github.com/af-corp/aegis-orchestrator/internal/telemetry"
)

type memoryStore struct {
	mu    sync.Mutex
	saved map[string]bool
}

func (m *memoryStore) SaveAvailability(_ context.Context, provider string, available bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]bool)
	}
	m.saved[provider] = available
	return nil
}

func setup(probeErr error) (*Checker, *router.Registry, *router.HealthTracker, *memoryStore, *telemetry.Metrics) {
	reg := router.NewRegistry()
	reg.Register(router.ProviderProfile{Name: "alpha", Available: true, HasCredentials: true})
	reg.Register(router.ProviderProfile{Name: "beta", Available: true, HasCredentials: true})
	tracker := router.NewHealthTracker(reg, 3, time.Minute)

	clients := map[string]adapters.ExecutionClient{
		"alpha": &adapters.Func{ProviderName: "alpha", ProbeFn: func(context.Context) error { return probeErr }},
		"beta":  &adapters.Func{ProviderName: "beta"},
	}
	store := &memoryStore{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	lookup := func(name string) (adapters.ExecutionClient, bool) {
		c, ok := clients[name]
		return c, ok
	}
	return NewChecker(reg, tracker, lookup, store, metrics, time.Second), reg, tracker, store, metrics
}

func gauge(t *testing.T, m *telemetry.Metrics, provider string) float64 {
	t.Helper()
	var metric dto.Metric
	if err := m.ProviderAvailable.WithLabelValues(provider).Write(&metric); err != nil {
		t.Fatal(err)
	}
	return metric.Gauge.GetValue()
}

func TestCheckOnce_RecoversAuthDisabledProvider(t *testing.T) {
	c, reg, tracker, store, metrics := setup(nil)
	tracker.DisableForAuth("alpha")

	results := c.CheckOnce(context.Background())
	if len(results) != 1 || results[0].Provider != "alpha" || !results[0].Recovered {
		t.Fatalf("results = %+v", results)
	}
	p, _ := reg.Get("alpha")
	if !p.Available {
		t.Error("alpha should be available after a successful probe")
	}
	if available, ok := store.saved["alpha"]; !ok || !available {
		t.Errorf("store = %v", store.saved)
	}
	if gauge(t, metrics, "alpha") != 1 {
		t.Error("availability gauge not updated")
	}
}

func TestCheckOnce_FailedProbeKeepsProviderOut(t *testing.T) {
	c, reg, tracker, store, metrics := setup(errors.New("401"))
	tracker.DisableForAuth("alpha")

	results := c.CheckOnce(context.Background())
	if len(results) != 1 || results[0].Recovered || results[0].Err == nil {
		t.Fatalf("results = %+v", results)
	}
	p, _ := reg.Get("alpha")
	if p.Available {
		t.Error("alpha should remain unavailable")
	}
	if available, ok := store.saved["alpha"]; !ok || available {
		t.Errorf("store = %v", store.saved)
	}
	if gauge(t, metrics, "alpha") != 0 || gauge(t, metrics, "beta") != 1 {
		t.Error("availability gauges wrong")
	}
}

func TestCheckOnce_LeavesOperatorDisabledAlone(t *testing.T) {
	c, reg, _, _, _ := setup(nil)
	reg.SetAvailable("beta", false)

	if results := c.CheckOnce(context.Background()); len(results) != 0 {
		t.Errorf("probed %+v, want nothing", results)
	}
	p, _ := reg.Get("beta")
	if p.Available {
		t.Error("operator-disabled provider re-enabled")
	}
}
