package profilestore

import (
	"testing"

	"github.com/af-corp/aegis-orchestrator/internal/router"
)

func boolPtr(b bool) *bool { return &b }

func TestApply(t *testing.T) {
	reg := router.NewRegistry()
	reg.Register(router.ProviderProfile{Name: "alpha", Available: true, HasCredentials: true,
		Scores: router.Scores{Quality: 9, Speed: 9, Reliability: 9}})
	reg.Register(router.ProviderProfile{Name: "beta", Available: true, HasCredentials: true,
		Scores: router.Scores{Quality: 5, Speed: 5, Reliability: 5}})

	n := Apply(reg, []Override{
		{Provider: "alpha", Available: boolPtr(false)},
		{Provider: "beta", Scores: &router.Scores{Quality: 10, Speed: 10, Reliability: 10}},
		{Provider: "ghost", Available: boolPtr(true)},
		{Provider: "beta"},
	})
	if n != 2 {
		t.Errorf("Apply = %d, want 2", n)
	}

	alpha, _ := reg.Get("alpha")
	if alpha.Available {
		t.Error("alpha should be unavailable")
	}
	if alpha.Scores.Quality != 9 {
		t.Errorf("alpha scores changed: %+v", alpha.Scores)
	}

	ranked := reg.Rank(router.Requirement{UsableOnly: true})
	if len(ranked) != 1 || ranked[0].Name != "beta" {
		t.Errorf("ranked = %+v", ranked)
	}
	if c := ranked[0].Scores.Composite(); c < 9.99 || c > 10.01 {
		t.Errorf("beta composite = %v, want 10", c)
	}
}
