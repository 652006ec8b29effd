package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/cache"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshot_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	in := []cache.Snapshot{
		{
			Fingerprint: "fp1",
			Value:       cache.Value{Text: "4", Provider: "alpha", Model: "m1", Usage: types.Usage{TotalTokens: 3}},
			Category:    types.CategoryStaticExplanation,
			Scope:       "user:1",
			CreatedAt:   created,
			ExpiresAt:   created.Add(time.Hour),
			Hits:        7,
		},
		{
			Fingerprint: "fp2",
			Value:       cache.Value{Text: "pong", Provider: "beta"},
			Category:    types.CategoryDefault,
			CreatedAt:   created,
			ExpiresAt:   created.Add(time.Minute),
		},
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatal(err)
	}

	out, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("loaded %d entries, want 2", len(out))
	}
	byFP := map[string]cache.Snapshot{}
	for _, snap := range out {
		byFP[snap.Fingerprint] = snap
	}
	got := byFP["fp1"]
	if got.Value.Text != "4" || got.Value.Usage.TotalTokens != 3 || got.Scope != "user:1" || got.Hits != 7 {
		t.Errorf("fp1 = %+v", got)
	}
	if !got.ExpiresAt.Equal(created.Add(time.Hour)) || got.Category != types.CategoryStaticExplanation {
		t.Errorf("fp1 expiry/category = %v/%s", got.ExpiresAt, got.Category)
	}
}

func TestSaveReplacesPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Save(ctx, []cache.Snapshot{{Fingerprint: "old", ExpiresAt: now.Add(time.Hour)}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, []cache.Snapshot{{Fingerprint: "new", ExpiresAt: now.Add(time.Hour)}}); err != nil {
		t.Fatal(err)
	}
	out, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Fingerprint != "new" {
		t.Errorf("snapshot = %+v, want only \"new\"", out)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := cache.New(cache.Config{MaxSize: 100, TTLs: map[types.Category]time.Duration{
		types.CategoryStaticExplanation: time.Hour,
	}})
	c.Put("fp", cache.Value{Text: "4"}, types.CategoryStaticExplanation, "")

	if n, err := c.SaveTo(ctx, s); err != nil || n != 1 {
		t.Fatalf("SaveTo = %d, %v", n, err)
	}

	warm := cache.New(cache.Config{MaxSize: 100})
	if n, err := warm.LoadFrom(ctx, s); err != nil || n != 1 {
		t.Fatalf("LoadFrom = %d, %v", n, err)
	}
	if v, ok := warm.Get("fp"); !ok || v.Text != "4" {
		t.Errorf("Get after restore = %+v, %v", v, ok)
	}
}
