package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/cache"
	"github.com/af-corp/aegis-orchestrator/internal/quota"
	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/router/adapters"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// stubProvider counts calls and answers with a fixed completion or error.
type stubProvider struct {
	name string

	mu    sync.Mutex
	calls int
	reply string
	err   error
	block bool
}

func (s *stubProvider) client() *adapters.Func {
	return &adapters.Func{
		ProviderName: s.name,
		Fn: func(ctx context.Context, model string, _ []types.Message, _ types.GenerationParams) (*types.Completion, error) {
			s.mu.Lock()
			s.calls++
			reply, err, block := s.reply, s.err, s.block
			s.mu.Unlock()

			if block {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			if err != nil {
				return nil, err
			}
			return &types.Completion{
				Text:         reply,
				Model:        model,
				FinishReason: "stop",
				Usage:        types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			}, nil
		},
	}
}

func (s *stubProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	registry *router.Registry
	tracker  *quota.MemoryTracker
	cache    *cache.Cache
	health   *router.HealthTracker
	orch     *Orchestrator
	stubs    map[string]*stubProvider
}

type providerSpec struct {
	name    string
	score   float64
	context int
	limits  router.QuotaLimits
}

func newFixture(t *testing.T, opts Options, specs ...providerSpec) *fixture {
	t.Helper()
	reg := router.NewRegistry()
	stubs := make(map[string]*stubProvider)
	clients := make(map[string]adapters.ExecutionClient)
	for _, sp := range specs {
		ctxWindow := sp.context
		if ctxWindow == 0 {
			ctxWindow = 8000
		}
		reg.Register(router.ProviderProfile{
			Name:           sp.name,
			Type:           "openai",
			Available:      true,
			HasCredentials: true,
			Scores:         router.Scores{Quality: sp.score, Speed: sp.score, Reliability: sp.score},
			Models: []router.ModelProfile{
				{ID: sp.name + "-model", ContextWindow: ctxWindow, Default: true, Limits: sp.limits},
			},
		})
		stub := &stubProvider{name: sp.name, reply: "from " + sp.name}
		stubs[sp.name] = stub
		clients[sp.name] = stub.client()
	}

	f := &fixture{
		registry: reg,
		tracker:  quota.NewMemoryTracker(RegistryLimits(reg)),
		cache:    cache.New(cache.Config{MaxSize: 100}),
		health:   router.NewHealthTracker(reg, 5, time.Minute),
		stubs:    stubs,
	}
	f.orch = New(Deps{
		Registry: reg,
		Quota:    f.tracker,
		Cache:    f.cache,
		Health:   f.health,
		Clients:  clients,
	}, opts)
	return f
}

func ping(text string) *types.GenerateRequest {
	return &types.GenerateRequest{
		UserID:   "u1",
		Messages: []types.Message{{Role: "user", Content: text}},
	}
}

func outcomes(attempts []Attempt) string {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = a.Provider + ":" + string(a.Outcome)
	}
	return strings.Join(parts, ",")
}

func TestGenerate_FailsOverOnRateLimit(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2},
		providerSpec{name: "alpha", score: 9},
		providerSpec{name: "beta", score: 5},
	)
	f.stubs["alpha"].err = &adapters.Error{Kind: adapters.KindRateLimited, Provider: "alpha", StatusCode: 429}
	f.stubs["beta"].reply = "pong"

	res, err := f.orch.Generate(context.Background(), ping("ping"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "pong" || res.Provider != "beta" || res.Cached {
		t.Errorf("result = %+v", res)
	}
	if got := outcomes(res.Attempts); got != "alpha:rate_limited,beta:success" {
		t.Errorf("attempts = %s", got)
	}
	if res.RequestID == "" {
		t.Error("request id not assigned")
	}
}

func TestGenerate_CacheHitSkipsProviders(t *testing.T) {
	f := newFixture(t, Options{},
		providerSpec{name: "alpha", score: 9},
		providerSpec{name: "beta", score: 5},
	)
	f.stubs["alpha"].err = errors.New("must not be called")
	f.stubs["beta"].err = errors.New("must not be called")

	req := ping("2+2?")
	f.cache.Put(cache.FingerprintRequest(req), cache.Value{Text: "4", Provider: "alpha"}, types.CategoryStaticExplanation, "")

	res, err := f.orch.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "4" || !res.Cached || len(res.Attempts) != 0 {
		t.Errorf("result = %+v", res)
	}
	if f.stubs["alpha"].Calls()+f.stubs["beta"].Calls() != 0 {
		t.Error("providers were contacted on a cache hit")
	}
}

func TestGenerate_StoresAnswerInCache(t *testing.T) {
	f := newFixture(t, Options{}, providerSpec{name: "alpha", score: 9})

	if _, err := f.orch.Generate(context.Background(), ping("hello")); err != nil {
		t.Fatal(err)
	}
	res, err := f.orch.Generate(context.Background(), ping("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached || res.Text != "from alpha" || f.stubs["alpha"].Calls() != 1 {
		t.Errorf("second call: cached=%v text=%q calls=%d", res.Cached, res.Text, f.stubs["alpha"].Calls())
	}

	req := ping("hello")
	req.SkipCache = true
	if res, _ := f.orch.Generate(context.Background(), req); res.Cached {
		t.Error("SkipCache request served from cache")
	}
}

func TestGenerate_SkipsQuotaExhaustedProvider(t *testing.T) {
	f := newFixture(t, Options{},
		providerSpec{name: "alpha", score: 9, limits: router.QuotaLimits{RPM: 1}},
		providerSpec{name: "beta", score: 5},
	)
	f.tracker.Record(context.Background(), "alpha", "alpha-model", 10)

	res, err := f.orch.Generate(context.Background(), ping("ping"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Provider != "beta" {
		t.Errorf("provider = %s, want beta", res.Provider)
	}
	if f.stubs["alpha"].Calls() != 0 {
		t.Error("quota-exhausted provider was dispatched to")
	}
}

func TestGenerate_ExhaustionRespectsBudget(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2},
		providerSpec{name: "alpha", score: 9},
		providerSpec{name: "beta", score: 7},
		providerSpec{name: "gamma", score: 5},
	)
	for _, s := range f.stubs {
		s.err = &adapters.Error{Kind: adapters.KindTimeout, Provider: s.name}
	}

	_, err := f.orch.Generate(context.Background(), ping("ping"))
	var exhausted *AllProvidersUnavailableError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want AllProvidersUnavailableError", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(exhausted.Attempts))
	}
	if got := outcomes(exhausted.Attempts); got != "alpha:timeout,beta:timeout" {
		t.Errorf("attempts = %s", got)
	}
	if f.stubs["gamma"].Calls() != 0 {
		t.Error("dispatched beyond the attempt budget")
	}
}

func TestGenerate_RequestTooLarge(t *testing.T) {
	f := newFixture(t, Options{},
		providerSpec{name: "alpha", score: 9, context: 100},
		providerSpec{name: "beta", score: 5, context: 200},
	)

	tests := []struct {
		name string
		req  *types.GenerateRequest
	}{
		{"empty prompt", &types.GenerateRequest{Messages: []types.Message{{Role: "user"}}}},
		{"no messages", &types.GenerateRequest{}},
		{"exceeds every context", ping(strings.Repeat("x", 1000))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Generate(context.Background(), tt.req)
			var tooLarge *RequestTooLargeError
			if !errors.As(err, &tooLarge) {
				t.Fatalf("err = %v, want RequestTooLargeError", err)
			}
		})
	}
	if f.stubs["alpha"].Calls()+f.stubs["beta"].Calls() != 0 {
		t.Error("provider contacted for an oversized request")
	}
}

func TestGenerate_SelectsProviderWithEnoughContext(t *testing.T) {
	f := newFixture(t, Options{},
		providerSpec{name: "alpha", score: 9, context: 100},
		providerSpec{name: "beta", score: 5, context: 1000},
	)
	res, err := f.orch.Generate(context.Background(), ping(strings.Repeat("x", 1000)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "beta" {
		t.Errorf("provider = %s, want beta", res.Provider)
	}
}

func TestGenerate_Pinning(t *testing.T) {
	t.Run("pinned provider only", func(t *testing.T) {
		f := newFixture(t, Options{},
			providerSpec{name: "alpha", score: 9},
			providerSpec{name: "beta", score: 5},
		)
		req := ping("ping")
		req.PinnedProvider = "beta"
		res, err := f.orch.Generate(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Provider != "beta" || f.stubs["alpha"].Calls() != 0 {
			t.Errorf("provider = %s, alpha calls = %d", res.Provider, f.stubs["alpha"].Calls())
		}
	})

	t.Run("pinned failure without fallback", func(t *testing.T) {
		f := newFixture(t, Options{},
			providerSpec{name: "alpha", score: 9},
			providerSpec{name: "beta", score: 5},
		)
		f.stubs["beta"].err = &adapters.Error{Kind: adapters.KindTransient, Provider: "beta"}
		req := ping("ping")
		req.PinnedProvider = "beta"

		_, err := f.orch.Generate(context.Background(), req)
		var exhausted *AllProvidersUnavailableError
		if !errors.As(err, &exhausted) || len(exhausted.Attempts) != 1 {
			t.Fatalf("err = %v, want exhaustion after 1 attempt", err)
		}
		if f.stubs["alpha"].Calls() != 0 {
			t.Error("fell back without permission")
		}
	})

	t.Run("pinned failure with fallback", func(t *testing.T) {
		f := newFixture(t, Options{},
			providerSpec{name: "alpha", score: 9},
			providerSpec{name: "beta", score: 5},
		)
		f.stubs["beta"].err = &adapters.Error{Kind: adapters.KindTransient, Provider: "beta"}
		req := ping("ping")
		req.PinnedProvider = "beta"
		req.AllowFallback = true

		res, err := f.orch.Generate(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if got := outcomes(res.Attempts); got != "beta:transient_error,alpha:success" {
			t.Errorf("attempts = %s", got)
		}
	})

	t.Run("pinned model without provider", func(t *testing.T) {
		f := newFixture(t, Options{},
			providerSpec{name: "alpha", score: 9},
			providerSpec{name: "beta", score: 5},
		)
		req := ping("ping")
		req.PinnedModel = "beta-model"
		res, err := f.orch.Generate(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Provider != "beta" || res.Model != "beta-model" {
			t.Errorf("served by %s/%s", res.Provider, res.Model)
		}
	})

	t.Run("unknown provider and model", func(t *testing.T) {
		f := newFixture(t, Options{}, providerSpec{name: "alpha", score: 9})

		req := ping("ping")
		req.PinnedProvider = "nope"
		_, err := f.orch.Generate(context.Background(), req)
		if !errors.Is(err, router.ErrUnknownProvider) {
			t.Errorf("err = %v, want ErrUnknownProvider", err)
		}

		req = ping("ping")
		req.PinnedProvider = "alpha"
		req.PinnedModel = "nope"
		_, err = f.orch.Generate(context.Background(), req)
		var unknownModel *router.UnknownModelError
		if !errors.As(err, &unknownModel) {
			t.Errorf("err = %v, want UnknownModelError", err)
		}
		if f.stubs["alpha"].Calls() != 0 {
			t.Error("provider contacted for a misconfigured request")
		}
	})
}

func TestGenerate_AuthErrorDisablesProvider(t *testing.T) {
	f := newFixture(t, Options{},
		providerSpec{name: "alpha", score: 9},
		providerSpec{name: "beta", score: 5},
	)
	f.stubs["alpha"].err = &adapters.Error{Kind: adapters.KindAuth, Provider: "alpha", StatusCode: 401}

	res, err := f.orch.Generate(context.Background(), ping("ping"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "beta" {
		t.Fatalf("provider = %s, want beta", res.Provider)
	}

	p, _ := f.registry.Get("alpha")
	if p.Available {
		t.Fatal("alpha should be unavailable after an auth error")
	}
	if f.health.DisabledReason("alpha") != router.DisabledByAuth {
		t.Errorf("disabled reason = %q", f.health.DisabledReason("alpha"))
	}

	req := ping("ping again")
	if _, err := f.orch.Generate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if f.stubs["alpha"].Calls() != 1 {
		t.Errorf("alpha called %d times, want 1", f.stubs["alpha"].Calls())
	}
}

func TestGenerate_RecordsQuotaUsage(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2},
		providerSpec{name: "alpha", score: 9, limits: router.QuotaLimits{RPM: 100}},
		providerSpec{name: "beta", score: 5, limits: router.QuotaLimits{RPM: 100}},
	)
	f.stubs["alpha"].err = &adapters.Error{Kind: adapters.KindTransient, Provider: "alpha"}

	if _, err := f.orch.Generate(context.Background(), ping("ping")); err != nil {
		t.Fatal(err)
	}

	alpha := f.tracker.Usage("alpha", "alpha-model")
	if alpha.MinuteRequests != 1 || alpha.MinuteTokens != 0 || alpha.Pending != 0 {
		t.Errorf("alpha usage = %+v, want 1 request and 0 tokens", alpha)
	}
	beta := f.tracker.Usage("beta", "beta-model")
	if beta.MinuteRequests != 1 || beta.MinuteTokens != 5 || beta.Pending != 0 {
		t.Errorf("beta usage = %+v, want 1 request and 5 tokens", beta)
	}

	status := f.orch.ProviderStatus()
	if status[0].Name != "alpha" || status[0].Failures != 1 || status[1].Successes != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestGenerate_RequestTimeout(t *testing.T) {
	f := newFixture(t, Options{RequestTimeout: 50 * time.Millisecond},
		providerSpec{name: "alpha", score: 9},
		providerSpec{name: "beta", score: 5},
	)
	f.stubs["alpha"].block = true

	_, err := f.orch.Generate(context.Background(), ping("ping"))
	var exhausted *AllProvidersUnavailableError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want AllProvidersUnavailableError", err)
	}
	if !exhausted.TimedOut || len(exhausted.Attempts) != 1 || exhausted.Attempts[0].Outcome != OutcomeTimeout {
		t.Errorf("exhausted = %+v", exhausted)
	}
	if f.stubs["beta"].Calls() != 0 {
		t.Error("dispatched after the request deadline")
	}
	if u := f.tracker.Usage("alpha", "alpha-model"); u.Pending != 0 {
		t.Errorf("reservation left pending: %+v", u)
	}
}

func TestGenerate_CallerCancel(t *testing.T) {
	f := newFixture(t, Options{}, providerSpec{name: "alpha", score: 9})
	f.stubs["alpha"].block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.orch.Generate(ctx, ping("ping"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if u := f.tracker.Usage("alpha", "alpha-model"); u.Pending != 0 || u.MinuteRequests != 1 {
		t.Errorf("usage after cancel = %+v", u)
	}
}

func TestGenerate_NoUsableProviders(t *testing.T) {
	f := newFixture(t, Options{}, providerSpec{name: "alpha", score: 9})
	f.registry.SetAvailable("alpha", false)

	_, err := f.orch.Generate(context.Background(), ping("ping"))
	var exhausted *AllProvidersUnavailableError
	if !errors.As(err, &exhausted) || len(exhausted.Attempts) != 0 {
		t.Fatalf("err = %v, want exhaustion with no attempts", err)
	}
}

// blockedTracker holds every key back until the orchestrator has waited.
type blockedTracker struct {
	wait   time.Duration
	waited bool
}

func (b *blockedTracker) CanAdmit(context.Context, string, string, int) bool { return false }

func (b *blockedTracker) Reserve(context.Context, string, string, int) (quota.Reservation, error) {
	if !b.waited {
		return nil, quota.ErrQuotaExceeded
	}
	return nopReservation{}, nil
}

func (b *blockedTracker) Record(context.Context, string, string, int) {}

func (b *blockedTracker) WaitTime(context.Context, string, string) time.Duration { return b.wait }

type nopReservation struct{}

func (nopReservation) Commit(context.Context, int) {}
func (nopReservation) Release(context.Context)     {}

func TestGenerate_MaxWait(t *testing.T) {
	newOrch := func(tr *blockedTracker, slept *time.Duration) (*Orchestrator, *stubProvider) {
		reg := router.NewRegistry()
		reg.Register(router.ProviderProfile{
			Name: "alpha", Available: true, HasCredentials: true,
			Scores: router.Scores{Quality: 9, Speed: 9, Reliability: 9},
			Models: []router.ModelProfile{{ID: "m", ContextWindow: 8000}},
		})
		stub := &stubProvider{name: "alpha", reply: "late"}
		o := New(Deps{
			Registry: reg,
			Quota:    tr,
			Clients:  map[string]adapters.ExecutionClient{"alpha": stub.client()},
		}, Options{})
		o.sleep = func(_ context.Context, d time.Duration) error {
			*slept += d
			tr.waited = true
			return nil
		}
		return o, stub
	}

	t.Run("waits when allowed", func(t *testing.T) {
		var slept time.Duration
		o, _ := newOrch(&blockedTracker{wait: 2 * time.Second}, &slept)
		req := ping("ping")
		req.MaxWait = 5 * time.Second

		res, err := o.Generate(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Text != "late" || slept != 2*time.Second {
			t.Errorf("text=%q slept=%v", res.Text, slept)
		}
	})

	t.Run("does not wait by default", func(t *testing.T) {
		var slept time.Duration
		o, stub := newOrch(&blockedTracker{wait: 2 * time.Second}, &slept)

		_, err := o.Generate(context.Background(), ping("ping"))
		var exhausted *AllProvidersUnavailableError
		if !errors.As(err, &exhausted) {
			t.Fatalf("err = %v", err)
		}
		if exhausted.RetryAfter != 2*time.Second || exhausted.Attempts[0].Outcome != OutcomeQuotaRejected {
			t.Errorf("exhausted = %+v", exhausted)
		}
		if slept != 0 || stub.Calls() != 0 {
			t.Errorf("slept=%v calls=%d", slept, stub.Calls())
		}
	})
}

func TestInvalidateCache(t *testing.T) {
	f := newFixture(t, Options{}, providerSpec{name: "alpha", score: 9})
	req := ping("portfolio?")
	req.CacheScope = "user:1:portfolio"
	req.CacheCategory = types.CategoryUserContext
	if _, err := f.orch.Generate(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	n, err := f.orch.InvalidateCache("user:1:*")
	if err != nil || n != 1 {
		t.Fatalf("InvalidateCache = %d, %v", n, err)
	}

	req = ping("portfolio?")
	req.CacheScope = "user:1:portfolio"
	res, _ := f.orch.Generate(context.Background(), req)
	if res.Cached {
		t.Error("invalidated entry served")
	}
	if n := f.orch.InvalidateCacheCategory(types.CategoryDefault); n != 1 {
		t.Errorf("InvalidateCacheCategory = %d, want 1", n)
	}
}
