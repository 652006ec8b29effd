// Package orchestrator turns one logical generation request into an answer by
// consulting the cache, ranking providers, applying quota admission and
// failing over between candidates.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/af-corp/aegis-orchestrator/internal/cache"
	"github.com/af-corp/aegis-orchestrator/internal/quota"
	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/router/adapters"
	"github.com/af-corp/aegis-orchestrator/internal/telemetry"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// Defaults applied when Options leave a field zero.
const (
	DefaultMaxAttempts     = 3
	DefaultDispatchTimeout = 30 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
	DefaultCharsPerToken   = 4
)

// Options tune the failover loop.
type Options struct {
	MaxAttempts     int
	DispatchTimeout time.Duration
	RequestTimeout  time.Duration
	CharsPerToken   int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.DispatchTimeout <= 0 {
		o.DispatchTimeout = DefaultDispatchTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.CharsPerToken <= 0 {
		o.CharsPerToken = DefaultCharsPerToken
	}
	return o
}

// Deps are the collaborators an Orchestrator is built from. Registry and Quota
// are required; a nil Cache disables caching and nil Health or Metrics are
// skipped.
type Deps struct {
	Registry *router.Registry
	Quota    quota.Tracker
	Cache    *cache.Cache
	Health   *router.HealthTracker
	Metrics  *telemetry.Metrics
	Clients  map[string]adapters.ExecutionClient
}

// Result is a successful generation.
type Result struct {
	RequestID    string        `json:"request_id"`
	Text         string        `json:"text"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        types.Usage   `json:"usage"`
	Cached       bool          `json:"cached"`
	Attempts     []Attempt     `json:"attempts"`
	Duration     time.Duration `json:"duration_ns"`
}

// Orchestrator runs the failover state machine.
type Orchestrator struct {
	registry *router.Registry
	quota    quota.Tracker
	cache    *cache.Cache
	health   *router.HealthTracker
	metrics  *telemetry.Metrics

	mu      sync.RWMutex
	clients map[string]adapters.ExecutionClient

	opts  Options
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, opts Options) *Orchestrator {
	clients := make(map[string]adapters.ExecutionClient, len(deps.Clients))
	for name, c := range deps.Clients {
		clients[name] = c
	}
	return &Orchestrator{
		registry: deps.Registry,
		quota:    deps.Quota,
		cache:    deps.Cache,
		health:   deps.Health,
		metrics:  deps.Metrics,
		clients:  clients,
		opts:     opts.withDefaults(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetClient installs or replaces the execution client of a provider.
func (o *Orchestrator) SetClient(c adapters.ExecutionClient) {
	o.mu.Lock()
	o.clients[c.Name()] = c
	o.mu.Unlock()
}

// Client returns the execution client of a provider.
func (o *Orchestrator) Client(provider string) (adapters.ExecutionClient, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.clients[provider]
	return c, ok
}

// SetOptions swaps the failover tuning, e.g. after a config reload.
func (o *Orchestrator) SetOptions(opts Options) {
	o.mu.Lock()
	o.opts = opts.withDefaults()
	o.mu.Unlock()
}

func (o *Orchestrator) options() Options {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.opts
}

// ListProviders returns every provider with its current usability.
func (o *Orchestrator) ListProviders() []router.ProviderProfile {
	return o.registry.ListProviders()
}

// ProviderStatus returns the diagnostic view of every provider.
func (o *Orchestrator) ProviderStatus() []router.ProviderStatus {
	return o.registry.Status()
}

// SetProviderScores replaces the operator scores of a provider.
func (o *Orchestrator) SetProviderScores(provider string, scores router.Scores) error {
	return o.registry.SetScores(provider, scores)
}

// QuotaWaitSeconds is the whole-second delay until the quota windows of a
// model free capacity, 0 when nothing blocks it.
func (o *Orchestrator) QuotaWaitSeconds(ctx context.Context, provider, model string) int {
	return quota.WaitTimeSeconds(ctx, o.quota, provider, model)
}

// InvalidateCache drops entries whose scope matches pattern.
func (o *Orchestrator) InvalidateCache(pattern string) (int, error) {
	if o.cache == nil {
		return 0, nil
	}
	return o.cache.Invalidate(pattern)
}

// InvalidateCacheCategory drops every entry of a category.
func (o *Orchestrator) InvalidateCacheCategory(category types.Category) int {
	if o.cache == nil {
		return 0
	}
	return o.cache.InvalidateCategory(category)
}

// Generate resolves req to an answer. Per-candidate failures never escape
// individually: the result is either a Result, a fatal request error
// (*RequestTooLargeError, *router.UnknownProviderError,
// *router.UnknownModelError) or *AllProvidersUnavailableError.
func (o *Orchestrator) Generate(ctx context.Context, req *types.GenerateRequest) (*Result, error) {
	opts := o.options()
	start := o.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = start
	}

	if req.PromptChars() == 0 {
		o.finish("too_large", start)
		return nil, &RequestTooLargeError{Reason: "empty prompt"}
	}

	// CACHE_CHECK
	fingerprint := cache.FingerprintRequest(req)
	if o.cache != nil && !req.SkipCache {
		if v, ok := o.cache.Get(fingerprint); ok {
			slog.Debug("cache hit", "request_id", req.RequestID, "provider", v.Provider, "model", v.Model)
			o.finish("cache_hit", start)
			return &Result{
				RequestID:    req.RequestID,
				Text:         v.Text,
				Provider:     v.Provider,
				Model:        v.Model,
				FinishReason: v.FinishReason,
				Usage:        v.Usage,
				Cached:       true,
				Attempts:     []Attempt{},
				Duration:     o.now().Sub(start),
			}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.RequestTimeout)
	defer cancel()

	// CANDIDATE_SELECT
	promptTokens := estimateTokens(req.PromptChars(), opts.CharsPerToken)
	candidates, err := o.candidates(ctx, req, promptTokens)
	if err != nil {
		var tooLarge *RequestTooLargeError
		if errors.As(err, &tooLarge) {
			o.finish("too_large", start)
		} else {
			o.finish("rejected", start)
		}
		return nil, err
	}

	// DISPATCH / RETRY
	budget := min(len(candidates), opts.MaxAttempts)
	attempts := make([]Attempt, 0, budget)
	var retryAfter time.Duration
	for _, c := range candidates {
		if c.heldBack && c.wait > 0 && (retryAfter == 0 || c.wait < retryAfter) {
			retryAfter = c.wait
		}
	}

	for _, c := range candidates {
		if len(attempts) >= budget {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if c.heldBack && c.wait > 0 && c.wait <= req.MaxWait {
			slog.Info("waiting for quota window",
				"request_id", req.RequestID,
				"provider", c.provider,
				"model", c.model,
				"wait_ms", c.wait.Milliseconds(),
			)
			if err := o.sleep(ctx, c.wait); err != nil {
				break
			}
		}

		a, completion := o.dispatch(ctx, req, c, promptTokens, opts.DispatchTimeout)
		attempts = append(attempts, a)

		if a.Outcome == OutcomeSuccess {
			return o.succeed(req, fingerprint, a, completion, attempts, start), nil
		}
		if len(attempts) < budget {
			slog.Warn("failing over",
				"request_id", req.RequestID,
				"provider", a.Provider,
				"model", a.Model,
				"outcome", a.Outcome,
				"error", a.Error,
			)
			if o.metrics != nil {
				o.metrics.RecordFailover(a.Provider)
			}
		}
	}

	// EXHAUSTED
	if err := context.Cause(ctx); errors.Is(err, context.Canceled) {
		o.finish("canceled", start)
		return nil, fmt.Errorf("generate %s: %w", req.RequestID, err)
	}
	exhausted := &AllProvidersUnavailableError{
		RequestID:  req.RequestID,
		Attempts:   attempts,
		RetryAfter: retryAfter,
		TimedOut:   errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	slog.Warn("all providers exhausted",
		"request_id", req.RequestID,
		"attempts", len(attempts),
		"timed_out", exhausted.TimedOut,
		"retry_after_ms", retryAfter.Milliseconds(),
	)
	o.finish("exhausted", start)
	return nil, exhausted
}

// candidates builds the dispatch order: admissible candidates by rank, then
// held-back ones by ascending quota wait.
func (o *Orchestrator) candidates(ctx context.Context, req *types.GenerateRequest, promptTokens int) ([]candidate, error) {
	need := promptTokens
	if req.Params.MaxTokens != nil {
		need += *req.Params.MaxTokens
	}
	need = max(need, req.MinContext)

	var pinned *candidate
	pinRequested := req.PinnedProvider != "" || req.PinnedModel != ""
	if pinRequested {
		c, err := o.pinnedCandidate(req, need)
		if err != nil {
			return nil, err
		}
		pinned = c
	}

	var ranked []router.ProviderProfile
	if !pinRequested || req.AllowFallback {
		usable := o.registry.Rank(router.Requirement{UsableOnly: true})
		largest := 0
		for _, p := range usable {
			largest = max(largest, p.MaxContext())
		}
		if pinned == nil && len(usable) > 0 && largest < need {
			return nil, &RequestTooLargeError{EstimatedTokens: need, LargestContext: largest}
		}
		for _, p := range usable {
			if p.MaxContext() >= need {
				ranked = append(ranked, p)
			}
		}
	}

	var admissible, heldBack []candidate
	add := func(c candidate) {
		if o.quota.CanAdmit(ctx, c.provider, c.model, c.estimate) {
			admissible = append(admissible, c)
			return
		}
		c.heldBack = true
		c.wait = o.quota.WaitTime(ctx, c.provider, c.model)
		heldBack = append(heldBack, c)
		if o.metrics != nil {
			o.metrics.RecordQuotaRejection(c.provider, c.model)
		}
	}

	if pinned != nil {
		add(*pinned)
	}
	for _, p := range ranked {
		if pinned != nil && p.Name == pinned.provider {
			continue
		}
		m, ok := o.registry.ModelFor(p.Name, need)
		if !ok {
			continue
		}
		add(candidate{
			provider: p.Name,
			model:    m.ID,
			context:  m.ContextWindow,
			estimate: admissionEstimate(req, m.ContextWindow),
		})
	}

	sort.SliceStable(heldBack, func(i, j int) bool { return heldBack[i].wait < heldBack[j].wait })
	return append(admissible, heldBack...), nil
}

// pinnedCandidate resolves a caller-pinned provider and model. A model pinned
// without a provider selects the first registered provider offering it.
func (o *Orchestrator) pinnedCandidate(req *types.GenerateRequest, need int) (*candidate, error) {
	provider := req.PinnedProvider
	if provider == "" {
		for _, p := range o.registry.ListProviders() {
			for _, m := range p.Models {
				if m.ID == req.PinnedModel {
					provider = p.Name
					break
				}
			}
			if provider != "" {
				break
			}
		}
		if provider == "" {
			return nil, &router.UnknownModelError{Model: req.PinnedModel}
		}
	}

	profile, err := o.registry.Get(provider)
	if err != nil {
		return nil, err
	}
	m, err := o.registry.GetModel(provider, req.PinnedModel)
	if err != nil {
		return nil, err
	}
	if m.ContextWindow < need {
		if !req.AllowFallback {
			return nil, &RequestTooLargeError{EstimatedTokens: need, LargestContext: m.ContextWindow}
		}
		return nil, nil
	}
	if !profile.Usable() {
		slog.Warn("pinned provider unusable", "request_id", req.RequestID, "provider", provider,
			"available", profile.Available, "has_credentials", profile.HasCredentials)
		return nil, nil
	}
	return &candidate{
		provider: provider,
		model:    m.ID,
		context:  m.ContextWindow,
		estimate: admissionEstimate(req, m.ContextWindow),
	}, nil
}

// dispatch runs one attempt: reserve quota, call the client under the
// dispatch timeout, settle the reservation and feed health and statistics.
func (o *Orchestrator) dispatch(ctx context.Context, req *types.GenerateRequest, c candidate, promptTokens int, timeout time.Duration) (Attempt, *types.Completion) {
	a := Attempt{
		ID:        uuid.NewString(),
		Provider:  c.provider,
		Model:     c.model,
		StartedAt: o.now(),
	}
	// settlement must survive the caller abandoning the request
	bg := context.WithoutCancel(ctx)

	res, err := o.quota.Reserve(ctx, c.provider, c.model, c.estimate)
	if err != nil {
		a.Outcome = OutcomeQuotaRejected
		a.Error = err.Error()
		if o.metrics != nil {
			o.metrics.RecordQuotaRejection(c.provider, c.model)
		}
		o.recordAttempt(req, a, nil)
		return a, nil
	}

	client, ok := o.Client(c.provider)
	if !ok {
		res.Release(bg)
		a.Outcome = OutcomeNoClient
		a.Error = "no execution client configured"
		o.recordAttempt(req, a, nil)
		return a, nil
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	completion, err := client.Generate(dctx, c.model, req.Messages, req.Params)
	cancel()
	a.Latency = o.now().Sub(a.StartedAt)

	if err == nil && completion == nil {
		err = &adapters.Error{Kind: adapters.KindTransient, Provider: c.provider, Message: "empty completion"}
	}
	if err != nil {
		// the request was sent, so it counts against RPM/RPD
		res.Commit(bg, 0)
		a.Outcome = Outcome(adapters.Classify(err))
		a.Error = err.Error()
		o.registry.RecordOutcome(c.provider, string(a.Outcome), false, a.Latency, a.StartedAt)
		switch {
		case a.Outcome == OutcomeAuthError && o.health != nil:
			o.health.DisableForAuth(c.provider)
		case a.Outcome == OutcomeAuthError:
			o.registry.SetAvailable(c.provider, false)
		case (a.Outcome == OutcomeTimeout || a.Outcome == OutcomeTransient) && o.health != nil:
			o.health.RecordFailure(c.provider)
		}
		o.recordAttempt(req, a, nil)
		return a, nil
	}

	tokens := completion.Usage.Total()
	if tokens == 0 {
		tokens = req.EstimatedTokens
	}
	if tokens == 0 {
		tokens = promptTokens
	}
	res.Commit(bg, tokens)

	a.Outcome = OutcomeSuccess
	o.registry.RecordOutcome(c.provider, string(a.Outcome), true, a.Latency, a.StartedAt)
	if o.health != nil {
		o.health.RecordSuccess(c.provider)
	}
	o.recordAttempt(req, a, completion)
	return a, completion
}

func (o *Orchestrator) recordAttempt(req *types.GenerateRequest, a Attempt, completion *types.Completion) {
	level := slog.LevelInfo
	if a.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "attempt finished",
		"request_id", req.RequestID,
		"attempt_id", a.ID,
		"provider", a.Provider,
		"model", a.Model,
		"outcome", a.Outcome,
		"latency_ms", a.Latency.Milliseconds(),
	)

	if o.metrics == nil {
		return
	}
	labels := telemetry.AttemptLabels{
		Provider:   a.Provider,
		Model:      a.Model,
		Outcome:    string(a.Outcome),
		DurationMs: float64(a.Latency.Milliseconds()),
	}
	if completion != nil {
		labels.PromptTokens = completion.Usage.PromptTokens
		labels.CompletionTokens = completion.Usage.CompletionTokens
	}
	o.metrics.RecordAttempt(labels)
}

func (o *Orchestrator) succeed(req *types.GenerateRequest, fingerprint string, a Attempt, c *types.Completion, attempts []Attempt, start time.Time) *Result {
	model := c.Model
	if model == "" {
		model = a.Model
	}
	if o.cache != nil {
		o.cache.Put(fingerprint, cache.Value{
			Text:         c.Text,
			Provider:     a.Provider,
			Model:        model,
			FinishReason: c.FinishReason,
			Usage:        c.Usage,
		}, req.CacheCategory, req.CacheScope)
	}

	duration := o.now().Sub(start)
	slog.Info("request completed",
		"request_id", req.RequestID,
		"user_id", req.UserID,
		"provider", a.Provider,
		"model", model,
		"attempts", len(attempts),
		"prompt_tokens", c.Usage.PromptTokens,
		"completion_tokens", c.Usage.CompletionTokens,
		"duration_ms", duration.Milliseconds(),
	)
	o.finish("success", start)

	return &Result{
		RequestID:    req.RequestID,
		Text:         c.Text,
		Provider:     a.Provider,
		Model:        model,
		FinishReason: c.FinishReason,
		Usage:        c.Usage,
		Attempts:     attempts,
		Duration:     duration,
	}
}

func (o *Orchestrator) finish(status string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordRequest(status, float64(o.now().Sub(start).Milliseconds()))
	}
}

func estimateTokens(chars, charsPerToken int) int {
	return (chars + charsPerToken - 1) / charsPerToken
}

// admissionEstimate is the caller's estimate, or the model's whole context
// window when none was given. It is never recorded as usage.
func admissionEstimate(req *types.GenerateRequest, contextWindow int) int {
	if req.EstimatedTokens > 0 {
		return req.EstimatedTokens
	}
	return contextWindow
}
