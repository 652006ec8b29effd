package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/aegis-orchestrator/internal/cache"
	"github.com/af-corp/aegis-orchestrator/internal/httputil"
	"github.com/af-corp/aegis-orchestrator/internal/orchestrator"
	"github.com/af-corp/aegis-orchestrator/internal/router"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

const maxBodyBytes = 4 << 20

// OverrideStore persists operator score overrides.
type OverrideStore interface {
	SaveScores(ctx context.Context, provider string, scores router.Scores) error
	Delete(ctx context.Context, provider string) error
}

// Handler holds dependencies for the HTTP handlers.
type Handler struct {
	orch      *orchestrator.Orchestrator
	cache     *cache.Cache
	health    *router.HealthTracker
	overrides OverrideStore
	version   string
}

// NewHandler creates the handler set. cache, health and overrides may be nil.
func NewHandler(orch *orchestrator.Orchestrator, c *cache.Cache, health *router.HealthTracker, overrides OverrideStore, version string) *Handler {
	return &Handler{orch: orch, cache: c, health: health, overrides: overrides, version: version}
}

type generateRequestBody struct {
	UserID          string                 `json:"user_id"`
	Messages        []types.Message        `json:"messages"`
	Params          types.GenerationParams `json:"params"`
	PinnedProvider  string                 `json:"pinned_provider,omitempty"`
	PinnedModel     string                 `json:"pinned_model,omitempty"`
	AllowFallback   bool                   `json:"allow_fallback,omitempty"`
	MinContext      int                    `json:"min_context,omitempty"`
	CacheCategory   string                 `json:"cache_category,omitempty"`
	CacheScope      string                 `json:"cache_scope,omitempty"`
	SkipCache       bool                   `json:"skip_cache,omitempty"`
	EstimatedTokens int                    `json:"estimated_tokens,omitempty"`
	MaxWaitMs       int64                  `json:"max_wait_ms,omitempty"`
}

type attemptView struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Outcome   string    `json:"outcome"`
	LatencyMs int64     `json:"latency_ms"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

type generateResponseBody struct {
	RequestID    string        `json:"request_id"`
	Text         string        `json:"text"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        types.Usage   `json:"usage"`
	Cached       bool          `json:"cached"`
	Attempts     []attemptView `json:"attempts"`
	DurationMs   int64         `json:"duration_ms"`
}

func viewAttempts(attempts []orchestrator.Attempt) []attemptView {
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView{
			Provider:  a.Provider,
			Model:     a.Model,
			Outcome:   string(a.Outcome),
			LatencyMs: a.Latency.Milliseconds(),
			StartedAt: a.StartedAt,
			Error:     a.Error,
		})
	}
	return out
}

// Generate handles POST /v1/generate
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	reqID := RequestID(r.Context())
	receivedAt := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	var in generateRequestBody
	if err := json.Unmarshal(body, &in); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if len(in.Messages) == 0 {
		httputil.WriteBadRequestError(w, reqID, "messages is required")
		return
	}
	category, ok := types.ParseCategory(in.CacheCategory)
	if !ok {
		httputil.WriteBadRequestError(w, reqID, "unknown cache_category "+in.CacheCategory)
		return
	}

	req := &types.GenerateRequest{
		RequestID:       reqID,
		UserID:          in.UserID,
		Messages:        in.Messages,
		Params:          in.Params,
		PinnedProvider:  in.PinnedProvider,
		PinnedModel:     in.PinnedModel,
		AllowFallback:   in.AllowFallback,
		MinContext:      in.MinContext,
		CacheCategory:   category,
		CacheScope:      in.CacheScope,
		SkipCache:       in.SkipCache,
		EstimatedTokens: in.EstimatedTokens,
		MaxWait:         time.Duration(in.MaxWaitMs) * time.Millisecond,
		ReceivedAt:      receivedAt,
	}

	res, err := h.orch.Generate(r.Context(), req)
	if err != nil {
		h.writeGenerateError(w, reqID, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, generateResponseBody{
		RequestID:    res.RequestID,
		Text:         res.Text,
		Provider:     res.Provider,
		Model:        res.Model,
		FinishReason: res.FinishReason,
		Usage:        res.Usage,
		Cached:       res.Cached,
		Attempts:     viewAttempts(res.Attempts),
		DurationMs:   res.Duration.Milliseconds(),
	})
}

func (h *Handler) writeGenerateError(w http.ResponseWriter, reqID string, err error) {
	var (
		tooLarge        *orchestrator.RequestTooLargeError
		exhausted       *orchestrator.AllProvidersUnavailableError
		unknownProvider *router.UnknownProviderError
		unknownModel    *router.UnknownModelError
	)
	switch {
	case errors.As(err, &tooLarge):
		httputil.WriteRequestTooLargeError(w, reqID, tooLarge.Error())
	case errors.As(err, &unknownProvider), errors.As(err, &unknownModel):
		httputil.WriteUnknownTargetError(w, reqID, err.Error())
	case errors.As(err, &exhausted):
		httputil.WriteServiceUnavailableError(w, reqID,
			"No provider could serve the request", viewAttempts(exhausted.Attempts), exhausted.RetryAfter)
	case errors.Is(err, context.Canceled):
		httputil.WriteGatewayTimeoutError(w, reqID, "Request canceled")
	default:
		slog.Error("generate failed", "request_id", reqID, "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to generate a response")
	}
}

type providerView struct {
	router.ProviderStatus
	Circuit        string `json:"circuit,omitempty"`
	DisabledReason string `json:"disabled_reason,omitempty"`

	// seconds until each quota-blocked model frees capacity
	QuotaWaitSeconds map[string]int `json:"quota_wait_seconds,omitempty"`
}

// ListProviders handles GET /v1/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	status := h.orch.ProviderStatus()
	var states map[string]router.CircuitState
	if h.health != nil {
		states = h.health.States()
	}

	out := make([]providerView, 0, len(status))
	for _, s := range status {
		v := providerView{ProviderStatus: s}
		if st, ok := states[s.Name]; ok {
			v.Circuit = st.String()
		}
		if h.health != nil {
			v.DisabledReason = h.health.DisabledReason(s.Name)
		}
		for _, m := range s.Models {
			if secs := h.orch.QuotaWaitSeconds(r.Context(), s.Name, m.ID); secs > 0 {
				if v.QuotaWaitSeconds == nil {
					v.QuotaWaitSeconds = make(map[string]int)
				}
				v.QuotaWaitSeconds[m.ID] = secs
			}
		}
		out = append(out, v)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"providers": out})
}

type invalidateRequestBody struct {
	Pattern  string `json:"pattern,omitempty"`
	Category string `json:"category,omitempty"`
}

// InvalidateCache handles POST /admin/cache/invalidate
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	reqID := RequestID(r.Context())

	var in invalidateRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}

	var removed int
	switch {
	case in.Pattern != "" && in.Category != "":
		httputil.WriteBadRequestError(w, reqID, "pattern and category are mutually exclusive")
		return
	case in.Pattern != "":
		n, err := h.orch.InvalidateCache(in.Pattern)
		if err != nil {
			httputil.WriteBadRequestError(w, reqID, "invalid pattern: "+err.Error())
			return
		}
		removed = n
	case in.Category != "":
		category, ok := types.ParseCategory(in.Category)
		if !ok {
			httputil.WriteBadRequestError(w, reqID, "unknown category "+in.Category)
			return
		}
		removed = h.orch.InvalidateCacheCategory(category)
	default:
		httputil.WriteBadRequestError(w, reqID, "pattern or category is required")
		return
	}

	slog.Info("cache invalidated", "request_id", reqID, "pattern", in.Pattern, "category", in.Category, "removed", removed)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type scoresRequestBody struct {
	Quality     *float64 `json:"quality"`
	Speed       *float64 `json:"speed"`
	Reliability *float64 `json:"reliability"`
}

// SetScores handles PUT /admin/providers/{name}/scores
func (h *Handler) SetScores(w http.ResponseWriter, r *http.Request) {
	reqID := RequestID(r.Context())
	name := chi.URLParam(r, "name")

	var in scoresRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	if in.Quality == nil || in.Speed == nil || in.Reliability == nil {
		httputil.WriteBadRequestError(w, reqID, "quality, speed and reliability are required")
		return
	}
	scores := router.Scores{Quality: *in.Quality, Speed: *in.Speed, Reliability: *in.Reliability}
	for _, v := range []float64{scores.Quality, scores.Speed, scores.Reliability} {
		if v < 0 || v > 10 {
			httputil.WriteBadRequestError(w, reqID, "scores must be within [0,10]")
			return
		}
	}

	if err := h.orch.SetProviderScores(name, scores); err != nil {
		httputil.WriteUnknownTargetError(w, reqID, err.Error())
		return
	}
	if h.overrides != nil {
		if err := h.overrides.SaveScores(r.Context(), name, scores); err != nil {
			slog.Error("failed to persist scores", "request_id", reqID, "provider", name, "error", err)
			httputil.WriteInternalError(w, reqID, "Scores applied but not persisted")
			return
		}
	}

	slog.Info("provider scores updated", "request_id", reqID, "provider", name,
		"quality", scores.Quality, "speed", scores.Speed, "reliability", scores.Reliability)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"provider":  name,
		"scores":    scores,
		"composite": scores.Composite(),
		"persisted": h.overrides != nil,
	})
}

// DeleteOverride handles DELETE /admin/providers/{name}/override. The YAML
// values apply again from the next config reload.
func (h *Handler) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	reqID := RequestID(r.Context())
	name := chi.URLParam(r, "name")

	if h.overrides == nil {
		httputil.WriteError(w, reqID, http.StatusNotImplemented, "server_error", "overrides_disabled",
			"Provider overrides are not persisted")
		return
	}
	if err := h.overrides.Delete(r.Context(), name); err != nil {
		slog.Error("failed to delete override", "request_id", reqID, "provider", name, "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to delete override")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

// CacheStats handles GET /admin/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		httputil.WriteJSON(w, http.StatusOK, cache.Stats{})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.cache.Stats())
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	usable := 0
	for _, p := range h.orch.ListProviders() {
		if p.Usable() {
			usable++
		}
	}
	status := "healthy"
	if usable == 0 {
		status = "degraded"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"version":          h.version,
		"usable_providers": usable,
	})
}
