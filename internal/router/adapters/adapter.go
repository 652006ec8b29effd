package adapters

import (
	"context"
	"net/http"
	"time"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

// ExecutionClient is the capability every provider binding implements. The
// orchestrator only ever sees this interface.
type ExecutionClient interface {
	Name() string
	// Generate runs one completion. Errors should be *Error so callers can
	// branch on Kind; anything else is classified by Classify.
	Generate(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.Completion, error)
}

// Prober is implemented by clients that can cheaply check credentials and
// reachability without spending generation quota.
type Prober interface {
	Probe(ctx context.Context) error
}

// BuildFromConfig creates one client per configured provider, keyed by
// provider name.
func BuildFromConfig(provCfg *config.ProvidersConfig) map[string]ExecutionClient {
	clients := make(map[string]ExecutionClient, len(provCfg.Providers))
	for _, cfg := range provCfg.Providers {
		clients[cfg.Name] = NewFromConfig(cfg)
	}
	return clients
}

// NewFromConfig builds the client for a single provider.
func NewFromConfig(cfg config.ProviderConfig) ExecutionClient {
	maxConns := cfg.MaxConcurrent
	if maxConns <= 0 {
		maxConns = 16
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxConns,
			MaxIdleConnsPerHost: maxConns,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}

	switch cfg.Type {
	case "anthropic":
		return NewAnthropicAdapter(cfg, client)
	default:
		// openai, local and unknown types speak the OpenAI-compatible API
		return NewOpenAIAdapter(cfg, client)
	}
}
