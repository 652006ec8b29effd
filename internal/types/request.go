package types

import "time"

// GenerateRequest is the canonical representation of one logical generation request
// handed to the orchestrator by the chat-transport layer.
type GenerateRequest struct {
	// Identity
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`

	// Request content
	Messages []Message        `json:"messages"`
	Params   GenerationParams `json:"params"`

	// Routing
	PinnedProvider string `json:"pinned_provider,omitempty"`
	PinnedModel    string `json:"pinned_model,omitempty"`
	AllowFallback  bool   `json:"allow_fallback,omitempty"`
	MinContext     int    `json:"min_context,omitempty"`

	// Caching
	CacheCategory Category `json:"cache_category,omitempty"`
	CacheScope    string   `json:"cache_scope,omitempty"`
	SkipCache     bool     `json:"skip_cache,omitempty"`

	// EstimatedTokens is the caller's estimate of input+output tokens. Zero means unknown.
	EstimatedTokens int `json:"estimated_tokens,omitempty"`

	// MaxWait allows a bounded backoff on quota-blocked candidates once every
	// admissible candidate has failed. Zero never waits.
	MaxWait time.Duration `json:"max_wait,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// GenerationParams are the provider-independent sampling parameters.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// PromptChars returns the total number of characters across all messages.
func (r *GenerateRequest) PromptChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}
