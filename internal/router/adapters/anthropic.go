package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/types"
)

const (
	anthropicDefaultVersion   = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicAdapter handles communication with the Anthropic Messages API.
type AnthropicAdapter struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewAnthropicAdapter(cfg config.ProviderConfig, client *http.Client) *AnthropicAdapter {
	return &AnthropicAdapter{cfg: cfg, client: client}
}

func (a *AnthropicAdapter) Name() string { return a.cfg.Name }

func (a *AnthropicAdapter) Generate(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*types.Completion, error) {
	req, err := a.buildRequest(ctx, model, messages, params)
	if err != nil {
		return nil, &Error{Kind: KindUnsupported, Provider: a.Name(), Err: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, wrapTransport(a.Name(), err)
	}
	return a.parseResponse(resp)
}

// Probe lists models, which validates the key without generating tokens.
func (a *AnthropicAdapter) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return wrapTransport(a.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return FromStatus(a.Name(), resp.StatusCode, string(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (a *AnthropicAdapter) buildRequest(ctx context.Context, model string, messages []types.Message, params types.GenerationParams) (*http.Request, error) {
	// System prompts travel in a dedicated field; multiple are joined.
	var system []string
	var msgs []anthropicMessage
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("anthropic requires at least one non-system message")
	}

	maxTokens := anthropicDefaultMaxTokens
	if params.MaxTokens != nil {
		maxTokens = *params.MaxTokens
	}

	body := anthropicRequestBody{
		Model:       model,
		Messages:    msgs,
		System:      strings.Join(system, "\n\n"),
		MaxTokens:   maxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stop:        params.Stop,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.setHeaders(httpReq)
	return httpReq, nil
}

func (a *AnthropicAdapter) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.cfg.APIKey)
	version := a.cfg.APIVersion
	if version == "" {
		version = anthropicDefaultVersion
	}
	req.Header.Set("anthropic-version", version)
	for k, v := range a.cfg.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
}

func (a *AnthropicAdapter) parseResponse(resp *http.Response) (*types.Completion, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapTransport(a.Name(), fmt.Errorf("read anthropic response: %w", err))
	}

	// 529 is Anthropic's "overloaded", treated like any other 5xx.
	if resp.StatusCode != http.StatusOK {
		return nil, FromStatus(a.Name(), resp.StatusCode, string(body))
	}

	var antResp anthropicResponseBody
	if err := json.Unmarshal(body, &antResp); err != nil {
		return nil, &Error{Kind: KindTransient, Provider: a.Name(), Err: fmt.Errorf("unmarshal anthropic response: %w", err)}
	}

	var text strings.Builder
	for _, block := range antResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &types.Completion{
		Text:         text.String(),
		Model:        antResp.Model,
		FinishReason: mapStopReason(antResp.StopReason),
		Usage: types.Usage{
			PromptTokens:     antResp.Usage.InputTokens,
			CompletionTokens: antResp.Usage.OutputTokens,
			TotalTokens:      antResp.Usage.InputTokens + antResp.Usage.OutputTokens,
		},
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequestBody struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponseBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
